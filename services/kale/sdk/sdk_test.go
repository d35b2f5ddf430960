// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sdk

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kale/services/kale/config"
	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/pyast"
)

const demoScript = `import numpy as np
from kale.sdk import pipeline, step, artifact

SEED = 7


def helper(v):
    return v * 2


@step(name="load")
def load():
    data = [1, 2, 3]
    return data


@artifact(name="report", path="/tmp/report.html")
@step(name="train", retry_count=2, timeout=60, limits={"cpu": 2})
def train(dataset, lr, epochs=3):
    model = (dataset, lr, epochs)
    return model, lr


@step(name="evaluate")
def evaluate(model):
    print(model)


@pipeline(name="demo", experiment="exp", description="A demo", steps_defaults=["label:team:ml"])
def demo(lr=0.1, tag="x"):
    data = load()
    trained, rate = train(data, lr)
    evaluate(trained)


if __name__ == "__main__":
    demo()
`

func read(t *testing.T, code string) (*Result, error) {
	t.Helper()
	return NewReader().Read(context.Background(), code)
}

func TestRead_Demo(t *testing.T) {
	res, err := read(t, demoScript)
	require.NoError(t, err)
	p := res.Pipeline

	assert.Equal(t, "demo", res.Function)
	assert.Equal(t, []string{"load", "train", "evaluate"}, p.StepNames())
	assert.Equal(t, []pipeline.Edge{{From: "load", To: "train"}, {From: "train", To: "evaluate"}}, p.Edges())

	assert.Equal(t, map[string]any{
		"pipeline_name":        "demo",
		"experiment_name":      "exp",
		"pipeline_description": "A demo",
		"steps_defaults":       []any{"label:team:ml"},
	}, res.ConfigRaw)

	assert.Equal(t, []pipeline.Parameter{
		{Name: "lr", Type: pyast.TypeFloat, Value: "0.1"},
		{Name: "tag", Type: pyast.TypeStr, Value: `"x"`},
	}, p.Parameters)

	assert.Equal(t, "import numpy as np\nSEED = 7\ndef helper(v):\n    return v * 2", p.ImportsAndFunctions)
}

func TestRead_StepSources(t *testing.T) {
	res, err := read(t, demoScript)
	require.NoError(t, err)
	p := res.Pipeline

	load, err := p.Step("load")
	require.NoError(t, err)
	assert.Equal(t, "data = [1, 2, 3]", load.SourceText(), "return of the result name is dropped")

	train, err := p.Step("train")
	require.NoError(t, err)
	assert.Equal(t,
		"dataset = data\nepochs = 3\nmodel = (dataset, lr, epochs)\ntrained, rate = model, lr",
		train.SourceText())
	assert.Equal(t, 2, train.Config.RetryCount)
	assert.Equal(t, 60, train.Config.Timeout)
	assert.Equal(t, map[string]string{"cpu": "2"}, train.Config.Limits)
	assert.Equal(t, []pipeline.Artifact{{Name: "report", Path: "/tmp/report.html"}}, train.Artifacts)

	evaluate, err := p.Step("evaluate")
	require.NoError(t, err)
	assert.Equal(t, "model = trained\nprint(model)", evaluate.SourceText())
}

func TestRead_ConfigLoads(t *testing.T) {
	res, err := read(t, demoScript)
	require.NoError(t, err)
	raw := config.Merge(res.ConfigRaw, map[string]any{"source_path": "demo.py", "abs_working_dir": "/tmp"})
	var cfg config.PipelineConfig
	require.NoError(t, config.Load(raw, &cfg))
	assert.Equal(t, "demo", cfg.BaseName)
	assert.Equal(t, map[string]string{"team": "ml"}, cfg.DefaultLabels)
}

func TestRead_KeywordArguments(t *testing.T) {
	res, err := read(t, `
@step(name="a")
def a():
    x = 1
    return x

@step(name="b")
def b(x, y=2):
    print(x, y)

@pipeline(name="p", experiment="e")
def p():
    x = a()
    b(y=5, x=x)
`)
	require.NoError(t, err)
	s, err := res.Pipeline.Step("b")
	require.NoError(t, err)
	assert.Equal(t, "y = 5\nprint(x, y)", s.SourceText())
	assert.True(t, res.Pipeline.HasDependency("a", "b"))
}

func TestRead_Errors(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr error
	}{
		{
			name:    "no pipeline",
			code:    "@step(name='a')\ndef a():\n    pass\n",
			wantErr: ErrNoPipeline,
		},
		{
			name: "two pipelines",
			code: `
@pipeline(name="p", experiment="e")
def p():
    pass

@pipeline(name="q", experiment="e")
def q():
    pass
`,
			wantErr: ErrMultiplePipelines,
		},
		{
			name: "positional pipeline parameter",
			code: `
@step(name="a")
def a(x):
    print(x)

@pipeline(name="p", experiment="e")
def p(x):
    a(x)
`,
			wantErr: ErrPositionalParameter,
		},
		{
			name: "unknown step",
			code: `
@pipeline(name="p", experiment="e")
def p():
    helper()
`,
			wantErr: ErrUnknownStep,
		},
		{
			name: "called twice",
			code: `
@step(name="a")
def a():
    pass

@pipeline(name="p", experiment="e")
def p():
    a()
    a()
`,
			wantErr: ErrStepCalledTwice,
		},
		{
			name: "early return",
			code: `
@step(name="a")
def a(v=1):
    if v:
        return 1
    x = 2

@pipeline(name="p", experiment="e")
def p():
    a()
`,
			wantErr: ErrUnsupportedReturn,
		},
		{
			name: "missing argument",
			code: `
@step(name="a")
def a(v):
    print(v)

@pipeline(name="p", experiment="e")
def p():
    a()
`,
			wantErr: ErrArgumentMismatch,
		},
		{
			name: "result from step without return",
			code: `
@step(name="a")
def a():
    x = 1

@pipeline(name="p", experiment="e")
def p():
    y = a()
`,
			wantErr: ErrArgumentMismatch,
		},
		{
			name: "positional step decorator argument",
			code: `
@step("a")
def a():
    pass

@pipeline(name="p", experiment="e")
def p():
    a()
`,
			wantErr: ErrInvalidDecorator,
		},
		{
			name: "unknown step option",
			code: `
@step(name="a", retries=3)
def a():
    pass

@pipeline(name="p", experiment="e")
def p():
    a()
`,
			wantErr: config.ErrInvalidConfig,
		},
		{
			name: "non-literal pipeline parameter",
			code: `
@step(name="a")
def a():
    pass

@pipeline(name="p", experiment="e")
def p(x=compute()):
    a()
`,
			wantErr: pyast.ErrNotPrimitive,
		},
		{
			name: "unsupported pipeline statement",
			code: `
@step(name="a")
def a():
    pass

@pipeline(name="p", experiment="e")
def p():
    for i in range(3):
        a()
`,
			wantErr: pyast.ErrUnsupportedStatement,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := read(t, tt.code)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRead_DefinitionErrorNamesFunction(t *testing.T) {
	_, err := read(t, `
@pipeline(name="p", experiment="e")
def my_pipeline(x):
    pass
`)
	var de *DefinitionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "my_pipeline", de.Function)
	assert.Equal(t, 2, de.Line)
}

func TestRewriteReturn(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		results []string
		want    string
	}{
		{name: "no return", body: "x = 1", want: "x = 1"},
		{name: "unused value", body: "x = 1\nreturn x", want: "x = 1"},
		{name: "rename", body: "x = 1\nreturn x", results: []string{"y"}, want: "x = 1\ny = x"},
		{name: "same name", body: "x = 1\nreturn x", results: []string{"x"}, want: "x = 1"},
		{name: "tuple", body: "return (a, b)", results: []string{"a", "b"}, want: ""},
		{name: "tuple rename", body: "return a, b", results: []string{"b", "a"}, want: "b, a = a, b"},
		{name: "unused call kept", body: "model = 1\nreturn save_model(model)", want: "model = 1\nsave_model(model)"},
		{name: "unused tuple of names", body: "return a, (b, c)", want: ""},
		{name: "unused expression only", body: "return log(1)", want: "log(1)"},
		{name: "bare return", body: "x = 1\nreturn", want: "x = 1"},
		{name: "magic line before return", body: "%time x = 1\nreturn x", results: []string{"y"}, want: "%time x = 1\ny = x"},
		{name: "nested def return", body: "def f():\n    return 1\nx = f()", want: "def f():\n    return 1\nx = f()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rewriteReturn(tt.body, tt.results)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadArtifactPositional(t *testing.T) {
	res, err := read(t, `
@step(name="a")
@artifact("plot", "/out/plot.png")
def a():
    pass

@pipeline(name="p", experiment="e")
def p():
    a()
`)
	require.NoError(t, err)
	s, err := res.Pipeline.Step("a")
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Artifact{{Name: "plot", Path: "/out/plot.png"}}, s.Artifacts)
	assert.Equal(t, "pass", s.SourceText())
}

func TestReadKeepsReturnedCallWithoutResults(t *testing.T) {
	res, err := read(t, `
@step(name="train")
def train():
    model = 1
    return save_model(model)

@pipeline(name="p", experiment="e")
def p():
    train()
`)
	require.NoError(t, err)
	s, err := res.Pipeline.Step("train")
	require.NoError(t, err)
	assert.Equal(t, "model = 1\nsave_model(model)", s.SourceText())
}
