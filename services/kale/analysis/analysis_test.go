// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/pyast"
)

type stepDef struct {
	name   string
	source string
	prev   []string
}

func build(t *testing.T, globals string, defs ...stepDef) *pipeline.Pipeline {
	t.Helper()
	p := pipeline.New(nil)
	p.ImportsAndFunctions = globals
	for _, d := range defs {
		require.NoError(t, p.AddStep(pipeline.NewStep(d.name, d.source)))
	}
	for _, d := range defs {
		for _, prev := range d.prev {
			require.NoError(t, p.AddDependency(prev, d.name))
		}
	}
	return p
}

func analyze(t *testing.T, p *pipeline.Pipeline) {
	t.Helper()
	require.NoError(t, New().Analyze(context.Background(), p))
	require.NoError(t, Verify(p))
}

func step(t *testing.T, p *pipeline.Pipeline, name string) *pipeline.Step {
	t.Helper()
	s, err := p.Step(name)
	require.NoError(t, err)
	return s
}

func TestAnalyze_StraightChain(t *testing.T) {
	p := build(t, "",
		stepDef{name: "step1", source: "x = 5"},
		stepDef{name: "step2", source: "def foo(): print(x)", prev: []string{"step1"}},
		stepDef{name: "step3", source: "foo()", prev: []string{"step2"}},
	)
	analyze(t, p)

	assert.Empty(t, step(t, p, "step1").SortedIns())
	assert.Equal(t, []string{"x"}, step(t, p, "step1").SortedOuts())
	assert.Equal(t, []string{"x"}, step(t, p, "step2").SortedIns())
	assert.Equal(t, []string{"foo", "x"}, step(t, p, "step2").SortedOuts())
	assert.Equal(t, []string{"foo", "x"}, step(t, p, "step3").SortedIns())
	assert.Empty(t, step(t, p, "step3").SortedOuts())
}

func TestAnalyze_BranchMerge(t *testing.T) {
	p := build(t, "",
		stepDef{name: "s0", source: "x = 5\ny = 6"},
		stepDef{name: "sl", source: "def foo(): print(x)", prev: []string{"s0"}},
		stepDef{name: "sr", source: "def bar(): print(y)", prev: []string{"s0"}},
		stepDef{name: "sm", source: "def result(): foo(); bar()", prev: []string{"sl", "sr"}},
		stepDef{name: "sf", source: "result()", prev: []string{"sm"}},
	)
	analyze(t, p)

	tests := []struct {
		step string
		ins  []string
		outs []string
	}{
		{step: "s0", ins: []string{}, outs: []string{"x", "y"}},
		{step: "sl", ins: []string{"x"}, outs: []string{"foo", "x"}},
		{step: "sr", ins: []string{"y"}, outs: []string{"bar", "y"}},
		{step: "sm", ins: []string{"bar", "foo", "x", "y"}, outs: []string{"bar", "foo", "result", "x", "y"}},
		{step: "sf", ins: []string{"bar", "foo", "result", "x", "y"}, outs: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			s := step(t, p, tt.step)
			assert.ElementsMatch(t, tt.ins, s.SortedIns())
			assert.ElementsMatch(t, tt.outs, s.SortedOuts())
		})
	}
}

func TestAnalyze_TwoProducersBothSave(t *testing.T) {
	p := build(t, "",
		stepDef{name: "left", source: "x = 1"},
		stepDef{name: "right", source: "x = 2"},
		stepDef{name: "join", source: "print(x)", prev: []string{"left", "right"}},
	)
	analyze(t, p)

	assert.Equal(t, []string{"x"}, step(t, p, "left").SortedOuts())
	assert.Equal(t, []string{"x"}, step(t, p, "right").SortedOuts())
	assert.Equal(t, []string{"x"}, step(t, p, "join").SortedIns())

	order, err := p.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "right", "join"}, order)
}

func TestAnalyze_GlobalsNeverMarshalled(t *testing.T) {
	p := build(t, "import math\n%matplotlib inline\ndef half(v):\n    return v / 2",
		stepDef{name: "a", source: "r = math.sqrt(4)"},
		stepDef{name: "b", source: "s = half(r) + math.pi", prev: []string{"a"}},
		stepDef{name: "c", source: "print(math.floor(s))", prev: []string{"b"}},
	)
	analyze(t, p)

	for _, s := range p.Steps() {
		assert.False(t, s.Ins.Has("math"), s.Name)
		assert.False(t, s.Outs.Has("math"), s.Name)
		assert.False(t, s.Ins.Has("half"), s.Name)
		assert.NotContains(t, s.FnsFreeVariables, "half", s.Name)
	}
	assert.Equal(t, []string{"r"}, step(t, p, "a").SortedOuts())
	assert.Equal(t, []string{"r"}, step(t, p, "b").SortedIns())
	assert.Equal(t, []string{"s"}, step(t, p, "c").SortedIns())
}

func TestAnalyze_PipelineParameter(t *testing.T) {
	p := build(t, "",
		stepDef{name: "a", source: "z = y * 2"},
		stepDef{name: "b", source: "print(z)", prev: []string{"a"}},
	)
	p.Parameters = []pipeline.Parameter{{Name: "y", Type: pyast.TypeInt, Value: "5"}}
	analyze(t, p)

	a := step(t, p, "a")
	assert.False(t, a.Ins.Has("y"))
	assert.Equal(t, []string{"y"}, a.ParameterNames())
	assert.Empty(t, step(t, p, "b").ParameterNames())
}

func TestAnalyze_ParameterThroughFunction(t *testing.T) {
	p := build(t, "",
		stepDef{name: "a", source: "def scaled(v):\n    return v * factor"},
		stepDef{name: "b", source: "print(scaled(3))", prev: []string{"a"}},
	)
	p.Parameters = []pipeline.Parameter{{Name: "factor", Type: pyast.TypeFloat, Value: "0.5"}}
	analyze(t, p)

	b := step(t, p, "b")
	assert.Equal(t, []string{"scaled"}, b.SortedIns())
	assert.Equal(t, []string{"factor"}, b.ParameterNames())
	assert.Equal(t, []string{"scaled"}, step(t, p, "a").SortedOuts())
}

func TestAnalyze_NestedFunctionFreeVariables(t *testing.T) {
	p := build(t, "",
		stepDef{name: "a", source: "k = 3"},
		stepDef{name: "b", source: "def inner():\n    return k\ndef outer():\n    return inner()", prev: []string{"a"}},
		stepDef{name: "c", source: "outer()", prev: []string{"b"}},
	)
	analyze(t, p)

	b := step(t, p, "b")
	assert.Equal(t, []string{"k"}, b.FnsFreeVariables["inner"].UnsortedList())
	assert.True(t, b.FnsFreeVariables["outer"].HasAll("inner", "k"))
	assert.Equal(t, []string{"inner", "k", "outer"}, step(t, p, "c").SortedIns())
	assert.Equal(t, []string{"k"}, step(t, p, "a").SortedOuts())
}

func TestAnalyze_Hints(t *testing.T) {
	p := build(t, "",
		stepDef{name: "a", source: "x = 1"},
		stepDef{name: "b", source: "print(x)", prev: []string{"a"}},
	)
	step(t, p, "a").AddHints(nil, []string{"extra"})
	step(t, p, "b").AddHints([]string{"extra"}, nil)
	analyze(t, p)

	assert.Equal(t, []string{"extra", "x"}, step(t, p, "a").SortedOuts())
	assert.Equal(t, []string{"extra", "x"}, step(t, p, "b").SortedIns())
}

func TestAnalyze_InHintIsSavedUpstream(t *testing.T) {
	p := build(t, "",
		stepDef{name: "a", source: "z = 1"},
		stepDef{name: "b", source: "exec('print(z)')", prev: []string{"a"}},
	)
	step(t, p, "b").AddHints([]string{"z"}, nil)
	analyze(t, p)

	assert.Equal(t, []string{"z"}, step(t, p, "a").SortedOuts())
	assert.Equal(t, []string{"z"}, step(t, p, "b").SortedIns())
}

func TestAnalyze_InHintWithoutProducer(t *testing.T) {
	p := build(t, "",
		stepDef{name: "a", source: "z = 1"},
		stepDef{name: "b", source: "pass", prev: []string{"a"}},
	)
	step(t, p, "b").AddHints([]string{"ghost"}, nil)

	err := New().Analyze(context.Background(), p)
	var ue *UnresolvedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "b", ue.Step)
	assert.Equal(t, "ghost", ue.Name)
}

func TestAnalyze_InHintOnParameterOrGlobal(t *testing.T) {
	p := build(t, "import math",
		stepDef{name: "a", source: "pass"},
	)
	p.Parameters = []pipeline.Parameter{{Name: "rate", Type: pyast.TypeFloat, Value: "0.5"}}
	step(t, p, "a").AddHints([]string{"rate", "math"}, nil)
	analyze(t, p)

	a := step(t, p, "a")
	assert.Empty(t, a.SortedIns())
	assert.Equal(t, []string{"rate"}, a.ParameterNames())
}

func TestAnalyze_GlobalSetInsideFunction(t *testing.T) {
	p := build(t, "",
		stepDef{name: "load", source: "def init():\n    global model\n    model = 3\ninit()\nprint(model)"},
		stepDef{name: "show", source: "print(model)", prev: []string{"load"}},
	)
	analyze(t, p)

	assert.Empty(t, step(t, p, "load").SortedIns())
	assert.Equal(t, []string{"model"}, step(t, p, "load").SortedOuts())
	assert.Equal(t, []string{"model"}, step(t, p, "show").SortedIns())
}

func TestAnalyze_Unresolved(t *testing.T) {
	p := build(t, "",
		stepDef{name: "a", source: "x = 1"},
		stepDef{name: "b", source: "print(x, missing)", prev: []string{"a"}},
	)
	err := New().Analyze(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvedDependency)

	var ue *UnresolvedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "b", ue.Step)
	assert.Equal(t, "missing", ue.Name)
}

func TestAnalyze_UnrelatedBranchDoesNotResolve(t *testing.T) {
	p := build(t, "",
		stepDef{name: "a", source: "x = 1"},
		stepDef{name: "b", source: "print(x)"},
	)
	err := New().Analyze(context.Background(), p)
	assert.ErrorIs(t, err, ErrUnresolvedDependency)
}

func TestAnalyze_SyntaxErrorNamesStep(t *testing.T) {
	p := build(t, "", stepDef{name: "a", source: "x = ("})
	err := New().Analyze(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, pyast.ErrSyntax)

	var se *pipeline.StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "a", se.StepName)
}

func TestAnalyze_Idempotent(t *testing.T) {
	p := build(t, "",
		stepDef{name: "a", source: "x = 1"},
		stepDef{name: "b", source: "y = x + 1", prev: []string{"a"}},
		stepDef{name: "c", source: "print(x, y)", prev: []string{"b"}},
	)
	analyze(t, p)
	first := map[string][2][]string{}
	for _, s := range p.Steps() {
		first[s.Name] = [2][]string{s.SortedIns(), s.SortedOuts()}
	}
	analyze(t, p)
	for _, s := range p.Steps() {
		assert.Equal(t, first[s.Name], [2][]string{s.SortedIns(), s.SortedOuts()}, s.Name)
	}
	assert.Equal(t, []string{"x"}, step(t, p, "a").SortedOuts())
	assert.Equal(t, []string{"x", "y"}, step(t, p, "b").SortedOuts())
}

func TestAnalyze_NilInputs(t *testing.T) {
	//nolint:staticcheck
	assert.ErrorIs(t, New().Analyze(nil, pipeline.New(nil)), ErrNilContext)
	assert.ErrorIs(t, New().Analyze(context.Background(), nil), ErrNilPipeline)
}

func TestVerify_DetectsViolations(t *testing.T) {
	p := build(t, "",
		stepDef{name: "a", source: "x = 1"},
		stepDef{name: "b", source: "print(x)", prev: []string{"a"}},
	)
	analyze(t, p)

	step(t, p, "a").Outs.Delete("x")
	assert.ErrorIs(t, Verify(p), ErrInvariant)

	step(t, p, "a").Outs.Insert("x", "ghost")
	assert.ErrorIs(t, Verify(p), ErrInvariant)
}
