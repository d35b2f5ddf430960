// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notebook

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kale/services/kale/config"
	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/pyast"
	"github.com/AleutianAI/kale/services/kale/tags"
)

func code(source string, tagList ...string) Cell {
	return Cell{CellType: CellCode, Source: Source{source}, Metadata: CellMetadata{Tags: tagList}}
}

func markdown(source string) Cell {
	return Cell{CellType: CellMarkdown, Source: Source{source}}
}

func parse(t *testing.T, cells ...Cell) (*pipeline.Pipeline, error) {
	t.Helper()
	return NewParser().Parse(context.Background(), &Notebook{Cells: cells}, nil)
}

func mustParse(t *testing.T, cells ...Cell) *pipeline.Pipeline {
	t.Helper()
	p, err := parse(t, cells...)
	require.NoError(t, err)
	return p
}

func TestDecode(t *testing.T) {
	data := []byte(`{
		"nbformat": 4, "nbformat_minor": 5,
		"metadata": {"kubeflow_notebook": {"pipeline_name": "demo", "experiment": {"name": "exp"}}},
		"cells": [
			{"cell_type": "markdown", "metadata": {}, "source": "# Title"},
			{"cell_type": "code", "metadata": {"tags": ["block:load"]}, "source": ["x = 1\n", "y = 2"], "outputs": [], "execution_count": null}
		]
	}`)
	nb, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, nb.Cells, 2)
	assert.False(t, nb.Cells[0].IsCode())
	assert.Equal(t, "x = 1\ny = 2", nb.Cells[1].Source.String())
	assert.Equal(t, []string{"block:load"}, nb.Cells[1].Metadata.Tags)

	meta := nb.PipelineMetadata()
	assert.Equal(t, "demo", meta["pipeline_name"])
	meta["pipeline_name"] = "changed"
	assert.Equal(t, "demo", nb.PipelineMetadata()["pipeline_name"], "metadata is copied")
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{cells`},
		{name: "missing cells", data: `{"metadata": {}}`},
		{name: "bad cell type", data: `{"cells": [{"cell_type": "sql", "source": ""}]}`},
		{name: "numeric source", data: `{"cells": [{"cell_type": "code", "source": 3}]}`},
		{name: "old format", data: `{"nbformat": 3, "cells": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformedNotebook)
		})
	}
}

func TestRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nb.ipynb")
	require.NoError(t, os.WriteFile(path, []byte(`{"cells": []}`), 0o644))

	nb, err := Read(path)
	require.NoError(t, err)
	assert.Empty(t, nb.Cells)
	assert.Empty(t, nb.PipelineMetadata())

	_, err = Read(filepath.Join(dir, "missing.ipynb"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParse_StraightChain(t *testing.T) {
	p := mustParse(t,
		markdown("# ignored"),
		code("x = 5", "block:step1"),
		code("def foo():\n    print(x)", "block:step2", "prev:step1"),
		code("foo()", "block:step3", "prev:step2"),
	)

	assert.Equal(t, []string{"step1", "step2", "step3"}, p.StepNames())
	assert.Equal(t, []pipeline.Edge{{From: "step1", To: "step2"}, {From: "step2", To: "step3"}}, p.Edges())
	s2, err := p.Step("step2")
	require.NoError(t, err)
	assert.Equal(t, "def foo():\n    print(x)", s2.SourceText())
}

func TestParse_UntaggedCellsExtendPreviousBucket(t *testing.T) {
	p := mustParse(t,
		code("import os", "imports"),
		code("import sys"),
		code("a = 1", "block:first"),
		code("   \n"),
		code("b = a"),
		code("c = 2", "skip"),
	)
	assert.Equal(t, "import os\nimport sys", p.ImportsAndFunctions)
	s, err := p.Step("first")
	require.NoError(t, err)
	assert.Equal(t, []string{"a = 1", "b = a"}, s.Source)
}

func TestParse_GlobalCellIgnoresPrev(t *testing.T) {
	p := mustParse(t,
		code("a = 1", "block:first"),
		code("import math", "functions", "prev:first"),
		code("b = 2", "block:second"),
	)
	assert.Empty(t, p.Edges())
	assert.Equal(t, "import math", p.ImportsAndFunctions)
}

func TestParse_MultipleBlockTags(t *testing.T) {
	p := mustParse(t,
		code("data = load()", "block:a", "block:b", "in:seed", "out:data"),
		code("more = data", "block:a", "out:more"),
	)
	a, err := p.Step("a")
	require.NoError(t, err)
	b, err := p.Step("b")
	require.NoError(t, err)

	assert.Equal(t, []string{"data = load()", "more = data"}, a.Source)
	assert.Equal(t, []string{"data = load()"}, b.Source)
	assert.True(t, a.InHints.Has("seed"))
	assert.True(t, b.InHints.Has("seed"))
	assert.True(t, a.OutHints.HasAll("data", "more"))
	assert.True(t, b.OutHints.Has("data"))
	assert.False(t, b.OutHints.Has("more"))
}

func TestParse_ForwardPrevReference(t *testing.T) {
	p := mustParse(t,
		code("y = x", "block:late", "prev:early"),
		code("x = 1", "block:early"),
	)
	assert.Equal(t, []pipeline.Edge{{From: "early", To: "late"}}, p.Edges())
}

func TestParse_Parameters(t *testing.T) {
	p := mustParse(t,
		code("lr = 0.1\nepochs = 3", "pipeline-parameters"),
		code("name = 'run'", "pipeline-parameters"),
		code("epochs = 10", "injected-parameters"),
		code("print(lr, epochs, name)", "block:train"),
	)
	assert.Equal(t, []pipeline.Parameter{
		{Name: "lr", Type: pyast.TypeFloat, Value: "0.1"},
		{Name: "epochs", Type: pyast.TypeInt, Value: "10"},
		{Name: "name", Type: pyast.TypeStr, Value: "'run'"},
	}, p.Parameters)
}

func TestParse_InvalidParameters(t *testing.T) {
	_, err := parse(t,
		code("x = None", "pipeline-parameters"),
		code("print(x)", "block:a"),
	)
	assert.ErrorIs(t, err, ErrInvalidParameters)
	assert.ErrorIs(t, err, pyast.ErrNotPrimitive)
}

func TestParse_Metrics(t *testing.T) {
	p := mustParse(t,
		code("accuracy_score = 0.9", "block:step1"),
		code("print(accuracy_score)", "pipeline-metrics"),
	)
	assert.Equal(t, []pipeline.Metric{{Name: "accuracy-score", Variable: "accuracy_score"}}, p.Metrics)
	assert.Equal(t, []string{"step1", pipeline.MetricsStepName}, p.StepNames())
	assert.True(t, p.HasDependency("step1", pipeline.MetricsStepName))

	ms, err := p.Step(pipeline.MetricsStepName)
	require.NoError(t, err)
	assert.Equal(t, "print(accuracy_score)", ms.SourceText())
}

func TestParse_MetricsAfterEverySink(t *testing.T) {
	p := mustParse(t,
		code("a = 1", "block:root"),
		code("b = a", "block:left", "prev:root"),
		code("c = a", "block:right", "prev:root"),
		code("print(b)\nprint(c)", "pipeline-metrics"),
	)
	preds, err := p.Predecessors(pipeline.MetricsStepName)
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "right"}, preds)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name      string
		cells     []Cell
		wantErr   error
		wantIndex int
	}{
		{
			name:      "malformed tag",
			cells:     []Cell{code("x = 1", "block:Bad")},
			wantErr:   tags.ErrInvalidTag,
			wantIndex: 0,
		},
		{
			name:      "unknown tag",
			cells:     []Cell{code("x = 1", "block:a"), code("y = 1", "stage:b")},
			wantErr:   tags.ErrInvalidTag,
			wantIndex: 1,
		},
		{
			name:      "no owning step",
			cells:     []Cell{markdown("intro"), code("x = 1")},
			wantErr:   ErrNoOwningStep,
			wantIndex: 1,
		},
		{
			name: "metrics not last",
			cells: []Cell{
				code("print(accuracy_score)", "pipeline-metrics"),
				code("accuracy_score = 1", "block:step1"),
			},
			wantErr:   ErrMetricsNotLast,
			wantIndex: 1,
		},
		{
			name:      "unknown prev",
			cells:     []Cell{code("x = 1", "block:a", "prev:ghost")},
			wantErr:   pipeline.ErrStepNotFound,
			wantIndex: 0,
		},
		{
			name: "cycle",
			cells: []Cell{
				code("x = 1", "block:a", "prev:b"),
				code("y = 1", "block:b", "prev:a"),
			},
			wantErr:   pipeline.ErrCycleDetected,
			wantIndex: 1,
		},
		{
			name: "metrics with other statements",
			cells: []Cell{
				code("a = 1", "block:a"),
				code("x = 1", "pipeline-metrics"),
			},
			wantErr:   ErrInvalidMetrics,
			wantIndex: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.cells...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			var ce *CellError
			require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
			assert.Equal(t, tt.wantIndex, ce.Index)
		})
	}
}

func TestParse_MetricsMessage(t *testing.T) {
	_, err := parse(t,
		code("print(accuracy_score)", "pipeline-metrics"),
		code("accuracy_score = 1", "block:step1"),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics tag must be at end")
}

func TestParse_NoSteps(t *testing.T) {
	_, err := parse(t, code("import os", "imports"))
	assert.ErrorIs(t, err, ErrNoSteps)
}

func TestParse_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := NewParser().Parse(nil, &Notebook{}, nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestParse_NilNotebook(t *testing.T) {
	_, err := NewParser().Parse(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNilNotebook)
}

func TestParse_StepConfigTags(t *testing.T) {
	cfg := &config.PipelineConfig{
		DefaultLabels: map[string]string{"team": "ml"},
		DefaultLimits: map[string]string{"cpu": "1"},
	}
	nb := &Notebook{Cells: []Cell{
		code("x = 1", "block:train", "limit:nvidia.com/gpu:1", "limit:cpu:4", "annotation:owner:alice", "label:tier:gold"),
	}}
	p, err := NewParser().Parse(context.Background(), nb, cfg)
	require.NoError(t, err)
	s, err := p.Step("train")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"nvidia.com/gpu": "1", "cpu": "4"}, s.Config.Limits)
	assert.Equal(t, map[string]string{"owner": "alice"}, s.Config.Annotations)
	assert.Equal(t, map[string]string{"tier": "gold", "team": "ml"}, s.Config.Labels)
}

func TestParse_InvalidLimit(t *testing.T) {
	_, err := parse(t, code("x = 1", "block:train", "limit:cpu:lots"))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	var se *pipeline.StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "train", se.StepName)
}

func TestParse_Idempotent(t *testing.T) {
	cells := []Cell{
		code("x = 5", "block:step1"),
		code("y = x", "block:step2", "prev:step1"),
		code("z = y", "block:step3", "prev:step1", "prev:step2"),
	}
	a := mustParse(t, cells...)
	b := mustParse(t, cells...)
	assert.Equal(t, a.StepNames(), b.StepNames())
	assert.Equal(t, a.Edges(), b.Edges())
	for _, name := range a.StepNames() {
		sa, _ := a.Step(name)
		sb, _ := b.Step(name)
		assert.Equal(t, sa.Source, sb.Source)
	}
}
