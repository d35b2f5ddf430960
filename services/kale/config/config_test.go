// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroRandom() Option {
	return WithRandomSource(bytes.NewReader(make([]byte, 64)))
}

func basePipelineRaw() map[string]any {
	return map[string]any{
		"pipeline_name":   "my-pipeline",
		"experiment_name": "exp",
		"source_path":     "/home/jovyan/nb.ipynb",
		"abs_working_dir": "/home/jovyan/work",
	}
}

func TestLoadPipelineConfig(t *testing.T) {
	raw := basePipelineRaw()
	raw["volumes"] = []any{
		map[string]any{"name": "data", "mount_point": "/data", "type": "new_pvc", "size": 5, "size_type": "Gi"},
		map[string]any{
			"name": "workspace", "mount_point": "/home/jovyan", "type": "pvc",
			"annotations": []any{map[string]any{"key": "example.com/owner", "value": "ml"}},
		},
	}

	var cfg PipelineConfig
	require.NoError(t, Load(raw, &cfg, zeroRandom()))

	assert.Equal(t, "my-pipeline-00000", cfg.PipelineName)
	assert.Equal(t, "my-pipeline", cfg.BaseName)
	assert.Equal(t, "rwm", cfg.VolumeAccessMode)

	require.Len(t, cfg.Volumes, 2)
	assert.Equal(t, "workspace", cfg.Volumes[0].Name)
	assert.Equal(t, map[string]string{"example.com/owner": "ml"}, cfg.Volumes[0].Annotations)
	assert.Equal(t, "5Gi", cfg.Volumes[1].Size)

	assert.False(t, cfg.MarshalVolume)
	assert.Equal(t, "/home/jovyan/work/.nb.ipynb.kale.marshal.dir", cfg.MarshalPath)

	ws, ok := cfg.WorkspaceVolume()
	require.True(t, ok)
	assert.Equal(t, "workspace", ws.Name)

	// The caller's map is untouched.
	assert.Equal(t, "my-pipeline", raw["pipeline_name"])
}

func TestLoadPipelineConfig_MarshalVolumeWithoutWorkspace(t *testing.T) {
	var cfg PipelineConfig
	require.NoError(t, Load(basePipelineRaw(), &cfg, zeroRandom()))
	assert.True(t, cfg.MarshalVolume)
	assert.Equal(t, MarshalMountPoint, cfg.MarshalPath)
}

func TestLoadPipelineConfig_ExperimentObject(t *testing.T) {
	raw := basePipelineRaw()
	delete(raw, "experiment_name")
	raw["experiment"] = map[string]any{"id": "new", "name": "from-ui"}

	var cfg PipelineConfig
	require.NoError(t, Load(raw, &cfg, zeroRandom()))
	assert.Equal(t, "from-ui", cfg.ExperimentName)
}

func TestLoadPipelineConfig_StepsDefaults(t *testing.T) {
	raw := basePipelineRaw()
	raw["steps_defaults"] = []any{"label:team:ml", "annotation:owner:alice", "limit:cpu:2"}

	var cfg PipelineConfig
	require.NoError(t, Load(raw, &cfg, zeroRandom()))
	assert.Equal(t, map[string]string{"team": "ml"}, cfg.DefaultLabels)
	assert.Equal(t, map[string]string{"owner": "alice"}, cfg.DefaultAnnotations)
	assert.Equal(t, map[string]string{"cpu": "2"}, cfg.DefaultLimits)
}

func TestLoadPipelineConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		field  string
	}{
		{"missing experiment", func(m map[string]any) { delete(m, "experiment_name") }, "experiment_name"},
		{"bad pipeline name", func(m map[string]any) { m["pipeline_name"] = "My_Pipeline" }, "pipeline_name"},
		{"katib without metadata", func(m map[string]any) { m["katib_run"] = true }, "katib_metadata"},
		{"bad step default", func(m map[string]any) { m["steps_defaults"] = []any{"block:x"} }, "steps_defaults[0]"},
		{"bad access mode", func(m map[string]any) { m["volume_access_mode"] = "rw" }, "volume_access_mode"},
		{"new_pvc without size", func(m map[string]any) {
			m["volumes"] = []any{map[string]any{"name": "v", "mount_point": "/v", "type": "new_pvc"}}
		}, "size"},
		{"relative mount point", func(m map[string]any) {
			m["volumes"] = []any{map[string]any{"name": "v", "mount_point": "v", "type": "pvc"}}
		}, "volumes[0].mount_point"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := basePipelineRaw()
			tt.mutate(raw)

			var cfg PipelineConfig
			err := Load(raw, &cfg, zeroRandom())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))

			var fe *FieldError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestLoad_RejectsUnknownAndMistypedFields(t *testing.T) {
	raw := basePipelineRaw()
	raw["bogus"] = 1
	var cfg PipelineConfig
	err := Load(raw, &cfg, zeroRandom())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "bogus")

	raw = basePipelineRaw()
	raw["pipeline_name"] = 5
	err = Load(raw, &PipelineConfig{}, zeroRandom())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestLoad_NeedsStructPointer(t *testing.T) {
	var cfg PipelineConfig
	assert.Error(t, Load(nil, cfg))
}

type warnConfig struct {
	Mode string `json:"mode" default:"auto" validate:"required"`
}

func TestLoad_WarnsOnRequiredWithDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var cfg warnConfig
	require.NoError(t, Load(map[string]any{"mode": nil}, &cfg, WithLogger(logger)))
	assert.Equal(t, "auto", cfg.Mode)
	assert.Contains(t, buf.String(), "required but also has a default")
}

func TestNewStepConfig(t *testing.T) {
	cfg, err := NewStepConfig(map[string]any{
		"name":           "train",
		"limits":         map[string]any{"nvidia.com/gpu": 1, "memory": "4Gi"},
		"labels":         map[string]any{"team": "ml"},
		"retry_count":    2,
		"retry_interval": "30s",
		"timeout":        600,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"nvidia.com/gpu": "1", "memory": "4Gi"}, cfg.Limits)
	assert.True(t, cfg.HasRetry())
	assert.Equal(t, 600, cfg.Timeout)

	cfg.Merge(map[string]string{"team": "infra", "tier": "gold"}, nil, map[string]string{"cpu": "1"})
	assert.Equal(t, map[string]string{"team": "ml", "tier": "gold"}, cfg.Labels)
	assert.Equal(t, "1", cfg.Limits["cpu"])
}

func TestNewStepConfig_Errors(t *testing.T) {
	tests := []struct {
		name  string
		raw   map[string]any
		field string
	}{
		{"bad name", map[string]any{"name": "Train"}, "name"},
		{"bad quantity", map[string]any{"name": "a", "limits": map[string]any{"cpu": "lots"}}, "limits[cpu]"},
		{"retry options without count", map[string]any{"name": "a", "retry_interval": "5s"}, "retry_count"},
		{"bad duration", map[string]any{"name": "a", "retry_count": 1, "retry_interval": "soon"}, "retry_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStepConfig(tt.raw)
			require.Error(t, err)
			var fe *FieldError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestLoadKatibConfig(t *testing.T) {
	raw := map[string]any{
		"parameters": []any{
			map[string]any{"name": "lr", "parameterType": "double", "feasibleSpace": map[string]any{"min": 0.01, "max": 0.1}},
			map[string]any{"name": "opt", "parameterType": "categorical", "feasibleSpace": map[string]any{"list": []any{"adam", "sgd"}}},
		},
		"objective": map[string]any{"type": "maximize", "objectiveMetricName": "accuracy"},
		"algorithm": map[string]any{"algorithmName": "random", "algorithmSettings": []any{map[string]any{"name": "seed", "value": 7}}},
	}
	var cfg KatibConfig
	require.NoError(t, Load(raw, &cfg))
	assert.Equal(t, 12, cfg.MaxTrialCount)
	assert.Equal(t, 3, cfg.ParallelTrialCount)
	assert.Equal(t, "0.01", cfg.Parameters[0].FeasibleSpace.Min)
	assert.Equal(t, []string{"adam", "sgd"}, cfg.Parameters[1].FeasibleSpace.List)
	assert.Equal(t, "7", cfg.Algorithm.AlgorithmSettings[0].Value)

	raw["parameters"] = []any{map[string]any{"name": "lr", "parameterType": "int", "feasibleSpace": map[string]any{}}}
	err := Load(raw, &KatibConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestToMap(t *testing.T) {
	m, err := ToMap(&StepConfig{Name: "a", Timeout: 30})
	require.NoError(t, err)
	assert.Equal(t, "a", m["name"])
	assert.Equal(t, float64(30), m["timeout"])
	assert.NotContains(t, m, "labels")

	var cfg PipelineConfig
	require.NoError(t, Load(basePipelineRaw(), &cfg, zeroRandom()))
	m, err = ToMap(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "my-pipeline-00000", m["pipeline_name"])
	assert.NotContains(t, m, "katib_metadata")
	assert.NotContains(t, m, "BaseName")
}

func TestReadOverlay(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "kale.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("experiment_name: from-yaml\nsteps_defaults:\n  - label:team:ml\n"), 0o644))
	fromYAML, err := ReadOverlay(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", fromYAML["experiment_name"])

	hclPath := filepath.Join(dir, "kale.hcl")
	hclSrc := "pipeline_name = \"from-hcl\"\nkatib_run = false\nvolumes = [{ name = \"data\", mount_point = \"/data\", type = \"pvc\" }]\n"
	require.NoError(t, os.WriteFile(hclPath, []byte(hclSrc), 0o644))
	fromHCL, err := ReadOverlay(hclPath)
	require.NoError(t, err)
	assert.Equal(t, "from-hcl", fromHCL["pipeline_name"])
	assert.Equal(t, false, fromHCL["katib_run"])

	merged := Merge(basePipelineRaw(), fromYAML, fromHCL)
	var cfg PipelineConfig
	require.NoError(t, Load(merged, &cfg, zeroRandom()))
	assert.Equal(t, "from-hcl-00000", cfg.PipelineName)
	assert.Equal(t, "from-yaml", cfg.ExperimentName)
	require.Len(t, cfg.Volumes, 1)
	assert.Equal(t, "/data", cfg.Volumes[0].MountPoint)

	_, err = ReadOverlay(filepath.Join(dir, "kale.toml"))
	assert.Error(t, err)
}

func TestMerge_Nested(t *testing.T) {
	base := map[string]any{"a": map[string]any{"x": 1, "y": 2}, "b": 1}
	out := Merge(base, map[string]any{"a": map[string]any{"y": 3}, "c": 4})
	assert.Equal(t, map[string]any{"a": map[string]any{"x": 1, "y": 3}, "b": 1, "c": 4}, out)
	assert.Equal(t, 2, base["a"].(map[string]any)["y"])
}
