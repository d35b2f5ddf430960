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
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/kale/services/kale/tags"
)

// MarshalMountPoint is where the dedicated marshal volume is mounted.
const MarshalMountPoint = "/marshal"

// PipelineConfig is the pipeline-level configuration.
//
// # Fields
//
//   - PipelineName: Required. Kubernetes-compatible name; a random suffix
//     is appended during post-processing.
//   - ExperimentName: Required. Runtime grouping of runs.
//   - SourcePath: Required. Notebook or script the pipeline was built from.
//   - DockerImage: Base image for every step. Empty means "discover".
//   - Volumes: Mounted into every step, workspace volume first.
//   - KatibRun: Requires KatibMetadata.
//   - StepsDefaults: label:k:v, annotation:k:v and limit:k:v entries
//     applied to every step.
//
// Derived in Postprocess: BaseName, AbsWorkingDir, MarshalVolume,
// MarshalPath and the parsed step defaults.
type PipelineConfig struct {
	PipelineName        string         `json:"pipeline_name" validate:"required,max=57,pipelinename"`
	ExperimentName      string         `json:"experiment_name" validate:"required"`
	PipelineDescription string         `json:"pipeline_description,omitempty"`
	SourcePath          string         `json:"source_path" validate:"required"`
	DockerImage         string         `json:"docker_image,omitempty"`
	Volumes             []VolumeConfig `json:"volumes,omitempty" validate:"dive"`
	KatibRun            bool           `json:"katib_run" default:"false"`
	KatibMetadata       *KatibConfig   `json:"katib_metadata,omitempty"`
	AbsWorkingDir       string         `json:"abs_working_dir,omitempty"`
	MarshalVolume       bool           `json:"marshal_volume" default:"true"`
	MarshalPath         string         `json:"marshal_path,omitempty"`
	SnapshotVolumes     bool           `json:"snapshot_volumes" default:"false"`
	Autosnapshot        bool           `json:"autosnapshot" default:"false"`
	VolumeAccessMode    string         `json:"volume_access_mode" default:"rwm" validate:"oneof=rom rwo rwm"`
	StorageClassName    string         `json:"storage_class_name,omitempty" validate:"omitempty,dns1123"`
	StepsDefaults       []string       `json:"steps_defaults,omitempty"`

	BaseName           string            `json:"-"`
	DefaultLabels      map[string]string `json:"-"`
	DefaultAnnotations map[string]string `json:"-"`
	DefaultLimits      map[string]string `json:"-"`

	random io.Reader
}

// Preprocess accepts the notebook metadata form {"experiment": {"name": ...}}
// for the experiment name, and drops UI-only keys.
func (c *PipelineConfig) Preprocess(raw map[string]any) error {
	if exp, ok := raw["experiment"].(map[string]any); ok {
		if _, set := raw["experiment_name"]; !set {
			if name, ok := exp["name"].(string); ok {
				raw["experiment_name"] = name
			}
		}
		delete(raw, "experiment")
	}
	for _, key := range []string{"experiment_name", "pipeline_name", "docker_image", "pipeline_description"} {
		if s, ok := raw[key].(string); ok {
			raw[key] = strings.TrimSpace(s)
		}
	}
	return nil
}

// Validate checks cross-field rules.
func (c *PipelineConfig) Validate() error {
	if c.KatibRun && c.KatibMetadata == nil {
		return fieldError("PipelineConfig", "katib_metadata", "required when katib_run is true")
	}
	mounts := map[string]bool{}
	for i, v := range c.Volumes {
		mp := filepath.Clean(v.MountPoint)
		if mounts[mp] {
			return fieldError("PipelineConfig", fmt.Sprintf("volumes[%d].mount_point", i), "duplicate mount point %q", v.MountPoint)
		}
		mounts[mp] = true
	}
	for i, entry := range c.StepsDefaults {
		if _, err := parseStepDefault(entry); err != nil {
			return fieldError("PipelineConfig", fmt.Sprintf("steps_defaults[%d]", i), "%v", err)
		}
	}
	return nil
}

func (c *PipelineConfig) setRandomSource(r io.Reader) {
	c.random = r
}

// Postprocess randomizes the pipeline name, resolves the working directory,
// sorts volumes, derives the marshal location and parses step defaults.
func (c *PipelineConfig) Postprocess() error {
	if err := c.randomizeName(); err != nil {
		return err
	}
	if err := c.setAbsWorkingDir(); err != nil {
		return err
	}
	c.sortVolumes()
	c.setMarshalPath()
	return c.parseStepsDefaults()
}

func (c *PipelineConfig) randomizeName() error {
	r := c.random
	if r == nil {
		r = rand.Reader
	}
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return fmt.Errorf("generating pipeline name suffix: %w", err)
	}
	c.BaseName = c.PipelineName
	c.PipelineName = c.PipelineName + "-" + strings.ReplaceAll(id.String(), "-", "")[:5]
	return nil
}

func (c *PipelineConfig) setAbsWorkingDir() error {
	wd := c.AbsWorkingDir
	if wd == "" {
		var err error
		if wd, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
	}
	abs, err := filepath.Abs(wd)
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}
	c.AbsWorkingDir = abs
	return nil
}

// sortVolumes moves the volume holding the working directory to the front.
// When mounts nest, the deepest one wins. The rest keep their order.
func (c *PipelineConfig) sortVolumes() {
	ws := c.workspaceVolume()
	if ws < 0 {
		return
	}
	mount := c.Volumes[ws].MountPoint
	sort.SliceStable(c.Volumes, func(i, j int) bool {
		return c.Volumes[i].MountPoint == mount && c.Volumes[j].MountPoint != mount
	})
}

func (c *PipelineConfig) workspaceVolume() int {
	best, bestLen := -1, -1
	for i, v := range c.Volumes {
		mp := filepath.Clean(v.MountPoint)
		if c.AbsWorkingDir != mp && !strings.HasPrefix(c.AbsWorkingDir, strings.TrimSuffix(mp, "/")+"/") {
			continue
		}
		if len(mp) > bestLen {
			best, bestLen = i, len(mp)
		}
	}
	return best
}

// setMarshalPath places marshal data inside the workspace when the working
// directory lives on a mounted volume; otherwise a dedicated volume is
// created and mounted at MarshalMountPoint.
func (c *PipelineConfig) setMarshalPath() {
	if c.workspaceVolume() >= 0 {
		c.MarshalVolume = false
		c.MarshalPath = filepath.Join(c.AbsWorkingDir, "."+filepath.Base(c.SourcePath)+".kale.marshal.dir")
		return
	}
	c.MarshalVolume = true
	c.MarshalPath = MarshalMountPoint
}

func (c *PipelineConfig) parseStepsDefaults() error {
	c.DefaultLabels = map[string]string{}
	c.DefaultAnnotations = map[string]string{}
	c.DefaultLimits = map[string]string{}
	for _, entry := range c.StepsDefaults {
		t, err := parseStepDefault(entry)
		if err != nil {
			return err
		}
		switch t.Kind {
		case tags.KindLabel:
			c.DefaultLabels[t.Key] = t.Value
		case tags.KindAnnotation:
			c.DefaultAnnotations[t.Key] = t.Value
		case tags.KindLimit:
			c.DefaultLimits[t.Key] = t.Value
		}
	}
	return nil
}

func parseStepDefault(entry string) (tags.Tag, error) {
	t, err := tags.Parse(entry)
	if err != nil {
		return tags.Tag{}, err
	}
	switch t.Kind {
	case tags.KindLabel, tags.KindAnnotation, tags.KindLimit:
		return t, nil
	}
	return tags.Tag{}, fmt.Errorf("%q is not a label, annotation or limit", entry)
}

// WorkspaceVolume returns the volume holding the working directory, if any.
func (c *PipelineConfig) WorkspaceVolume() (VolumeConfig, bool) {
	i := c.workspaceVolume()
	if i < 0 {
		return VolumeConfig{}, false
	}
	return c.Volumes[i], true
}
