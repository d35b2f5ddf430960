// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package katib turns a pipeline with katib_run set into a Katib
// Experiment. Each trial is a Job that starts one pipeline run with the
// trial's parameter values and waits for it.
package katib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/AleutianAI/kale/services/kale/config"
	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/pyast"
)

// APIVersion and Kind of the generated resource.
const (
	APIVersion = "kubeflow.org/v1beta1"
	Kind       = "Experiment"
)

// EnvTrialImage overrides the image trials run in.
const EnvTrialImage = "KATIB_TRIAL_IMAGE"

// ManifestSuffix is appended to the pipeline name to form the file name.
const ManifestSuffix = ".katib.yaml"

const trialContainer = "main"

// Sentinel errors for the katib package.
var (
	// ErrNotKatib is returned for a pipeline without Katib metadata.
	ErrNotKatib = errors.New("pipeline has no katib metadata")

	// ErrUnknownParameter is returned when a tuned parameter is not a
	// pipeline parameter.
	ErrUnknownParameter = errors.New("katib parameter is not a pipeline parameter")

	// ErrUnknownMetric is returned when the objective names a metric the
	// pipeline does not export.
	ErrUnknownMetric = errors.New("katib metric is not a pipeline metric")
)

// Experiment is a kubeflow.org/v1beta1 Experiment.
type Experiment struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata"`

	Spec ExperimentSpec `json:"spec"`
}

// ExperimentSpec is the subset of the Experiment spec the compiler sets.
type ExperimentSpec struct {
	Objective            config.KatibObjective   `json:"objective"`
	Algorithm            config.KatibAlgorithm   `json:"algorithm"`
	Parameters           []config.KatibParameter `json:"parameters"`
	ParallelTrialCount   int                     `json:"parallelTrialCount"`
	MaxTrialCount        int                     `json:"maxTrialCount"`
	MaxFailedTrialCount  int                     `json:"maxFailedTrialCount"`
	MetricsCollectorSpec MetricsCollectorSpec    `json:"metricsCollectorSpec"`
	TrialTemplate        TrialTemplate           `json:"trialTemplate"`
}

// MetricsCollectorSpec selects how trial metrics are collected.
type MetricsCollectorSpec struct {
	Collector Collector `json:"collector"`
}

// Collector names the collector kind.
type Collector struct {
	Kind string `json:"kind"`
}

// TrialTemplate describes the Job each trial runs.
type TrialTemplate struct {
	PrimaryContainerName string           `json:"primaryContainerName"`
	TrialParameters      []TrialParameter `json:"trialParameters"`
	TrialSpec            map[string]any   `json:"trialSpec"`
}

// TrialParameter maps an experiment parameter into the trial spec.
type TrialParameter struct {
	Name        string `json:"name"`
	Reference   string `json:"reference"`
	Description string `json:"description,omitempty"`
}

// Validate checks that every tuned parameter is a pipeline parameter and
// every objective metric is exported by the pipeline.
func Validate(p *pipeline.Pipeline) error {
	if p == nil || p.Config == nil || p.Config.KatibMetadata == nil {
		return ErrNotKatib
	}
	meta := p.Config.KatibMetadata
	params := sets.New(p.ParameterNames()...)
	for _, kp := range meta.Parameters {
		if !params.Has(kp.Name) {
			return fmt.Errorf("%w: %q (pipeline parameters: %v)", ErrUnknownParameter, kp.Name, sets.List(params))
		}
	}
	metrics := sets.New[string]()
	for _, m := range p.Metrics {
		metrics.Insert(m.Name)
	}
	wanted := append([]string{meta.Objective.ObjectiveMetricName}, meta.Objective.AdditionalMetricNames...)
	for _, name := range wanted {
		if !metrics.Has(name) {
			return fmt.Errorf("%w: %q (pipeline metrics: %v)", ErrUnknownMetric, name, sets.List(metrics))
		}
	}
	return nil
}

// TrialImage returns KATIB_TRIAL_IMAGE when set, otherwise image.
func TrialImage(image string, getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvTrialImage)); v != "" {
		return v
	}
	return image
}

// Build validates p and assembles its Experiment.
//
// Inputs:
//   - p: A pipeline with katib_run set and a post-processed config.
//   - namespace: Namespace of the Experiment.
//   - image: Image trials run in; see TrialImage.
//
// Outputs:
//   - *Experiment: The resource.
//   - error: ErrNotKatib, ErrUnknownParameter or ErrUnknownMetric.
func Build(p *pipeline.Pipeline, namespace, image string) (*Experiment, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	meta := p.Config.KatibMetadata

	exp := &Experiment{
		TypeMeta: metav1.TypeMeta{APIVersion: APIVersion, Kind: Kind},
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.Name(),
			Namespace: namespace,
			Labels:    map[string]string{"kubeflow-kale.org/pipeline": p.Config.BaseName},
		},
		Spec: ExperimentSpec{
			Objective:            meta.Objective,
			Algorithm:            meta.Algorithm,
			Parameters:           meta.Parameters,
			ParallelTrialCount:   meta.ParallelTrialCount,
			MaxTrialCount:        meta.MaxTrialCount,
			MaxFailedTrialCount:  meta.MaxFailedTrialCount,
			MetricsCollectorSpec: MetricsCollectorSpec{Collector: Collector{Kind: "StdOut"}},
		},
	}

	args := []string{
		"pipeline_name=" + pyast.Quote(p.Name()),
		"experiment_name=" + pyast.Quote(p.Config.ExperimentName),
		`run_name="${trialSpec.Name}"`,
	}
	for _, kp := range meta.Parameters {
		exp.Spec.TrialTemplate.TrialParameters = append(exp.Spec.TrialTemplate.TrialParameters, TrialParameter{
			Name:        kp.Name,
			Reference:   kp.Name,
			Description: fmt.Sprintf("Pipeline parameter %s (%s)", kp.Name, kp.ParameterType),
		})
		args = append(args, fmt.Sprintf(`%s="${trialParameters.%s}"`, kp.Name, kp.Name))
	}
	code := "from kale.common.katibutils import create_and_wait_kfp_run; " +
		"create_and_wait_kfp_run(" + strings.Join(args, ", ") + ")"

	exp.Spec.TrialTemplate.PrimaryContainerName = trialContainer
	exp.Spec.TrialTemplate.TrialSpec = map[string]any{
		"apiVersion": "batch/v1",
		"kind":       "Job",
		"spec": map[string]any{
			"backoffLimit": 0,
			"template": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]any{"sidecar.istio.io/inject": "false"},
				},
				"spec": map[string]any{
					"restartPolicy": "Never",
					"containers": []any{
						map[string]any{
							"name":    trialContainer,
							"image":   image,
							"command": []any{"python3", "-c", code},
						},
					},
				},
			},
		},
	}
	return exp, nil
}

// Marshal renders an Experiment as YAML.
func Marshal(exp *Experiment) ([]byte, error) {
	return yaml.Marshal(exp)
}

// ManifestPath returns where a pipeline's Experiment is written.
func ManifestPath(dir string, p *pipeline.Pipeline) string {
	name := p.Name()
	if p.Config != nil && p.Config.BaseName != "" {
		name = p.Config.BaseName
	}
	return filepath.Join(dir, name+ManifestSuffix)
}

// Write builds and writes the Experiment manifest under dir.
func Write(p *pipeline.Pipeline, dir, namespace, image string) (string, error) {
	exp, err := Build(p, namespace, image)
	if err != nil {
		return "", err
	}
	data, err := Marshal(exp)
	if err != nil {
		return "", fmt.Errorf("encoding katib experiment: %w", err)
	}
	path := ManifestPath(dir, p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
