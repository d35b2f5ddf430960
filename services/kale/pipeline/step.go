// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/AleutianAI/kale/services/kale/config"
)

// MetricsStepName is the step that publishes exported pipeline metrics. It
// runs after every sink of the graph.
const MetricsStepName = "pipeline_metrics"

// Parameter is a pipeline parameter: a primitive literal bound once per
// run and passed as a keyword argument to the steps that read it.
type Parameter struct {
	Name string
	// Type is one of int, float, str or bool.
	Type string
	// Value is the Python literal as written in the source.
	Value string
}

// Metric maps an exported metric name to the variable holding its value.
type Metric struct {
	// Name is the dashed, exported name, e.g. "accuracy-score".
	Name     string
	Variable string
}

// Artifact is a file a step publishes as a pipeline artifact.
type Artifact struct {
	Name string
	Path string
}

// Step is a node in the pipeline graph.
//
// # Fields
//
//   - Name: Unique within the pipeline; matches the step-name grammar.
//   - Source: Code fragments in merge order. Joined with newlines for
//     analysis and emission.
//   - Config: Retry policy, timeout, labels, annotations and limits.
//   - InHints, OutHints: Explicit in:/out: names from cell tags.
//   - AllNames, Ins, Outs, Parameters, FnsFreeVariables: Set by the
//     dependency analyzer.
type Step struct {
	Name      string
	Source    []string
	Config    config.StepConfig
	InHints   sets.Set[string]
	OutHints  sets.Set[string]
	Artifacts []Artifact

	AllNames         sets.Set[string]
	Ins              sets.Set[string]
	Outs             sets.Set[string]
	Parameters       map[string]Parameter
	FnsFreeVariables map[string]sets.Set[string]
}

// NewStep creates a step with the given source fragments and an empty
// analysis state.
func NewStep(name string, source ...string) *Step {
	return &Step{
		Name:             name,
		Source:           append([]string(nil), source...),
		Config:           config.StepConfig{Name: name},
		InHints:          sets.New[string](),
		OutHints:         sets.New[string](),
		AllNames:         sets.New[string](),
		Ins:              sets.New[string](),
		Outs:             sets.New[string](),
		Parameters:       map[string]Parameter{},
		FnsFreeVariables: map[string]sets.Set[string]{},
	}
}

// SourceText returns the merged source of the step.
func (s *Step) SourceText() string {
	return strings.Join(s.Source, "\n")
}

// AddSource appends a code fragment.
func (s *Step) AddSource(code string) {
	s.Source = append(s.Source, code)
}

// AddHints unions explicit in/out names into the step's hints.
func (s *Step) AddHints(ins, outs []string) {
	s.InHints.Insert(ins...)
	s.OutHints.Insert(outs...)
}

// ParameterNames returns the names of the pipeline parameters the step
// reads, sorted.
func (s *Step) ParameterNames() []string {
	return sets.List(sets.KeySet(s.Parameters))
}

// SortedIns returns Ins in lexicographic order.
func (s *Step) SortedIns() []string {
	return sets.List(s.Ins)
}

// SortedOuts returns Outs in lexicographic order.
func (s *Step) SortedOuts() []string {
	return sets.List(s.Outs)
}

// ResetAnalysis clears every field set by the dependency analyzer.
func (s *Step) ResetAnalysis() {
	s.AllNames = sets.New[string]()
	s.Ins = sets.New[string]()
	s.Outs = sets.New[string]()
	s.Parameters = map[string]Parameter{}
	s.FnsFreeVariables = map[string]sets.Set[string]{}
}
