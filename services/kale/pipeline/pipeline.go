// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline holds the intermediate representation shared by the
// notebook parser, the SDK front end, the dependency analyzer and the code
// emitter: a directed acyclic graph of steps plus pipeline configuration.
//
// The graph is backed by dominikbraun/graph with cycle prevention enabled,
// so a Pipeline is acyclic at every point of its construction. Every
// ordering the package returns is deterministic, with ties broken
// lexicographically by step name.
//
// Thread Safety: Pipeline is not safe for concurrent mutation.
package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dominikbraun/graph"

	"github.com/AleutianAI/kale/services/kale/config"
	"github.com/AleutianAI/kale/services/kale/tags"
)

// Edge is a dependency between two steps.
type Edge struct {
	From string
	To   string
}

// Pipeline is a DAG of steps plus configuration.
//
// # Fields
//
//   - Config: Validated pipeline configuration. May be nil until the
//     front end has loaded it.
//   - ImportsAndFunctions: The global block. Prepended to every step for
//     analysis, emitted once at script top.
//   - Parameters: Pipeline parameters in declaration order.
//   - Metrics: Exported metrics in declaration order.
type Pipeline struct {
	Config              *config.PipelineConfig
	ImportsAndFunctions string
	Parameters          []Parameter
	Metrics             []Metric

	g     graph.Graph[string, *Step]
	order []string
}

func stepHash(s *Step) string {
	return s.Name
}

// New creates an empty pipeline.
func New(cfg *config.PipelineConfig) *Pipeline {
	return &Pipeline{
		Config: cfg,
		g:      graph.New(stepHash, graph.Directed(), graph.Acyclic(), graph.PreventCycles()),
	}
}

// AddStep adds a step to the graph.
//
// Description:
//
//	The step name must match tags.StepNameRegexp and be unique.
//
// Inputs:
//   - s: The step. Must not be nil.
//
// Outputs:
//   - error: ErrNilStep, or a StepError wrapping ErrInvalidStepName or
//     ErrDuplicateStep.
func (p *Pipeline) AddStep(s *Step) error {
	if s == nil {
		return ErrNilStep
	}
	if !tags.StepNameRegexp.MatchString(s.Name) {
		return NewStepError(s.Name, fmt.Errorf("%w: must match %s", ErrInvalidStepName, tags.StepNameRegexp))
	}
	if err := p.g.AddVertex(s, graph.VertexAttribute("shape", "box")); err != nil {
		if errors.Is(err, graph.ErrVertexAlreadyExists) {
			return NewStepError(s.Name, ErrDuplicateStep)
		}
		return NewStepError(s.Name, err)
	}
	p.order = append(p.order, s.Name)
	return nil
}

// Step returns the named step.
func (p *Pipeline) Step(name string) (*Step, error) {
	s, err := p.g.Vertex(name)
	if err != nil {
		return nil, NewStepError(name, ErrStepNotFound)
	}
	return s, nil
}

// HasStep reports whether a step with the given name exists.
func (p *Pipeline) HasStep(name string) bool {
	_, err := p.g.Vertex(name)
	return err == nil
}

// Steps returns the steps in insertion order.
func (p *Pipeline) Steps() []*Step {
	out := make([]*Step, 0, len(p.order))
	for _, name := range p.order {
		s, _ := p.g.Vertex(name)
		out = append(out, s)
	}
	return out
}

// StepNames returns the step names in insertion order.
func (p *Pipeline) StepNames() []string {
	return append([]string(nil), p.order...)
}

// Len returns the number of steps.
func (p *Pipeline) Len() int {
	return len(p.order)
}

// AddDependency adds the edge from → to. Adding an existing edge is a
// no-op.
//
// Outputs:
//   - error: StepError wrapping ErrStepNotFound when an endpoint is
//     missing, or a CycleError when the edge would close a cycle.
func (p *Pipeline) AddDependency(from, to string) error {
	for _, name := range []string{from, to} {
		if !p.HasStep(name) {
			return NewStepError(name, ErrStepNotFound)
		}
	}
	err := p.g.AddEdge(from, to)
	switch {
	case err == nil, errors.Is(err, graph.ErrEdgeAlreadyExists):
		return nil
	case errors.Is(err, graph.ErrEdgeCreatesCycle):
		path, pathErr := graph.ShortestPath(p.g, to, from)
		if pathErr != nil {
			path = []string{to, from}
		}
		return NewCycleError(append(path, to))
	default:
		return fmt.Errorf("adding edge %s -> %s: %w", from, to, err)
	}
}

// HasDependency reports whether the edge from → to exists.
func (p *Pipeline) HasDependency(from, to string) bool {
	_, err := p.g.Edge(from, to)
	return err == nil
}

// Edges returns every edge, sorted by source then target.
func (p *Pipeline) Edges() []Edge {
	adj, err := p.g.AdjacencyMap()
	if err != nil {
		return nil
	}
	var out []Edge
	for from, targets := range adj {
		for to := range targets {
			out = append(out, Edge{From: from, To: to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Parameter returns the named pipeline parameter.
func (p *Pipeline) Parameter(name string) (Parameter, bool) {
	for _, param := range p.Parameters {
		if param.Name == name {
			return param, true
		}
	}
	return Parameter{}, false
}

// ParameterNames returns the pipeline parameter names in declaration order.
func (p *Pipeline) ParameterNames() []string {
	out := make([]string, len(p.Parameters))
	for i, param := range p.Parameters {
		out[i] = param.Name
	}
	return out
}

// SetParameter adds a parameter or replaces the value of an existing one
// in place.
func (p *Pipeline) SetParameter(param Parameter) {
	for i := range p.Parameters {
		if p.Parameters[i].Name == param.Name {
			p.Parameters[i] = param
			return
		}
	}
	p.Parameters = append(p.Parameters, param)
}

// Name returns the (randomized) pipeline name, or "" without a config.
func (p *Pipeline) Name() string {
	if p.Config == nil {
		return ""
	}
	return p.Config.PipelineName
}
