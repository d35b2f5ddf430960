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
	"fmt"
	"io"
	"sort"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
)

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Predecessors returns the direct predecessors of a step, sorted.
func (p *Pipeline) Predecessors(name string) ([]string, error) {
	pm, err := p.g.PredecessorMap()
	if err != nil {
		return nil, err
	}
	preds, ok := pm[name]
	if !ok {
		return nil, NewStepError(name, ErrStepNotFound)
	}
	return sortedKeys(preds), nil
}

// Successors returns the direct successors of a step, sorted.
func (p *Pipeline) Successors(name string) ([]string, error) {
	adj, err := p.g.AdjacencyMap()
	if err != nil {
		return nil, err
	}
	succs, ok := adj[name]
	if !ok {
		return nil, NewStepError(name, ErrStepNotFound)
	}
	return sortedKeys(succs), nil
}

// OrderedAncestors returns every ancestor of a step.
//
// Description:
//
//	Breadth-first search from the step through reversed edges. The
//	predecessors of each visited step are enqueued in lexicographic order.
//	Each ancestor appears once, in first-visited order. The step itself
//	is not included.
//
// Inputs:
//   - name: The step whose ancestors are wanted.
//
// Outputs:
//   - []string: Ancestors, nearest first.
//   - error: StepError wrapping ErrStepNotFound.
func (p *Pipeline) OrderedAncestors(name string) ([]string, error) {
	pm, err := p.g.PredecessorMap()
	if err != nil {
		return nil, err
	}
	if _, ok := pm[name]; !ok {
		return nil, NewStepError(name, ErrStepNotFound)
	}
	visited := map[string]bool{name: true}
	queue := []string{name}
	var out []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, pred := range sortedKeys(pm[current]) {
			if visited[pred] {
				continue
			}
			visited[pred] = true
			out = append(out, pred)
			queue = append(queue, pred)
		}
	}
	return out, nil
}

// Leaves returns the steps with no outgoing edge and at least one incoming
// edge, sorted.
func (p *Pipeline) Leaves() []string {
	adj, err := p.g.AdjacencyMap()
	if err != nil {
		return nil
	}
	pm, err := p.g.PredecessorMap()
	if err != nil {
		return nil
	}
	var out []string
	for name, succs := range adj {
		if len(succs) == 0 && len(pm[name]) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Sinks returns the steps with no outgoing edge, isolated steps included,
// sorted.
func (p *Pipeline) Sinks() []string {
	adj, err := p.g.AdjacencyMap()
	if err != nil {
		return nil
	}
	var out []string
	for name, succs := range adj {
		if len(succs) == 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder returns the step names such that every edge a → b has a
// before b. Steps that become ready together are ordered lexicographically.
func (p *Pipeline) TopologicalOrder() ([]string, error) {
	order, err := graph.StableTopologicalSort(p.g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}
	return order, nil
}

// ReverseTopologicalOrder returns TopologicalOrder reversed.
func (p *Pipeline) ReverseTopologicalOrder() ([]string, error) {
	order, err := p.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// TopologicalSteps returns the steps in TopologicalOrder.
func (p *Pipeline) TopologicalSteps() ([]*Step, error) {
	order, err := p.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	out := make([]*Step, 0, len(order))
	for _, name := range order {
		s, _ := p.g.Vertex(name)
		out = append(out, s)
	}
	return out, nil
}

// WriteDOT renders the step graph in Graphviz DOT format.
func (p *Pipeline) WriteDOT(w io.Writer) error {
	if err := draw.DOT(p.g, w, draw.GraphAttribute("label", p.Name())); err != nil {
		return fmt.Errorf("rendering DOT: %w", err)
	}
	return nil
}
