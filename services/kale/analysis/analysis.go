// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis computes, for every step of a pipeline, the variables
// it loads from its ancestors (ins) and the variables it must save for its
// descendants (outs).
//
// The analysis is static. Each step's source is analyzed with the global
// block prepended, so imports and helpers are visible everywhere but never
// marshalled. It runs in five stages:
//
//  1. Inventory: every name the step could expose (pyast.MarshalCandidates).
//  2. Probe: names the step reads but does not define (flakes.Check),
//     minus pipeline parameters.
//  3. Function free variables: for each function or class the step
//     defines, the module-level names its body reads, closed transitively
//     over the step's own definitions.
//  4. Propagation: a step that reads a function defined upstream also
//     reads that function's free variables. Then, in reverse topological
//     order, every ancestor that can produce a name the step reads gets it
//     added to its outs.
//  5. Hints: explicit in:/out: tag names are merged, and every in: hint
//     is saved by the ancestors that can produce it.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/AleutianAI/kale/services/kale/flakes"
	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/pyast"
)

var tracer = otel.Tracer("kale.analysis")

// Analyzer runs the dependency analysis.
//
// Thread Safety: An Analyzer holds no per-call state. Analyze mutates the
// pipeline it is given, so one pipeline must not be analyzed concurrently.
type Analyzer struct {
	logger *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the analyzer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze fills AllNames, Ins, Outs, Parameters and FnsFreeVariables of
// every step.
//
// Description:
//
//	Previous analysis results are discarded first, so running Analyze
//	twice gives the same result. Steps are probed concurrently and then
//	propagated in reverse topological order. The result does not depend
//	on scheduling.
//
// Inputs:
//   - ctx: Tracing context. Must not be nil.
//   - p: The pipeline. Steps must have their sources set.
//
// Outputs:
//   - error: *UnresolvedError when a read name has no producer, a
//     pyast syntax error naming the step, or a graph error.
func (a *Analyzer) Analyze(ctx context.Context, p *pipeline.Pipeline) error {
	if ctx == nil {
		return ErrNilContext
	}
	if p == nil {
		return ErrNilPipeline
	}
	_, span := tracer.Start(ctx, "analysis.Analyze",
		trace.WithAttributes(attribute.Int("pipeline.steps", p.Len())),
	)
	defer span.End()

	start := time.Now()
	if err := a.analyze(p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	a.logger.Info("dependency analysis completed",
		slog.Int("steps", p.Len()),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (a *Analyzer) analyze(p *pipeline.Pipeline) error {
	globals := p.ImportsAndFunctions
	globalNames := sets.New[string]()
	if globals != "" {
		names, err := pyast.MarshalCandidates(globals)
		if err != nil {
			return fmt.Errorf("global block: %w", err)
		}
		globalNames.Insert(names...)
	}
	params := map[string]pipeline.Parameter{}
	for _, param := range p.Parameters {
		params[param.Name] = param
	}

	candidates, err := a.probeAll(p.Steps(), globals, globalNames, params)
	if err != nil {
		return err
	}

	for _, s := range p.Steps() {
		if err := expandIns(p, s, candidates[s.Name], params); err != nil {
			return err
		}
		s.AllNames = candidates[s.Name].Union(s.Ins)
	}

	order, err := p.ReverseTopologicalOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		s, err := p.Step(name)
		if err != nil {
			return err
		}
		if err := a.propagate(p, s); err != nil {
			return err
		}
	}

	for _, s := range p.Steps() {
		mergeHints(s, globalNames, params)
	}
	for _, name := range order {
		s, err := p.Step(name)
		if err != nil {
			return err
		}
		if err := propagateHints(p, s, globalNames, params); err != nil {
			return err
		}
	}

	for _, s := range p.Steps() {
		a.logger.Debug("step analyzed",
			slog.String("step", s.Name),
			slog.Any("ins", s.SortedIns()),
			slog.Any("outs", s.SortedOuts()),
			slog.Any("parameters", s.ParameterNames()),
		)
	}
	return nil
}

// probeAll probes every step concurrently. Each goroutine touches only
// its own step. The first failing step in insertion order is reported.
func (a *Analyzer) probeAll(steps []*pipeline.Step, globals string, globalNames sets.Set[string], params map[string]pipeline.Parameter) (map[string]sets.Set[string], error) {
	results := make([]sets.Set[string], len(steps))
	errs := make([]error, len(steps))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, s := range steps {
		g.Go(func() error {
			s.ResetAnalysis()
			results[i], errs[i] = a.probe(s, globals, globalNames, params)
			return nil
		})
	}
	_ = g.Wait()

	candidates := make(map[string]sets.Set[string], len(steps))
	for i, s := range steps {
		if errs[i] != nil {
			return nil, pipeline.NewStepError(s.Name, errs[i])
		}
		candidates[s.Name] = results[i]
	}
	return candidates, nil
}

// probe runs stages 1 to 3 for one step and returns its marshal
// candidates.
func (a *Analyzer) probe(s *pipeline.Step, globals string, globalNames sets.Set[string], params map[string]pipeline.Parameter) (sets.Set[string], error) {
	code := s.SourceText()
	offset := 0
	if globals != "" {
		code = globals + "\n" + code
		// Byte offsets are taken after magic lines are commented out.
		offset = len(pyast.CommentMagic(globals)) + 1
	}

	names, err := pyast.MarshalCandidates(code)
	if err != nil {
		return nil, err
	}
	cands := sets.New(names...)

	rep, err := flakes.Check(code)
	if err != nil {
		return nil, err
	}
	// Names a function declares global are module bindings too.
	cands.Insert(rep.ModuleBindings...)
	if rep.StarImport {
		a.logger.Warn("wildcard import hides undefined names",
			slog.String("step", s.Name),
		)
	}
	for _, name := range rep.Undefined {
		if param, ok := params[name]; ok {
			s.Parameters[name] = param
			continue
		}
		s.Ins.Insert(name)
	}

	defined := sets.New[string]()
	for _, d := range rep.Definitions {
		if d.StartByte < offset {
			continue
		}
		defined.Insert(d.Name)
		s.FnsFreeVariables[d.Name] = sets.New(d.Globals...).Difference(globalNames)
	}
	closeFreeVariables(s.FnsFreeVariables, defined)
	return cands, nil
}

// closeFreeVariables makes each record include the free variables of the
// step's own definitions it references, until nothing changes.
func closeFreeVariables(free map[string]sets.Set[string], defined sets.Set[string]) {
	for changed := true; changed; {
		changed = false
		for _, name := range sets.List(defined) {
			rec := free[name]
			for _, ref := range sets.List(rec.Intersection(defined)) {
				if ref == name {
					continue
				}
				extra := free[ref].Difference(rec)
				extra.Delete(name)
				if extra.Len() > 0 {
					rec.Insert(extra.UnsortedList()...)
					changed = true
				}
			}
		}
	}
}

// expandIns adds the free variables of functions a step loads from its
// ancestors. Free variables that are pipeline parameters become step
// parameters instead.
func expandIns(p *pipeline.Pipeline, s *pipeline.Step, own sets.Set[string], params map[string]pipeline.Parameter) error {
	ancestors, err := p.OrderedAncestors(s.Name)
	if err != nil {
		return err
	}
	records := make([]*pipeline.Step, 0, len(ancestors))
	for _, name := range ancestors {
		anc, err := p.Step(name)
		if err != nil {
			return err
		}
		records = append(records, anc)
	}

	queue := s.SortedIns()
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, anc := range records {
			free, ok := anc.FnsFreeVariables[name]
			if !ok {
				continue
			}
			for _, v := range sets.List(free) {
				switch {
				case s.Ins.Has(v), s.Parameters[v].Name != "":
				case own.Has(v):
				default:
					if param, ok := params[v]; ok {
						s.Parameters[v] = param
						continue
					}
					s.Ins.Insert(v)
					queue = append(queue, v)
				}
			}
		}
	}
	return nil
}

// propagate assigns the names s reads to the outs of every ancestor that
// can produce them.
func (a *Analyzer) propagate(p *pipeline.Pipeline, s *pipeline.Step) error {
	ancestors, err := p.OrderedAncestors(s.Name)
	if err != nil {
		return err
	}
	producible := sets.New[string]()
	for _, name := range ancestors {
		anc, err := p.Step(name)
		if err != nil {
			return err
		}
		produced := anc.AllNames.Intersection(s.Ins)
		anc.Outs.Insert(produced.UnsortedList()...)
		producible.Insert(produced.UnsortedList()...)
	}
	for _, name := range s.SortedIns() {
		if !producible.Has(name) {
			return NewUnresolvedError(s.Name, name)
		}
	}
	return nil
}

// mergeHints unions the explicit in:/out: names into the step. An in:
// hint naming a pipeline parameter binds the parameter instead, and one
// naming a global is dropped since every step already sees it.
func mergeHints(s *pipeline.Step, globalNames sets.Set[string], params map[string]pipeline.Parameter) {
	for _, name := range sets.List(s.InHints) {
		if param, ok := params[name]; ok {
			s.Parameters[name] = param
			continue
		}
		if globalNames.Has(name) {
			continue
		}
		s.Ins.Insert(name)
		s.AllNames.Insert(name)
	}
	s.Outs = s.Outs.Union(s.OutHints)
	s.AllNames = s.AllNames.Union(s.OutHints)
}

// propagateHints saves each in: hint of s in the ancestors that can
// produce it. Runs after mergeHints has been applied to every step.
func propagateHints(p *pipeline.Pipeline, s *pipeline.Step, globalNames sets.Set[string], params map[string]pipeline.Parameter) error {
	hinted := sets.New[string]()
	for _, name := range sets.List(s.InHints) {
		if _, ok := params[name]; ok || globalNames.Has(name) {
			continue
		}
		hinted.Insert(name)
	}
	if hinted.Len() == 0 {
		return nil
	}
	ancestors, err := p.OrderedAncestors(s.Name)
	if err != nil {
		return err
	}
	producible := sets.New[string]()
	for _, name := range ancestors {
		anc, err := p.Step(name)
		if err != nil {
			return err
		}
		produced := anc.AllNames.Intersection(hinted)
		anc.Outs.Insert(produced.UnsortedList()...)
		producible.Insert(produced.UnsortedList()...)
	}
	for _, name := range sets.List(hinted) {
		if !producible.Has(name) {
			return NewUnresolvedError(s.Name, name)
		}
	}
	return nil
}
