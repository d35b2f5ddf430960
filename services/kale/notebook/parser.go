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
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kale/services/kale/config"
	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/pyast"
	"github.com/AleutianAI/kale/services/kale/tags"
)

var tracer = otel.Tracer("kale.notebook")

type bucket int

const (
	bucketNone bucket = iota
	bucketGlobal
	bucketParameters
	bucketInjected
	bucketMetrics
	bucketSteps
)

// Parser turns notebook cells into a pipeline graph.
//
// Thread Safety: A Parser holds no per-call state and is safe for
// concurrent use.
type Parser struct {
	logger *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the parser's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewParser creates a Parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type deferredEdge struct {
	from, to string
	cell     int
}

type stepTags struct {
	limits      map[string]string
	annotations map[string]string
	labels      map[string]string
}

// parseState is the per-call cell traversal state.
type parseState struct {
	p        *pipeline.Pipeline
	current  bucket
	steps    []string
	metrics  int
	global   []string
	params   []string
	injected []string
	metricSr []string
	edges    []deferredEdge
	config   map[string]*stepTags
}

// Parse builds a pipeline from the code cells of nb.
//
// Description:
//
//	Cells are processed in document order. Tags decide the bucket a
//	cell belongs to: the global imports-and-functions block, the
//	parameters, injected-parameters or metrics bucket, or one or more
//	named steps. Untagged cells extend the most recent bucket. prev:
//	edges are validated once every step is known. When metrics are
//	exported a final pipeline_metrics step is added after every sink.
//
// Inputs:
//   - ctx: Tracing context. Must not be nil.
//   - nb: The notebook. Must not be nil.
//   - cfg: Validated pipeline configuration; its steps defaults are
//     applied to every step. May be nil.
//
// Outputs:
//   - *pipeline.Pipeline: Steps, edges, parameters, metrics and the
//     global block. Analysis fields are left empty.
//   - error: CellError for grammar and ownership problems, wrapping the
//     package sentinels, tags.ErrInvalidTag or pipeline graph errors.
func (pr *Parser) Parse(ctx context.Context, nb *Notebook, cfg *config.PipelineConfig) (*pipeline.Pipeline, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if nb == nil {
		return nil, ErrNilNotebook
	}
	_, span := tracer.Start(ctx, "notebook.Parse",
		trace.WithAttributes(attribute.Int("notebook.cells", len(nb.Cells))),
	)
	defer span.End()

	p, err := pr.parse(nb, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("pipeline.steps", p.Len()),
		attribute.Int("pipeline.parameters", len(p.Parameters)),
		attribute.Int("pipeline.metrics", len(p.Metrics)),
	)
	span.SetStatus(codes.Ok, "")
	pr.logger.Info("notebook parsed",
		slog.Int("cells", len(nb.Cells)),
		slog.Int("steps", p.Len()),
		slog.Int("parameters", len(p.Parameters)),
		slog.Int("metrics", len(p.Metrics)),
	)
	return p, nil
}

func (pr *Parser) parse(nb *Notebook, cfg *config.PipelineConfig) (*pipeline.Pipeline, error) {
	st := &parseState{
		p:       pipeline.New(cfg),
		metrics: -1,
		config:  map[string]*stepTags{},
	}
	for i, cell := range nb.Cells {
		if !cell.IsCode() {
			continue
		}
		if err := st.cell(i, cell); err != nil {
			return nil, err
		}
	}
	if st.p.Len() == 0 {
		return nil, ErrNoSteps
	}
	for _, e := range st.edges {
		if err := st.p.AddDependency(e.from, e.to); err != nil {
			return nil, NewCellError(e.cell, tags.PrevPrefix+e.from, err)
		}
	}
	if err := st.applyStepConfig(cfg); err != nil {
		return nil, err
	}
	st.p.ImportsAndFunctions = strings.Join(st.global, "\n")

	if err := pr.parameters(st); err != nil {
		return nil, err
	}
	if err := pr.metricsStep(st); err != nil {
		return nil, err
	}
	return st.p, nil
}

func (st *parseState) cell(index int, cell Cell) error {
	source := cell.Source.String()
	ct, err := tags.ParseAll(cell.Metadata.Tags)
	if err != nil {
		var te *tags.TagError
		if errors.As(err, &te) {
			return NewCellError(index, te.Tag, err)
		}
		return NewCellError(index, "", err)
	}
	if ct.Skip {
		return nil
	}
	if st.metrics >= 0 && ct.Classified() {
		return NewCellError(index, "", ErrMetricsNotLast)
	}

	switch {
	case ct.IsGlobal():
		st.enter(bucketGlobal, nil)
	case ct.Has(tags.PipelineParameters):
		st.enter(bucketParameters, nil)
	case ct.Has(tags.InjectedParameters):
		st.enter(bucketInjected, nil)
	case ct.Has(tags.PipelineMetrics):
		st.enter(bucketMetrics, nil)
		st.metrics = index
	case len(ct.Blocks) > 0:
		st.enter(bucketSteps, ct.Blocks)
	default:
		if strings.TrimSpace(source) == "" {
			return nil
		}
		if st.current == bucketNone {
			return NewCellError(index, "", ErrNoOwningStep)
		}
	}

	switch st.current {
	case bucketGlobal:
		st.global = append(st.global, source)
	case bucketParameters:
		st.params = append(st.params, source)
	case bucketInjected:
		st.injected = append(st.injected, source)
	case bucketMetrics:
		st.metricSr = append(st.metricSr, source)
	case bucketSteps:
		return st.addToSteps(index, source, ct)
	}
	return nil
}

func (st *parseState) enter(b bucket, steps []string) {
	st.current = b
	st.steps = steps
}

func (st *parseState) addToSteps(index int, source string, ct *tags.CellTags) error {
	for _, name := range st.steps {
		s, err := st.p.Step(name)
		if err != nil {
			s = pipeline.NewStep(name)
			if err := st.p.AddStep(s); err != nil {
				return NewCellError(index, tags.BlockPrefix+name, err)
			}
			st.config[name] = &stepTags{
				limits:      map[string]string{},
				annotations: map[string]string{},
				labels:      map[string]string{},
			}
		}
		s.AddSource(source)
		s.AddHints(ct.Ins, ct.Outs)
		for _, prev := range ct.Prevs {
			st.edges = append(st.edges, deferredEdge{from: prev, to: name, cell: index})
		}
		c := st.config[name]
		for k, v := range ct.Limits {
			c.limits[k] = v
		}
		for k, v := range ct.Annotations {
			c.annotations[k] = v
		}
		for k, v := range ct.Labels {
			c.labels[k] = v
		}
	}
	return nil
}

func (st *parseState) applyStepConfig(cfg *config.PipelineConfig) error {
	for _, s := range st.p.Steps() {
		c := st.config[s.Name]
		raw := map[string]any{
			"name":        s.Name,
			"limits":      toAny(c.limits),
			"annotations": toAny(c.annotations),
			"labels":      toAny(c.labels),
		}
		sc, err := config.NewStepConfig(raw)
		if err != nil {
			return pipeline.NewStepError(s.Name, err)
		}
		if cfg != nil {
			sc.Merge(cfg.DefaultLabels, cfg.DefaultAnnotations, cfg.DefaultLimits)
		}
		s.Config = *sc
	}
	return nil
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// parameters parses the parameters bucket, then lets injected values
// override the declared defaults.
func (pr *Parser) parameters(st *parseState) error {
	if len(st.params) > 0 {
		assigns, err := pyast.ParsePrimitiveAssignments(strings.Join(st.params, "\n"))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidParameters, err)
		}
		for _, a := range assigns {
			st.p.SetParameter(pipeline.Parameter{Name: a.Name, Type: a.Type, Value: a.Value})
		}
	}
	if len(st.injected) > 0 {
		assigns, err := pyast.ParsePrimitiveAssignments(strings.Join(st.injected, "\n"))
		if err != nil {
			return fmt.Errorf("%w: injected parameters: %w", ErrInvalidParameters, err)
		}
		for _, a := range assigns {
			if old, ok := st.p.Parameter(a.Name); ok {
				pr.logger.Info("injected parameter overrides default",
					slog.String("parameter", a.Name),
					slog.String("default", old.Value),
					slog.String("value", a.Value),
				)
			}
			st.p.SetParameter(pipeline.Parameter{Name: a.Name, Type: a.Type, Value: a.Value})
		}
	}
	return nil
}

// metricsStep parses the metrics bucket and appends the metrics step after
// every sink.
func (pr *Parser) metricsStep(st *parseState) error {
	if len(st.metricSr) == 0 {
		return nil
	}
	source := strings.Join(st.metricSr, "\n")
	exports, err := pyast.ParseMetricExports(source)
	if err != nil {
		return NewCellError(st.metrics, tags.PipelineMetrics, fmt.Errorf("%w: %w", ErrInvalidMetrics, err))
	}
	if len(exports) == 0 {
		return nil
	}
	for _, m := range exports {
		st.p.Metrics = append(st.p.Metrics, pipeline.Metric{Name: m.Name, Variable: m.Variable})
	}

	sinks := st.p.Sinks()
	s := pipeline.NewStep(pipeline.MetricsStepName, source)
	if err := st.p.AddStep(s); err != nil {
		return NewCellError(st.metrics, tags.PipelineMetrics, err)
	}
	for _, sink := range sinks {
		if err := st.p.AddDependency(sink, pipeline.MetricsStepName); err != nil {
			return NewCellError(st.metrics, tags.PipelineMetrics, err)
		}
	}
	pr.logger.Debug("metrics step added",
		slog.Int("metrics", len(exports)),
		slog.Any("after", sinks),
	)
	return nil
}
