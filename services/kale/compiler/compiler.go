// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compiler drives one conversion from a notebook or decorated
// script to a pipeline script.
//
// The stages run in a fixed order: read the source, load the pipeline
// configuration, build the step graph, analyze data dependencies, render
// the script and, unless this is a dry run, execute it. Each stage is a
// separate package; the compiler owns the wiring and the configuration
// precedence:
//
//	source metadata < --config overlay < command line flags
package compiler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kale/services/kale/analysis"
	"github.com/AleutianAI/kale/services/kale/codegen"
	"github.com/AleutianAI/kale/services/kale/config"
	"github.com/AleutianAI/kale/services/kale/katib"
	"github.com/AleutianAI/kale/services/kale/notebook"
	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/podutils"
	"github.com/AleutianAI/kale/services/kale/runner"
	"github.com/AleutianAI/kale/services/kale/sdk"
)

var tracer = otel.Tracer("kale.compiler")

// Source kinds.
const (
	SourceNotebook = "notebook"
	SourceScript   = "script"
)

// Options describe a single compilation.
//
// # Fields
//
//   - Source: Path to a .ipynb notebook or a .py script.
//   - Overrides: Pipeline config keys set on the command line. They win
//     over the source metadata and the overlay file.
//   - ConfigFile: Optional YAML or HCL overlay.
//   - OutputDir: Where the script goes. Empty means codegen.DefaultOutputDir
//     next to the source.
//   - DOTFile: When set, the step graph is written there as Graphviz DOT.
//   - Submit: Execute the script to compile the pipeline and start a run.
//   - DryRun: Execute the script to compile the pipeline without starting
//     a run. Wins over Submit. With neither set, the script is only
//     written.
//   - Random: Source for the pipeline name suffix. Nil means crypto/rand.
type Options struct {
	Source     string
	Overrides  map[string]any
	ConfigFile string
	OutputDir  string
	DOTFile    string
	Submit     bool
	DryRun     bool
	Random     io.Reader
}

// Result is what a compilation produced.
type Result struct {
	// Pipeline is the analyzed pipeline.
	Pipeline *pipeline.Pipeline
	// Kind is SourceNotebook or SourceScript.
	Kind string
	// ScriptPath is the generated script.
	ScriptPath string
	// DOTPath is set when a DOT file was written.
	DOTPath string
	// KatibPath is set when a Katib manifest was written.
	KatibPath string
	// Executed reports whether the script was run.
	Executed bool
}

// Compiler converts sources into pipeline scripts.
//
// Thread Safety: A Compiler holds no per-call state. Concurrent Compile
// calls are safe as long as they write to different output paths.
type Compiler struct {
	logger    *slog.Logger
	inspector podutils.Inspector
	runner    runner.Runner
	formatter codegen.Formatter
	getenv    func(string) string
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the compiler's logger. It is handed to every stage.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compiler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithInspector replaces the environment-backed pod inspector.
func WithInspector(i podutils.Inspector) Option {
	return func(c *Compiler) {
		if i != nil {
			c.inspector = i
		}
	}
}

// WithRunner replaces the local Python runner.
func WithRunner(r runner.Runner) Option {
	return func(c *Compiler) {
		if r != nil {
			c.runner = r
		}
	}
}

// WithFormatter sets the formatter applied to generated scripts.
func WithFormatter(f codegen.Formatter) Option {
	return func(c *Compiler) {
		c.formatter = f
	}
}

// WithGetenv replaces os.Getenv for KATIB_TRIAL_IMAGE lookups.
func WithGetenv(getenv func(string) string) Option {
	return func(c *Compiler) {
		if getenv != nil {
			c.getenv = getenv
		}
	}
}

// New creates a Compiler.
func New(opts ...Option) *Compiler {
	c := &Compiler{
		logger: slog.Default(),
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.inspector == nil {
		c.inspector = podutils.NewEnvInspector()
	}
	if c.runner == nil {
		c.runner = runner.NewPythonRunner(c.logger)
	}
	return c
}

// SourceKind returns the kind of source at path by extension.
func SourceKind(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ipynb":
		return SourceNotebook, nil
	case ".py":
		return SourceScript, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedSource, path)
	}
}

// Compile runs every stage for one source.
//
// Description:
//
//	A notebook's config comes from its "kubeflow_notebook" metadata and is
//	loaded before the cells are parsed, because step defaults and the
//	marshal location shape the steps. A script's config comes from the
//	@pipeline decorator, so the script is read first and the step defaults
//	are merged into the steps afterwards. Both paths then share analysis,
//	rendering and execution.
//
// Inputs:
//   - ctx: Cancels the runner and carries the trace. Must not be nil.
//   - opts: What to compile and where to write it.
//
// Outputs:
//   - *Result: Paths of everything written. Returned with the error when
//     the script was written but running it failed.
//   - error: Classify maps it to an exit code.
func (c *Compiler) Compile(ctx context.Context, opts Options) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if opts.Source == "" {
		return nil, ErrNoSource
	}
	kind, err := SourceKind(opts.Source)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "compiler.Compile",
		trace.WithAttributes(
			attribute.String("compiler.source", opts.Source),
			attribute.String("compiler.kind", kind),
			attribute.Bool("compiler.submit", opts.Submit),
			attribute.Bool("compiler.dry_run", opts.DryRun),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := c.compile(ctx, kind, opts)
	errKind, _ := Classify(err)
	recordCompile(time.Since(start), kind, errKind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("compilation failed",
			slog.String("source", opts.Source),
			slog.String("kind", errKind),
			slog.String("error", err.Error()),
		)
		return res, err
	}
	span.SetAttributes(
		attribute.String("pipeline.name", res.Pipeline.Name()),
		attribute.Int("pipeline.steps", res.Pipeline.Len()),
	)
	span.SetStatus(codes.Ok, "")
	c.logger.Info("compilation finished",
		slog.String("pipeline", res.Pipeline.Name()),
		slog.String("script", res.ScriptPath),
		slog.Int("steps", res.Pipeline.Len()),
		slog.Bool("executed", res.Executed),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (c *Compiler) compile(ctx context.Context, kind string, opts Options) (*Result, error) {
	var (
		p   *pipeline.Pipeline
		err error
	)
	switch kind {
	case SourceNotebook:
		p, err = c.fromNotebook(ctx, opts)
	default:
		p, err = c.fromScript(ctx, opts)
	}
	if err != nil {
		return nil, err
	}

	if err := analysis.New(analysis.WithLogger(c.logger)).Analyze(ctx, p); err != nil {
		return nil, err
	}
	if err := analysis.Verify(p); err != nil {
		return nil, err
	}
	if p.Config.KatibRun {
		if err := katib.Validate(p); err != nil {
			return nil, err
		}
	}

	gen, err := codegen.New(
		codegen.WithLogger(c.logger),
		codegen.WithFormatter(c.formatter),
		codegen.WithDefaultImage(podutils.DefaultImage),
		codegen.WithEnv(c.inspector.TaskEnv()),
	)
	if err != nil {
		return nil, err
	}
	outDir := opts.OutputDir
	if outDir == "" {
		outDir = filepath.Join(filepath.Dir(opts.Source), codegen.DefaultOutputDir)
	}
	script, err := gen.WriteScript(ctx, p, outDir)
	if err != nil {
		return nil, err
	}
	res := &Result{Pipeline: p, Kind: kind, ScriptPath: script}

	if opts.DOTFile != "" {
		if err := codegen.WriteDOT(p, opts.DOTFile); err != nil {
			return res, err
		}
		res.DOTPath = opts.DOTFile
	}

	if p.Config.KatibRun {
		ns, err := c.inspector.Namespace(ctx)
		if err != nil {
			return res, err
		}
		path, err := katib.Write(p, outDir, ns, katib.TrialImage(p.Config.DockerImage, c.getenv))
		if err != nil {
			return res, err
		}
		res.KatibPath = path
		c.logger.Info("katib experiment written", slog.String("path", path), slog.String("namespace", ns))
	}

	if !opts.Submit && !opts.DryRun {
		return res, nil
	}
	if err := c.runner.Run(ctx, script, opts.Submit && !opts.DryRun); err != nil {
		return res, err
	}
	res.Executed = true
	return res, nil
}

func (c *Compiler) fromNotebook(ctx context.Context, opts Options) (*pipeline.Pipeline, error) {
	nb, err := notebook.Read(opts.Source)
	if err != nil {
		return nil, err
	}
	cfg, err := c.loadConfig(ctx, nb.PipelineMetadata(), opts)
	if err != nil {
		return nil, err
	}
	return notebook.NewParser(notebook.WithLogger(c.logger)).Parse(ctx, nb, cfg)
}

func (c *Compiler) fromScript(ctx context.Context, opts Options) (*pipeline.Pipeline, error) {
	code, err := os.ReadFile(opts.Source)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", opts.Source, err)
	}
	read, err := sdk.NewReader(sdk.WithLogger(c.logger)).Read(ctx, string(code))
	if err != nil {
		return nil, err
	}
	cfg, err := c.loadConfig(ctx, read.ConfigRaw, opts)
	if err != nil {
		return nil, err
	}
	p := read.Pipeline
	p.Config = cfg
	for _, s := range p.Steps() {
		s.Config.Merge(cfg.DefaultLabels, cfg.DefaultAnnotations, cfg.DefaultLimits)
	}
	return p, nil
}

// loadConfig layers the overlay and the command line over the source's own
// configuration and loads the result.
func (c *Compiler) loadConfig(ctx context.Context, base map[string]any, opts Options) (*config.PipelineConfig, error) {
	var overlay map[string]any
	if opts.ConfigFile != "" {
		var err error
		if overlay, err = config.ReadOverlay(opts.ConfigFile); err != nil {
			return nil, err
		}
	}
	raw := config.Merge(base, overlay, opts.Overrides, map[string]any{"source_path": opts.Source})

	if img, _ := raw["docker_image"].(string); strings.TrimSpace(img) == "" {
		img, err := c.inspector.Image(ctx)
		if err != nil {
			return nil, err
		}
		raw["docker_image"] = img
	}

	var cfg config.PipelineConfig
	loadOpts := []config.Option{config.WithLogger(c.logger)}
	if opts.Random != nil {
		loadOpts = append(loadOpts, config.WithRandomSource(opts.Random))
	}
	if err := config.Load(raw, &cfg, loadOpts...); err != nil {
		return nil, err
	}
	c.logger.Debug("pipeline config loaded",
		slog.String("pipeline", cfg.PipelineName),
		slog.String("experiment", cfg.ExperimentName),
		slog.String("image", cfg.DockerImage),
		slog.Int("volumes", len(cfg.Volumes)),
	)
	return &cfg, nil
}
