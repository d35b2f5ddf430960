// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kale/pkg/logging"
	"github.com/AleutianAI/kale/pkg/ux"
	"github.com/AleutianAI/kale/services/kale/codegen"
	"github.com/AleutianAI/kale/services/kale/compiler"
	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/runner"
	"github.com/AleutianAI/kale/services/kale/telemetry"
)

var tracer = otel.Tracer("kale.cmd")

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliOptions holds the parsed flags.
type cliOptions struct {
	kfp         bool
	dryRun      bool
	summary     bool
	trace       bool
	configFile  string
	outputDir   string
	dotFile     string
	metricsFile string
	formatter   string
	logLevel    string
	logDir      string
	seed        string
	python      string

	pipelineName        string
	experimentName      string
	pipelineDescription string
	dockerImage         string
}

// overrideFlags maps command line flags to pipeline config keys.
var overrideFlags = map[string]func(o *cliOptions) string{
	"pipeline_name":        func(o *cliOptions) string { return o.pipelineName },
	"experiment_name":      func(o *cliOptions) string { return o.experimentName },
	"pipeline_description": func(o *cliOptions) string { return o.pipelineDescription },
	"docker_image":         func(o *cliOptions) string { return o.dockerImage },
}

// usageError marks failures detected before compilation starts.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// run executes the command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return compiler.ExitOK
	}
	var ue *usageError
	if errors.As(err, &ue) || !errors.Is(err, errCompile) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprintln(stderr, "Run 'kale --help' for usage.")
		return compiler.ExitConfig
	}
	return compiler.ExitCode(err)
}

// errCompile tags errors returned by a compilation so run can tell them
// from flag parsing errors.
var errCompile = errors.New("compilation failed")

type compileError struct{ err error }

func (e *compileError) Error() string { return e.err.Error() }
func (e *compileError) Unwrap() []error {
	return []error{errCompile, e.err}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:   "kale [flags] <notebook.ipynb|script.py>",
		Short: "Convert a notebook or decorated script into a Kubeflow pipeline",
		Long: `kale reads a Jupyter notebook whose cells are tagged with pipeline steps,
or a Python script whose functions carry @step and @pipeline decorators,
works out which variables each step needs from earlier steps, and writes a
Kubeflow Pipelines script that runs every step in its own container.

By default only the script is written. --kfp then executes it to compile
the pipeline and start a run; --dry-run implies --kfp but stops after
compiling.`,
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, args[0], opts, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.BoolVar(&opts.kfp, "kfp", false, "Compile the pipeline and start a run")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Compile the pipeline without starting a run (implies --kfp)")
	f.StringVar(&opts.pipelineName, "pipeline_name", "", "Pipeline name (overrides notebook metadata)")
	f.StringVar(&opts.experimentName, "experiment_name", "", "Experiment name (overrides notebook metadata)")
	f.StringVar(&opts.pipelineDescription, "pipeline_description", "", "Pipeline description")
	f.StringVar(&opts.dockerImage, "docker_image", "", "Base image for every step")
	f.StringVar(&opts.configFile, "config", "", "YAML or HCL file layered over the source's pipeline config")
	f.StringVar(&opts.outputDir, "output-dir", "", "Directory for generated files (default: .kale next to the source)")
	f.StringVar(&opts.dotFile, "dot", "", "Also write the step graph as Graphviz DOT to this file")
	f.BoolVar(&opts.summary, "summary", false, "Print a table of steps with their inputs and outputs")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics for this run to a textfile")
	f.BoolVar(&opts.trace, "trace", false, "Print OpenTelemetry spans to stderr")
	f.StringVar(&opts.formatter, "formatter", "", `External formatter reading the script on stdin, e.g. "black -q -"`)
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&opts.logDir, "log-dir", "", "Also append JSON logs to a file in this directory")
	f.StringVar(&opts.python, "python", runner.DefaultPython, "Interpreter used to execute the script")
	f.StringVar(&opts.seed, "seed", "", "Seed for the pipeline name suffix")
	_ = f.MarkHidden("seed")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})
	return cmd
}

func runCompile(cmd *cobra.Command, source string, opts *cliOptions, stdout, stderr io.Writer) error {
	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return &usageError{err: err}
	}
	var formatter codegen.Formatter
	if opts.formatter != "" {
		cf, err := codegen.NewCommandFormatter(opts.formatter)
		if err != nil {
			return &usageError{err: err}
		}
		formatter = cf
	}

	logger := logging.New(logging.Config{Level: level, LogDir: opts.logDir, Service: "kale", Writer: stderr})
	defer logger.Close()

	ctx := cmd.Context()
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	if opts.trace {
		tcfg.TraceExporter = telemetry.ExporterStdout
		tcfg.TraceWriter = stderr
	}
	if opts.metricsFile != "" {
		tcfg.MetricExporter = telemetry.ExporterPrometheus
		tcfg.MetricsFile = opts.metricsFile
	}
	tel, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return &usageError{err: err}
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Slog().Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	ctx, span := tracer.Start(ctx, "kale.Run",
		trace.WithAttributes(attribute.String("kale.source", source)),
	)
	defer span.End()
	slogger := telemetry.LoggerWithTrace(ctx, logger.Slog())

	py := runner.NewPythonRunner(slogger)
	py.Python = opts.python
	py.Stdout = stdout
	c := compiler.New(
		compiler.WithLogger(slogger),
		compiler.WithFormatter(formatter),
		compiler.WithRunner(py),
	)

	res, err := c.Compile(ctx, compiler.Options{
		Source:     source,
		Overrides:  overrides(cmd, opts),
		ConfigFile: opts.configFile,
		OutputDir:  opts.outputDir,
		DOTFile:    opts.dotFile,
		Submit:     opts.kfp,
		DryRun:     opts.dryRun,
		Random:     seedReader(opts.seed),
	})

	out := ux.NewPrinter(stdout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		kind, _ := compiler.Classify(err)
		ux.NewPrinter(stderr).Error(fmt.Sprintf("%s error: %v", kind, err))
		if res != nil && res.ScriptPath != "" {
			out.Field("script", res.ScriptPath)
		}
		return &compileError{err: err}
	}
	span.SetStatus(codes.Ok, "")

	out.Success("pipeline " + res.Pipeline.Name() + " generated")
	out.Field("script", res.ScriptPath)
	if res.DOTPath != "" {
		out.Field("graph", res.DOTPath)
	}
	if res.KatibPath != "" {
		out.Field("katib", res.KatibPath)
	}
	if res.Executed {
		state := "compiled"
		if opts.kfp && !opts.dryRun {
			state = "submitted"
		}
		out.Field("pipeline", state)
	}
	if opts.summary {
		fmt.Fprint(stdout, ux.RenderSummary(res.Pipeline.Name(), summaryRows(res.Pipeline), out.Mode))
	}
	return nil
}

// overrides collects the config flags the user actually set.
func overrides(cmd *cobra.Command, opts *cliOptions) map[string]any {
	out := map[string]any{}
	for flag, get := range overrideFlags {
		if cmd.Flags().Changed(flag) {
			out[flag] = strings.TrimSpace(get(opts))
		}
	}
	return out
}

// seedReader returns a deterministic byte stream for seed, or nil for
// crypto/rand.
func seedReader(seed string) io.Reader {
	if seed == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(seed))
	return bytes.NewReader(sum[:])
}

func summaryRows(p *pipeline.Pipeline) []ux.StepRow {
	steps, err := p.TopologicalSteps()
	if err != nil {
		steps = p.Steps()
	}
	rows := make([]ux.StepRow, 0, len(steps))
	for _, s := range steps {
		after, _ := p.Predecessors(s.Name)
		rows = append(rows, ux.StepRow{
			Name:   s.Name,
			After:  after,
			Ins:    s.SortedIns(),
			Outs:   s.SortedOuts(),
			Params: s.ParameterNames(),
		})
	}
	return rows
}
