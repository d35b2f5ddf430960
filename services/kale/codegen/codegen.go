// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codegen renders an analyzed pipeline into a Kubeflow Pipelines
// v1 DSL script.
//
// The script has four parts: the global block verbatim, one lightweight
// function per step that loads its ins, runs the step source and saves its
// outs, the @dsl.pipeline function that chains the steps as tasks in
// topological order, and a __main__ section that compiles the pipeline and,
// given --submit, runs it.
//
// Step source is embedded one escaped line per source line inside '''
// blocks, so tracebacks from the running step point at the notebook lines.
package codegen

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/AleutianAI/kale/services/kale/config"
	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/pyast"
)

var tracer = otel.Tracer("kale.codegen")

//go:embed templates/*.tmpl
var templateFS embed.FS

// DefaultOutputDir is where scripts are written when no directory is given.
const DefaultOutputDir = ".kale"

// ScriptSuffix is appended to the pipeline name to form the file name.
const ScriptSuffix = ".kale.py"

// Generator renders pipelines.
//
// Thread Safety: Safe for concurrent use once constructed.
type Generator struct {
	logger    *slog.Logger
	formatter Formatter
	image     string
	env       map[string]string
	tmpl      *template.Template
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the generator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithFormatter replaces the built-in Normalizer.
func WithFormatter(f Formatter) Option {
	return func(g *Generator) {
		if f != nil {
			g.formatter = f
		}
	}
}

// WithDefaultImage sets the base image used when the pipeline config names
// none.
func WithDefaultImage(image string) Option {
	return func(g *Generator) {
		g.image = image
	}
}

// WithEnv sets environment variables added to every task container.
func WithEnv(env map[string]string) Option {
	return func(g *Generator) {
		g.env = env
	}
}

// New creates a Generator and parses the embedded templates.
//
// Outputs:
//   - *Generator: Ready to render.
//   - error: Non-nil only if an embedded template is malformed.
func New(opts ...Option) (*Generator, error) {
	g := &Generator{
		logger:    slog.Default(),
		formatter: Normalizer{},
		env:       map[string]string{},
	}
	for _, opt := range opts {
		opt(g)
	}

	funcs := sprig.TxtFuncMap()
	funcs["pyquote"] = pyast.Quote
	funcs["pydict"] = pyDict
	tmpl, err := template.New("pipeline.py.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, NewRenderError("templates", err)
	}
	g.tmpl = tmpl
	return g, nil
}

// Generate renders the script for an analyzed pipeline.
//
// Description:
//
//	Steps are emitted in topological order with lexicographic
//	tie-breaking, so identical pipelines give byte-identical scripts.
//	The result has been through the formatter.
//
// Inputs:
//   - ctx: Passed to the formatter. Must not be nil.
//   - p: An analyzed pipeline with a post-processed config.
//
// Outputs:
//   - string: The Python script.
//   - error: A *RenderError, or an error wrapping ErrFormat.
func (g *Generator) Generate(ctx context.Context, p *pipeline.Pipeline) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	if p == nil {
		return "", ErrNilPipeline
	}
	if p.Config == nil {
		return "", ErrNoConfig
	}
	ctx, span := tracer.Start(ctx, "codegen.Generate",
		trace.WithAttributes(
			attribute.String("pipeline.name", p.Name()),
			attribute.Int("pipeline.steps", p.Len()),
		),
	)
	defer span.End()

	start := time.Now()
	src, err := g.generate(ctx, p)
	recordGenerate(time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetStatus(codes.Ok, "")
	g.logger.Debug("pipeline script rendered",
		slog.String("pipeline", p.Name()),
		slog.Int("bytes", len(src)),
	)
	return src, nil
}

func (g *Generator) generate(ctx context.Context, p *pipeline.Pipeline) (string, error) {
	data, err := g.scriptData(p)
	if err != nil {
		return "", NewRenderError("pipeline.py.tmpl", err)
	}
	var buf bytes.Buffer
	if err := g.tmpl.ExecuteTemplate(&buf, "pipeline.py.tmpl", data); err != nil {
		return "", NewRenderError("pipeline.py.tmpl", err)
	}
	out, err := g.formatter.Format(ctx, buf.String())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return out, nil
}

// ScriptPath returns the file a pipeline's script is written to.
func ScriptPath(dir string, p *pipeline.Pipeline) string {
	if dir == "" {
		dir = DefaultOutputDir
	}
	name := p.Name()
	if p.Config != nil && p.Config.BaseName != "" {
		name = p.Config.BaseName
	}
	return filepath.Join(dir, name+ScriptSuffix)
}

// WriteScript renders p and writes it under dir, creating dir if needed.
//
// Outputs:
//   - string: Path of the written script.
//   - error: Render, format or I/O failure.
func (g *Generator) WriteScript(ctx context.Context, p *pipeline.Pipeline, dir string) (string, error) {
	src, err := g.Generate(ctx, p)
	if err != nil {
		return "", err
	}
	path := ScriptPath(dir, p)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	g.logger.Info("pipeline script written",
		slog.String("path", path),
		slog.String("pipeline", p.Name()),
	)
	return path, nil
}

type paramData struct {
	Name  string
	Type  string
	Value string
}

type volumeData struct {
	Name        string
	OpName      string
	MountPoint  string
	Type        string
	Size        string
	DataSource  string
	Annotations map[string]string
}

type stepData struct {
	Name           string
	Signature      []string
	CallArgs       []string
	Parameters     []paramData
	ParameterNames []string
	Ins            []string
	Outs           []string
	Source         string
	Metrics        []pipeline.Metric
	Artifacts      []pipeline.Artifact
	Labels         map[string]string
	Annotations    map[string]string
	Limits         map[string]string
	Retry          []string
	Timeout        int
}

type scriptData struct {
	PipelineName   string
	Description    string
	ExperimentName string
	DockerImage    string
	WorkingDir     string
	AccessMode     string
	StorageClass   string
	MarshalVolume  bool
	MarshalPath    string
	Prelude        string
	EscapedPrelude string
	Signature      []string
	Volumes        []volumeData
	Steps          []stepData
	Env            map[string]string
}

func (g *Generator) scriptData(p *pipeline.Pipeline) (*scriptData, error) {
	cfg := p.Config
	prelude := pyast.CommentMagic(p.ImportsAndFunctions)
	data := &scriptData{
		PipelineName:   p.Name(),
		Description:    cfg.PipelineDescription,
		ExperimentName: cfg.ExperimentName,
		DockerImage:    cfg.DockerImage,
		WorkingDir:     cfg.AbsWorkingDir,
		AccessMode:     cfg.VolumeAccessMode,
		StorageClass:   cfg.StorageClassName,
		MarshalVolume:  cfg.MarshalVolume,
		MarshalPath:    cfg.MarshalPath,
		Prelude:        prelude,
		EscapedPrelude: EscapeBlock(prelude),
		Env:            g.env,
	}
	if data.DockerImage == "" {
		data.DockerImage = g.image
	}
	if data.AccessMode == "" {
		data.AccessMode = "rwm"
	}
	for _, param := range p.Parameters {
		data.Signature = append(data.Signature, fmt.Sprintf("%s: %s = %s", param.Name, param.Type, param.Value))
	}
	for _, v := range cfg.Volumes {
		data.Volumes = append(data.Volumes, newVolumeData(v))
	}

	steps, err := p.TopologicalSteps()
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		sd, err := g.stepData(p, s)
		if err != nil {
			return nil, err
		}
		data.Steps = append(data.Steps, sd)
	}
	return data, nil
}

func newVolumeData(v config.VolumeConfig) volumeData {
	vd := volumeData{
		Name:        v.Name,
		OpName:      "create-volume-" + v.Name,
		MountPoint:  v.MountPoint,
		Type:        v.Type,
		Size:        v.Size,
		Annotations: v.Annotations,
	}
	if v.Type == config.VolumeClone {
		vd.DataSource = v.SnapshotName
	}
	return vd
}

func (g *Generator) stepData(p *pipeline.Pipeline, s *pipeline.Step) (stepData, error) {
	preds, err := p.Predecessors(s.Name)
	if err != nil {
		return stepData{}, err
	}
	sd := stepData{
		Name:        s.Name,
		Signature:   []string{"_input_data_folder: str"},
		CallArgs:    []string{pyast.Quote(p.Config.MarshalPath)},
		Ins:         s.SortedIns(),
		Outs:        s.SortedOuts(),
		Source:      EscapeBlock(s.SourceText()),
		Artifacts:   s.Artifacts,
		Labels:      s.Config.Labels,
		Annotations: s.Config.Annotations,
		Limits:      s.Config.Limits,
		Retry:       retryArgs(s.Config),
		Timeout:     s.Config.Timeout,
	}
	for _, pred := range preds {
		sd.Signature = append(sd.Signature, fmt.Sprintf("_kale_%s_output: str", pred))
		sd.CallArgs = append(sd.CallArgs, fmt.Sprintf("_kale_%s_task.output", pred))
	}
	for _, name := range s.ParameterNames() {
		param := s.Parameters[name]
		sd.Parameters = append(sd.Parameters, paramData{Name: name, Type: param.Type, Value: param.Value})
		sd.ParameterNames = append(sd.ParameterNames, name)
		sd.Signature = append(sd.Signature, fmt.Sprintf("%s: %s", name, param.Type))
		sd.CallArgs = append(sd.CallArgs, fmt.Sprintf("%s=%s", name, name))
	}
	if s.Name == pipeline.MetricsStepName {
		sd.Metrics = p.Metrics
	}
	return sd, nil
}

// retryArgs returns the arguments of ContainerOp.set_retry, or nil when
// the step does not retry.
func retryArgs(c config.StepConfig) []string {
	if !c.HasRetry() {
		return nil
	}
	args := []string{strconv.Itoa(c.RetryCount)}
	if c.RetryInterval != "" {
		args = append(args, "backoff_duration="+pyast.Quote(c.RetryInterval))
	}
	if c.RetryFactor != 0 {
		args = append(args, "backoff_factor="+strconv.FormatFloat(c.RetryFactor, 'f', -1, 64))
	}
	if c.RetryMaxInterval != "" {
		args = append(args, "backoff_max_duration="+pyast.Quote(c.RetryMaxInterval))
	}
	return args
}

// pyDict renders a string map as a Python dict literal with sorted keys.
func pyDict(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	items := make([]string, 0, len(m))
	for _, k := range sets.List(sets.KeySet(m)) {
		items = append(items, pyast.Quote(k)+": "+pyast.Quote(m[k]))
	}
	return "{" + strings.Join(items, ", ") + "}"
}
