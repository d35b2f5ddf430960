// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sdk builds a pipeline from a Python script written with the
// @step, @artifact and @pipeline decorators.
//
// The script is never executed. Its syntax tree is read instead:
//
//	@step(name="load")
//	def load():
//	    data = [1, 2, 3]
//	    return data
//
//	@step(name="train", retry_count=2)
//	def train(data, lr):
//	    model = fit(data, lr)
//
//	@pipeline(name="demo", experiment="exp")
//	def demo(lr=0.1):
//	    data = load()
//	    train(data, lr)
//
// Each @step becomes a Step whose source is the function body. Calls in
// the @pipeline body give the edges: a step depends on every step whose
// results it receives as arguments. Parameters of the pipeline function
// become pipeline parameters. Imports and undecorated top-level code form
// the global block.
package sdk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kale/services/kale/config"
	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/pyast"
)

var tracer = otel.Tracer("kale.sdk")

// Decorator names.
const (
	StepDecorator     = "step"
	PipelineDecorator = "pipeline"
	ArtifactDecorator = "artifact"
)

// Result is the outcome of reading a decorated script.
type Result struct {
	// Pipeline has steps, edges, parameters and the global block. Its
	// Config is nil; the caller loads one from ConfigRaw.
	Pipeline *pipeline.Pipeline
	// ConfigRaw holds the @pipeline keyword arguments under their
	// configuration names.
	ConfigRaw map[string]any
	// Function is the name of the @pipeline function.
	Function string
}

// Reader reads decorated scripts.
//
// Thread Safety: A Reader holds no per-call state and is safe for
// concurrent use.
type Reader struct {
	logger *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the reader's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReader creates a Reader.
func NewReader(opts ...Option) *Reader {
	r := &Reader{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// stepDef is a @step function before it is wired into the pipeline.
type stepDef struct {
	function  string
	line      int
	config    *config.StepConfig
	params    []pyast.Param
	body      string
	artifacts []pipeline.Artifact
}

// Read builds a pipeline from a decorated script.
//
// Description:
//
//	Top-level definitions are classified by decorator. The single
//	@pipeline function is then walked call by call: each call must name
//	a @step function, its arguments are bound to the step's parameters
//	and its assignment targets become the step's results. A step depends
//	on the latest earlier step that produced any of its argument names.
//
// Inputs:
//   - ctx: Tracing context. Must not be nil.
//   - code: Python source of the script.
//
// Outputs:
//   - *Result: Pipeline and raw pipeline configuration.
//   - error: DefinitionError wrapping the package sentinels, pyast syntax
//     errors, config errors or pipeline graph errors.
func (r *Reader) Read(ctx context.Context, code string) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	_, span := tracer.Start(ctx, "sdk.Read",
		trace.WithAttributes(attribute.Int("sdk.source_size", len(code))),
	)
	defer span.End()

	res, err := r.read(code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("pipeline.steps", res.Pipeline.Len()))
	span.SetStatus(codes.Ok, "")
	r.logger.Info("script parsed",
		slog.String("pipeline_function", res.Function),
		slog.Int("steps", res.Pipeline.Len()),
		slog.Int("parameters", len(res.Pipeline.Parameters)),
	)
	return res, nil
}

func (r *Reader) read(code string) (*Result, error) {
	mod, err := pyast.Parse(code)
	if err != nil {
		return nil, err
	}
	defer mod.Close()
	src := mod.Source()

	steps := map[string]*stepDef{}
	var pipelineDef *sitter.Node
	var pipelineDec pyast.Decorator
	var globalStmts []*sitter.Node

	for _, stmt := range mod.Statements() {
		decs := pyast.Decorators(stmt, src)
		kind := decoratorKind(decs)
		name := pyast.DefinitionName(stmt, src)
		line := int(stmt.StartPoint().Row) + 1

		switch kind {
		case StepDecorator:
			def, err := readStep(stmt, decs, src)
			if err != nil {
				return nil, NewDefinitionError(name, line, err)
			}
			steps[name] = def
			continue
		case PipelineDecorator:
			if pipelineDef != nil {
				return nil, NewDefinitionError(name, line, ErrMultiplePipelines)
			}
			pipelineDef = stmt
			for _, d := range decs {
				if d.ShortName() == PipelineDecorator {
					pipelineDec = d
				}
			}
			continue
		}
		globalStmts = append(globalStmts, stmt)
	}
	if pipelineDef == nil {
		return nil, ErrNoPipeline
	}

	fnName := pyast.DefinitionName(pipelineDef, src)
	var global []string
	for _, stmt := range globalStmts {
		if keepGlobal(stmt, src, fnName) {
			global = append(global, mod.Text(stmt))
		}
	}
	fnLine := int(pipelineDef.StartPoint().Row) + 1
	raw, err := pipelineConfigRaw(pipelineDec, src)
	if err != nil {
		return nil, NewDefinitionError(fnName, fnLine, err)
	}

	p := pipeline.New(nil)
	p.ImportsAndFunctions = strings.Join(global, "\n")
	if err := readPipelineParameters(p, pipelineDef, src); err != nil {
		return nil, NewDefinitionError(fnName, fnLine, err)
	}
	if err := r.wire(p, steps, pipelineDef, src); err != nil {
		return nil, NewDefinitionError(fnName, fnLine, err)
	}
	for fn := range steps {
		if !calledStep(p, steps[fn]) {
			r.logger.Warn("step is never called by the pipeline", slog.String("function", fn))
		}
	}
	return &Result{Pipeline: p, ConfigRaw: raw, Function: fnName}, nil
}

func calledStep(p *pipeline.Pipeline, def *stepDef) bool {
	return p.HasStep(def.config.Name)
}

// decoratorKind returns StepDecorator or PipelineDecorator when the
// definition carries one, or "".
func decoratorKind(decs []pyast.Decorator) string {
	kind := ""
	for _, d := range decs {
		switch d.ShortName() {
		case PipelineDecorator:
			return PipelineDecorator
		case StepDecorator:
			kind = StepDecorator
		}
	}
	return kind
}

// keepGlobal reports whether a top-level statement belongs to the global
// block. The SDK import, the __main__ guard and direct calls of the
// pipeline function are dropped.
func keepGlobal(stmt *sitter.Node, src []byte, pipelineFn string) bool {
	switch stmt.Type() {
	case "import_from_statement":
		if mod := stmt.ChildByFieldName("module_name"); mod != nil {
			name := mod.Content(src)
			if name == "kale" || strings.HasPrefix(name, "kale.") {
				return false
			}
		}
	case "import_statement":
		for _, name := range pyast.ImportBindings(stmt, src) {
			if name == "kale" {
				return false
			}
		}
	case "if_statement":
		if cond := stmt.ChildByFieldName("condition"); cond != nil && strings.Contains(cond.Content(src), "__name__") {
			return false
		}
	case pyast.TypeExpressionStmt:
		if stmt.NamedChildCount() == 1 && stmt.NamedChild(0).Type() == pyast.TypeCall {
			fn := stmt.NamedChild(0).ChildByFieldName("function")
			if fn != nil && fn.Content(src) == pipelineFn {
				return false
			}
		}
	}
	return true
}

func readStep(stmt *sitter.Node, decs []pyast.Decorator, src []byte) (*stepDef, error) {
	name := pyast.DefinitionName(stmt, src)
	def := &stepDef{function: name, line: int(stmt.StartPoint().Row) + 1}

	raw := map[string]any{"name": name}
	for _, d := range decs {
		switch d.ShortName() {
		case StepDecorator:
			for _, a := range d.Args {
				if a.Keyword == "" {
					return nil, fmt.Errorf("%w: @step takes keyword arguments only", ErrInvalidDecorator)
				}
				v, err := pyast.LiteralValue(d.Values[a.Keyword], src)
				if err != nil {
					return nil, fmt.Errorf("%w: @step(%s=...): %w", ErrInvalidDecorator, a.Keyword, err)
				}
				raw[a.Keyword] = v
			}
		case ArtifactDecorator:
			art, err := readArtifact(d, src)
			if err != nil {
				return nil, err
			}
			def.artifacts = append(def.artifacts, art)
		}
	}
	cfg, err := config.NewStepConfig(raw)
	if err != nil {
		return nil, err
	}
	def.config = cfg

	params, err := pyast.Parameters(stmt, src)
	if err != nil {
		return nil, err
	}
	for _, p := range params {
		if p.Variadic {
			return nil, fmt.Errorf("%w: variadic parameter %q", ErrArgumentMismatch, p.Name)
		}
	}
	def.params = params
	def.body = pyast.FunctionSource(stmt, src, true)
	return def, nil
}

// readArtifact accepts @artifact(name, path) with positional or keyword
// arguments.
func readArtifact(d pyast.Decorator, src []byte) (pipeline.Artifact, error) {
	values := map[string]string{}
	order := []string{"name", "path"}
	pos := 0
	for _, a := range d.Args {
		key := a.Keyword
		if key == "" {
			if pos >= len(order) {
				return pipeline.Artifact{}, fmt.Errorf("%w: @artifact takes name and path", ErrInvalidDecorator)
			}
			key = order[pos]
			pos++
		}
		s, err := pyast.Unquote(a.Value)
		if err != nil {
			return pipeline.Artifact{}, fmt.Errorf("%w: @artifact(%s=...): %w", ErrInvalidDecorator, key, err)
		}
		values[key] = s
	}
	if values["name"] == "" || values["path"] == "" {
		return pipeline.Artifact{}, fmt.Errorf("%w: @artifact needs a name and a path", ErrInvalidDecorator)
	}
	return pipeline.Artifact{Name: values["name"], Path: values["path"]}, nil
}

// pipelineConfigRaw maps @pipeline keyword arguments to configuration
// keys.
func pipelineConfigRaw(d pyast.Decorator, src []byte) (map[string]any, error) {
	raw := map[string]any{}
	for _, a := range d.Args {
		if a.Keyword == "" {
			return nil, fmt.Errorf("%w: @pipeline takes keyword arguments only", ErrInvalidDecorator)
		}
		v, err := pyast.LiteralValue(d.Values[a.Keyword], src)
		if err != nil {
			return nil, fmt.Errorf("%w: @pipeline(%s=...): %w", ErrInvalidDecorator, a.Keyword, err)
		}
		switch a.Keyword {
		case "name":
			raw["pipeline_name"] = v
		case "experiment":
			raw["experiment_name"] = v
		case "description":
			raw["pipeline_description"] = v
		default:
			raw[a.Keyword] = v
		}
	}
	return raw, nil
}

func readPipelineParameters(p *pipeline.Pipeline, def *sitter.Node, src []byte) error {
	params, err := pyast.Parameters(def, src)
	if err != nil {
		return err
	}
	for _, param := range params {
		if param.Variadic || !param.HasDefault() {
			return fmt.Errorf("%w: %q", ErrPositionalParameter, param.Name)
		}
		prim, err := pyast.Literal(param.DefaultNode, src)
		if err != nil {
			return fmt.Errorf("parameter %q: %w", param.Name, err)
		}
		p.SetParameter(pipeline.Parameter{Name: param.Name, Type: prim.Type, Value: prim.Value})
	}
	return nil
}

// wire walks the pipeline body and adds one step per call.
func (r *Reader) wire(p *pipeline.Pipeline, steps map[string]*stepDef, def *sitter.Node, src []byte) error {
	calls, err := pyast.CallArgNames(pyast.FunctionSource(def, src, true))
	if err != nil {
		return err
	}
	producers := map[string]string{}
	for _, call := range calls {
		sd, ok := steps[call.Func]
		if !ok {
			return fmt.Errorf("%w: %s() on body line %d", ErrUnknownStep, call.Func, call.Line)
		}
		if p.HasStep(sd.config.Name) {
			return fmt.Errorf("%w: %s() on body line %d", ErrStepCalledTwice, call.Func, call.Line)
		}
		source, err := stepSource(sd, call)
		if err != nil {
			return err
		}
		s := pipeline.NewStep(sd.config.Name, source)
		s.Config = *sd.config
		s.Artifacts = sd.artifacts
		if err := p.AddStep(s); err != nil {
			return err
		}

		for _, a := range call.Args {
			if !a.IsName {
				continue
			}
			if from, ok := producers[a.Value]; ok && from != s.Name {
				if err := p.AddDependency(from, s.Name); err != nil {
					return err
				}
			}
		}
		for _, res := range call.Results {
			producers[res] = s.Name
		}
		r.logger.Debug("step wired",
			slog.String("step", s.Name),
			slog.String("function", sd.function),
			slog.Any("results", call.Results),
		)
	}
	return nil
}

// stepSource binds the call arguments to the step parameters and turns a
// trailing return into an assignment to the call's results.
func stepSource(sd *stepDef, call pyast.Call) (string, error) {
	prologue, err := bindArguments(sd, call)
	if err != nil {
		return "", err
	}
	body, err := rewriteReturn(sd.body, call.Results)
	if err != nil {
		return "", fmt.Errorf("step %q: %w", sd.config.Name, err)
	}
	parts := prologue
	if strings.TrimSpace(body) != "" {
		parts = append(parts, body)
	}
	if len(parts) == 0 {
		return "pass", nil
	}
	return strings.Join(parts, "\n"), nil
}

// bindArguments returns one `param = value` line per parameter whose
// argument is not already a variable of the same name.
func bindArguments(sd *stepDef, call pyast.Call) ([]string, error) {
	fail := func(format string, args ...any) ([]string, error) {
		return nil, fmt.Errorf("%w: %s() on body line %d: %s", ErrArgumentMismatch, call.Func, call.Line, fmt.Sprintf(format, args...))
	}
	has := map[string]bool{}
	for _, p := range sd.params {
		has[p.Name] = true
	}
	bound := map[string]string{}
	pos := 0
	for _, a := range call.Args {
		if strings.HasPrefix(a.Value, "*") {
			return fail("unpacked arguments are not supported")
		}
		key := a.Keyword
		if key == "" {
			if pos >= len(sd.params) {
				return fail("takes %d arguments", len(sd.params))
			}
			key = sd.params[pos].Name
			pos++
		} else if !has[key] {
			return fail("unexpected keyword argument %q", key)
		}
		if _, dup := bound[key]; dup {
			return fail("multiple values for argument %q", key)
		}
		bound[key] = a.Value
	}

	var lines []string
	for _, p := range sd.params {
		v, ok := bound[p.Name]
		if !ok {
			if !p.HasDefault() {
				return fail("missing argument %q", p.Name)
			}
			v = p.Default
		}
		if v != p.Name {
			lines = append(lines, p.Name+" = "+v)
		}
	}
	return lines, nil
}

var opaqueScopes = pyast.Types(pyast.TypeFunctionDefinition, pyast.TypeClassDefinition, pyast.TypeLambda)

// rewriteReturn replaces a trailing top-level `return expr` with
// `results = expr`. The assignment is dropped when it would be a no-op.
// When nothing receives the value, expr is kept as a statement unless it
// only names variables.
func rewriteReturn(body string, results []string) (string, error) {
	mod, err := pyast.Parse(body)
	if err != nil {
		return "", err
	}
	defer mod.Close()

	var returns []*sitter.Node
	for _, n := range pyast.Walk(mod.Root(), opaqueScopes, nil) {
		if n.Type() == "return_statement" {
			returns = append(returns, n)
		}
	}
	if len(returns) == 0 {
		if len(results) > 0 {
			return "", fmt.Errorf("%w: results %v assigned from a step that returns nothing", ErrArgumentMismatch, results)
		}
		return body, nil
	}
	stmts := mod.Statements()
	ret := returns[0]
	last := stmts[len(stmts)-1]
	if len(returns) > 1 || ret.StartByte() != last.StartByte() || ret.EndByte() != last.EndByte() {
		line := int(returns[len(returns)-1].StartPoint().Row) + 1
		return "", fmt.Errorf("%w: return on step line %d", ErrUnsupportedReturn, line)
	}

	// Offsets in mod are shifted by commented magic lines; the return is a
	// top-level statement, so cut body at its line instead.
	lines := strings.SplitAfter(body, "\n")
	head := strings.TrimRight(strings.Join(lines[:ret.StartPoint().Row], ""), " \t\n")
	var expr string
	var value *sitter.Node
	if ret.NamedChildCount() > 0 {
		value = ret.NamedChild(0)
		expr = mod.Text(value)
	}
	if len(results) == 0 {
		if value == nil || namesOnly(value) {
			return head, nil
		}
		if head == "" {
			return expr, nil
		}
		return head + "\n" + expr, nil
	}
	if expr == "" {
		return "", fmt.Errorf("%w: bare return cannot produce %v", ErrArgumentMismatch, results)
	}
	target := strings.Join(results, ", ")
	if normalizeTuple(expr) == normalizeTuple(target) {
		return head, nil
	}
	assign := target + " = " + expr
	if head == "" {
		return assign, nil
	}
	return head + "\n" + assign, nil
}

// namesOnly reports whether n is a name or a tuple of names, which have
// no effect when evaluated.
func namesOnly(n *sitter.Node) bool {
	switch n.Type() {
	case pyast.TypeIdentifier:
		return true
	case "tuple", "expression_list", "parenthesized_expression":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if child := n.NamedChild(i); child.Type() != pyast.TypeComment && !namesOnly(child) {
				return false
			}
		}
		return n.NamedChildCount() > 0
	}
	return false
}

func normalizeTuple(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		expr = expr[1 : len(expr)-1]
	}
	return strings.Join(strings.Fields(strings.ReplaceAll(expr, ",", " , ")), "")
}
