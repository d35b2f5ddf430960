// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner hands a generated pipeline script to the Python
// toolchain, which compiles it into a pipeline archive and optionally
// submits a run.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kale.runner")

// SubmitFlag makes the generated script submit a run after compiling.
const SubmitFlag = "--submit"

// DefaultPython is the interpreter used when none is configured.
const DefaultPython = "python3"

// Runner executes a generated script.
type Runner interface {
	// Run compiles the pipeline in script and, when submit is set, starts
	// a run of it.
	Run(ctx context.Context, script string, submit bool) error
}

// PythonRunner runs scripts with a local Python interpreter.
//
// # Fields
//
//   - Python: Interpreter path or name. Empty means DefaultPython.
//   - Dir: Working directory. Empty means the script's directory.
//   - Stdout: Receives the script's stdout. Nil discards it.
type PythonRunner struct {
	Python string
	Dir    string
	Stdout io.Writer

	logger *slog.Logger
}

// NewPythonRunner creates a PythonRunner.
func NewPythonRunner(logger *slog.Logger) *PythonRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &PythonRunner{Python: DefaultPython, logger: logger}
}

// Run executes the script.
//
// Description:
//
//	Stderr is captured and attached to the returned *CommandError so a
//	Python traceback reaches the user.
//
// Inputs:
//   - ctx: Cancels the process. Must not be nil.
//   - script: Path to the generated script.
//   - submit: Passes SubmitFlag to the script.
//
// Outputs:
//   - error: ErrScriptNotFound, or a *CommandError.
func (r *PythonRunner) Run(ctx context.Context, script string, submit bool) error {
	if ctx == nil {
		return ErrNilContext
	}
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("%w: %s", ErrScriptNotFound, script)
	}
	python := r.Python
	if python == "" {
		python = DefaultPython
	}
	abs, err := filepath.Abs(script)
	if err != nil {
		return err
	}
	args := []string{abs}
	if submit {
		args = append(args, SubmitFlag)
	}

	ctx, span := tracer.Start(ctx, "runner.Run",
		trace.WithAttributes(
			attribute.String("runner.script", abs),
			attribute.Bool("runner.submit", submit),
		),
	)
	defer span.End()

	cmd := exec.CommandContext(ctx, python, args...)
	cmd.Dir = r.Dir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(abs)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = r.Stdout

	commandLine := python + " " + strings.Join(args, " ")
	start := time.Now()
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		cmdErr := NewCommandError(commandLine, exitCode, stderr.String(), err)
		span.RecordError(cmdErr)
		span.SetStatus(codes.Error, cmdErr.Error())
		return cmdErr
	}
	span.SetStatus(codes.Ok, "")
	r.logger.Info("pipeline script executed",
		slog.String("command", commandLine),
		slog.Bool("submitted", submit),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
