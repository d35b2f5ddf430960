// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compiler

import (
	"errors"

	"github.com/AleutianAI/kale/services/kale/analysis"
	"github.com/AleutianAI/kale/services/kale/codegen"
	"github.com/AleutianAI/kale/services/kale/config"
	"github.com/AleutianAI/kale/services/kale/katib"
	"github.com/AleutianAI/kale/services/kale/notebook"
	"github.com/AleutianAI/kale/services/kale/pipeline"
	"github.com/AleutianAI/kale/services/kale/pyast"
	"github.com/AleutianAI/kale/services/kale/sdk"
	"github.com/AleutianAI/kale/services/kale/tags"
)

// Sentinel errors for the compiler package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNoSource is returned when Options.Source is empty.
	ErrNoSource = errors.New("no source file given")

	// ErrUnsupportedSource is returned for a source that is neither a
	// notebook nor a Python script.
	ErrUnsupportedSource = errors.New("source must be a .ipynb notebook or a .py script")
)

// Exit codes returned by the kale command.
const (
	ExitOK         = 0
	ExitOther      = 1
	ExitConfig     = 2
	ExitParse      = 3
	ExitDependency = 4
	ExitCodegen    = 5
)

// Error kinds, as reported in logs and the exit summary.
const (
	KindConfig     = "config"
	KindParse      = "parse"
	KindDependency = "dependency"
	KindCodegen    = "codegen"
	KindOther      = "other"
)

var (
	configErrors = []error{
		config.ErrInvalidConfig,
		config.ErrUnsupportedFormat,
		notebook.ErrInvalidParameters,
		pyast.ErrNotPrimitive,
		sdk.ErrPositionalParameter,
		katib.ErrNotKatib,
		katib.ErrUnknownParameter,
		katib.ErrUnknownMetric,
		ErrNoSource,
		ErrUnsupportedSource,
	}
	dependencyErrors = []error{
		analysis.ErrUnresolvedDependency,
		analysis.ErrInvariant,
	}
	codegenErrors = []error{
		codegen.ErrRender,
		codegen.ErrFormat,
		codegen.ErrNoConfig,
	}
	parseErrors = []error{
		tags.ErrInvalidTag,
		pyast.ErrSyntax,
		pyast.ErrInvalidMetric,
		pyast.ErrUnsupportedStatement,
		notebook.ErrMalformedNotebook,
		notebook.ErrNoOwningStep,
		notebook.ErrMetricsNotLast,
		notebook.ErrInvalidMetrics,
		notebook.ErrNoSteps,
		pipeline.ErrDuplicateStep,
		pipeline.ErrStepNotFound,
		pipeline.ErrInvalidStepName,
		pipeline.ErrCycleDetected,
	}
)

// Classify maps err to its kind and exit code. Config problems win over
// parse problems so a bad steps_defaults tag reports as configuration.
func Classify(err error) (string, int) {
	switch {
	case err == nil:
		return "", ExitOK
	case isAny(err, configErrors):
		return KindConfig, ExitConfig
	case isAny(err, dependencyErrors):
		return KindDependency, ExitDependency
	case isAny(err, codegenErrors):
		return KindCodegen, ExitCodegen
	case isAny(err, parseErrors):
		return KindParse, ExitParse
	}
	var defErr *sdk.DefinitionError
	if errors.As(err, &defErr) {
		return KindParse, ExitParse
	}
	return KindOther, ExitOther
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	_, code := Classify(err)
	return code
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
