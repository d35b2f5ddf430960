// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sdk

import (
	"errors"
	"fmt"
)

// Sentinel errors for the sdk package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNoPipeline is returned when the script has no @pipeline function.
	ErrNoPipeline = errors.New("no @pipeline function found")

	// ErrMultiplePipelines is returned when more than one function carries
	// @pipeline.
	ErrMultiplePipelines = errors.New("more than one @pipeline function")

	// ErrUnknownStep is returned when the pipeline body calls a function
	// that is not a @step.
	ErrUnknownStep = errors.New("call to a function that is not a step")

	// ErrPositionalParameter is returned for a pipeline function parameter
	// without a default value.
	ErrPositionalParameter = errors.New("pipeline parameters must have default values")

	// ErrInvalidDecorator is returned for malformed decorator arguments.
	ErrInvalidDecorator = errors.New("invalid decorator arguments")

	// ErrStepCalledTwice is returned when one step is called more than
	// once in the pipeline body.
	ErrStepCalledTwice = errors.New("step called more than once")

	// ErrArgumentMismatch is returned when a step call does not match the
	// step function's signature.
	ErrArgumentMismatch = errors.New("step call does not match signature")

	// ErrUnsupportedReturn is returned for a return statement other than a
	// trailing top-level one.
	ErrUnsupportedReturn = errors.New("only a trailing top-level return is supported")
)

// DefinitionError reports a problem with a decorated function.
type DefinitionError struct {
	Function string
	Line     int
	Err      error
}

// Error returns the error message.
func (e *DefinitionError) Error() string {
	return fmt.Sprintf("line %d: function %q: %v", e.Line, e.Function, e.Err)
}

// Unwrap returns the underlying error.
func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// NewDefinitionError creates a DefinitionError.
func NewDefinitionError(function string, line int, err error) *DefinitionError {
	return &DefinitionError{Function: function, Line: line, Err: err}
}
