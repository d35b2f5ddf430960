// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codegen

import (
	"errors"
	"fmt"
)

// Sentinel errors for the codegen package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilPipeline is returned when a nil pipeline is rendered.
	ErrNilPipeline = errors.New("pipeline must not be nil")

	// ErrNoConfig is returned when the pipeline carries no configuration.
	ErrNoConfig = errors.New("pipeline has no configuration")

	// ErrRender is wrapped by every template failure.
	ErrRender = errors.New("template render failed")

	// ErrFormat is wrapped by every formatter failure.
	ErrFormat = errors.New("formatting generated code failed")
)

// RenderError reports which template failed.
type RenderError struct {
	Template string
	Err      error
}

// Error returns the error message.
func (e *RenderError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrRender, e.Template, e.Err)
}

// Unwrap returns the underlying error.
func (e *RenderError) Unwrap() []error {
	return []error{ErrRender, e.Err}
}

// NewRenderError creates a RenderError.
func NewRenderError(template string, err error) *RenderError {
	return &RenderError{Template: template, Err: err}
}
