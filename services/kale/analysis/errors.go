// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"errors"
	"fmt"
)

// Sentinel errors for the analysis package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilPipeline is returned when a nil pipeline is analyzed.
	ErrNilPipeline = errors.New("pipeline must not be nil")

	// ErrUnresolvedDependency is returned when a step reads a name that no
	// ancestor produces.
	ErrUnresolvedDependency = errors.New("unresolved dependency")

	// ErrInvariant is returned by Verify when an analyzed pipeline breaks
	// a dataflow invariant.
	ErrInvariant = errors.New("dataflow invariant violated")
)

// UnresolvedError names the step and the variable that could not be
// resolved.
type UnresolvedError struct {
	Step string
	Name string
}

// Error returns the error message.
func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("step %q reads %q, which is not produced by any ancestor, not a pipeline parameter and not defined in the global block", e.Step, e.Name)
}

// Unwrap returns ErrUnresolvedDependency.
func (e *UnresolvedError) Unwrap() error {
	return ErrUnresolvedDependency
}

// NewUnresolvedError creates an UnresolvedError.
func NewUnresolvedError(step, name string) *UnresolvedError {
	return &UnresolvedError{Step: step, Name: name}
}
