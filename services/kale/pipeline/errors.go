// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the pipeline package.
var (
	// ErrNilStep is returned when a nil step is added.
	ErrNilStep = errors.New("step must not be nil")

	// ErrDuplicateStep is returned when adding a step with an existing name.
	ErrDuplicateStep = errors.New("step with this name already exists")

	// ErrStepNotFound is returned when a referenced step doesn't exist.
	ErrStepNotFound = errors.New("step not found")

	// ErrInvalidStepName is returned when a step name fails the step-name
	// grammar.
	ErrInvalidStepName = errors.New("invalid step name")

	// ErrCycleDetected is returned when an edge would close a cycle.
	ErrCycleDetected = errors.New("cycle detected in pipeline")
)

// StepError wraps an error with the step that caused it.
type StepError struct {
	StepName string
	Err      error
}

// Error returns the error message.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepName, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a StepError.
func NewStepError(stepName string, err error) *StepError {
	return &StepError{
		StepName: stepName,
		Err:      err,
	}
}

// CycleError provides details about a rejected edge. Path starts and ends
// with the same step.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}
