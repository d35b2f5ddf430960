// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pyast

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pyast package.
var (
	// ErrSyntax is returned when the source is not valid Python.
	ErrSyntax = errors.New("python syntax error")

	// ErrNotPrimitive is returned when a parameter assignment is not a
	// single name bound to a primitive literal.
	ErrNotPrimitive = errors.New("not a primitive assignment")

	// ErrInvalidMetric is returned for metrics lines that are not print(name).
	ErrInvalidMetric = errors.New("invalid metric export")

	// ErrUnsupportedStatement is returned when a pipeline body contains a
	// statement other than a step call.
	ErrUnsupportedStatement = errors.New("unsupported statement")
)

// SyntaxError locates a parse failure.
type SyntaxError struct {
	Line   int
	Column int
	Text   string
}

// Error returns the error message.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%v at line %d, column %d: %q", ErrSyntax, e.Line, e.Column, e.Text)
}

// Unwrap returns ErrSyntax.
func (e *SyntaxError) Unwrap() error {
	return ErrSyntax
}

// LineError attaches a 1-based line number to a statement-level failure.
type LineError struct {
	Line   int
	Text   string
	Reason string
	Err    error
}

// Error returns the error message.
func (e *LineError) Error() string {
	return fmt.Sprintf("line %d %q: %s", e.Line, e.Text, e.Reason)
}

// Unwrap returns the sentinel kind.
func (e *LineError) Unwrap() error {
	return e.Err
}
