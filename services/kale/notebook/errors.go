// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notebook

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/kale/services/kale/tags"
)

// Sentinel errors for the notebook package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilNotebook is returned when a nil notebook is passed.
	ErrNilNotebook = errors.New("notebook must not be nil")

	// ErrMalformedNotebook is returned when the document is not a notebook.
	ErrMalformedNotebook = errors.New("malformed notebook")

	// ErrNoOwningStep is returned for an untagged cell with no preceding
	// step to extend.
	ErrNoOwningStep = errors.New("cell has no owning step")

	// ErrMetricsNotLast is returned when a tagged cell follows the
	// pipeline-metrics cell.
	ErrMetricsNotLast = errors.New("pipeline-metrics tag must be at end of notebook")

	// ErrInvalidParameters is returned when the pipeline-parameters cell
	// holds anything other than primitive assignments.
	ErrInvalidParameters = errors.New("invalid pipeline parameters")

	// ErrInvalidMetrics is returned when the pipeline-metrics cell holds
	// anything other than print(name) statements.
	ErrInvalidMetrics = errors.New("invalid pipeline metrics")

	// ErrNoSteps is returned when the notebook defines no step.
	ErrNoSteps = errors.New("notebook defines no pipeline step")
)

// CellError reports a problem with one notebook cell. Index is the
// zero-based position of the cell in the notebook.
type CellError struct {
	Index int
	Tag   string
	Err   error
}

// Error returns the error message.
func (e *CellError) Error() string {
	if e.Tag != "" && !errors.Is(e.Err, tags.ErrInvalidTag) {
		return fmt.Sprintf("cell %d: tag %q: %v", e.Index, e.Tag, e.Err)
	}
	return fmt.Sprintf("cell %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying error.
func (e *CellError) Unwrap() error {
	return e.Err
}

// NewCellError creates a CellError.
func NewCellError(index int, tag string, err error) *CellError {
	return &CellError{Index: index, Tag: tag, Err: err}
}
