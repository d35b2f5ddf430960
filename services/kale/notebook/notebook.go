// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notebook reads tagged Jupyter notebooks and turns their code
// cells into a pipeline graph.
//
// Reading is split from parsing: Read and Decode validate the document
// against a minimal nbformat v4 schema and expose cells, tags and the
// kubeflow_notebook metadata; Parser classifies cells by tag, merges them
// into steps and extracts pipeline parameters and metrics.
package notebook

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// MetadataKey is the notebook metadata entry holding pipeline settings.
const MetadataKey = "kubeflow_notebook"

// Cell types.
const (
	CellCode     = "code"
	CellMarkdown = "markdown"
	CellRaw      = "raw"
)

//go:embed schema.json
var notebookSchema string

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func schema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(notebookSchema))
	})
	return compiledSchema, schemaErr
}

// Source is cell source text. nbformat stores it either as one string or
// as a list of lines that keep their trailing newlines.
type Source []string

// UnmarshalJSON accepts both nbformat encodings.
func (s *Source) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err == nil {
		*s = Source{text}
		return nil
	}
	var lines []string
	if err := json.Unmarshal(b, &lines); err != nil {
		return fmt.Errorf("cell source: %w", err)
	}
	*s = lines
	return nil
}

// String joins the source lines.
func (s Source) String() string {
	return strings.Join(s, "")
}

// CellMetadata is the part of a cell's metadata the parser reads.
type CellMetadata struct {
	Tags []string `json:"tags,omitempty"`
}

// Cell is one notebook cell.
type Cell struct {
	CellType string       `json:"cell_type"`
	Source   Source       `json:"source"`
	Metadata CellMetadata `json:"metadata"`
}

// IsCode reports whether the cell holds code.
func (c Cell) IsCode() bool {
	return c.CellType == CellCode
}

// Notebook is a decoded notebook document.
type Notebook struct {
	Cells         []Cell         `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// Read loads and validates a notebook file.
func Read(path string) (*Notebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading notebook: %w", err)
	}
	nb, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return nb, nil
}

// Decode validates data against the notebook schema and decodes it.
//
// Outputs:
//   - *Notebook: The decoded document.
//   - error: Wraps ErrMalformedNotebook for invalid JSON or a schema
//     violation; the message lists every violation.
func Decode(data []byte) (*Notebook, error) {
	s, err := schema()
	if err != nil {
		return nil, fmt.Errorf("compiling notebook schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotebook, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedNotebook, strings.Join(msgs, "; "))
	}
	var nb Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotebook, err)
	}
	return &nb, nil
}

// PipelineMetadata returns a copy of the kubeflow_notebook metadata, or an
// empty map when the notebook has none.
func (nb *Notebook) PipelineMetadata() map[string]any {
	out := map[string]any{}
	raw, ok := nb.Metadata[MetadataKey].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		out[k] = v
	}
	return out
}
