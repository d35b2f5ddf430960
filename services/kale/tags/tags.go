// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tags implements the cell tag grammar and the name rules shared by
// every front end.
//
// A tag is a short structured string attached to a notebook cell:
//
//	imports | functions | pipeline-parameters | pipeline-metrics |
//	injected-parameters | skip |
//	block:<step> | prev:<step> | in:<var> | out:<var> |
//	limit:<resource>:<quantity> | annotation:<key>:<value> | label:<key>:<value>
//
// The notebook parser, the SDK front end and the config validators all use
// StepNameRegexp from this package so that every front end agrees on what a
// step name is.
package tags

import (
	"fmt"
	"regexp"
	"strings"
)

// Special bucket names.
const (
	Imports            = "imports"
	Functions          = "functions"
	PipelineParameters = "pipeline-parameters"
	PipelineMetrics    = "pipeline-metrics"
	InjectedParameters = "injected-parameters"
	Skip               = "skip"
)

// Prefixes of the step tags.
const (
	BlockPrefix = "block:"
	PrevPrefix  = "prev:"
)

var (
	// StepNameRegexp is the single definition of a valid step name.
	StepNameRegexp = regexp.MustCompile(`^[_a-z][_a-z0-9]*$`)

	// VariableNameRegexp matches a Python identifier.
	VariableNameRegexp = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

	// PipelineNameRegexp is the Kubernetes-compatible pipeline name rule.
	PipelineNameRegexp = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

	// MetricNameRegexp is the rule for exported pipeline metrics.
	MetricNameRegexp = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

	stepTagRegexp  = regexp.MustCompile(`^(block|prev):(.*)$`)
	hintTagRegexp  = regexp.MustCompile(`^(in|out):(.*)$`)
	pairTagRegexp  = regexp.MustCompile(`^(limit|annotation|label):([^:]+):(.+)$`)
	limitKeyRegexp = regexp.MustCompile(`^[_a-z\-./0-9]+$`)
)

// Kind classifies a parsed tag.
type Kind int

const (
	KindSpecial Kind = iota
	KindBlock
	KindPrev
	KindIn
	KindOut
	KindSkip
	KindLimit
	KindAnnotation
	KindLabel
)

// String returns the grammar keyword for the kind.
func (k Kind) String() string {
	switch k {
	case KindSpecial:
		return "special"
	case KindBlock:
		return "block"
	case KindPrev:
		return "prev"
	case KindIn:
		return "in"
	case KindOut:
		return "out"
	case KindSkip:
		return "skip"
	case KindLimit:
		return "limit"
	case KindAnnotation:
		return "annotation"
	case KindLabel:
		return "label"
	default:
		return "unknown"
	}
}

// Tag is a single parsed cell tag.
type Tag struct {
	Kind Kind
	// Value is the step name, variable name, special bucket name or, for
	// key/value tags, the value.
	Value string
	// Key is set for limit, annotation and label tags.
	Key string
	Raw string
}

// IsSpecialName reports whether name is one of the special bucket names.
func IsSpecialName(name string) bool {
	switch name {
	case Imports, Functions, PipelineParameters, PipelineMetrics, InjectedParameters:
		return true
	}
	return false
}

// IsGlobalName reports whether name selects the imports-and-functions bucket.
func IsGlobalName(name string) bool {
	return name == Imports || name == Functions
}

// Parse parses a single raw tag.
func Parse(raw string) (Tag, error) {
	tag := strings.TrimSpace(raw)
	if tag == Skip {
		return Tag{Kind: KindSkip, Value: Skip, Raw: raw}, nil
	}
	if IsSpecialName(tag) {
		return Tag{Kind: KindSpecial, Value: tag, Raw: raw}, nil
	}
	if m := stepTagRegexp.FindStringSubmatch(tag); m != nil {
		if !StepNameRegexp.MatchString(m[2]) {
			return Tag{}, newTagError(raw, fmt.Sprintf("step name %q must match %s", m[2], StepNameRegexp))
		}
		kind := KindBlock
		if m[1] == "prev" {
			kind = KindPrev
		}
		return Tag{Kind: kind, Value: m[2], Raw: raw}, nil
	}
	if m := hintTagRegexp.FindStringSubmatch(tag); m != nil {
		if !VariableNameRegexp.MatchString(m[2]) {
			return Tag{}, newTagError(raw, fmt.Sprintf("variable name %q is not an identifier", m[2]))
		}
		kind := KindIn
		if m[1] == "out" {
			kind = KindOut
		}
		return Tag{Kind: kind, Value: m[2], Raw: raw}, nil
	}
	if m := pairTagRegexp.FindStringSubmatch(tag); m != nil {
		switch m[1] {
		case "limit":
			if !limitKeyRegexp.MatchString(m[2]) {
				return Tag{}, newTagError(raw, fmt.Sprintf("invalid resource name %q", m[2]))
			}
			return Tag{Kind: KindLimit, Key: m[2], Value: m[3], Raw: raw}, nil
		case "annotation":
			return Tag{Kind: KindAnnotation, Key: m[2], Value: m[3], Raw: raw}, nil
		default:
			return Tag{Kind: KindLabel, Key: m[2], Value: m[3], Raw: raw}, nil
		}
	}
	return Tag{}, newTagError(raw, "unrecognized tag")
}

// CellTags is the classified tag set of one cell.
type CellTags struct {
	Skip        bool
	Special     []string
	Blocks      []string
	Prevs       []string
	Ins         []string
	Outs        []string
	Limits      map[string]string
	Annotations map[string]string
	Labels      map[string]string
}

// ParseAll parses every tag of a cell. The first malformed tag fails the
// whole cell.
func ParseAll(raw []string) (*CellTags, error) {
	ct := &CellTags{
		Limits:      map[string]string{},
		Annotations: map[string]string{},
		Labels:      map[string]string{},
	}
	for _, r := range raw {
		t, err := Parse(r)
		if err != nil {
			return nil, err
		}
		switch t.Kind {
		case KindSkip:
			ct.Skip = true
		case KindSpecial:
			ct.Special = appendUnique(ct.Special, t.Value)
		case KindBlock:
			ct.Blocks = appendUnique(ct.Blocks, t.Value)
		case KindPrev:
			ct.Prevs = appendUnique(ct.Prevs, t.Value)
		case KindIn:
			ct.Ins = appendUnique(ct.Ins, t.Value)
		case KindOut:
			ct.Outs = appendUnique(ct.Outs, t.Value)
		case KindLimit:
			ct.Limits[t.Key] = t.Value
		case KindAnnotation:
			ct.Annotations[t.Key] = t.Value
		case KindLabel:
			ct.Labels[t.Key] = t.Value
		}
	}
	return ct, nil
}

// Has reports whether the cell carries the given special tag.
func (c *CellTags) Has(special string) bool {
	for _, s := range c.Special {
		if s == special {
			return true
		}
	}
	return false
}

// IsGlobal reports whether the cell belongs to the imports-and-functions
// bucket.
func (c *CellTags) IsGlobal() bool {
	for _, s := range c.Special {
		if IsGlobalName(s) {
			return true
		}
	}
	return false
}

// Classified reports whether the cell names its own bucket, as opposed to
// extending the previous one.
func (c *CellTags) Classified() bool {
	return len(c.Special) > 0 || len(c.Blocks) > 0
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
