// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for the config package.
var (
	// ErrInvalidConfig is wrapped by every configuration failure.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupportedFormat is returned for overlay files of unknown type.
	ErrUnsupportedFormat = errors.New("unsupported config file format")
)

// FieldError reports a configuration failure on one field.
type FieldError struct {
	// Config is the name of the config type, e.g. "PipelineConfig".
	Config string
	// Field is the serialized field path, empty for whole-config failures.
	Field  string
	Reason string
}

// Error returns the error message.
func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Config, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", e.Config, e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig.
func (e *FieldError) Unwrap() error {
	return ErrInvalidConfig
}

func fieldError(config, field, format string, args ...any) *FieldError {
	return &FieldError{Config: config, Field: field, Reason: fmt.Sprintf(format, args...)}
}
