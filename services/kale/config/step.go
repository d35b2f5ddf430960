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
	"fmt"
	"strconv"
)

// StepConfig is the per-step configuration.
type StepConfig struct {
	Name             string            `json:"name" validate:"required,stepname"`
	Labels           map[string]string `json:"labels,omitempty" validate:"dive,keys,qualifiedname,endkeys,labelvalue"`
	Annotations      map[string]string `json:"annotations,omitempty" validate:"dive,keys,qualifiedname,endkeys"`
	Limits           map[string]string `json:"limits,omitempty" validate:"dive,keys,qualifiedname,endkeys,quantity"`
	RetryCount       int               `json:"retry_count" default:"0" validate:"min=0"`
	RetryInterval    string            `json:"retry_interval,omitempty" validate:"omitempty,duration"`
	RetryFactor      float64           `json:"retry_factor,omitempty" validate:"omitempty,gte=1"`
	RetryMaxInterval string            `json:"retry_max_interval,omitempty" validate:"omitempty,duration"`
	Timeout          int               `json:"timeout,omitempty" validate:"min=0"`
}

// Preprocess turns numeric limit values into quantity strings.
func (s *StepConfig) Preprocess(raw map[string]any) error {
	limits, ok := raw["limits"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(limits))
	for k, v := range limits {
		switch n := v.(type) {
		case float64:
			out[k] = strconv.FormatFloat(n, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(n)
		case int64:
			out[k] = strconv.FormatInt(n, 10)
		default:
			out[k] = v
		}
	}
	raw["limits"] = out
	return nil
}

// Validate checks the retry policy.
func (s *StepConfig) Validate() error {
	if s.RetryCount == 0 && (s.RetryInterval != "" || s.RetryFactor != 0 || s.RetryMaxInterval != "") {
		return fieldError("StepConfig", "retry_count", "retry options for step %q need retry_count > 0", s.Name)
	}
	return nil
}

// HasRetry reports whether the step declares a retry policy.
func (s *StepConfig) HasRetry() bool {
	return s.RetryCount > 0
}

// Merge applies defaults under the step's own values. Keys already set on
// the step win.
func (s *StepConfig) Merge(labels, annotations, limits map[string]string) {
	s.Labels = mergeUnder(s.Labels, labels)
	s.Annotations = mergeUnder(s.Annotations, annotations)
	s.Limits = mergeUnder(s.Limits, limits)
}

func mergeUnder(own, defaults map[string]string) map[string]string {
	if len(defaults) == 0 {
		return own
	}
	out := make(map[string]string, len(own)+len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range own {
		out[k] = v
	}
	return out
}

// NewStepConfig loads a StepConfig from raw keyword values.
func NewStepConfig(raw map[string]any, opts ...Option) (*StepConfig, error) {
	cfg := &StepConfig{}
	if err := Load(raw, cfg, opts...); err != nil {
		return nil, fmt.Errorf("step config: %w", err)
	}
	return cfg, nil
}
