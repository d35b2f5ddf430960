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

// KatibConfig describes a hyperparameter tuning experiment.
type KatibConfig struct {
	Parameters          []KatibParameter `json:"parameters" validate:"required,min=1,dive"`
	Objective           KatibObjective   `json:"objective"`
	Algorithm           KatibAlgorithm   `json:"algorithm"`
	MaxTrialCount       int              `json:"maxTrialCount" default:"12" validate:"min=1"`
	MaxFailedTrialCount int              `json:"maxFailedTrialCount" default:"3" validate:"min=0"`
	ParallelTrialCount  int              `json:"parallelTrialCount" default:"3" validate:"min=1"`
}

// Validate checks trial counts.
func (k *KatibConfig) Validate() error {
	if k.ParallelTrialCount > k.MaxTrialCount {
		return fieldError("KatibConfig", "parallelTrialCount", "%d exceeds maxTrialCount %d", k.ParallelTrialCount, k.MaxTrialCount)
	}
	seen := map[string]bool{}
	for _, p := range k.Parameters {
		if seen[p.Name] {
			return fieldError("KatibConfig", "parameters", "duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Katib parameter types.
const (
	ParameterInt         = "int"
	ParameterDouble      = "double"
	ParameterCategorical = "categorical"
	ParameterDiscrete    = "discrete"
)

// KatibParameter is one tuned hyperparameter.
type KatibParameter struct {
	Name          string        `json:"name" validate:"required"`
	ParameterType string        `json:"parameterType" validate:"required,oneof=int double categorical discrete"`
	FeasibleSpace FeasibleSpace `json:"feasibleSpace"`
}

// Validate checks that the feasible space matches the parameter type.
func (p *KatibParameter) Validate() error {
	fs := p.FeasibleSpace
	switch p.ParameterType {
	case ParameterInt, ParameterDouble:
		if fs.Min == "" || fs.Max == "" {
			return fieldError("KatibParameter", "feasibleSpace", "%s parameter %q needs min and max", p.ParameterType, p.Name)
		}
		lo, errLo := strconv.ParseFloat(fs.Min, 64)
		hi, errHi := strconv.ParseFloat(fs.Max, 64)
		if errLo != nil || errHi != nil {
			return fieldError("KatibParameter", "feasibleSpace", "parameter %q has non-numeric bounds", p.Name)
		}
		if lo > hi {
			return fieldError("KatibParameter", "feasibleSpace", "parameter %q has min > max", p.Name)
		}
	case ParameterCategorical, ParameterDiscrete:
		if len(fs.List) == 0 {
			return fieldError("KatibParameter", "feasibleSpace", "%s parameter %q needs a list", p.ParameterType, p.Name)
		}
	}
	return nil
}

// FeasibleSpace bounds a parameter. Katib carries every value as a string.
type FeasibleSpace struct {
	Min  string   `json:"min,omitempty"`
	Max  string   `json:"max,omitempty"`
	Step string   `json:"step,omitempty"`
	List []string `json:"list,omitempty"`
}

// Preprocess stringifies numeric bounds and list items.
func (f *FeasibleSpace) Preprocess(raw map[string]any) error {
	for _, key := range []string{"min", "max", "step"} {
		if v, ok := raw[key]; ok && v != nil {
			raw[key] = stringify(v)
		}
	}
	if list, ok := raw["list"].([]any); ok {
		out := make([]any, len(list))
		for i, v := range list {
			out[i] = stringify(v)
		}
		raw["list"] = out
	}
	return nil
}

func stringify(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// KatibObjective is the optimization goal.
type KatibObjective struct {
	Type                  string   `json:"type" validate:"required,oneof=minimize maximize"`
	ObjectiveMetricName   string   `json:"objectiveMetricName" validate:"required"`
	Goal                  *float64 `json:"goal,omitempty"`
	AdditionalMetricNames []string `json:"additionalMetricNames,omitempty"`
}

// KatibAlgorithm selects the search algorithm.
type KatibAlgorithm struct {
	AlgorithmName     string             `json:"algorithmName" validate:"required"`
	AlgorithmSettings []AlgorithmSetting `json:"algorithmSettings,omitempty" validate:"dive"`
}

// AlgorithmSetting is one algorithm tuning knob.
type AlgorithmSetting struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

// Preprocess stringifies numeric setting values.
func (s *AlgorithmSetting) Preprocess(raw map[string]any) error {
	if v, ok := raw["value"]; ok && v != nil {
		raw["value"] = stringify(v)
	}
	return nil
}
