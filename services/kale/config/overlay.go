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
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// ReadOverlay reads a configuration overlay file into a raw map.
//
// Description:
//
//	.yaml, .yml and .json files are read with yaml.v3 (JSON is a YAML
//	subset). .hcl files must contain only top-level attributes; blocks are
//	rejected. Lists of objects are written as HCL tuple literals:
//
//	  pipeline_name = "train"
//	  volumes = [{ name = "data", mount_point = "/data", type = "pvc" }]
//
// Inputs:
//   - path: Overlay file.
//
// Outputs:
//   - map[string]any: Raw values ready for Merge and Load.
//   - error: I/O, parse or format error.
func ReadOverlay(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config overlay: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return parseYAML(data, path)
	case ".hcl":
		return parseHCL(data, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func parseYAML(data []byte, path string) (map[string]any, error) {
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return out, nil
}

func parseHCL(data []byte, path string) (map[string]any, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, diags.Error())
	}
	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, diags.Error())
	}
	out := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		value, diags := attr.Expr.Value(&hcl.EvalContext{})
		if diags.HasErrors() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, diags.Error())
		}
		goValue, err := fromCty(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: attribute %q: %v", ErrInvalidConfig, path, name, err)
		}
		out[name] = goValue
	}
	return out, nil
}

// fromCty converts an HCL value to the plain Go shapes produced by JSON
// decoding: string, bool, int64 or float64, []any and map[string]any.
func fromCty(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	t := v.Type()
	switch {
	case t.Equals(cty.String):
		return v.AsString(), nil
	case t.Equals(cty.Bool):
		return v.True(), nil
	case t.Equals(cty.Number):
		bf := v.AsBigFloat()
		if bf.IsInt() {
			i, _ := bf.Int64()
			return i, nil
		}
		f, _ := bf.Float64()
		return f, nil
	case t.IsListType() || t.IsTupleType() || t.IsSetType():
		out := []any{}
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			item, err := fromCty(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case t.IsMapType() || t.IsObjectType():
		out := map[string]any{}
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			item, err := fromCty(elem)
			if err != nil {
				return nil, err
			}
			out[key.AsString()] = item
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %s", t.FriendlyName())
}

// Merge returns base overlaid with each overlay in turn. Nested maps merge
// key by key; any other value, lists included, replaces the base value.
// Inputs are not modified.
func Merge(base map[string]any, overlays ...map[string]any) map[string]any {
	out := cloneMap(base)
	for _, overlay := range overlays {
		for k, v := range overlay {
			if sub, ok := v.(map[string]any); ok {
				if cur, ok := out[k].(map[string]any); ok {
					out[k] = Merge(cur, sub)
					continue
				}
			}
			out[k] = v
		}
	}
	return out
}
