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

// Volume types.
const (
	VolumePV     = "pv"
	VolumePVC    = "pvc"
	VolumeNewPVC = "new_pvc"
	VolumeClone  = "clone"
)

// VolumeConfig describes a volume mounted into every step.
type VolumeConfig struct {
	Name         string            `json:"name" validate:"required,dns1123"`
	MountPoint   string            `json:"mount_point" validate:"required,startswith=/"`
	Type         string            `json:"type" validate:"required,oneof=pv pvc new_pvc clone"`
	Size         string            `json:"size,omitempty" validate:"omitempty,quantity"`
	Snapshot     bool              `json:"snapshot" default:"false"`
	SnapshotName string            `json:"snapshot_name,omitempty" validate:"omitempty,dns1123"`
	Annotations  map[string]string `json:"annotations,omitempty" validate:"dive,keys,qualifiedname,endkeys"`
}

// Preprocess flattens the [{key, value}] annotation list written by the
// notebook UI into a mapping and joins a numeric size with its size_type.
func (v *VolumeConfig) Preprocess(raw map[string]any) error {
	if list, ok := raw["annotations"].([]any); ok {
		flat := map[string]any{}
		for _, item := range list {
			pair, ok := item.(map[string]any)
			if !ok {
				return fieldError("VolumeConfig", "annotations", "expected a list of {key, value} objects")
			}
			key, _ := pair["key"].(string)
			if key == "" {
				continue
			}
			flat[key] = fmt.Sprint(pair["value"])
		}
		raw["annotations"] = flat
	}

	unit, _ := raw["size_type"].(string)
	delete(raw, "size_type")
	switch size := raw["size"].(type) {
	case float64:
		raw["size"] = strconv.FormatFloat(size, 'f', -1, 64) + unit
	case int:
		raw["size"] = strconv.Itoa(size) + unit
	case int64:
		raw["size"] = strconv.FormatInt(size, 10) + unit
	case string:
		if size != "" {
			raw["size"] = size + unit
		}
	}
	return nil
}

// Validate checks type-specific requirements.
func (v *VolumeConfig) Validate() error {
	if v.Type == VolumeNewPVC && v.Size == "" {
		return fieldError("VolumeConfig", "size", "required for volume %q of type %s", v.Name, v.Type)
	}
	if v.Snapshot && v.SnapshotName == "" {
		return fieldError("VolumeConfig", "snapshot_name", "required when snapshot is set on volume %q", v.Name)
	}
	return nil
}
