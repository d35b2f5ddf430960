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
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/AleutianAI/kale/services/kale/tags"
)

// configValidate is the validator instance for all config types.
// Initialized in init() with the custom tags below.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterTagNameFunc(jsonName)

	_ = configValidate.RegisterValidation("stepname", validateStepName)
	_ = configValidate.RegisterValidation("pipelinename", validatePipelineName)
	_ = configValidate.RegisterValidation("dns1123", validateDNS1123)
	_ = configValidate.RegisterValidation("qualifiedname", validateQualifiedName)
	_ = configValidate.RegisterValidation("labelvalue", validateLabelValue)
	_ = configValidate.RegisterValidation("quantity", validateQuantity)
	_ = configValidate.RegisterValidation("duration", validateDuration)
}

// jsonName returns the serialized name of a struct field, which is also
// the key accepted in raw config maps.
func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

func validateStepName(fl validator.FieldLevel) bool {
	return tags.StepNameRegexp.MatchString(fl.Field().String())
}

func validatePipelineName(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return tags.PipelineNameRegexp.MatchString(s) && len(validation.IsDNS1123Label(s)) == 0
}

func validateDNS1123(fl validator.FieldLevel) bool {
	return len(validation.IsDNS1123Subdomain(fl.Field().String())) == 0
}

func validateQualifiedName(fl validator.FieldLevel) bool {
	return len(validation.IsQualifiedName(fl.Field().String())) == 0
}

func validateLabelValue(fl validator.FieldLevel) bool {
	return len(validation.IsValidLabelValue(fl.Field().String())) == 0
}

func validateQuantity(fl validator.FieldLevel) bool {
	_, err := resource.ParseQuantity(fl.Field().String())
	return err == nil
}

func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}
