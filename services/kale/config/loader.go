// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config implements the typed configuration model of the compiler.
//
// A config type is a plain struct. Field behaviour is declared with tags:
//
//	json:"name"       serialized name, also the accepted raw key
//	default:"value"   substituted when the key is missing or null
//	validate:"..."    go-playground/validator rules, plus the custom tags
//	                  stepname, pipelinename, dns1123, qualifiedname,
//	                  labelvalue, quantity and duration
//
// Load runs, in order: the Preprocess hook on the raw map, unknown-key
// rejection, default substitution, type-checked decoding of nested configs
// and lists of configs, field validators, the Validate hook and the
// Postprocess hook. Hooks run on nested configs before their parent.
package config

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

// Preprocessor rewrites the raw map before decoding. It is called on a zero
// value of the config type and must only touch raw.
type Preprocessor interface {
	Preprocess(raw map[string]any) error
}

// Validator checks cross-field invariants after decoding.
type Validator interface {
	Validate() error
}

// Postprocessor derives values after validation.
type Postprocessor interface {
	Postprocess() error
}

type randomSourceSetter interface {
	setRandomSource(r io.Reader)
}

type loadOptions struct {
	logger *slog.Logger
	random io.Reader
}

// Option configures Load.
type Option func(*loadOptions)

// WithLogger sets the logger used for configuration warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *loadOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRandomSource sets the randomness used by post-processing, e.g. the
// pipeline name suffix. Tests pass a fixed reader for reproducible output.
func WithRandomSource(r io.Reader) Option {
	return func(o *loadOptions) {
		if r != nil {
			o.random = r
		}
	}
}

// Load builds the config pointed to by out from raw.
//
// Description:
//
//	raw is not modified. Every failure wraps ErrInvalidConfig; decoding and
//	validator failures are reported as *FieldError with the config type
//	and the serialized field path.
//
// Inputs:
//   - raw: Untyped key/value configuration, e.g. from JSON or YAML.
//   - out: Non-nil pointer to a config struct.
//   - opts: Logger and randomness overrides.
//
// Outputs:
//   - error: Nil on success.
func Load(raw map[string]any, out any, opts ...Option) error {
	o := loadOptions{logger: slog.Default(), random: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: Load needs a non-nil struct pointer, got %T", ErrInvalidConfig, out)
	}
	name := rv.Elem().Type().Name()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		Result:      out,
		DecodeHook:  prepareHook(o.logger),
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := decoder.Decode(cloneMap(raw)); err != nil {
		return decodeError(name, err)
	}

	if err := configValidate.Struct(out); err != nil {
		return validationError(name, err)
	}

	if err := walkHooks(rv, func(cfg any) error {
		if v, ok := cfg.(Validator); ok {
			return v.Validate()
		}
		return nil
	}); err != nil {
		return hookError(name, err)
	}

	return walkHooks(rv, func(cfg any) error {
		if s, ok := cfg.(randomSourceSetter); ok {
			s.setRandomSource(o.random)
		}
		if p, ok := cfg.(Postprocessor); ok {
			if err := p.Postprocess(); err != nil {
				return hookError(name, err)
			}
		}
		return nil
	})
}

// prepareHook runs Preprocess and default substitution on every raw map
// that is about to be decoded into a struct.
func prepareHook(logger *slog.Logger) mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		st := to
		for st.Kind() == reflect.Pointer {
			st = st.Elem()
		}
		if st.Kind() != reflect.Struct {
			return data, nil
		}
		m, ok := data.(map[string]any)
		if !ok {
			return data, nil
		}
		m = cloneMap(m)
		if p, ok := reflect.New(st).Interface().(Preprocessor); ok {
			if err := p.Preprocess(m); err != nil {
				return nil, hookError(st.Name(), err)
			}
		}
		if err := applyDefaults(st, m, logger); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func applyDefaults(st reflect.Type, m map[string]any, logger *slog.Logger) error {
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		def, ok := f.Tag.Lookup("default")
		if !ok {
			continue
		}
		key := jsonName(f)
		if key == "" {
			continue
		}
		if hasRule(f.Tag.Get("validate"), "required") {
			logger.Warn("config field is required but also has a default",
				slog.String("config", st.Name()),
				slog.String("field", key))
		}
		if v, present := m[key]; present && v != nil {
			continue
		}
		value, err := parseDefault(f.Type, def)
		if err != nil {
			return fieldError(st.Name(), key, "bad default %q: %v", def, err)
		}
		m[key] = value
	}
	return nil
}

func hasRule(tag, rule string) bool {
	for _, r := range strings.Split(tag, ",") {
		if r == rule {
			return true
		}
	}
	return false
}

func parseDefault(t reflect.Type, def string) (any, error) {
	switch t.Kind() {
	case reflect.String:
		return def, nil
	case reflect.Bool:
		return strconv.ParseBool(def)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.ParseInt(def, 10, 64)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.ParseUint(def, 10, 64)
	case reflect.Float32, reflect.Float64:
		return strconv.ParseFloat(def, 64)
	case reflect.Slice:
		if t.Elem().Kind() == reflect.String {
			if def == "" {
				return []any{}, nil
			}
			var out []any
			for _, s := range strings.Split(def, ",") {
				out = append(out, strings.TrimSpace(s))
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("defaults are not supported for %s", t)
}

// walkHooks calls fn on every addressable config struct reachable from v,
// children before parents.
func walkHooks(v reflect.Value, fn func(any) error) error {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return walkHooks(v.Elem(), fn)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := walkHooks(v.Field(i), fn); err != nil {
				return err
			}
		}
		if v.CanAddr() {
			return fn(v.Addr().Interface())
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			if err := walkHooks(v.Index(i), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeError(config string, err error) error {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe
	}
	field := ""
	var de *mapstructure.DecodeError
	if errors.As(err, &de) {
		field = de.Name()
		err = de.Unwrap()
	}
	return &FieldError{Config: config, Field: field, Reason: err.Error()}
}

func validationError(config string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, config, err)
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	reason := fmt.Sprintf("failed %q validation", fe.Tag())
	if fe.Param() != "" {
		reason = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
	}
	if fe.Tag() == "required" {
		reason = "missing required field"
	}
	return &FieldError{Config: config, Field: field, Reason: reason}
}

func hookError(config string, err error) error {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, ErrInvalidConfig) {
		return err
	}
	return &FieldError{Config: config, Reason: err.Error()}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ToMap converts a config to its serialized form. Fields are keyed by their
// json names; null and empty optional values are omitted.
func ToMap(cfg any) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	dropNulls(out)
	return out, nil
}

func dropNulls(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			delete(m, k)
		case map[string]any:
			dropNulls(val)
		case []any:
			for _, item := range val {
				if sub, ok := item.(map[string]any); ok {
					dropNulls(sub)
				}
			}
		}
	}
}
