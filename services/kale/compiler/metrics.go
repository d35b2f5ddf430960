// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compiler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("kale.compiler")

var (
	compileTotal    metric.Int64Counter
	compileDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		compileTotal, metricsErr = meter.Int64Counter(
			"kale_compile_total",
			metric.WithDescription("Compilations by source kind and error kind"),
		)
		if metricsErr != nil {
			return
		}
		compileDuration, metricsErr = meter.Float64Histogram(
			"kale_compile_duration_seconds",
			metric.WithDescription("Wall time of a compilation including the runner"),
			metric.WithUnit("s"),
		)
	})
	return metricsErr
}

// recordCompile counts one compilation. errKind is "" on success.
func recordCompile(duration time.Duration, source, errKind string) {
	if err := initMetrics(); err != nil {
		return
	}
	result := errKind
	if result == "" {
		result = "ok"
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	)
	compileTotal.Add(context.Background(), 1, attrs)
	compileDuration.Record(context.Background(), duration.Seconds(), attrs)
}
