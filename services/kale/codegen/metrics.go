// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codegen

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("kale.codegen")

var (
	generateLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		generateLatency, metricsErr = meter.Float64Histogram(
			"kale_codegen_generate_duration_seconds",
			metric.WithDescription("Duration of script rendering including formatting"),
			metric.WithUnit("s"),
		)
	})
	return metricsErr
}

func recordGenerate(duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	generateLatency.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(attribute.Bool("success", success)))
}
