// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pyast

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("kale.pyast")

var (
	parseLatency metric.Float64Histogram
	parseTotal   metric.Int64Counter
	memoLookups  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		parseLatency, err = meter.Float64Histogram(
			"kale_pyast_parse_duration_seconds",
			metric.WithDescription("Duration of Python parses"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		parseTotal, err = meter.Int64Counter(
			"kale_pyast_parse_total",
			metric.WithDescription("Total number of Python parses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		memoLookups, err = meter.Int64Counter(
			"kale_pyast_candidate_memo_lookups_total",
			metric.WithDescription("Marshal candidate memo lookups, by hit"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordParse(duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	parseLatency.Record(context.Background(), duration.Seconds(), attrs)
	parseTotal.Add(context.Background(), 1, attrs)
}

func recordMemoLookup(hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	memoLookups.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}
