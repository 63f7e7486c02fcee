// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector records run and stage metrics through an OpenTelemetry
// meter. With the Prometheus reader installed by Setup they are scraped from
// the default registry.
type MetricsCollector struct {
	runsTotal     metric.Int64Counter
	stagesTotal   metric.Int64Counter
	costTotal     metric.Float64Counter
	runDuration   metric.Float64Histogram
	stageDuration metric.Float64Histogram

	mu         sync.RWMutex
	activeRuns map[string]struct{}
}

// NewMetricsCollector creates a collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter(InstrumentationName)
	mc := &MetricsCollector{activeRuns: make(map[string]struct{})}

	var err error
	mc.runsTotal, err = meter.Int64Counter(
		"pipewright_runs_total",
		metric.WithDescription("Total number of pipeline runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stagesTotal, err = meter.Int64Counter(
		"pipewright_stages_total",
		metric.WithDescription("Total number of finalized stages"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return nil, err
	}

	mc.costTotal, err = meter.Float64Counter(
		"pipewright_cost_usd",
		metric.WithDescription("Total cost committed to the budget ledger (USD)"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"pipewright_run_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stageDuration, err = meter.Float64Histogram(
		"pipewright_stage_duration_seconds",
		metric.WithDescription("Stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"pipewright_active_runs",
		metric.WithDescription("Number of currently active pipeline runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(mc.ActiveRuns()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart marks a run active.
func (mc *MetricsCollector) RecordRunStart(_ context.Context, runID string) {
	mc.mu.Lock()
	mc.activeRuns[runID] = struct{}{}
	mc.mu.Unlock()
}

// RecordRunComplete records the completion of a pipeline run.
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, runID, pipeline, status string, duration time.Duration) {
	mc.mu.Lock()
	delete(mc.activeRuns, runID)
	mc.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("status", status),
	)
	mc.runsTotal.Add(ctx, 1, attrs)
	mc.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStageComplete records a finalized stage.
func (mc *MetricsCollector) RecordStageComplete(ctx context.Context, pipeline, stage, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("stage", stage),
		attribute.String("status", status),
	)
	mc.stagesTotal.Add(ctx, 1, attrs)
	mc.stageDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCost adds committed spend for a resource.
func (mc *MetricsCollector) RecordCost(ctx context.Context, resource string, usd float64) {
	if usd <= 0 {
		return
	}
	mc.costTotal.Add(ctx, usd, metric.WithAttributes(attribute.String("resource", resource)))
}

// ActiveRuns returns the number of runs started but not completed.
func (mc *MetricsCollector) ActiveRuns() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.activeRuns)
}
