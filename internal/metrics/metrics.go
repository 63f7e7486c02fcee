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

// Package metrics exposes engine events as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"io/fs"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/pipewright/internal/tracing"
	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/pipeline"
)

var (
	// stageResults counts finalized stages by status.
	stageResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_stage_results_total",
			Help: "Finalized stages by pipeline and status",
		},
		[]string{"pipeline", "status"},
	)

	// stageRetries counts retry decisions by resource and error kind.
	stageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_stage_retries_total",
			Help: "Stage retries by resource and error kind",
		},
		[]string{"resource", "kind"},
	)

	// costCommitted tracks dollars committed to the ledger per resource.
	costCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_cost_committed_dollars_total",
			Help: "Spend committed to the budget ledger by resource",
		},
		[]string{"resource"},
	)

	// runsCompleted counts terminal runs.
	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_runs_completed_total",
			Help: "Completed pipeline runs by pipeline and status",
		},
		[]string{"pipeline", "status"},
	)

	// rateLimitWait observes how long stages queued for a token.
	rateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipewright_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit token",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"resource", "outcome"},
	)

	// cacheLookups counts response cache hits and misses.
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)

	budgetSpent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipewright_budget_spent_dollars",
		Help: "Committed spend in the current budget period",
	})
	budgetReserved = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipewright_budget_reserved_dollars",
		Help: "Spend held by outstanding reservations",
	})
	budgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipewright_budget_remaining_dollars",
		Help: "Spend still available in the current budget period",
	})

	// persistenceErrors tracks sink failures by operation and error type.
	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_persistence_errors_total",
			Help: "Total number of persistence errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordPersistenceError increments the persistence error counter.
// operation is SaveRun or SaveStageResult.
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}

// ObserveBudget publishes a ledger snapshot.
func ObserveBudget(s budget.Snapshot) {
	budgetSpent.Set(s.Spent.Dollars())
	budgetReserved.Set(s.Reserved.Dollars())
	budgetRemaining.Set(s.Remaining.Dollars())
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder turns engine events into metrics.
type Recorder struct {
	ledger    *budget.Ledger
	collector *tracing.MetricsCollector
}

// NewRecorder creates a recorder. ledger and collector may be nil.
func NewRecorder(ledger *budget.Ledger, collector *tracing.MetricsCollector) *Recorder {
	return &Recorder{ledger: ledger, collector: collector}
}

// Attach registers the recorder on an event emitter.
func (r *Recorder) Attach(events *pipeline.EventEmitter) {
	events.OnAll(r.Handle)
}

// Handle implements pipeline.EventListener.
func (r *Recorder) Handle(ctx context.Context, ev *pipeline.Event) {
	switch ev.Type {
	case pipeline.EventRunStarted:
		if r.collector != nil {
			r.collector.RecordRunStart(ctx, ev.RunID)
		}

	case pipeline.EventRunCompleted:
		if ev.Run == nil {
			return
		}
		runsCompleted.WithLabelValues(ev.Pipeline, string(ev.Run.Status)).Inc()
		if r.collector != nil {
			r.collector.RecordRunComplete(ctx, ev.RunID, ev.Pipeline, string(ev.Run.Status),
				ev.Run.CompletedAt.Sub(ev.Run.StartedAt))
		}

	case pipeline.EventStageCompleted:
		if ev.Result == nil {
			return
		}
		stageResults.WithLabelValues(ev.Pipeline, string(ev.Result.Status)).Inc()
		if r.collector != nil {
			r.collector.RecordStageComplete(ctx, ev.Pipeline, ev.Stage, string(ev.Result.Status),
				ev.Result.CompletedAt.Sub(ev.Result.StartedAt))
		}

	case pipeline.EventStageRetry:
		stageRetries.WithLabelValues(ev.Resource, string(ev.Kind)).Inc()

	case pipeline.EventCostCommitted:
		costCommitted.WithLabelValues(ev.Resource).Add(ev.Cost.Dollars())
		if r.collector != nil {
			r.collector.RecordCost(ctx, ev.Resource, ev.Cost.Dollars())
		}
		if r.ledger != nil {
			ObserveBudget(r.ledger.Snapshot())
		}

	case pipeline.EventRateLimitWait:
		outcome := "granted"
		if ev.Err != nil {
			outcome = "timeout"
		}
		rateLimitWait.WithLabelValues(ev.Resource, outcome).Observe(ev.Waited.Seconds())

	case pipeline.EventCacheLookup:
		result := "miss"
		if ev.CacheHit {
			result = "hit"
		}
		cacheLookups.WithLabelValues(result).Inc()

	case pipeline.EventPersistenceError:
		operation := "SaveRun"
		if ev.Stage != "" {
			operation = "SaveStageResult"
		}
		RecordPersistenceError(operation, ErrorType(ev.Err))
	}
}

// ErrorType derives a low-cardinality label from err.
func ErrorType(err error) string {
	var classifier pwerrors.ErrorClassifier
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, fs.ErrPermission):
		return "permission_denied"
	case errors.Is(err, fs.ErrNotExist):
		return "not_found"
	case errors.As(err, &classifier):
		return classifier.ErrorType()
	default:
		return "unknown"
	}
}
