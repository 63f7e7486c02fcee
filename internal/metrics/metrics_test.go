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

package metrics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/pipeline"
)

func TestRecordPersistenceError(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		errorType string
	}{
		{"SaveRun error", "SaveRun", "io_error"},
		{"SaveStageResult error", "SaveStageResult", "permission_denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := persistenceErrors.WithLabelValues(tt.operation, tt.errorType)
			initial := testutil.ToFloat64(counter)

			RecordPersistenceError(tt.operation, tt.errorType)

			if got := testutil.ToFloat64(counter); got != initial+1 {
				t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initial, got)
			}
		})
	}
}

func TestRecorder_Handle(t *testing.T) {
	ledger, err := budget.NewLedger(budget.Config{Ceiling: budget.Dollar})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ledger.Reserve(40 * budget.Cent)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Commit(25 * budget.Cent); err != nil {
		t.Fatal(err)
	}

	r := NewRecorder(ledger, nil)
	events := pipeline.NewEventEmitter()
	r.Attach(events)
	ctx := context.Background()

	stage := stageResults.WithLabelValues("metrics-test", "success")
	retries := stageRetries.WithLabelValues("metrics-serp", "transient")
	cost := costCommitted.WithLabelValues("metrics-llm")
	hits := cacheLookups.WithLabelValues("hit")
	runs := runsCompleted.WithLabelValues("metrics-test", "succeeded")
	saveStage := persistenceErrors.WithLabelValues("SaveStageResult", "unknown")

	before := map[string]float64{
		"stage":     testutil.ToFloat64(stage),
		"retries":   testutil.ToFloat64(retries),
		"cost":      testutil.ToFloat64(cost),
		"hits":      testutil.ToFloat64(hits),
		"runs":      testutil.ToFloat64(runs),
		"saveStage": testutil.ToFloat64(saveStage),
	}

	now := time.Now()
	events.Emit(ctx, &pipeline.Event{Type: pipeline.EventRunStarted, RunID: "r1", Pipeline: "metrics-test"})
	events.Emit(ctx, &pipeline.Event{
		Type: pipeline.EventStageCompleted, Pipeline: "metrics-test", Stage: "a",
		Result: &pipeline.StageResult{Stage: "a", Status: pipeline.StageSuccess, StartedAt: now, CompletedAt: now},
	})
	events.Emit(ctx, &pipeline.Event{Type: pipeline.EventStageRetry, Resource: "metrics-serp", Kind: pipeline.ErrorKindTransient})
	events.Emit(ctx, &pipeline.Event{Type: pipeline.EventCostCommitted, Resource: "metrics-llm", Cost: 25 * budget.Cent})
	events.Emit(ctx, &pipeline.Event{Type: pipeline.EventCacheLookup, CacheHit: true})
	events.Emit(ctx, &pipeline.Event{Type: pipeline.EventRateLimitWait, Resource: "metrics-serp", Waited: time.Millisecond})
	events.Emit(ctx, &pipeline.Event{Type: pipeline.EventPersistenceError, Stage: "a", Err: errors.New("disk")})
	events.Emit(ctx, &pipeline.Event{
		Type: pipeline.EventRunCompleted, RunID: "r1", Pipeline: "metrics-test",
		Run: &pipeline.Run{Status: pipeline.RunSucceeded, StartedAt: now, CompletedAt: now},
	})

	checks := []struct {
		name  string
		value float64
		delta float64
	}{
		{"stage", testutil.ToFloat64(stage), 1},
		{"retries", testutil.ToFloat64(retries), 1},
		{"cost", testutil.ToFloat64(cost), 0.25},
		{"hits", testutil.ToFloat64(hits), 1},
		{"runs", testutil.ToFloat64(runs), 1},
		{"saveStage", testutil.ToFloat64(saveStage), 1},
	}
	for _, c := range checks {
		if c.value != before[c.name]+c.delta {
			t.Errorf("%s: expected %f, got %f", c.name, before[c.name]+c.delta, c.value)
		}
	}

	if got := testutil.ToFloat64(budgetSpent); got != 0.25 {
		t.Errorf("budget spent gauge = %f, want 0.25", got)
	}
	if got := testutil.ToFloat64(budgetRemaining); got != 0.75 {
		t.Errorf("budget remaining gauge = %f, want 0.75", got)
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{context.Canceled, "context_canceled"},
		{fmt.Errorf("save: %w", context.DeadlineExceeded), "deadline_exceeded"},
		{fs.ErrPermission, "permission_denied"},
		{&pwerrors.TimeoutError{Operation: "save", Duration: time.Second}, "timeout"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := ErrorType(tt.err); got != tt.want {
			t.Errorf("ErrorType(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
