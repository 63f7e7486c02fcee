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

// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pipewright/internal/store"
	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/pipeline"
)

// Run exercises s against the store.Store contract. Each subtest gets a
// fresh store from newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("lifecycle", func(t *testing.T) { testLifecycle(t, newStore(t)) })
	t.Run("not found", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("list", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("month spend", func(t *testing.T) { testMonthSpend(t, newStore(t)) })
}

var base = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func result(stage string, status pipeline.StageStatus, cost budget.Amount, at time.Time) pipeline.StageResult {
	return pipeline.StageResult{
		Stage:       stage,
		Status:      status,
		Attempts:    1,
		Cost:        cost,
		StartedAt:   at.Add(-time.Second),
		CompletedAt: at,
	}
}

func testLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	run := &pipeline.Run{
		ID:        "run-1",
		Pipeline:  "seo",
		Params:    map[string]any{"region": "uk"},
		Status:    pipeline.RunRunning,
		StartedAt: base,
	}
	require.NoError(t, s.SaveRun(ctx, run))

	// Completion order differs from declaration order.
	b := result("b", pipeline.StageFailed, 3*budget.Cent, base.Add(time.Minute))
	b.ErrorKind = pipeline.ErrorKindPermanent
	b.Error = "bad request"
	a := result("a", pipeline.StageSuccess, 10*budget.Cent, base.Add(2*time.Minute))
	a.Output = pipeline.Payload{ContentType: "application/json", Data: []byte(`{"ok":true}`)}
	require.NoError(t, s.SaveStageResult(ctx, run.ID, b))
	require.NoError(t, s.SaveStageResult(ctx, run.ID, a))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunRunning, got.Status)
	assert.Equal(t, "uk", got.Params["region"])
	require.Len(t, got.Results, 2)
	assert.Equal(t, "b", got.Results[0].Stage, "unpositioned results follow completion order")

	run.Status = pipeline.RunPartiallyFailed
	run.CompletedAt = base.Add(3 * time.Minute)
	run.Results = []pipeline.StageResult{a, b}
	run.TotalCost = 13 * budget.Cent
	require.NoError(t, s.SaveRun(ctx, run))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunPartiallyFailed, got.Status)
	assert.Equal(t, 13*budget.Cent, got.TotalCost)
	assert.True(t, got.StartedAt.Equal(base))
	assert.True(t, got.CompletedAt.Equal(run.CompletedAt))
	require.Len(t, got.Results, 2)
	assert.Equal(t, "a", got.Results[0].Stage, "SaveRun fixes declaration order")
	assert.Equal(t, "application/json", got.Results[0].Output.ContentType)
	assert.Equal(t, `{"ok":true}`, string(got.Results[0].Output.Data))
	assert.Equal(t, pipeline.ErrorKindPermanent, got.Results[1].ErrorKind)
	assert.Equal(t, "bad request", got.Results[1].Error)
	assert.Equal(t, 3*budget.Cent, got.Results[1].Cost)
	assert.True(t, got.Results[1].CompletedAt.Equal(b.CompletedAt))
}

func testNotFound(t *testing.T, s store.Store) {
	defer s.Close()
	_, err := s.GetRun(context.Background(), "missing")
	var nf *pwerrors.NotFoundError
	require.True(t, errors.As(err, &nf), "got %v", err)
	assert.Equal(t, "run", nf.Resource)
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	for i := range 4 {
		pipe := "seo"
		status := pipeline.RunSucceeded
		if i%2 == 1 {
			pipe = "digest"
			status = pipeline.RunFailed
		}
		require.NoError(t, s.SaveRun(ctx, &pipeline.Run{
			ID:        fmt.Sprintf("run-%d", i),
			Pipeline:  pipe,
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := s.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "run-3", all[0].ID, "newest first")

	seo, err := s.ListRuns(ctx, store.RunFilter{Pipeline: "seo"})
	require.NoError(t, err)
	require.Len(t, seo, 2)
	assert.Equal(t, "run-2", seo[0].ID)

	failed, err := s.ListRuns(ctx, store.RunFilter{Status: pipeline.RunFailed, Limit: 1})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "run-3", failed[0].ID)

	recent, err := s.ListRuns(ctx, store.RunFilter{Since: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func testMonthSpend(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	march := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveRun(ctx, &pipeline.Run{ID: "r", Pipeline: "p", Status: pipeline.RunRunning, StartedAt: march}))
	require.NoError(t, s.SaveStageResult(ctx, "r", result("feb", pipeline.StageSuccess, 50*budget.Cent, march.Add(-time.Hour))))
	require.NoError(t, s.SaveStageResult(ctx, "r", result("mar1", pipeline.StageSuccess, 20*budget.Cent, march)))
	require.NoError(t, s.SaveStageResult(ctx, "r", result("mar2", pipeline.StageFailed, 5*budget.Cent, march.Add(48*time.Hour))))
	require.NoError(t, s.SaveStageResult(ctx, "r", result("cached", pipeline.StageCached, 0, march.Add(49*time.Hour))))

	spent, err := s.MonthSpend(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 25*budget.Cent, spent)
}
