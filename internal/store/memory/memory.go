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

// Package memory provides an in-memory run store.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tombee/pipewright/internal/store"
	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/pipeline"
)

var _ store.Store = (*Store)(nil)

// Store keeps runs in memory. Records are copied on the way in and out.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*pipeline.Run
	results map[string]map[string]pipeline.StageResult
}

// New creates an empty store.
func New() *Store {
	return &Store{
		runs:    make(map[string]*pipeline.Run),
		results: make(map[string]map[string]pipeline.StageResult),
	}
}

// SaveRun implements pipeline.Sink.
func (s *Store) SaveRun(ctx context.Context, run *pipeline.Run) error {
	c := run.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[c.ID] = c
	for _, res := range c.Results {
		s.resultsFor(c.ID)[res.Stage] = res
	}
	return nil
}

// SaveStageResult implements pipeline.Sink.
func (s *Store) SaveStageResult(ctx context.Context, runID string, result pipeline.StageResult) error {
	result.Output = result.Output.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resultsFor(runID)[result.Stage] = result
	return nil
}

func (s *Store) resultsFor(runID string) map[string]pipeline.StageResult {
	m, ok := s.results[runID]
	if !ok {
		m = make(map[string]pipeline.StageResult)
		s.results[runID] = m
	}
	return m
}

// GetRun implements store.RunReader.
func (s *Store) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, &pwerrors.NotFoundError{Resource: "run", ID: id}
	}
	c := run.Clone()

	// Results saved after the last SaveRun are appended in completion order.
	have := make(map[string]bool, len(c.Results))
	for _, res := range c.Results {
		have[res.Stage] = true
	}
	var extra []pipeline.StageResult
	for name, res := range s.results[id] {
		if !have[name] {
			res.Output = res.Output.Clone()
			extra = append(extra, res)
		}
	}
	slices.SortFunc(extra, func(a, b pipeline.StageResult) int {
		return cmp.Or(a.CompletedAt.Compare(b.CompletedAt), cmp.Compare(a.Stage, b.Stage))
	})
	c.Results = append(c.Results, extra...)
	return c, nil
}

// ListRuns implements store.RunReader.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*pipeline.Run
	for _, run := range s.runs {
		if filter.Pipeline != "" && run.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && run.StartedAt.Before(filter.Since) {
			continue
		}
		c := run.Clone()
		c.Results = nil
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *pipeline.Run) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MonthSpend implements store.SpendStore.
func (s *Store) MonthSpend(ctx context.Context, since time.Time) (budget.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total budget.Amount
	for _, results := range s.results {
		for _, res := range results {
			if !res.CompletedAt.Before(since) {
				total += res.Cost
			}
		}
	}
	return total, nil
}

// Close implements io.Closer.
func (s *Store) Close() error {
	return nil
}
