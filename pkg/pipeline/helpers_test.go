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

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/pkg/budget"
	"github.com/tombee/pipewright/pkg/cache"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/ratelimit"
	"github.com/tombee/pipewright/pkg/retry"
)

// fastRetry keeps retry sleeps in the millisecond range.
func fastRetry() *retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	p.Jitter = 0
	p.MaxHintDelay = 10 * time.Millisecond
	return &p
}

func newLedger(t *testing.T, ceiling budget.Amount) *budget.Ledger {
	t.Helper()
	l, err := budget.NewLedger(budget.Config{Ceiling: ceiling, Logger: log.Discard()})
	require.NoError(t, err)
	return l
}

type engine struct {
	ledger  *budget.Ledger
	cache   *spyCache
	events  *EventEmitter
	runner  *Runner
	orch    *Orchestrator
	sink    *recordingSink
	limiter *ratelimit.Registry
}

type engineOption func(*RunnerConfig, *OrchestratorConfig)

func withLimiter(r *ratelimit.Registry) engineOption {
	return func(rc *RunnerConfig, _ *OrchestratorConfig) { rc.Limiter = r }
}

func withSink(s Sink) engineOption {
	return func(_ *RunnerConfig, oc *OrchestratorConfig) { oc.Sink = s }
}

func newEngine(t *testing.T, ceiling budget.Amount, executors Executors, opts ...engineOption) *engine {
	t.Helper()
	e := &engine{
		ledger: newLedger(t, ceiling),
		cache:  &spyCache{inner: cache.NewMemoryCache(cache.MemoryConfig{})},
		events: NewEventEmitter(),
		sink:   &recordingSink{},
	}

	rc := RunnerConfig{
		Executors: executors,
		Ledger:    e.ledger,
		Cache:     e.cache,
		Retry:     fastRetry(),
		Events:    e.events,
		Logger:    log.Discard(),
	}
	oc := OrchestratorConfig{
		Sink:   e.sink,
		Events: e.events,
		Logger: log.Discard(),
	}
	for _, opt := range opts {
		opt(&rc, &oc)
	}
	e.limiter = rc.Limiter

	var err error
	e.runner, err = NewRunner(rc)
	require.NoError(t, err)
	oc.Runner = e.runner
	e.orch, err = NewOrchestrator(oc)
	require.NoError(t, err)
	return e
}

// fixed returns an executor that always succeeds with the given cost.
func fixed(cost budget.Amount, calls *atomic.Int32) Executor {
	return ExecutorFunc(func(_ context.Context, call Call) (Output, error) {
		if calls != nil {
			calls.Add(1)
		}
		return Output{
			Payload: Payload{ContentType: "text/plain", Data: []byte("out:" + call.Stage)},
			Cost:    cost,
		}, nil
	})
}

// flaky fails with a transient error until it has been called failures
// times, then succeeds.
func flaky(failures int32, cost budget.Amount, calls *atomic.Int32) Executor {
	return ExecutorFunc(func(_ context.Context, call Call) (Output, error) {
		if calls.Add(1) <= failures {
			return Output{}, &pwerrors.ExecutionError{
				Kind:       pwerrors.KindTransient,
				Resource:   call.Resource,
				StatusCode: 503,
				Message:    "upstream unavailable",
			}
		}
		return Output{Payload: Payload{Data: []byte("ok")}, Cost: cost}, nil
	})
}

func failing(kind pwerrors.ExecutionKind, calls *atomic.Int32) Executor {
	return ExecutorFunc(func(_ context.Context, call Call) (Output, error) {
		if calls != nil {
			calls.Add(1)
		}
		return Output{}, &pwerrors.ExecutionError{Kind: kind, Resource: call.Resource, Message: "boom"}
	})
}

// spyCache counts every cache operation.
type spyCache struct {
	inner cache.Cache
	gets  atomic.Int32
	puts  atomic.Int32
}

func (s *spyCache) Get(ctx context.Context, fp string) ([]byte, bool, error) {
	s.gets.Add(1)
	return s.inner.Get(ctx, fp)
}

func (s *spyCache) Put(ctx context.Context, fp string, payload []byte, ttl time.Duration) error {
	s.puts.Add(1)
	return s.inner.Put(ctx, fp, payload, ttl)
}

func (s *spyCache) Invalidate(ctx context.Context, fp string) error {
	return s.inner.Invalidate(ctx, fp)
}

// recordingSink keeps everything it is given.
type recordingSink struct {
	mu      sync.Mutex
	runs    []*Run
	results map[string][]StageResult
	err     error
}

func (s *recordingSink) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run.Clone())
	return s.err
}

func (s *recordingSink) SaveStageResult(_ context.Context, runID string, result StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[string][]StageResult)
	}
	s.results[runID] = append(s.results[runID], result)
	return s.err
}

func (s *recordingSink) stageResults(runID string) []StageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StageResult(nil), s.results[runID]...)
}

func (s *recordingSink) savedRuns() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Run(nil), s.runs...)
}
