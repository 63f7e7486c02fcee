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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/pkg/budget"
	"github.com/tombee/pipewright/pkg/pipeline"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d and fires immediately.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type fakeHandle struct {
	id   string
	done chan struct{}
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

type recordingStarter struct {
	mu      sync.Mutex
	handles []*fakeHandle
	params  []map[string]any
	err     error
}

func (r *recordingStarter) start(ctx context.Context, tmpl pipeline.Template, params map[string]any) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	h := &fakeHandle{id: tmpl.Name + "-" + string(rune('a'+len(r.handles))), done: make(chan struct{})}
	r.handles = append(r.handles, h)
	r.params = append(r.params, params)
	return h, nil
}

func (r *recordingStarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *recordingStarter) handle(i int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[i]
}

var digest = pipeline.Template{
	Name:   "digest",
	Stages: []pipeline.StageSpec{{Name: "summarize", Resource: "llm"}},
}

func newTestScheduler(t *testing.T, starter *recordingStarter, clock *fakeClock, ledger *budget.Ledger) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Schedules: []Schedule{{
			Name:     "hourly-digest",
			Cron:     "@hourly",
			Template: digest,
			Params:   map[string]any{"topic": "go"},
		}},
		Ledger: ledger,
		Logger: log.Discard(),
		Now:    clock.Now,
		After:  clock.After,
	}, starter.start)
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	start := (&recordingStarter{}).start

	_, err := New(Config{Schedules: []Schedule{{Name: "x", Cron: "bad"}}}, start)
	assert.ErrorContains(t, err, "invalid cron expression")

	_, err = New(Config{Schedules: []Schedule{{Name: "x", Cron: "@daily", Timezone: "Nowhere/City"}}}, start)
	assert.ErrorContains(t, err, "invalid timezone")

	_, err = New(Config{Schedules: []Schedule{{Name: "x", Cron: "@daily"}, {Name: "x", Cron: "@hourly"}}}, start)
	assert.ErrorContains(t, err, "duplicate schedule")

	_, err = New(Config{}, nil)
	assert.Error(t, err)
}

func TestScheduler_SingleInstance(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)}
	starter := &recordingStarter{}
	s := newTestScheduler(t, starter, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	// The first run never finishes, so later ticks are skipped.
	require.Eventually(t, func() bool {
		st := s.Status()[0]
		return st.RunCount == 1 && st.SkipCount >= 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, starter.count())
	assert.True(t, s.Status()[0].Active)

	close(starter.handle(0).done)
	require.Eventually(t, func() bool { return starter.count() >= 2 }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)

	starter.mu.Lock()
	params := starter.params[0]
	starter.mu.Unlock()
	assert.Equal(t, "go", params["topic"])
	assert.Equal(t, true, params["_scheduled"])
	assert.Equal(t, "hourly-digest", params["_schedule_name"])
}

func TestScheduler_Trigger(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)}
	starter := &recordingStarter{}
	s := newTestScheduler(t, starter, clock, nil)
	ctx := context.Background()

	h, err := s.Trigger(ctx, "hourly-digest")
	require.NoError(t, err)
	assert.Equal(t, "digest-a", h.ID())

	_, err = s.Trigger(ctx, "hourly-digest")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(starter.handle(0).done)
	_, err = s.Trigger(ctx, "hourly-digest")
	require.NoError(t, err)

	_, err = s.Trigger(ctx, "missing")
	assert.ErrorContains(t, err, "schedule not found")

	st := s.Status()[0]
	assert.Equal(t, int64(2), st.RunCount)
	assert.Equal(t, int64(1), st.SkipCount)
	assert.Equal(t, "digest-b", st.LastRunID)
	assert.Equal(t, time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC), st.NextRun)
}

func TestScheduler_StartErrorCounted(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)}
	starter := &recordingStarter{err: errors.New("invalid pipeline")}
	s := newTestScheduler(t, starter, clock, nil)

	_, err := s.Trigger(context.Background(), "hourly-digest")
	require.Error(t, err)
	st := s.Status()[0]
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.False(t, st.Active)

	// A failed start does not block the next one.
	_, err = s.Trigger(context.Background(), "hourly-digest")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, int64(2), s.Status()[0].ErrorCount)
}

func TestScheduler_ConcurrentTriggerStartsOnce(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var started int
	var mu sync.Mutex
	start := func(ctx context.Context, tmpl pipeline.Template, params map[string]any) (Handle, error) {
		mu.Lock()
		started++
		mu.Unlock()
		close(entered)
		<-release
		return &fakeHandle{id: "digest-a", done: make(chan struct{})}, nil
	}
	s, err := New(Config{
		Schedules: []Schedule{{Name: "hourly-digest", Cron: "@hourly", Template: digest}},
		Logger:    log.Discard(),
	}, start)
	require.NoError(t, err)

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Trigger(ctx, "hourly-digest")
		errCh <- err
	}()

	<-entered
	_, err = s.Trigger(ctx, "hourly-digest")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, started)
	st := s.Status()[0]
	assert.Equal(t, int64(1), st.RunCount)
	assert.Equal(t, int64(1), st.SkipCount)
	assert.True(t, st.Active)
}

func TestScheduler_RollsLedgerOver(t *testing.T) {
	jan := time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC)
	ledger, err := budget.NewLedger(budget.Config{
		Ceiling: budget.Dollar,
		Logger:  log.Discard(),
		Now:     func() time.Time { return jan },
	})
	require.NoError(t, err)
	r, err := ledger.Reserve(40 * budget.Cent)
	require.NoError(t, err)
	require.NoError(t, r.Commit(40*budget.Cent))

	clock := &fakeClock{now: jan.Add(2 * time.Hour)}
	s := newTestScheduler(t, &recordingStarter{}, clock, ledger)

	_, err = s.Trigger(context.Background(), "hourly-digest")
	require.NoError(t, err)

	snap := ledger.Snapshot()
	assert.Equal(t, budget.Amount(0), snap.Spent)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), snap.PeriodStart)
}
