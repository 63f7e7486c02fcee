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

// Package scheduler starts pipeline runs on cron schedules.
//
// Each schedule runs at most one instance at a time: a tick that fires while
// the previous run of the same schedule is still active is skipped. Every
// tick also rolls the budget ledger over into the current month.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/pkg/budget"
	"github.com/tombee/pipewright/pkg/pipeline"
)

// ErrAlreadyRunning is returned by Trigger while the schedule's previous run
// is still active.
var ErrAlreadyRunning = errors.New("previous run still active")

// Handle is a started run.
type Handle interface {
	ID() string
	Done() <-chan struct{}
}

// StartFunc starts a run of tmpl.
type StartFunc func(ctx context.Context, tmpl pipeline.Template, params map[string]any) (Handle, error)

// FromOrchestrator adapts an orchestrator to a StartFunc.
func FromOrchestrator(o *pipeline.Orchestrator) StartFunc {
	return func(ctx context.Context, tmpl pipeline.Template, params map[string]any) (Handle, error) {
		h, err := o.Start(ctx, tmpl, params)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Schedule defines a scheduled pipeline run.
type Schedule struct {
	// Name is the unique identifier for this schedule.
	Name string

	// Cron is the cron expression (standard 5-field format or @macro).
	Cron string

	// Template is the pipeline to run.
	Template pipeline.Template

	// Params are passed to every run.
	Params map[string]any

	// Timezone for cron evaluation (defaults to UTC).
	Timezone string
}

// Config contains scheduler configuration.
type Config struct {
	Schedules []Schedule

	// Ledger, when set, is rolled over on every tick.
	Ledger *budget.Ledger

	Logger *slog.Logger

	// Now and After override the clock (tests).
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// Scheduler fires schedules and tracks their active runs.
type Scheduler struct {
	start  StartFunc
	ledger *budget.Ledger
	logger *slog.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sched  Schedule
	expr   *CronExpr
	loc    *time.Location
	active Handle
	// starting is set while start is in flight so a concurrent fire skips.
	starting bool

	nextRun    time.Time
	lastRun    time.Time
	lastRunID  string
	runCount   int64
	skipCount  int64
	errorCount int64
}

// New creates a scheduler. Every schedule's cron expression and timezone
// are validated up front.
func New(cfg Config, start StartFunc) (*Scheduler, error) {
	if start == nil {
		return nil, errors.New("scheduler: start function is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		start:   start,
		ledger:  cfg.Ledger,
		logger:  log.WithComponent(logger, "scheduler"),
		now:     cfg.Now,
		after:   cfg.After,
		entries: make(map[string]*entry, len(cfg.Schedules)),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.after == nil {
		s.after = time.After
	}

	for _, sched := range cfg.Schedules {
		if _, dup := s.entries[sched.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %s", sched.Name)
		}
		expr, err := ParseCron(sched.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %s: invalid cron expression: %w", sched.Name, err)
		}
		loc := time.UTC
		if sched.Timezone != "" {
			loc, err = time.LoadLocation(sched.Timezone)
			if err != nil {
				return nil, fmt.Errorf("invalid schedule %s: invalid timezone: %w", sched.Name, err)
			}
		}
		sched.Params = maps.Clone(sched.Params)
		s.entries[sched.Name] = &entry{sched: sched, expr: expr, loc: loc}
	}
	return s, nil
}

// Run fires schedules until ctx is cancelled. Runs it started are cancelled
// with ctx; their in-flight calls still finish.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range s.names() {
		g.Go(func() error {
			return s.loop(ctx, name)
		})
	}
	s.logger.Info("scheduler started", slog.Int("schedules", len(s.entries)))
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, name string) error {
	for {
		s.mu.Lock()
		e := s.entries[name]
		next := e.expr.Next(s.now().In(e.loc))
		e.nextRun = next
		s.mu.Unlock()

		if next.IsZero() {
			s.logger.Warn("schedule never fires", slog.String("schedule", name))
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(next.Sub(s.now())):
		}

		// Start failures are counted in Status; the schedule keeps going.
		s.fire(ctx, name)
	}
}

// Trigger fires a schedule immediately, subject to the single-instance rule.
func (s *Scheduler) Trigger(ctx context.Context, name string) (Handle, error) {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("schedule not found: %s", name)
	}
	return s.fire(ctx, name)
}

func (s *Scheduler) fire(ctx context.Context, name string) (Handle, error) {
	now := s.now()
	if s.ledger != nil {
		s.ledger.Rollover(now)
	}

	s.mu.Lock()
	e := s.entries[name]
	schedLogger := s.logger.With(slog.String("schedule", name), slog.String(log.PipelineKey, e.sched.Template.Name))
	if e.starting {
		e.skipCount++
		s.mu.Unlock()
		schedLogger.Info("skipping tick, previous run still starting")
		return nil, ErrAlreadyRunning
	}
	if e.active != nil {
		select {
		case <-e.active.Done():
			e.active = nil
		default:
			e.skipCount++
			active := e.active.ID()
			s.mu.Unlock()
			schedLogger.Info("skipping tick, previous run still active", slog.String(log.RunIDKey, active))
			return nil, ErrAlreadyRunning
		}
	}
	e.starting = true
	s.mu.Unlock()

	params := maps.Clone(e.sched.Params)
	if params == nil {
		params = make(map[string]any)
	}
	params["_scheduled"] = true
	params["_schedule_name"] = name

	h, err := s.start(ctx, e.sched.Template, params)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.starting = false
	e.lastRun = now
	if err != nil {
		e.errorCount++
		schedLogger.Error("failed to start scheduled run", log.Error(err))
		return nil, err
	}
	e.active = h
	e.runCount++
	e.lastRunID = h.ID()
	schedLogger.Info("started scheduled run", slog.String(log.RunIDKey, h.ID()))
	return h, nil
}

func (s *Scheduler) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.entries))
}

// ScheduleStatus contains status information for a schedule.
type ScheduleStatus struct {
	Name       string    `json:"name"`
	Cron       string    `json:"cron"`
	Pipeline   string    `json:"pipeline"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastRunID  string    `json:"last_run_id,omitempty"`
	Active     bool      `json:"active"`
	RunCount   int64     `json:"run_count"`
	SkipCount  int64     `json:"skip_count"`
	ErrorCount int64     `json:"error_count"`
}

// Status returns every schedule sorted by name.
func (s *Scheduler) Status() []ScheduleStatus {
	names := s.names()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduleStatus, 0, len(names))
	for _, name := range names {
		e := s.entries[name]
		next := e.nextRun
		if next.IsZero() {
			next = e.expr.Next(s.now().In(e.loc))
		}
		active := false
		if e.active != nil {
			select {
			case <-e.active.Done():
			default:
				active = true
			}
		}
		out = append(out, ScheduleStatus{
			Name:       name,
			Cron:       e.sched.Cron,
			Pipeline:   e.sched.Template.Name,
			NextRun:    next,
			LastRun:    e.lastRun,
			LastRunID:  e.lastRunID,
			Active:     active,
			RunCount:   e.runCount,
			SkipCount:  e.skipCount,
			ErrorCount: e.errorCount,
		})
	}
	return out
}
