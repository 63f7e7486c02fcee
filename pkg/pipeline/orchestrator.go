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
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/internal/tracing"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

// DefaultMaxConcurrency is the stage concurrency cap when a template sets none.
const DefaultMaxConcurrency = 3

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	// Runner executes individual stages. Required.
	Runner *Runner

	// Sink receives run records and stage results. Defaults to NopSink.
	Sink Sink

	// Events receives engine events. Should be the runner's emitter.
	Events *EventEmitter

	// MaxConcurrency is used for templates that set none.
	// Default: 3
	MaxConcurrency int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// NewID generates run IDs. Defaults to uuid.NewString.
	NewID func() string
}

// Orchestrator executes pipeline templates as dependency-ordered runs.
type Orchestrator struct {
	runner         *Runner
	sink           Sink
	events         *EventEmitter
	maxConcurrency int
	logger         *slog.Logger
	newID          func() string

	mu     sync.Mutex
	active map[string]*Handle
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Runner == nil {
		return nil, &pwerrors.ValidationError{Field: "runner", Message: "a stage runner is required"}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = DefaultMaxConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Orchestrator{
		runner:         cfg.Runner,
		sink:           sink,
		events:         cfg.Events,
		maxConcurrency: maxConc,
		logger:         log.WithComponent(logger, "orchestrator"),
		newID:          newID,
		active:         make(map[string]*Handle),
	}, nil
}

// Handle tracks a started run.
type Handle struct {
	id       string
	pipeline string
	cancel   context.CancelFunc
	done     chan struct{}
	run      *Run
}

// ID returns the run ID.
func (h *Handle) ID() string {
	return h.id
}

// Pipeline returns the template name.
func (h *Handle) Pipeline() string {
	return h.pipeline
}

// Cancel requests cooperative cancellation. In-flight calls finish; no new
// stage is dispatched.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the run reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes and returns a copy of its record.
func (h *Handle) Wait() *Run {
	<-h.done
	return h.run.Clone()
}

// Start validates tmpl and begins a run in the background. Validation
// failures return *errors.InvalidPipelineSpecError and no stage runs.
// Cancelling ctx cancels the run.
func (o *Orchestrator) Start(ctx context.Context, tmpl Template, params map[string]any) (*Handle, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	g, err := NewGraph(tmpl.Name, tmpl.Stages)
	if err != nil {
		return nil, err
	}

	var problems []string
	for _, s := range g.Stages() {
		if !o.runner.HasExecutor(s.Resource) {
			problems = append(problems, fmt.Sprintf("stage %s: no executor for resource %s", s.Name, s.Resource))
		}
	}
	if len(problems) > 0 {
		return nil, &pwerrors.InvalidPipelineSpecError{Pipeline: tmpl.Name, Problems: problems}
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:        o.newID(),
		Pipeline:  tmpl.Name,
		Params:    maps.Clone(params),
		Status:    RunRunning,
		StartedAt: time.Now(),
	}
	h := &Handle{
		id:       run.ID,
		pipeline: run.Pipeline,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	o.mu.Lock()
	o.active[h.id] = h
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.execute(runCtx, h, g, tmpl, run)
	}()
	return h, nil
}

// Run executes tmpl and waits for the terminal run record.
func (o *Orchestrator) Run(ctx context.Context, tmpl Template, params map[string]any) (*Run, error) {
	h, err := o.Start(ctx, tmpl, params)
	if err != nil {
		return nil, err
	}
	return h.Wait(), nil
}

// Active returns the handles of runs that have not finished.
func (o *Orchestrator) Active() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Handle, 0, len(o.active))
	for _, h := range o.active {
		out = append(out, h)
	}
	return out
}

// Wait blocks until every started run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// runState is owned by the coordinating goroutine of one run.
type runState struct {
	graph      *Graph
	results    map[string]StageResult
	statuses   map[string]StageStatus
	dispatched map[string]bool
}

func (s *runState) terminal(name string) bool {
	_, ok := s.results[name]
	return ok
}

// blockedBy returns a dependency that finished without satisfying name.
func (s *runState) blockedBy(spec StageSpec) (string, bool) {
	for _, dep := range spec.DependsOn {
		if st, ok := s.statuses[dep]; ok && !st.Satisfied() {
			return dep, true
		}
	}
	return "", false
}

func (s *runState) ready(spec StageSpec) bool {
	for _, dep := range spec.DependsOn {
		st, ok := s.statuses[dep]
		if !ok || !st.Satisfied() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) execute(ctx context.Context, h *Handle, g *Graph, tmpl Template, run *Run) {
	logger := log.WithRunContext(o.logger, run.ID, run.Pipeline)
	ctx, span := tracing.StartRun(ctx, run.ID, run.Pipeline)
	defer span.End()

	o.saveRun(ctx, run.Clone(), logger)
	o.events.Emit(ctx, &Event{Type: EventRunStarted, RunID: run.ID, Pipeline: run.Pipeline, Run: run.Clone()})
	logger.Info("pipeline run started", "stages", len(tmpl.Stages))

	st := &runState{
		graph:      g,
		results:    make(map[string]StageResult, len(tmpl.Stages)),
		statuses:   make(map[string]StageStatus, len(tmpl.Stages)),
		dispatched: make(map[string]bool, len(tmpl.Stages)),
	}
	stages := g.Stages()

	maxConc := tmpl.MaxConcurrency
	if maxConc <= 0 {
		maxConc = o.maxConcurrency
	}

	var deadlineC <-chan time.Time
	var deadlineAt time.Time
	if tmpl.Deadline > 0 {
		deadlineAt = run.StartedAt.Add(tmpl.Deadline)
		timer := time.NewTimer(time.Until(deadlineAt))
		defer timer.Stop()
		deadlineC = timer.C
	}

	record := func(res StageResult) {
		st.results[res.Stage] = res
		st.statuses[res.Stage] = res.Status
		o.saveStage(ctx, run.ID, res, logger)
		resCopy := res
		resCopy.Output = res.Output.Clone()
		o.events.Emit(ctx, &Event{
			Type:     EventStageCompleted,
			RunID:    run.ID,
			Pipeline: run.Pipeline,
			Stage:    res.Stage,
			Result:   &resCopy,
			Cost:     res.Cost,
		})
	}

	completions := make(chan StageResult)
	cancelC := ctx.Done()
	running := 0
	var halt RunStatus

	for {
		if halt == "" {
			if ctx.Err() != nil {
				halt = RunCancelled
			} else if !deadlineAt.IsZero() && !time.Now().Before(deadlineAt) {
				halt = RunAbortedDeadline
			}
		}

		if halt == "" {
			for progress := true; progress; {
				progress = o.propagate(st, stages, record)

				for _, spec := range stages {
					if running >= maxConc {
						break
					}
					if st.terminal(spec.Name) || st.dispatched[spec.Name] || !st.ready(spec) {
						continue
					}

					if cond := g.Condition(spec.Name); cond != nil {
						ok, err := cond.Evaluate(run.Params, st.statuses)
						if err != nil {
							now := time.Now()
							record(StageResult{
								Stage: spec.Name, Status: StageFailed, ErrorKind: ErrorKindPermanent,
								Error: err.Error(), StartedAt: now, CompletedAt: now,
							})
							progress = true
							continue
						}
						if !ok {
							now := time.Now()
							logger.Debug("stage skipped by condition", log.StageKey, spec.Name, "condition", cond.String())
							record(StageResult{Stage: spec.Name, Status: StageSkippedCondition, StartedAt: now, CompletedAt: now})
							progress = true
							continue
						}
					}

					st.dispatched[spec.Name] = true
					running++
					req := StageRequest{
						RunID:    run.ID,
						Pipeline: run.Pipeline,
						Spec:     spec,
						Upstream: upstream(st, spec),
					}
					go func() {
						completions <- o.runner.Run(ctx, req)
					}()
				}
			}
		}

		if running == 0 {
			break
		}

		select {
		case res := <-completions:
			running--
			record(res)
			if res.Status == StageSkippedBudget && halt == "" {
				halt = RunAbortedBudget
				logger.Warn("budget exhausted, halting dispatch", log.StageKey, res.Stage)
			}
		case <-cancelC:
			cancelC = nil
			if halt == "" {
				halt = RunCancelled
				logger.Info("run cancelled, waiting for in-flight stages", "in_flight", running)
			}
		case <-deadlineC:
			deadlineC = nil
			if halt == "" {
				halt = RunAbortedDeadline
				logger.Warn("run deadline reached, halting dispatch", "in_flight", running)
			}
		}
	}

	// Stages behind a failed dependency are reported as such even when the
	// run halted; everything else left over takes the halt status.
	for o.propagate(st, stages, record) {
		// repeat until transitive dependents are marked
	}
	now := time.Now()
	for _, spec := range stages {
		if st.terminal(spec.Name) {
			continue
		}
		res := StageResult{Stage: spec.Name, StartedAt: now, CompletedAt: now}
		switch halt {
		case RunAbortedBudget:
			res.Status, res.ErrorKind = StageSkippedBudget, ErrorKindBudgetExceeded
		case RunCancelled:
			res.Status, res.ErrorKind = StageSkippedCancelled, ErrorKindCancelled
		case RunAbortedDeadline:
			res.Status = StageSkippedDeadline
		default:
			res.Status = StageSkippedDependencyFailed
		}
		record(res)
	}

	run.Results = make([]StageResult, 0, len(stages))
	run.TotalCost = 0
	for _, spec := range stages {
		res := st.results[spec.Name]
		run.Results = append(run.Results, res)
		run.TotalCost += res.Cost
	}
	run.Status = finalStatus(run.Results, halt)
	run.CompletedAt = time.Now()

	span.SetAttributes(map[string]any{
		"run.status":   string(run.Status),
		"run.cost_usd": run.TotalCost.Dollars(),
	})
	if run.Status == RunSucceeded {
		span.SetOK()
	} else {
		span.SetError(string(run.Status))
	}

	o.saveRun(ctx, run.Clone(), logger)
	h.run = run

	o.mu.Lock()
	delete(o.active, h.id)
	o.mu.Unlock()

	logger.Info("pipeline run finished",
		"status", run.Status,
		log.Cost(int64(run.TotalCost)),
		log.DurationKey, run.CompletedAt.Sub(run.StartedAt).Milliseconds(),
	)
	o.events.Emit(ctx, &Event{Type: EventRunCompleted, RunID: run.ID, Pipeline: run.Pipeline, Run: run.Clone(), Cost: run.TotalCost})
	close(h.done)
}

// propagate marks undispatched stages behind an unsatisfied dependency as
// skipped-dependency-failed. A dependency skipped by a run halt passes its
// own skip status on instead. Reports whether anything changed.
func (o *Orchestrator) propagate(st *runState, stages []StageSpec, record func(StageResult)) bool {
	changed := false
	for _, spec := range stages {
		if st.terminal(spec.Name) || st.dispatched[spec.Name] {
			continue
		}
		dep, blocked := st.blockedBy(spec)
		if !blocked {
			continue
		}

		now := time.Now()
		res := StageResult{
			Stage:       spec.Name,
			Status:      StageSkippedDependencyFailed,
			Error:       fmt.Sprintf("dependency %s finished %s", dep, st.statuses[dep]),
			StartedAt:   now,
			CompletedAt: now,
		}
		switch upstream := st.results[dep]; upstream.Status {
		case StageSkippedBudget, StageSkippedCancelled, StageSkippedDeadline:
			res.Status, res.ErrorKind, res.Error = upstream.Status, upstream.ErrorKind, ""
		}
		record(res)
		changed = true
	}
	return changed
}

func upstream(st *runState, spec StageSpec) map[string]Payload {
	if len(spec.DependsOn) == 0 {
		return nil
	}
	out := make(map[string]Payload, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		if res := st.results[dep]; res.Status.Produced() {
			out[dep] = res.Output
		}
	}
	return out
}

// finalStatus derives the run status from its stage results.
func finalStatus(results []StageResult, halt RunStatus) RunStatus {
	allOK, anyOK := true, false
	for _, r := range results {
		if !r.Status.Satisfied() {
			allOK = false
		}
		if r.Status.Produced() {
			anyOK = true
		}
	}
	switch {
	case allOK:
		return RunSucceeded
	case halt != "":
		return halt
	case anyOK:
		return RunPartiallyFailed
	default:
		return RunFailed
	}
}

func (o *Orchestrator) saveRun(ctx context.Context, run *Run, logger *slog.Logger) {
	if err := o.sink.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("failed to persist run", log.Error(err))
		o.events.Emit(ctx, &Event{Type: EventPersistenceError, RunID: run.ID, Pipeline: run.Pipeline, Err: err})
	}
}

func (o *Orchestrator) saveStage(ctx context.Context, runID string, res StageResult, logger *slog.Logger) {
	if err := o.sink.SaveStageResult(context.WithoutCancel(ctx), runID, res); err != nil {
		logger.Error("failed to persist stage result", log.StageKey, res.Stage, log.Error(err))
		o.events.Emit(ctx, &Event{Type: EventPersistenceError, RunID: runID, Stage: res.Stage, Err: err})
	}
}
