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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/internal/tracing"
	"github.com/tombee/pipewright/pkg/budget"
	"github.com/tombee/pipewright/pkg/cache"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/ratelimit"
	"github.com/tombee/pipewright/pkg/retry"
)

// RunnerConfig wires a Runner to its collaborators.
type RunnerConfig struct {
	// Executors maps resource keys to executors. Required.
	Executors Executors

	// Ledger is the spend ledger. Required.
	Ledger *budget.Ledger

	// Limiter holds per-resource buckets. Nil means unlimited.
	Limiter *ratelimit.Registry

	// Cache stores idempotent responses. Nil disables caching.
	Cache cache.Cache

	// Retry is the base retry policy; each stage overrides MaxRetries.
	// Zero value uses retry.DefaultPolicy().
	Retry *retry.Policy

	// Events receives engine events. Optional.
	Events *EventEmitter

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Runner drives one stage through cache lookup, rate limiting, budget
// reservation, execution and retries.
type Runner struct {
	executors Executors
	ledger    *budget.Ledger
	limiter   *ratelimit.Registry
	cache     cache.Cache
	policy    retry.Policy
	events    *EventEmitter
	logger    *slog.Logger

	// inflight collapses concurrent executions of the same idempotent call.
	inflight singleflight.Group
}

// NewRunner creates a stage runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Ledger == nil {
		return nil, &pwerrors.ValidationError{Field: "ledger", Message: "a budget ledger is required"}
	}
	if len(cfg.Executors) == 0 {
		return nil, &pwerrors.ValidationError{Field: "executors", Message: "at least one executor is required"}
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter, _ = ratelimit.NewRegistry(nil)
	}
	policy := retry.DefaultPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		executors: cfg.Executors,
		ledger:    cfg.Ledger,
		limiter:   limiter,
		cache:     cfg.Cache,
		policy:    policy,
		events:    cfg.Events,
		logger:    log.WithComponent(logger, "runner"),
	}, nil
}

// HasExecutor reports whether a resource has an executor.
func (r *Runner) HasExecutor(resource string) bool {
	_, ok := r.executors[resource]
	return ok
}

// StageRequest is the input to Runner.Run.
type StageRequest struct {
	RunID    string
	Pipeline string
	Spec     StageSpec
	Upstream map[string]Payload
}

// Run executes one stage to a terminal result. It never returns an error;
// every outcome is encoded in the StageResult. A result with status
// skipped-budget means the ledger denied the stage's reservation.
func (r *Runner) Run(ctx context.Context, req StageRequest) StageResult {
	spec := req.Spec
	logger := log.WithStageContext(log.WithRunContext(r.logger, req.RunID, req.Pipeline), spec.Name, spec.Resource)

	ctx, span := tracing.StartStage(ctx, spec.Name, spec.Resource)
	defer span.End()

	result := r.run(ctx, req, logger)
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}

	span.SetAttributes(map[string]any{
		"stage.status":   string(result.Status),
		"stage.attempts": result.Attempts,
		"stage.cost_usd": result.Cost.Dollars(),
	})
	if result.Status.Satisfied() {
		span.SetOK()
	} else {
		span.SetError(string(result.Status) + ": " + result.Error)
	}
	return result
}

func (r *Runner) run(ctx context.Context, req StageRequest, logger *slog.Logger) StageResult {
	spec := req.Spec
	started := time.Now()

	if !spec.Idempotent || r.cache == nil {
		return r.execute(ctx, req, "", started, logger)
	}

	fp, err := cache.Fingerprint(spec.Name, fingerprintInputs{Inputs: spec.Inputs, Upstream: req.Upstream})
	if err != nil {
		logger.Warn("cannot fingerprint stage inputs, bypassing cache", log.Error(err))
		return r.execute(ctx, req, "", started, logger)
	}

	if res, ok := r.lookup(ctx, req, fp, started, logger); ok {
		return res
	}

	led := false
	v, _, _ := r.inflight.Do(fp, func() (any, error) {
		led = true
		return r.execute(ctx, req, fp, started, logger), nil
	})
	res := v.(StageResult)
	if led {
		return res
	}

	// Another run executed the identical call while we waited.
	if res.Status != StageSuccess && res.Status != StageCached {
		return r.execute(ctx, req, fp, started, logger)
	}
	logger.Debug("collapsed onto concurrent identical stage")
	return StageResult{
		Stage:       spec.Name,
		Status:      StageCached,
		Output:      res.Output.Clone(),
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
}

// fingerprintInputs is what identifies an idempotent call.
type fingerprintInputs struct {
	Inputs   map[string]any     `json:"inputs"`
	Upstream map[string]Payload `json:"upstream,omitempty"`
}

func (r *Runner) lookup(ctx context.Context, req StageRequest, fp string, started time.Time, logger *slog.Logger) (StageResult, bool) {
	data, hit, err := r.cache.Get(ctx, fp)
	if err != nil {
		logger.Warn("cache lookup failed", log.Error(err))
		hit = false
	}

	var payload Payload
	if hit {
		if err := json.Unmarshal(data, &payload); err != nil {
			logger.Warn("discarding undecodable cache entry", log.Error(err))
			_ = r.cache.Invalidate(ctx, fp)
			hit = false
		}
	}

	r.events.Emit(ctx, &Event{
		Type:     EventCacheLookup,
		RunID:    req.RunID,
		Pipeline: req.Pipeline,
		Stage:    req.Spec.Name,
		Resource: req.Spec.Resource,
		CacheHit: hit,
	})
	if !hit {
		return StageResult{}, false
	}

	logger.Debug("served from cache")
	return StageResult{
		Stage:       req.Spec.Name,
		Status:      StageCached,
		Output:      payload,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}, true
}

// execute runs the attempt loop. fp is non-empty when the result may be cached.
func (r *Runner) execute(ctx context.Context, req StageRequest, fp string, started time.Time, logger *slog.Logger) StageResult {
	spec := req.Spec
	result := StageResult{Stage: spec.Name, StartedAt: started}

	executor, ok := r.executors[spec.Resource]
	if !ok {
		err := &pwerrors.NotFoundError{Resource: "executor", ID: spec.Resource}
		return finish(result, StageFailed, ErrorKindPermanent, err)
	}

	policy := r.policy.WithMaxRetries(spec.MaxRetries)
	var (
		state       retry.State
		reservation *budget.Reservation
		billed      budget.Amount
	)

	// settle closes the reservation exactly once: charges that were billed
	// are committed, an unbilled reservation is released.
	settle := func() {
		if reservation == nil {
			return
		}
		var err error
		if billed > 0 {
			err = reservation.Commit(billed)
			r.events.Emit(ctx, &Event{
				Type: EventCostCommitted, RunID: req.RunID, Pipeline: req.Pipeline,
				Stage: spec.Name, Resource: spec.Resource, Cost: billed,
			})
		} else {
			err = reservation.Release()
		}
		if err != nil {
			logger.Error("settling budget reservation", log.Error(err))
		}
		reservation = nil
	}

	// An exhausted ledger denies every reservation; skip before taking a
	// rate-limit token.
	if r.ledger.Exhausted() {
		snap := r.ledger.Snapshot()
		err := &pwerrors.BudgetExceededError{
			Requested: int64(spec.EstimatedCost),
			Remaining: int64(snap.Remaining),
			Ceiling:   int64(snap.Ceiling),
		}
		logger.Warn("budget exhausted, skipping stage", log.Error(err))
		return finish(result, StageSkippedBudget, ErrorKindBudgetExceeded, err)
	}

	for {
		if err := r.acquire(ctx, req); err != nil {
			if ctx.Err() != nil {
				settle()
				result.Cost = billed
				if result.Attempts == 0 {
					return finish(result, StageSkippedCancelled, ErrorKindCancelled, ctx.Err())
				}
				return finish(result, StageFailed, ErrorKindCancelled, ctx.Err())
			}

			decision := policy.Next(err, &state)
			if !decision.Retry {
				settle()
				result.Cost = billed
				return finish(result, StageFailed, errorKind(err, decision.Kind), err)
			}
			logger.Warn("rate limit wait timed out, retrying", log.Error(err), "delay", decision.Delay)
			if err := retry.Sleep(ctx, decision.Delay); err != nil {
				settle()
				result.Cost = billed
				return finish(result, StageFailed, ErrorKindCancelled, err)
			}
			continue
		}

		if reservation == nil {
			res, err := r.ledger.Reserve(spec.EstimatedCost)
			if err != nil {
				logger.Warn("budget reservation denied",
					log.Cost(int64(spec.EstimatedCost)),
					log.Error(err),
				)
				return finish(result, StageSkippedBudget, ErrorKindBudgetExceeded, err)
			}
			reservation = res
		}

		result.Attempts++
		out, err := r.attempt(ctx, executor, req, result.Attempts)
		if err == nil {
			billed += out.Cost
			settle()
			result.Cost = billed
			result.Output = out.Payload
			r.store(ctx, fp, spec, out.Payload, logger)
			logger.Info("stage succeeded",
				log.AttemptKey, result.Attempts,
				log.Cost(int64(billed)),
			)
			return finish(result, StageSuccess, ErrorKindNone, nil)
		}

		var execErr *pwerrors.ExecutionError
		if errors.As(err, &execErr) && execErr.Cost > 0 {
			billed += budget.Amount(execErr.Cost)
		}

		decision := policy.Next(err, &state)
		if !decision.Retry {
			settle()
			result.Cost = billed
			logger.Warn("stage failed",
				log.AttemptKey, result.Attempts,
				"kind", decision.Kind,
				log.Error(err),
			)
			return finish(result, StageFailed, errorKind(err, decision.Kind), err)
		}

		if decision.Hinted {
			r.limiter.Penalize(spec.Resource, decision.Delay)
		}
		r.events.Emit(ctx, &Event{
			Type:     EventStageRetry,
			RunID:    req.RunID,
			Pipeline: req.Pipeline,
			Stage:    spec.Name,
			Resource: spec.Resource,
			Attempt:  result.Attempts,
			Kind:     ErrorKind(decision.Kind),
			Delay:    decision.Delay,
			Err:      err,
		})
		logger.Info("retrying stage",
			log.AttemptKey, result.Attempts,
			"kind", decision.Kind,
			"delay", decision.Delay,
			log.Error(err),
		)

		if err := retry.Sleep(ctx, decision.Delay); err != nil {
			settle()
			result.Cost = billed
			return finish(result, StageFailed, ErrorKindCancelled, err)
		}
	}
}

// attempt makes one call. The call context is detached from run
// cancellation so an in-flight call is never abandoned half-billed; only the
// per-attempt timeout bounds it.
func (r *Runner) attempt(ctx context.Context, executor Executor, req StageRequest, n int) (Output, error) {
	spec := req.Spec
	callCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(callCtx, spec.Timeout)
	}
	defer cancel()

	call := Call{
		RunID:    req.RunID,
		Stage:    spec.Name,
		Resource: spec.Resource,
		Inputs:   spec.Inputs,
		Upstream: req.Upstream,
		Attempt:  n,
	}

	out, err := executor.Execute(callCtx, call)
	if err != nil && spec.Timeout > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		var execErr *pwerrors.ExecutionError
		if !errors.As(err, &execErr) || execErr.Kind == "" {
			err = &pwerrors.TimeoutError{
				Operation: fmt.Sprintf("stage %s attempt %d", spec.Name, n),
				Duration:  spec.Timeout,
				Cause:     err,
			}
		}
	}
	if err == nil && out.Cost < 0 {
		out.Cost = 0
	}
	return out, err
}

func (r *Runner) acquire(ctx context.Context, req StageRequest) error {
	start := time.Now()
	err := r.limiter.Acquire(ctx, req.Spec.Resource)
	r.events.Emit(ctx, &Event{
		Type:     EventRateLimitWait,
		RunID:    req.RunID,
		Pipeline: req.Pipeline,
		Stage:    req.Spec.Name,
		Resource: req.Spec.Resource,
		Waited:   time.Since(start),
		Err:      err,
	})
	return err
}

// store writes a committed idempotent result to the cache.
func (r *Runner) store(ctx context.Context, fp string, spec StageSpec, payload Payload, logger *slog.Logger) {
	if fp == "" || r.cache == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("cannot encode stage output for cache", log.Error(err))
		return
	}
	if err := r.cache.Put(context.WithoutCancel(ctx), fp, data, spec.CacheTTL); err != nil {
		logger.Warn("cache store failed", log.Error(err))
	}
}

func finish(result StageResult, status StageStatus, kind ErrorKind, err error) StageResult {
	result.Status = status
	result.ErrorKind = kind
	if err != nil {
		result.Error = err.Error()
	}
	result.CompletedAt = time.Now()
	return result
}

// errorKind maps a terminal error to the kind recorded on the result.
func errorKind(err error, kind retry.Kind) ErrorKind {
	var rlErr *pwerrors.RateLimitTimeoutError
	if errors.As(err, &rlErr) {
		return ErrorKindRateLimitTimeout
	}
	var toErr *pwerrors.TimeoutError
	if errors.As(err, &toErr) {
		return ErrorKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCancelled
	}
	return ErrorKind(kind)
}
