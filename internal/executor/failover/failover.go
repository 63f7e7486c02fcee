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

// Package failover runs a stage against an ordered chain of executors under
// one resource key, such as an OpenAI primary with a Gemini fallback.
//
// The next member is tried when a call fails with a 5xx, 429 or 408
// status, a connection failure or a client timeout. Other failures, and any
// failure after the call context is done, are returned as they are. Costs
// billed by members that failed are added to the chain's result so the
// ledger sees every charge.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/pipeline"
	"github.com/tombee/pipewright/pkg/ratelimit"
)

// DefaultCircuitBreakerTimeout is how long an open circuit rejects calls.
const DefaultCircuitBreakerTimeout = 30 * time.Second

// Member is one executor in the chain.
type Member struct {
	Resource string
	Executor pipeline.Executor
}

// Config configures an Executor.
type Config struct {
	// Resource is the key stages bind to. Errors carry it.
	Resource string

	// Members are tried in order. The first is the primary.
	Members []Member

	// Limiter, when set, is consulted without waiting before a fallback
	// member is called. A fallback whose bucket is empty is skipped. The
	// primary's token was already taken by the stage runner.
	Limiter *ratelimit.Registry

	// CircuitBreakerThreshold opens a member's circuit after that many
	// consecutive failures. Zero disables the breaker.
	CircuitBreakerThreshold int

	// CircuitBreakerTimeout keeps an open circuit closed to calls.
	// Default: 30s
	CircuitBreakerTimeout time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger *slog.Logger
}

// Executor is a pipeline.Executor that fails over between members.
type Executor struct {
	resource string
	members  []Member
	limiter  *ratelimit.Registry
	breaker  *circuitBreaker
	logger   *slog.Logger
}

var _ pipeline.Executor = (*Executor)(nil)

// New creates a failover executor.
func New(cfg Config) (*Executor, error) {
	if len(cfg.Members) == 0 {
		return nil, &pwerrors.ConfigError{
			Key:    "resources." + cfg.Resource + ".fallback",
			Reason: "failover requires at least one member",
		}
	}
	for i, m := range cfg.Members {
		if m.Executor == nil {
			return nil, &pwerrors.ConfigError{
				Key:    "resources." + cfg.Resource + ".fallback",
				Reason: fmt.Sprintf("member %d (%s) has no executor", i, m.Resource),
			}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		resource: cfg.Resource,
		members:  append([]Member(nil), cfg.Members...),
		limiter:  cfg.Limiter,
		logger:   log.WithComponent(logger, "failover").With(slog.String("resource", cfg.Resource)),
	}
	if cfg.CircuitBreakerThreshold > 0 {
		timeout := cfg.CircuitBreakerTimeout
		if timeout <= 0 {
			timeout = DefaultCircuitBreakerTimeout
		}
		now := cfg.Now
		if now == nil {
			now = time.Now
		}
		e.breaker = newCircuitBreaker(cfg.CircuitBreakerThreshold, timeout, now)
	}
	return e, nil
}

// Execute implements pipeline.Executor.
func (e *Executor) Execute(ctx context.Context, call pipeline.Call) (pipeline.Output, error) {
	var (
		billed  int64
		lastErr error
		tried   []string
	)

	for i, m := range e.members {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		if e.breaker != nil && !e.breaker.allowRequest(m.Resource) {
			lastErr = &pwerrors.ExecutionError{
				Kind:     pwerrors.KindTransient,
				Resource: m.Resource,
				Message:  "circuit breaker open",
			}
			tried = append(tried, m.Resource)
			continue
		}
		if i > 0 && !e.tryToken(m.Resource) {
			lastErr = &pwerrors.ExecutionError{
				Kind:     pwerrors.KindRateLimited,
				Resource: m.Resource,
				Message:  "no rate limit token for fallback",
			}
			tried = append(tried, m.Resource)
			continue
		}

		out, err := m.Executor.Execute(ctx, call)
		if err == nil {
			if e.breaker != nil {
				e.breaker.recordSuccess(m.Resource)
			}
			if i > 0 {
				e.logger.Info("stage served by fallback",
					slog.String(log.StageKey, call.Stage),
					slog.String("member", m.Resource))
			}
			out.Cost += budget.Amount(billed)
			return out, nil
		}

		if e.breaker != nil {
			e.breaker.recordFailure(m.Resource)
		}
		var execErr *pwerrors.ExecutionError
		if errors.As(err, &execErr) {
			billed += execErr.Cost
		}
		lastErr = err
		tried = append(tried, m.Resource)

		if !shouldFailover(ctx, err) {
			return pipeline.Output{}, e.withCost(err, billed, tried)
		}
		if i+1 < len(e.members) {
			e.logger.Warn("failing over",
				slog.String(log.StageKey, call.Stage),
				slog.String("from", m.Resource),
				slog.String("to", e.members[i+1].Resource),
				log.Error(err))
		}
	}

	return pipeline.Output{}, e.withCost(lastErr, billed, tried)
}

func (e *Executor) tryToken(resource string) bool {
	if e.limiter == nil {
		return true
	}
	b, ok := e.limiter.Bucket(resource)
	if !ok {
		return true
	}
	return b.TryAcquire()
}

// withCost makes sure the returned error carries every member's billed
// cost. The classification of err is preserved.
func (e *Executor) withCost(err error, billed int64, tried []string) error {
	var execErr *pwerrors.ExecutionError
	if errors.As(err, &execErr) {
		if execErr.Cost == billed {
			return err
		}
		cp := *execErr
		cp.Cost = billed
		return &cp
	}
	if billed == 0 {
		return err
	}
	return &pwerrors.ExecutionError{
		Resource: e.resource,
		Cost:     billed,
		Message:  "tried " + strings.Join(tried, ", "),
		Cause:    err,
	}
}

// shouldFailover reports whether err is worth handing to the next member.
// Nothing fails over once ctx is done.
func shouldFailover(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}

	var execErr *pwerrors.ExecutionError
	if errors.As(err, &execErr) {
		switch {
		case execErr.StatusCode >= 500,
			execErr.StatusCode == http.StatusTooManyRequests,
			execErr.StatusCode == http.StatusRequestTimeout:
			return true
		case execErr.StatusCode > 0:
			// Auth and request errors would fail the same way elsewhere.
			return false
		case execErr.Kind == pwerrors.KindTransient, execErr.Kind == pwerrors.KindRateLimited:
			return true
		case execErr.Kind == pwerrors.KindPermanent:
			return false
		}
	}

	var timeoutErr *pwerrors.TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// circuitBreaker tracks member health and rejects calls to members that
// keep failing.
type circuitBreaker struct {
	mu               sync.Mutex
	states           map[string]*circuitState
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
}

type circuitState struct {
	consecutiveFailures int
	lastFailureTime     time.Time
	open                bool
}

func newCircuitBreaker(threshold int, timeout time.Duration, now func() time.Time) *circuitBreaker {
	return &circuitBreaker{
		states:           make(map[string]*circuitState),
		failureThreshold: threshold,
		recoveryTimeout:  timeout,
		now:              now,
	}
}

func (cb *circuitBreaker) allowRequest(resource string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, ok := cb.states[resource]
	if !ok || !state.open {
		return true
	}
	if cb.now().Sub(state.lastFailureTime) > cb.recoveryTimeout {
		// Half-open: let one call through; a failure reopens the circuit.
		state.open = false
		state.consecutiveFailures = cb.failureThreshold - 1
		return true
	}
	return false
}

func (cb *circuitBreaker) recordSuccess(resource string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.states, resource)
}

func (cb *circuitBreaker) recordFailure(resource string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, ok := cb.states[resource]
	if !ok {
		state = &circuitState{}
		cb.states[resource] = state
	}
	state.consecutiveFailures++
	state.lastFailureTime = cb.now()
	if state.consecutiveFailures >= cb.failureThreshold {
		state.open = true
	}
}
