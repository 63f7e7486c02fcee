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
	"maps"
	"time"

	"github.com/tombee/pipewright/pkg/budget"
)

// Payload is an opaque stage output. The engine never interprets Data.
type Payload struct {
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// Clone returns a copy that shares no memory with p.
func (p Payload) Clone() Payload {
	if p.Data != nil {
		p.Data = append([]byte(nil), p.Data...)
	}
	return p
}

// StageSpec is one stage of a pipeline template.
type StageSpec struct {
	// Name is unique within the template.
	Name string `json:"name"`

	// Resource is the rate-limited resource key (and executor) the stage calls.
	Resource string `json:"resource"`

	// EstimatedCost is the worst-case cost reserved before the first attempt.
	EstimatedCost budget.Amount `json:"estimated_cost"`

	// DependsOn names stages that must finish successfully first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Idempotent stages may be served from and written to the response cache.
	Idempotent bool `json:"idempotent"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries"`

	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration `json:"timeout"`

	// Inputs are static inputs passed to the executor.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Condition is an optional boolean expression over params and upstream
	// stage statuses. A false condition skips the stage without cost.
	Condition string `json:"condition,omitempty"`

	// CacheTTL overrides the cache's default TTL for this stage.
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
}

// Template is a static pipeline definition.
type Template struct {
	Name   string      `json:"name"`
	Stages []StageSpec `json:"stages"`

	// MaxConcurrency caps simultaneously running stages.
	// Default: 3
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	// Deadline, when set, stops new dispatch once the run has lasted this long.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// StageStatus is the terminal status of a stage in a run.
type StageStatus string

const (
	StageSuccess                 StageStatus = "success"
	StageFailed                  StageStatus = "failed"
	StageCached                  StageStatus = "cached"
	StageSkippedDependencyFailed StageStatus = "skipped-dependency-failed"
	StageSkippedBudget           StageStatus = "skipped-budget"
	StageSkippedCancelled        StageStatus = "skipped-cancelled"
	StageSkippedDeadline         StageStatus = "skipped-deadline"
	StageSkippedCondition        StageStatus = "skipped-condition"
)

// Satisfied reports whether a dependent stage may run after this status.
func (s StageStatus) Satisfied() bool {
	switch s {
	case StageSuccess, StageCached, StageSkippedCondition:
		return true
	}
	return false
}

// Produced reports whether the stage produced output.
func (s StageStatus) Produced() bool {
	return s == StageSuccess || s == StageCached
}

// RunStatus is the status of a pipeline run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunSucceeded       RunStatus = "succeeded"
	RunPartiallyFailed RunStatus = "partially-failed"
	RunFailed          RunStatus = "failed"
	RunAbortedBudget   RunStatus = "aborted-budget"
	RunAbortedDeadline RunStatus = "aborted-deadline"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s != RunPending && s != RunRunning && s != ""
}

// ErrorKind categorizes why a stage did not succeed.
type ErrorKind string

const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindTransient        ErrorKind = "transient"
	ErrorKindPermanent        ErrorKind = "permanent"
	ErrorKindRateLimited      ErrorKind = "rate-limited"
	ErrorKindRateLimitTimeout ErrorKind = "rate-limit-timeout"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindBudgetExceeded   ErrorKind = "budget-exceeded"
	ErrorKindCancelled        ErrorKind = "cancelled"
)

// StageResult is the terminal record of one stage in a run.
type StageResult struct {
	Stage       string        `json:"stage"`
	Status      StageStatus   `json:"status"`
	Attempts    int           `json:"attempts"`
	Cost        budget.Amount `json:"cost"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Output      Payload       `json:"output"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Run is one execution of a template.
type Run struct {
	ID          string         `json:"id"`
	Pipeline    string         `json:"pipeline"`
	Params      map[string]any `json:"params,omitempty"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	// Results are ordered by stage declaration order.
	Results   []StageResult `json:"results"`
	TotalCost budget.Amount `json:"total_cost"`
}

// Clone returns a deep copy of the run record.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Params = maps.Clone(r.Params)
	c.Results = make([]StageResult, len(r.Results))
	for i, res := range r.Results {
		res.Output = res.Output.Clone()
		c.Results[i] = res
	}
	return &c
}

// Result returns the result for a stage by name.
func (r *Run) Result(stage string) (StageResult, bool) {
	for _, res := range r.Results {
		if res.Stage == stage {
			return res, true
		}
	}
	return StageResult{}, false
}

// Call is one attempt of a stage against its executor.
type Call struct {
	RunID    string
	Stage    string
	Resource string
	Inputs   map[string]any
	// Upstream holds the outputs of the stage's dependencies.
	Upstream map[string]Payload
	// Attempt is 1-based.
	Attempt int
}

// Output is a successful call's result and what it cost.
type Output struct {
	Payload Payload
	Cost    budget.Amount
}

// Executor performs the external call behind a resource.
//
// Executors must honor ctx for the per-attempt timeout. Failures should be
// reported as *errors.ExecutionError so they can be classified; a provider
// charge for a failed call goes in ExecutionError.Cost.
type Executor interface {
	Execute(ctx context.Context, call Call) (Output, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call Call) (Output, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, call Call) (Output, error) {
	return f(ctx, call)
}

// Executors maps resource keys to executors.
type Executors map[string]Executor
