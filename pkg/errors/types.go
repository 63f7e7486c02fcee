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

package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCancellationRequested is returned when a pipeline run is cancelled by its caller.
var ErrCancellationRequested = errors.New("cancellation requested")

// ValidationError represents user input validation failures.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "pipeline", "executor", "bucket")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "budget.ceiling_usd")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents an attempt that exceeded its per-attempt timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "stage keyword_research")
	Operation string

	// Duration is the configured timeout
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// InvalidPipelineSpecError is returned when a pipeline template fails
// construction-time validation. No stage runs when this is returned.
type InvalidPipelineSpecError struct {
	// Pipeline is the template name
	Pipeline string

	// Problems lists every validation failure found
	Problems []string
}

// Error implements the error interface.
func (e *InvalidPipelineSpecError) Error() string {
	name := e.Pipeline
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("invalid pipeline spec %s: %s", name, strings.Join(e.Problems, "; "))
}

// ErrorType implements ErrorClassifier.
func (e *InvalidPipelineSpecError) ErrorType() string { return "invalid_pipeline_spec" }

// IsRetryable implements ErrorClassifier.
func (e *InvalidPipelineSpecError) IsRetryable() bool { return false }

// RateLimitTimeoutError is returned when a rate limiter could not grant a
// token within its maximum wait.
type RateLimitTimeoutError struct {
	// Resource is the resource key of the bucket
	Resource string

	// Waited is how long the caller waited before giving up
	Waited time.Duration
}

// Error implements the error interface.
func (e *RateLimitTimeoutError) Error() string {
	return fmt.Sprintf("rate limit wait on %s exceeded %v", e.Resource, e.Waited)
}

// ErrorType implements ErrorClassifier.
func (e *RateLimitTimeoutError) ErrorType() string { return "rate_limit_timeout" }

// IsRetryable implements ErrorClassifier.
func (e *RateLimitTimeoutError) IsRetryable() bool { return true }

// BudgetExceededError is returned when a reservation would push spend past
// the ledger ceiling.
type BudgetExceededError struct {
	// Requested is the amount asked for, in micro-dollars
	Requested int64

	// Remaining is the headroom left when the request was denied, in micro-dollars
	Remaining int64

	// Ceiling is the configured ceiling, in micro-dollars
	Ceiling int64
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: requested $%.6f with $%.6f of $%.2f remaining",
		float64(e.Requested)/1e6, float64(e.Remaining)/1e6, float64(e.Ceiling)/1e6)
}

// ErrorType implements ErrorClassifier.
func (e *BudgetExceededError) ErrorType() string { return "budget_exceeded" }

// IsRetryable implements ErrorClassifier.
func (e *BudgetExceededError) IsRetryable() bool { return false }

// ExecutionKind classifies an external call failure.
type ExecutionKind string

const (
	// KindTransient failures are retried with backoff.
	KindTransient ExecutionKind = "transient"
	// KindPermanent failures fail the stage immediately.
	KindPermanent ExecutionKind = "permanent"
	// KindRateLimited failures wait for the server hint (or backoff) and retry.
	KindRateLimited ExecutionKind = "rate-limited"
)

// ExecutionError is returned by executors to describe a failed external call.
// Executors that are billed for failed calls report the charge in Cost.
type ExecutionError struct {
	// Kind is the executor's own classification. Empty means "classify from StatusCode/Cause".
	Kind ExecutionKind

	// Resource is the resource key the call was made against
	Resource string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// RetryAfter is a server-supplied wait hint (zero when absent)
	RetryAfter time.Duration

	// Cost is what the provider billed for the failed call, in micro-dollars
	Cost int64

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	msg := "execution failed"
	if e.Resource != "" {
		msg = fmt.Sprintf("%s on %s", msg, e.Resource)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	} else if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ExecutionError) ErrorType() string {
	if e.Kind == "" {
		return "execution"
	}
	return string(e.Kind)
}

// IsRetryable implements ErrorClassifier.
func (e *ExecutionError) IsRetryable() bool {
	return e.Kind != KindPermanent
}
