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

// Package retry classifies external call failures and computes backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

// Kind is the retry class of a failure.
type Kind string

const (
	// Transient failures are retried with exponential backoff.
	Transient Kind = Kind(pwerrors.KindTransient)
	// Permanent failures are not retried.
	Permanent Kind = Kind(pwerrors.KindPermanent)
	// RateLimited failures wait for the server hint, or backoff when absent.
	RateLimited Kind = Kind(pwerrors.KindRateLimited)
)

// Policy configures retry behavior with exponential backoff.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt (0 = no retries).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (typically 2.0 for exponential).
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd (0.0-1.0).
	Jitter float64

	// MaxHintedWaits bounds rate-limited retries that carry a server
	// Retry-After hint. Those retries do not consume MaxRetries.
	MaxHintedWaits int

	// MaxHintDelay caps a server-supplied wait hint.
	MaxHintDelay time.Duration

	// random returns a value in [0, 1). Nil uses math/rand.
	random func() float64
}

// DefaultPolicy returns sensible default retry settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		MaxHintedWaits: 5,
		MaxHintDelay:   5 * time.Minute,
	}
}

// WithMaxRetries returns a copy of p with MaxRetries replaced.
func (p Policy) WithMaxRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// Classify returns the retry class of err. Errors that carry no
// classification are treated as transient; the attempt bound stops them.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}

	var execErr *pwerrors.ExecutionError
	if errors.As(err, &execErr) {
		if execErr.Kind != "" {
			return Kind(execErr.Kind)
		}
		if execErr.StatusCode > 0 {
			return classifyStatus(execErr.StatusCode)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, pwerrors.ErrCancellationRequested) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	var classifier pwerrors.ErrorClassifier
	if errors.As(err, &classifier) {
		if classifier.IsRetryable() {
			return Transient
		}
		return Permanent
	}

	return Transient
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	default:
		return Transient
	}
}

// RetryAfter extracts a server wait hint from err.
func RetryAfter(err error) (time.Duration, bool) {
	var execErr *pwerrors.ExecutionError
	if errors.As(err, &execErr) && execErr.RetryAfter > 0 {
		return execErr.RetryAfter, true
	}
	return 0, false
}

// NextDelay computes the backoff before retry number attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay, then jittered
// by +/- Jitter.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))

	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		jitterAmount := backoff * p.Jitter
		jitterDelta := (p.rand()*2*jitterAmount - jitterAmount)
		backoff += jitterDelta
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// RateLimitDelay returns the server's wait hint when err carries one,
// otherwise the regular backoff for attempt.
func (p Policy) RateLimitDelay(err error, attempt int) time.Duration {
	if hint, ok := RetryAfter(err); ok {
		if p.MaxHintDelay > 0 && hint > p.MaxHintDelay {
			return p.MaxHintDelay
		}
		return hint
	}
	return p.NextDelay(attempt)
}

// State tracks how much of a policy one stage has used.
type State struct {
	// Retries counts retries charged against MaxRetries.
	Retries int
	// HintedWaits counts rate-limited retries that followed a server hint.
	HintedWaits int
}

// Decision is the outcome of evaluating a failure.
type Decision struct {
	Kind   Kind
	Retry  bool
	Delay  time.Duration
	Hinted bool
}

// Next decides whether the failure err should be retried and how long to
// wait first. It updates st when a retry is granted.
func (p Policy) Next(err error, st *State) Decision {
	kind := Classify(err)
	d := Decision{Kind: kind}

	switch kind {
	case Permanent:
		return d
	case RateLimited:
		if _, hinted := RetryAfter(err); hinted && st.HintedWaits < p.MaxHintedWaits {
			st.HintedWaits++
			d.Retry = true
			d.Hinted = true
			d.Delay = p.RateLimitDelay(err, st.HintedWaits)
			return d
		}
	}

	if st.Retries >= p.MaxRetries {
		return d
	}
	st.Retries++
	d.Retry = true
	if kind == RateLimited {
		d.Delay = p.RateLimitDelay(err, st.Retries)
	} else {
		d.Delay = p.NextDelay(st.Retries)
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p Policy) rand() float64 {
	if p.random != nil {
		return p.random()
	}
	return rand.Float64()
}
