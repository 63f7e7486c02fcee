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

package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

var _ net.Error = timeoutNetErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"explicit permanent", &pwerrors.ExecutionError{Kind: pwerrors.KindPermanent, StatusCode: 503}, Permanent},
		{"explicit rate limited", &pwerrors.ExecutionError{Kind: pwerrors.KindRateLimited}, RateLimited},
		{"429", &pwerrors.ExecutionError{StatusCode: 429}, RateLimited},
		{"503", &pwerrors.ExecutionError{StatusCode: 503}, Transient},
		{"408", &pwerrors.ExecutionError{StatusCode: 408}, Transient},
		{"401", &pwerrors.ExecutionError{StatusCode: 401}, Permanent},
		{"403", &pwerrors.ExecutionError{StatusCode: 403}, Permanent},
		{"422", &pwerrors.ExecutionError{StatusCode: 422}, Permanent},
		{"wrapped 500", fmt.Errorf("call: %w", &pwerrors.ExecutionError{StatusCode: 500}), Transient},
		{"rate limit timeout", &pwerrors.RateLimitTimeoutError{Resource: "x"}, Transient},
		{"attempt timeout", &pwerrors.TimeoutError{Operation: "stage"}, Transient},
		{"deadline exceeded", context.DeadlineExceeded, Transient},
		{"cancelled", context.Canceled, Permanent},
		{"budget", &pwerrors.BudgetExceededError{}, Permanent},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutNetErr{}}, Transient},
		{"unknown", errors.New("something odd"), Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestNextDelay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(3))
	assert.Equal(t, time.Second, p.NextDelay(10), "capped at MaxDelay")
}

func TestNextDelay_Jitter(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: 0.1}

	p.random = func() float64 { return 0 }
	assert.Equal(t, 900*time.Millisecond, p.NextDelay(1))

	p.random = func() float64 { return 0.5 }
	assert.Equal(t, time.Second, p.NextDelay(1))

	for i := 0; i < 100; i++ {
		p.random = nil
		d := p.NextDelay(1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestRateLimitDelay(t *testing.T) {
	p := Policy{InitialDelay: time.Second, Multiplier: 2, MaxHintDelay: time.Minute}

	hinted := &pwerrors.ExecutionError{StatusCode: 429, RetryAfter: 7 * time.Second}
	assert.Equal(t, 7*time.Second, p.RateLimitDelay(hinted, 1))

	huge := &pwerrors.ExecutionError{StatusCode: 429, RetryAfter: time.Hour}
	assert.Equal(t, time.Minute, p.RateLimitDelay(huge, 1))

	bare := &pwerrors.ExecutionError{StatusCode: 429}
	assert.Equal(t, 2*time.Second, p.RateLimitDelay(bare, 2))
}

func TestNext_TransientBoundedByMaxRetries(t *testing.T) {
	p := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2}
	var st State
	err := &pwerrors.ExecutionError{StatusCode: 502}

	d := p.Next(err, &st)
	assert.True(t, d.Retry)
	assert.Equal(t, Transient, d.Kind)
	assert.Equal(t, time.Millisecond, d.Delay)

	d = p.Next(err, &st)
	assert.True(t, d.Retry)
	assert.Equal(t, 2*time.Millisecond, d.Delay)

	d = p.Next(err, &st)
	assert.False(t, d.Retry)
	assert.Equal(t, 2, st.Retries)
}

func TestNext_PermanentNeverRetries(t *testing.T) {
	p := DefaultPolicy()
	var st State

	d := p.Next(&pwerrors.ExecutionError{StatusCode: 401}, &st)
	assert.False(t, d.Retry)
	assert.Equal(t, Permanent, d.Kind)
	assert.Equal(t, 0, st.Retries)
}

func TestNext_HintedRateLimitDoesNotConsumeRetries(t *testing.T) {
	p := Policy{MaxRetries: 1, MaxHintedWaits: 2, InitialDelay: time.Millisecond, Multiplier: 2}
	var st State
	hinted := &pwerrors.ExecutionError{StatusCode: 429, RetryAfter: 3 * time.Second}

	for i := 0; i < 2; i++ {
		d := p.Next(hinted, &st)
		require.True(t, d.Retry)
		assert.True(t, d.Hinted)
		assert.Equal(t, 3*time.Second, d.Delay)
	}
	assert.Equal(t, 0, st.Retries)

	// Hinted budget spent: falls back to the retry budget.
	d := p.Next(hinted, &st)
	assert.True(t, d.Retry)
	assert.False(t, d.Hinted)
	assert.Equal(t, 1, st.Retries)

	d = p.Next(hinted, &st)
	assert.False(t, d.Retry)
	assert.Equal(t, RateLimited, d.Kind)
}

func TestNext_UnhintedRateLimitUsesBackoff(t *testing.T) {
	p := Policy{MaxRetries: 3, MaxHintedWaits: 5, InitialDelay: 10 * time.Millisecond, Multiplier: 2}
	var st State

	d := p.Next(&pwerrors.ExecutionError{StatusCode: 429}, &st)
	assert.True(t, d.Retry)
	assert.False(t, d.Hinted)
	assert.Equal(t, 10*time.Millisecond, d.Delay)
	assert.Equal(t, 1, st.Retries)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}
