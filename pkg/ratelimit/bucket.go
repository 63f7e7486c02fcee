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

// Package ratelimit provides per-resource token buckets with FIFO waiters.
package ratelimit

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"

	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

// Config describes one resource's bucket.
type Config struct {
	// Resource is the resource key the bucket guards (e.g. "openai").
	Resource string

	// Capacity is the maximum number of tokens (burst size). Must be >= 1.
	Capacity float64

	// Rate is the refill rate in tokens per second. Must be > 0.
	Rate float64

	// MaxWait bounds how long Acquire queues for a token.
	// Zero means wait until the context is done.
	MaxWait time.Duration

	// Now overrides the clock used for refill accounting (tests).
	Now func() time.Time
}

// Validate checks the bucket configuration.
func (c Config) Validate() error {
	if c.Resource == "" {
		return &pwerrors.ValidationError{Field: "resource", Message: "resource key is required"}
	}
	if c.Capacity < 1 {
		return &pwerrors.ValidationError{Field: "capacity", Message: "must be at least 1"}
	}
	if c.Rate <= 0 || math.IsInf(c.Rate, 0) || math.IsNaN(c.Rate) {
		return &pwerrors.ValidationError{Field: "rate", Message: "must be a positive number"}
	}
	if c.MaxWait < 0 {
		return &pwerrors.ValidationError{Field: "max_wait", Message: "must not be negative"}
	}
	return nil
}

// State is an observable snapshot of a bucket.
type State struct {
	Resource   string
	Capacity   float64
	Rate       float64
	Tokens     float64
	LastRefill time.Time
	Waiting    int
}

// Bucket is a token bucket with continuous refill. Tokens are granted to
// waiters strictly in arrival order. The bucket starts full.
type Bucket struct {
	mu sync.Mutex

	resource string
	capacity float64
	rate     float64
	maxWait  time.Duration
	now      func() time.Time

	tokens float64
	// last is the refill reference point. Penalize moves it into the
	// future to hold refill.
	last time.Time

	waiters *list.List // of *waiter
}

type waiter struct {
	wake chan struct{}
}

// NewBucket creates a full bucket from cfg.
func NewBucket(cfg Config) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Bucket{
		resource: cfg.Resource,
		capacity: cfg.Capacity,
		rate:     cfg.Rate,
		maxWait:  cfg.MaxWait,
		now:      now,
		tokens:   cfg.Capacity,
		last:     now(),
		waiters:  list.New(),
	}, nil
}

// Resource returns the bucket's resource key.
func (b *Bucket) Resource() string {
	return b.resource
}

// TryAcquire takes a token without waiting. It never jumps the queue.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.waiters.Len() == 0 && b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Acquire takes one token, queueing behind earlier callers if none is
// available. It returns *errors.RateLimitTimeoutError once MaxWait elapses,
// or the context error if ctx is done first.
func (b *Bucket) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.TryAcquire() {
		return nil
	}

	b.mu.Lock()
	w := &waiter{wake: make(chan struct{}, 1)}
	elem := b.waiters.PushBack(w)
	b.mu.Unlock()

	start := time.Now()
	var deadline <-chan time.Time
	if b.maxWait > 0 {
		t := time.NewTimer(b.maxWait)
		defer t.Stop()
		deadline = t.C
	}

	for {
		b.mu.Lock()
		b.refillLocked()
		isHead := b.waiters.Front() == elem
		if isHead && b.tokens >= 1 {
			b.tokens--
			b.waiters.Remove(elem)
			b.wakeHeadLocked()
			b.mu.Unlock()
			return nil
		}

		var tick <-chan time.Time
		var timer *time.Timer
		if isHead {
			timer = time.NewTimer(b.untilNextTokenLocked())
			tick = timer.C
		}
		b.mu.Unlock()

		select {
		case <-tick:
		case <-w.wake:
		case <-deadline:
			stopTimer(timer)
			b.leave(elem)
			return &pwerrors.RateLimitTimeoutError{Resource: b.resource, Waited: time.Since(start).Round(time.Millisecond)}
		case <-ctx.Done():
			stopTimer(timer)
			b.leave(elem)
			return ctx.Err()
		}
		stopTimer(timer)
	}
}

// Penalize drains the bucket and holds refill for d. Use it when the
// resource itself signals overload (e.g. a Retry-After hint) so every caller
// of the resource slows down, not just the one that saw the hint.
func (b *Bucket) Penalize(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	b.tokens = 0
	until := b.now().Add(d)
	if until.After(b.last) {
		b.last = until
	}
	b.wakeHeadLocked()
}

// Snapshot returns the bucket's current state.
func (b *Bucket) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return State{
		Resource:   b.resource,
		Capacity:   b.capacity,
		Rate:       b.rate,
		Tokens:     b.tokens,
		LastRefill: b.last,
		Waiting:    b.waiters.Len(),
	}
}

func (b *Bucket) leave(elem *list.Element) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasHead := b.waiters.Front() == elem
	b.waiters.Remove(elem)
	if wasHead {
		b.wakeHeadLocked()
	}
}

func (b *Bucket) refillLocked() {
	now := b.now()
	if !now.After(b.last) {
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

func (b *Bucket) untilNextTokenLocked() time.Duration {
	need := 1 - b.tokens
	if need < 0 {
		need = 0
	}
	d := time.Duration(need / b.rate * float64(time.Second))
	if held := b.last.Sub(b.now()); held > 0 {
		d += held
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (b *Bucket) wakeHeadLocked() {
	front := b.waiters.Front()
	if front == nil {
		return
	}
	select {
	case front.Value.(*waiter).wake <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
