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

package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

// Registry maps resource keys to buckets.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	strict  bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStrict makes Acquire fail for resource keys with no bucket instead of
// passing them through unlimited.
func WithStrict() RegistryOption {
	return func(r *Registry) {
		r.strict = true
	}
}

// NewRegistry creates a registry holding a bucket per config.
func NewRegistry(configs []Config, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{buckets: make(map[string]*Bucket, len(configs))}
	for _, opt := range opts {
		opt(r)
	}
	for _, cfg := range configs {
		if err := r.Register(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a bucket. Registering the same resource twice is an error.
func (r *Registry) Register(cfg Config) error {
	b, err := NewBucket(cfg)
	if err != nil {
		return fmt.Errorf("rate limit %q: %w", cfg.Resource, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.buckets[cfg.Resource]; exists {
		return &pwerrors.ValidationError{
			Field:   "resource",
			Message: fmt.Sprintf("duplicate rate limit for %q", cfg.Resource),
		}
	}
	r.buckets[cfg.Resource] = b
	return nil
}

// Bucket returns the bucket for a resource key.
func (r *Registry) Bucket(resource string) (*Bucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buckets[resource]
	return b, ok
}

// Acquire takes one token from the resource's bucket. Unknown resources are
// unlimited unless the registry is strict.
func (r *Registry) Acquire(ctx context.Context, resource string) error {
	b, ok := r.Bucket(resource)
	if !ok {
		if r.strict {
			return &pwerrors.NotFoundError{Resource: "rate limit", ID: resource}
		}
		return ctx.Err()
	}
	return b.Acquire(ctx)
}

// Penalize holds refill on the resource's bucket for d. No-op for unknown resources.
func (r *Registry) Penalize(resource string, d time.Duration) {
	if b, ok := r.Bucket(resource); ok {
		b.Penalize(d)
	}
}

// Snapshot returns the state of every bucket, sorted by resource key.
func (r *Registry) Snapshot() []State {
	r.mu.RLock()
	states := make([]State, 0, len(r.buckets))
	for _, b := range r.buckets {
		states = append(states, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].Resource < states[j].Resource
	})
	return states
}
