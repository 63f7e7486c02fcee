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

package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryConfig configures a MemoryCache.
type MemoryConfig struct {
	// TTL is the default entry lifetime.
	// Default: 24h
	TTL time.Duration

	// MaxEntries bounds the cache size. When full, the oldest entry is
	// evicted. Zero means unbounded.
	MaxEntries int

	// Now overrides the clock (tests).
	Now func() time.Time
}

// MemoryCache is an in-process Cache with lazy expiry.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(cfg MemoryConfig) *MemoryCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		entries:    make(map[string]*Entry),
		ttl:        ttl,
		maxEntries: cfg.MaxEntries,
		now:        now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, fp string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok {
		return nil, false, nil
	}
	if e.Expired(c.now()) {
		delete(c.entries, fp)
		return nil, false, nil
	}
	return append([]byte(nil), e.Payload...), true, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(ctx context.Context, fp string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fp]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[fp] = &Entry{
		Fingerprint: fp,
		Payload:     append([]byte(nil), payload...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	return nil
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(ctx context.Context, fp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fp)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops expired entries, then the oldest if still full.
func (c *MemoryCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.CreatedAt.Before(oldest) {
			oldestKey, oldest = k, e.CreatedAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
