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

// Package cache stores responses of idempotent stages keyed by a
// fingerprint of the stage name and its inputs.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL is used when neither the cache nor the caller sets a TTL.
const DefaultTTL = 24 * time.Hour

// Cache is a fingerprint-keyed response store.
type Cache interface {
	// Get returns the payload for fp. Expired entries are reported as misses.
	Get(ctx context.Context, fp string) ([]byte, bool, error)

	// Put stores payload under fp. ttl <= 0 selects the cache default.
	Put(ctx context.Context, fp string, payload []byte, ttl time.Duration) error

	// Invalidate removes fp. Removing a missing entry is not an error.
	Invalidate(ctx context.Context, fp string) error
}

// Entry is a stored response.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Fingerprint derives the cache key for a stage invocation: the SHA-256 of
// the stage name and the canonical JSON encoding of inputs. Two inputs that
// encode to the same JSON document (after map keys are sorted and numbers
// normalized) share a fingerprint.
func Fingerprint(stage string, inputs any) (string, error) {
	canonical, err := canonicalJSON(inputs)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", stage, err)
	}

	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON round-trips v through a generic value so struct fields and
// map ordering converge on one encoding. Numbers keep their literal text so
// integers beyond float64 precision stay distinct.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
