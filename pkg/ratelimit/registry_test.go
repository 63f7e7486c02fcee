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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

func TestRegistry_UnknownResource(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	assert.NoError(t, r.Acquire(context.Background(), "anything"))

	strict, err := NewRegistry(nil, WithStrict())
	require.NoError(t, err)
	err = strict.Acquire(context.Background(), "anything")
	var nf *pwerrors.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestRegistry_Duplicate(t *testing.T) {
	_, err := NewRegistry([]Config{
		{Resource: "openai", Capacity: 1, Rate: 1},
		{Resource: "openai", Capacity: 2, Rate: 1},
	})
	assert.Error(t, err)
}

func TestRegistry_IndependentBuckets(t *testing.T) {
	r, err := NewRegistry([]Config{
		{Resource: "openai", Capacity: 1, Rate: 0.01, MaxWait: 20 * time.Millisecond},
		{Resource: "crawler", Capacity: 1, Rate: 0.01, MaxWait: 20 * time.Millisecond},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Acquire(ctx, "openai"))
	require.NoError(t, r.Acquire(ctx, "crawler"), "an empty bucket never blocks another resource")

	assert.Error(t, r.Acquire(ctx, "openai"))
}

func TestRegistry_Snapshot(t *testing.T) {
	r, err := NewRegistry([]Config{
		{Resource: "serp", Capacity: 2, Rate: 1},
		{Resource: "analytics", Capacity: 4, Rate: 2},
	})
	require.NoError(t, err)

	r.Penalize("serp", time.Minute)
	r.Penalize("unknown", time.Minute)

	states := r.Snapshot()
	require.Len(t, states, 2)
	assert.Equal(t, "analytics", states[0].Resource)
	assert.Equal(t, 4.0, states[0].Tokens)
	assert.Equal(t, "serp", states[1].Resource)
	assert.Equal(t, 0.0, states[1].Tokens)
}
