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

package errors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{
			name:    "validation with field",
			err:     &pwerrors.ValidationError{Field: "name", Message: "required"},
			wantMsg: "validation failed on name: required",
		},
		{
			name:    "not found",
			err:     &pwerrors.NotFoundError{Resource: "executor", ID: "openai"},
			wantMsg: "executor not found: openai",
		},
		{
			name:    "config with key",
			err:     &pwerrors.ConfigError{Key: "budget.ceiling_usd", Reason: "must be positive"},
			wantMsg: "config error at budget.ceiling_usd: must be positive",
		},
		{
			name:    "invalid pipeline spec",
			err:     &pwerrors.InvalidPipelineSpecError{Pipeline: "seo", Problems: []string{"a", "b"}},
			wantMsg: "invalid pipeline spec seo: a; b",
		},
		{
			name:    "rate limit timeout",
			err:     &pwerrors.RateLimitTimeoutError{Resource: "openai", Waited: 2 * time.Second},
			wantMsg: "rate limit wait on openai exceeded 2s",
		},
		{
			name:    "budget exceeded",
			err:     &pwerrors.BudgetExceededError{Requested: 1_500_000, Remaining: 500_000, Ceiling: 100_000_000},
			wantMsg: "budget exceeded: requested $1.500000 with $0.500000 of $100.00 remaining",
		},
		{
			name:    "execution with status",
			err:     &pwerrors.ExecutionError{Resource: "crawler", StatusCode: 503, Message: "unavailable"},
			wantMsg: "execution failed on crawler [HTTP 503]: unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestExecutionError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("stage audit: %w", &pwerrors.ExecutionError{Kind: pwerrors.KindTransient, Cause: cause})

	assert.True(t, errors.Is(err, cause))

	var execErr *pwerrors.ExecutionError
	assert.True(t, errors.As(err, &execErr))
	assert.Equal(t, "transient", execErr.ErrorType())
	assert.True(t, execErr.IsRetryable())
}

func TestIsRetryable(t *testing.T) {
	retryable, classified := pwerrors.IsRetryable(&pwerrors.BudgetExceededError{})
	assert.True(t, classified)
	assert.False(t, retryable)

	retryable, classified = pwerrors.IsRetryable(pwerrors.Wrap(&pwerrors.RateLimitTimeoutError{}, "acquire"))
	assert.True(t, classified)
	assert.True(t, retryable)

	_, classified = pwerrors.IsRetryable(errors.New("plain"))
	assert.False(t, classified)
}

func TestWrap(t *testing.T) {
	assert.Nil(t, pwerrors.Wrap(nil, "context"))
	assert.Nil(t, pwerrors.Wrapf(nil, "context %d", 1))

	root := errors.New("root cause")
	wrapped := pwerrors.Wrapf(root, "loading %s", "config.yaml")
	assert.EqualError(t, wrapped, "loading config.yaml: root cause")
	assert.ErrorIs(t, wrapped, root)
}
