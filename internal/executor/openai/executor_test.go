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

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/pipeline"
	"github.com/tombee/pipewright/pkg/retry"
)

type fakeClient struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func reply(content string, prompt, completion int) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
		Usage:   openai.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}
}

func newExecutor(t *testing.T, client ChatClient, cfg Config) *Executor {
	t.Helper()
	cfg.Client = client
	cfg.Resource = "llm"
	cfg.Logger = log.Discard()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestExecute_BuildsRequestAndCost(t *testing.T) {
	client := &fakeClient{resp: reply(`{"title":"Go"}`, 1_000_000, 500_000)}
	e := newExecutor(t, client, Config{Model: "gpt-4o-mini", MaxTokens: 256, SystemPrompt: "You write outlines."})

	out, err := e.Execute(context.Background(), pipeline.Call{
		Stage: "outline",
		Inputs: map[string]any{
			"prompt":      "Outline for {{.Inputs.topic}} using {{index .Upstream \"keywords\"}}",
			"topic":       "generics",
			"json":        true,
			"temperature": 0.2,
		},
		Upstream: map[string]pipeline.Payload{"keywords": {Data: []byte("type params")}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", client.req.Model)
	assert.Equal(t, 256, client.req.MaxCompletionTokens)
	assert.InDelta(t, 0.2, client.req.Temperature, 1e-6)
	require.Len(t, client.req.Messages, 2)
	assert.Equal(t, "You write outlines.", client.req.Messages[0].Content)
	assert.Equal(t, "Outline for generics using type params", client.req.Messages[1].Content)
	require.NotNil(t, client.req.ResponseFormat)

	assert.Equal(t, "application/json", out.Payload.ContentType)
	assert.Equal(t, `{"title":"Go"}`, string(out.Payload.Data))
	// 1M prompt tokens at $0.15 + 0.5M completion tokens at $0.60.
	assert.Equal(t, budget.USD(0.45), out.Cost)
}

func TestExecute_StageOverrides(t *testing.T) {
	client := &fakeClient{resp: reply("ok", 10, 10)}
	pricing := &ModelPricing{InputPricePerMillion: 1_000_000, OutputPricePerMillion: 0}
	e := newExecutor(t, client, Config{Pricing: pricing})

	out, err := e.Execute(context.Background(), pipeline.Call{
		Stage:  "s",
		Inputs: map[string]any{"prompt": "hi", "model": "gpt-4o", "max_tokens": 32, "system": "terse"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", client.req.Model)
	assert.Equal(t, 32, client.req.MaxCompletionTokens)
	assert.Equal(t, "terse", client.req.Messages[0].Content)
	assert.Equal(t, "text/plain", out.Payload.ContentType)
	assert.Equal(t, budget.USD(10), out.Cost, "configured pricing wins over the table")
}

func TestExecute_InvalidInputsArePermanent(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, Config{})

	for name, inputs := range map[string]map[string]any{
		"missing prompt": {},
		"bad template":   {"prompt": "{{.Inputs"},
		"unknown field":  {"prompt": "{{.Nope.x}}"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), pipeline.Call{Stage: "s", Inputs: inputs})
			require.Error(t, err)
			assert.Equal(t, retry.Permanent, retry.Classify(err))
		})
	}
}

func TestExecute_NoChoicesBilled(t *testing.T) {
	client := &fakeClient{resp: openai.ChatCompletionResponse{Usage: openai.Usage{PromptTokens: 1_000_000}}}
	e := newExecutor(t, client, Config{Model: "gpt-4o"})

	_, err := e.Execute(context.Background(), pipeline.Call{Stage: "s", Inputs: map[string]any{"prompt": "hi"}})
	var execErr *pwerrors.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, int64(budget.USD(2.50)), execErr.Cost)
	assert.Equal(t, retry.Transient, retry.Classify(err))
}

func TestMapError(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, Config{})

	tests := []struct {
		name string
		err  error
		want retry.Kind
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429, Code: "rate_limit_exceeded"}, retry.RateLimited},
		{"quota", &openai.APIError{HTTPStatusCode: 429, Code: "insufficient_quota"}, retry.Permanent},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, retry.Transient},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, retry.Permanent},
		{"unauthorized", &openai.RequestError{HTTPStatusCode: 401, Err: errors.New("denied")}, retry.Permanent},
		{"network", errors.New("connection reset"), retry.Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retry.Classify(e.mapError(tt.err)))
		})
	}

	assert.ErrorIs(t, e.mapError(context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestExecute_HTTP(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if code := int(status.Load()); code != 0 {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(reply("hello", 100, 50))
	}))
	defer srv.Close()

	e, err := New(Config{Resource: "llm", APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-4o", Logger: log.Discard()})
	require.NoError(t, err)

	out, err := e.Execute(context.Background(), pipeline.Call{Stage: "s", Inputs: map[string]any{"prompt": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out.Payload.Data))
	assert.Equal(t, pricingFor(t, "gpt-4o").Cost(100, 50), out.Cost)

	status.Store(http.StatusTooManyRequests)
	_, err = e.Execute(context.Background(), pipeline.Call{Stage: "s", Inputs: map[string]any{"prompt": "hi"}})
	var execErr *pwerrors.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, http.StatusTooManyRequests, execErr.StatusCode)
	assert.Equal(t, retry.RateLimited, retry.Classify(err))
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{Resource: "llm"})
	var cfgErr *pwerrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "resources.llm.api_key", cfgErr.Key)
}

func pricingFor(t *testing.T, model string) ModelPricing {
	t.Helper()
	p, ok := LookupPricing(model)
	require.True(t, ok)
	return p
}
