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

// Package openai executes pipeline stages as OpenAI chat completions.
//
// Stage inputs:
//
//	prompt       text/template rendered with .Inputs and .Upstream (required)
//	system       system message, overrides the executor default
//	model        overrides the executor model
//	max_tokens   caps completion tokens
//	temperature  sampling temperature
//	json         true requests a JSON object response
//
// .Upstream maps each dependency to its output as a string.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/httpclient"
	"github.com/tombee/pipewright/pkg/pipeline"
)

// DefaultModel is used when neither the executor nor the stage names one.
const DefaultModel = "gpt-4o-mini"

// ChatClient is the subset of *openai.Client the executor uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures an Executor.
type Config struct {
	// Resource is the resource key, used in errors.
	Resource string

	APIKey  string
	BaseURL string

	// Model is the default model. Default: gpt-4o-mini
	Model string

	// MaxTokens caps completion tokens unless a stage overrides it.
	MaxTokens int

	// SystemPrompt is the default system message.
	SystemPrompt string

	// Pricing overrides the built-in price table for every model.
	Pricing *ModelPricing

	// Timeout bounds each HTTP request. Zero leaves the per-attempt
	// timeout as the only bound.
	Timeout time.Duration

	// Client replaces the HTTP client (tests).
	Client ChatClient

	Logger *slog.Logger
}

// Executor is a pipeline.Executor backed by the chat completions API.
type Executor struct {
	client       ChatClient
	resource     string
	model        string
	maxTokens    int
	systemPrompt string
	pricing      *ModelPricing
	logger       *slog.Logger
}

var _ pipeline.Executor = (*Executor)(nil)

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		if cfg.APIKey == "" {
			return nil, &pwerrors.ConfigError{
				Key:    "resources." + cfg.Resource + ".api_key",
				Reason: "an API key is required (set api_key or OPENAI_API_KEY)",
			}
		}
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		httpCfg := httpclient.DefaultConfig()
		httpCfg.UserAgent = "pipewright-openai/1.0"
		httpCfg.Logger = logger
		if cfg.Timeout > 0 {
			httpCfg.Timeout = cfg.Timeout
		}
		httpClient, err := httpclient.New(httpCfg)
		if err != nil {
			return nil, &pwerrors.ConfigError{Key: "resources." + cfg.Resource, Reason: "http client", Cause: err}
		}
		clientCfg.HTTPClient = httpClient
		client = openai.NewClientWithConfig(clientCfg)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Executor{
		client:       client,
		resource:     cfg.Resource,
		model:        model,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		pricing:      cfg.Pricing,
		logger:       log.WithComponent(logger, "openai"),
	}, nil
}

// Execute implements pipeline.Executor.
func (e *Executor) Execute(ctx context.Context, call pipeline.Call) (pipeline.Output, error) {
	req, err := e.buildRequest(call)
	if err != nil {
		return pipeline.Output{}, err
	}

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return pipeline.Output{}, e.mapError(err)
	}

	cost := e.cost(req.Model, resp.Usage)
	e.logger.Debug("chat completion",
		slog.String(log.StageKey, call.Stage),
		slog.String("model", req.Model),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		log.Cost(int64(cost)),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))

	if len(resp.Choices) == 0 {
		// Tokens were billed even though nothing usable came back.
		return pipeline.Output{}, &pwerrors.ExecutionError{
			Kind:     pwerrors.KindTransient,
			Resource: e.resource,
			Cost:     int64(cost),
			Message:  "response contained no choices",
		}
	}

	contentType := "text/plain"
	if req.ResponseFormat != nil {
		contentType = "application/json"
	}
	return pipeline.Output{
		Payload: pipeline.Payload{
			ContentType: contentType,
			Data:        []byte(resp.Choices[0].Message.Content),
		},
		Cost: cost,
	}, nil
}

func (e *Executor) buildRequest(call pipeline.Call) (openai.ChatCompletionRequest, error) {
	promptSrc, _ := call.Inputs["prompt"].(string)
	if strings.TrimSpace(promptSrc) == "" {
		return openai.ChatCompletionRequest{}, &pwerrors.ExecutionError{
			Kind:     pwerrors.KindPermanent,
			Resource: e.resource,
			Message:  fmt.Sprintf("stage %s: inputs.prompt is required", call.Stage),
		}
	}
	prompt, err := renderPrompt(promptSrc, call)
	if err != nil {
		return openai.ChatCompletionRequest{}, &pwerrors.ExecutionError{
			Kind:     pwerrors.KindPermanent,
			Resource: e.resource,
			Message:  fmt.Sprintf("stage %s: render prompt", call.Stage),
			Cause:    err,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:               e.model,
		MaxCompletionTokens: e.maxTokens,
	}
	if m, ok := call.Inputs["model"].(string); ok && m != "" {
		req.Model = m
	}
	if n, ok := intInput(call.Inputs["max_tokens"]); ok {
		req.MaxCompletionTokens = n
	}
	if t, ok := floatInput(call.Inputs["temperature"]); ok {
		req.Temperature = float32(t)
	}
	if j, _ := call.Inputs["json"].(bool); j {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	system := e.systemPrompt
	if s, ok := call.Inputs["system"].(string); ok && s != "" {
		system = s
	}
	if system != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
	return req, nil
}

func renderPrompt(src string, call pipeline.Call) (string, error) {
	tmpl, err := template.New(call.Stage).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", err
	}
	upstream := make(map[string]string, len(call.Upstream))
	for name, p := range call.Upstream {
		upstream[name] = string(p.Data)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, map[string]any{
		"Inputs":   call.Inputs,
		"Upstream": upstream,
	}); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (e *Executor) cost(model string, usage openai.Usage) budget.Amount {
	pricing := e.pricing
	if pricing == nil {
		p, ok := LookupPricing(model)
		if !ok {
			e.logger.Warn("no pricing for model, cost recorded as zero", slog.String("model", model))
			return 0
		}
		pricing = &p
	}
	return pricing.Cost(usage.PromptTokens, usage.CompletionTokens)
}

// mapError converts client errors into execution errors the retry policy
// can classify. Context errors pass through untouched.
func (e *Executor) mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	execErr := &pwerrors.ExecutionError{Resource: e.resource, Cause: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		execErr.StatusCode = apiErr.HTTPStatusCode
		execErr.Message = apiErr.Message
		if code, _ := apiErr.Code.(string); code == "insufficient_quota" {
			// Quota exhaustion also arrives as 429 but never clears on retry.
			execErr.Kind = pwerrors.KindPermanent
		}
	case errors.As(err, &reqErr):
		execErr.StatusCode = reqErr.HTTPStatusCode
	default:
		// Connection failures carry no status and are worth retrying.
		execErr.Kind = pwerrors.KindTransient
	}
	return execErr
}

func intInput(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func floatInput(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
