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

// Package httpjson executes pipeline stages as JSON requests against an
// HTTP endpoint, such as a SERP or keyword-volume API.
//
// For POST and PUT the request body is
//
//	{"run_id": ..., "stage": ..., "inputs": {...}, "upstream": {...}}
//
// where upstream JSON payloads are embedded as JSON and everything else as
// a string. For GET, scalar inputs become query parameters.
//
// The response body becomes the stage output, optionally narrowed by a jq
// expression. Cost is read from the configured cost header (in USD) when
// present, otherwise the flat cost is charged for every successful call.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/itchyny/gojq"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/httpclient"
	"github.com/tombee/pipewright/pkg/pipeline"
)

// MaxResponseBytes bounds how much of a response body is read.
const MaxResponseBytes = 10 << 20

// Config configures an Executor.
type Config struct {
	// Resource is the resource key, used in errors.
	Resource string

	// URL is the endpoint. Required.
	URL string

	// Method defaults to POST.
	Method string

	// Headers are sent with every request. Secret references must already
	// be resolved.
	Headers map[string]string

	// Extract is a jq expression applied to JSON responses. A single result
	// becomes the output; several results are collected into an array.
	Extract string

	// OAuth2 enables the client credentials flow. Tokens are fetched
	// through the same client and cached until they expire.
	OAuth2 *OAuth2Config

	// CostHeader names a response header carrying the call's cost in USD.
	CostHeader string

	// FlatCost is charged per successful call when CostHeader is unset or
	// absent from the response.
	FlatCost budget.Amount

	// Timeout bounds each request. Default: 30s
	Timeout time.Duration

	// HostRequestsPerSecond limits requests to the endpoint's host.
	HostRequestsPerSecond float64

	// Client replaces the HTTP client (tests).
	Client *http.Client

	Logger *slog.Logger
	Now    func() time.Time
}

// OAuth2Config configures client credentials authentication.
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Executor is a pipeline.Executor that calls an HTTP JSON endpoint.
type Executor struct {
	client     *http.Client
	resource   string
	endpoint   *url.URL
	method     string
	headers    http.Header
	costHeader string
	flatCost   budget.Amount
	extract    *gojq.Code
	logger     *slog.Logger
	now        func() time.Time
}

var _ pipeline.Executor = (*Executor)(nil)

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	key := "resources." + cfg.Resource
	if cfg.URL == "" {
		return nil, &pwerrors.ConfigError{Key: key + ".url", Reason: "url is required"}
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, &pwerrors.ConfigError{Key: key + ".url", Reason: fmt.Sprintf("invalid url %q", cfg.URL), Cause: err}
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		return nil, &pwerrors.ConfigError{Key: key + ".method", Reason: fmt.Sprintf("unsupported method %q", cfg.Method)}
	}
	if cfg.FlatCost < 0 {
		return nil, &pwerrors.ConfigError{Key: key + ".flat_cost_usd", Reason: "must be >= 0"}
	}
	var extract *gojq.Code
	if cfg.Extract != "" {
		extract, err = CompileExtract(cfg.Extract)
		if err != nil {
			return nil, &pwerrors.ConfigError{Key: key + ".extract", Reason: "invalid jq expression", Cause: err}
		}
	}
	if o := cfg.OAuth2; o != nil && (o.TokenURL == "" || o.ClientID == "" || o.ClientSecret == "") {
		return nil, &pwerrors.ConfigError{Key: key + ".oauth2", Reason: "token_url, client_id and client_secret are required"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		httpCfg := httpclient.DefaultConfig()
		httpCfg.UserAgent = "pipewright-httpjson/1.0"
		httpCfg.RequestsPerSecond = cfg.HostRequestsPerSecond
		httpCfg.Logger = logger
		if cfg.Timeout > 0 {
			httpCfg.Timeout = cfg.Timeout
		}
		client, err = httpclient.New(httpCfg)
		if err != nil {
			return nil, &pwerrors.ConfigError{Key: key, Reason: "http client", Cause: err}
		}
	}

	if o := cfg.OAuth2; o != nil {
		cc := clientcredentials.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			TokenURL:     o.TokenURL,
			Scopes:       o.Scopes,
		}
		base := client
		client = cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
		client.Timeout = base.Timeout
	}

	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Executor{
		client:     client,
		resource:   cfg.Resource,
		endpoint:   endpoint,
		method:     method,
		headers:    headers,
		costHeader: cfg.CostHeader,
		flatCost:   cfg.FlatCost,
		extract:    extract,
		logger:     log.WithComponent(logger, "httpjson"),
		now:        now,
	}, nil
}

// requestBody is the JSON document sent for POST and PUT.
type requestBody struct {
	RunID    string                     `json:"run_id"`
	Stage    string                     `json:"stage"`
	Inputs   map[string]any             `json:"inputs"`
	Upstream map[string]json.RawMessage `json:"upstream,omitempty"`
}

// Execute implements pipeline.Executor.
func (e *Executor) Execute(ctx context.Context, call pipeline.Call) (pipeline.Output, error) {
	req, err := e.buildRequest(ctx, call)
	if err != nil {
		return pipeline.Output{}, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.Output{}, ctxErr
		}
		var tokenErr *oauth2.RetrieveError
		if errors.As(err, &tokenErr) {
			return pipeline.Output{}, e.tokenError(tokenErr)
		}
		return pipeline.Output{}, &pwerrors.ExecutionError{
			Kind:     pwerrors.KindTransient,
			Resource: e.resource,
			Message:  "request failed",
			Cause:    err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.Output{}, ctxErr
		}
		return pipeline.Output{}, &pwerrors.ExecutionError{
			Kind:       pwerrors.KindTransient,
			Resource:   e.resource,
			StatusCode: resp.StatusCode,
			Message:    "reading response",
			Cause:      err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reported, _ := e.reportedCost(resp.Header)
		return pipeline.Output{}, &pwerrors.ExecutionError{
			Resource:   e.resource,
			StatusCode: resp.StatusCode,
			RetryAfter: httpclient.ParseRetryAfter(resp.Header, e.now()),
			Cost:       int64(reported),
			Message:    snippet(body),
		}
	}

	cost, ok := e.reportedCost(resp.Header)
	if !ok {
		cost = e.flatCost
	}

	if len(body) > MaxResponseBytes {
		return pipeline.Output{}, &pwerrors.ExecutionError{
			Kind:       pwerrors.KindPermanent,
			Resource:   e.resource,
			StatusCode: resp.StatusCode,
			Cost:       int64(cost),
			Message:    fmt.Sprintf("response exceeds %d bytes", MaxResponseBytes),
		}
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	if e.extract != nil {
		body, err = e.applyExtract(ctx, body)
		if err != nil {
			// The call succeeded and was billed; re-running it would not
			// change the response shape.
			return pipeline.Output{}, &pwerrors.ExecutionError{
				Kind:       pwerrors.KindPermanent,
				Resource:   e.resource,
				StatusCode: resp.StatusCode,
				Cost:       int64(cost),
				Message:    fmt.Sprintf("stage %s: extract", call.Stage),
				Cause:      err,
			}
		}
		contentType = "application/json"
	}
	e.logger.Debug("http stage call",
		slog.String(log.StageKey, call.Stage),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		log.Cost(int64(cost)))

	return pipeline.Output{
		Payload: pipeline.Payload{
			ContentType: contentType,
			Data:        body,
		},
		Cost: cost,
	}, nil
}

func (e *Executor) buildRequest(ctx context.Context, call pipeline.Call) (*http.Request, error) {
	target := *e.endpoint
	var body io.Reader

	if e.method == http.MethodGet {
		q := target.Query()
		for _, k := range sortedKeys(call.Inputs) {
			v, ok := scalar(call.Inputs[k])
			if !ok {
				return nil, &pwerrors.ExecutionError{
					Kind:     pwerrors.KindPermanent,
					Resource: e.resource,
					Message:  fmt.Sprintf("stage %s: input %q is not a scalar and cannot be sent as a query parameter", call.Stage, k),
				}
			}
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	} else {
		doc := requestBody{
			RunID:    call.RunID,
			Stage:    call.Stage,
			Inputs:   call.Inputs,
			Upstream: upstreamJSON(call.Upstream),
		}
		if doc.Inputs == nil {
			doc.Inputs = map[string]any{}
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, &pwerrors.ExecutionError{
				Kind:     pwerrors.KindPermanent,
				Resource: e.resource,
				Message:  fmt.Sprintf("stage %s: encode request", call.Stage),
				Cause:    err,
			}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, e.method, target.String(), body)
	if err != nil {
		return nil, &pwerrors.ExecutionError{
			Kind:     pwerrors.KindPermanent,
			Resource: e.resource,
			Message:  "build request",
			Cause:    err,
		}
	}
	for k, vs := range e.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Stable across attempts so the provider can deduplicate retries.
	req.Header.Set("Idempotency-Key", call.RunID+"/"+call.Stage)
	req.Header.Set("X-Pipewright-Attempt", strconv.Itoa(call.Attempt))
	return req, nil
}

// CompileExtract parses and compiles a jq expression.
func CompileExtract(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(query)
}

func (e *Executor) applyExtract(ctx context.Context, body []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("response is not JSON: %w", err)
	}

	var results []any
	iter := e.extract.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(results[0])
	default:
		return json.Marshal(results)
	}
}

// tokenError classifies a failed token request. A rejected client is a
// configuration problem; anything else may clear up.
func (e *Executor) tokenError(err *oauth2.RetrieveError) error {
	kind := pwerrors.KindTransient
	status := 0
	if err.Response != nil {
		status = err.Response.StatusCode
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			kind = pwerrors.KindPermanent
		}
	}
	return &pwerrors.ExecutionError{
		Kind:       kind,
		Resource:   e.resource,
		StatusCode: status,
		Message:    "oauth2 token request failed",
		Cause:      err,
	}
}

// reportedCost parses the cost header. The second result is false when the
// header is unset, missing or malformed.
func (e *Executor) reportedCost(h http.Header) (budget.Amount, bool) {
	if e.costHeader == "" {
		return 0, false
	}
	raw := strings.TrimSpace(h.Get(e.costHeader))
	if raw == "" {
		return 0, false
	}
	usd, err := strconv.ParseFloat(raw, 64)
	if err != nil || usd < 0 {
		e.logger.Warn("ignoring malformed cost header",
			slog.String("header", e.costHeader),
			slog.String("value", raw))
		return 0, false
	}
	return budget.USD(usd), true
}

func upstreamJSON(upstream map[string]pipeline.Payload) map[string]json.RawMessage {
	if len(upstream) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(upstream))
	for name, p := range upstream {
		if mediaType(p.ContentType) == "application/json" && json.Valid(p.Data) {
			out[name] = json.RawMessage(p.Data)
			continue
		}
		s, _ := json.Marshal(string(p.Data))
		out[name] = s
	}
	return out
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case nil:
		return "", true
	}
	return "", false
}

func mediaType(header string) string {
	if header == "" {
		return "application/octet-stream"
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return header
	}
	return mt
}

func snippet(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	if s == "" {
		return "empty response body"
	}
	return s
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
