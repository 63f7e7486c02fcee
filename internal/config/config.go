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

// Package config loads the pipewright configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/itchyny/gojq"
	"gopkg.in/yaml.v3"

	"github.com/tombee/pipewright/internal/executor/openai"
	"github.com/tombee/pipewright/internal/scheduler"
	"github.com/tombee/pipewright/internal/tracing"
	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/pipeline"
	"github.com/tombee/pipewright/pkg/ratelimit"
	"github.com/tombee/pipewright/pkg/retry"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Resource types.
const (
	ResourceOpenAI = "openai"
	ResourceHTTP   = "http"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheBadger = "badger"
)

// Config is the complete pipewright configuration.
type Config struct {
	Log           LogConfig                 `yaml:"log"`
	Budget        BudgetConfig              `yaml:"budget"`
	Cache         CacheConfig               `yaml:"cache"`
	Retry         RetryConfig               `yaml:"retry"`
	Orchestrator  OrchestratorConfig        `yaml:"orchestrator"`
	Store         StoreConfig               `yaml:"store"`
	Archive       ArchiveConfig             `yaml:"archive"`
	Metrics       MetricsConfig             `yaml:"metrics"`
	Observability tracing.Config            `yaml:"observability"`
	Resources     map[string]ResourceConfig `yaml:"resources"`
	Pipelines     map[string]PipelineConfig `yaml:"pipelines"`
	Schedules     []ScheduleConfig          `yaml:"schedules"`

	// Include lists glob patterns, relative to the config file, of extra
	// files contributing pipelines and schedules. "**" matches any depth.
	Include []string `yaml:"include"`
}

// includeFile is the shape of a file matched by Include.
type includeFile struct {
	Pipelines map[string]PipelineConfig `yaml:"pipelines"`
	Schedules []ScheduleConfig          `yaml:"schedules"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	AddSource bool `yaml:"add_source"`
}

// BudgetConfig configures the monthly spend ledger.
type BudgetConfig struct {
	// MonthlyCeilingUSD is the hard spend limit per calendar month (UTC).
	MonthlyCeilingUSD float64 `yaml:"monthly_ceiling_usd"`

	// WarningThreshold is the fraction of the ceiling that triggers a warning.
	// Default: 0.8
	WarningThreshold float64 `yaml:"warning_threshold"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// Backend is none, memory or badger.
	Backend string `yaml:"backend"`

	// Path is the badger directory.
	Path string `yaml:"path"`

	// TTL is the default entry lifetime.
	// Default: 24h
	TTL time.Duration `yaml:"ttl"`

	// MaxEntries bounds the memory backend.
	// Default: 10000
	MaxEntries int `yaml:"max_entries"`

	// GCInterval is how often the schedule daemon reclaims badger
	// value-log space.
	// Default: 10m
	GCInterval time.Duration `yaml:"gc_interval"`
}

// RetryConfig sets the default retry policy.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
	MaxHintedWaits int           `yaml:"max_hinted_waits"`
	MaxHintDelay   time.Duration `yaml:"max_hint_delay"`
}

// OrchestratorConfig configures dispatch.
type OrchestratorConfig struct {
	// MaxConcurrency is the default stage concurrency per run.
	// Default: 3
	MaxConcurrency int `yaml:"max_concurrency"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is memory, sqlite or postgres.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// ArchiveConfig configures uploading run reports to S3-compatible storage.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MetricsConfig configures the Prometheus endpoint served by `schedule`.
type MetricsConfig struct {
	// Addr is the listen address, e.g. ":9090". Empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// ResourceConfig describes an external resource: its executor and its
// rate limit.
type ResourceConfig struct {
	// Type is openai or http.
	Type string `yaml:"type"`

	// RequestsPerMinute is the token bucket refill rate. Zero means unlimited.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`

	// Burst is the bucket capacity. Default: 1
	Burst float64 `yaml:"burst"`

	// MaxWait bounds how long a stage queues for a token. Zero waits indefinitely.
	MaxWait time.Duration `yaml:"max_wait"`

	// Timeout is the per-request timeout of the executor's client.
	Timeout time.Duration `yaml:"timeout"`

	// OpenAI settings. Prices override the built-in table for Model.
	Model                 string  `yaml:"model"`
	APIKey                string  `yaml:"api_key"`
	BaseURL               string  `yaml:"base_url"`
	MaxTokens             int     `yaml:"max_tokens"`
	SystemPrompt          string  `yaml:"system_prompt"`
	InputPricePerMillion  float64 `yaml:"input_price_per_million"`
	OutputPricePerMillion float64 `yaml:"output_price_per_million"`

	// HTTP settings. HostRequestsPerSecond is a politeness limit applied
	// inside the executor in addition to the stage-level bucket.
	URL                   string            `yaml:"url"`
	Method                string            `yaml:"method"`
	Headers               map[string]string `yaml:"headers"`
	CostHeader            string            `yaml:"cost_header"`
	FlatCostUSD           float64           `yaml:"flat_cost_usd"`
	HostRequestsPerSecond float64           `yaml:"host_requests_per_second"`
	Extract               string            `yaml:"extract"`
	OAuth2                *OAuth2Config     `yaml:"oauth2"`

	// Fallback lists resources tried in order when this resource's call
	// fails with a server error, a rate limit or a timeout. Stages stay
	// bound to this resource's bucket and key.
	Fallback []string `yaml:"fallback"`

	// CircuitBreakerThreshold opens a member's circuit after that many
	// consecutive failures of a fallback chain. Zero disables it.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`

	// CircuitBreakerTimeout keeps an open circuit closed to traffic.
	// Default: 30s
	CircuitBreakerTimeout time.Duration `yaml:"circuit_breaker_timeout"`
}

// OAuth2Config enables the client credentials flow for an http resource.
// ClientSecret may be a keychain: or env: reference.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// PipelineConfig is a pipeline template as written in the config file.
type PipelineConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	Deadline       time.Duration `yaml:"deadline"`
	Stages         []StageConfig `yaml:"stages"`
}

// StageConfig is one stage as written in the config file.
type StageConfig struct {
	Name             string         `yaml:"name"`
	Resource         string         `yaml:"resource"`
	EstimatedCostUSD float64        `yaml:"estimated_cost_usd"`
	DependsOn        []string       `yaml:"depends_on"`
	Idempotent       bool           `yaml:"idempotent"`
	MaxRetries       *int           `yaml:"max_retries"`
	Timeout          time.Duration  `yaml:"timeout"`
	Inputs           map[string]any `yaml:"inputs"`
	Condition        string         `yaml:"condition"`
	CacheTTL         time.Duration  `yaml:"cache_ttl"`
}

// ScheduleConfig triggers a pipeline on a cron schedule.
type ScheduleConfig struct {
	Name     string         `yaml:"name"`
	Pipeline string         `yaml:"pipeline"`
	Cron     string         `yaml:"cron"`
	Timezone string         `yaml:"timezone"`
	Params   map[string]any `yaml:"params"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	policy := retry.DefaultPolicy()
	obs := tracing.DefaultConfig()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Budget: BudgetConfig{
			MonthlyCeilingUSD: 50,
			WarningThreshold:  budget.DefaultWarningThreshold,
		},
		Cache: CacheConfig{
			Backend:    CacheMemory,
			TTL:        24 * time.Hour,
			MaxEntries: 10000,
			GCInterval: 10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:     policy.MaxRetries,
			InitialDelay:   policy.InitialDelay,
			MaxDelay:       policy.MaxDelay,
			Multiplier:     policy.Multiplier,
			Jitter:         policy.Jitter,
			MaxHintedWaits: policy.MaxHintedWaits,
			MaxHintDelay:   policy.MaxHintDelay,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrency: pipeline.DefaultMaxConcurrency,
		},
		Store: StoreConfig{
			Backend: StoreSQLite,
			Path:    filepath.Join(defaultDataDir(), "pipewright.db"),
		},
		Archive: ArchiveConfig{
			Prefix: "runs/",
			UseSSL: true,
		},
		Observability: obs,
		Resources:     map[string]ResourceConfig{},
		Pipelines:     map[string]PipelineConfig{},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables take precedence over the file. If configPath is
// empty, only defaults and environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &pwerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s: %v", configPath, err),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &pwerrors.ConfigError{
			Key:    "validation",
			Reason: err.Error(),
			Cause:  err,
		}
	}
	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return c.loadIncludes(filepath.Dir(path))
}

// loadIncludes merges the files matched by c.Include. A pipeline defined
// twice is an error; schedules are appended in file order.
func (c *Config) loadIncludes(dir string) error {
	for _, pattern := range c.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(dir, pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return fmt.Errorf("include %q: %w", pattern, err)
		}
		slices.Sort(matches)
		for _, match := range matches {
			if err := c.mergeInclude(match); err != nil {
				return fmt.Errorf("include %s: %w", match, err)
			}
		}
	}
	return nil
}

func (c *Config) mergeInclude(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var inc includeFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&inc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if c.Pipelines == nil {
		c.Pipelines = map[string]PipelineConfig{}
	}
	for name, pc := range inc.Pipelines {
		if _, dup := c.Pipelines[name]; dup {
			return fmt.Errorf("pipeline %q is already defined", name)
		}
		c.Pipelines[name] = pc
	}
	c.Schedules = append(c.Schedules, inc.Schedules...)
	return nil
}

// applyDefaults fills in zero values so minimal configs work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Budget.WarningThreshold == 0 {
		c.Budget.WarningThreshold = defaults.Budget.WarningThreshold
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = defaults.Cache.Backend
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = defaults.Cache.TTL
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = defaults.Cache.MaxEntries
	}
	if c.Cache.GCInterval == 0 {
		c.Cache.GCInterval = defaults.Cache.GCInterval
	}
	if c.Cache.Backend == CacheBadger && c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(defaultDataDir(), "cache")
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = defaults.Retry.InitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = defaults.Retry.MaxDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = defaults.Retry.Multiplier
	}
	if c.Retry.MaxHintedWaits == 0 {
		c.Retry.MaxHintedWaits = defaults.Retry.MaxHintedWaits
	}
	if c.Retry.MaxHintDelay == 0 {
		c.Retry.MaxHintDelay = defaults.Retry.MaxHintDelay
	}
	if c.Orchestrator.MaxConcurrency == 0 {
		c.Orchestrator.MaxConcurrency = defaults.Orchestrator.MaxConcurrency
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Backend == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = defaults.Observability.ServiceName
	}
	if c.Observability.BatchSize == 0 {
		c.Observability.BatchSize = defaults.Observability.BatchSize
	}
	if c.Observability.BatchInterval == 0 {
		c.Observability.BatchInterval = defaults.Observability.BatchInterval
	}

	for name, r := range c.Resources {
		if r.Burst == 0 {
			r.Burst = 1
		}
		if r.Type == ResourceHTTP && r.Method == "" {
			r.Method = "POST"
		}
		c.Resources[name] = r
	}
}

// loadFromEnv applies environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("PIPEWRIGHT_BUDGET_CEILING"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Budget.MonthlyCeilingUSD = f
		}
	}
	if val := os.Getenv("PIPEWRIGHT_MAX_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Orchestrator.MaxConcurrency = n
		}
	}

	if val := os.Getenv("PIPEWRIGHT_CACHE_BACKEND"); val != "" {
		c.Cache.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("PIPEWRIGHT_CACHE_PATH"); val != "" {
		c.Cache.Path = val
	}

	if val := os.Getenv("PIPEWRIGHT_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("PIPEWRIGHT_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("PIPEWRIGHT_STORE_DSN"); val != "" {
		c.Store.DSN = val
	} else if val := os.Getenv("DATABASE_URL"); val != "" && c.Store.DSN == "" {
		c.Store.DSN = val
	}

	if val := os.Getenv("PIPEWRIGHT_ARCHIVE_ACCESS_KEY"); val != "" {
		c.Archive.AccessKey = val
	}
	if val := os.Getenv("PIPEWRIGHT_ARCHIVE_SECRET_KEY"); val != "" {
		c.Archive.SecretKey = val
	}

	if val := os.Getenv("PIPEWRIGHT_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}

	// OPENAI_API_KEY fills openai resources that set no key of their own.
	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		for name, r := range c.Resources {
			if r.Type == ResourceOpenAI && r.APIKey == "" {
				r.APIKey = val
				c.Resources[name] = r
			}
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Budget.MonthlyCeilingUSD < 0 {
		errs = append(errs, fmt.Sprintf("budget.monthly_ceiling_usd must not be negative, got %v", c.Budget.MonthlyCeilingUSD))
	}
	if c.Budget.WarningThreshold <= 0 || c.Budget.WarningThreshold > 1 {
		errs = append(errs, fmt.Sprintf("budget.warning_threshold must be in (0, 1], got %v", c.Budget.WarningThreshold))
	}

	switch c.Cache.Backend {
	case CacheNone, CacheMemory, CacheBadger:
	default:
		errs = append(errs, fmt.Sprintf("cache.backend must be one of [none, memory, badger], got %q", c.Cache.Backend))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, "cache.ttl must not be negative")
	}
	if c.Cache.GCInterval < 0 {
		errs = append(errs, "cache.gc_interval must not be negative")
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Sprintf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Sprintf("retry.jitter must be between 0 and 1, got %v", c.Retry.Jitter))
	}

	if c.Orchestrator.MaxConcurrency < 1 {
		errs = append(errs, fmt.Sprintf("orchestrator.max_concurrency must be positive, got %d", c.Orchestrator.MaxConcurrency))
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite backend")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be one of [memory, sqlite, postgres], got %q", c.Store.Backend))
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive.endpoint is required when archive is enabled")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive.bucket is required when archive is enabled")
		}
	}

	if err := c.Observability.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("observability: %v", err))
	}

	for _, name := range sortedKeys(c.Resources) {
		r := c.Resources[name]
		prefix := "resources." + name
		switch r.Type {
		case ResourceOpenAI:
			if r.Model == "" {
				errs = append(errs, prefix+".model is required for openai resources")
			}
		case ResourceHTTP:
			if r.URL == "" {
				errs = append(errs, prefix+".url is required for http resources")
			}
			if r.Extract != "" {
				if q, err := gojq.Parse(r.Extract); err != nil {
					errs = append(errs, fmt.Sprintf("%s.extract: %v", prefix, err))
				} else if _, err := gojq.Compile(q); err != nil {
					errs = append(errs, fmt.Sprintf("%s.extract: %v", prefix, err))
				}
			}
			if o := r.OAuth2; o != nil && (o.TokenURL == "" || o.ClientID == "" || o.ClientSecret == "") {
				errs = append(errs, prefix+".oauth2 requires token_url, client_id and client_secret")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s.type must be one of [openai, http], got %q", prefix, r.Type))
		}
		seenFallback := make(map[string]bool, len(r.Fallback))
		for _, fb := range r.Fallback {
			target, ok := c.Resources[fb]
			switch {
			case fb == name:
				errs = append(errs, prefix+".fallback must not list the resource itself")
			case !ok:
				errs = append(errs, fmt.Sprintf("%s.fallback: undefined resource %s", prefix, fb))
			case len(target.Fallback) > 0:
				errs = append(errs, fmt.Sprintf("%s.fallback: %s has its own fallback; chains do not nest", prefix, fb))
			case seenFallback[fb]:
				errs = append(errs, fmt.Sprintf("%s.fallback: %s listed twice", prefix, fb))
			}
			seenFallback[fb] = true
		}
		if r.CircuitBreakerThreshold < 0 {
			errs = append(errs, prefix+".circuit_breaker_threshold must not be negative")
		}
		if r.RequestsPerMinute < 0 {
			errs = append(errs, prefix+".requests_per_minute must not be negative")
		}
		if r.RequestsPerMinute > 0 && r.Burst < 1 {
			errs = append(errs, prefix+".burst must be at least 1")
		}
	}

	for _, name := range sortedKeys(c.Pipelines) {
		tmpl := c.template(name, c.Pipelines[name])
		if err := tmpl.Validate(); err != nil {
			var specErr *pwerrors.InvalidPipelineSpecError
			if errors.As(err, &specErr) {
				for _, p := range specErr.Problems {
					errs = append(errs, fmt.Sprintf("pipelines.%s: %s", name, p))
				}
			} else {
				errs = append(errs, fmt.Sprintf("pipelines.%s: %v", name, err))
			}
		}
		for _, s := range c.Pipelines[name].Stages {
			r, ok := c.Resources[s.Resource]
			if s.Resource != "" && !ok {
				errs = append(errs, fmt.Sprintf("pipelines.%s: stage %s uses undefined resource %s", name, s.Name, s.Resource))
				continue
			}
			if worst, maxTokens, ok := worstCaseCost(r, s); ok && budget.USD(s.EstimatedCostUSD) < worst {
				errs = append(errs, fmt.Sprintf(
					"pipelines.%s: stage %s estimated_cost_usd %.6f is below the worst case %.6f for max_tokens %d",
					name, s.Name, s.EstimatedCostUSD, worst.Dollars(), maxTokens))
			}
		}
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			errs = append(errs, fmt.Sprintf("schedules[%d].name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Sprintf("schedules.%s: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if _, ok := c.Pipelines[s.Pipeline]; !ok {
			errs = append(errs, fmt.Sprintf("schedules.%s: unknown pipeline %q", label, s.Pipeline))
		}
		if strings.TrimSpace(s.Cron) == "" {
			errs = append(errs, fmt.Sprintf("schedules.%s: cron is required", label))
		} else if _, err := scheduler.ParseCron(s.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("schedules.%s: %v", label, err))
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				errs = append(errs, fmt.Sprintf("schedules.%s: invalid timezone %q", label, s.Timezone))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// worstCaseCost bounds what one call of an openai stage can cost: the
// unrendered prompt plus system message at the input price and the full
// completion budget at the output price. ok is false when the stage is not an
// openai stage, has no completion cap or its model has no known price.
func worstCaseCost(r ResourceConfig, s StageConfig) (worst budget.Amount, maxTokens int, ok bool) {
	if r.Type != ResourceOpenAI {
		return 0, 0, false
	}
	model := r.Model
	if m, isStr := s.Inputs["model"].(string); isStr && m != "" {
		model = m
	}
	maxTokens = r.MaxTokens
	if n, isInt := s.Inputs["max_tokens"].(int); isInt {
		maxTokens = n
	}
	if maxTokens <= 0 {
		return 0, 0, false
	}

	pricing, known := openai.LookupPricing(model)
	if r.InputPricePerMillion > 0 || r.OutputPricePerMillion > 0 {
		pricing = openai.ModelPricing{
			Model:                 model,
			InputPricePerMillion:  r.InputPricePerMillion,
			OutputPricePerMillion: r.OutputPricePerMillion,
		}
		known = true
	}
	if !known {
		return 0, 0, false
	}

	prompt, _ := s.Inputs["prompt"].(string)
	system := r.SystemPrompt
	if sys, isStr := s.Inputs["system"].(string); isStr && sys != "" {
		system = sys
	}
	return pricing.MaxCost(len(prompt)+len(system), maxTokens), maxTokens, true
}

// Template converts a configured pipeline into an engine template.
func (c *Config) Template(name string) (pipeline.Template, error) {
	pc, ok := c.Pipelines[name]
	if !ok {
		return pipeline.Template{}, &pwerrors.NotFoundError{Resource: "pipeline", ID: name}
	}
	return c.template(name, pc), nil
}

// Templates returns every configured pipeline, sorted by name.
func (c *Config) Templates() []pipeline.Template {
	out := make([]pipeline.Template, 0, len(c.Pipelines))
	for _, name := range sortedKeys(c.Pipelines) {
		out = append(out, c.template(name, c.Pipelines[name]))
	}
	return out
}

func (c *Config) template(name string, pc PipelineConfig) pipeline.Template {
	tmpl := pipeline.Template{
		Name:           name,
		MaxConcurrency: pc.MaxConcurrency,
		Deadline:       pc.Deadline,
		Stages:         make([]pipeline.StageSpec, 0, len(pc.Stages)),
	}
	for _, s := range pc.Stages {
		maxRetries := c.Retry.MaxRetries
		if s.MaxRetries != nil {
			maxRetries = *s.MaxRetries
		}
		tmpl.Stages = append(tmpl.Stages, pipeline.StageSpec{
			Name:          s.Name,
			Resource:      s.Resource,
			EstimatedCost: budget.USD(s.EstimatedCostUSD),
			DependsOn:     slices.Clone(s.DependsOn),
			Idempotent:    s.Idempotent,
			MaxRetries:    maxRetries,
			Timeout:       s.Timeout,
			Inputs:        s.Inputs,
			Condition:     s.Condition,
			CacheTTL:      s.CacheTTL,
		})
	}
	return tmpl
}

// BucketConfigs returns a token bucket per rate-limited resource.
func (c *Config) BucketConfigs() []ratelimit.Config {
	var out []ratelimit.Config
	for _, name := range sortedKeys(c.Resources) {
		r := c.Resources[name]
		if r.RequestsPerMinute <= 0 {
			continue
		}
		out = append(out, ratelimit.Config{
			Resource: name,
			Capacity: r.Burst,
			Rate:     r.RequestsPerMinute / 60,
			MaxWait:  r.MaxWait,
		})
	}
	return out
}

// RetryPolicy returns the configured default retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:     c.Retry.MaxRetries,
		InitialDelay:   c.Retry.InitialDelay,
		MaxDelay:       c.Retry.MaxDelay,
		Multiplier:     c.Retry.Multiplier,
		Jitter:         c.Retry.Jitter,
		MaxHintedWaits: c.Retry.MaxHintedWaits,
		MaxHintDelay:   c.Retry.MaxHintDelay,
	}
}

// LedgerConfig returns the ledger settings. The caller supplies the opening
// spend and the logger.
func (c *Config) LedgerConfig() budget.Config {
	return budget.Config{
		Ceiling:          budget.USD(c.Budget.MonthlyCeilingUSD),
		WarningThreshold: c.Budget.WarningThreshold,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
