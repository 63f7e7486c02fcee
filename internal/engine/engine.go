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

// Package engine assembles the orchestrator and its collaborators from a
// loaded configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tombee/pipewright/internal/archive"
	"github.com/tombee/pipewright/internal/config"
	"github.com/tombee/pipewright/internal/executor/failover"
	"github.com/tombee/pipewright/internal/executor/httpjson"
	"github.com/tombee/pipewright/internal/executor/openai"
	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/internal/metrics"
	"github.com/tombee/pipewright/internal/secrets"
	"github.com/tombee/pipewright/internal/store"
	"github.com/tombee/pipewright/internal/store/memory"
	"github.com/tombee/pipewright/internal/store/postgres"
	"github.com/tombee/pipewright/internal/store/sqlite"
	"github.com/tombee/pipewright/internal/tracing"
	"github.com/tombee/pipewright/pkg/budget"
	"github.com/tombee/pipewright/pkg/cache"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/pipeline"
	"github.com/tombee/pipewright/pkg/ratelimit"
)

// Options customizes New.
type Options struct {
	Logger *slog.Logger

	// Executors replaces the executors built from the resource config.
	Executors pipeline.Executors

	// Store replaces the configured store.
	Store store.Store

	// TracingOptions are passed to tracing.Setup.
	TracingOptions []tracing.Option

	// Now overrides the clock.
	Now func() time.Time
}

// Engine is a wired orchestrator with everything it depends on.
type Engine struct {
	Config       *config.Config
	Logger       *slog.Logger
	Store        store.Store
	Ledger       *budget.Ledger
	Limiter      *ratelimit.Registry
	Cache        cache.Cache
	Events       *pipeline.EventEmitter
	Runner       *pipeline.Runner
	Orchestrator *pipeline.Orchestrator
	Telemetry    *tracing.Provider

	closers []func(context.Context) error
}

// New builds an engine. On error, everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Engine, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{Config: cfg, Logger: logger, Events: pipeline.NewEventEmitter()}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	e.Telemetry, err = tracing.Setup(ctx, cfg.Observability, opts.TracingOptions...)
	if err != nil {
		return nil, &pwerrors.ConfigError{Key: "observability", Reason: "setting up telemetry", Cause: err}
	}
	e.closers = append(e.closers, e.Telemetry.Shutdown)

	e.Store = opts.Store
	if e.Store == nil {
		e.Store, err = OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
	}
	e.closers = append(e.closers, func(context.Context) error { return e.Store.Close() })

	sink := pipeline.Sink(e.Store)
	if cfg.Archive.Enabled {
		acfg, err := archiveConfig(cfg.Archive)
		if err != nil {
			return nil, err
		}
		arch, err := archive.New(ctx, acfg, logger)
		if err != nil {
			return nil, err
		}
		sink = pipeline.MultiSink{e.Store, arch}
	}

	spent, err := e.Store.MonthSpend(ctx, budget.PeriodStart(now()))
	if err != nil {
		return nil, pwerrors.Wrap(err, "reading month spend")
	}
	ledgerCfg := cfg.LedgerConfig()
	ledgerCfg.OpeningSpent = spent
	ledgerCfg.Logger = logger
	ledgerCfg.Now = now
	ledgerCfg.OnWarning = func(s budget.Snapshot) {
		metrics.ObserveBudget(s)
	}
	e.Ledger, err = budget.NewLedger(ledgerCfg)
	if err != nil {
		return nil, &pwerrors.ConfigError{Key: "budget", Reason: "invalid ledger", Cause: err}
	}
	metrics.ObserveBudget(e.Ledger.Snapshot())

	e.Limiter, err = ratelimit.NewRegistry(cfg.BucketConfigs())
	if err != nil {
		return nil, &pwerrors.ConfigError{Key: "resources", Reason: "invalid rate limit", Cause: err}
	}

	respCache, closeCache, err := OpenCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	if closeCache != nil {
		e.closers = append(e.closers, func(context.Context) error { return closeCache() })
	}
	e.Cache = respCache

	executors := opts.Executors
	if executors == nil {
		executors, err = BuildExecutors(cfg, e.Limiter, logger)
		if err != nil {
			return nil, err
		}
	}

	policy := cfg.RetryPolicy()
	e.Runner, err = pipeline.NewRunner(pipeline.RunnerConfig{
		Executors: executors,
		Ledger:    e.Ledger,
		Limiter:   e.Limiter,
		Cache:     respCache,
		Retry:     &policy,
		Events:    e.Events,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	e.Orchestrator, err = pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Runner:         e.Runner,
		Sink:           sink,
		Events:         e.Events,
		MaxConcurrency: cfg.Orchestrator.MaxConcurrency,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	metrics.NewRecorder(e.Ledger, e.Telemetry.MetricsCollector()).Attach(e.Events)
	return e, nil
}

// Template returns the named pipeline template.
func (e *Engine) Template(name string) (pipeline.Template, error) {
	return e.Config.Template(name)
}

// Close waits for active runs and releases resources in reverse order of
// acquisition.
func (e *Engine) Close(ctx context.Context) error {
	if e.Orchestrator != nil {
		e.Orchestrator.Wait()
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// OpenStore opens the configured run store.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreSQLite, "":
		s, err := sqlite.New(sqlite.Config{Path: cfg.Path, WAL: true})
		if err != nil {
			return nil, pwerrors.Wrap(err, "opening sqlite store")
		}
		return s, nil
	case config.StorePostgres:
		s, err := postgres.New(ctx, postgres.Config{ConnectionString: cfg.DSN})
		if err != nil {
			return nil, pwerrors.Wrap(err, "opening postgres store")
		}
		return s, nil
	default:
		return nil, &pwerrors.ConfigError{Key: "store.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

// OpenCache opens the configured response cache. Both results are nil when
// caching is disabled. The returned close function is nil for caches that
// hold no resources.
func OpenCache(cfg config.CacheConfig, logger *slog.Logger) (cache.Cache, func() error, error) {
	switch cfg.Backend {
	case config.CacheNone:
		return nil, nil, nil
	case config.CacheMemory, "":
		return cache.NewMemoryCache(cache.MemoryConfig{TTL: cfg.TTL, MaxEntries: cfg.MaxEntries}), nil, nil
	case config.CacheBadger:
		c, err := cache.OpenBadger(cache.BadgerConfig{
			Path:   cfg.Path,
			TTL:    cfg.TTL,
			Logger: log.WithComponent(logger, "badger"),
		})
		if err != nil {
			return nil, nil, pwerrors.Wrap(err, "opening badger cache")
		}
		return c, c.Close, nil
	default:
		return nil, nil, &pwerrors.ConfigError{Key: "cache.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

// BuildExecutors creates one executor per configured resource. A resource
// with a fallback list is wrapped in a failover chain; limiter, when set,
// gates calls to the fallback members.
func BuildExecutors(cfg *config.Config, limiter *ratelimit.Registry, logger *slog.Logger) (pipeline.Executors, error) {
	names := make([]string, 0, len(cfg.Resources))
	for name := range cfg.Resources {
		names = append(names, name)
	}
	sort.Strings(names)

	executors := make(pipeline.Executors, len(names))
	for _, name := range names {
		rc := cfg.Resources[name]
		var (
			ex  pipeline.Executor
			err error
		)
		switch rc.Type {
		case config.ResourceOpenAI:
			var apiKey string
			apiKey, err = resolveSecret("resources."+name+".api_key", rc.APIKey)
			if err != nil {
				return nil, err
			}
			ocfg := openai.Config{
				Resource:     name,
				APIKey:       apiKey,
				BaseURL:      rc.BaseURL,
				Model:        rc.Model,
				MaxTokens:    rc.MaxTokens,
				SystemPrompt: rc.SystemPrompt,
				Timeout:      rc.Timeout,
				Logger:       logger,
			}
			if rc.InputPricePerMillion > 0 || rc.OutputPricePerMillion > 0 {
				ocfg.Pricing = &openai.ModelPricing{
					Model:                 rc.Model,
					InputPricePerMillion:  rc.InputPricePerMillion,
					OutputPricePerMillion: rc.OutputPricePerMillion,
				}
			}
			ex, err = openai.New(ocfg)
		case config.ResourceHTTP:
			hcfg := httpjson.Config{
				Resource:              name,
				URL:                   rc.URL,
				Method:                rc.Method,
				Headers:               make(map[string]string, len(rc.Headers)),
				Extract:               rc.Extract,
				CostHeader:            rc.CostHeader,
				FlatCost:              budget.USD(rc.FlatCostUSD),
				Timeout:               rc.Timeout,
				HostRequestsPerSecond: rc.HostRequestsPerSecond,
				Logger:                logger,
			}
			for k, v := range rc.Headers {
				if hcfg.Headers[k], err = resolveSecret("resources."+name+".headers."+k, v); err != nil {
					return nil, err
				}
			}
			if o := rc.OAuth2; o != nil {
				secret, err := resolveSecret("resources."+name+".oauth2.client_secret", o.ClientSecret)
				if err != nil {
					return nil, err
				}
				hcfg.OAuth2 = &httpjson.OAuth2Config{
					TokenURL:     o.TokenURL,
					ClientID:     o.ClientID,
					ClientSecret: secret,
					Scopes:       o.Scopes,
				}
			}
			ex, err = httpjson.New(hcfg)
		default:
			err = &pwerrors.ConfigError{Key: "resources." + name + ".type", Reason: fmt.Sprintf("unknown type %q", rc.Type)}
		}
		if err != nil {
			return nil, err
		}
		executors[name] = ex
	}

	chained := make(pipeline.Executors, len(executors))
	for _, name := range names {
		rc := cfg.Resources[name]
		if len(rc.Fallback) == 0 {
			chained[name] = executors[name]
			continue
		}
		members := []failover.Member{{Resource: name, Executor: executors[name]}}
		for _, fb := range rc.Fallback {
			ex, ok := executors[fb]
			if !ok {
				return nil, &pwerrors.ConfigError{Key: "resources." + name + ".fallback", Reason: fmt.Sprintf("undefined resource %s", fb)}
			}
			members = append(members, failover.Member{Resource: fb, Executor: ex})
		}
		ex, err := failover.New(failover.Config{
			Resource:                name,
			Members:                 members,
			Limiter:                 limiter,
			CircuitBreakerThreshold: rc.CircuitBreakerThreshold,
			CircuitBreakerTimeout:   rc.CircuitBreakerTimeout,
			Logger:                  logger,
		})
		if err != nil {
			return nil, err
		}
		chained[name] = ex
	}
	return chained, nil
}

func archiveConfig(c config.ArchiveConfig) (archive.Config, error) {
	accessKey, err := resolveSecret("archive.access_key", c.AccessKey)
	if err != nil {
		return archive.Config{}, err
	}
	secretKey, err := resolveSecret("archive.secret_key", c.SecretKey)
	if err != nil {
		return archive.Config{}, err
	}
	return archive.Config{
		Endpoint:  c.Endpoint,
		Bucket:    c.Bucket,
		Prefix:    c.Prefix,
		Region:    c.Region,
		AccessKey: accessKey,
		SecretKey: secretKey,
		UseSSL:    c.UseSSL,
	}, nil
}

// resolveSecret resolves a keychain:, env: or ${VAR} value from the config.
func resolveSecret(key, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	v, err := secrets.Resolve(value)
	if err != nil {
		return "", &pwerrors.ConfigError{Key: key, Reason: "cannot resolve secret", Cause: err}
	}
	return v, nil
}
