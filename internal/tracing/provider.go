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

package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/tombee/pipewright/internal/tracing/export"
	"github.com/tombee/pipewright/internal/tracing/redact"
)

// Provider owns the tracer and meter providers installed by Setup.
type Provider struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	gatherer prometheus.Gatherer
	metrics  *MetricsCollector
}

type setupOptions struct {
	registry  *prometheus.Registry
	exporters []sdktrace.SpanExporter
}

// Option customizes Setup.
type Option func(*setupOptions)

// WithRegistry registers metrics on reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *setupOptions) { o.registry = reg }
}

// WithSpanExporter adds an exporter in addition to the configured ones.
// Spans are exported synchronously, which suits tests.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *setupOptions) { o.exporters = append(o.exporters, exp) }
}

// Setup builds the tracer and meter providers from cfg and installs them
// globally. Metrics are always collected; spans only when cfg.Enabled or an
// explicit exporter is supplied.
func Setup(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o setupOptions
	for _, opt := range opts {
		opt(&o)
	}

	// Empty schema URL avoids conflicts when merging with the default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{gatherer: prometheus.DefaultGatherer}

	var promOpts []otelprom.Option
	if o.registry != nil {
		promOpts = append(promOpts, otelprom.WithRegisterer(o.registry))
		p.gatherer = o.registry
	}
	promExporter, err := otelprom.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	p.metrics, err = NewMetricsCollector(p.mp)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	if !cfg.Enabled && len(o.exporters) == 0 {
		return p, nil
	}
	mode, _ := redact.ParseMode(cfg.Redaction)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.Sampling)),
	}
	if cfg.Enabled {
		for _, ec := range cfg.Exporters {
			exp, err := newExporter(ctx, cfg, ec)
			if err != nil {
				return nil, err
			}
			tpOpts = append(tpOpts, sdktrace.WithBatcher(redact.NewExporter(mode, exp),
				sdktrace.WithMaxExportBatchSize(cfg.BatchSize),
				sdktrace.WithBatchTimeout(cfg.BatchInterval),
			))
		}
	}
	for _, exp := range o.exporters {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(redact.NewExporter(mode, exp)))
	}

	p.tp = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

func newExporter(ctx context.Context, cfg Config, ec ExporterConfig) (sdktrace.SpanExporter, error) {
	if ec.Type == ExporterConsole {
		return export.NewConsoleExporter(export.ConsoleConfig{PrettyPrint: ec.PrettyPrint})
	}

	oc := export.OTLPConfig{
		Endpoint:  ec.Endpoint,
		Insecure:  ec.Insecure,
		Headers:   ec.Headers,
		UserAgent: cfg.ServiceName + "/" + cfg.ServiceVersion,
	}
	if ec.TLS.Enabled {
		tlsCfg, err := export.BuildTLSConfig(export.TLSOptions{
			VerifyCertificate: ec.TLS.VerifyCertificate,
			CACertPath:        ec.TLS.CACertPath,
		})
		if err != nil {
			return nil, err
		}
		oc.TLSConfig = tlsCfg
	}

	if ec.Type == ExporterOTLPHTTP {
		return export.NewOTLPHTTPExporter(ctx, oc)
	}
	return export.NewOTLPExporter(ctx, oc)
}

// MetricsCollector returns the collector for run and stage metrics.
func (p *Provider) MetricsCollector() *MetricsCollector {
	return p.metrics
}

// MetricsHandler serves the registry the Prometheus reader writes to.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// ForceFlush exports all pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.ForceFlush(ctx))
	}
	errs = append(errs, p.mp.ForceFlush(ctx))
	return errors.Join(errs...)
}

// Shutdown flushes pending spans and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	errs = append(errs, p.mp.Shutdown(ctx))
	return errors.Join(errs...)
}
