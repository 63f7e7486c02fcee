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

/*
Package tracing provides OpenTelemetry tracing and metrics for pipeline runs.

Setup installs a global tracer provider and a Prometheus-backed meter provider:

	provider, err := tracing.Setup(ctx, tracing.Config{
	    Enabled:     true,
	    ServiceName: "pipewright",
	    Exporters: []tracing.ExporterConfig{
	        {Type: tracing.ExporterOTLP, Endpoint: "localhost:4317", Insecure: true},
	    },
	})
	defer provider.Shutdown(ctx)

The engine opens one root span per run and one child span per stage:

	ctx, span := tracing.StartRun(ctx, runID, "seo-audit")
	defer span.End()

	ctx, stage := tracing.StartStage(ctx, "fetch_serp", "serp-api")
	stage.SetAttributes(map[string]any{"attempts": 2})
	stage.SetOK()
	stage.End()

Without Setup the spans go to the global no-op provider.
*/
package tracing
