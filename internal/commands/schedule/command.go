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

// Package schedule implements the scheduler daemon command.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	runcmd "github.com/tombee/pipewright/internal/commands/run"
	"github.com/tombee/pipewright/internal/commands/shared"
	"github.com/tombee/pipewright/internal/config"
	"github.com/tombee/pipewright/internal/engine"
	"github.com/tombee/pipewright/internal/log"
	"github.com/tombee/pipewright/internal/scheduler"
	"github.com/tombee/pipewright/pkg/budget"
	"github.com/tombee/pipewright/pkg/cache"
	"github.com/tombee/pipewright/pkg/pipeline"
)

// badgerGCDiscardRatio rewrites a value-log file once half of it is stale.
const badgerGCDiscardRatio = 0.5

// NewCommand creates the schedule command
func NewCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run configured schedules until interrupted",
		Long: `Schedule runs every configured schedule on its cron expression until
interrupted. A schedule whose previous run is still active skips the tick.

When a metrics address is configured (metrics.addr or --metrics-addr) the
daemon serves:
  /metrics   Prometheus metrics
  /status    schedules and budget as JSON
  /healthz   liveness`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics on this address (overrides metrics.addr)")

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newTriggerCommand())
	return cmd
}

func runDaemon(cmd *cobra.Command, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := shared.OpenEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	sched, err := newScheduler(eng)
	if err != nil {
		return shared.NewInvalidConfigError("schedules", err)
	}
	if len(eng.Config.Schedules) == 0 {
		eng.Logger.Warn("no schedules configured")
	}

	if metricsAddr == "" {
		metricsAddr = eng.Config.Metrics.Addr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if bc, ok := eng.Cache.(*cache.BadgerCache); ok && eng.Config.Cache.GCInterval > 0 {
		g.Go(func() error {
			bc.RunGCLoop(gctx, eng.Config.Cache.GCInterval, badgerGCDiscardRatio)
			return nil
		})
	}
	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           log.HTTPMiddleware(log.WithComponent(eng.Logger, "http"), NewHandler(sched, eng)),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			eng.Logger.Info("serving metrics", slog.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func newScheduler(eng *engine.Engine) (*scheduler.Scheduler, error) {
	schedules, err := Schedules(eng.Config)
	if err != nil {
		return nil, err
	}
	return scheduler.New(scheduler.Config{
		Schedules: schedules,
		Ledger:    eng.Ledger,
		Logger:    eng.Logger,
	}, scheduler.FromOrchestrator(eng.Orchestrator))
}

// Schedules converts the configured schedules.
func Schedules(cfg *config.Config) ([]scheduler.Schedule, error) {
	out := make([]scheduler.Schedule, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		tmpl, err := cfg.Template(sc.Pipeline)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
		out = append(out, scheduler.Schedule{
			Name:     sc.Name,
			Cron:     sc.Cron,
			Template: tmpl,
			Params:   sc.Params,
			Timezone: sc.Timezone,
		})
	}
	return out, nil
}

// StatusResponse is served on /status.
type StatusResponse struct {
	Schedules  []scheduler.ScheduleStatus `json:"schedules"`
	Budget     BudgetStatus               `json:"budget"`
	ActiveRuns int                        `json:"active_runs"`
}

// BudgetStatus is a ledger snapshot in dollars.
type BudgetStatus struct {
	CeilingUSD   float64   `json:"ceiling_usd"`
	SpentUSD     float64   `json:"spent_usd"`
	ReservedUSD  float64   `json:"reserved_usd"`
	RemainingUSD float64   `json:"remaining_usd"`
	Exhausted    bool      `json:"exhausted"`
	PeriodStart  time.Time `json:"period_start"`
}

// NewBudgetStatus converts a ledger snapshot.
func NewBudgetStatus(s budget.Snapshot) BudgetStatus {
	return BudgetStatus{
		CeilingUSD:   s.Ceiling.Dollars(),
		SpentUSD:     s.Spent.Dollars(),
		ReservedUSD:  s.Reserved.Dollars(),
		RemainingUSD: s.Remaining.Dollars(),
		Exhausted:    s.Exhausted,
		PeriodStart:  s.PeriodStart,
	}
}

// NewHandler serves metrics, status and health for the daemon.
func NewHandler(sched *scheduler.Scheduler, eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", eng.Telemetry.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = shared.EmitJSON(w, StatusResponse{
			Schedules:  sched.Status(),
			Budget:     NewBudgetStatus(eng.Ledger.Snapshot()),
			ActiveRuns: len(eng.Orchestrator.Active()),
		})
	})
	return mux
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules and their next run times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return shared.NewInvalidConfigError("loading configuration", err)
			}
			schedules, err := Schedules(cfg)
			if err != nil {
				return shared.NewInvalidConfigError("schedules", err)
			}
			// List never starts runs.
			sched, err := scheduler.New(scheduler.Config{Schedules: schedules, Logger: log.Discard()},
				func(context.Context, pipeline.Template, map[string]any) (scheduler.Handle, error) {
					return nil, errors.New("listing only")
				})
			if err != nil {
				return shared.NewInvalidConfigError("schedules", err)
			}

			out := cmd.OutOrStdout()
			status := sched.Status()
			if shared.GetJSON() {
				return shared.EmitJSON(out, struct {
					shared.JSONResponse
					Schedules []scheduler.ScheduleStatus `json:"schedules"`
				}{shared.NewJSONResponse("schedule list", true), status})
			}
			if len(status) == 0 {
				fmt.Fprintln(out, "No schedules configured")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPIPELINE\tCRON\tNEXT RUN")
			for _, s := range status {
				next := "never"
				if !s.NextRun.IsZero() {
					next = s.NextRun.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Pipeline, s.Cron, next)
			}
			return tw.Flush()
		},
	}
}

func newTriggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <schedule>",
		Short: "Run a schedule's pipeline now with the schedule's params",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := shared.OpenEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close(context.WithoutCancel(ctx))

			sched, err := newScheduler(eng)
			if err != nil {
				return shared.NewInvalidConfigError("schedules", err)
			}
			h, err := sched.Trigger(ctx, args[0])
			if err != nil {
				return shared.NewInvalidConfigError("trigger", err)
			}
			<-h.Done()

			var run *pipeline.Run
			if ph, ok := h.(*pipeline.Handle); ok {
				run = ph.Wait()
			} else if run, err = eng.Store.GetRun(context.WithoutCancel(ctx), h.ID()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("schedule:"), args[0])
			runcmd.PrintRun(out, run)
			if run.Status != pipeline.RunSucceeded {
				return shared.NewRunNotSucceededError(fmt.Sprintf("run %s finished %s", run.ID, run.Status))
			}
			return nil
		},
	}
}
