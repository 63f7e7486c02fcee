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

// Package budget implements the budget command.
package budget

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/pipewright/internal/commands/schedule"
	"github.com/tombee/pipewright/internal/commands/shared"
	"github.com/tombee/pipewright/internal/engine"
	"github.com/tombee/pipewright/internal/store"
	"github.com/tombee/pipewright/pkg/budget"
	"github.com/tombee/pipewright/pkg/pipeline"
)

// RunCost is one run's contribution to the period's spend.
type RunCost struct {
	RunID     string             `json:"run_id"`
	Pipeline  string             `json:"pipeline"`
	Status    pipeline.RunStatus `json:"status"`
	CostUSD   float64            `json:"cost_usd"`
	StartedAt time.Time          `json:"started_at"`
}

// NewCommand creates the budget command
func NewCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show this month's spend against the ceiling",
		Long: `Budget reads committed spend for the current calendar month (UTC) from
the run store and compares it with the configured monthly ceiling. The most
recent runs of the period are listed with their cost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBudget(cmd, limit, time.Now())
		},
	}
	cmd.Flags().IntVar(&limit, "runs", 10, "Number of recent runs to list")
	return cmd
}

func runBudget(cmd *cobra.Command, limit int, now time.Time) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return shared.NewInvalidConfigError("loading configuration", err)
	}
	st, err := engine.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	period := budget.PeriodStart(now)
	spent, err := st.MonthSpend(ctx, period)
	if err != nil {
		return fmt.Errorf("reading month spend: %w", err)
	}

	ledgerCfg := cfg.LedgerConfig()
	ledgerCfg.OpeningSpent = spent
	ledgerCfg.Now = func() time.Time { return now }
	ledger, err := budget.NewLedger(ledgerCfg)
	if err != nil {
		return shared.NewInvalidConfigError("budget", err)
	}
	snap := ledger.Snapshot()

	recent, err := recentRuns(ctx, st, period, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Budget schedule.BudgetStatus `json:"budget"`
			Runs   []RunCost             `json:"runs"`
		}{shared.NewJSONResponse("budget", true), schedule.NewBudgetStatus(snap), recent})
	}

	fmt.Fprintf(out, "%s %s\n", shared.Header.Render("Budget"), period.Format("January 2006"))
	fmt.Fprintf(out, "  %s $%.2f\n", shared.RenderLabel("ceiling:  "), snap.Ceiling.Dollars())
	fmt.Fprintf(out, "  %s $%.4f\n", shared.RenderLabel("spent:    "), snap.Spent.Dollars())
	fmt.Fprintf(out, "  %s $%.4f\n", shared.RenderLabel("remaining:"), snap.Remaining.Dollars())
	switch {
	case snap.Exhausted:
		fmt.Fprintln(out, "  "+shared.RenderError("ceiling reached: new stages are skipped until next month"))
	case snap.Spent >= snap.WarningAt && snap.Ceiling > 0:
		fmt.Fprintln(out, "  "+shared.RenderWarn(fmt.Sprintf("above warning threshold ($%.2f)", snap.WarningAt.Dollars())))
	}

	if len(recent) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATUS\tCOST\tSTARTED")
	for _, r := range recent {
		fmt.Fprintf(tw, "%s\t%s\t%s\t$%.4f\t%s\n", r.RunID, r.Pipeline, r.Status, r.CostUSD, r.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func recentRuns(ctx context.Context, st store.RunReader, since time.Time, limit int) ([]RunCost, error) {
	if limit <= 0 {
		return []RunCost{}, nil
	}
	runs, err := st.ListRuns(ctx, store.RunFilter{Since: since, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	out := make([]RunCost, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunCost{
			RunID:     r.ID,
			Pipeline:  r.Pipeline,
			Status:    r.Status,
			CostUSD:   r.TotalCost.Dollars(),
			StartedAt: r.StartedAt,
		})
	}
	return out, nil
}
