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

// Package runs implements the run history commands.
package runs

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/pipewright/internal/archive"
	runcmd "github.com/tombee/pipewright/internal/commands/run"
	"github.com/tombee/pipewright/internal/commands/shared"
	"github.com/tombee/pipewright/internal/engine"
	"github.com/tombee/pipewright/internal/store"
	"github.com/tombee/pipewright/pkg/pipeline"
)

// NewCommand creates the runs command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	return cmd
}

func openStore(cmd *cobra.Command) (context.Context, store.Store, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, nil, shared.NewInvalidConfigError("loading configuration", err)
	}
	st, err := engine.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return ctx, st, nil
}

func newListCommand() *cobra.Command {
	var (
		pipelineName string
		status       string
		since        time.Duration
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := store.RunFilter{
				Pipeline: pipelineName,
				Status:   pipeline.RunStatus(status),
				Limit:    limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			list, err := st.ListRuns(ctx, filter)
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				reports := make([]*archive.Report, 0, len(list))
				for _, r := range list {
					reports = append(reports, archive.NewReport(r))
				}
				return shared.EmitJSON(out, struct {
					shared.JSONResponse
					Runs []*archive.Report `json:"runs"`
				}{shared.NewJSONResponse("runs list", true), reports})
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATUS\tCOST\tSTARTED")
			for _, r := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t$%.4f\t%s\n", r.ID, r.Pipeline, r.Status, r.TotalCost.Dollars(), r.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "Only runs of this pipeline")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status")
	cmd.Flags().DurationVar(&since, "since", 0, "Only runs started within this window (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultListLimit, "Maximum runs to list")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its stage results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, struct {
					shared.JSONResponse
					*archive.Report
				}{shared.NewJSONResponse("runs show", true), archive.NewReport(run)})
			}
			runcmd.PrintRun(out, run)
			return nil
		},
	}
}
