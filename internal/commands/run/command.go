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

package run

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tombee/pipewright/internal/archive"
	"github.com/tombee/pipewright/internal/commands/shared"
	"github.com/tombee/pipewright/pkg/pipeline"
)

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		params     []string
		paramsFile string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Execute a pipeline once",
		Long: `Run executes a configured pipeline and prints a report of every stage.

Parameters are given as key=value. Values are parsed as YAML scalars, so
--param limit=10 passes an integer and --param dry=true a boolean.

Exit codes:
  0  run succeeded
  1  unexpected error
  2  invalid configuration or pipeline
  3  run finished with a status other than succeeded`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseParams(params, paramsFile)
			if err != nil {
				return shared.NewInvalidConfigError("parsing parameters", err)
			}
			return runPipeline(cmd, args[0], values, timeout)
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Run parameter in key=value format (repeatable)")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "JSON or YAML file with run parameters")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the run after this long")

	return cmd
}

func runPipeline(cmd *cobra.Command, name string, params map[string]any, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	eng, err := shared.OpenEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	tmpl, err := eng.Template(name)
	if err != nil {
		return shared.NewInvalidConfigError(fmt.Sprintf("pipeline %q", name), err)
	}

	if showProgress() {
		stderr := cmd.ErrOrStderr()
		eng.Events.On(pipeline.EventStageCompleted, func(_ context.Context, ev *pipeline.Event) {
			if ev.Result != nil {
				fmt.Fprintf(stderr, "  %s %s\n", shared.RenderStageStatus(ev.Result.Status), ev.Stage)
			}
		})
	}

	run, err := eng.Orchestrator.Run(ctx, tmpl, params)
	if err != nil {
		return shared.NewInvalidConfigError(fmt.Sprintf("pipeline %q", name), err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			*archive.Report
		}{
			JSONResponse: shared.NewJSONResponse("run", run.Status == pipeline.RunSucceeded),
			Report:       archive.NewReport(run),
		}
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else {
		PrintRun(out, run)
	}

	if run.Status != pipeline.RunSucceeded {
		return shared.NewRunNotSucceededError(fmt.Sprintf("run %s finished %s", run.ID, run.Status))
	}
	return nil
}

func showProgress() bool {
	return !shared.GetJSON() && !shared.GetQuiet() && term.IsTerminal(int(os.Stderr.Fd()))
}

// PrintRun writes a human-readable run report.
func PrintRun(w io.Writer, run *pipeline.Run) {
	fmt.Fprintf(w, "%s %s\n", shared.Header.Render("Run"), run.ID)
	fmt.Fprintf(w, "%s %s\n", shared.RenderLabel("pipeline:"), run.Pipeline)
	fmt.Fprintf(w, "%s %s\n", shared.RenderLabel("status:  "), shared.RenderRunStatus(run.Status))
	fmt.Fprintf(w, "%s $%.4f\n", shared.RenderLabel("cost:    "), run.TotalCost.Dollars())
	if !run.CompletedAt.IsZero() {
		fmt.Fprintf(w, "%s %s\n", shared.RenderLabel("duration:"), run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if len(run.Results) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tATTEMPTS\tCOST\tERROR")
	for _, res := range run.Results {
		errText := string(res.ErrorKind)
		if res.Error != "" {
			errText = fmt.Sprintf("%s: %s", res.ErrorKind, truncate(res.Error, 80))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t$%.4f\t%s\n", res.Stage, res.Status, res.Attempts, res.Cost.Dollars(), errText)
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// parseParams merges the params file (if any) with key=value arguments;
// arguments win.
func parseParams(args []string, file string) (map[string]any, error) {
	params := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading params file: %w", err)
		}
		// YAML is a superset of JSON.
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("parsing params file %s: %w", file, err)
		}
		if params == nil {
			params = make(map[string]any)
		}
	}

	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", arg)
		}
		params[key] = parseScalar(raw)
	}
	return normalize(params), nil
}

// parseScalar decodes raw as a YAML scalar, falling back to the raw string.
func parseScalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case string, bool, int, float64:
		return v
	}
	return raw
}

// normalize round-trips params through JSON so conditions and cache
// fingerprints see the same types whether params came from a file or flags.
func normalize(params map[string]any) map[string]any {
	data, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return params
	}
	return out
}
