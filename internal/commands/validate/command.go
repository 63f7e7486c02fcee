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

package validate

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/pipewright/internal/commands/shared"
	"github.com/tombee/pipewright/internal/config"
	"github.com/tombee/pipewright/pkg/budget"
	"github.com/tombee/pipewright/pkg/pipeline"
)

// PipelineSummary describes one validated pipeline.
type PipelineSummary struct {
	Name             string   `json:"name"`
	Stages           int      `json:"stages"`
	Order            []string `json:"order"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd"`
}

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and every pipeline",
		Long: `Validate loads the configuration, checks resources, pipelines and
schedules, and prints each pipeline's execution order and worst-case cost.

Exits with code 2 when anything is invalid.`,
		Args: cobra.NoArgs,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := shared.GetConfigPath()
	if path == "" {
		path = config.ConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		if shared.GetJSON() {
			_ = shared.EmitJSONError(out, "validate", []shared.JSONError{{
				Code:    "INVALID_CONFIG",
				Message: err.Error(),
			}})
		}
		return shared.NewInvalidConfigError("configuration is invalid", err)
	}

	summaries, err := summarize(cfg)
	if err != nil {
		return shared.NewInvalidConfigError("configuration is invalid", err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			ConfigPath string            `json:"config_path,omitempty"`
			Pipelines  []PipelineSummary `json:"pipelines"`
			Resources  int               `json:"resources"`
			Schedules  int               `json:"schedules"`
		}{
			JSONResponse: shared.NewJSONResponse("validate", true),
			ConfigPath:   path,
			Pipelines:    summaries,
			Resources:    len(cfg.Resources),
			Schedules:    len(cfg.Schedules),
		})
	}

	source := path
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("configuration valid (%s)", source)))
	fmt.Fprintf(out, "  %s %d  %s %d  %s %d\n",
		shared.RenderLabel("pipelines:"), len(summaries),
		shared.RenderLabel("resources:"), len(cfg.Resources),
		shared.RenderLabel("schedules:"), len(cfg.Schedules))
	for _, s := range summaries {
		fmt.Fprintf(out, "  %s: %d stages, worst case $%.4f\n", shared.Header.Render(s.Name), s.Stages, s.EstimatedCostUSD)
		fmt.Fprintf(out, "    %s\n", shared.Muted.Render(strings.Join(s.Order, " -> ")))
	}
	return nil
}

func summarize(cfg *config.Config) ([]PipelineSummary, error) {
	templates := cfg.Templates()
	out := make([]PipelineSummary, 0, len(templates))
	for _, tmpl := range templates {
		g, err := pipeline.NewGraph(tmpl.Name, tmpl.Stages)
		if err != nil {
			return nil, err
		}
		var worst budget.Amount
		for _, s := range tmpl.Stages {
			worst += s.EstimatedCost
		}
		out = append(out, PipelineSummary{
			Name:             tmpl.Name,
			Stages:           len(tmpl.Stages),
			Order:            g.TopologicalOrder(),
			EstimatedCostUSD: worst.Dollars(),
		})
	}
	return out, nil
}
