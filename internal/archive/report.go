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

package archive

import (
	"encoding/json"
	"time"

	"github.com/tombee/pipewright/pkg/pipeline"
)

// Report is the archived summary of a finished run.
type Report struct {
	RunID        string                       `json:"run_id"`
	Pipeline     string                       `json:"pipeline"`
	Status       pipeline.RunStatus           `json:"status"`
	TotalCostUSD float64                      `json:"total_cost_usd"`
	Duration     string                       `json:"duration"`
	StatusCounts map[pipeline.StageStatus]int `json:"status_counts"`
	Stages       []StageReport                `json:"stages"`
	Params       map[string]any               `json:"params,omitempty"`
	StartedAt    time.Time                    `json:"started_at"`
	CompletedAt  time.Time                    `json:"completed_at"`
}

// StageReport is one stage line of a Report. Output is included only when
// it is JSON.
type StageReport struct {
	Stage     string               `json:"stage"`
	Status    pipeline.StageStatus `json:"status"`
	Attempts  int                  `json:"attempts"`
	CostUSD   float64              `json:"cost_usd"`
	ErrorKind pipeline.ErrorKind   `json:"error_kind,omitempty"`
	Error     string               `json:"error,omitempty"`
	Output    json.RawMessage      `json:"output,omitempty"`
}

// NewReport summarizes a run.
func NewReport(run *pipeline.Run) *Report {
	r := &Report{
		RunID:        run.ID,
		Pipeline:     run.Pipeline,
		Status:       run.Status,
		TotalCostUSD: run.TotalCost.Dollars(),
		StatusCounts: make(map[pipeline.StageStatus]int),
		Stages:       make([]StageReport, 0, len(run.Results)),
		Params:       run.Params,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
	if !run.CompletedAt.IsZero() {
		r.Duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
	}
	for _, res := range run.Results {
		r.StatusCounts[res.Status]++
		sr := StageReport{
			Stage:     res.Stage,
			Status:    res.Status,
			Attempts:  res.Attempts,
			CostUSD:   res.Cost.Dollars(),
			ErrorKind: res.ErrorKind,
			Error:     res.Error,
		}
		if res.Output.ContentType == "application/json" && json.Valid(res.Output.Data) {
			sr.Output = json.RawMessage(res.Output.Data)
		}
		r.Stages = append(r.Stages, sr)
	}
	return r
}
