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

package pipeline

import (
	"context"
	"errors"
)

// Sink persists run records and stage results. The orchestrator calls
// SaveRun when a run starts and again when it finishes, and SaveStageResult
// once per finalized stage. Sink errors never fail a run.
type Sink interface {
	SaveRun(ctx context.Context, run *Run) error
	SaveStageResult(ctx context.Context, runID string, result StageResult) error
}

// MultiSink fans records out to several sinks. Every sink is called even
// when an earlier one fails; the errors are joined.
type MultiSink []Sink

var _ Sink = MultiSink(nil)

// SaveRun implements Sink.
func (m MultiSink) SaveRun(ctx context.Context, run *Run) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveRun(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveStageResult implements Sink.
func (m MultiSink) SaveStageResult(ctx context.Context, runID string, result StageResult) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveStageResult(ctx, runID, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopSink discards everything.
type NopSink struct{}

// SaveRun implements Sink.
func (NopSink) SaveRun(context.Context, *Run) error { return nil }

// SaveStageResult implements Sink.
func (NopSink) SaveStageResult(context.Context, string, StageResult) error { return nil }
