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

// Package store defines persistence for pipeline runs.
//
// # Interface Hierarchy
//
//   - pipeline.Sink (required): SaveRun, SaveStageResult
//   - RunReader: GetRun, ListRuns
//   - SpendStore: MonthSpend, used to seed the budget ledger after a restart
//   - io.Closer
//
// Store composes all of these. The memory, sqlite and postgres subpackages
// implement Store.
package store

import (
	"context"
	"io"
	"time"

	"github.com/tombee/pipewright/pkg/budget"
	"github.com/tombee/pipewright/pkg/pipeline"
)

// RunReader reads persisted runs.
type RunReader interface {
	// GetRun returns the run with its stage results. Missing runs return
	// *errors.NotFoundError.
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)

	// ListRuns returns runs newest first, without stage results.
	ListRuns(ctx context.Context, filter RunFilter) ([]*pipeline.Run, error)
}

// SpendStore reports committed spend.
type SpendStore interface {
	// MonthSpend returns the cost of every stage result completed at or
	// after since.
	MonthSpend(ctx context.Context, since time.Time) (budget.Amount, error)
}

// Store is a full persistence backend.
type Store interface {
	pipeline.Sink
	RunReader
	SpendStore
	io.Closer
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Pipeline string
	Status   pipeline.RunStatus
	// Since excludes runs started before it.
	Since time.Time
	// Limit caps the result count. Zero means 50.
	Limit int
}

// DefaultListLimit is the ListRuns limit when the filter sets none.
const DefaultListLimit = 50

// EffectiveLimit returns the filter's limit or the default.
func (f RunFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}
