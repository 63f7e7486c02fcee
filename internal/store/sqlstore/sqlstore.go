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

// Package sqlstore implements store.Store over database/sql. The sqlite and
// postgres packages supply the driver, schema and dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/pipewright/internal/store"
	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/pipeline"
)

var _ store.Store = (*Store)(nil)

// Dialect captures the differences between SQL backends.
type Dialect struct {
	// Name is used in error messages.
	Name string

	// Numbered selects $1, $2 placeholders instead of ?.
	Numbered bool

	// Time converts a timestamp into a column value. Nil passes time.Time
	// through unchanged.
	Time func(time.Time) any

	// Migrations create the runs and stage_results tables.
	Migrations []string
}

// Store persists runs in a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New runs the dialect's migrations and returns a store that owns db.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	for _, migration := range dialect.Migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return nil, fmt.Errorf("%s migration failed: %w", dialect.Name, err)
		}
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders for numbered dialects.
func (s *Store) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	if s.dialect.Time != nil {
		return s.dialect.Time(t)
	}
	return t
}

const upsertRun = `INSERT INTO runs (id, pipeline, status, params, total_cost_micros, started_at, completed_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		params = excluded.params,
		total_cost_micros = excluded.total_cost_micros,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at,
		updated_at = excluded.updated_at`

const upsertResult = `INSERT INTO stage_results (run_id, stage, position, status, attempts, cost_micros, error_kind, error, output_type, output, started_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (run_id, stage) DO UPDATE SET
		position = COALESCE(excluded.position, stage_results.position),
		status = excluded.status,
		attempts = excluded.attempts,
		cost_micros = excluded.cost_micros,
		error_kind = excluded.error_kind,
		error = excluded.error,
		output_type = excluded.output_type,
		output = excluded.output,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at`

// SaveRun upserts the run and every result it carries in one transaction.
func (s *Store) SaveRun(ctx context.Context, run *pipeline.Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(upsertRun),
		run.ID, run.Pipeline, string(run.Status), string(params), int64(run.TotalCost),
		s.timeValue(run.StartedAt), s.timeValue(run.CompletedAt), s.timeValue(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	for i, res := range run.Results {
		if err := s.saveResult(ctx, tx, run.ID, i, res); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	return nil
}

// SaveStageResult upserts one result. Its position is fixed later by SaveRun.
func (s *Store) SaveStageResult(ctx context.Context, runID string, result pipeline.StageResult) error {
	return s.saveResult(ctx, s.db, runID, -1, result)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) saveResult(ctx context.Context, db execer, runID string, position int, res pipeline.StageResult) error {
	var pos any
	if position >= 0 {
		pos = position
	}
	_, err := db.ExecContext(ctx, s.rebind(upsertResult),
		runID, res.Stage, pos, string(res.Status), res.Attempts, int64(res.Cost),
		string(res.ErrorKind), res.Error, res.Output.ContentType, res.Output.Data,
		s.timeValue(res.StartedAt), s.timeValue(res.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save stage result %s/%s: %w", runID, res.Stage, err)
	}
	return nil
}

const selectRun = `SELECT id, pipeline, status, params, total_cost_micros, started_at, completed_at FROM runs`

// GetRun returns a run and its results in declaration order. Results not
// yet positioned by SaveRun follow in completion order.
func (s *Store) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectRun+` WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pwerrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT stage, status, attempts, cost_micros, error_kind, error, output_type, output, started_at, completed_at
		FROM stage_results WHERE run_id = ?
		ORDER BY CASE WHEN position IS NULL THEN 1 ELSE 0 END, position, completed_at, stage`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			res                  pipeline.StageResult
			status, kind         string
			errText, contentType sql.NullString
			cost                 int64
			started, completed   timeScanner
		)
		if err := rows.Scan(&res.Stage, &status, &res.Attempts, &cost, &kind, &errText,
			&contentType, &res.Output.Data, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		res.Status = pipeline.StageStatus(status)
		res.ErrorKind = pipeline.ErrorKind(kind)
		res.Error = errText.String
		res.Cost = budget.Amount(cost)
		res.Output.ContentType = contentType.String
		if len(res.Output.Data) == 0 {
			res.Output.Data = nil
		}
		res.StartedAt = started.Time
		res.CompletedAt = completed.Time
		run.Results = append(run.Results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stage results: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first without their results.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*pipeline.Run, error) {
	query := selectRun + ` WHERE 1=1`
	var args []any
	if filter.Pipeline != "" {
		query += ` AND pipeline = ?`
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, s.timeValue(filter.Since))
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, filter.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MonthSpend sums the cost of results completed at or after since.
func (s *Store) MonthSpend(ctx context.Context, since time.Time) (budget.Amount, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(SUM(cost_micros), 0) FROM stage_results WHERE completed_at >= ?`),
		s.timeValue(since),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return budget.Amount(total), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*pipeline.Run, error) {
	var (
		run                pipeline.Run
		status             string
		params             sql.NullString
		cost               int64
		started, completed timeScanner
	)
	if err := row.Scan(&run.ID, &run.Pipeline, &status, &params, &cost, &started, &completed); err != nil {
		return nil, err
	}
	run.Status = pipeline.RunStatus(status)
	run.TotalCost = budget.Amount(cost)
	run.StartedAt = started.Time
	run.CompletedAt = completed.Time
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	return &run, nil
}
