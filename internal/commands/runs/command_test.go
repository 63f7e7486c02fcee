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

package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pipewright/internal/commands/shared"
	"github.com/tombee/pipewright/internal/store/sqlite"
	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
	"github.com/tombee/pipewright/pkg/pipeline"
)

func setup(t *testing.T, jsonOut bool) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runs.db")

	st, err := sqlite.New(sqlite.Config{Path: dbPath})
	require.NoError(t, err)
	now := time.Now().UTC()
	for i, status := range []pipeline.RunStatus{pipeline.RunSucceeded, pipeline.RunFailed} {
		started := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.SaveRun(context.Background(), &pipeline.Run{
			ID:          fmt.Sprintf("run-%d", i),
			Pipeline:    "seo",
			Status:      status,
			StartedAt:   started,
			CompletedAt: started.Add(time.Second),
			TotalCost:   budget.Cent,
			Results: []pipeline.StageResult{{
				Stage:       "keywords",
				Status:      pipeline.StageSuccess,
				Attempts:    1,
				Cost:        budget.Cent,
				Output:      pipeline.Payload{ContentType: "application/json", Data: []byte(`{"n":1}`)},
				StartedAt:   started,
				CompletedAt: started.Add(time.Second),
			}},
		}))
	}
	require.NoError(t, st.Close())

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf("store:\n  backend: sqlite\n  path: %s\n", dbPath)), 0o600))
	shared.SetFlagsForTest(t, cfgPath, jsonOut)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestList_FilterByStatus(t *testing.T) {
	setup(t, true)

	out, err := execute(t, "list", "--status", "failed")
	require.NoError(t, err)

	var resp struct {
		Runs []struct {
			RunID  string             `json:"run_id"`
			Status pipeline.RunStatus `json:"status"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "run-1", resp.Runs[0].RunID)
}

func TestList_Text(t *testing.T) {
	setup(t, false)

	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "run-0")
	assert.Contains(t, out, "run-1")
}

func TestShow(t *testing.T) {
	setup(t, true)

	out, err := execute(t, "show", "run-0")
	require.NoError(t, err)

	var resp struct {
		Success bool `json:"success"`
		Stages  []struct {
			Stage  string          `json:"stage"`
			Output json.RawMessage `json:"output"`
		} `json:"stages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.True(t, resp.Success)
	require.Len(t, resp.Stages, 1)
	assert.JSONEq(t, `{"n":1}`, string(resp.Stages[0].Output))
}

func TestShow_NotFound(t *testing.T) {
	setup(t, false)

	_, err := execute(t, "show", "nope")
	var nf *pwerrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, shared.ExitFailure, shared.ExitCode(err))
}
