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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tombee/pipewright/internal/commands/shared"
)

const validConfig = `
store:
  backend: memory
resources:
  api:
    type: http
    url: http://api.test
pipelines:
  seo:
    stages:
      - name: outline
        resource: api
        estimated_cost_usd: 0.02
        depends_on: [keywords]
      - name: keywords
        resource: api
        estimated_cost_usd: 0.01
`

const cyclicConfig = `
store:
  backend: memory
resources:
  api:
    type: http
    url: http://api.test
pipelines:
  loop:
    stages:
      - name: a
        resource: api
        depends_on: [b]
      - name: b
        resource: api
        depends_on: [a]
`

func runCommand(t *testing.T, content string, jsonOut bool) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	shared.SetFlagsForTest(t, path, jsonOut)

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate_Valid(t *testing.T) {
	out, err := runCommand(t, validConfig, false)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "configuration valid") {
		t.Errorf("expected success message, got %q", out)
	}
	if !strings.Contains(out, "keywords -> outline") {
		t.Errorf("expected execution order, got %q", out)
	}
}

func TestValidate_JSON(t *testing.T) {
	out, err := runCommand(t, validConfig, true)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	var resp struct {
		Success   bool              `json:"success"`
		Pipelines []PipelineSummary `json:"pipelines"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if !resp.Success || len(resp.Pipelines) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	p := resp.Pipelines[0]
	if p.Name != "seo" || p.Stages != 2 {
		t.Errorf("unexpected summary: %+v", p)
	}
	if p.EstimatedCostUSD != 0.03 {
		t.Errorf("EstimatedCostUSD = %v, want 0.03", p.EstimatedCostUSD)
	}
}

func TestValidate_Cycle(t *testing.T) {
	_, err := runCommand(t, cyclicConfig, false)
	if err == nil {
		t.Fatal("expected error for cyclic pipeline")
	}
	if code := shared.ExitCode(err); code != shared.ExitInvalidConfig {
		t.Errorf("ExitCode() = %d, want %d", code, shared.ExitInvalidConfig)
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected cycle in error, got %v", err)
	}
}
