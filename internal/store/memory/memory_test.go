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

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pipewright/internal/store"
	"github.com/tombee/pipewright/internal/store/storetest"
	"github.com/tombee/pipewright/pkg/pipeline"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestStore_CopiesRecords(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := &pipeline.Run{ID: "r", Pipeline: "p", Params: map[string]any{"k": "v"}}
	require.NoError(t, s.SaveRun(ctx, run))
	run.Params["k"] = "changed"

	got, err := s.GetRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Params["k"])
}
