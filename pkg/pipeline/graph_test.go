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
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

func stage(name, resource string, deps ...string) StageSpec {
	return StageSpec{Name: name, Resource: resource, DependsOn: deps}
}

func problemsOf(t *testing.T, err error) []string {
	t.Helper()
	var specErr *pwerrors.InvalidPipelineSpecError
	require.True(t, errors.As(err, &specErr), "want InvalidPipelineSpecError, got %v", err)
	return specErr.Problems
}

func TestNewGraph_Valid(t *testing.T) {
	g, err := NewGraph("seo", []StageSpec{
		stage("serp", "serp-api"),
		stage("keywords", "llm"),
		stage("brief", "llm", "serp", "keywords"),
		stage("publish", "cms", "brief"),
	})
	require.NoError(t, err)

	assert.Equal(t, "seo", g.Name())
	assert.Len(t, g.Stages(), 4)
	assert.Equal(t, []string{"brief"}, g.Dependents("serp"))
	assert.Equal(t, []string{"serp", "keywords", "brief", "publish"}, g.TopologicalOrder())

	s, ok := g.Stage("brief")
	require.True(t, ok)
	assert.Equal(t, []string{"serp", "keywords"}, s.DependsOn)
	_, ok = g.Stage("missing")
	assert.False(t, ok)
}

func TestNewGraph_TopologicalOrderFollowsDependencies(t *testing.T) {
	g, err := NewGraph("p", []StageSpec{
		stage("c", "r", "b"),
		stage("b", "r", "a"),
		stage("a", "r"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, g.TopologicalOrder())
}

func TestNewGraph_Problems(t *testing.T) {
	tests := []struct {
		name   string
		stages []StageSpec
		want   string
	}{
		{"empty", nil, "pipeline has no stages"},
		{"missing name", []StageSpec{{Resource: "r"}}, "stage #1: name is required"},
		{"duplicate name", []StageSpec{stage("a", "r"), stage("a", "r")}, "stage a: duplicate name"},
		{"missing resource", []StageSpec{{Name: "a"}}, "stage a: resource is required"},
		{"negative cost", []StageSpec{{Name: "a", Resource: "r", EstimatedCost: -1}}, "estimated cost must not be negative"},
		{"negative retries", []StageSpec{{Name: "a", Resource: "r", MaxRetries: -1}}, "max retries must not be negative"},
		{"self dependency", []StageSpec{stage("a", "r", "a")}, "stage a: depends on itself"},
		{"duplicate dependency", []StageSpec{stage("a", "r"), stage("b", "r", "a", "a")}, "dependency a listed twice"},
		{"unknown dependency", []StageSpec{stage("a", "r", "ghost")}, "stage a: unknown dependency ghost"},
		{"bad condition", []StageSpec{{Name: "a", Resource: "r", Condition: "params.x =="}}, "stage a: invalid condition"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph("p", tt.stages)
			problems := problemsOf(t, err)
			assert.True(t, slices.ContainsFunc(problems, func(p string) bool {
				return strings.Contains(p, tt.want)
			}), "problems %v do not mention %q", problems, tt.want)
		})
	}
}

func TestNewGraph_Cycle(t *testing.T) {
	_, err := NewGraph("p", []StageSpec{
		stage("a", "r", "c"),
		stage("b", "r", "a"),
		stage("c", "r", "b"),
	})
	problems := problemsOf(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, "dependency cycle: a -> b -> c -> a", problems[0])
}

func TestNewGraph_CollectsAllProblems(t *testing.T) {
	_, err := NewGraph("p", []StageSpec{
		{Name: "a"},
		stage("b", "r", "ghost"),
	})
	assert.Len(t, problemsOf(t, err), 2)
}

func TestTemplate_Validate(t *testing.T) {
	tmpl := Template{Name: "p", Stages: []StageSpec{stage("a", "r")}}
	assert.NoError(t, tmpl.Validate())

	tmpl.MaxConcurrency = -1
	tmpl.Deadline = -1
	assert.Len(t, problemsOf(t, tmpl.Validate()), 2)
}
