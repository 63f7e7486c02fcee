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
	"fmt"
	"strings"

	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

// Graph is a validated, acyclic stage graph.
type Graph struct {
	name       string
	stages     []StageSpec
	index      map[string]int
	dependents map[string][]string
	conditions map[string]*Condition
}

// NewGraph validates stages and builds the dependency graph. Every problem
// found is reported in a single *errors.InvalidPipelineSpecError.
func NewGraph(name string, stages []StageSpec) (*Graph, error) {
	g := &Graph{
		name:       name,
		stages:     make([]StageSpec, len(stages)),
		index:      make(map[string]int, len(stages)),
		dependents: make(map[string][]string, len(stages)),
		conditions: make(map[string]*Condition),
	}
	copy(g.stages, stages)

	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(stages) == 0 {
		addf("pipeline has no stages")
	}

	for i, s := range stages {
		label := s.Name
		if strings.TrimSpace(s.Name) == "" {
			label = fmt.Sprintf("#%d", i+1)
			addf("stage %s: name is required", label)
		} else if _, dup := g.index[s.Name]; dup {
			addf("stage %s: duplicate name", label)
		} else {
			g.index[s.Name] = i
		}

		if strings.TrimSpace(s.Resource) == "" {
			addf("stage %s: resource is required", label)
		}
		if s.EstimatedCost < 0 {
			addf("stage %s: estimated cost must not be negative", label)
		}
		if s.MaxRetries < 0 {
			addf("stage %s: max retries must not be negative", label)
		}
		if s.Timeout < 0 {
			addf("stage %s: timeout must not be negative", label)
		}
		if s.CacheTTL < 0 {
			addf("stage %s: cache ttl must not be negative", label)
		}
		if s.Condition != "" {
			cond, err := CompileCondition(s.Condition)
			if err != nil {
				addf("stage %s: invalid condition: %v", label, err)
			} else {
				g.conditions[s.Name] = cond
			}
		}
	}

	for _, s := range stages {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			switch {
			case dep == s.Name:
				addf("stage %s: depends on itself", s.Name)
			case seen[dep]:
				addf("stage %s: dependency %s listed twice", s.Name, dep)
			default:
				if _, ok := g.index[dep]; !ok {
					addf("stage %s: unknown dependency %s", s.Name, dep)
				} else {
					g.dependents[dep] = append(g.dependents[dep], s.Name)
				}
			}
			seen[dep] = true
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		addf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	if len(problems) > 0 {
		return nil, &pwerrors.InvalidPipelineSpecError{Pipeline: name, Problems: problems}
	}
	return g, nil
}

// findCycle runs a depth-first search with temporary and permanent marks and
// returns the first cycle found as a path that starts and ends on the same stage.
func (g *Graph) findCycle() []string {
	permanent := make(map[string]bool, len(g.stages))
	temporary := make(map[string]bool)
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		if permanent[name] {
			return false
		}
		if temporary[name] {
			for i, n := range stack {
				if n == name {
					cycle = append(append([]string{}, stack[i:]...), name)
					break
				}
			}
			return true
		}

		temporary[name] = true
		stack = append(stack, name)
		for _, next := range g.dependents[name] {
			if visit(next) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		delete(temporary, name)
		permanent[name] = true
		return false
	}

	for _, s := range g.stages {
		if _, ok := g.index[s.Name]; !ok {
			continue
		}
		if visit(s.Name) {
			return cycle
		}
	}
	return nil
}

// Name returns the template name.
func (g *Graph) Name() string {
	return g.name
}

// Stages returns the stages in declaration order.
func (g *Graph) Stages() []StageSpec {
	out := make([]StageSpec, len(g.stages))
	copy(out, g.stages)
	return out
}

// Stage looks up a stage by name.
func (g *Graph) Stage(name string) (StageSpec, bool) {
	i, ok := g.index[name]
	if !ok {
		return StageSpec{}, false
	}
	return g.stages[i], true
}

// Dependents returns the stages that depend directly on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Condition returns the compiled condition for a stage, or nil.
func (g *Graph) Condition(name string) *Condition {
	return g.conditions[name]
}

// TopologicalOrder returns stage names so that every stage follows its
// dependencies. Ties keep declaration order.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.stages))
	for _, s := range g.stages {
		indegree[s.Name] = len(s.DependsOn)
	}

	order := make([]string, 0, len(g.stages))
	done := make(map[string]bool, len(g.stages))
	for len(order) < len(g.stages) {
		progressed := false
		for _, s := range g.stages {
			if done[s.Name] || indegree[s.Name] > 0 {
				continue
			}
			done[s.Name] = true
			order = append(order, s.Name)
			for _, d := range g.dependents[s.Name] {
				indegree[d]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return order
}

// Validate checks the template without running it.
func (t Template) Validate() error {
	g, err := NewGraph(t.Name, t.Stages)
	if err != nil {
		return err
	}
	var problems []string
	if t.MaxConcurrency < 0 {
		problems = append(problems, "max concurrency must not be negative")
	}
	if t.Deadline < 0 {
		problems = append(problems, "deadline must not be negative")
	}
	if len(problems) > 0 {
		return &pwerrors.InvalidPipelineSpecError{Pipeline: g.Name(), Problems: problems}
	}
	return nil
}
