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

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

// Condition is a compiled stage condition.
//
// The expression sees two variables:
//
//	params  map of run parameters
//	stages  map of stage name to status string ("success", "cached", ...)
//
// Example: `params.region != "" && stages.keyword_research == "success"`
type Condition struct {
	source  string
	program *vm.Program
}

// CompileCondition compiles a boolean expression.
func CompileCondition(source string) (*Condition, error) {
	program, err := expr.Compile(source,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}
	return &Condition{source: source, program: program}, nil
}

// String returns the expression source.
func (c *Condition) String() string {
	return c.source
}

// Evaluate runs the condition against run params and the statuses of the
// stages finished so far.
func (c *Condition) Evaluate(params map[string]any, statuses map[string]StageStatus) (bool, error) {
	if params == nil {
		params = map[string]any{}
	}
	stages := make(map[string]any, len(statuses))
	for name, s := range statuses {
		stages[name] = string(s)
	}

	out, err := expr.Run(c.program, map[string]any{
		"params": params,
		"stages": stages,
	})
	if err != nil {
		return false, &pwerrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("evaluating %q: %v", c.source, err),
			Suggestion: "check that referenced params exist for this run",
		}
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, &pwerrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("%q returned %T, want bool", c.source, out),
		}
	}
	return ok, nil
}
