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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tombee/pipewright/internal/config"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitInvalidConfig   = 2
	ExitRunNotSucceeded = 3
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewInvalidConfigError creates an error for invalid configuration or
// pipeline definitions.
func NewInvalidConfigError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

// NewRunNotSucceededError creates an error for a run that finished with a
// status other than succeeded.
func NewRunNotSucceededError(msg string) *ExitError {
	return &ExitError{
		Code:    ExitRunNotSucceeded,
		Message: msg,
	}
}

// ExitCode maps err to a process exit code. Configuration and pipeline
// definition errors map to ExitInvalidConfig even when not wrapped in an
// ExitError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var cfgErr *pwerrors.ConfigError
	var specErr *pwerrors.InvalidPipelineSpecError
	if errors.As(err, &cfgErr) || errors.As(err, &specErr) || errors.Is(err, config.ErrInvalidConfig) {
		return ExitInvalidConfig
	}
	return ExitFailure
}

// HandleExitError prints err and exits with the mapped code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

// PrintError writes err and any suggestion it carries to w.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())

	var valErr *pwerrors.ValidationError
	if errors.As(err, &valErr) && valErr.Suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", valErr.Suggestion)
	}
}
