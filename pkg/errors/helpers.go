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

// Package errors defines the error taxonomy shared by the orchestration engine.
//
// Errors are plain struct types so callers can match them with errors.As.
// Types that influence retry decisions implement ErrorClassifier.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClassifier is implemented by errors that know whether retrying the
// failed operation can help.
type ErrorClassifier interface {
	error

	// ErrorType returns a short category string (e.g. "timeout", "budget_exceeded").
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}

// Wrap annotates err with a message. Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf annotates err with a formatted message. Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsRetryable reports whether err (or anything it wraps) declares itself retryable.
// The second return value is false when no error in the chain classifies itself.
func IsRetryable(err error) (retryable bool, classified bool) {
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.IsRetryable(), true
	}
	return false, false
}
