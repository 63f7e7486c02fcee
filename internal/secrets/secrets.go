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

// Package secrets resolves credential references found in configuration.
//
// A value may be written as
//
//	keychain:<name>   entry <name> of the "pipewright" service in the system keychain
//	env:<NAME>        environment variable NAME, which must be set
//
// Any other value is expanded with os.ExpandEnv, so "Bearer ${TOKEN}" works
// as well.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeychainService is the keychain service holding pipewright entries.
const KeychainService = "pipewright"

const (
	keychainPrefix = "keychain:"
	envPrefix      = "env:"
)

// ErrNotFound is returned when a referenced secret does not exist.
var ErrNotFound = errors.New("secret not found")

// ResolutionError describes a reference that could not be resolved.
type ResolutionError struct {
	Ref    string
	Reason string
	Cause  error
}

func (e *ResolutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resolving %s: %s: %v", e.Ref, e.Reason, e.Cause)
	}
	return fmt.Sprintf("resolving %s: %s", e.Ref, e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

// Resolve returns the secret value ref points at.
func Resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, keychainPrefix):
		name := strings.TrimPrefix(ref, keychainPrefix)
		if name == "" {
			return "", &ResolutionError{Ref: ref, Reason: "empty keychain entry name"}
		}
		v, err := keyring.Get(KeychainService, name)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", &ResolutionError{Ref: ref, Reason: "keychain entry not found", Cause: ErrNotFound}
		}
		if err != nil {
			return "", &ResolutionError{Ref: ref, Reason: "keychain unavailable", Cause: err}
		}
		return v, nil

	case strings.HasPrefix(ref, envPrefix):
		name := strings.TrimPrefix(ref, envPrefix)
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", &ResolutionError{Ref: ref, Reason: "environment variable not set", Cause: ErrNotFound}
		}
		return v, nil
	}
	return os.ExpandEnv(ref), nil
}

// Store writes a keychain entry for later keychain: references.
func Store(name, value string) error {
	if name == "" {
		return errors.New("keychain entry name is required")
	}
	return keyring.Set(KeychainService, name, value)
}
