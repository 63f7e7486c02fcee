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

package secrets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestResolve_Keychain(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, Store("openai", "sk-from-keychain"))

	v, err := Resolve("keychain:openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-from-keychain", v)

	_, err = Resolve("keychain:missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Resolve("keychain:")
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "keychain:", resErr.Ref)
}

func TestResolve_KeychainUnavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("dbus: no session bus"))
	t.Cleanup(keyring.MockInit)

	_, err := Resolve("keychain:openai")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "keychain unavailable")
}

func TestResolve_Env(t *testing.T) {
	t.Setenv("SERP_TOKEN", "tok-123")

	v, err := Resolve("env:SERP_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", v)

	_, err = Resolve("env:PIPEWRIGHT_SURELY_UNSET")
	assert.ErrorIs(t, err, ErrNotFound)

	v, err = Resolve("Bearer ${SERP_TOKEN}")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", v)
}

func TestResolve_Plain(t *testing.T) {
	v, err := Resolve("application/json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", v)
}

func TestStore_RequiresName(t *testing.T) {
	keyring.MockInit()
	assert.Error(t, Store("", "x"))
}
