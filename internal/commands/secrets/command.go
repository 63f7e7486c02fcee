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

// Package secrets implements the keychain secret commands.
package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/pipewright/internal/commands/shared"
	"github.com/tombee/pipewright/internal/secrets"
)

// NewCommand creates the secrets command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage keychain secrets referenced as keychain:<name>",
	}
	cmd.AddCommand(newSetCommand(os.Stdin))
	return cmd
}

func newSetCommand(stdin io.Reader) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret in the system keychain",
		Long: `Store a secret in the system keychain. The value is read from stdin,
without echo when stdin is a terminal. Reference it in the config as
keychain:<name>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readSecret(cmd, stdin)
			if err != nil {
				return err
			}
			if value == "" {
				return errors.New("secret value is empty")
			}
			if err := secrets.Store(args[0], value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), struct {
					shared.JSONResponse
					Reference string `json:"reference"`
				}{shared.NewJSONResponse("secrets set", true), "keychain:" + args[0]})
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("stored keychain:"+args[0]))
			}
			return nil
		},
	}
}

func readSecret(cmd *cobra.Command, stdin io.Reader) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Value: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
