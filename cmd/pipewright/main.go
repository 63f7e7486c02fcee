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

package main

import (
	"github.com/tombee/pipewright/internal/cli"
	budgetcmd "github.com/tombee/pipewright/internal/commands/budget"
	"github.com/tombee/pipewright/internal/commands/run"
	"github.com/tombee/pipewright/internal/commands/runs"
	"github.com/tombee/pipewright/internal/commands/schedule"
	secretscmd "github.com/tombee/pipewright/internal/commands/secrets"
	"github.com/tombee/pipewright/internal/commands/validate"
	versioncmd "github.com/tombee/pipewright/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())
	rootCmd.AddCommand(schedule.NewCommand())
	rootCmd.AddCommand(budgetcmd.NewCommand())
	rootCmd.AddCommand(runs.NewCommand())
	rootCmd.AddCommand(secretscmd.NewCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
