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

/*
Package cli provides the root command for the pipewright CLI.

The command tree is assembled in cmd/pipewright:

	pipewright
	├── run         Execute a pipeline once
	├── validate    Check a configuration and its pipelines
	├── schedule    Run the cron scheduler (list, trigger)
	├── budget      Show the month's spend against the ceiling
	├── runs        Inspect recorded runs (list, show)
	├── secrets     Store keychain secrets (set)
	├── version     Show version
	└── help        Show help, optionally as JSON

All commands inherit --verbose, --quiet, --json and --config.

Exit codes:

  - 0: success
  - 1: general error
  - 2: invalid configuration or pipeline definition
  - 3: a run finished without succeeding
*/
package cli
