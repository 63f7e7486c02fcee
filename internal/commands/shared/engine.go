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
	"context"
	"log/slog"
	"os"

	"github.com/tombee/pipewright/internal/config"
	"github.com/tombee/pipewright/internal/engine"
	"github.com/tombee/pipewright/internal/log"
)

// LoadConfig loads the file named by --config, falling back to the XDG
// config path when the flag is unset. Without either, defaults and the
// environment apply.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		path = config.ConfigPath()
	}
	return config.Load(path)
}

// NewLogger builds the process logger from the log section. --verbose
// forces debug level.
func NewLogger(cfg *config.Config) *slog.Logger {
	lc := &log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	}
	if GetVerbose() {
		lc.Level = "debug"
	}
	if GetQuiet() && !GetVerbose() {
		lc.Level = "error"
	}
	return log.New(lc)
}

// OpenEngine loads the configuration and wires an engine. Configuration
// errors are returned as ExitInvalidConfig errors.
func OpenEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, NewInvalidConfigError("loading configuration", err)
	}
	v, _, _ := GetVersion()
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = v
	}
	logger := NewLogger(cfg)
	slog.SetDefault(logger)
	return engine.New(ctx, cfg, engine.Options{Logger: logger})
}
