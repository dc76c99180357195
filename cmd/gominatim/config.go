// Copyright 2024 The gominatim Authors
// This file is part of gominatim.
//
// gominatim is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// gominatim is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with gominatim. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"
)

// config is the optional TOML project configuration. Command line flags
// override values from the file.
type config struct {
	DSN        string   `toml:"dsn"`
	Threads    int      `toml:"threads"`
	ProjectDir string   `toml:"project-dir"`
	Languages  []string `toml:"languages"`
	WebUser    string   `toml:"web-user"`
}

func loadConfig(ctx *cli.Context) (*config, error) {
	cfg := &config{ProjectDir: "."}

	if path := ctx.String(configFlag.Name); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if ctx.IsSet(dsnFlag.Name) || cfg.DSN == "" {
		cfg.DSN = ctx.String(dsnFlag.Name)
	}
	if ctx.IsSet(projectDirFlag.Name) {
		cfg.ProjectDir = ctx.String(projectDirFlag.Name)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("no database DSN configured (set --%s or %s)",
			dsnFlag.Name, dsnEnvVar)
	}
	if _, err := os.Stat(cfg.ProjectDir); err != nil {
		return nil, fmt.Errorf("project directory: %w", err)
	}
	return cfg, nil
}
