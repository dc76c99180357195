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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// runConfigProbe runs the app with an extra command that captures the
// result of loadConfig under the given global arguments.
func runConfigProbe(t *testing.T, args ...string) (*config, error) {
	t.Helper()
	var cfg *config
	var err error
	app := newApp()
	app.Commands = append(app.Commands, &cli.Command{
		Name: "probe-config",
		Action: func(ctx *cli.Context) error {
			cfg, err = loadConfig(ctx)
			return nil
		},
	})
	argv := append([]string{"gominatim"}, append(args, "probe-config")...)
	require.NoError(t, app.Run(argv))
	return cfg, err
}

func clearDSNEnv(t *testing.T) {
	t.Helper()
	t.Setenv(dsnEnvVar, "")
	os.Unsetenv(dsnEnvVar)
}

func TestSpecialPhrasesWithoutSourceIsNoop(t *testing.T) {
	// No import source selected: exit cleanly without touching any
	// configuration or database.
	err := newApp().Run([]string{"gominatim", "special-phrases"})
	assert.NoError(t, err)
}

func TestLoadConfigRequiresDSN(t *testing.T) {
	clearDSNEnv(t)

	_, err := runConfigProbe(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), dsnEnvVar)
}

func TestLoadConfigFromTOML(t *testing.T) {
	clearDSNEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "gominatim.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"dsn = \"dbname=nominatim\"\nthreads = 4\nproject-dir = \""+dir+"\"\n"), 0o644))

	cfg, err := runConfigProbe(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "dbname=nominatim", cfg.DSN)
	assert.Equal(t, 4, cfg.Threads)
	assert.Equal(t, dir, cfg.ProjectDir)
}

func TestLoadConfigFlagOverridesFile(t *testing.T) {
	clearDSNEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "gominatim.toml")
	require.NoError(t, os.WriteFile(path, []byte("dsn = \"dbname=old\"\n"), 0o644))

	cfg, err := runConfigProbe(t, "--config", path, "--dsn", "dbname=new", "--project-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "dbname=new", cfg.DSN)
}
