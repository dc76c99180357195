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

// gominatim is the command line frontend for the indexing and token
// maintenance tools of a Nominatim database.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gominatim/gominatim/db"
	"github.com/gominatim/gominatim/indexer"
	"github.com/gominatim/gominatim/phrases"
	"github.com/gominatim/gominatim/tokenizer"
)

const dsnEnvVar = "NOMINATIM_DATABASE_DSN"

var (
	dsnFlag = &cli.StringFlag{
		Name:    "dsn",
		Usage:   "Database connection string",
		EnvVars: []string{dsnEnvVar},
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML project configuration file",
	}
	projectDirFlag = &cli.StringFlag{
		Name:  "project-dir",
		Usage: "Base directory of the Nominatim installation",
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "Print debug output",
	}

	threadsFlag = &cli.IntFlag{
		Name:    "threads",
		Aliases: []string{"j"},
		Usage:   "Number of parallel database connections (0 = number of CPUs)",
	}
	boundariesOnlyFlag = &cli.BoolFlag{
		Name:  "boundaries-only",
		Usage: "Index only administrative boundaries",
	}
	noBoundariesFlag = &cli.BoolFlag{
		Name:  "no-boundaries",
		Usage: "Index everything except administrative boundaries",
	}
	minRankFlag = &cli.IntFlag{
		Name:    "minrank",
		Aliases: []string{"r"},
		Usage:   "Minimum/starting rank",
		Value:   0,
	}
	maxRankFlag = &cli.IntFlag{
		Name:    "maxrank",
		Aliases: []string{"R"},
		Usage:   "Maximum/finishing rank",
		Value:   30,
	}
	fullFlag = &cli.BoolFlag{
		Name:  "full",
		Usage: "Run the complete post-import indexing sequence including postcodes",
	}
	analyseFlag = &cli.BoolFlag{
		Name:  "analyse",
		Usage: "Refresh database statistics between the indexing stages (with --full)",
	}

	importFromWikiFlag = &cli.BoolFlag{
		Name:  "import-from-wiki",
		Usage: "Import special phrases from the OSM wiki",
	}
	strictPhrasesFlag = &cli.BoolFlag{
		Name:  "strict",
		Usage: "Fail on malformed wiki entries instead of skipping them",
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "gominatim",
		Usage: "indexing tools for a Nominatim geocoding database",
		Flags: []cli.Flag{dsnFlag, configFlag, projectDirFlag, verboseFlag},
		Commands: []*cli.Command{
			{
				Name:   "index",
				Usage:  "Recompute the search index for all out-of-date places",
				Flags:  []cli.Flag{threadsFlag, boundariesOnlyFlag, noBoundariesFlag, minRankFlag, maxRankFlag, fullFlag, analyseFlag},
				Action: runIndex,
			},
			{
				Name:   "special-phrases",
				Usage:  "Maintain the table of special search phrases",
				Flags:  []cli.Flag{importFromWikiFlag, strictPhrasesFlag},
				Action: runSpecialPhrases,
			},
		},
	}
}

func newLogger(ctx *cli.Context) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if ctx.Bool(verboseFlag.Name) {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	log, _ := cfg.Build()
	return log.Sugar()
}

func runIndex(ctx *cli.Context) error {
	log := newLogger(ctx)
	defer log.Sync()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	threads := cfg.Threads
	if ctx.IsSet(threadsFlag.Name) {
		threads = ctx.Int(threadsFlag.Name)
	}

	tok, err := tokenizer.ForDB(cfg.DSN, cfg.ProjectDir, log)
	if err != nil {
		return err
	}
	ix := indexer.New(cfg.DSN, tok, threads, log)

	minrank := ctx.Int(minRankFlag.Name)
	maxrank := ctx.Int(maxRankFlag.Name)

	if ctx.Bool(fullFlag.Name) {
		if err := ix.IndexFull(ctx.Context, ctx.Bool(analyseFlag.Name)); err != nil {
			return err
		}
		return ix.UpdateStatusTable(ctx.Context)
	}

	if !ctx.Bool(noBoundariesFlag.Name) {
		if err := ix.IndexBoundaries(ctx.Context, minrank, maxrank); err != nil {
			return err
		}
	}
	if !ctx.Bool(boundariesOnlyFlag.Name) {
		if err := ix.IndexByRank(ctx.Context, minrank, maxrank); err != nil {
			return err
		}
	}

	// The full default run brings the whole database up to date, so the
	// status table can be set to indexed.
	fullRun := !ctx.Bool(boundariesOnlyFlag.Name) && !ctx.Bool(noBoundariesFlag.Name) &&
		minrank == 0 && maxrank == 30
	if fullRun {
		return ix.UpdateStatusTable(ctx.Context)
	}
	return nil
}

func runSpecialPhrases(ctx *cli.Context) error {
	log := newLogger(ctx)
	defer log.Sync()

	// Without an import source there is nothing to do.
	if !ctx.Bool(importFromWikiFlag.Name) {
		return nil
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	tok, err := tokenizer.ForDB(cfg.DSN, cfg.ProjectDir, log)
	if err != nil {
		return err
	}
	analyzer, err := tok.NameAnalyzer(ctx.Context)
	if err != nil {
		return err
	}
	defer analyzer.Close()

	conn, err := db.New(ctx.Context, cfg.DSN)
	if err != nil {
		return err
	}
	defer conn.Close(ctx.Context)

	im := phrases.NewImporter(conn, analyzer, phrases.Config{
		Languages: cfg.Languages,
		WebUser:   cfg.WebUser,
		Strict:    ctx.Bool(strictPhrasesFlag.Name),
	}, log)
	return im.ImportFromWiki(ctx.Context)
}
