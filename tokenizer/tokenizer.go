// Copyright 2024 The gominatim Authors
// This file is part of the gominatim library.
//
// The gominatim library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gominatim library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gominatim library. If not, see <http://www.gnu.org/licenses/>.

// Package tokenizer turns place records into search tokens.
//
// A tokenizer is bound to the lifetime of a database: it is chosen and
// configured before the initial import and must then be used consistently
// when updating the database. The only implementation here is the legacy
// tokenizer, which delegates name normalisation to stored procedures in
// the database itself.
package tokenizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/gominatim/gominatim/db"
)

// Place is one input row of the indexer. Any attribute beyond ID may be
// absent.
type Place struct {
	ID             int64
	Name           map[string]string // OSM name-tag variants (name, name:en, ...)
	Address        map[string]string // structured address parts
	CountryFeature string            // country code for country features, else empty
}

// TokenInfo is the JSON payload written into the token_info column of an
// indexed row. Absent fields mean "no such attribute on this place".
type TokenInfo struct {
	Names        string               `json:"names,omitempty"`
	HnrSearch    string               `json:"hnr_search,omitempty"`
	HnrMatch     string               `json:"hnr_match,omitempty"`
	StreetSearch string               `json:"street_search,omitempty"`
	StreetMatch  string               `json:"street_match,omitempty"`
	PlaceSearch  string               `json:"place_search,omitempty"`
	PlaceMatch   string               `json:"place_match,omitempty"`
	Addr         map[string][2]string `json:"addr,omitempty"`
}

// Empty reports whether no token information was derived at all.
func (t *TokenInfo) Empty() bool {
	return t.Names == "" && t.HnrSearch == "" && t.StreetSearch == "" &&
		t.StreetMatch == "" && t.PlaceSearch == "" && len(t.Addr) == 0
}

// Tokenizer creates name analyzers for one configured database.
type Tokenizer interface {
	Name() string
	// NameAnalyzer opens a new analyzer with its own database connection.
	// Analyzers are not thread-safe; instantiate one per worker.
	NameAnalyzer(ctx context.Context) (*NameAnalyzer, error)
}

// Legacy is the tokenizer that normalises names through the database
// module (make_standard_name and friends).
type Legacy struct {
	dsn string
	log *zap.SugaredLogger
}

// NewLegacy creates a legacy tokenizer for the given DSN.
func NewLegacy(dsn string, log *zap.SugaredLogger) *Legacy {
	return &Legacy{dsn: dsn, log: log}
}

func (t *Legacy) Name() string { return "legacy" }

func (t *Legacy) NameAnalyzer(ctx context.Context) (*NameAnalyzer, error) {
	conn, err := db.New(ctx, t.dsn)
	if err != nil {
		return nil, err
	}
	a, err := NewNameAnalyzer(ctx, conn, t.log)
	if err != nil {
		conn.Close(ctx)
		return nil, err
	}
	a.closer = conn.Close
	return a, nil
}

// ForDB instantiates the tokenizer for an existing database. When a project
// directory is configured, missing tokenizer data is a fatal configuration
// error.
func ForDB(dsn, projectDir string, log *zap.SugaredLogger) (Tokenizer, error) {
	if projectDir != "" {
		basedir := filepath.Join(projectDir, "tokenizer")
		if fi, err := os.Stat(basedir); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("tokenizer: cannot find tokenizer data in %q", basedir)
		}
	}
	return NewLegacy(dsn, log), nil
}

// HstoreValue converts a plain string map into the hstore wire type.
func HstoreValue(m map[string]string) pgtype.Hstore {
	h := make(pgtype.Hstore, len(m))
	for k, v := range m {
		v := v
		h[k] = &v
	}
	return h
}
