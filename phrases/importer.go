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

// Package phrases imports special search phrases from the OSM wiki into
// the database. This is a one-shot data preparation task that runs through
// the name analyzer.
package phrases

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gominatim/gominatim/tokenizer"
)

const wikiBaseURL = "https://wiki.openstreetmap.org/wiki/Special:Export/Nominatim/Special_Phrases/"

// maximum concurrent wiki downloads
const fetchConcurrency = 4

// DefaultLanguages are the wiki languages processed when none are
// configured.
var DefaultLanguages = []string{
	"af", "ar", "br", "ca", "cs", "de", "en", "es",
	"et", "eu", "fa", "fi", "fr", "gl", "hr", "hu",
	"ia", "is", "it", "ja", "mk", "nl", "no", "pl",
	"ps", "pt", "ru", "sk", "sl", "sv", "uk", "vi",
}

var (
	// One table row of the wiki phrase list:
	// | label || class || type || operator || plural
	occurrencePattern = regexp.MustCompile(
		`\| ([^|]+) \|\| ([^|]+) \|\| ([^|]+) \|\| ([^|]+) \|\| ([-YN])`)

	sanityPattern = regexp.MustCompile(`^\w+$`)

	// building=yes was once imported with quotes into the wiki
	quotedTypePattern = regexp.MustCompile(`"|&quot;`)
)

// Config tunes the importer.
type Config struct {
	Languages []string            // wiki languages; DefaultLanguages when empty
	BlackList map[string][]string // class -> disallowed types
	WhiteList map[string][]string // class -> exclusively allowed types
	WebUser   string              // database user granted read access to classtype tables
	Strict    bool                // fail the import on malformed wiki entries instead of skipping
}

// Importer handles the process of special phrase importation.
type Importer struct {
	conn     tokenizer.Querier
	analyzer *tokenizer.NameAnalyzer
	client   *http.Client
	cfg      Config
	log      *zap.SugaredLogger
}

// NewImporter creates an importer working through the given connection and
// analyzer.
func NewImporter(conn tokenizer.Querier, analyzer *tokenizer.NameAnalyzer,
	cfg Config, log *zap.SugaredLogger) *Importer {
	return &Importer{
		conn:     conn,
		analyzer: analyzer,
		client:   &http.Client{Timeout: 30 * time.Second},
		cfg:      cfg,
		log:      log,
	}
}

// ImportFromWiki downloads the special phrases for all configured
// languages, replaces the phrase set in the word table and reconciles the
// place_classtype lookup tables.
func (im *Importer) ImportFromWiki(ctx context.Context) error {
	languages := im.cfg.Languages
	if len(languages) == 0 {
		languages = DefaultLanguages
	}

	var mu sync.Mutex
	var all []tokenizer.Phrase

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, lang := range languages {
		lang := lang
		g.Go(func() error {
			im.log.Warnw("Importing phrases", "lang", lang)
			content, err := im.fetchWikiContent(ctx, lang)
			if err != nil {
				return fmt.Errorf("phrases: fetching %s: %w", lang, err)
			}
			parsed, err := im.parseContent(content, lang)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, parsed...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	phrases := dedupePhrases(all)
	if err := im.analyzer.UpdateSpecialPhrases(ctx, phrases); err != nil {
		return err
	}
	if err := im.updateClassTypeTables(ctx, classTypePairs(phrases)); err != nil {
		return err
	}
	im.log.Warnw("Import done", "phrases", len(phrases))
	return nil
}

func (im *Importer) fetchWikiContent(ctx context.Context, lang string) (string, error) {
	url := wikiBaseURL + strings.ToUpper(lang)

	var content string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := im.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		content = string(body)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return content, nil
}

// parseContent extracts the phrases from one wiki page. Blacklisted or
// garbled entries are skipped (or, in strict mode, fail the import).
func (im *Importer) parseContent(content, lang string) ([]tokenizer.Phrase, error) {
	var phrases []tokenizer.Phrase
	for _, match := range occurrencePattern.FindAllStringSubmatch(content, -1) {
		label := strings.TrimSpace(match[1])
		class := strings.TrimSpace(match[2])
		typ := quotedTypePattern.ReplaceAllString(strings.TrimSpace(match[3]), "")
		operator := strings.TrimSpace(match[4])
		if operator != "near" && operator != "in" {
			operator = "-"
		}

		if im.blacklisted(class, typ) {
			continue
		}
		if !sanityPattern.MatchString(class) || !sanityPattern.MatchString(typ) {
			if im.cfg.Strict {
				return nil, fmt.Errorf("phrases: bad class/type for language %s: %s=%s",
					lang, class, typ)
			}
			im.log.Warnw("Skipping garbled wiki entry",
				"lang", lang, "class", class, "type", typ)
			continue
		}

		phrases = append(phrases, tokenizer.Phrase{
			Label: label, Class: class, Type: typ, Operator: operator,
		})
	}
	return phrases, nil
}

func (im *Importer) blacklisted(class, typ string) bool {
	if types, ok := im.cfg.BlackList[class]; ok {
		for _, t := range types {
			if t == typ {
				return true
			}
		}
	}
	if types, ok := im.cfg.WhiteList[class]; ok {
		for _, t := range types {
			if t == typ {
				return false
			}
		}
		return true
	}
	return false
}

func dedupePhrases(phrases []tokenizer.Phrase) []tokenizer.Phrase {
	seen := make(map[tokenizer.Phrase]struct{}, len(phrases))
	out := phrases[:0]
	for _, p := range phrases {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

type classType struct {
	class, typ string
}

func classTypePairs(phrases []tokenizer.Phrase) []classType {
	seen := make(map[classType]struct{})
	var pairs []classType
	for _, p := range phrases {
		ct := classType{p.Class, p.Type}
		if _, dup := seen[ct]; !dup {
			seen[ct] = struct{}{}
			pairs = append(pairs, ct)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].class != pairs[j].class {
			return pairs[i].class < pairs[j].class
		}
		return pairs[i].typ < pairs[j].typ
	})
	return pairs
}

func classTypeTableName(ct classType) string {
	return fmt.Sprintf("place_classtype_%s_%s", ct.class, ct.typ)
}

// updateClassTypeTables creates a lookup table per new class/type pair and
// drops the tables of pairs that disappeared from the wiki.
func (im *Importer) updateClassTypeTables(ctx context.Context, pairs []classType) error {
	existing, err := im.existingClassTypeTables(ctx)
	if err != nil {
		return err
	}

	im.log.Warnw("Creating classtype tables and indexes", "pairs", len(pairs))
	for _, ct := range pairs {
		table := classTypeTableName(ct)
		if _, ok := existing[table]; ok {
			delete(existing, table)
			continue
		}
		if err := im.createClassTypeTable(ctx, ct); err != nil {
			return err
		}
	}

	// Whatever is left in existing no longer matches a wiki pair.
	for table := range existing {
		if _, err := im.conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", table)); err != nil {
			return fmt.Errorf("phrases: dropping %s: %w", table, err)
		}
	}
	return nil
}

func (im *Importer) existingClassTypeTables(ctx context.Context) (map[string]struct{}, error) {
	rows, err := im.conn.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_name like 'place_classtype_%'`)
	if err != nil {
		return nil, fmt.Errorf("phrases: listing classtype tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables[name] = struct{}{}
	}
	return tables, rows.Err()
}

func (im *Importer) createClassTypeTable(ctx context.Context, ct classType) error {
	table := classTypeTableName(ct)

	// CREATE TABLE AS is a utility statement and cannot carry bind
	// parameters. class and type passed the \w+ sanity check, so splicing
	// them as literals is safe.
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q
		   AS SELECT place_id, st_centroid(geometry) AS centroid FROM placex
		   WHERE class = '%s' AND type = '%s'`, table, ct.class, ct.typ),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q USING GIST (centroid)`,
			"idx_"+table+"_centroid", table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q USING btree (place_id)`,
			"idx_"+table+"_place_id", table),
	}
	for _, stmt := range stmts {
		if _, err := im.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("phrases: creating %s: %w", table, err)
		}
	}
	if im.cfg.WebUser != "" {
		grant := fmt.Sprintf(`GRANT SELECT ON %q TO %q`, table, im.cfg.WebUser)
		if _, err := im.conn.Exec(ctx, grant); err != nil {
			return fmt.Errorf("phrases: granting on %s: %w", table, err)
		}
	}
	return nil
}
