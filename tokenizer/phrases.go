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

package tokenizer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Phrase is one special phrase: a searchable label for a class/type pair,
// optionally restricted to an operator ('in' or 'near'). An empty or '-'
// operator means no restriction and is stored as NULL.
type Phrase struct {
	Label    string
	Class    string
	Type     string
	Operator string
}

func (p Phrase) normalized() Phrase {
	if p.Operator != "in" && p.Operator != "near" {
		p.Operator = "-"
	}
	return p
}

// diffPhrases computes which phrases have to be inserted and which removed
// to make the stored set equal to want. Both inputs are normalised; the
// results are sorted for deterministic statements.
func diffPhrases(existing, want []Phrase) (toAdd, toDelete []Phrase) {
	wantSet := make(map[Phrase]struct{}, len(want))
	for _, p := range want {
		wantSet[p.normalized()] = struct{}{}
	}
	haveSet := make(map[Phrase]struct{}, len(existing))
	for _, p := range existing {
		haveSet[p.normalized()] = struct{}{}
	}

	for p := range wantSet {
		if _, ok := haveSet[p]; !ok {
			toAdd = append(toAdd, p)
		}
	}
	for p := range haveSet {
		if _, ok := wantSet[p]; !ok {
			toDelete = append(toDelete, p)
		}
	}
	sortPhrases(toAdd)
	sortPhrases(toDelete)
	return toAdd, toDelete
}

func sortPhrases(phrases []Phrase) {
	sort.Slice(phrases, func(i, j int) bool {
		a, b := phrases[i], phrases[j]
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Operator < b.Operator
	})
}

// UpdateSpecialPhrases replaces the search index for special phrases with
// the given set. Housenumber and postcode entries (class 'place' with type
// 'house' or 'postcode') are never touched. Additions and removals are
// applied in a single transaction.
func (a *NameAnalyzer) UpdateSpecialPhrases(ctx context.Context, phrases []Phrase) error {
	existing, err := a.existingPhrases(ctx)
	if err != nil {
		return err
	}

	toAdd, toDelete := diffPhrases(existing, phrases)

	if b, ok := a.conn.(beginner); ok {
		tx, err := b.Begin(ctx)
		if err != nil {
			return fmt.Errorf("tokenizer: special phrases: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := applyPhraseDiff(ctx, tx, toAdd, toDelete); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("tokenizer: special phrases: %w", err)
		}
	} else if err := applyPhraseDiff(ctx, a.conn, toAdd, toDelete); err != nil {
		return err
	}

	a.log.Infow("Special phrases updated",
		"total", len(phrases), "added", len(toAdd), "deleted", len(toDelete))
	return nil
}

// phraseExecer is satisfied by both the analyzer connection and pgx.Tx.
type phraseExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func applyPhraseDiff(ctx context.Context, exec phraseExecer, toAdd, toDelete []Phrase) error {
	if len(toAdd) > 0 {
		sql, args := insertPhrasesSQL(toAdd)
		if _, err := exec.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("tokenizer: insert phrases: %w", err)
		}
	}
	if len(toDelete) > 0 {
		sql, args := deletePhrasesSQL(toDelete)
		if _, err := exec.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("tokenizer: delete phrases: %w", err)
		}
	}
	return nil
}

func (a *NameAnalyzer) existingPhrases(ctx context.Context) ([]Phrase, error) {
	rows, err := a.conn.Query(ctx,
		`SELECT word, class, type, operator FROM word
		 WHERE class != 'place' OR (type != 'house' AND type != 'postcode')`)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load phrases: %w", err)
	}
	defer rows.Close()

	var phrases []Phrase
	for rows.Next() {
		var p Phrase
		var operator *string
		if err := rows.Scan(&p.Label, &p.Class, &p.Type, &operator); err != nil {
			return nil, err
		}
		if operator != nil {
			p.Operator = *operator
		} else {
			p.Operator = "-"
		}
		phrases = append(phrases, p)
	}
	return phrases, rows.Err()
}

func insertPhrasesSQL(phrases []Phrase) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, len(phrases)*4)
	sb.WriteString(`INSERT INTO word (word_id, word_token, word, class, type, search_name_count, operator)
 (SELECT nextval('seq_word'), make_standard_name(name), name, class, type, 0,
         CASE WHEN op in ('in', 'near') THEN op ELSE null END
    FROM (VALUES `)
	for i, p := range phrases {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", i*4+1, i*4+2, i*4+3, i*4+4)
		args = append(args, p.Label, p.Class, p.Type, p.Operator)
	}
	sb.WriteString(") as v(name, class, type, op))")
	return sb.String(), args
}

func deletePhrasesSQL(phrases []Phrase) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, len(phrases)*4)
	sb.WriteString(`DELETE FROM word USING (VALUES `)
	for i, p := range phrases {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", i*4+1, i*4+2, i*4+3, i*4+4)
		args = append(args, p.Label, p.Class, p.Type, p.Operator)
	}
	sb.WriteString(`) as v(name, in_class, in_type, op)
 WHERE word = name and class = in_class and type = in_type
       and ((op = '-' and operator is null) or op = operator)`)
	return sb.String(), args
}

// AddSpecialPhrase inserts a single phrase, guarded so that re-running with
// the same input leaves the word table unchanged.
func (a *NameAnalyzer) AddSpecialPhrase(ctx context.Context, p Phrase) error {
	p = p.normalized()
	_, err := a.conn.Exec(ctx,
		`INSERT INTO word (word_id, word_token, word, class, type, search_name_count, operator)
		 SELECT nextval('seq_word'), make_standard_name($1), $1, $2, $3, 0,
		        CASE WHEN $4 in ('in', 'near') THEN $4 ELSE null END
		 WHERE NOT EXISTS(SELECT 1 FROM word
		                  WHERE word = $1 and class = $2 and type = $3
		                        and coalesce(operator, '-') = $4)`,
		p.Label, p.Class, p.Type, p.Operator)
	if err != nil {
		return fmt.Errorf("tokenizer: add phrase: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
