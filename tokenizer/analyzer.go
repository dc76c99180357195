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
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Querier is the query surface the analyzer needs from its connection.
// *pgx.Conn satisfies it; tests provide fakes.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// beginner is implemented by connections that support transactions.
type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	countryFeaturePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z]$`)
	countryCodePattern    = regexp.MustCompile(`^[a-z][a-z]$`)
	postcodeSepPattern    = regexp.MustCompile(`[:,;]`)
	housenumberSepPattern = regexp.MustCompile(`[;,]`)
)

// Address keys that never become free-form address terms.
func isReservedAddrKey(key string) bool {
	switch key {
	case "country", "street", "place", "postcode", "full",
		"housenumber", "streetnumber", "conscriptionnumber":
		return true
	}
	return false
}

// NameAnalyzer computes token info for places and maintains the word table
// through idempotent stored procedures. All work runs on a dedicated
// auto-commit connection.
//
// An analyzer is not thread-safe and is pinned to its worker.
type NameAnalyzer struct {
	conn   Querier
	closer func(context.Context) error
	cache  *tokenCache
	log    *zap.SugaredLogger
}

// NewNameAnalyzer builds an analyzer on an existing connection, priming the
// housenumber and postcode caches.
func NewNameAnalyzer(ctx context.Context, conn Querier, log *zap.SugaredLogger) (*NameAnalyzer, error) {
	cache, err := newTokenCache(ctx, conn)
	if err != nil {
		return nil, err
	}
	return &NameAnalyzer{conn: conn, cache: cache, log: log}, nil
}

// Close frees all resources used by the analyzer. Idempotent.
func (a *NameAnalyzer) Close() error {
	if a.closer != nil {
		err := a.closer(context.Background())
		a.closer = nil
		a.conn = nil
		return err
	}
	a.conn = nil
	return nil
}

// ProcessPlace determines the token information for the given place,
// ensuring as a side effect that all referenced tokens exist in the word
// table. Malformed attributes (bad country code, postcode with separators)
// are skipped, leaving the corresponding field absent.
func (a *NameAnalyzer) ProcessPlace(ctx context.Context, place Place) (TokenInfo, error) {
	var info TokenInfo

	if len(place.Name) > 0 {
		if err := a.addNames(ctx, &info, place.Name); err != nil {
			return info, err
		}
		if countryFeaturePattern.MatchString(place.CountryFeature) {
			names := make([]string, 0, len(place.Name))
			for _, key := range sortedKeys(place.Name) {
				names = append(names, place.Name[key])
			}
			cc := strings.ToLower(place.CountryFeature)
			if err := a.AddCountryNames(ctx, cc, names); err != nil {
				return info, err
			}
		}
	}

	if len(place.Address) > 0 {
		var hnrs []string
		var addrTerms [][2]string

		for _, key := range sortedKeys(place.Address) {
			value := place.Address[key]
			switch {
			case key == "postcode":
				if err := a.addPostcode(ctx, value); err != nil {
					return info, err
				}
			case key == "housenumber" || key == "streetnumber" || key == "conscriptionnumber":
				hnrs = append(hnrs, value)
			case key == "street":
				if err := a.addStreet(ctx, &info, value); err != nil {
					return info, err
				}
			case key == "place":
				if err := a.addPlace(ctx, &info, value); err != nil {
					return info, err
				}
			default:
				if !strings.HasPrefix(key, "_") && !isReservedAddrKey(key) {
					addrTerms = append(addrTerms, [2]string{key, value})
				}
			}
		}

		if len(hnrs) > 0 {
			if err := a.addHousenumbers(ctx, &info, hnrs); err != nil {
				return info, err
			}
		}
		if len(addrTerms) > 0 {
			if err := a.addAddressTerms(ctx, &info, addrTerms); err != nil {
				return info, err
			}
		}
	}
	return info, nil
}

func (a *NameAnalyzer) addNames(ctx context.Context, info *TokenInfo, names map[string]string) error {
	err := a.conn.QueryRow(ctx, "SELECT make_keywords($1)::text",
		HstoreValue(names)).Scan(&info.Names)
	if err != nil {
		return fmt.Errorf("tokenizer: make_keywords: %w", err)
	}
	return nil
}

func (a *NameAnalyzer) addHousenumbers(ctx context.Context, info *TokenInfo, hnrs []string) error {
	if len(hnrs) == 1 {
		if token, ok := a.cache.housenumber(hnrs[0]); ok {
			info.HnrSearch = token
			info.HnrMatch = hnrs[0]
			return nil
		}
	}

	// Split multi-number values and drop duplicates.
	var simple []string
	seen := make(map[string]struct{})
	for _, hnr := range hnrs {
		for _, part := range housenumberSepPattern.Split(hnr, -1) {
			part = strings.TrimSpace(part)
			if _, dup := seen[part]; !dup {
				seen[part] = struct{}{}
				simple = append(simple, part)
			}
		}
	}

	err := a.conn.QueryRow(ctx, "SELECT (create_housenumbers($1::text[])).*",
		simple).Scan(&info.HnrSearch, &info.HnrMatch)
	if err != nil {
		return fmt.Errorf("tokenizer: create_housenumbers: %w", err)
	}
	return nil
}

// addPostcode makes sure the normalized postcode is present in the word
// table. Postcodes containing separator characters are ignored.
func (a *NameAnalyzer) addPostcode(ctx context.Context, postcode string) error {
	if postcodeSepPattern.MatchString(postcode) {
		return nil
	}
	pc := strings.ToUpper(strings.TrimSpace(postcode))
	if _, ok := a.cache.postcodes.Get(pc); ok {
		return nil
	}
	if _, err := a.conn.Exec(ctx, "SELECT create_postcode_id($1)", pc); err != nil {
		return fmt.Errorf("tokenizer: create_postcode_id: %w", err)
	}
	a.cache.postcodes.Add(pc, struct{}{})
	return nil
}

func (a *NameAnalyzer) addStreet(ctx context.Context, info *TokenInfo, street string) error {
	pair, err := cachedPair(ctx, a.cache.streets, street,
		func(ctx context.Context, name string) ([2]string, error) {
			var p [2]string
			err := a.conn.QueryRow(ctx,
				`SELECT word_ids_from_name($1)::text,
				        getorcreate_name_id(make_standard_name($1), '')::text`,
				name).Scan(&p[0], &p[1])
			return p, err
		})
	if err != nil {
		return fmt.Errorf("tokenizer: street terms: %w", err)
	}
	info.StreetSearch, info.StreetMatch = pair[0], pair[1]
	return nil
}

func (a *NameAnalyzer) addPlace(ctx context.Context, info *TokenInfo, place string) error {
	pair, err := cachedPair(ctx, a.cache.places, place,
		func(ctx context.Context, name string) ([2]string, error) {
			var p [2]string
			err := a.conn.QueryRow(ctx,
				`SELECT (addr_ids_from_name($1)
				         || getorcreate_name_id(make_standard_name($1), ''))::text,
				        word_ids_from_name($1)::text`,
				name).Scan(&p[0], &p[1])
			return p, err
		})
	if err != nil {
		return fmt.Errorf("tokenizer: place terms: %w", err)
	}
	info.PlaceSearch, info.PlaceMatch = pair[0], pair[1]
	return nil
}

func (a *NameAnalyzer) addAddressTerms(ctx context.Context, info *TokenInfo, terms [][2]string) error {
	info.Addr = make(map[string][2]string, len(terms))
	for _, term := range terms {
		pair, err := cachedPair(ctx, a.cache.addressTerms, term[1],
			func(ctx context.Context, name string) ([2]string, error) {
				var p [2]string
				err := a.conn.QueryRow(ctx,
					`SELECT addr_ids_from_name($1)::text, word_ids_from_name($1)::text`,
					name).Scan(&p[0], &p[1])
				return p, err
			})
		if err != nil {
			return fmt.Errorf("tokenizer: address terms: %w", err)
		}
		info.Addr[term[0]] = pair
	}
	return nil
}

// AddCountryNames adds names for the given country to the search index.
// The country code must be ISO-3166-1 alpha-2 lower case.
func (a *NameAnalyzer) AddCountryNames(ctx context.Context, countryCode string, names []string) error {
	if !countryCodePattern.MatchString(countryCode) {
		return fmt.Errorf("tokenizer: invalid country code %q", countryCode)
	}
	_, err := a.conn.Exec(ctx,
		`INSERT INTO word (word_id, word_token, country_code)
		 (SELECT nextval('seq_word'), lookup_token, $1
		    FROM (SELECT ' ' || make_standard_name(n) as lookup_token
		          FROM unnest($2::text[])n) y
		    WHERE NOT EXISTS(SELECT * FROM word
		                     WHERE word_token = lookup_token and country_code = $3))`,
		countryCode, names, countryCode)
	if err != nil {
		return fmt.Errorf("tokenizer: add country names: %w", err)
	}
	return nil
}

// AddPostcodesFromDB seeds the word table with all postcodes from the
// location_postcode table.
func (a *NameAnalyzer) AddPostcodesFromDB(ctx context.Context) error {
	_, err := a.conn.Exec(ctx,
		`SELECT count(create_postcode_id(pc))
		   FROM (SELECT distinct(postcode) as pc FROM location_postcode) x`)
	return err
}
