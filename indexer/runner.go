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

package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gominatim/gominatim/tokenizer"
)

// Runner parameterises one indexing pass: the count query, the id
// enumeration query and the batched update statement.
type Runner interface {
	Name() string
	CountObjectsSQL() string
	GetObjectsSQL() string
	// IndexPlacesSQL builds the batched UPDATE for the given places,
	// running each place through the name analyzer where applicable.
	IndexPlacesSQL(ctx context.Context, places []tokenizer.Place) (string, []any, error)
	// Close releases per-pass resources (the name analyzer).
	Close() error
}

// ObjectFetcher is implemented by runners that need per-row attributes not
// present in the enumeration cursor. The worker detects it by type
// assertion and pipelines the prefetch before the update batches.
type ObjectFetcher interface {
	ObjectInfoSQL(ids []int64) (string, []any)
}

// placexRunner carries the shared parts of the placex-based runners.
type placexRunner struct {
	analyzer *tokenizer.NameAnalyzer
}

func (r *placexRunner) ObjectInfoSQL(ids []int64) (string, []any) {
	return `SELECT place_id, (placex_prepare_update(placex)).*
	          FROM placex WHERE place_id = ANY($1)`, []any{ids}
}

func (r *placexRunner) IndexPlacesSQL(ctx context.Context, places []tokenizer.Place) (string, []any, error) {
	return buildPlaceUpdate(ctx, "placex", r.analyzer, places)
}

func (r *placexRunner) Close() error {
	if r.analyzer == nil {
		return nil
	}
	err := r.analyzer.Close()
	r.analyzer = nil
	return err
}

// buildPlaceUpdate assembles the VALUES-join update shared by the placex
// and interpolation runners. Each batch writes the recomputed address and
// the token info and clears the indexed status.
func buildPlaceUpdate(ctx context.Context, table string, analyzer *tokenizer.NameAnalyzer,
	places []tokenizer.Place) (string, []any, error) {

	var sb strings.Builder
	args := make([]any, 0, len(places)*3)
	fmt.Fprintf(&sb, `UPDATE %s
  SET indexed_status = 0, address = v.addr, token_info = v.ti
  FROM (VALUES `, table)

	for i, place := range places {
		info, err := analyzer.ProcessPlace(ctx, place)
		if err != nil {
			return "", nil, err
		}
		blob, err := json.Marshal(info)
		if err != nil {
			return "", nil, err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		// The id needs an explicit cast: an untyped VALUES column defaults
		// to text and the join against place_id then fails to parse.
		fmt.Fprintf(&sb, "($%d::bigint, $%d::hstore, $%d::jsonb)", i*3+1, i*3+2, i*3+3)
		args = append(args, place.ID, hstoreOrNil(place.Address), string(blob))
	}

	sb.WriteString(") as v(id, addr, ti) WHERE place_id = v.id")
	return sb.String(), args, nil
}

func hstoreOrNil(m map[string]string) pgtype.Hstore {
	if len(m) == 0 {
		return nil
	}
	return tokenizer.HstoreValue(m)
}

// RankRunner indexes one rank of the placex table, ordered by geometry
// sector for spatial locality.
type RankRunner struct {
	placexRunner
	rank int
}

func NewRankRunner(ctx context.Context, rank int, tok tokenizer.Tokenizer) (*RankRunner, error) {
	analyzer, err := tok.NameAnalyzer(ctx)
	if err != nil {
		return nil, err
	}
	return &RankRunner{placexRunner{analyzer}, rank}, nil
}

func (r *RankRunner) Name() string {
	return fmt.Sprintf("rank %d", r.rank)
}

func (r *RankRunner) CountObjectsSQL() string {
	return fmt.Sprintf(`SELECT count(*) FROM placex
	          WHERE rank_address = %d and indexed_status > 0`, r.rank)
}

func (r *RankRunner) GetObjectsSQL() string {
	return fmt.Sprintf(`SELECT place_id FROM placex
	          WHERE indexed_status > 0 and rank_address = %d
	          ORDER BY geometry_sector`, r.rank)
}

// BoundaryRunner indexes the administrative boundaries of one search rank.
type BoundaryRunner struct {
	placexRunner
	rank int
}

func NewBoundaryRunner(ctx context.Context, rank int, tok tokenizer.Tokenizer) (*BoundaryRunner, error) {
	analyzer, err := tok.NameAnalyzer(ctx)
	if err != nil {
		return nil, err
	}
	return &BoundaryRunner{placexRunner{analyzer}, rank}, nil
}

func (r *BoundaryRunner) Name() string {
	return fmt.Sprintf("boundaries rank %d", r.rank)
}

func (r *BoundaryRunner) CountObjectsSQL() string {
	return fmt.Sprintf(`SELECT count(*) FROM placex
	          WHERE indexed_status > 0
	            AND rank_search = %d
	            AND class = 'boundary' and type = 'administrative'`, r.rank)
}

func (r *BoundaryRunner) GetObjectsSQL() string {
	return fmt.Sprintf(`SELECT place_id FROM placex
	          WHERE indexed_status > 0 and rank_search = %d
	                and class = 'boundary' and type = 'administrative'
	          ORDER BY partition, admin_level`, r.rank)
}

// InterpolationRunner indexes the address interpolation lines of the
// location_property_osmline table.
type InterpolationRunner struct {
	analyzer *tokenizer.NameAnalyzer
}

func NewInterpolationRunner(ctx context.Context, tok tokenizer.Tokenizer) (*InterpolationRunner, error) {
	analyzer, err := tok.NameAnalyzer(ctx)
	if err != nil {
		return nil, err
	}
	return &InterpolationRunner{analyzer}, nil
}

func (r *InterpolationRunner) Name() string {
	return "interpolation lines (location_property_osmline)"
}

func (r *InterpolationRunner) CountObjectsSQL() string {
	return `SELECT count(*) FROM location_property_osmline
	          WHERE indexed_status > 0`
}

func (r *InterpolationRunner) GetObjectsSQL() string {
	return `SELECT place_id FROM location_property_osmline
	          WHERE indexed_status > 0
	          ORDER BY geometry_sector`
}

func (r *InterpolationRunner) ObjectInfoSQL(ids []int64) (string, []any) {
	return `SELECT place_id, get_interpolation_address(address, osm_id) as address
	          FROM location_property_osmline WHERE place_id = ANY($1)`, []any{ids}
}

func (r *InterpolationRunner) IndexPlacesSQL(ctx context.Context, places []tokenizer.Place) (string, []any, error) {
	return buildPlaceUpdate(ctx, "location_property_osmline", r.analyzer, places)
}

func (r *InterpolationRunner) Close() error {
	if r.analyzer == nil {
		return nil
	}
	err := r.analyzer.Close()
	r.analyzer = nil
	return err
}

// PostcodeRunner indexes the location_postcode table. The per-row update
// is trivial: no prefetch, no analyzer.
type PostcodeRunner struct{}

func NewPostcodeRunner() *PostcodeRunner { return &PostcodeRunner{} }

func (*PostcodeRunner) Name() string {
	return "postcodes (location_postcode)"
}

func (*PostcodeRunner) CountObjectsSQL() string {
	return "SELECT count(*) FROM location_postcode WHERE indexed_status > 0"
}

func (*PostcodeRunner) GetObjectsSQL() string {
	return `SELECT place_id FROM location_postcode
	          WHERE indexed_status > 0
	          ORDER BY country_code, postcode`
}

func (*PostcodeRunner) IndexPlacesSQL(ctx context.Context, places []tokenizer.Place) (string, []any, error) {
	ids := make([]int64, len(places))
	for i, p := range places {
		ids[i] = p.ID
	}
	return "UPDATE location_postcode SET indexed_status = 0 WHERE place_id = ANY($1)",
		[]any{ids}, nil
}

func (*PostcodeRunner) Close() error { return nil }
