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
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gominatim/gominatim/tokenizer"
)

func placesFromIDs(ids []int64) []tokenizer.Place {
	places := make([]tokenizer.Place, len(ids))
	for i, id := range ids {
		places[i].ID = id
	}
	return places
}

// placesFromRows decodes the result of a prefetch query into places. Only
// the columns the analyzer consumes are picked out; whatever else the
// server-side prepare function returns is ignored.
func placesFromRows(fields []string, rows [][]any) ([]tokenizer.Place, error) {
	places := make([]tokenizer.Place, 0, len(rows))
	for _, row := range rows {
		var p tokenizer.Place
		for i, col := range fields {
			if i >= len(row) || row[i] == nil {
				continue
			}
			switch col {
			case "place_id":
				id, err := asInt64(row[i])
				if err != nil {
					return nil, fmt.Errorf("indexer: bad place_id: %w", err)
				}
				p.ID = id
			case "name":
				p.Name = hstoreToMap(row[i])
			case "address":
				p.Address = hstoreToMap(row[i])
			case "country_feature":
				p.CountryFeature = asString(row[i])
			}
		}
		places = append(places, p)
	}
	return places, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case *string:
		if s != nil {
			return *s
		}
	case pgtype.Text:
		if s.Valid {
			return s.String
		}
	}
	return ""
}

func hstoreToMap(v any) map[string]string {
	switch h := v.(type) {
	case pgtype.Hstore:
		m := make(map[string]string, len(h))
		for k, val := range h {
			if val != nil {
				m[k] = *val
			}
		}
		return m
	case map[string]*string:
		m := make(map[string]string, len(h))
		for k, val := range h {
			if val != nil {
				m[k] = *val
			}
		}
		return m
	case map[string]string:
		return h
	}
	return nil
}
