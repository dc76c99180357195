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
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	streetCacheSize   = 256
	placeCacheSize    = 128
	addrTermCacheSize = 1024
	postcodeCacheSize = 32
)

// tokenCache holds per-analyzer token lookups to avoid repeated round
// trips. It is not thread-safe and belongs to exactly one analyzer.
type tokenCache struct {
	streets      *lru.Cache[string, [2]string]
	places       *lru.Cache[string, [2]string]
	addressTerms *lru.Cache[string, [2]string]
	postcodes    *lru.Cache[string, struct{}]

	// housenumber tokens for 1..100, immutable after init
	housenumbers map[string]string
}

func newTokenCache(ctx context.Context, conn Querier) (*tokenCache, error) {
	c := &tokenCache{housenumbers: make(map[string]string, 100)}
	c.streets, _ = lru.New[string, [2]string](streetCacheSize)
	c.places, _ = lru.New[string, [2]string](placeCacheSize)
	c.addressTerms, _ = lru.New[string, [2]string](addrTermCacheSize)

	rows, err := conn.Query(ctx,
		`SELECT i, ARRAY[getorcreate_housenumber_id(i::text)]::text
		   FROM generate_series(1, 100) as i`)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: housenumber cache: %w", err)
	}
	for rows.Next() {
		var i int
		var token string
		if err := rows.Scan(&i, &token); err != nil {
			rows.Close()
			return nil, err
		}
		c.housenumbers[strconv.Itoa(i)] = token
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Seed the postcode cache with the postcodes already in the word
	// table. The cache never shrinks below the seed.
	var seed []string
	rows, err = conn.Query(ctx,
		`SELECT word FROM word WHERE class = 'place' and type = 'postcode'`)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: postcode cache: %w", err)
	}
	for rows.Next() {
		var pc string
		if err := rows.Scan(&pc); err != nil {
			rows.Close()
			return nil, err
		}
		seed = append(seed, pc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	size := postcodeCacheSize
	if len(seed) > size {
		size = len(seed)
	}
	c.postcodes, _ = lru.New[string, struct{}](size)
	for _, pc := range seed {
		c.postcodes.Add(pc, struct{}{})
	}
	return c, nil
}

// housenumber returns the precomputed token for housenumbers 1..100.
func (c *tokenCache) housenumber(number string) (string, bool) {
	token, ok := c.housenumbers[number]
	return token, ok
}

// cachedPair answers a (search, match) token pair from the cache, computing
// and storing it on a miss.
func cachedPair(ctx context.Context, cache *lru.Cache[string, [2]string], key string,
	gen func(context.Context, string) ([2]string, error)) ([2]string, error) {
	if pair, ok := cache.Get(key); ok {
		return pair, nil
	}
	pair, err := gen(ctx, key)
	if err != nil {
		return pair, err
	}
	cache.Add(key, pair)
	return pair, nil
}
