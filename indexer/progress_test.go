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
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestProgressCount(t *testing.T) {
	p := NewProgressLogger("rank 26", 100, zap.NewNop().Sugar())

	p.Add(30)
	p.Add(0)
	p.Add(-5)
	p.Add(12)
	assert.Equal(t, int64(42), p.Count())

	elapsed := p.Done()
	assert.GreaterOrEqual(t, elapsed, 0.0)
	assert.Equal(t, int64(42), p.Count())
}

func TestProgressZeroTotal(t *testing.T) {
	p := NewProgressLogger("postcodes", 0, zap.NewNop().Sugar())
	assert.Equal(t, int64(0), p.Count())
	p.Done()
}
