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

package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer covers the statement execution surface shared by *pgx.Conn and
// pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SetIndexed updates the indexed flag in the import status table.
func SetIndexed(ctx context.Context, conn Execer, indexed bool) error {
	_, err := conn.Exec(ctx, "UPDATE import_status SET indexed = $1", indexed)
	return err
}

// Analyze refreshes the planner statistics of the whole database.
func Analyze(ctx context.Context, conn Execer) error {
	_, err := conn.Exec(ctx, "ANALYZE")
	return err
}
