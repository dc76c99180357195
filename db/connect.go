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
	"errors"
	"fmt"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// New opens a plain blocking connection and registers the hstore codec on
// it. The codec has to be registered per connection because the hstore
// extension's OID is database-specific.
func New(ctx context.Context, dsn string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	if err := RegisterHstore(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}

// RegisterHstore looks up the OID of the hstore type and registers its
// codec with the connection's type map.
func RegisterHstore(ctx context.Context, conn *pgx.Conn) error {
	var oid, arrayOid uint32
	err := conn.QueryRow(ctx,
		"SELECT oid, typarray FROM pg_type WHERE typname = 'hstore'").Scan(&oid, &arrayOid)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.New("db: hstore extension is not installed")
	}
	if err != nil {
		return fmt.Errorf("db: hstore lookup: %w", err)
	}

	conn.TypeMap().RegisterType(&pgtype.Type{
		Name: "hstore", OID: oid, Codec: pgtype.HstoreCodec{},
	})
	conn.TypeMap().RegisterType(&pgtype.Type{
		Name: "_hstore", OID: arrayOid,
		Codec: &pgtype.ArrayCodec{ElementType: &pgtype.Type{Name: "hstore", OID: oid, Codec: pgtype.HstoreCodec{}}},
	})
	return nil
}

// socketFd digs the file descriptor out of the connection's backend socket.
// Returns -1 when the net.Conn does not expose one.
func socketFd(conn *pgx.Conn) int {
	netConn := conn.PgConn().Conn()
	sc, ok := netConn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	raw.Control(func(sysfd uintptr) { fd = int(sysfd) })
	return fd
}
