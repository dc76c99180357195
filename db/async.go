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

// Package db contains the database plumbing for the indexer: a logically
// non-blocking connection type driven by the worker pool, a blocking
// connect helper and small helpers for the status table.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrCommandInFlight is returned by Perform when the previous command has
// not been collected yet.
var ErrCommandInFlight = errors.New("db: command already in flight")

// sqlstate of a Postgres deadlock abort. The offending statement is simply
// retried; all other query errors are terminal for the pass.
const deadlockSQLState = "40P01"

// setupSQL is run after every (re)connect. JIT and parallel workers are
// known to hurt the short per-row update statements the indexer issues.
// pg_settings is updated instead of SET so that older servers without the
// settings do not error out.
const setupSQL = `UPDATE pg_settings SET setting = -1 WHERE name = 'jit_above_cost';
UPDATE pg_settings SET setting = 0 WHERE name = 'max_parallel_workers_per_gather';`

// queryConn is the part of *pgx.Conn the async connection needs. It is an
// interface so that tests can drive the state machine without a server.
type queryConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// dialFunc opens a new backend connection and reports the socket file
// descriptor (or -1 when it cannot be determined).
type dialFunc func(ctx context.Context) (queryConn, int, error)

type cmdResult struct {
	fields []string
	rows   [][]any
	err    error
}

// Conn is a single logically non-blocking database connection. A command is
// issued with Perform and executes on a background goroutine; completion is
// observed with IsDone or Wait. At most one command may be in flight.
//
// Conn is driven by a single scheduler goroutine and is not safe for
// concurrent use.
type Conn struct {
	dial dialFunc
	log  *zap.SugaredLogger

	conn queryConn
	fd   int

	inFlight bool
	results  chan cmdResult
	onDone   func()

	fields []string
	rows   [][]any
	err    error
}

// Connect opens a new async connection for the given DSN. The connection
// has JIT and parallel query disabled and the hstore codec registered.
func Connect(ctx context.Context, dsn string, log *zap.SugaredLogger) (*Conn, error) {
	return connect(ctx, func(ctx context.Context) (queryConn, int, error) {
		conn, err := New(ctx, dsn)
		if err != nil {
			return nil, -1, err
		}
		return conn, socketFd(conn), nil
	}, log)
}

func connect(ctx context.Context, dial dialFunc, log *zap.SugaredLogger) (*Conn, error) {
	c := &Conn{
		dial:    dial,
		log:     log,
		fd:      -1,
		results: make(chan cmdResult, 1),
	}
	if err := c.Reconnect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// OnDone registers a hook that is invoked whenever an in-flight command
// finishes. The worker pool uses it as its write-readiness signal.
func (c *Conn) OnDone(fn func()) {
	c.onDone = fn
}

// Reconnect closes the backend connection and establishes a new one. It is
// used periodically to release server-side memory. The caller must ensure
// that no command is pending.
func (c *Conn) Reconnect(ctx context.Context) error {
	if c.inFlight {
		return ErrCommandInFlight
	}
	c.Close()

	conn, fd, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("db: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, setupSQL); err != nil {
		conn.Close(ctx)
		return fmt.Errorf("db: session setup: %w", err)
	}
	c.conn, c.fd = conn, fd
	return nil
}

// Close releases the connection without waiting for pending commands.
// It is idempotent.
func (c *Conn) Close() {
	if c.conn != nil {
		c.conn.Close(context.Background())
		c.conn = nil
		c.fd = -1
	}
}

// Fileno returns the file descriptor of the backend socket, or -1 when the
// connection is closed or the descriptor cannot be determined.
func (c *Conn) Fileno() int {
	return c.fd
}

// Perform sends a query to the server and returns without waiting for the
// result. It fails with ErrCommandInFlight if the previous command has not
// been collected yet.
func (c *Conn) Perform(ctx context.Context, sql string, args ...any) error {
	if c.inFlight {
		return ErrCommandInFlight
	}
	if c.conn == nil {
		return errors.New("db: connection is closed")
	}
	c.inFlight = true

	conn := c.conn
	go func() {
		var res cmdResult
		for {
			res = execute(ctx, conn, sql, args)
			if !isDeadlock(res.err) {
				break
			}
			c.log.Infow("Deadlock detected, retrying", "args", args)
		}
		c.results <- res
		if c.onDone != nil {
			c.onDone()
		}
	}()
	return nil
}

// IsDone polls for completion of the current command without blocking.
// It returns true when no command is in flight.
func (c *Conn) IsDone() bool {
	if !c.inFlight {
		return true
	}
	select {
	case res := <-c.results:
		c.collect(res)
		return true
	default:
		return false
	}
}

// Wait blocks until any pending command has completed and returns its error.
func (c *Conn) Wait() error {
	if c.inFlight {
		c.collect(<-c.results)
	}
	return c.err
}

// Err returns the terminal error of the last completed command.
func (c *Conn) Err() error {
	return c.err
}

// Fetchall returns the column names and rows of the most recently completed
// query.
func (c *Conn) Fetchall() ([]string, [][]any) {
	return c.fields, c.rows
}

func (c *Conn) collect(res cmdResult) {
	c.fields, c.rows, c.err = res.fields, res.rows, res.err
	c.inFlight = false
}

func execute(ctx context.Context, conn queryConn, sql string, args []any) cmdResult {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return cmdResult{err: err}
	}
	defer rows.Close()

	var res cmdResult
	for _, fd := range rows.FieldDescriptions() {
		res.fields = append(res.fields, fd.Name)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return cmdResult{err: err}
		}
		res.rows = append(res.rows, vals)
	}
	res.err = rows.Err()
	return res
}

func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == deadlockSQLState
}
