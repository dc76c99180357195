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
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRows struct {
	fields []string
	rows   [][]any
	idx    int
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.fields))
	for i, f := range r.fields {
		fds[i].Name = f
	}
	return fds
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx-1], nil }

func (r *fakeRows) Scan(dest ...any) error {
	panic("not used by the async connection")
}

// fakeBackend stands in for one pgx connection. Queries block until
// release is closed (nil release answers immediately).
type fakeBackend struct {
	fd      int
	release chan struct{}

	queries []string
	execs   []string
	closed  bool

	// per-call results, consumed in order; the last entry repeats
	results []fakeResult
	call    int
}

type fakeResult struct {
	fields []string
	rows   [][]any
	err    error
}

func (b *fakeBackend) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	b.queries = append(b.queries, sql)
	if b.release != nil {
		<-b.release
	}
	res := fakeResult{}
	if len(b.results) > 0 {
		i := b.call
		if i >= len(b.results) {
			i = len(b.results) - 1
		}
		res = b.results[i]
		b.call++
	}
	if res.err != nil {
		return nil, res.err
	}
	return &fakeRows{fields: res.fields, rows: res.rows}, nil
}

func (b *fakeBackend) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	b.execs = append(b.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (b *fakeBackend) Close(ctx context.Context) error {
	b.closed = true
	return nil
}

func testConn(t *testing.T, backends ...*fakeBackend) *Conn {
	t.Helper()
	dials := 0
	c, err := connect(context.Background(), func(ctx context.Context) (queryConn, int, error) {
		b := backends[dials%len(backends)]
		dials++
		return b, b.fd, nil
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return c
}

func TestConnectRunsSessionSetup(t *testing.T) {
	b := &fakeBackend{fd: 7}
	c := testConn(t, b)
	defer c.Close()

	require.Len(t, b.execs, 1)
	assert.Contains(t, b.execs[0], "jit_above_cost")
	assert.Contains(t, b.execs[0], "max_parallel_workers_per_gather")
	assert.Equal(t, 7, c.Fileno())
}

func TestPerformCollectsResults(t *testing.T) {
	b := &fakeBackend{
		results: []fakeResult{{
			fields: []string{"place_id", "name"},
			rows:   [][]any{{int64(1), "a"}, {int64(2), "b"}},
		}},
	}
	c := testConn(t, b)
	defer c.Close()

	require.NoError(t, c.Perform(context.Background(), "SELECT 1"))
	require.NoError(t, c.Wait())

	fields, rows := c.Fetchall()
	assert.Equal(t, []string{"place_id", "name"}, fields)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[1][0])
	assert.True(t, c.IsDone())
}

func TestPerformWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBackend{release: release}
	c := testConn(t, b)
	defer c.Close()

	require.NoError(t, c.Perform(context.Background(), "SELECT 1"))
	assert.False(t, c.IsDone())
	assert.ErrorIs(t, c.Perform(context.Background(), "SELECT 2"), ErrCommandInFlight)
	assert.ErrorIs(t, c.Reconnect(context.Background()), ErrCommandInFlight)

	close(release)
	require.NoError(t, c.Wait())
	require.NoError(t, c.Perform(context.Background(), "SELECT 2"))
	require.NoError(t, c.Wait())
}

func TestDeadlockRetried(t *testing.T) {
	b := &fakeBackend{
		results: []fakeResult{
			{err: &pgconn.PgError{Code: "40P01"}},
			{rows: [][]any{{int64(1)}}},
		},
	}
	c := testConn(t, b)
	defer c.Close()

	require.NoError(t, c.Perform(context.Background(), "UPDATE placex SET x = 1"))
	require.NoError(t, c.Wait())
	// The deadlocked statement was reissued.
	assert.Len(t, b.queries, 2)
	_, rows := c.Fetchall()
	assert.Len(t, rows, 1)
}

func TestQueryErrorIsTerminal(t *testing.T) {
	queryErr := &pgconn.PgError{Code: "42601"}
	b := &fakeBackend{results: []fakeResult{{err: queryErr}}}
	c := testConn(t, b)
	defer c.Close()

	require.NoError(t, c.Perform(context.Background(), "bad sql"))
	assert.Error(t, c.Wait())
	assert.Len(t, b.queries, 1)
	var pgErr *pgconn.PgError
	assert.True(t, errors.As(c.Err(), &pgErr))
}

func TestReconnectSwitchesDescriptor(t *testing.T) {
	b1 := &fakeBackend{fd: 3}
	b2 := &fakeBackend{fd: 4}
	c := testConn(t, b1, b2)
	defer c.Close()

	assert.Equal(t, 3, c.Fileno())
	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, 4, c.Fileno())
	assert.True(t, b1.closed)
	// Session setup runs on the fresh connection as well.
	require.Len(t, b2.execs, 1)
}

func TestOnDoneHook(t *testing.T) {
	b := &fakeBackend{}
	c := testConn(t, b)
	defer c.Close()

	fired := make(chan struct{}, 1)
	c.OnDone(func() { fired <- struct{}{} })

	require.NoError(t, c.Perform(context.Background(), "SELECT 1"))
	<-fired
	assert.True(t, c.IsDone())
}

func TestIsDeadlock(t *testing.T) {
	assert.True(t, isDeadlock(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isDeadlock(&pgconn.PgError{Code: "40001"}))
	assert.False(t, isDeadlock(errors.New("plain")))
	assert.False(t, isDeadlock(nil))
}

type execRecorder struct {
	sql  []string
	args [][]any
}

func (e *execRecorder) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	e.sql = append(e.sql, sql)
	e.args = append(e.args, args)
	return pgconn.CommandTag{}, nil
}

func TestSetIndexed(t *testing.T) {
	rec := &execRecorder{}
	require.NoError(t, SetIndexed(context.Background(), rec, true))
	require.Len(t, rec.sql, 1)
	assert.Contains(t, rec.sql[0], "import_status")
	assert.Equal(t, []any{true}, rec.args[0])
}

func TestAnalyze(t *testing.T) {
	rec := &execRecorder{}
	require.NoError(t, Analyze(context.Background(), rec))
	assert.Equal(t, []string{"ANALYZE"}, rec.sql)
}
