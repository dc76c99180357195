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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gominatim/gominatim/tokenizer"
)

type performed struct {
	sql  string
	args []any
}

// fakeAsyncConn drives the worker state machine from the test: commands
// complete when the test sets done, or instantly when auto is set.
type fakeAsyncConn struct {
	performed  []performed
	done       bool
	auto       bool
	err        error
	fields     []string
	rows       [][]any
	fd         int
	reconnects int
	onDone     func()
	closed     bool
}

func (c *fakeAsyncConn) Perform(ctx context.Context, sql string, args ...any) error {
	c.performed = append(c.performed, performed{sql, args})
	c.done = c.auto
	if c.auto && c.onDone != nil {
		c.onDone()
	}
	return nil
}

func (c *fakeAsyncConn) IsDone() bool               { return c.done }
func (c *fakeAsyncConn) Err() error                 { return c.err }
func (c *fakeAsyncConn) Fetchall() ([]string, [][]any) { return c.fields, c.rows }
func (c *fakeAsyncConn) Fileno() int                { return c.fd }
func (c *fakeAsyncConn) OnDone(fn func())           { c.onDone = fn }
func (c *fakeAsyncConn) Close()                     { c.closed = true }

func (c *fakeAsyncConn) Reconnect(ctx context.Context) error {
	c.reconnects++
	return nil
}

// simpleRunner updates by id only, without prefetching.
type simpleRunner struct {
	batches [][]int64
}

func (r *simpleRunner) Name() string            { return "simple" }
func (r *simpleRunner) CountObjectsSQL() string { return "SELECT count(*) FROM t" }
func (r *simpleRunner) GetObjectsSQL() string   { return "SELECT place_id FROM t" }
func (r *simpleRunner) Close() error            { return nil }

func (r *simpleRunner) IndexPlacesSQL(ctx context.Context, places []tokenizer.Place) (string, []any, error) {
	ids := make([]int64, len(places))
	for i, p := range places {
		ids[i] = p.ID
	}
	r.batches = append(r.batches, ids)
	return "UPDATE t SET indexed_status = 0 WHERE place_id = ANY($1)", []any{ids}, nil
}

// fetchRunner additionally prefetches row attributes.
type fetchRunner struct {
	simpleRunner
}

func (r *fetchRunner) ObjectInfoSQL(ids []int64) (string, []any) {
	return "SELECT place_id, name FROM t WHERE place_id = ANY($1)", []any{ids}
}

func testWorker(r Runner) (*Worker, *fakeAsyncConn) {
	conn := &fakeAsyncConn{}
	return NewWorker(conn, r, zap.NewNop().Sugar()), conn
}

func TestWorkerDirectSlice(t *testing.T) {
	runner := &simpleRunner{}
	w, conn := testWorker(runner)
	ctx := context.Background()

	require.NoError(t, w.StartSlice(ctx, []int64{1, 2, 3, 4, 5}, 2))
	assert.False(t, w.Idle())
	require.Len(t, conn.performed, 1)

	// Command still running.
	n, err := w.ContinueSlice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// First batch done, second issued.
	conn.done = true
	n, err = w.ContinueSlice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, conn.performed, 2)

	conn.done = true
	n, err = w.ContinueSlice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	conn.done = true
	n, err = w.ContinueSlice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, w.Idle())

	n, err = w.ContinueSlice(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, n)

	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, runner.batches)
}

func TestWorkerPostcodeBatching(t *testing.T) {
	w, conn := testWorker(NewPostcodeRunner())
	ctx := context.Background()

	ids := make([]int64, SliceSize)
	for i := range ids {
		ids[i] = int64(i)
	}
	require.NoError(t, w.StartSlice(ctx, ids, 20))

	progress := 0
	for !w.Idle() {
		conn.done = true
		n, err := w.ContinueSlice(ctx)
		require.NoError(t, err)
		progress += n
	}
	assert.Equal(t, SliceSize, progress)
	// 300 postcodes at batch size 20 issue 15 update statements.
	assert.Len(t, conn.performed, 15)
}

func TestWorkerRejectsOverlappingSlices(t *testing.T) {
	w, _ := testWorker(&simpleRunner{})
	ctx := context.Background()

	require.NoError(t, w.StartSlice(ctx, []int64{1}, 1))
	assert.ErrorIs(t, w.StartSlice(ctx, []int64{2}, 1), ErrSliceInProgress)
}

func TestWorkerPrefetch(t *testing.T) {
	runner := &fetchRunner{}
	w, conn := testWorker(runner)
	ctx := context.Background()

	require.NoError(t, w.StartSlice(ctx, []int64{7, 8}, 10))
	require.Len(t, conn.performed, 1)
	assert.Contains(t, conn.performed[0].sql, "SELECT place_id, name")

	// Prefetch completes; the worker decodes the rows and issues the
	// update without reporting progress yet.
	conn.done = true
	conn.fields = []string{"place_id", "name"}
	conn.rows = [][]any{
		{int64(7), map[string]string{"name": "a"}},
		{int64(8), map[string]string{"name": "b"}},
	}
	n, err := w.ContinueSlice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.Len(t, conn.performed, 2)
	assert.Contains(t, conn.performed[1].sql, "UPDATE t")

	conn.done = true
	n, err = w.ContinueSlice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, w.Idle())

	require.Len(t, runner.batches, 1)
	assert.Equal(t, []int64{7, 8}, runner.batches[0])
}

func TestWorkerPrefetchAllRowsVanished(t *testing.T) {
	w, conn := testWorker(&fetchRunner{})
	ctx := context.Background()

	require.NoError(t, w.StartSlice(ctx, []int64{1}, 1))
	conn.done = true
	conn.fields = []string{"place_id"}
	conn.rows = nil

	n, err := w.ContinueSlice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, w.Idle())
	// No update was issued for the empty slice.
	assert.Len(t, conn.performed, 1)
}

func TestWorkerCommandError(t *testing.T) {
	w, conn := testWorker(&simpleRunner{})
	ctx := context.Background()

	require.NoError(t, w.StartSlice(ctx, []int64{1, 2}, 1))
	conn.done = true
	conn.err = errors.New("relation does not exist")

	_, err := w.ContinueSlice(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simple")
	// The failed slice's size is part of the error context.
	assert.Contains(t, err.Error(), "slice of 2 places")
	assert.True(t, w.Idle())
}

func TestWorkerReconnectsPeriodically(t *testing.T) {
	w, conn := testWorker(&simpleRunner{})
	ctx := context.Background()

	w.processed = reconnectAfter + 1
	require.NoError(t, w.StartSlice(ctx, []int64{1}, 1))
	assert.Equal(t, 1, conn.reconnects)

	conn.done = true
	_, err := w.ContinueSlice(ctx)
	require.NoError(t, err)

	// Fresh count, no reconnect on the next slice.
	require.NoError(t, w.StartSlice(ctx, []int64{2}, 1))
	assert.Equal(t, 1, conn.reconnects)
}

func TestPoolReadyQueue(t *testing.T) {
	ctx := context.Background()
	var conns []*fakeAsyncConn

	pool, err := NewPool(ctx, 2, func(ctx context.Context) (*Worker, error) {
		c := &fakeAsyncConn{fd: len(conns)}
		conns = append(conns, c)
		return NewWorker(c, &simpleRunner{}, zap.NewNop().Sugar()), nil
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer pool.Close()

	assert.True(t, pool.HasWorkers())

	// Both workers start out ready.
	w1, err := pool.NextFree(ctx)
	require.NoError(t, err)
	w2, err := pool.NextFree(ctx)
	require.NoError(t, err)
	assert.NotSame(t, w1, w2)

	// Nothing ready: NextFree has to obey cancellation.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = pool.NextFree(cancelled)
	assert.Error(t, err)

	// A finishing command makes its worker ready again.
	conns[0].onDone()
	got, err := pool.NextFree(ctx)
	require.NoError(t, err)
	assert.Same(t, w1, got)

	// Releasing requeues explicitly.
	pool.Release(w2)
	got, err = pool.NextFree(ctx)
	require.NoError(t, err)
	assert.Same(t, w2, got)

	pool.ShutdownWorker(w1)
	assert.True(t, conns[0].closed)
	assert.True(t, pool.HasWorkers())
	pool.ShutdownWorker(w2)
	assert.False(t, pool.HasWorkers())
}

func TestPoolFactoryFailureClosesWorkers(t *testing.T) {
	var conns []*fakeAsyncConn

	_, err := NewPool(context.Background(), 3, func(ctx context.Context) (*Worker, error) {
		if len(conns) == 2 {
			return nil, errors.New("connect refused")
		}
		c := &fakeAsyncConn{}
		conns = append(conns, c)
		return NewWorker(c, &simpleRunner{}, zap.NewNop().Sugar()), nil
	}, zap.NewNop().Sugar())

	require.Error(t, err)
	require.Len(t, conns, 2)
	for _, c := range conns {
		assert.True(t, c.closed)
	}
}
