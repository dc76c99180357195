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
	"fmt"

	"go.uber.org/zap"

	"github.com/gominatim/gominatim/tokenizer"
)

const (
	// SliceSize is the maximum number of ids handed to a worker at once.
	SliceSize = 300

	// Workers reconnect after this many processed places to bound
	// server-side memory growth.
	reconnectAfter = 10000
)

// ErrSliceInProgress is returned by StartSlice while a slice is pending.
var ErrSliceInProgress = errors.New("indexer: slice already in progress")

// asyncConn is the connection surface the worker drives. *db.Conn
// implements it; tests use fakes.
type asyncConn interface {
	Perform(ctx context.Context, sql string, args ...any) error
	IsDone() bool
	Err() error
	Fetchall() ([]string, [][]any)
	Fileno() int
	Reconnect(ctx context.Context) error
	OnDone(func())
	Close()
}

type sliceState int

const (
	sliceIdle sliceState = iota
	slicePrefetching
	sliceUpdating
)

// Worker binds one async connection to one runner and processes one slice
// of ids at a time: an optional prefetch of row attributes followed by
// batched updates. It is driven by the scheduler through ContinueSlice.
type Worker struct {
	conn   asyncConn
	runner Runner
	log    *zap.SugaredLogger

	state         sliceState
	places        []tokenizer.Place
	batchSize     int
	next          int // index of the first place not yet issued
	inflightBatch int // size of the batch currently executing
	processed     int // places since the last reconnect
}

// NewWorker binds the connection to the runner.
func NewWorker(conn asyncConn, runner Runner, log *zap.SugaredLogger) *Worker {
	return &Worker{conn: conn, runner: runner, log: log}
}

// Fileno exposes the connection's descriptor.
func (w *Worker) Fileno() int { return w.conn.Fileno() }

// Idle reports whether no slice is in progress.
func (w *Worker) Idle() bool { return w.state == sliceIdle }

// Close releases the worker's connection.
func (w *Worker) Close() {
	w.conn.Close()
}

// StartSlice begins processing a new slice of ids. It is illegal to call
// while another slice is in progress.
func (w *Worker) StartSlice(ctx context.Context, ids []int64, batchSize int) error {
	if w.state != sliceIdle {
		return ErrSliceInProgress
	}
	if batchSize < 1 {
		batchSize = 1
	}
	if w.processed > reconnectAfter {
		if err := w.conn.Reconnect(ctx); err != nil {
			return err
		}
		w.processed = 0
	}
	w.batchSize = batchSize

	if fetcher, ok := w.runner.(ObjectFetcher); ok {
		sql, args := fetcher.ObjectInfoSQL(ids)
		if err := w.conn.Perform(ctx, sql, args...); err != nil {
			return err
		}
		w.state = slicePrefetching
		return nil
	}

	w.places, w.next = placesFromIDs(ids), 0
	return w.issueNextBatch(ctx)
}

// ContinueSlice advances the slice by one step. It returns -1 when the
// worker is idle, 0 while the current command is still in flight or no
// batch completed on this call, and otherwise the number of places whose
// completion was observed.
func (w *Worker) ContinueSlice(ctx context.Context) (int, error) {
	if w.state == sliceIdle {
		return -1, nil
	}
	if !w.conn.IsDone() {
		return 0, nil
	}
	if err := w.conn.Err(); err != nil {
		size := len(w.places)
		w.reset()
		return 0, fmt.Errorf("%s: slice of %d places: %w", w.runner.Name(), size, err)
	}

	switch w.state {
	case slicePrefetching:
		fields, rows := w.conn.Fetchall()
		places, err := placesFromRows(fields, rows)
		if err != nil {
			w.reset()
			return 0, err
		}
		w.places, w.next = places, 0
		if len(places) == 0 {
			// All rows of the slice vanished between enumeration
			// and prefetch.
			w.reset()
			return 0, nil
		}
		return 0, w.issueNextBatch(ctx)

	default: // sliceUpdating
		completed := w.inflightBatch
		w.inflightBatch = 0
		if w.next < len(w.places) {
			return completed, w.issueNextBatch(ctx)
		}
		w.processed += len(w.places)
		w.reset()
		return completed, nil
	}
}

func (w *Worker) issueNextBatch(ctx context.Context) error {
	end := w.next + w.batchSize
	if end > len(w.places) {
		end = len(w.places)
	}
	todo := w.places[w.next:end]

	sql, args, err := w.runner.IndexPlacesSQL(ctx, todo)
	if err != nil {
		w.reset()
		return err
	}
	if err := w.conn.Perform(ctx, sql, args...); err != nil {
		w.reset()
		return err
	}
	w.inflightBatch = len(todo)
	w.next = end
	w.state = sliceUpdating
	return nil
}

func (w *Worker) reset() {
	w.state = sliceIdle
	w.places = nil
	w.next = 0
	w.inflightBatch = 0
}
