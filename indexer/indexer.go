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

// Package indexer is the work horse of the import and update pipeline: it
// computes the search index for all unindexed places, rank by rank, over a
// pool of parallel database connections.
package indexer

import (
	"context"
	"fmt"
	"runtime"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/gominatim/gominatim/db"
	"github.com/gominatim/gominatim/tokenizer"
)

// cursorTx is the transaction surface the enumeration cursor runs on.
// pgx.Tx satisfies it; tests drive the scheduler with fakes.
type cursorTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Indexer is the main indexing scheduler for one database.
type Indexer struct {
	dsn        string
	tokenizer  tokenizer.Tokenizer
	numThreads int
	log        *zap.SugaredLogger
}

// New creates an indexer for the given DSN. numThreads < 1 selects the
// number of CPUs.
func New(dsn string, tok tokenizer.Tokenizer, numThreads int, log *zap.SugaredLogger) *Indexer {
	if numThreads < 1 {
		numThreads = runtime.NumCPU()
	}
	return &Indexer{dsn: dsn, tokenizer: tok, numThreads: numThreads, log: log}
}

type passKind int

const (
	passRank passKind = iota
	passInterpolation
)

type rankPass struct {
	kind  passKind
	rank  int
	batch int
}

// planRankPasses lays out the passes run by IndexByRank. Ranks are indexed
// in ascending order so that dependent rows can assume their lower-rank
// containers are already indexed. When rank 30 is requested, rank-0
// placeholders, interpolation lines and rank-30 points form the tail, the
// latter two with a larger batch size because their per-row updates are
// cheap.
func planRankPasses(minrank, maxrank int) []rankPass {
	if maxrank > 30 {
		maxrank = 30
	}
	start := minrank
	if start < 1 {
		start = 1
	}

	var plan []rankPass
	for rank := start; rank < maxrank; rank++ {
		plan = append(plan, rankPass{passRank, rank, 1})
	}
	if maxrank == 30 {
		plan = append(plan,
			rankPass{passRank, 0, 1},
			rankPass{passInterpolation, 0, 20},
			rankPass{passRank, 30, 20})
	} else if maxrank >= start {
		plan = append(plan, rankPass{passRank, maxrank, 1})
	}
	return plan
}

// planBoundaryRanks lays out the boundary passes, clamped to [4, 26).
func planBoundaryRanks(minrank, maxrank int) []int {
	start := minrank
	if start < 4 {
		start = 4
	}
	end := maxrank
	if end > 26 {
		end = 26
	}
	var ranks []int
	for rank := start; rank < end; rank++ {
		ranks = append(ranks, rank)
	}
	return ranks
}

// IndexFull indexes the complete database: boundaries first, then all other
// objects in rank order, finally the postcodes. When analyse is true the
// database statistics are refreshed between the stages.
func (ix *Indexer) IndexFull(ctx context.Context, analyse bool) error {
	conn, err := db.New(ctx, ix.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	analyseIf := func() error {
		if !analyse {
			return nil
		}
		return db.Analyze(ctx, conn)
	}

	steps := []func() error{
		func() error { return ix.IndexByRank(ctx, 0, 4) },
		func() error { return ix.IndexBoundaries(ctx, 0, 30) },
		func() error { return ix.IndexByRank(ctx, 5, 25) },
		func() error { return ix.IndexByRank(ctx, 26, 30) },
		func() error { return ix.IndexPostcodes(ctx) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
		if err := analyseIf(); err != nil {
			return err
		}
	}
	return nil
}

// IndexBoundaries indexes the administrative boundaries within the given
// rank range.
func (ix *Indexer) IndexBoundaries(ctx context.Context, minrank, maxrank int) error {
	ix.log.Warnw("Starting indexing boundaries", "threads", ix.numThreads)

	for _, rank := range planBoundaryRanks(minrank, maxrank) {
		runner, err := NewBoundaryRunner(ctx, rank, ix.tokenizer)
		if err != nil {
			return err
		}
		if err := ix.index(ctx, runner, 1); err != nil {
			return err
		}
	}
	return nil
}

// IndexByRank indexes all placex entries in the given rank range
// (inclusive) in order of their address rank. When rank 30 is requested,
// interpolations and places with address rank 0 are indexed as well.
func (ix *Indexer) IndexByRank(ctx context.Context, minrank, maxrank int) error {
	ix.log.Warnw("Starting indexing rank range",
		"minrank", minrank, "maxrank", maxrank, "threads", ix.numThreads)

	for _, p := range planRankPasses(minrank, maxrank) {
		var runner Runner
		var err error
		if p.kind == passInterpolation {
			runner, err = NewInterpolationRunner(ctx, ix.tokenizer)
		} else {
			runner, err = NewRankRunner(ctx, p.rank, ix.tokenizer)
		}
		if err != nil {
			return err
		}
		if err := ix.index(ctx, runner, p.batch); err != nil {
			return err
		}
	}
	return nil
}

// IndexPostcodes indexes the entries of the location_postcode table.
func (ix *Indexer) IndexPostcodes(ctx context.Context) error {
	ix.log.Warnw("Starting indexing postcodes", "threads", ix.numThreads)
	return ix.index(ctx, NewPostcodeRunner(), 20)
}

// UpdateStatusTable sets the status table to 'indexed'.
func (ix *Indexer) UpdateStatusTable(ctx context.Context) error {
	conn, err := db.New(ctx, ix.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return db.SetIndexed(ctx, conn, true)
}

// index runs a single pass described by the runner, processing batch
// places per update statement.
func (ix *Indexer) index(ctx context.Context, runner Runner, batch int) error {
	defer runner.Close()
	ix.log.Warnw("Starting pass", "name", runner.Name(), "batch", batch)

	conn, err := db.New(ctx, ix.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	var total int64
	if err := conn.QueryRow(ctx, runner.CountObjectsSQL()).Scan(&total); err != nil {
		return fmt.Errorf("indexer: counting %s: %w", runner.Name(), err)
	}
	ix.log.Debugf("Total number of rows: %d", total)

	progress := NewProgressLogger(runner.Name(), total, ix.log)
	if total > 0 {
		begin := func(ctx context.Context) (cursorTx, error) { return conn.Begin(ctx) }
		newWorker := func(ctx context.Context) (*Worker, error) {
			c, err := db.Connect(ctx, ix.dsn, ix.log)
			if err != nil {
				return nil, err
			}
			return NewWorker(c, runner, ix.log), nil
		}
		if err := ix.runPass(ctx, begin, runner, batch, progress, newWorker); err != nil {
			return fmt.Errorf("indexer: pass %s: %w", runner.Name(), err)
		}
	}
	progress.Done()
	return nil
}

// runPass drives the worker pool over the enumeration cursor until all
// work items are done.
func (ix *Indexer) runPass(ctx context.Context, begin func(context.Context) (cursorTx, error),
	runner Runner, batch int, progress *ProgressLogger,
	newWorker func(context.Context) (*Worker, error)) error {

	pool, err := NewPool(ctx, ix.numThreads, newWorker, ix.log)
	if err != nil {
		return err
	}
	defer pool.Close()

	// The enumeration runs over a server-side cursor so that the work
	// set streams instead of materialising in client memory.
	tx, err := begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DECLARE places NO SCROLL CURSOR FOR "+runner.GetObjectsSQL()); err != nil {
		return err
	}

	for {
		w, err := pool.NextFree(ctx)
		if err != nil {
			return err
		}
		n, err := w.ContinueSlice(ctx)
		if err != nil {
			return err
		}
		if n < 0 {
			ids, err := fetchIDs(ctx, tx, SliceSize)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				pool.ShutdownWorker(w)
				break
			}
			if err := w.StartSlice(ctx, ids, batch); err != nil {
				return err
			}
		} else {
			progress.Add(n)
			if w.Idle() {
				pool.Release(w)
			}
		}
	}

	// Drain the remaining workers.
	for pool.HasWorkers() {
		w, err := pool.NextFree(ctx)
		if err != nil {
			return err
		}
		n, err := w.ContinueSlice(ctx)
		if err != nil {
			return err
		}
		if n < 0 {
			pool.ShutdownWorker(w)
		} else {
			progress.Add(n)
			if w.Idle() {
				pool.Release(w)
			}
		}
	}

	if _, err := tx.Exec(ctx, "CLOSE places"); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func fetchIDs(ctx context.Context, tx cursorTx, limit int) ([]int64, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf("FETCH %d FROM places", limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
