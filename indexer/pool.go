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

	"go.uber.org/zap"
)

// Pool holds the workers of one indexing pass. Readiness is a buffered
// FIFO channel: a worker enters it when its connection finishes a command
// (the write-readiness signal) or when the scheduler releases it idle, so
// no worker can be starved.
//
// The pool is one-shot: it is created for a pass and closed at pass end.
type Pool struct {
	log     *zap.SugaredLogger
	workers map[*Worker]struct{}
	ready   chan *Worker
}

// NewPool creates n workers through the factory and registers them. On
// factory failure the already created workers are closed.
func NewPool(ctx context.Context, n int, newWorker func(context.Context) (*Worker, error),
	log *zap.SugaredLogger) (*Pool, error) {

	p := &Pool{
		log:     log,
		workers: make(map[*Worker]struct{}, n),
		ready:   make(chan *Worker, n),
	}
	for i := 0; i < n; i++ {
		w, err := newWorker(ctx)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.register(w)
	}
	return p, nil
}

func (p *Pool) register(w *Worker) {
	p.workers[w] = struct{}{}
	w.conn.OnDone(func() { p.ready <- w })
	p.ready <- w
}

// NextFree blocks until a worker is ready to accept a command.
func (p *Pool) NextFree(ctx context.Context) (*Worker, error) {
	select {
	case w := <-p.ready:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release puts an idle worker back into the ready queue.
func (p *Pool) Release(w *Worker) {
	p.ready <- w
}

// ShutdownWorker unregisters and closes a worker that has signalled
// terminal idle during drain.
func (p *Pool) ShutdownWorker(w *Worker) {
	delete(p.workers, w)
	w.Close()
}

// HasWorkers reports whether any workers remain registered.
func (p *Pool) HasWorkers() bool {
	return len(p.workers) > 0
}

// Close closes all remaining workers. Idempotent; used on all exit paths.
func (p *Pool) Close() {
	for w := range p.workers {
		w.Close()
	}
	p.workers = make(map[*Worker]struct{})
}
