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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	placesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gominatim",
		Subsystem: "indexer",
		Name:      "places_processed_total",
		Help:      "Number of places processed, by indexing pass.",
	}, []string{"pass"})

	passesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gominatim",
		Subsystem: "indexer",
		Name:      "passes_finished_total",
		Help:      "Number of completed indexing passes.",
	})
)

const initialProgress = 10

// ProgressLogger tracks and prints progress for one indexing pass.
type ProgressLogger struct {
	name     string
	total    int64
	done     int64
	start    time.Time
	interval time.Duration
	nextInfo int64
	counter  prometheus.Counter
	log      *zap.SugaredLogger
}

// NewProgressLogger sets up progress tracking for total items under the
// given pass name, reporting roughly once per second.
func NewProgressLogger(name string, total int64, log *zap.SugaredLogger) *ProgressLogger {
	return &ProgressLogger{
		name:     name,
		total:    total,
		start:    time.Now(),
		interval: time.Second,
		nextInfo: initialProgress,
		counter:  placesProcessed.WithLabelValues(name),
		log:      log,
	}
}

// Add marks num places as processed and prints a log line when the report
// interval has passed.
func (p *ProgressLogger) Add(num int) {
	if num <= 0 {
		return
	}
	p.done += int64(num)
	p.counter.Add(float64(num))

	if p.done < p.nextInfo {
		return
	}
	elapsed := time.Since(p.start)
	if elapsed < 2*time.Second {
		p.nextInfo = p.done + initialProgress
		return
	}

	perSec := float64(p.done) / elapsed.Seconds()
	eta := float64(p.total-p.done) / perSec
	p.log.Warnf("Done %d in %d @ %.3f per second - %s ETA (seconds): %.2f",
		p.done, int(elapsed.Seconds()), perSec, p.name, eta)

	p.nextInfo += int64(perSec) * int64(p.interval/time.Second)
}

// Count returns the number of places processed so far.
func (p *ProgressLogger) Count() int64 { return p.done }

// Done prints the final statistics and returns the elapsed seconds.
func (p *ProgressLogger) Done() float64 {
	elapsed := time.Since(p.start).Seconds()
	perSec := float64(p.done)
	if elapsed > 0 {
		perSec = float64(p.done) / elapsed
	}
	p.log.Warnf("Done %d/%d in %d @ %.3f per second - FINISHED %s",
		p.done, p.total, int(elapsed), perSec, p.name)
	passesFinished.Inc()
	return elapsed
}
