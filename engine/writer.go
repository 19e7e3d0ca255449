/*
Copyright (C) 2026  Lithair Contributors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package engine

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/launix-de/lithair/persistence"
)

// DurabilityMode selects when the writer calls through to fsync.
type DurabilityMode int

const (
	// DurabilityMaxDurability fsyncs at the end of every batch. Default:
	// no envelope acknowledged to a caller is ever lost.
	DurabilityMaxDurability DurabilityMode = iota
	// DurabilityPerformance fsyncs on a fixed timer; up to one tick's
	// worth of envelopes may be lost on crash.
	DurabilityPerformance
)

const performanceFlushInterval = 10 * time.Millisecond

type writeReqKind int

const (
	reqEntry writeReqKind = iota
	reqFlush
	reqShutdown
	reqSwapLog
)

type writeRequest struct {
	kind      writeReqKind
	line      []byte
	ack       chan struct{}
	rotate    func(old persistence.Log) (persistence.Log, error)
	rotateErr chan error
}

// Writer is the single background goroutine that drains a multi-producer
// queue, batches envelope lines, and calls through to persistence.Log.
// Group commit: one fsync covers every entry staged since the last
// flush, and every pending ack fires off that single fsync.
type Writer struct {
	log        persistence.Log
	batchSize  int
	durability DurabilityMode
	logger     *zap.Logger

	reqs    chan writeRequest
	bounded bool

	closed  atomic.Bool
	done    chan struct{}
	lastErr atomic.Value // holds *flushErr; re-surfaced to every Flush until a flush succeeds
}

// flushErr boxes the writer's last segment-flush error so atomic.Value
// (which panics on a stored nil interface) can hold a "no error" state.
type flushErr struct{ err error }

// NewWriter starts the writer goroutine. maxQueueDepth <= 0 means
// unbounded (Enqueue blocks rather than fails when the queue is full);
// a positive value puts the writer in bounded mode, where Enqueue
// returns QueueFull instead of blocking once the queue is saturated.
// A nil logger is replaced with a no-op one.
func NewWriter(log persistence.Log, batchSize int, durability DurabilityMode, maxQueueDepth int, logger *zap.Logger) *Writer {
	if batchSize < 1 {
		batchSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := maxQueueDepth
	bounded := maxQueueDepth > 0
	if !bounded {
		capacity = 1 << 16
	}
	w := &Writer{
		log:        log,
		batchSize:  batchSize,
		durability: durability,
		logger:     logger,
		reqs:       make(chan writeRequest, capacity),
		bounded:    bounded,
		done:       make(chan struct{}),
	}
	go w.loop()
	return w
}

// Enqueue stages one pre-rendered envelope line for the next batch. It
// never blocks on fsync; in bounded mode it fails fast with QueueFull
// once the queue is saturated rather than suspending the caller.
func (w *Writer) Enqueue(line []byte) error {
	if w.closed.Load() {
		return newErr(ErrWriterClosed, "writer is shut down")
	}
	req := writeRequest{kind: reqEntry, line: line}
	if w.bounded {
		select {
		case w.reqs <- req:
			return nil
		default:
			return newErr(ErrQueueFull, "writer queue is saturated")
		}
	}
	select {
	case w.reqs <- req:
		return nil
	case <-w.done:
		return newErr(ErrWriterClosed, "writer is shut down")
	}
}

// Flush blocks until every request enqueued before this call is
// durable, per the Async Writer's group-commit contract.
func (w *Writer) Flush() error {
	if w.closed.Load() {
		return newErr(ErrWriterClosed, "writer is shut down")
	}
	ack := make(chan struct{})
	select {
	case w.reqs <- writeRequest{kind: reqFlush, ack: ack}:
	case <-w.done:
		return newErr(ErrWriterClosed, "writer is shut down")
	}
	select {
	case <-ack:
		if v, ok := w.lastErr.Load().(*flushErr); ok && v.err != nil {
			return v.err
		}
		return nil
	case <-w.done:
		return newErr(ErrWriterClosed, "writer is shut down")
	}
}

// ApproxQueueDepth reports how many requests are currently buffered,
// for metrics only; it is stale the instant it is read.
func (w *Writer) ApproxQueueDepth() int {
	return len(w.reqs)
}

// SwapLog flushes any already-staged batch against the old segment,
// then runs rotate (invoked with the writer's own current log, from
// inside the writer goroutine so no Append can race the old segment's
// Close) and adopts whatever log it returns for subsequent appends.
// rotate() is only callable between flush calls, which this guarantees
// by flushing first; the caller (the Snapshot Manager) is responsible
// for having already durably written a snapshot covering the old
// segment before calling this.
func (w *Writer) SwapLog(rotate func(old persistence.Log) (persistence.Log, error)) error {
	if w.closed.Load() {
		return newErr(ErrWriterClosed, "writer is shut down")
	}
	rotateErr := make(chan error, 1)
	select {
	case w.reqs <- writeRequest{kind: reqSwapLog, rotate: rotate, rotateErr: rotateErr}:
	case <-w.done:
		return newErr(ErrWriterClosed, "writer is shut down")
	}
	select {
	case err := <-rotateErr:
		return err
	case <-w.done:
		return newErr(ErrWriterClosed, "writer is shut down")
	}
}

// Shutdown flushes any remaining staged requests and stops the writer
// goroutine. Requests enqueued before this call returns are honored;
// Enqueue/Flush calls made after it returns fail with WriterClosed.
func (w *Writer) Shutdown() {
	ack := make(chan struct{})
	select {
	case w.reqs <- writeRequest{kind: reqShutdown, ack: ack}:
		<-ack
	case <-w.done:
	}
}

func (w *Writer) loop() {
	batch := make([][]byte, 0, w.batchSize)
	var acks []chan struct{}

	var tick <-chan time.Time
	if w.durability == DurabilityPerformance {
		ticker := time.NewTicker(performanceFlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	flush := func() {
		for _, line := range batch {
			_ = w.log.Append(line) // best-effort; IoError resurfaces on the next explicit Flush
		}
		batch = batch[:0]
		if err := w.log.Flush(); err != nil {
			// IoError must re-surface on every flush until disk is
			// healthy again, rather than vanish once logged. Every Flush
			// ack delivered while this is set observes it; a later
			// successful flush clears it again.
			w.lastErr.Store(&flushErr{err: wrapErr(ErrIoError, "segment flush failed", err)})
			w.logger.Error("segment flush failed", zap.Error(err))
		} else {
			w.lastErr.Store(&flushErr{})
		}
		for _, ack := range acks {
			close(ack)
		}
		acks = acks[:0]
	}

	handle := func(req writeRequest) (shutdown bool) {
		switch req.kind {
		case reqEntry:
			batch = append(batch, req.line)
			if len(batch) >= w.batchSize {
				flush()
			}
		case reqFlush:
			acks = append(acks, req.ack)
			flush()
		case reqSwapLog:
			flush()
			newLog, err := req.rotate(w.log)
			if err == nil {
				w.log = newLog
			}
			req.rotateErr <- err
		case reqShutdown:
			flush()
			w.closed.Store(true)
			close(req.ack)
			close(w.done)
			return true
		}
		return false
	}

	for {
		select {
		case req := <-w.reqs:
			if handle(req) {
				return
			}
			// Drain non-blockingly so a burst of enqueues doesn't each
			// pay a separate select/ticker round trip.
		drain:
			for {
				select {
				case req2 := <-w.reqs:
					if handle(req2) {
						return
					}
				default:
					break drain
				}
			}
		case <-tick:
			if len(batch) > 0 {
				flush()
			}
		}
	}
}
