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
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/launix-de/lithair/persistence"
)

// Codec tells the engine how to turn an application value into the
// opaque bytes an envelope payload carries, and back. It is the only
// thing an external collaborator must supply (besides an event-type
// tag per logical operation).
type Codec[V any] struct {
	Encode func(V) ([]byte, error)
	Decode func([]byte) (V, error)
}

// Config is every knob the engine reads; field names and defaults
// mirror the configuration options an operator sets via config.Load.
type Config struct {
	BatchSize                int
	Durability               DurabilityMode
	MaxQueueDepth            int // 0 = unbounded
	SnapshotInterval         uint64
	IdempotenceCacheCapacity int
	MaxLineBytes             int
	SegmentRotateBytes       int64
	Logger                   *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.BatchSize < 1 {
		c.BatchSize = 1000
	}
	if c.IdempotenceCacheCapacity < 1 {
		c.IdempotenceCacheCapacity = 10000
	}
	if c.MaxLineBytes < 1 {
		c.MaxLineBytes = 1 << 20
	}
	if c.SegmentRotateBytes < 1 {
		c.SegmentRotateBytes = 64 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Stats is a point-in-time metrics snapshot surfaced for the CLI; it is
// not part of the operation contracts above.
type Stats struct {
	Keys              int
	QueueDepthApprox  int
	LastFlushDuration time.Duration
	BytesWritten      uint64
}

// Engine is the public facade composing the Event Envelope, State Map
// and Async Writer: apply, read, remove, iterate, flush, snapshot,
// load. It owns the idempotence cache exclusively; callers never test
// duplicates themselves.
type Engine[V any] struct {
	codec Codec[V]
	cfg   Config

	state       *StateMap[V]
	persist     persistence.Engine
	idempotence *idempotenceCache

	mu           sync.Mutex
	log          persistence.Log
	writer       *Writer
	nextLogIndex uint64
	sinceSnap    uint64

	rotateMu sync.Mutex // serializes segment rotation and guards e.log swaps

	pendingMu          sync.Mutex
	pendingDurableKeys []string

	closed atomic.Bool

	bytesWritten   atomic.Uint64
	lastFlushNanos atomic.Int64
}

// newBare wires a freshly opened Engine around an already-positioned
// active log and starting log index; used by both Load (after replay)
// and tests that want to skip replay entirely.
func newBare[V any](codec Codec[V], persist persistence.Engine, log persistence.Log, nextLogIndex uint64, cfg Config) *Engine[V] {
	cfg = cfg.withDefaults()
	e := &Engine[V]{
		codec:        codec,
		cfg:          cfg,
		state:        NewStateMap[V](),
		persist:      persist,
		idempotence:  newIdempotenceCache(cfg.IdempotenceCacheCapacity),
		log:          log,
		nextLogIndex: nextLogIndex,
	}
	e.writer = NewWriter(log, cfg.BatchSize, cfg.Durability, cfg.MaxQueueDepth, cfg.Logger)
	return e
}

// Apply assigns a log_index, applies the value to the State Map, and
// (if persist) enqueues the envelope with the Async Writer. Index
// assignment, the state mutation and the enqueue happen as one step
// under the apply lock, so the order values land in the map and the
// order lines land in the segment both match log_index order exactly.
// A second apply carrying an already-seen idempotence key is silently
// dropped and reported as success, per the idempotence contract.
func (e *Engine[V]) Apply(eventType, aggregateID string, value V, idempotenceKey string, persist bool) error {
	if e.closed.Load() {
		return newErr(ErrWriterClosed, "engine is shut down")
	}

	payload, err := e.codec.Encode(value)
	if err != nil {
		return wrapErr(ErrIoError, "encode value", err)
	}
	env := NewEnvelope(eventType, aggregateID, payload, idempotenceKey)

	e.mu.Lock()
	if idempotenceKey != "" && e.idempotence.Seen(idempotenceKey) {
		e.mu.Unlock()
		return nil
	}
	env = env.WithIndex(e.nextLogIndex)
	e.nextLogIndex++
	if aggregateID != "" {
		e.state.Set(aggregateID, value)
	}
	if idempotenceKey != "" {
		e.idempotence.Insert(idempotenceKey)
	}
	var persistErr error
	if persist {
		persistErr = e.enqueueEnvelope(env, idempotenceKey)
	}
	e.mu.Unlock()

	if persistErr != nil {
		// The in-memory apply above is NOT rolled back; the error
		// surfaces here and again on the next Flush.
		return persistErr
	}
	e.maybeAutoSnapshot()
	return nil
}

// ApplyStrict is a stricter apply mode: the envelope is made durable
// before the State Map is touched, trading latency for never exposing
// an in-memory change that the disk is known to be unable to persist.
// The apply lock is held across the flush, so concurrent applies
// serialize behind the fsync; that is the latency cost of the
// stricter coupling. nextLogIndex only advances once the flush has
// succeeded, so a failed strict apply burns no index.
func (e *Engine[V]) ApplyStrict(eventType, aggregateID string, value V, idempotenceKey string) error {
	if e.closed.Load() {
		return newErr(ErrWriterClosed, "engine is shut down")
	}

	payload, err := e.codec.Encode(value)
	if err != nil {
		return wrapErr(ErrIoError, "encode value", err)
	}
	env := NewEnvelope(eventType, aggregateID, payload, idempotenceKey)

	e.mu.Lock()
	err = e.applyStrictLocked(env, aggregateID, value, idempotenceKey)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.maybeAutoSnapshot()
	return nil
}

func (e *Engine[V]) applyStrictLocked(env Envelope, aggregateID string, value V, idempotenceKey string) error {
	if idempotenceKey != "" && e.idempotence.Seen(idempotenceKey) {
		return nil
	}
	env = env.WithIndex(e.nextLogIndex)

	line, err := env.MarshalLine()
	if err != nil {
		return wrapErr(ErrIoError, "marshal envelope", err)
	}
	if len(line) > e.cfg.MaxLineBytes {
		return newErr(ErrEntryTooLarge, "envelope exceeds max line size")
	}
	if err := e.writer.Enqueue(line); err != nil {
		return err
	}
	if err := e.writer.Flush(); err != nil {
		return err
	}
	e.bytesWritten.Add(uint64(len(line)))

	e.nextLogIndex++
	if aggregateID != "" {
		e.state.Set(aggregateID, value)
	}
	if idempotenceKey != "" {
		e.idempotence.Insert(idempotenceKey)
		e.idempotence.MarkDurable(idempotenceKey)
	}
	return nil
}

// NextLogIndex reports the log_index that would be assigned to the next
// locally-originated Apply; replication.Follower uses it to validate
// that an incoming batch is contiguous before accepting it.
func (e *Engine[V]) NextLogIndex() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextLogIndex
}

// ApplyReplicated installs one envelope that already carries a
// log_index assigned by a leader: used by replication.Follower's
// accept_envelopes, never by a local caller (which goes through Apply
// and gets a freshly assigned index instead). The caller is responsible
// for verifying env.LogIndex == NextLogIndex() first.
func (e *Engine[V]) ApplyReplicated(env Envelope) error {
	if e.closed.Load() {
		return newErr(ErrWriterClosed, "engine is shut down")
	}
	var value V
	install := false
	if env.EventType != "Delete" && env.AggregateID != "" {
		decoded, err := e.codec.Decode(env.Payload)
		if err != nil {
			return wrapErr(ErrIoError, "decode replicated payload", err)
		}
		value, install = decoded, true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if env.IdempotenceKey != "" && e.idempotence.Seen(env.IdempotenceKey) {
		return nil
	}
	if env.EventType == "Delete" {
		e.state.Remove(env.AggregateID)
	} else if install {
		e.state.Set(env.AggregateID, value)
	}
	if env.IdempotenceKey != "" {
		e.idempotence.Insert(env.IdempotenceKey)
	}
	e.nextLogIndex = env.LogIndex + 1

	return e.enqueueEnvelope(env, env.IdempotenceKey)
}

// InstallSnapshot atomically replaces the State Map with entries and
// sets NextLogIndex to tailIndex+1. Envelopes still queued with the old
// writer are not cancelled: shutting the old writer down flushes them
// to the active segment before the snapshot is written. Used by
// replication.Follower's
// install_snapshot when the leader judges this follower too far behind
// to catch up from the log alone.
func (e *Engine[V]) InstallSnapshot(entries []KV[V], tailIndex uint64) error {
	if e.closed.Load() {
		return newErr(ErrWriterClosed, "engine is shut down")
	}

	e.writer.Shutdown()
	if err := e.log.Close(); err != nil {
		return wrapErr(ErrIoError, "close active segment before snapshot install", err)
	}

	fresh := NewStateMap[V]()
	for _, kv := range entries {
		fresh.Set(kv.Key, kv.Value)
	}

	doc := snapshotDocument{TailIndex: tailIndex, Entries: make([]snapshotEntry, 0, len(entries))}
	for _, kv := range entries {
		payload, err := e.codec.Encode(kv.Value)
		if err != nil {
			return wrapErr(ErrIoError, "encode installed snapshot entry", err)
		}
		doc.Entries = append(doc.Entries, snapshotEntry{Key: kv.Key, Payload: payload})
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return wrapErr(ErrIoError, "marshal installed snapshot", err)
	}
	compressed, err := compressLZ4(raw)
	if err != nil {
		return wrapErr(ErrIoError, "compress installed snapshot", err)
	}
	if err := e.persist.WriteSnapshot(tailIndex, compressed); err != nil {
		return wrapErr(ErrIoError, "write installed snapshot", err)
	}
	if err := e.persist.TruncateUpTo(tailIndex + 1); err != nil {
		return wrapErr(ErrIoError, "truncate log after snapshot install", err)
	}

	log, _, err := e.persist.OpenActiveLog()
	if err != nil {
		return wrapErr(ErrIoError, "reopen active segment after snapshot install", err)
	}

	e.state = fresh
	e.idempotence = newIdempotenceCache(e.cfg.IdempotenceCacheCapacity)
	e.log = log
	e.writer = NewWriter(log, e.cfg.BatchSize, e.cfg.Durability, e.cfg.MaxQueueDepth, e.cfg.Logger)

	e.mu.Lock()
	e.nextLogIndex = tailIndex + 1
	e.sinceSnap = 0
	e.mu.Unlock()

	return nil
}

func (e *Engine[V]) enqueueEnvelope(env Envelope, idempotenceKey string) error {
	line, err := env.MarshalLine()
	if err != nil {
		return wrapErr(ErrIoError, "marshal envelope", err)
	}
	if len(line) > e.cfg.MaxLineBytes {
		return newErr(ErrEntryTooLarge, "envelope exceeds max line size")
	}
	if err := e.writer.Enqueue(line); err != nil {
		return err
	}
	e.bytesWritten.Add(uint64(len(line)))
	if idempotenceKey != "" {
		e.pendingMu.Lock()
		e.pendingDurableKeys = append(e.pendingDurableKeys, idempotenceKey)
		e.pendingMu.Unlock()
	}
	return nil
}

// Read returns the current value for key, if present. Lock-free.
func (e *Engine[V]) Read(key string) (V, bool) {
	return e.state.Get(key)
}

// ReadWith runs f against the value for key without copying it out
// first; a free function because it needs a second type parameter for
// f's result, which a method on Engine[V] cannot introduce.
func ReadWith[V any, R any](e *Engine[V], key string, f func(V) R) (R, bool) {
	return Read(e.state, key, f)
}

// Remove deletes key from the State Map and enqueues a tombstone
// envelope recording the deletion. As with Apply, index assignment,
// the map removal and the tombstone enqueue are one step under the
// apply lock, so a racing Apply to the same key is ordered by the
// log_index each of them drew.
func (e *Engine[V]) Remove(key string) error {
	if e.closed.Load() {
		return newErr(ErrWriterClosed, "engine is shut down")
	}

	e.mu.Lock()
	tombstone := NewEnvelope("Delete", key, nil, "").WithIndex(e.nextLogIndex)
	e.nextLogIndex++
	e.state.Remove(key)
	err := e.enqueueEnvelope(tombstone, "")
	e.mu.Unlock()

	if err != nil {
		return err
	}
	e.maybeAutoSnapshot()
	return nil
}

// IterAll returns a point-in-time vector of (key, value) copies.
func (e *Engine[V]) IterAll() []KV[V] {
	return e.state.All()
}

// Flush awaits durable persistence of every Apply/Remove already
// observed, then promotes any idempotence keys enqueued since the last
// flush to durable (eligible for LRU eviction).
func (e *Engine[V]) Flush() error {
	if e.closed.Load() {
		return newErr(ErrWriterClosed, "engine is shut down")
	}
	start := time.Now()
	err := e.writer.Flush()
	e.lastFlushNanos.Store(int64(time.Since(start)))
	if err != nil {
		return err
	}

	e.pendingMu.Lock()
	keys := e.pendingDurableKeys
	e.pendingDurableKeys = nil
	e.pendingMu.Unlock()
	for _, k := range keys {
		e.idempotence.MarkDurable(k)
	}

	e.maybeRotateBySize()
	return nil
}

// Close flushes and shuts down the writer. The Engine must not be used
// afterward.
func (e *Engine[V]) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.writer.Shutdown()
	return e.log.Close()
}

// Stats reports a metrics snapshot for the CLI/operator surface; it
// changes no operation's contract.
func (e *Engine[V]) Stats() Stats {
	return Stats{
		Keys:              e.state.Len(),
		QueueDepthApprox:  e.writer.ApproxQueueDepth(),
		LastFlushDuration: time.Duration(e.lastFlushNanos.Load()),
		BytesWritten:      e.bytesWritten.Load(),
	}
}
