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
package replication

import "github.com/launix-de/lithair/engine"

// Follower applies envelopes and snapshots handed to it by a Leader
// into a local Engine. It never originates applies of its own; a
// follower's local Engine mirrors the leader's total order exactly.
type Follower[V any] struct {
	eng *engine.Engine[V]
}

// NewFollower wraps eng as a replication sink.
func NewFollower[V any](eng *engine.Engine[V]) *Follower[V] {
	return &Follower[V]{eng: eng}
}

// AcceptEnvelopes applies seq in order. If the first envelope's
// log_index does not exactly equal the follower's next expected index,
// the whole batch is rejected with Gap(expected, got) and nothing in
// seq is applied; a partial application of a non-contiguous batch
// would leave next_log_index in a state no subsequent batch could ever
// satisfy again.
func (f *Follower[V]) AcceptEnvelopes(seq []engine.Envelope) error {
	if len(seq) == 0 {
		return nil
	}
	expected := f.eng.NextLogIndex()
	if seq[0].LogIndex != expected {
		return engine.ErrGapOf(expected, seq[0].LogIndex)
	}
	for _, env := range seq {
		if err := f.eng.ApplyReplicated(env); err != nil {
			return err
		}
	}
	return nil
}

// InstallSnapshot atomically replaces the follower's State Map with
// entries and resets next_log_index to tailIndex+1. Writer work still
// queued against the superseded state is flushed, not cancelled (see
// engine.Engine.InstallSnapshot).
func (f *Follower[V]) InstallSnapshot(entries []engine.KV[V], tailIndex uint64) error {
	return f.eng.InstallSnapshot(entries, tailIndex)
}
