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

// Package replication carries replicated envelopes post-durability from
// one engine to another: a leader-side producer, a follower-side
// consumer, and a coordinator tracking which followers need a
// snapshot-based resync. How the bytes travel between processes is out
// of scope for this package; replication/transport offers one concrete
// carrier.
package replication

import (
	"github.com/launix-de/lithair/engine"
	"github.com/launix-de/lithair/persistence"
)

// CommittedEnvelope is one already-durable envelope line, ready to be
// framed onto a transport exactly as it sits in the segment file.
type CommittedEnvelope struct {
	LogIndex uint64
	Line     []byte
}

// Leader streams durable envelopes and snapshots out of a persistence
// backend to followers. It reads only what is already on disk: a
// leader never hands a follower an envelope the local writer has not
// yet flushed, so a leader crash cannot expose followers to phantom
// entries.
type Leader struct {
	persist persistence.Engine
}

// NewLeader wraps a persistence.Engine as a replication source.
func NewLeader(persist persistence.Engine) *Leader {
	return &Leader{persist: persist}
}

// CommittedEnvelopesFrom streams every durable envelope whose log_index
// is >= index, oldest first: a lazy sequence the leader replays from
// disk, never from an in-memory buffer of not-yet-flushed writes.
func (l *Leader) CommittedEnvelopesFrom(index uint64) (<-chan CommittedEnvelope, error) {
	records, err := l.persist.ReplayFrom(index)
	if err != nil {
		return nil, err
	}
	out := make(chan CommittedEnvelope)
	go func() {
		defer close(out)
		for rec := range records {
			env, err := engine.ParseEnvelopeLine(rec.Raw)
			if err != nil {
				continue // a torn tail line here was already flagged by the local replay; skip silently
			}
			if env.LogIndex < index {
				continue
			}
			out <- CommittedEnvelope{LogIndex: env.LogIndex, Line: rec.Raw}
		}
	}()
	return out, nil
}

// SnapshotReader returns the bytes of the newest complete snapshot and
// its tail index, or ok=false if none exists yet.
func (l *Leader) SnapshotReader() (data []byte, tailIndex uint64, ok bool, err error) {
	return l.persist.ReadLatestSnapshot()
}

// FollowerProgressReport records one follower's last-acknowledged
// log_index in coord, where NeedsResync and MostLagging read it.
// Nothing in this package truncates segments based on it; it never
// blocks or rejects a follower that falls behind.
func (l *Leader) FollowerProgressReport(coord *ResyncCoordinator, followerID string, ackIndex uint64) {
	coord.ReportProgress(followerID, ackIndex)
}
