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

	"go.uber.org/zap"

	"github.com/launix-de/lithair/persistence"
)

// Load reconstructs an Engine from a data directory: newest complete
// snapshot (if any) installed first, then every segment line with
// log_index greater than the snapshot's tail, replayed strictly in
// order on a single goroutine. A single malformed tail line is logged
// at WARN and skipped rather than failing startup.
func Load[V any](persist persistence.Engine, codec Codec[V], cfg Config) (*Engine[V], error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	if err := persist.RemoveSnapshotTemp(); err != nil {
		return nil, wrapErr(ErrIoError, "remove leftover snapshot.tmp", err)
	}

	state := NewStateMap[V]()
	idempotence := newIdempotenceCache(cfg.IdempotenceCacheCapacity)

	var tailIndex uint64
	snapBytes, snapTail, hasSnapshot, err := persist.ReadLatestSnapshot()
	if err != nil {
		return nil, wrapErr(ErrIoError, "read latest snapshot", err)
	}
	if hasSnapshot {
		raw, err := decompressIfLZ4(snapBytes)
		if err != nil {
			return nil, wrapErr(ErrCorruptSnapshot, "decompress snapshot", err)
		}
		var doc snapshotDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, wrapErr(ErrCorruptSnapshot, "parse snapshot", err)
		}
		for _, entry := range doc.Entries {
			value, err := codec.Decode(entry.Payload)
			if err != nil {
				return nil, wrapErr(ErrCorruptSnapshot, "decode snapshot entry", err)
			}
			state.Set(entry.Key, value)
		}
		tailIndex = snapTail
		if doc.TailIndex != snapTail {
			tailIndex = doc.TailIndex
		}
	}

	log, activeStart, err := persist.OpenActiveLog()
	if err != nil {
		return nil, wrapErr(ErrIoError, "open active segment", err)
	}

	nextLogIndex := tailIndex + 1
	if !hasSnapshot && activeStart > 1 {
		nextLogIndex = activeStart
	}

	records, err := persist.ReplayFrom(tailIndex)
	if err != nil {
		return nil, wrapErr(ErrIoError, "begin replay", err)
	}
	for rec := range records {
		env, err := ParseEnvelopeLine(rec.Raw)
		if err != nil {
			logger.Warn("skipping malformed envelope line during replay",
				zap.String("segment", rec.Segment), zap.Int("line", rec.LineNo), zap.Error(err))
			continue
		}
		if env.LogIndex <= tailIndex {
			continue // already reflected in the installed snapshot
		}
		if env.IdempotenceKey != "" && idempotence.Seen(env.IdempotenceKey) {
			continue
		}

		if env.EventType == "Delete" {
			state.Remove(env.AggregateID)
		} else {
			value, err := codec.Decode(env.Payload)
			if err != nil {
				logger.Warn("skipping envelope with undecodable payload during replay",
					zap.String("segment", rec.Segment), zap.Int("line", rec.LineNo), zap.Error(err))
				continue
			}
			if env.AggregateID != "" {
				state.Set(env.AggregateID, value)
			}
		}
		if env.IdempotenceKey != "" {
			idempotence.Insert(env.IdempotenceKey)
			idempotence.MarkDurable(env.IdempotenceKey)
		}
		if env.LogIndex+1 > nextLogIndex {
			nextLogIndex = env.LogIndex + 1
		}
	}

	e := newBare(codec, persist, log, nextLogIndex, cfg)
	e.state = state
	e.idempotence = idempotence
	return e, nil
}
