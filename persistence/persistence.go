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

// Package persistence abstracts the append-only segmented log and the
// snapshot store that back an engine.Engine. It is generalized from
// memcp's storage.PersistenceEngine / storage.PersistenceLogfile
// interfaces: where memcp has one interface per on-disk column/log
// format, this package has one interface per storage backend (local
// filesystem, S3, Ceph), all exercising the same line-delimited
// envelope format so the Log Storage component of the engine does not
// know or care which backend it is talking to.
package persistence

import "io"

// Record is one raw, still-opaque line read back from a segment during
// replay. The engine, not this package, knows how to decode it into an
// Envelope and to decide whether it is malformed.
type Record struct {
	Segment string
	LineNo  int
	Raw     []byte
}

// SegmentInfo describes one rotated or active segment file.
type SegmentInfo struct {
	StartIndex uint64
	Name       string
	SizeBytes  int64
}

// Log is the handle for the currently active (tail) segment. Append
// stages bytes without touching durability; Flush is the only
// operation that guarantees the OS-level write has completed.
type Log interface {
	// Append stages one self-delimiting line (already newline
	// terminated) into the segment's in-memory write buffer. It never
	// blocks on fsync.
	Append(line []byte) error
	// Flush writes the staged buffer to the segment file and, if the
	// backend is configured for it, fsyncs. On success every line
	// appended before the call is recoverable after a crash.
	Flush() error
	// Size reports the current on-disk size of the segment, used to
	// decide when to rotate.
	Size() (int64, error)
	io.Closer
}

// Engine is one durability backend: a segmented log plus a snapshot
// store, rooted at one data directory / bucket prefix.
type Engine interface {
	// OpenActiveLog opens (creating if absent) the tail segment for
	// append, returning its starting log index.
	OpenActiveLog() (Log, uint64, error)
	// Rotate closes the active segment and opens a new one starting at
	// nextStart. Callable only between Flush calls.
	Rotate(active Log, nextStart uint64) (Log, error)
	// ListSegments enumerates all segments, oldest first, including the
	// active one.
	ListSegments() ([]SegmentInfo, error)
	// ReplayFrom streams every line of every segment whose range can
	// contain fromIndexHint or later, oldest first, in file order. The
	// returned channel is closed once the backend stops reading; there is
	// no way to cancel a replay early.
	ReplayFrom(fromIndexHint uint64) (<-chan Record, error)
	// TruncateUpTo deletes segments whose highest possible index is
	// strictly below index. The caller (Snapshot Manager) must already
	// have a durable snapshot covering index.
	TruncateUpTo(index uint64) error
	// MaxLineBytes returns the configured maximum line size; Append
	// callers failing this check should surface EntryTooLarge themselves.
	MaxLineBytes() int

	// WriteSnapshot atomically installs a new snapshot: write to a
	// temporary location, fsync, then rename/commit into place.
	WriteSnapshot(tailIndex uint64, data []byte) error
	// ReadLatestSnapshot returns the newest complete snapshot's bytes and
	// tail index, or ok=false if none exists yet.
	ReadLatestSnapshot() (data []byte, tailIndex uint64, ok bool, err error)
	// ListSnapshotTails lists the tail index of every complete snapshot,
	// ascending.
	ListSnapshotTails() ([]uint64, error)
	// RemoveSnapshotTemp deletes a leftover in-progress snapshot file,
	// called once at startup before the active log or latest snapshot
	// is opened.
	RemoveSnapshotTemp() error
}
