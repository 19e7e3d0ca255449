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

import (
	"testing"

	"github.com/launix-de/lithair/engine"
	"github.com/launix-de/lithair/persistence"
)

// CommittedEnvelopesFrom only ever yields envelopes that reached disk
// via Flush, in log_index order, starting at the requested index.
func TestLeaderStreamsOnlyDurableEnvelopesFromIndex(t *testing.T) {
	dir := t.TempDir()
	persist, err := persistence.NewFileBackend(dir, 0)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	eng, err := engine.Load(persist, stringCodec, engine.Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer eng.Close()

	for _, v := range []string{"v1", "v2", "v3"} {
		if err := eng.Apply("Upsert", "k", v, "", true); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	if err := eng.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	leader := NewLeader(persist)
	ch, err := leader.CommittedEnvelopesFrom(2)
	if err != nil {
		t.Fatalf("CommittedEnvelopesFrom: %v", err)
	}

	var indices []uint64
	for env := range ch {
		indices = append(indices, env.LogIndex)
	}
	if len(indices) != 2 || indices[0] != 2 || indices[1] != 3 {
		t.Fatalf("CommittedEnvelopesFrom(2) yielded %v, want [2 3]", indices)
	}
}

// SnapshotReader reports ok=false on a data directory with no snapshot
// yet, and the snapshot bytes plus tail index once one has been taken.
func TestLeaderSnapshotReaderReflectsLatestSnapshot(t *testing.T) {
	dir := t.TempDir()
	persist, err := persistence.NewFileBackend(dir, 0)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	eng, err := engine.Load(persist, stringCodec, engine.Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer eng.Close()

	leader := NewLeader(persist)
	if _, _, ok, err := leader.SnapshotReader(); err != nil || ok {
		t.Fatalf("SnapshotReader before any snapshot = ok=%v err=%v, want ok=false, err=nil", ok, err)
	}

	if err := eng.Apply("Upsert", "k", "v", "", true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := eng.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := eng.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	data, tail, ok, err := leader.SnapshotReader()
	if err != nil || !ok {
		t.Fatalf("SnapshotReader after snapshot = ok=%v err=%v, want ok=true", ok, err)
	}
	if len(data) == 0 {
		t.Fatalf("SnapshotReader returned empty data")
	}
	if tail != 1 {
		t.Fatalf("SnapshotReader tail = %d, want 1", tail)
	}
}

// FollowerProgressReport is a thin pass-through to the coordinator.
func TestLeaderFollowerProgressReportUpdatesCoordinator(t *testing.T) {
	dir := t.TempDir()
	persist, err := persistence.NewFileBackend(dir, 0)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	leader := NewLeader(persist)
	coord := NewResyncCoordinator(ResyncCoordinatorConfig{})

	leader.FollowerProgressReport(coord, "f1", 42)

	id, ok := coord.MostLagging()
	if !ok || id != "f1" {
		t.Fatalf("MostLagging() = %q, %v; want f1, true", id, ok)
	}
}
