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
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// A torn line at the tail of the active segment is skipped with a
// WARN, and every envelope before it still replays.
func TestReplaySkipsTornTailLine(t *testing.T) {
	dir := t.TempDir()

	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := eng.Apply("Upsert", "k1", "v1", "", true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := eng.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a power loss mid-write: append a truncated, non-JSON
	// fragment straight to the active segment file, bypassing the
	// writer entirely.
	segPath := filepath.Join(dir, "events.raftlog")
	f, err := os.OpenFile(segPath, os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		t.Fatalf("open segment for torn append: %v", err)
	}
	if _, err := f.WriteString(`{"event_type":"Upsert","aggregate_id":"k2","event_i`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	persist2 := newFileBackend(t, dir)
	eng2, err := Load(persist2, stringCodec, Config{Logger: logger})
	if err != nil {
		t.Fatalf("Load after torn line: %v", err)
	}
	defer eng2.Close()

	got, ok := eng2.Read("k1")
	if !ok || got != "v1" {
		t.Fatalf("Read(k1) = %q, %v; want v1, true (pre-tear write must survive)", got, ok)
	}
	if _, ok := eng2.Read("k2"); ok {
		t.Fatalf("Read(k2) = ok; the torn write must not have applied")
	}

	if logs.FilterMessage("skipping malformed envelope line during replay").Len() != 1 {
		t.Fatalf("expected exactly one WARN about the malformed tail line, got %d", logs.Len())
	}
}

// A clean restart with no writes between Close and Load is a true
// no-op: every key reads back unchanged and the log isn't replayed
// twice into duplicate state.
func TestLoadIsIdempotentAcrossCleanRestarts(t *testing.T) {
	dir := t.TempDir()

	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := eng.Apply("Upsert", "k", "v", "", true); err != nil {
			t.Fatalf("Apply #%d: %v", i, err)
		}
	}
	if err := eng.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	persist2 := newFileBackend(t, dir)
	eng2, err := Load(persist2, stringCodec, Config{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer eng2.Close()

	all := eng2.IterAll()
	if len(all) != 1 {
		t.Fatalf("IterAll after reload = %d entries, want 1 (repeated upserts to the same key collapse)", len(all))
	}
}
