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
	"fmt"
	"sync"
	"testing"
)

// Durable single write survives a fresh load.
func TestDurableSingleWrite(t *testing.T) {
	dir := t.TempDir()

	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := eng.Apply("Upsert", "k", "v1", "", true); err != nil {
		t.Fatalf("Apply: %v", err)
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
		t.Fatalf("second Load: %v", err)
	}
	defer eng2.Close()

	got, ok := eng2.Read("k")
	if !ok || got != "v1" {
		t.Fatalf("Read(k) = %q, %v; want v1, true", got, ok)
	}
}

// A second apply with an already-seen idempotence key is a no-op, and
// exactly one record for that key reaches the log.
func TestIdempotenceDropsDuplicate(t *testing.T) {
	dir := t.TempDir()
	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer eng.Close()

	if err := eng.Apply("Upsert", "k", "v1", "x", true); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := eng.Apply("Upsert", "k", "v2", "x", true); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if err := eng.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, ok := eng.Read("k")
	if !ok || got != "v1" {
		t.Fatalf("Read(k) = %q, %v; want v1, true", got, ok)
	}

	records, err := persist.ReplayFrom(0)
	if err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}
	count := 0
	for rec := range records {
		env, err := ParseEnvelopeLine(rec.Raw)
		if err != nil {
			t.Fatalf("ParseEnvelopeLine: %v", err)
		}
		if env.IdempotenceKey == "x" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("log contains %d records for idempotence key x, want exactly 1", count)
	}
}

// An envelope carrying an idempotence key already present leaves the
// State Map byte-identical: apply(E) must not even momentarily install
// the second payload.
func TestIdempotenceLeavesStateUnchanged(t *testing.T) {
	dir := t.TempDir()
	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer eng.Close()

	if err := eng.Apply("Upsert", "k", "v1", "dup", true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	before := eng.IterAll()
	if err := eng.Apply("Upsert", "k", "v2", "dup", true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	after := eng.IterAll()

	if len(before) != len(after) || len(after) != 1 || after[0].Value != before[0].Value {
		t.Fatalf("state changed across a duplicate apply: before=%v after=%v", before, after)
	}
}

// Two envelopes touching the same key are observed in log_index order:
// a reader that sees B's effect must also see A's effect when A comes
// first.
func TestReadsFollowLogIndexOrder(t *testing.T) {
	dir := t.TempDir()
	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer eng.Close()

	for i, v := range []string{"v1", "v2", "v3"} {
		if err := eng.Apply("Upsert", "k", v, "", true); err != nil {
			t.Fatalf("Apply #%d: %v", i, err)
		}
	}
	got, ok := eng.Read("k")
	if !ok || got != "v3" {
		t.Fatalf("Read(k) = %q, %v; want v3, true (the last log_index to touch k)", got, ok)
	}
}

// Concurrent applies to one key leave memory and log in agreement: the
// value read back in-process is the one carried by the highest
// log_index, so a fresh replay of the same directory must reproduce it
// exactly. Applies racing from many goroutines must not install their
// values in an order different from the log_indexes they drew.
func TestConcurrentAppliesToOneKeyMatchReplayOrder(t *testing.T) {
	dir := t.TempDir()
	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	const goroutines = 16
	const perGoroutine = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if err := eng.Apply("Upsert", "k", fmt.Sprintf("g%d-%d", g, i), "", true); err != nil {
					t.Errorf("Apply: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := eng.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	inMem, ok := eng.Read("k")
	if !ok {
		t.Fatalf("Read(k) absent after concurrent applies")
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
	replayed, ok := eng2.Read("k")
	if !ok || replayed != inMem {
		t.Fatalf("replayed value %q does not match in-memory value %q (state mutation raced index assignment)", replayed, inMem)
	}
}

// Concurrent Apply and Remove on the same key also converge with a
// replay of the log: whatever the racing callers left in memory is
// what log_index order reconstructs.
func TestConcurrentApplyAndRemoveMatchReplayOrder(t *testing.T) {
	dir := t.TempDir()
	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := eng.Apply("Upsert", "k", fmt.Sprintf("v%d", i), "", true); err != nil {
				t.Errorf("Apply: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := eng.Remove("k"); err != nil {
				t.Errorf("Remove: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if err := eng.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	inMem, inMemPresent := eng.Read("k")
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	persist2 := newFileBackend(t, dir)
	eng2, err := Load(persist2, stringCodec, Config{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer eng2.Close()
	replayed, replayedPresent := eng2.Read("k")
	if replayedPresent != inMemPresent || replayed != inMem {
		t.Fatalf("replay disagrees with memory: got (%q, %v), want (%q, %v)", replayed, replayedPresent, inMem, inMemPresent)
	}
}

// Remove enqueues a tombstone and the key disappears from IterAll.
func TestRemoveDeletesKey(t *testing.T) {
	dir := t.TempDir()
	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer eng.Close()

	if err := eng.Apply("Upsert", "k", "v1", "", true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := eng.Remove("k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := eng.Read("k"); ok {
		t.Fatalf("Read(k) still present after Remove")
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
		t.Fatalf("second Load: %v", err)
	}
	defer eng2.Close()
	if _, ok := eng2.Read("k"); ok {
		t.Fatalf("tombstone did not survive reload")
	}
}

// A strict apply is already durable when it returns: no explicit Flush
// is needed for it to survive a reload, and a duplicate idempotence
// key is still a no-op.
func TestApplyStrictIsDurableOnReturn(t *testing.T) {
	dir := t.TempDir()
	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := eng.ApplyStrict("Upsert", "k", "v1", "dup"); err != nil {
		t.Fatalf("ApplyStrict: %v", err)
	}
	if err := eng.ApplyStrict("Upsert", "k", "v2", "dup"); err != nil {
		t.Fatalf("duplicate ApplyStrict: %v", err)
	}
	if got, ok := eng.Read("k"); !ok || got != "v1" {
		t.Fatalf("Read(k) = %q, %v; want v1, true", got, ok)
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
	if got, ok := eng2.Read("k"); !ok || got != "v1" {
		t.Fatalf("Read(k) after reload = %q, %v; want v1, true", got, ok)
	}
}

// ApplyStrict never hands two racing callers the same log_index: after
// N concurrent strict applies, NextLogIndex has advanced by exactly N
// and every envelope replays.
func TestApplyStrictAssignsUniqueIndicesUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	const goroutines = 8
	const perGoroutine = 10
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if err := eng.ApplyStrict("Upsert", fmt.Sprintf("k-%d-%d", g, i), "v", ""); err != nil {
					t.Errorf("ApplyStrict: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	const total = goroutines * perGoroutine
	if got := eng.NextLogIndex(); got != total+1 {
		t.Fatalf("NextLogIndex() = %d, want %d (a duplicated index leaves it short)", got, total+1)
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
	if got := len(eng2.IterAll()); got != total {
		t.Fatalf("reload found %d entries, want %d", got, total)
	}
}

// Operations against a closed engine fail with WriterClosed rather
// than panicking or silently no-op'ing.
func TestOperationsAfterCloseFail(t *testing.T) {
	dir := t.TempDir()
	persist := newFileBackend(t, dir)
	eng, err := Load(persist, stringCodec, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := eng.Apply("Upsert", "k", "v1", "", true); !IsKind(err, ErrWriterClosed) {
		t.Fatalf("Apply after Close = %v, want WriterClosed", err)
	}
	if err := eng.Remove("k"); !IsKind(err, ErrWriterClosed) {
		t.Fatalf("Remove after Close = %v, want WriterClosed", err)
	}
	if err := eng.Flush(); !IsKind(err, ErrWriterClosed) {
		t.Fatalf("Flush after Close = %v, want WriterClosed", err)
	}
}
