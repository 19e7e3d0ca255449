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

// Concurrent Modify calls on the same key never lose an update: N
// goroutines each incrementing a counter must land on exactly N.
func TestModifyIsAtomicUnderConcurrency(t *testing.T) {
	m := NewStateMap[int]()
	const goroutines = 64
	const perGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				m.Modify("counter", func(old *int) int {
					if old == nil {
						return 1
					}
					return *old + 1
				})
			}
		}()
	}
	wg.Wait()

	got, ok := m.Get("counter")
	if !ok {
		t.Fatalf("counter key missing after concurrent Modify")
	}
	if want := goroutines * perGoroutine; got != want {
		t.Fatalf("counter = %d, want %d (a concurrent Modify lost an update)", got, want)
	}
}

// Concurrent writes to distinct keys never interfere with each other,
// regardless of which shard they land in.
func TestConcurrentWritesToDistinctKeysDontInterfere(t *testing.T) {
	m := NewStateMap[string]()
	const keys = 500

	var wg sync.WaitGroup
	wg.Add(keys)
	for i := 0; i < keys; i++ {
		i := i
		go func() {
			defer wg.Done()
			k := fmt.Sprintf("k%d", i)
			m.Set(k, fmt.Sprintf("v%d", i))
		}()
	}
	wg.Wait()

	if got := m.Len(); got != keys {
		t.Fatalf("Len() = %d, want %d", got, keys)
	}
	for i := 0; i < keys; i++ {
		k := fmt.Sprintf("k%d", i)
		want := fmt.Sprintf("v%d", i)
		if got, ok := m.Get(k); !ok || got != want {
			t.Fatalf("Get(%s) = %q, %v; want %q, true", k, got, ok, want)
		}
	}
}

// Remove is visible immediately to Get and excludes the key from Iter.
func TestRemoveIsVisibleImmediately(t *testing.T) {
	m := NewStateMap[string]()
	m.Set("a", "1")
	m.Set("b", "2")

	prev, ok := m.Remove("a")
	if !ok || prev != "1" {
		t.Fatalf("Remove(a) = %q, %v; want 1, true", prev, ok)
	}
	if _, ok := m.Get("a"); ok {
		t.Fatalf("Get(a) still present after Remove")
	}

	seen := map[string]string{}
	m.Iter(func(k, v string) { seen[k] = v })
	if _, present := seen["a"]; present {
		t.Fatalf("Iter still yielded removed key a")
	}
	if seen["b"] != "2" {
		t.Fatalf("Iter lost unrelated key b: %v", seen)
	}
}

// All returns a point-in-time vector whose length matches Len, and
// Clear empties every shard.
func TestAllAndClear(t *testing.T) {
	m := NewStateMap[int]()
	for i := 0; i < 50; i++ {
		m.Set(fmt.Sprintf("k%d", i), i)
	}
	all := m.All()
	if len(all) != m.Len() || len(all) != 50 {
		t.Fatalf("All() returned %d entries, Len()=%d, want 50 both", len(all), m.Len())
	}

	m.Clear()
	if got := m.Len(); got != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", got)
	}
	if got := m.All(); len(got) != 0 {
		t.Fatalf("All() after Clear = %v, want empty", got)
	}
}
