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

import "hash/fnv"

// DefaultShardCount is the number of independent nonLockingReadMap
// instances a StateMap fans keys out across.
const DefaultShardCount = 32

// KV is one (key, value) pair returned by StateMap.All.
type KV[V any] struct {
	Key   string
	Value V
}

// StateMap is the concurrent key/value mapping at the heart of the
// engine: lock-free reads, atomic per-key modify, and a point-in-time
// iteration that is consistent with some linearization of concurrent
// writes.
//
// Keys are sharded by an FNV hash so that a write to one key only ever
// contends with writes to other keys that hash into the same shard,
// instead of serializing against the whole map.
type StateMap[V any] struct {
	shards []*nonLockingReadMap[V]
}

// NewStateMap creates a StateMap with the default shard count.
func NewStateMap[V any]() *StateMap[V] {
	return NewStateMapShards[V](DefaultShardCount)
}

// NewStateMapShards creates a StateMap with an explicit shard count,
// rounded to at least 1.
func NewStateMapShards[V any](shardCount int) *StateMap[V] {
	if shardCount < 1 {
		shardCount = 1
	}
	m := &StateMap[V]{shards: make([]*nonLockingReadMap[V], shardCount)}
	for i := range m.shards {
		m.shards[i] = newNonLockingReadMap[V]()
	}
	return m
}

func (m *StateMap[V]) shardFor(key string) *nonLockingReadMap[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Get returns the current value for key and whether it is present. This
// is the primitive Read is built on; exported because it is useful on
// its own (e.g. for tests and the operator CLI) without a closure.
func (m *StateMap[V]) Get(key string) (V, bool) {
	return m.shardFor(key).get(key)
}

// Read runs f against an immutable borrow of the value for key. It is a
// free function (not a method) because it introduces a second type
// parameter for f's result, which Go methods cannot do.
func Read[V any, R any](m *StateMap[V], key string, f func(V) R) (R, bool) {
	v, ok := m.Get(key)
	if !ok {
		var zero R
		return zero, false
	}
	return f(v), true
}

// Modify upserts key: f receives the current value (nil if absent) and
// returns the value to install. It is atomic with respect to other
// Modify/Remove/Set calls on the same key.
func (m *StateMap[V]) Modify(key string, f func(old *V) V) V {
	return m.shardFor(key).modify(key, f)
}

// Set installs v unconditionally, returning the previous value if any.
func (m *StateMap[V]) Set(key string, v V) (V, bool) {
	return m.shardFor(key).set(key, v)
}

// Remove atomically deletes key, returning the prior value if present.
func (m *StateMap[V]) Remove(key string) (V, bool) {
	return m.shardFor(key).remove(key)
}

// Iter calls f once per live entry in a point-in-time snapshot of each
// shard. The observed set is consistent with some linearization of
// concurrent writes, not necessarily the most recent one.
func (m *StateMap[V]) Iter(f func(key string, value V)) {
	for _, shard := range m.shards {
		for _, e := range shard.all() {
			f(e.key, e.value)
		}
	}
}

// All returns a point-in-time vector of every (key, value) pair, as used
// by Engine.IterAll and the Snapshot Manager.
func (m *StateMap[V]) All() []KV[V] {
	out := make([]KV[V], 0, m.Len())
	m.Iter(func(k string, v V) {
		out = append(out, KV[V]{Key: k, Value: v})
	})
	return out
}

// Len returns the total number of live entries across all shards.
func (m *StateMap[V]) Len() int {
	total := 0
	for _, shard := range m.shards {
		total += shard.len()
	}
	return total
}

// Clear removes every entry from every shard.
func (m *StateMap[V]) Clear() {
	for _, shard := range m.shards {
		shard.clear()
	}
}
