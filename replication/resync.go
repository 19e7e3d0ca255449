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
	"sync"
	"time"

	"github.com/google/btree"
)

// ResyncCoordinatorConfig bounds how aggressively a lagging follower is
// pulled back onto a snapshot instead of the log suffix.
type ResyncCoordinatorConfig struct {
	MaxResyncGap         uint64
	MaxConcurrentResyncs int
	ResyncCooldown       time.Duration
}

func (c ResyncCoordinatorConfig) withDefaults() ResyncCoordinatorConfig {
	if c.MaxResyncGap == 0 {
		c.MaxResyncGap = 1000
	}
	if c.MaxConcurrentResyncs == 0 {
		c.MaxConcurrentResyncs = 2
	}
	if c.ResyncCooldown == 0 {
		c.ResyncCooldown = 10 * time.Second
	}
	return c
}

// followerProgress is one entry in the coordinator's ordered set, kept
// ordered by ack_index so the most-lagging followers can be found
// without a linear scan.
type followerProgress struct {
	followerID  string
	ackIndex    uint64
	cooldownEnd time.Time
}

func progressLess(a, b followerProgress) bool {
	if a.ackIndex != b.ackIndex {
		return a.ackIndex < b.ackIndex
	}
	return a.followerID < b.followerID
}

// ResyncCoordinator tracks per-follower ack progress and decides which
// followers are far enough behind to need a snapshot-based resync
// instead of a log suffix. It only ever reports a decision; applying it
// (sending a snapshot, replaying a log suffix) is left to the caller.
// The engine itself never consults this type.
type ResyncCoordinator struct {
	cfg ResyncCoordinatorConfig

	mu   sync.Mutex
	byID map[string]followerProgress
	// ordered mirrors byID's values, ordered by ack_index, so the
	// most-lagging follower is always the minimum element. Same shape as
	// memcp's storage.StorageIndex.deltaBtree: a btree.BTreeG ordered by
	// a caller-supplied comparator over rows otherwise tracked in a
	// plain map.
	ordered      *btree.BTreeG[followerProgress]
	inResync     map[string]struct{}
	leaderLast   uint64
	leaderLastMu sync.Mutex
}

// NewResyncCoordinator creates a coordinator with the given bounds.
func NewResyncCoordinator(cfg ResyncCoordinatorConfig) *ResyncCoordinator {
	cfg = cfg.withDefaults()
	return &ResyncCoordinator{
		cfg:      cfg,
		byID:     make(map[string]followerProgress),
		ordered:  btree.NewG(8, progressLess),
		inResync: make(map[string]struct{}),
	}
}

// SetLeaderLastIndex records the leader's current highest committed
// log_index, the other half of the max_resync_gap comparison.
func (c *ResyncCoordinator) SetLeaderLastIndex(index uint64) {
	c.leaderLastMu.Lock()
	c.leaderLast = index
	c.leaderLastMu.Unlock()
}

// ReportProgress records a follower's most recent ack_index.
func (c *ResyncCoordinator) ReportProgress(followerID string, ackIndex uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byID[followerID]; ok {
		c.ordered.Delete(old)
	}
	entry := followerProgress{followerID: followerID, ackIndex: ackIndex}
	if old, ok := c.byID[followerID]; ok {
		entry.cooldownEnd = old.cooldownEnd
	}
	c.byID[followerID] = entry
	c.ordered.ReplaceOrInsert(entry)
}

// NeedsResync reports whether followerID is far enough behind the
// leader to warrant a snapshot instead of a log suffix, honoring both
// max_resync_gap and resync_cooldown. It does not itself start a
// resync; call BeginResync once the caller commits to sending one.
func (c *ResyncCoordinator) NeedsResync(followerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[followerID]
	if !ok {
		return false
	}
	if time.Now().Before(p.cooldownEnd) {
		return false
	}
	c.leaderLastMu.Lock()
	last := c.leaderLast
	c.leaderLastMu.Unlock()
	if last < p.ackIndex {
		return false
	}
	return last-p.ackIndex > c.cfg.MaxResyncGap
}

// BeginResync admits followerID into the in-progress resync set,
// failing if max_concurrent_resyncs is already saturated. On success
// the caller is responsible for calling EndResync once the snapshot
// transfer completes, which also starts the cooldown window.
func (c *ResyncCoordinator) BeginResync(followerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, already := c.inResync[followerID]; already {
		return true
	}
	if len(c.inResync) >= c.cfg.MaxConcurrentResyncs {
		return false
	}
	c.inResync[followerID] = struct{}{}
	return true
}

// EndResync releases followerID's resync slot and starts its cooldown.
func (c *ResyncCoordinator) EndResync(followerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inResync, followerID)
	p, ok := c.byID[followerID]
	if !ok {
		return
	}
	c.ordered.Delete(p)
	p.cooldownEnd = time.Now().Add(c.cfg.ResyncCooldown)
	c.byID[followerID] = p
	c.ordered.ReplaceOrInsert(p)
}

// MostLagging returns the followerID with the lowest ack_index, and
// whether any follower is currently tracked at all.
func (c *ResyncCoordinator) MostLagging() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found followerProgress
	ok := false
	c.ordered.Ascend(func(p followerProgress) bool {
		found = p
		ok = true
		return false
	})
	return found.followerID, ok
}
