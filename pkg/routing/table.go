// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/webdht/wdht/pkg/idspace"
)

// PingFunc is supplied by the caller to let the routing table check
// whether a bucket's least-recently-seen contact is still alive before
// evicting it in favor of a newly seen one (spec.md §4.1). It must not
// be called while holding RoutingTable's lock; Insert calls it outside
// the lock and re-acquires afterward.
type PingFunc func(n *NodeInfo) bool

// RoutingTable is the in-memory Kademlia k-bucket table: idspace.Bits
// buckets of up to K contacts each, indexed by XOR distance from self.
// Grounded on the pack's in-memory routing table variant rather than
// the teacher's boltdb-backed one, since the overlay keeps no routing
// state on disk.
type RoutingTable struct {
	self idspace.ID
	ping PingFunc

	mu      sync.Mutex
	buckets [idspace.Bits]*kbucket
}

// New constructs an empty routing table for the given local ID. ping is
// used by Insert to probe a full bucket's head before evicting it; it
// may be nil, in which case a full bucket's head is treated as dead:
// it is evicted and the new contact takes its place.
func New(self idspace.ID, ping PingFunc) *RoutingTable {
	t := &RoutingTable{self: self, ping: ping}
	for i := range t.buckets {
		t.buckets[i] = newKBucket()
	}
	return t
}

func (t *RoutingTable) bucketFor(id idspace.ID) (*kbucket, int) {
	idx := idspace.BucketIndex(t.self, id)
	if idx < 0 {
		return nil, idx
	}
	return t.buckets[idx], idx
}

// Insert adds or refreshes a contact. If the contact is already present
// its bucket position is moved to most-recently-seen. If its bucket is
// full, the least-recently-seen entry is pinged (outside the lock): if
// it answers, the new contact is recorded only as a replacement; if it
// doesn't answer, it's evicted and the new contact takes its place.
// Inserting self is a no-op.
func (t *RoutingTable) Insert(n *NodeInfo) {
	if n.ID.Equal(t.self) {
		return
	}

	t.mu.Lock()
	b, idx := t.bucketFor(n.ID)
	if idx < 0 {
		t.mu.Unlock()
		return
	}
	b.lastRefresh = nowUnix()

	if e := b.find(n.ID); e != nil {
		e.Value = n
		b.touch(e)
		t.mu.Unlock()
		return
	}

	if !b.full() {
		b.insert(n)
		t.mu.Unlock()
		return
	}

	head := b.head()
	t.mu.Unlock()

	alive := head != nil && t.ping != nil && t.ping(head)

	t.mu.Lock()
	defer t.mu.Unlock()
	// Re-fetch the bucket: a concurrent mutation may have changed it
	// while we pinged outside the lock.
	b = t.buckets[idx]
	if alive {
		b.pushReplacement(n)
		return
	}
	if head != nil {
		b.remove(head.ID)
	}
	if !b.full() {
		b.insert(n)
	}
}

// Remove drops a contact from the table, if present.
func (t *RoutingTable) Remove(id idspace.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, idx := t.bucketFor(id)
	if idx < 0 {
		return
	}
	b.remove(id)
}

// MarkAlive refreshes a contact's position without changing its stored
// contact info — used when a PING or any inbound RPC confirms liveness
// without the caller having fresh NodeInfo to hand.
func (t *RoutingTable) MarkAlive(id idspace.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, idx := t.bucketFor(id)
	if idx < 0 {
		return
	}
	b.lastRefresh = nowUnix()
	if e := b.find(id); e != nil {
		b.touch(e)
	}
}

// Lookup returns the stored NodeInfo for id, if present.
func (t *RoutingTable) Lookup(id idspace.ID) (*NodeInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, idx := t.bucketFor(id)
	if idx < 0 {
		return nil, false
	}
	if e := b.find(id); e != nil {
		return e.Value.(*NodeInfo), true
	}
	return nil, false
}

// ClosestN returns up to n contacts closest to target by XOR distance,
// nearest first. It gathers the contacts of every bucket and sorts them
// all; it does not walk outward from target's own bucket index.
func (t *RoutingTable) ClosestN(target idspace.ID, n int) []*NodeInfo {
	t.mu.Lock()
	all := make([]*NodeInfo, 0, n*2)
	for _, b := range t.buckets {
		all = append(all, b.all()...)
	}
	t.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool {
		return idspace.CloserTo(target, all[i].ID, all[j].ID)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// StaleBuckets returns the indexes of every non-empty bucket that
// hasn't been refreshed (by Insert or MarkAlive touching an entry in
// it) within olderThan, per spec.md §4.1's periodic refresh.
func (t *RoutingTable) StaleBuckets(olderThan time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := nowUnix() - int64(olderThan/time.Second)
	var stale []int
	for i, b := range t.buckets {
		if b.Len() > 0 && b.lastRefresh <= cutoff {
			stale = append(stale, i)
		}
	}
	return stale
}

// Size returns the total number of contacts currently stored.
func (t *RoutingTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += b.Len()
	}
	return n
}

func nowUnix() int64 {
	return time.Now().Unix()
}
