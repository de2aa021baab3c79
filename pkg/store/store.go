// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package store

import (
	"sync"
	"time"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/wdhterrs"
)

// RecordStore is the in-memory table of records a node is currently
// holding for others, plus the set of keys this node itself originated
// (and so must keep republishing). Deliberately carries nothing to
// disk: spec.md's Non-goals exclude persistence, so a restart starts
// empty and relies on the network to refill it via STORE/replication.
type RecordStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
	owned   map[idspace.ID]struct{} // keys this node originated
}

// New returns an empty RecordStore.
func New() *RecordStore {
	return &RecordStore{
		records: make(map[recordKey]Record),
		owned:   make(map[idspace.ID]struct{}),
	}
}

// Put inserts or overwrites a record. owned marks this node as the
// record's originator, so it will be surfaced by OwnedKeys for the
// periodic republish cycle (spec.md §4.5). A TTL of exactly 0 is the
// tombstone case (spec.md §9: "TTL of 0 treated as immediate expiry,
// publisher-driven delete") and bypasses the MinTTL/MaxTTL range
// check; any other out-of-range TTL is rejected.
func (s *RecordStore) Put(r Record, owned bool) error {
	if len(r.Value) > MaxValueSize {
		return wdhterrs.ErrValueTooLarge
	}
	if r.TTL != 0 && (r.TTL < MinTTL || r.TTL > MaxTTL) {
		return wdhterrs.ErrTTLOutOfRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{r.Key, r.Publisher}] = r
	if owned {
		s.owned[r.Key] = struct{}{}
	}
	return nil
}

// Tombstone marks key (published by publisher) as immediately expired
// and no longer owned, implementing the local half of remove(key)
// (spec.md §4.2). A subsequent GC sweep reclaims the entry.
func (s *RecordStore) Tombstone(key, publisher idspace.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rk := recordKey{key, publisher}
	if r, ok := s.records[rk]; ok {
		r.TTL = 0
		s.records[rk] = r
	}
	delete(s.owned, key)
}

// Get returns every non-expired record stored under key, across all
// publishers (spec.md §4.3 FIND_VALUE returns whatever the local node
// holds for that key).
func (s *RecordStore) Get(key idspace.ID) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []Record
	for k, r := range s.records {
		if k.key != key {
			continue
		}
		if r.Expired(now) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// GC drops every expired record from the store, returning the number
// removed. Intended to be run on the periodic GC cycle (spec.md §10
// resolves the cadence to 30s, see DESIGN.md).
func (s *RecordStore) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, r := range s.records {
		if r.Expired(now) {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// OwnedKeys returns the set of keys this node originated, for the
// periodic republish cycle to push back out to the current closest
// peers (spec.md §4.5).
func (s *RecordStore) OwnedKeys() []idspace.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]idspace.ID, 0, len(s.owned))
	for k := range s.owned {
		out = append(out, k)
	}
	return out
}

// Len returns the total number of records currently held, including
// expired-but-not-yet-collected ones.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
