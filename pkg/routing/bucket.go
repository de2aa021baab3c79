// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package routing

import (
	"container/list"

	"github.com/webdht/wdht/pkg/idspace"
)

// K is the maximum number of entries held in a single k-bucket, and the
// width of a FindNear response (spec.md §4.1).
const K = 20

// kbucket is a least-recently-seen ordered list of up to K contacts,
// modeled after the teacher's container/list-backed bucket: front is
// least-recently-seen, back is most-recently-seen.
type kbucket struct {
	entries     *list.List // of *NodeInfo
	replacement *list.List // of *NodeInfo, capped at K, for overflow

	lastRefresh int64 // unix seconds, updated on any lookup or touch
}

func newKBucket() *kbucket {
	return &kbucket{
		entries:     list.New(),
		replacement: list.New(),
	}
}

func (b *kbucket) Len() int {
	return b.entries.Len()
}

// find returns the element holding id, or nil.
func (b *kbucket) find(id idspace.ID) *list.Element {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(*NodeInfo).ID.Equal(id) {
			return e
		}
	}
	return nil
}

// touch moves an existing entry to the back (most-recently-seen).
func (b *kbucket) touch(e *list.Element) {
	b.entries.MoveToBack(e)
}

// full reports whether the bucket has reached its K-entry capacity.
func (b *kbucket) full() bool {
	return b.entries.Len() >= K
}

// insert appends a new contact to the back of the bucket. Caller must
// check full() first; when full, the bucket's least-recently-seen head
// must be pinged and evicted (or the new contact queued as a
// replacement) by RoutingTable.Insert.
func (b *kbucket) insert(n *NodeInfo) {
	b.entries.PushBack(n)
}

// head returns the least-recently-seen contact, the eviction candidate.
func (b *kbucket) head() *NodeInfo {
	if e := b.entries.Front(); e != nil {
		return e.Value.(*NodeInfo)
	}
	return nil
}

// remove drops id from the bucket, if present, and promotes the most
// recently seen replacement in its place.
func (b *kbucket) remove(id idspace.ID) bool {
	e := b.find(id)
	if e == nil {
		return false
	}
	b.entries.Remove(e)
	if re := b.replacement.Back(); re != nil {
		b.replacement.Remove(re)
		b.entries.PushBack(re.Value)
	}
	return true
}

// pushReplacement records a contact seen while the bucket was full, to
// be promoted if a current entry is later evicted.
func (b *kbucket) pushReplacement(n *NodeInfo) {
	if e := b.find(n.ID); e != nil {
		return
	}
	for e := b.replacement.Front(); e != nil; e = e.Next() {
		if e.Value.(*NodeInfo).ID.Equal(n.ID) {
			b.replacement.Remove(e)
			break
		}
	}
	b.replacement.PushBack(n)
	if b.replacement.Len() > K {
		b.replacement.Remove(b.replacement.Front())
	}
}

// all returns every contact in the bucket, least-recently-seen first.
func (b *kbucket) all() []*NodeInfo {
	out := make([]*NodeInfo, 0, b.entries.Len())
	for e := b.entries.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*NodeInfo))
	}
	return out
}
