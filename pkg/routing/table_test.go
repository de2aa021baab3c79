// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package routing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/routing"
)

func mustID(t *testing.T) idspace.ID {
	t.Helper()
	id, err := idspace.Random()
	require.NoError(t, err)
	return id
}

func nativeContact(t *testing.T, addr string) *routing.NodeInfo {
	t.Helper()
	return &routing.NodeInfo{
		ID: mustID(t),
		Contact: routing.Contact{
			Kind:    routing.ContactNative,
			Address: addr,
		},
	}
}

func TestInsertAndLookup(t *testing.T) {
	self := mustID(t)
	table := routing.New(self, nil)

	n := nativeContact(t, "127.0.0.1:9000")
	table.Insert(n)

	got, ok := table.Lookup(n.ID)
	require.True(t, ok)
	assert.Equal(t, n.Contact.Address, got.Contact.Address)
	assert.Equal(t, 1, table.Size())
}

func TestInsertSelfIsNoop(t *testing.T) {
	self := mustID(t)
	table := routing.New(self, nil)
	table.Insert(&routing.NodeInfo{ID: self, Contact: routing.Contact{Kind: routing.ContactNative}})
	assert.Equal(t, 0, table.Size())
}

func TestRemove(t *testing.T) {
	self := mustID(t)
	table := routing.New(self, nil)
	n := nativeContact(t, "127.0.0.1:9000")
	table.Insert(n)
	table.Remove(n.ID)
	_, ok := table.Lookup(n.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, table.Size())
}

func TestFullBucketEvictsDeadHead(t *testing.T) {
	self := idspace.Zero
	pingCalls := 0
	ping := func(n *routing.NodeInfo) bool {
		pingCalls++
		return false // head is dead, always evict
	}
	table := routing.New(self, ping)

	// Every id here has 0x80 as the highest set bit of its last byte (and
	// nothing set above it), so they all share bucket index 7 and force an
	// eviction once that bucket is full.
	var ids []idspace.ID
	for i := 0; i < routing.K+1; i++ {
		id := idspace.Zero
		id[idspace.Length-1] = 0x80 | byte(i)
		ids = append(ids, id)
	}
	for _, id := range ids {
		table.Insert(&routing.NodeInfo{ID: id, Contact: routing.Contact{Kind: routing.ContactNative}})
	}

	assert.Equal(t, routing.K, table.Size())
	assert.Equal(t, 1, pingCalls)
	// The first-inserted (now-evicted) head should be gone.
	_, ok := table.Lookup(ids[0])
	assert.False(t, ok)
	// The most recently inserted should be present.
	_, ok = table.Lookup(ids[len(ids)-1])
	assert.True(t, ok)
}

func TestFullBucketKeepsAliveHead(t *testing.T) {
	self := idspace.Zero
	ping := func(n *routing.NodeInfo) bool { return true } // head answers, keep it
	table := routing.New(self, ping)

	// Same single-bucket id set as TestFullBucketEvictsDeadHead.
	var ids []idspace.ID
	for i := 0; i < routing.K+1; i++ {
		id := idspace.Zero
		id[idspace.Length-1] = 0x80 | byte(i)
		ids = append(ids, id)
	}
	for _, id := range ids {
		table.Insert(&routing.NodeInfo{ID: id, Contact: routing.Contact{Kind: routing.ContactNative}})
	}

	assert.Equal(t, routing.K, table.Size())
	// The original head must still be present; the overflow contact was
	// only queued as a replacement.
	_, ok := table.Lookup(ids[0])
	assert.True(t, ok)
	_, ok = table.Lookup(ids[len(ids)-1])
	assert.False(t, ok)
}

func TestClosestNOrdering(t *testing.T) {
	self := mustID(t)
	table := routing.New(self, nil)

	var nodes []*routing.NodeInfo
	for i := 0; i < 10; i++ {
		n := nativeContact(t, "addr")
		nodes = append(nodes, n)
		table.Insert(n)
	}

	target := mustID(t)
	closest := table.ClosestN(target, 5)
	require.Len(t, closest, 5)
	for i := 1; i < len(closest); i++ {
		assert.True(t, idspace.CloserTo(target, closest[i-1].ID, closest[i].ID) || closest[i-1].ID.Equal(closest[i].ID))
	}
}

func TestMarkAliveTouchesBucket(t *testing.T) {
	self := mustID(t)
	table := routing.New(self, nil)
	n := nativeContact(t, "addr")
	table.Insert(n)
	table.MarkAlive(n.ID)
	_, ok := table.Lookup(n.ID)
	assert.True(t, ok)
}

func TestStaleBucketsOnlyFlagsOldNonEmptyOnes(t *testing.T) {
	self := mustID(t)
	table := routing.New(self, nil)

	// No contacts at all: nothing is stale (empty buckets don't need refresh).
	assert.Empty(t, table.StaleBuckets(0))

	n := nativeContact(t, "addr")
	table.Insert(n)

	// Immediately after insert, the bucket was just refreshed.
	assert.Empty(t, table.StaleBuckets(time.Hour))

	// With a zero-duration threshold, the just-touched bucket counts as stale.
	time.Sleep(time.Millisecond)
	stale := table.StaleBuckets(0)
	assert.NotEmpty(t, stale)
}
