// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lookup implements the iterative α-parallel Kademlia lookup
// state machine (spec.md §4.5): a priority queue of candidates ordered
// by XOR distance to the target, up to Alpha requests in flight at
// once, terminating on convergence or (for FIND_VALUE) on the first
// peer that holds the key.
package lookup

import (
	"container/heap"
	"context"

	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/store"
	"github.com/webdht/wdht/pkg/wdhterrs"
)

// Alpha is the maximum number of concurrently in-flight queries a
// single lookup keeps outstanding.
const Alpha = 3

var mon = monkit.Package()

// K is the number of closest contacted nodes a lookup converges
// around, matching routing.K.
const K = routing.K

// Mode selects whether a lookup issues FIND_NODE or FIND_VALUE RPCs.
type Mode int

// Lookup modes.
const (
	ModeFindNode Mode = iota
	ModeFindValue
)

// QueryFunc issues one FIND_NODE or FIND_VALUE RPC to n for target,
// depending on the lookup's Mode, and reports back whatever NodeInfos
// and Records the peer returned.
type QueryFunc func(ctx context.Context, n *routing.NodeInfo, target idspace.ID) (nodes []*routing.NodeInfo, records []store.Record, err error)

// CacheFunc asynchronously STOREs a discovered record at a peer that
// didn't hold it, for FIND_VALUE's cache-on-path behavior. Errors are
// not surfaced to the lookup's caller: this is best-effort.
type CacheFunc func(ctx context.Context, n *routing.NodeInfo, r store.Record)

// Result is what a completed lookup hands back: the K closest
// contacted (live) nodes, and any records found (FIND_VALUE only).
type Result struct {
	Closest []*routing.NodeInfo
	Records []store.Record
}

// candidate is one entry in the lookup's working set.
type candidate struct {
	node     *routing.NodeInfo
	seq      int
	inflight bool
	done     bool // replied, successfully or not
	failed   bool
	index    int // heap.Interface bookkeeping
}

// Engine drives a single lookup to completion.
type Engine struct {
	target idspace.ID
	mode   Mode
	query  QueryFunc
	cache  CacheFunc
}

// New constructs a lookup Engine for target. cache may be nil to skip
// cache-on-path (always the case for ModeFindNode).
func New(target idspace.ID, mode Mode, query QueryFunc, cache CacheFunc) *Engine {
	return &Engine{target: target, mode: mode, query: query, cache: cache}
}

// Run executes the lookup against the given seed contacts (normally
// RoutingTable.ClosestN(target, Alpha)) and returns once it converges,
// the candidate set is exhausted, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, seeds []*routing.NodeInfo) (result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(seeds) == 0 {
		return Result{}, wdhterrs.ErrNoPeers
	}

	pq := &priorityQueue{target: e.target}
	heap.Init(pq)
	byID := make(map[idspace.ID]*candidate, len(seeds))
	seq := 0

	addCandidate := func(n *routing.NodeInfo) {
		if n.ID.Equal(e.target) {
			return
		}
		if _, ok := byID[n.ID]; ok {
			return
		}
		c := &candidate{node: n, seq: seq}
		seq++
		byID[n.ID] = c
		heap.Push(pq, c)
	}
	for _, s := range seeds {
		addCandidate(s)
	}

	type reply struct {
		cand    *candidate
		nodes   []*routing.NodeInfo
		records []store.Record
		err     error
	}
	results := make(chan reply, Alpha)

	inflight := 0
	var collectedRecords []store.Record
	done := false

	issue := func(c *candidate) {
		c.inflight = true
		inflight++
		go func() {
			nodes, records, err := e.query(ctx, c.node, e.target)
			select {
			case results <- reply{cand: c, nodes: nodes, records: records, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	kthBestDistance := func() (idspace.ID, bool) {
		contacted := liveCandidates(byID)
		if len(contacted) < K {
			return idspace.ID{}, false
		}
		sortByDistance(contacted, e.target)
		return contacted[K-1].node.ID, true
	}

	// fillInflight pops uncontacted candidates strictly closer than the
	// Kth-best contacted node (once K have replied) and issues queries
	// for them until Alpha are outstanding or the queue yields nothing
	// eligible (spec.md §4.5's "step" rule).
	fillInflight := func() {
		for inflight < Alpha {
			kth, haveKth := kthBestDistance()
			var next *candidate
			for pq.Len() > 0 {
				top := pq.items[0]
				if top.inflight || top.done {
					heap.Pop(pq)
					continue
				}
				if haveKth && !idspace.CloserTo(e.target, top.node.ID, kth) {
					next = nil
					break
				}
				next = heap.Pop(pq).(*candidate)
				break
			}
			if next == nil {
				break
			}
			issue(next)
		}
	}

	fillInflight()

	for inflight > 0 && !done {
		select {
		case r := <-results:
			inflight--
			r.cand.inflight = false
			r.cand.done = true
			if r.err != nil {
				r.cand.failed = true
			} else {
				for _, n := range r.nodes {
					addCandidate(n)
				}
				if e.mode == ModeFindValue && len(r.records) > 0 {
					collectedRecords = append(collectedRecords, r.records...)
					e.cacheOnPath(ctx, byID, r.cand, r.records[0])
					done = true
				}
			}
			if !done {
				fillInflight()
			}
		case <-ctx.Done():
			done = true
		}
	}

	contacted := liveCandidates(byID)
	sortByDistance(contacted, e.target)
	closest := make([]*routing.NodeInfo, 0, K)
	for _, c := range contacted {
		closest = append(closest, c.node)
		if len(closest) == K {
			break
		}
	}

	return Result{Closest: closest, Records: collectedRecords}, nil
}

// cacheOnPath issues an async STORE of rec to the closest contacted
// peer that did not hold it, unless the holding peer (holder) is
// itself the closest node discovered — spec.md §4.5's native-only
// optimisation, which skips the redundant cache write in that case.
func (e *Engine) cacheOnPath(ctx context.Context, byID map[idspace.ID]*candidate, holder *candidate, rec store.Record) {
	if e.cache == nil {
		return
	}
	contacted := liveCandidates(byID)
	sortByDistance(contacted, e.target)
	if len(contacted) == 0 {
		return
	}
	if contacted[0].node.ID.Equal(holder.node.ID) {
		return
	}
	var target *candidate
	for _, c := range contacted {
		if !c.node.ID.Equal(holder.node.ID) {
			target = c
			break
		}
	}
	if target == nil {
		return
	}
	go e.cache(ctx, target.node, rec)
}

// liveCandidates returns every candidate that replied successfully
// (done and not failed) — the set convergence and the Kth-best rule
// are computed over.
func liveCandidates(byID map[idspace.ID]*candidate) []*candidate {
	out := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		if c.done && !c.failed {
			out = append(out, c)
		}
	}
	return out
}

func sortByDistance(cs []*candidate, target idspace.ID) {
	// Insertion sort: a lookup's working set is bounded by the number
	// of peers contacted in one lookup, far too small to need
	// anything fancier.
	for i := 1; i < len(cs); i++ {
		j := i
		for j > 0 && idspace.CloserTo(target, cs[j].node.ID, cs[j-1].node.ID) {
			cs[j], cs[j-1] = cs[j-1], cs[j]
			j--
		}
	}
}

// priorityQueue is a container/heap ordered by (distance to target,
// discovery sequence), matching spec.md §4.5's tie-breaking rule.
type priorityQueue struct {
	target idspace.ID
	items  []*candidate
}

func (pq *priorityQueue) Len() int { return len(pq.items) }
func (pq *priorityQueue) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	da := a.node.ID.XOR(pq.target)
	db := b.node.ID.XOR(pq.target)
	if da.Equal(db) {
		return a.seq < b.seq
	}
	return da.Less(db)
}
func (pq *priorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}
func (pq *priorityQueue) Push(x interface{}) {
	c := x.(*candidate)
	c.index = len(pq.items)
	pq.items = append(pq.items, c)
}
func (pq *priorityQueue) Pop() interface{} {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	pq.items = old[:n-1]
	return item
}
