// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package kademlia ties the routing table, record store, lookup
// engine, RPC dialer, and signaling layer into the DHT's public
// operations (spec.md §4): insert, query, remove, connect_to, plus
// the background bootstrap, bucket-refresh, republish, and GC cycles.
package kademlia

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/webdht/wdht/internal/sync2"
	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/lookup"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/rpc"
	"github.com/webdht/wdht/pkg/signaling"
	"github.com/webdht/wdht/pkg/store"
	"github.com/webdht/wdht/pkg/transport"
	"github.com/webdht/wdht/pkg/wdhterrs"
	"github.com/webdht/wdht/pkg/wire"
)

// RefreshInterval is how often Service.Run checks every bucket for
// staleness (spec.md §4.1); StaleAfter is the per-bucket staleness
// threshold.
const (
	RefreshInterval = time.Minute
	StaleAfter      = time.Hour
)

// RepublishInterval and GCInterval resolve spec.md §10's Open Question
// on republish/GC cadence to the spec's own suggested defaults.
const (
	RepublishInterval = 5 * time.Minute
	GCInterval        = 30 * time.Second
)

var mon = monkit.Package()

// Config bundles a Service's tunables. The interval fields default to
// RefreshInterval/RepublishInterval/GCInterval (spec.md §4.1, §10) when
// left zero, so a caller only needs to set them to override a cadence.
type Config struct {
	Namespace      string // hashes topic keys for this deployment, spec.md §6
	BootstrapNodes []*routing.NodeInfo

	RefreshInterval   time.Duration
	RepublishInterval time.Duration
	GCInterval        time.Duration
}

// BrowserPeer is the capability Service needs from the browser
// transport to answer inbound CONNECT/ICE and to dial a browser
// contact. Defined locally (rather than importing browserpeer
// directly) only for the three methods Service and its Endpoint call.
type BrowserPeer interface {
	Answer(ctx context.Context, from idspace.ID, offerSDP string) (answerSDP string, err error)
	HandleAnswer(from idspace.ID, sdp string) error
	HandleICE(from idspace.ID, candidate string) error
}

// Service is the DHT node: the routing table, record store, and the
// dialer/lookup/signaling machinery wired around them, plus the
// background maintenance cycles described in spec.md §4.
type Service struct {
	log    *zap.Logger
	self   idspace.ID
	config Config

	routingTable *routing.RoutingTable
	recordStore  *store.RecordStore
	dialer       *rpc.Dialer
	signaler     *signaling.Signaler
	browser      BrowserPeer

	lookups           sync2.WorkGroup
	bootstrapFinished sync2.Fence
	refreshCycle      *sync2.Cycle
	republishCycle    *sync2.Cycle
	gcCycle           *sync2.Cycle

	mu          sync.Mutex
	lastPinged  time.Time
	lastQueried time.Time

	connMu       sync.Mutex
	onConnection func(idspace.ID, transport.Channel)
}

// New wires together a Service from its already-constructed
// dependencies. browser may be nil on a deployment that never answers
// browser CONNECTs (a pure native node with no relay role).
func New(log *zap.Logger, self idspace.ID, config Config, rt *routing.RoutingTable, rs *store.RecordStore, dialer *rpc.Dialer, signaler *signaling.Signaler, browser BrowserPeer) *Service {
	if config.RefreshInterval == 0 {
		config.RefreshInterval = RefreshInterval
	}
	if config.RepublishInterval == 0 {
		config.RepublishInterval = RepublishInterval
	}
	if config.GCInterval == 0 {
		config.GCInterval = GCInterval
	}

	k := &Service{
		log:            log,
		self:           self,
		config:         config,
		routingTable:   rt,
		recordStore:    rs,
		dialer:         dialer,
		signaler:       signaler,
		browser:        browser,
		refreshCycle:   sync2.NewCycle(config.RefreshInterval),
		republishCycle: sync2.NewCycle(config.RepublishInterval),
		gcCycle:        sync2.NewCycle(config.GCInterval),
	}
	dialer.SetHandler(NewEndpoint(log.Named("endpoint"), k).Handle)
	signaler.SetRelayCandidates(k.RelayCandidates)
	signaler.SetAnswerHandler(func(target idspace.ID, sdp string) {
		if browser == nil {
			return
		}
		if err := browser.HandleAnswer(target, sdp); err != nil {
			log.Debug("failed to apply relayed answer", zap.String("peer", target.Hex()), zap.Error(err))
		}
	})
	return k
}

// PingFunc builds a routing.PingFunc backed by dialer, for wiring into
// routing.New when constructing the RoutingTable a Service will later
// be built around — the table needs its liveness probe at
// construction time, before a Service (and its Endpoint) exist.
func PingFunc(dialer *rpc.Dialer) routing.PingFunc {
	return func(n *routing.NodeInfo) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var ack wire.AckResult
		return dialer.Call(ctx, n, wire.TypePing, wire.PingBody{Type: wire.TypePing}, &ack) == nil
	}
}

// Seen records a freshly-learned contact into the routing table,
// called whenever this node receives a message from someone (directly
// or as a FIND_NODE/FIND_VALUE result), per spec.md §4.1.
func (k *Service) Seen(n *routing.NodeInfo) {
	if n == nil || n.ID.Equal(k.self) {
		return
	}
	k.routingTable.Insert(n)
}

// OnConnection registers fn to be called for every inbound channel
// this Service adopts (spec.md §4.6: "invoked for each inbound
// channel; the hosting application may attach its own protocol on top").
// A later call replaces any previously registered callback.
func (k *Service) OnConnection(fn func(id idspace.ID, ch transport.Channel)) {
	k.connMu.Lock()
	defer k.connMu.Unlock()
	k.onConnection = fn
}

func (k *Service) fireOnConnection(ch transport.Channel) {
	k.connMu.Lock()
	fn := k.onConnection
	k.connMu.Unlock()
	if fn != nil {
		fn(ch.RemoteID(), ch)
	}
}

// AdoptChannel registers an already-open inbound channel (one accepted
// by a native Listener or a browserpeer Client) with the RPC dialer for
// reuse, and invokes the OnConnection callback, per spec.md §4.6.
// Callers should route every accepted channel through this method
// rather than calling the Dialer directly, so OnConnection observers
// never miss one.
func (k *Service) AdoptChannel(ch transport.Channel) {
	k.dialer.AdoptChannel(ch)
	k.fireOnConnection(ch)
}

// ConnSuccess implements transport.Observer: a successful dial also
// counts as having seen the peer.
func (k *Service) ConnSuccess(ctx context.Context, n *routing.NodeInfo) {
	k.Seen(n)
}

// ConnFailure implements transport.Observer: dial failures don't touch
// the routing table directly; RoutingTable.Insert's own ping-the-head
// path is what evicts genuinely dead contacts.
func (k *Service) ConnFailure(ctx context.Context, n *routing.NodeInfo, err error) {
	k.log.Debug("dial failed", zap.String("peer", n.ID.Hex()), zap.Error(err))
}

// query issues one FIND_NODE or FIND_VALUE RPC to n, implementing
// lookup.QueryFunc for both lookup modes.
func (k *Service) query(mode lookup.Mode) lookup.QueryFunc {
	return func(ctx context.Context, n *routing.NodeInfo, target idspace.ID) ([]*routing.NodeInfo, []store.Record, error) {
		if mode == lookup.ModeFindNode {
			var result wire.FindNodeResult
			if err := k.dialer.Call(ctx, n, wire.TypeFindNode, wire.FindNodeBody{
				Type:   wire.TypeFindNode,
				Target: target.Hex(),
			}, &result); err != nil {
				return nil, nil, err
			}
			return k.nodesFromWire(result.Nodes), nil, nil
		}

		var result wire.FindValueResult
		if err := k.dialer.Call(ctx, n, wire.TypeFindValue, wire.FindValueBody{
			Type: wire.TypeFindValue,
			Key:  wire.KeyRef{Type: wire.KeyRefRaw, Key: target.Hex()},
		}, &result); err != nil {
			return nil, nil, err
		}
		records := make([]store.Record, 0, len(result.Records))
		for _, wr := range result.Records {
			r, err := wire.RecordFromWire(k.config.Namespace, wr)
			if err != nil {
				continue
			}
			records = append(records, r)
		}
		return k.nodesFromWire(result.Nodes), records, nil
	}
}

func (k *Service) nodesFromWire(wns []wire.WireNodeInfo) []*routing.NodeInfo {
	out := make([]*routing.NodeInfo, 0, len(wns))
	for _, wn := range wns {
		n, err := wire.NodeInfoFromWire(wn)
		if err != nil || n.ID.Equal(k.self) {
			continue
		}
		k.Seen(n)
		out = append(out, n)
	}
	return out
}

// cacheOnPath STOREs a record found during a FIND_VALUE lookup at the
// closest peer on the path that didn't already hold it.
func (k *Service) cacheOnPath(ctx context.Context, n *routing.NodeInfo, r store.Record) {
	var ack wire.AckResult
	if err := k.dialer.Call(ctx, n, wire.TypeStore, wire.StoreBody{
		Type:   wire.TypeStore,
		Record: wire.RecordToWire(r),
	}, &ack); err != nil {
		k.log.Debug("cache-on-path store failed", zap.String("peer", n.ID.Hex()), zap.Error(err))
	}
}

// lookup runs a single iterative lookup for target in the given mode,
// seeding it from the routing table's closest known contacts.
func (k *Service) lookup(ctx context.Context, target idspace.ID, mode lookup.Mode) (lookup.Result, error) {
	if !k.lookups.Start() {
		return lookup.Result{}, wdhterrs.LookupError.New("service closed")
	}
	defer k.lookups.Done()

	seeds := k.routingTable.ClosestN(target, lookup.Alpha)
	if len(seeds) == 0 {
		return lookup.Result{}, wdhterrs.ErrNoPeers
	}

	var cache lookup.CacheFunc
	if mode == lookup.ModeFindValue {
		cache = k.cacheOnPath
	}
	engine := lookup.New(target, mode, k.query(mode), cache)

	k.mu.Lock()
	k.lastQueried = time.Now()
	k.mu.Unlock()

	return engine.Run(ctx, seeds)
}

// Insert stores value under key on the K nodes closest to it,
// returning how many acknowledged the STORE (spec.md §4.2). Returns
// wdhterrs.ErrNoPeers if the routing table is empty.
func (k *Service) Insert(ctx context.Context, key idspace.ID, value []byte, ttl time.Duration) (count int, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := k.lookup(ctx, key, lookup.ModeFindNode)
	if err != nil {
		return 0, err
	}
	if len(result.Closest) == 0 {
		return 0, wdhterrs.ErrNoPeers
	}

	rec := store.Record{
		Key:        key,
		Publisher:  k.self,
		Value:      value,
		InsertedAt: time.Now(),
		TTL:        ttl,
	}
	if err := k.recordStore.Put(rec, true); err != nil {
		return 0, err
	}

	acked := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, n := range result.Closest {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ack wire.AckResult
			if err := k.dialer.Call(ctx, n, wire.TypeStore, wire.StoreBody{
				Type:   wire.TypeStore,
				Record: wire.RecordToWire(rec),
			}, &ack); err == nil {
				mu.Lock()
				acked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return acked, nil
}

// Query runs a FIND_VALUE lookup for key and returns up to maxResults
// records (spec.md §4.3). An empty slice, not an error, is returned
// when the lookup converges without finding the key.
func (k *Service) Query(ctx context.Context, key idspace.ID, maxResults int) (records []store.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	k.recordStore.GC()

	if local := k.recordStore.Get(key); len(local) > 0 {
		if maxResults > 0 && len(local) > maxResults {
			local = local[:maxResults]
		}
		return local, nil
	}

	result, err := k.lookup(ctx, key, lookup.ModeFindValue)
	if err != nil {
		if err == wdhterrs.ErrNoPeers {
			return nil, nil
		}
		return nil, err
	}
	records = result.Records
	if maxResults > 0 && len(records) > maxResults {
		records = records[:maxResults]
	}
	return records, nil
}

// Remove deletes key from this node and pushes a TTL=0 tombstone STORE
// to the K closest peers, per spec.md §4.2's removal semantics.
func (k *Service) Remove(ctx context.Context, key idspace.ID) (err error) {
	defer mon.Task()(&ctx)(&err)

	k.recordStore.Tombstone(key, k.self)

	result, err := k.lookup(ctx, key, lookup.ModeFindNode)
	if err != nil {
		return nil //nolint:nilerr // best-effort propagation; local removal already happened
	}
	rec := store.Record{
		Key:        key,
		Publisher:  k.self,
		Value:      nil,
		InsertedAt: time.Now(),
		TTL:        0,
	}
	var wg sync.WaitGroup
	for _, n := range result.Closest {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ack wire.AckResult
			_ = k.dialer.Call(ctx, n, wire.TypeStore, wire.StoreBody{
				Type:   wire.TypeStore,
				Record: wire.RecordToWire(rec),
			}, &ack)
		}()
	}
	wg.Wait()
	return nil
}

// ConnectTo establishes (or reuses) a channel to target, looking it up
// first if it isn't already a known contact. For a browser target this
// drives a full signaled WebRTC handshake via the browser transport.
// The returned Channel is the raw transport connection, so a hosting
// application can attach its own protocol on top of it exactly as
// OnConnection lets it do for inbound channels (spec.md §4.6).
func (k *Service) ConnectTo(ctx context.Context, target idspace.ID) (n *routing.NodeInfo, ch transport.Channel, err error) {
	defer mon.Task()(&ctx)(&err)

	n, ok := k.routingTable.Lookup(target)
	if !ok {
		result, err := k.lookup(ctx, target, lookup.ModeFindNode)
		if err != nil {
			return nil, nil, err
		}
		for _, c := range result.Closest {
			if c.ID.Equal(target) {
				n = c
				ok = true
				break
			}
		}
		if !ok {
			return nil, nil, wdhterrs.TransportError.New("node %s not found", target.Hex())
		}
	}

	var ack wire.AckResult
	if err := k.dialer.Call(ctx, n, wire.TypePing, wire.PingBody{Type: wire.TypePing}, &ack); err != nil {
		return nil, nil, wdhterrs.TransportError.Wrap(err)
	}

	ch, ok = k.dialer.Channel(n.ID)
	if !ok {
		return nil, nil, wdhterrs.TransportError.New("no channel held to %s after connect", target.Hex())
	}
	return n, ch, nil
}

// RelayCandidates implements signaling.RelayCandidates: the routing
// table's closest known contacts to target, narrowed down to the ones
// this node currently holds an open channel to (via the Dialer's LRU).
// A contact the routing table merely knows of — learned from a
// FIND_NODE/FIND_VALUE reply, never dialed — is not a safe relay
// candidate: forwarding to it would force a fresh dial instead of
// reusing an already-open channel, and for a browser-reachable
// candidate would recurse into another signaling round rather than
// relaying in the single hop spec.md §4.4 guarantees.
func (k *Service) RelayCandidates(target idspace.ID) []*routing.NodeInfo {
	candidates := k.routingTable.ClosestN(target, lookup.Alpha)
	out := make([]*routing.NodeInfo, 0, len(candidates))
	for _, n := range candidates {
		if k.dialer.Connected(n.ID) {
			out = append(out, n)
		}
	}
	return out
}

// ConnectedPeer implements signaling.ConnectedPeer: reports whether
// this node currently holds an open transport.Channel to id, per
// spec.md §4.4's "relay must already hold channels to both endpoints"
// requirement — routing-table membership alone only means id is a
// known contact, not that a channel to it is open.
func (k *Service) ConnectedPeer(id idspace.ID) (*routing.NodeInfo, bool) {
	if !k.dialer.Connected(id) {
		return nil, false
	}
	return k.routingTable.Lookup(id)
}

// randomIDInRange is grounded on the teacher's identically-named
// bucket-healing helper: pick a random ID in a stale bucket so a
// FIND_NODE lookup against it refreshes that bucket's contacts.
func (k *Service) randomIDInRange(bucket int) (idspace.ID, error) {
	return idspace.RandomInBucket(k.self, bucket)
}

// RefreshBucket issues a FIND_NODE lookup against a random ID in
// bucket, refreshing its contacts. Exported so pkg/bootstrap can drive
// the initial post-seed refresh sweep (spec.md §4.7 step 3) alongside
// the periodic stale-bucket refresh below.
func (k *Service) RefreshBucket(ctx context.Context, bucket int) error {
	id, err := k.randomIDInRange(bucket)
	if err != nil {
		return err
	}
	_, err = k.lookup(ctx, id, lookup.ModeFindNode)
	return err
}

// BucketCount reports how many k-buckets the routing table holds
// (idspace.Bits), for pkg/bootstrap to enumerate bucket indices.
func (k *Service) BucketCount() int {
	return idspace.Bits
}

// refreshStaleBuckets issues a FIND_NODE lookup against a random ID in
// every bucket that hasn't been touched within StaleAfter (spec.md
// §4.1's periodic refresh).
func (k *Service) refreshStaleBuckets(ctx context.Context) {
	for _, bucket := range k.routingTable.StaleBuckets(StaleAfter) {
		if err := k.RefreshBucket(ctx, bucket); err != nil {
			k.log.Debug("bucket refresh lookup failed", zap.Int("bucket", bucket), zap.Error(err))
		}
	}
}

// republishOwned pushes every locally-originated key back out to its
// current K closest peers, per spec.md §4.5's republish cycle.
func (k *Service) republishOwned(ctx context.Context) {
	for _, key := range k.recordStore.OwnedKeys() {
		records := k.recordStore.Get(key)
		if len(records) == 0 {
			continue
		}
		result, err := k.lookup(ctx, key, lookup.ModeFindNode)
		if err != nil {
			continue
		}
		for _, n := range result.Closest {
			for _, rec := range records {
				var ack wire.AckResult
				_ = k.dialer.Call(ctx, n, wire.TypeStore, wire.StoreBody{
					Type:   wire.TypeStore,
					Record: wire.RecordToWire(rec),
				}, &ack)
			}
		}
	}
}

// BootstrapTimeout bounds the whole of Bootstrap, per spec.md §4.7's
// "fail with BootstrapFailed if no seed responded within 15s."
const BootstrapTimeout = 15 * time.Second

// Bootstrap pings every configured seed concurrently, seeds the
// routing table with whichever answer, and runs an initial self-lookup
// to populate nearby buckets, then releases bootstrapFinished. Returns
// wdhterrs.ErrAllSeedsFailed if not a single seed responds within
// BootstrapTimeout. Mirrors the teacher's Bootstrap/WaitForBootstrap
// split via sync2.Fence.
func (k *Service) Bootstrap(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer k.bootstrapFinished.Release()

	if len(k.config.BootstrapNodes) == 0 {
		return wdhterrs.ErrAllSeedsFailed
	}

	ctx, cancel := context.WithTimeout(ctx, BootstrapTimeout)
	defer cancel()

	var mu sync.Mutex
	var reached int
	var wg sync.WaitGroup
	for _, n := range k.config.BootstrapNodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ack wire.AckResult
			if err := k.dialer.Call(ctx, n, wire.TypePing, wire.PingBody{Type: wire.TypePing}, &ack); err != nil {
				k.log.Debug("bootstrap seed unreachable", zap.String("peer", n.ID.Hex()), zap.Error(err))
				return
			}
			mu.Lock()
			reached++
			mu.Unlock()
			k.Seen(n)
		}()
	}
	wg.Wait()

	if reached == 0 {
		return wdhterrs.ErrAllSeedsFailed
	}

	if _, err := k.lookup(ctx, k.self, lookup.ModeFindNode); err != nil {
		k.log.Warn("self-lookup during bootstrap found no peers", zap.Error(err))
	}
	return nil
}

// WaitForBootstrap blocks until Bootstrap has completed (or never
// returns, if Bootstrap is never called — callers should only wait
// after starting it).
func (k *Service) WaitForBootstrap() {
	k.bootstrapFinished.Wait()
}

// Run drives the refresh, republish, and GC background cycles until
// ctx is cancelled.
func (k *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = k.refreshCycle.Run(ctx, func(ctx context.Context) error {
			k.refreshStaleBuckets(ctx)
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		_ = k.republishCycle.Run(ctx, func(ctx context.Context) error {
			k.republishOwned(ctx)
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		_ = k.gcCycle.Run(ctx, func(ctx context.Context) error {
			n := k.recordStore.GC()
			if n > 0 {
				k.log.Debug("gc'd expired records", zap.Int("count", n))
			}
			return nil
		})
	}()
	wg.Wait()
	return nil
}

// Close stops the background cycles, waits for any in-flight lookups
// to finish, and tears down every open peer channel, combining
// whatever errors that last step raises (there's no single owner of
// "the" shutdown error the way a single resource would have one).
func (k *Service) Close() error {
	k.refreshCycle.Stop()
	k.republishCycle.Stop()
	k.gcCycle.Stop()
	k.lookups.Close()
	k.lookups.Wait()

	var err error
	err = multierr.Append(err, k.dialer.Close())
	return err
}
