// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/kademlia"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/rpc"
	"github.com/webdht/wdht/pkg/signaling"
	"github.com/webdht/wdht/pkg/store"
	"github.com/webdht/wdht/pkg/transport"
	"github.com/webdht/wdht/pkg/wdhterrs"
	"github.com/webdht/wdht/pkg/wire"
)

// pipeChannel is the same in-memory transport.Channel fake used by
// pkg/rpc's own tests, duplicated here to keep this package's tests
// independent of pkg/rpc's test-only exports.
type pipeChannel struct {
	remote idspace.ID
	in     chan []byte
	out    chan []byte
	mu     sync.Mutex
	closed bool
}

func newPipePair(aID, bID idspace.ID) (*pipeChannel, *pipeChannel) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	return &pipeChannel{remote: bID, in: ba, out: ab}, &pipeChannel{remote: aID, in: ab, out: ba}
}

func (c *pipeChannel) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return context.Canceled
	}
	select {
	case c.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (c *pipeChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (c *pipeChannel) State() transport.ChannelState { return transport.StateOpen }
func (c *pipeChannel) RemoteID() idspace.ID          { return c.remote }
func (c *pipeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type pipeClient struct{ ch transport.Channel }

func (p *pipeClient) Dial(ctx context.Context, n *routing.NodeInfo) (transport.Channel, error) {
	return p.ch, nil
}
func (p *pipeClient) WithObservers(obs ...transport.Observer) transport.Client { return p }
func (p *pipeClient) Close() error                                            { return nil }

func mustID(t *testing.T) idspace.ID {
	t.Helper()
	id, err := idspace.Random()
	require.NoError(t, err)
	return id
}

// twoNodeNetwork builds two fully wired native-only Services, A and B,
// joined by an in-memory pipe and each aware of the other as its sole
// routing table contact.
func twoNodeNetwork(t *testing.T) (a, b *kademlia.Service, idA, idB idspace.ID) {
	t.Helper()
	idA, idB = mustID(t), mustID(t)
	chA, chB := newPipePair(idA, idB)

	dialerA := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chA}, time.Second)
	dialerB := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chB}, time.Second)
	dialerA.AdoptChannel(chA)
	dialerB.AdoptChannel(chB)

	rtA := routing.New(idA, func(*routing.NodeInfo) bool { return false })
	rtB := routing.New(idB, func(*routing.NodeInfo) bool { return false })

	nodeA := &routing.NodeInfo{ID: idA, Contact: routing.Contact{Kind: routing.ContactNative, Address: "a"}}
	nodeB := &routing.NodeInfo{ID: idB, Contact: routing.Contact{Kind: routing.ContactNative, Address: "b"}}
	rtA.Insert(nodeB)
	rtB.Insert(nodeA)

	sigA := signaling.New(zaptest.NewLogger(t), idA, dialerA, nil)
	sigB := signaling.New(zaptest.NewLogger(t), idB, dialerB, nil)

	cfg := kademlia.Config{Namespace: "wdht-test"}
	a = kademlia.New(zaptest.NewLogger(t), idA, cfg, rtA, store.New(), dialerA, sigA, nil)
	b = kademlia.New(zaptest.NewLogger(t), idB, cfg, rtB, store.New(), dialerB, sigB, nil)
	return a, b, idA, idB
}

func TestInsertReachesRemotePeer(t *testing.T) {
	a, _, _, _ := twoNodeNetwork(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := mustID(t)
	acked, err := a.Insert(ctx, key, []byte("hello"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
}

func TestQueryFindsRemotelyStoredValue(t *testing.T) {
	a, b, _, _ := twoNodeNetwork(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := mustID(t)
	_, err := a.Insert(ctx, key, []byte("hello"), time.Hour)
	require.NoError(t, err)

	records, err := b.Query(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("hello"), records[0].Value)
}

func TestQueryConvergesEmptyForUnknownKey(t *testing.T) {
	a, _, _, _ := twoNodeNetwork(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	records, err := a.Query(ctx, mustID(t), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRemoveTombstonesLocallyAndRemotely(t *testing.T) {
	a, b, _, _ := twoNodeNetwork(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := mustID(t)
	_, err := a.Insert(ctx, key, []byte("hello"), time.Hour)
	require.NoError(t, err)

	require.NoError(t, a.Remove(ctx, key))

	records, err := b.Query(ctx, key, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestConnectToFindsAndPingsPeer(t *testing.T) {
	a, _, _, idB := twoNodeNetwork(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, ch, err := a.ConnectTo(ctx, idB)
	require.NoError(t, err)
	assert.Equal(t, idB, n.ID)
	assert.NotNil(t, ch)
}

func TestPingFuncReflectsLiveness(t *testing.T) {
	idA, idB := mustID(t), mustID(t)
	chA, chB := newPipePair(idA, idB)

	dialerA := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chA}, time.Second)
	dialerB := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chB}, time.Second)
	dialerB.AdoptChannel(chB)
	dialerB.SetHandler(func(ctx context.Context, from idspace.ID, reqType wire.MessageType, body json.RawMessage) (json.RawMessage, error) {
		return wire.EncodeBody(wire.AckResult{OK: true})
	})

	nodeB := &routing.NodeInfo{ID: idB, Contact: routing.Contact{Kind: routing.ContactNative, Address: "b"}}
	assert.True(t, kademlia.PingFunc(dialerA)(nodeB))

	dead := &routing.NodeInfo{ID: mustID(t), Contact: routing.Contact{Kind: routing.ContactNative, Address: "unreachable"}}
	unreachableDialer := rpc.NewDialer(zaptest.NewLogger(t), erroringClient{}, time.Second)
	assert.False(t, kademlia.PingFunc(unreachableDialer)(dead))
}

type erroringClient struct{}

func (erroringClient) Dial(ctx context.Context, n *routing.NodeInfo) (transport.Channel, error) {
	return nil, assert.AnError
}
func (erroringClient) WithObservers(obs ...transport.Observer) transport.Client { return erroringClient{} }
func (erroringClient) Close() error                                            { return nil }

func TestInsertFailsWithEmptyRoutingTable(t *testing.T) {
	id := mustID(t)
	dialer := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{}, time.Second)
	rt := routing.New(id, nil)
	sig := signaling.New(zaptest.NewLogger(t), id, dialer, nil)
	k := kademlia.New(zaptest.NewLogger(t), id, kademlia.Config{Namespace: "wdht-test"}, rt, store.New(), dialer, sig, nil)

	_, err := k.Insert(context.Background(), mustID(t), []byte("x"), time.Hour)
	assert.Error(t, err)
}

func TestRelayCandidatesExcludesUnconnectedContacts(t *testing.T) {
	self := mustID(t)
	rt := routing.New(self, nil)
	dialer := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{}, time.Second)
	sig := signaling.New(zaptest.NewLogger(t), self, dialer, nil)
	k := kademlia.New(zaptest.NewLogger(t), self, kademlia.Config{Namespace: "wdht-test"}, rt, store.New(), dialer, sig, nil)

	target := mustID(t)
	peer := mustID(t)
	rt.Insert(&routing.NodeInfo{ID: peer, Contact: routing.Contact{Kind: routing.ContactNative, Address: "x"}})

	// peer is a known routing-table contact, but no channel to it is
	// open yet, so it isn't a safe relay candidate.
	assert.Empty(t, k.RelayCandidates(target))
	_, ok := k.ConnectedPeer(peer)
	assert.False(t, ok)

	chA, _ := newPipePair(self, peer)
	k.AdoptChannel(chA)

	candidates := k.RelayCandidates(target)
	require.Len(t, candidates, 1)
	assert.Equal(t, peer, candidates[0].ID)

	n, ok := k.ConnectedPeer(peer)
	require.True(t, ok)
	assert.Equal(t, peer, n.ID)
}

func TestOnConnectionFiresForAdoptedChannel(t *testing.T) {
	self := mustID(t)
	rt := routing.New(self, nil)
	dialer := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{}, time.Second)
	sig := signaling.New(zaptest.NewLogger(t), self, dialer, nil)
	k := kademlia.New(zaptest.NewLogger(t), self, kademlia.Config{Namespace: "wdht-test"}, rt, store.New(), dialer, sig, nil)

	var mu sync.Mutex
	var seen idspace.ID
	k.OnConnection(func(id idspace.ID, ch transport.Channel) {
		mu.Lock()
		defer mu.Unlock()
		seen = id
	})

	peer := mustID(t)
	chA, _ := newPipePair(self, peer)
	k.AdoptChannel(chA)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, peer, seen)
}

func TestBootstrapFailsWithNoSeedsConfigured(t *testing.T) {
	id := mustID(t)
	dialer := rpc.NewDialer(zaptest.NewLogger(t), erroringClient{}, time.Second)
	rt := routing.New(id, nil)
	sig := signaling.New(zaptest.NewLogger(t), id, dialer, nil)
	k := kademlia.New(zaptest.NewLogger(t), id, kademlia.Config{Namespace: "wdht-test"}, rt, store.New(), dialer, sig, nil)

	err := k.Bootstrap(context.Background())
	assert.ErrorIs(t, err, wdhterrs.ErrAllSeedsFailed)
}

func TestBootstrapFailsWhenAllSeedsUnreachable(t *testing.T) {
	id := mustID(t)
	dead := &routing.NodeInfo{ID: mustID(t), Contact: routing.Contact{Kind: routing.ContactNative, Address: "unreachable"}}
	dialer := rpc.NewDialer(zaptest.NewLogger(t), erroringClient{}, time.Second)
	rt := routing.New(id, nil)
	sig := signaling.New(zaptest.NewLogger(t), id, dialer, nil)
	k := kademlia.New(zaptest.NewLogger(t), id, kademlia.Config{
		Namespace:      "wdht-test",
		BootstrapNodes: []*routing.NodeInfo{dead},
	}, rt, store.New(), dialer, sig, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := k.Bootstrap(ctx)
	assert.ErrorIs(t, err, wdhterrs.ErrAllSeedsFailed)
	assert.Equal(t, 0, rt.Size())
}

func TestBootstrapSucceedsWhenSeedResponds(t *testing.T) {
	idA, idB := mustID(t), mustID(t)
	chA, chB := newPipePair(idA, idB)

	dialerA := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chA}, time.Second)
	dialerB := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chB}, time.Second)
	dialerA.AdoptChannel(chA)
	dialerB.AdoptChannel(chB)

	rtA := routing.New(idA, func(*routing.NodeInfo) bool { return false })
	rtB := routing.New(idB, func(*routing.NodeInfo) bool { return false })

	nodeB := &routing.NodeInfo{ID: idB, Contact: routing.Contact{Kind: routing.ContactNative, Address: "b"}}

	sigA := signaling.New(zaptest.NewLogger(t), idA, dialerA, nil)
	sigB := signaling.New(zaptest.NewLogger(t), idB, dialerB, nil)

	cfgA := kademlia.Config{Namespace: "wdht-test", BootstrapNodes: []*routing.NodeInfo{nodeB}}
	a := kademlia.New(zaptest.NewLogger(t), idA, cfgA, rtA, store.New(), dialerA, sigA, nil)
	kademlia.New(zaptest.NewLogger(t), idB, kademlia.Config{Namespace: "wdht-test"}, rtB, store.New(), dialerB, sigB, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Bootstrap(ctx))
	assert.Equal(t, 1, rtA.Size())
}
