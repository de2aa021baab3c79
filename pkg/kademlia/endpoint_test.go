// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia_test

import (
	"context"
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
	"github.com/webdht/wdht/pkg/wire"
)

// newTestService builds a standalone Service (no peer network) purely
// to exercise its Endpoint's dispatch logic directly.
func newTestService(t *testing.T) (*kademlia.Service, idspace.ID, *routing.RoutingTable, *store.RecordStore) {
	t.Helper()
	self := mustID(t)
	rt := routing.New(self, nil)
	rs := store.New()
	dialer := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{}, time.Second)
	sig := signaling.New(zaptest.NewLogger(t), self, dialer, nil)
	k := kademlia.New(zaptest.NewLogger(t), self, kademlia.Config{Namespace: "wdht-test"}, rt, rs, dialer, sig, nil)
	return k, self, rt, rs
}

func TestEndpointPingAcksAndTouchesKnownContact(t *testing.T) {
	k, _, rt, _ := newTestService(t)
	ep := kademlia.NewEndpoint(zaptest.NewLogger(t), k)

	peer := mustID(t)
	rt.Insert(&routing.NodeInfo{ID: peer, Contact: routing.Contact{Kind: routing.ContactNative, Address: "x"}})

	body, err := wire.EncodeBody(wire.PingBody{Type: wire.TypePing})
	require.NoError(t, err)
	resp, err := ep.Handle(context.Background(), peer, wire.TypePing, body)
	require.NoError(t, err)

	var ack wire.AckResult
	require.NoError(t, wire.DecodeBody(resp, &ack))
	assert.True(t, ack.OK)
}

func TestEndpointFindNodeReturnsClosestContacts(t *testing.T) {
	k, self, rt, _ := newTestService(t)
	ep := kademlia.NewEndpoint(zaptest.NewLogger(t), k)

	peer := mustID(t)
	rt.Insert(&routing.NodeInfo{ID: peer, Contact: routing.Contact{Kind: routing.ContactNative, Address: "x"}})

	body, err := wire.EncodeBody(wire.FindNodeBody{Type: wire.TypeFindNode, Target: self.Hex()})
	require.NoError(t, err)
	resp, err := ep.Handle(context.Background(), peer, wire.TypeFindNode, body)
	require.NoError(t, err)

	var result wire.FindNodeResult
	require.NoError(t, wire.DecodeBody(resp, &result))
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, peer.Hex(), result.Nodes[0].ID)
}

func TestEndpointStoreThenFindValueRoundTrips(t *testing.T) {
	k, _, _, rs := newTestService(t)
	ep := kademlia.NewEndpoint(zaptest.NewLogger(t), k)

	key := mustID(t)
	publisher := mustID(t)
	rec := store.Record{Key: key, Publisher: publisher, Value: []byte("v"), InsertedAt: time.Now(), TTL: time.Hour}

	storeBody, err := wire.EncodeBody(wire.StoreBody{Type: wire.TypeStore, Record: wire.RecordToWire(rec)})
	require.NoError(t, err)
	_, err = ep.Handle(context.Background(), publisher, wire.TypeStore, storeBody)
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Len())

	findBody, err := wire.EncodeBody(wire.FindValueBody{Type: wire.TypeFindValue, Key: wire.KeyRef{Type: wire.KeyRefRaw, Key: key.Hex()}})
	require.NoError(t, err)
	resp, err := ep.Handle(context.Background(), publisher, wire.TypeFindValue, findBody)
	require.NoError(t, err)

	var result wire.FindValueResult
	require.NoError(t, wire.DecodeBody(resp, &result))
	require.Len(t, result.Records, 1)
	assert.Equal(t, "v", string(mustDecodeRecordValue(t, result.Records[0])))
}

func TestEndpointStoreRejectsOversizeValue(t *testing.T) {
	k, _, _, _ := newTestService(t)
	ep := kademlia.NewEndpoint(zaptest.NewLogger(t), k)

	rec := store.Record{Key: mustID(t), Publisher: mustID(t), Value: make([]byte, store.MaxValueSize+1), InsertedAt: time.Now(), TTL: time.Hour}
	body, err := wire.EncodeBody(wire.StoreBody{Type: wire.TypeStore, Record: wire.RecordToWire(rec)})
	require.NoError(t, err)
	_, err = ep.Handle(context.Background(), mustID(t), wire.TypeStore, body)
	assert.Error(t, err)
}

func TestEndpointUnknownMessageTypeErrors(t *testing.T) {
	k, _, _, _ := newTestService(t)
	ep := kademlia.NewEndpoint(zaptest.NewLogger(t), k)

	_, err := ep.Handle(context.Background(), mustID(t), wire.MessageType("BOGUS"), []byte(`{"type":"BOGUS"}`))
	assert.Error(t, err)
}

func TestEndpointConnectWithoutBrowserTransportErrors(t *testing.T) {
	k, self, _, _ := newTestService(t)
	ep := kademlia.NewEndpoint(zaptest.NewLogger(t), k)

	body, err := wire.EncodeBody(wire.ConnectBody{Type: wire.TypeConnect, Target: self.Hex(), SDP: "offer"})
	require.NoError(t, err)
	_, err = ep.Handle(context.Background(), mustID(t), wire.TypeConnect, body)
	assert.Error(t, err)
}

func TestEndpointConnectForwardFailsWithoutConnectedRelayTarget(t *testing.T) {
	k, _, _, _ := newTestService(t)
	ep := kademlia.NewEndpoint(zaptest.NewLogger(t), k)

	body, err := wire.EncodeBody(wire.ConnectBody{Type: wire.TypeConnect, Target: mustID(t).Hex(), SDP: "offer"})
	require.NoError(t, err)
	_, err = ep.Handle(context.Background(), mustID(t), wire.TypeConnect, body)
	assert.Error(t, err)
}

func mustDecodeRecordValue(t *testing.T, wr wire.WireRecord) []byte {
	t.Helper()
	rec, err := wire.RecordFromWire("wdht-test", wr)
	require.NoError(t, err)
	return rec.Value
}
