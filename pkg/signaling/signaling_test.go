// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package signaling_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/rpc"
	"github.com/webdht/wdht/pkg/signaling"
	"github.com/webdht/wdht/pkg/transport"
	"github.com/webdht/wdht/pkg/wire"
)

// pipeChannel/pipeClient duplicate the minimal in-memory transport used
// by pkg/rpc's own tests, kept local here to avoid a test-only
// cross-package dependency.
type pipeChannel struct {
	remote idspace.ID
	in     chan []byte
	out    chan []byte
}

func newPipePair(aID, bID idspace.ID) (*pipeChannel, *pipeChannel) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &pipeChannel{remote: bID, in: ba, out: ab}, &pipeChannel{remote: aID, in: ab, out: ba}
}

func (c *pipeChannel) Send(ctx context.Context, frame []byte) error {
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
func (c *pipeChannel) Close() error                  { return nil }

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

func TestSendOfferPicksRespondingRelay(t *testing.T) {
	selfID, relayID := mustID(t), mustID(t)
	chSelf, chRelay := newPipePair(selfID, relayID)

	dialerSelf := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chSelf}, time.Second)
	dialerRelay := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chRelay}, time.Second)
	dialerRelay.AdoptChannel(chRelay)
	dialerRelay.SetHandler(func(ctx context.Context, from idspace.ID, reqType wire.MessageType, body json.RawMessage) (json.RawMessage, error) {
		require.Equal(t, wire.TypeConnect, reqType)
		return wire.EncodeBody(wire.ConnectResult{SDP: "answer-sdp"})
	})

	relayNode := &routing.NodeInfo{ID: relayID, Contact: routing.Contact{Kind: routing.ContactNative, Address: "unused"}}
	target := mustID(t)

	sig := signaling.New(zaptest.NewLogger(t), selfID, dialerSelf, func(idspace.ID) []*routing.NodeInfo {
		return []*routing.NodeInfo{relayNode}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sig.SendOffer(ctx, target, "offer-sdp")
	assert.NoError(t, err)
}

func TestSendOfferFailsWithNoRelayCandidates(t *testing.T) {
	selfID := mustID(t)
	chSelf, _ := newPipePair(selfID, mustID(t))
	dialerSelf := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chSelf}, time.Second)

	sig := signaling.New(zaptest.NewLogger(t), selfID, dialerSelf, func(idspace.ID) []*routing.NodeInfo {
		return nil
	})
	err := sig.SendOffer(context.Background(), mustID(t), "offer-sdp")
	assert.Error(t, err)
}

func TestSendICEWithoutPriorOfferFails(t *testing.T) {
	selfID := mustID(t)
	chSelf, _ := newPipePair(selfID, mustID(t))
	dialerSelf := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chSelf}, time.Second)
	sig := signaling.New(zaptest.NewLogger(t), selfID, dialerSelf, func(idspace.ID) []*routing.NodeInfo { return nil })

	err := sig.SendICE(context.Background(), mustID(t), "candidate")
	assert.Error(t, err)
}

func TestForwardConnectRequiresConnectedTarget(t *testing.T) {
	selfID := mustID(t)
	chSelf, _ := newPipePair(selfID, mustID(t))
	dialerSelf := rpc.NewDialer(zaptest.NewLogger(t), &pipeClient{ch: chSelf}, time.Second)
	sig := signaling.New(zaptest.NewLogger(t), selfID, dialerSelf, func(idspace.ID) []*routing.NodeInfo { return nil })

	notConnected := func(idspace.ID) (*routing.NodeInfo, bool) { return nil, false }
	_, err := sig.ForwardConnect(context.Background(), notConnected, mustID(t), mustID(t), "offer-sdp")
	assert.Error(t, err)
}
