// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package browserpeer implements transport.Client/Channel over a
// single pion/webrtc data channel, signaled through whatever DHT peer
// a Signaler picks as relay (spec.md §4.4). It never dials a browser
// contact directly — there is no address to dial — it only ever
// initiates or answers an SDP offer carried by CONNECT/ICE frames.
package browserpeer

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/transport"
	"github.com/webdht/wdht/pkg/wdhterrs"
)

// Signaler is the capability browserpeer needs from the signaling
// layer: forward an offer or ICE fragment toward target through a
// relay the Signaler itself picks, per spec.md §4.4. Defined
// here (not imported from pkg/signaling) so the two packages wire
// together without an import cycle — pkg/kademlia supplies the
// concrete *signaling.Signaler at construction time.
type Signaler interface {
	SendOffer(ctx context.Context, target idspace.ID, sdp string) error
	SendICE(ctx context.Context, target idspace.ID, candidate string) error
}

var iceServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// Client manages outbound and inbound WebRTC handshakes, keyed by the
// remote peer's node ID. Every handshake in flight owns exactly one
// pending entry, removed once the data channel opens, the handshake
// times out, or it's explicitly abandoned.
type Client struct {
	log      *zap.Logger
	signaler Signaler
	timeouts transport.Timeouts

	mu       sync.Mutex
	pending  map[idspace.ID]*handshake
	accepted chan transport.Channel

	observers []transport.Observer
}

// New constructs a browserpeer Client. signaler is used to carry every
// offer/ICE fragment this client originates out to the network; it
// must already know how to pick a relay that holds a channel to the
// target.
func New(log *zap.Logger, signaler Signaler, timeouts transport.Timeouts, obs ...transport.Observer) *Client {
	return &Client{
		log:       log,
		signaler:  signaler,
		timeouts:  timeouts,
		pending:   make(map[idspace.ID]*handshake),
		accepted:  make(chan transport.Channel, 16),
		observers: obs,
	}
}

// handshake tracks one in-flight PeerConnection, whichever side
// initiated it.
type handshake struct {
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	answered chan struct{}
	failed   chan error
	once     sync.Once
}

func newPeerConnection() (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}

// Dial initiates a WebRTC handshake toward a browser contact,
// forwarding the offer through the Signaler and waiting for the
// answer and a live data channel (spec.md §4.4 steps 1-4).
func (c *Client) Dial(ctx context.Context, n *routing.NodeInfo) (transport.Channel, error) {
	if n.Contact.Kind != routing.ContactBrowser {
		return nil, transport.Error.New("browserpeer client cannot dial a %s contact", n.Contact.Kind)
	}

	pc, err := newPeerConnection()
	if err != nil {
		return nil, wdhterrs.TransportError.Wrap(err)
	}

	dc, err := pc.CreateDataChannel("wdht", nil)
	if err != nil {
		_ = pc.Close()
		return nil, wdhterrs.TransportError.Wrap(err)
	}

	hs := &handshake{pc: pc, dc: dc, answered: make(chan struct{}), failed: make(chan error, 1)}
	c.register(n.ID, hs)
	defer c.unregister(n.ID)

	ch := newChannel(n.ID, pc, dc)
	c.wireICE(ctx, n.ID, pc)
	c.wireDataChannelOpen(dc, ch)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, wdhterrs.TransportError.Wrap(err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, wdhterrs.TransportError.Wrap(err)
	}

	if err := c.signaler.SendOffer(ctx, n.ID, offer.SDP); err != nil {
		transport.AlertFailure(ctx, c.observers, n, err)
		return nil, wdhterrs.ErrNoRelay
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()

	select {
	case <-hs.answered:
		transport.AlertSuccess(ctx, c.observers, n)
		return ch, nil
	case err := <-hs.failed:
		transport.AlertFailure(ctx, c.observers, n, err)
		return nil, err
	case <-connectCtx.Done():
		transport.AlertFailure(ctx, c.observers, n, wdhterrs.ErrHandshakeTimeout)
		_ = pc.Close()
		return nil, wdhterrs.ErrHandshakeTimeout
	}
}

// Answer handles an inbound offer relayed from from, returning the
// local answer SDP to be sent back along the same relay path. The
// resulting channel surfaces on Accept() once the data channel opens.
func (c *Client) Answer(ctx context.Context, from idspace.ID, offerSDP string) (answerSDP string, err error) {
	pc, err := newPeerConnection()
	if err != nil {
		return "", wdhterrs.TransportError.Wrap(err)
	}

	hs := &handshake{pc: pc, answered: make(chan struct{}), failed: make(chan error, 1)}
	c.register(from, hs)

	var chMu sync.Mutex
	var ch *channel
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		chMu.Lock()
		ch = newChannel(from, pc, dc)
		chMu.Unlock()
		c.wireDataChannelOpen(dc, ch)
	})
	c.wireICE(ctx, from, pc)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		c.unregister(from)
		return "", wdhterrs.TransportError.Wrap(err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.unregister(from)
		return "", wdhterrs.TransportError.Wrap(err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.unregister(from)
		return "", wdhterrs.TransportError.Wrap(err)
	}

	go c.deliverOnAnswered(from, hs, &chMu, &ch)

	return answer.SDP, nil
}

// OfferTo creates a self-contained WebRTC offer for the out-of-band
// native bootstrap HTTP exchange (spec.md §6), bypassing the Signaler
// entirely: a joining node POSTs the resulting SDP directly to a
// seed's HTTP endpoint instead of relaying it through an
// already-connected peer. Since there is no channel to trickle ICE
// candidates over once the single HTTP round trip is done, the offer
// waits for ICE gathering to finish first (vanilla ICE). Unlike Dial,
// the caller doesn't know which peer will answer until the HTTP
// response names it, so the returned completeHandshake takes that
// peer's ID and hands back the established Channel directly rather
// than surfacing it on Accept().
func (c *Client) OfferTo(ctx context.Context) (sdp string, completeHandshake func(ctx context.Context, remote idspace.ID, answerSDP string) (transport.Channel, error), err error) {
	pc, err := newPeerConnection()
	if err != nil {
		return "", nil, wdhterrs.TransportError.Wrap(err)
	}
	dc, err := pc.CreateDataChannel("wdht", nil)
	if err != nil {
		_ = pc.Close()
		return "", nil, wdhterrs.TransportError.Wrap(err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return "", nil, wdhterrs.TransportError.Wrap(err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return "", nil, wdhterrs.TransportError.Wrap(err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return "", nil, ctx.Err()
	}

	return pc.LocalDescription().SDP, func(ctx context.Context, remote idspace.ID, answerSDP string) (transport.Channel, error) {
		ch := newChannel(remote, pc, dc)
		opened := make(chan struct{})
		dc.OnOpen(func() {
			ch.markOpen()
			close(opened)
		})

		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
			_ = pc.Close()
			return nil, wdhterrs.TransportError.Wrap(err)
		}

		connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout())
		defer cancel()
		select {
		case <-opened:
			return ch, nil
		case <-connectCtx.Done():
			_ = pc.Close()
			return nil, wdhterrs.ErrHandshakeTimeout
		}
	}, nil
}

// AnswerBootstrap answers an inbound offer carried by the native
// bootstrap HTTP exchange rather than by the Signaler (spec.md §6): it
// waits for its own ICE gathering to finish before returning, since the
// single HTTP response is the only chance to hand candidates back. The
// resulting channel surfaces on Accept() once the data channel opens.
func (c *Client) AnswerBootstrap(ctx context.Context, from idspace.ID, offerSDP string) (answerSDP string, err error) {
	pc, err := newPeerConnection()
	if err != nil {
		return "", wdhterrs.TransportError.Wrap(err)
	}

	hs := &handshake{pc: pc, answered: make(chan struct{}), failed: make(chan error, 1)}
	c.register(from, hs)

	var chMu sync.Mutex
	var ch *channel
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		chMu.Lock()
		ch = newChannel(from, pc, dc)
		chMu.Unlock()
		c.wireDataChannelOpen(dc, ch)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		c.unregister(from)
		return "", wdhterrs.TransportError.Wrap(err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.unregister(from)
		return "", wdhterrs.TransportError.Wrap(err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.unregister(from)
		return "", wdhterrs.TransportError.Wrap(err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		c.unregister(from)
		_ = pc.Close()
		return "", ctx.Err()
	}

	go c.deliverOnAnswered(from, hs, &chMu, &ch)

	return pc.LocalDescription().SDP, nil
}

func (c *Client) deliverOnAnswered(from idspace.ID, hs *handshake, chMu *sync.Mutex, chp **channel) {
	defer c.unregister(from)
	connectCtx, cancel := context.WithTimeout(context.Background(), c.connectTimeout())
	defer cancel()
	select {
	case <-hs.answered:
		chMu.Lock()
		defer chMu.Unlock()
		if *chp != nil {
			select {
			case c.accepted <- *chp:
			default:
				c.log.Warn("dropping accepted browser channel, backlog full", zap.String("peer", from.Hex()))
			}
		}
	case <-hs.failed:
	case <-connectCtx.Done():
		_ = hs.pc.Close()
	}
}

// HandleAnswer delivers a remote SDP answer for a handshake this
// client initiated via Dial.
func (c *Client) HandleAnswer(from idspace.ID, sdp string) error {
	c.mu.Lock()
	hs, ok := c.pending[from]
	c.mu.Unlock()
	if !ok {
		return wdhterrs.RpcError.New("no pending handshake for %s", from.Hex())
	}
	if err := hs.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		hs.fail(wdhterrs.TransportError.Wrap(err))
		return err
	}
	return nil
}

// HandleICE delivers a remote ICE candidate fragment for a pending
// handshake with from. Once that handshake has completed or been
// abandoned it is no longer pending, and HandleICE returns an error.
func (c *Client) HandleICE(from idspace.ID, candidate string) error {
	c.mu.Lock()
	hs, ok := c.pending[from]
	c.mu.Unlock()
	if !ok {
		return wdhterrs.RpcError.New("no pending handshake for %s", from.Hex())
	}
	return hs.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// Accept returns the channel of inbound-established browser channels.
func (c *Client) Accept() <-chan transport.Channel {
	return c.accepted
}

// WithObservers returns a Client additionally notifying obs.
func (c *Client) WithObservers(obs ...transport.Observer) transport.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make([]transport.Observer, 0, len(c.observers)+len(obs))
	merged = append(merged, c.observers...)
	merged = append(merged, obs...)
	return &Client{
		log:       c.log,
		signaler:  c.signaler,
		timeouts:  c.timeouts,
		pending:   make(map[idspace.ID]*handshake),
		accepted:  make(chan transport.Channel, 16),
		observers: merged,
	}
}

// Close tears down every in-flight handshake.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, hs := range c.pending {
		_ = hs.pc.Close()
		delete(c.pending, id)
	}
	return nil
}

func (c *Client) register(id idspace.ID, hs *handshake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = hs
}

func (c *Client) unregister(id idspace.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) connectTimeout() time.Duration {
	if c.timeouts.Connect > 0 {
		return c.timeouts.Connect
	}
	return 30 * time.Second
}

func (c *Client) wireICE(ctx context.Context, peer idspace.ID, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := c.signaler.SendICE(ctx, peer, cand.ToJSON().Candidate); err != nil {
			c.log.Debug("failed to relay ICE candidate", zap.String("peer", peer.Hex()), zap.Error(err))
		}
	})
}

func (c *Client) wireDataChannelOpen(dc *webrtc.DataChannel, ch *channel) {
	dc.OnOpen(func() {
		ch.markOpen()
		c.mu.Lock()
		hs, ok := c.pending[ch.remote]
		c.mu.Unlock()
		if ok {
			hs.once.Do(func() { close(hs.answered) })
		}
	})
}

func (h *handshake) fail(err error) {
	h.once.Do(func() { h.failed <- err })
}
