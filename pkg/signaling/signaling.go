// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package signaling implements the peer-assisted relay protocol
// (spec.md §4.4): forwarding a browser node's SDP offer/answer and ICE
// fragments through whichever already-connected peer holds a channel
// to both ends. The relay never inspects or terminates the payload —
// it only forwards CONNECT/ICE request bodies to the next hop.
package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/rpc"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/wdhterrs"
	"github.com/webdht/wdht/pkg/wire"
)

// RelayCandidates is supplied by pkg/kademlia: given a target browser
// ID, return the known peers that might hold a channel to it, closest
// first. The Signaler fans the offer out to all of them concurrently
// (spec.md §4.4) and takes the first one that forwards successfully.
type RelayCandidates func(target idspace.ID) []*routing.NodeInfo

// Signaler relays CONNECT/ICE frames on behalf of local WebRTC
// handshakes, and forwards CONNECT/ICE frames this node receives when
// it is itself acting as the relay for two other peers. It implements
// browserpeer.Signaler structurally.
type Signaler struct {
	log    *zap.Logger
	self   idspace.ID
	dialer *rpc.Dialer

	mu         sync.Mutex
	relaysOf   RelayCandidates
	pending    map[idspace.ID]string            // target -> relay attempt uuid, for in-flight offer fan-out
	relayTable map[idspace.ID]*routing.NodeInfo // target -> relay that answered its offer forward
	onAnswer   func(target idspace.ID, sdp string)
}

// New constructs a Signaler. relaysOf may be nil at construction time
// and supplied later via SetRelayCandidates — pkg/kademlia's Service
// can only build that callback (it closes over the routing table)
// after the Signaler it depends on already exists, so the two are
// wired together in two steps rather than one.
func New(log *zap.Logger, self idspace.ID, dialer *rpc.Dialer, relaysOf RelayCandidates) *Signaler {
	return &Signaler{
		log:        log,
		self:       self,
		dialer:     dialer,
		relaysOf:   relaysOf,
		pending:    make(map[idspace.ID]string),
		relayTable: make(map[idspace.ID]*routing.NodeInfo),
	}
}

// SetRelayCandidates installs (or replaces) the relay-candidate
// callback.
func (s *Signaler) SetRelayCandidates(fn RelayCandidates) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relaysOf = fn
}

// SetAnswerHandler installs the callback SendOffer invokes once a
// relay's CONNECT response carries the remote answer SDP. Wired by
// pkg/kademlia to the local browserpeer.Client's HandleAnswer, closing
// the loop the browserpeer Signaler interface can't on its own: an
// initiator's Dial only gets notified through this callback, not
// through SendOffer's own (error-only) return value.
func (s *Signaler) SetAnswerHandler(fn func(target idspace.ID, sdp string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAnswer = fn
}

// SendOffer forwards a local SDP offer toward target through the best
// available relay. Per spec.md §4.4, every candidate relay is tried in
// parallel; the first one that accepts the forward wins, and that relay
// is recorded so later ICE fragments reuse it.
func (s *Signaler) SendOffer(ctx context.Context, target idspace.ID, sdp string) error {
	s.mu.Lock()
	relaysOf := s.relaysOf
	s.mu.Unlock()
	if relaysOf == nil {
		return wdhterrs.ErrNoRelay
	}
	candidates := relaysOf(target)
	if len(candidates) == 0 {
		return wdhterrs.ErrNoRelay
	}

	attempt := uuid.New().String()
	type outcome struct {
		relay  *routing.NodeInfo
		result wire.ConnectResult
		err    error
	}
	results := make(chan outcome, len(candidates))
	for _, relay := range candidates {
		relay := relay
		go func() {
			var result wire.ConnectResult
			err := s.dialer.Call(ctx, relay, wire.TypeConnect, wire.ConnectBody{
				Type:   wire.TypeConnect,
				Target: target.Hex(),
				SDP:    sdp,
			}, &result)
			results <- outcome{relay: relay, result: result, err: err}
		}()
	}

	for range candidates {
		select {
		case o := <-results:
			if o.err == nil {
				s.mu.Lock()
				s.pending[target] = attempt
				s.relay(target, o.relay)
				onAnswer := s.onAnswer
				s.mu.Unlock()
				if onAnswer != nil && o.result.SDP != "" {
					onAnswer(target, o.result.SDP)
				}
				return nil
			}
			s.log.Debug("relay rejected offer forward",
				zap.String("relay", o.relay.ID.Hex()), zap.Error(o.err))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return wdhterrs.ErrNoRelay
}

// SendICE forwards one ICE candidate fragment toward target through
// whichever relay answered this handshake's offer (best-effort, no
// reply expected per spec.md §6).
func (s *Signaler) SendICE(ctx context.Context, target idspace.ID, candidate string) error {
	s.mu.Lock()
	relay, ok := s.relayFor(target)
	s.mu.Unlock()
	if !ok {
		return wdhterrs.ErrNoRelay
	}
	return s.dialer.Notify(ctx, relay, wire.TypeICE, wire.ICEBody{
		Type:      wire.TypeICE,
		Target:    target.Hex(),
		Candidate: candidate,
	})
}

// relay records which peer answered target's offer forward, so SendICE
// can reuse the same relay without re-running candidate selection.
func (s *Signaler) relay(target idspace.ID, n *routing.NodeInfo) {
	s.relayTable[target] = n
}

func (s *Signaler) relayFor(target idspace.ID) (*routing.NodeInfo, bool) {
	n, ok := s.relayTable[target]
	return n, ok
}

// ConnectedPeer is supplied by pkg/kademlia: reports whether this node
// currently holds an open channel to id, and its NodeInfo if so. The
// relay-forwarding path below only forwards to peers already connected
// — spec.md §4.4 requires the relay to "hold channels to both
// endpoints".
type ConnectedPeer func(id idspace.ID) (*routing.NodeInfo, bool)

// ForwardConnect handles an inbound CONNECT this node is relaying on
// behalf of fromID toward target: if this node holds a channel to
// target, the offer is forwarded over it and the answer (or relayed
// forwarding error) is returned synchronously, exactly mirroring
// spec.md §4.4 steps 2-4. connected is consulted fresh on every call
// rather than cached, since the relay set can change between hops.
func (s *Signaler) ForwardConnect(ctx context.Context, connected ConnectedPeer, fromID, target idspace.ID, sdp string) (string, error) {
	peer, ok := connected(target)
	if !ok {
		return "", wdhterrs.ErrNoRelay
	}
	var result wire.ConnectResult
	err := s.dialer.Call(ctx, peer, wire.TypeConnect, wire.ConnectBody{
		Type:   wire.TypeConnect,
		Target: fromID.Hex(),
		SDP:    sdp,
	}, &result)
	if err != nil {
		return "", wdhterrs.SignalingError.Wrap(err)
	}

	s.mu.Lock()
	s.relayTable[fromID] = peer
	s.mu.Unlock()

	return result.SDP, nil
}

// ForwardICE relays a single ICE fragment this node received on behalf
// of fromID onward to target, reusing whatever channel it already
// holds to target.
func (s *Signaler) ForwardICE(ctx context.Context, connected ConnectedPeer, fromID, target idspace.ID, candidate string) error {
	peer, ok := connected(target)
	if !ok {
		return wdhterrs.ErrNoRelay
	}
	return s.dialer.Notify(ctx, peer, wire.TypeICE, wire.ICEBody{
		Type:      wire.TypeICE,
		Target:    fromID.Hex(),
		Candidate: candidate,
	})
}
