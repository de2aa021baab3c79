// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package transport defines the Client/Channel abstraction every
// concrete carrier implements: native TCP (pkg/transport/native) and
// peer-assisted WebRTC (pkg/transport/browserpeer). Callers dial
// through Client and exchange wire.Frame bytes over the returned
// Channel without caring which concrete carrier is underneath —
// dynamic dispatch over Transport, a single Client/Channel capability
// set implemented polymorphically by both carriers.
package transport

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/routing"
)

// Error is the class for transport-layer wiring failures local to this
// package (construction errors, not per-dial faults — those come back
// as wdhterrs.TransportError from the concrete Client implementation).
var Error = errs.Class("transport error")

// ChannelState is the lifecycle state of a Channel.
type ChannelState int32

// Channel states.
const (
	StateConnecting ChannelState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is a single duplex, message-framed connection to one peer.
// Both the native and browser transports implement it identically from
// the caller's perspective: Send/Recv move whole encoded wire frames,
// never partial ones.
type Channel interface {
	// Send writes one encoded frame to the peer. Safe for concurrent
	// use alongside Recv, not with itself.
	Send(ctx context.Context, frame []byte) error

	// Recv blocks for the next encoded frame from the peer, or returns
	// an error (wdhterrs.ErrClosed on a normal close).
	Recv(ctx context.Context) ([]byte, error)

	// State reports the channel's current lifecycle state.
	State() ChannelState

	// RemoteID is the peer's advertised node ID, once known (may be
	// idspace.Zero before the handshake completes).
	RemoteID() idspace.ID

	// Close tears down the channel. Idempotent.
	Close() error
}

// Observer is notified of dial outcomes independently of the calling
// RPC's own success/failure handling, to drive routing table liveness
// bookkeeping.
type Observer interface {
	ConnSuccess(ctx context.Context, n *routing.NodeInfo)
	ConnFailure(ctx context.Context, n *routing.NodeInfo, err error)
}

// Client dials out to peers via whichever concrete carrier it wraps.
type Client interface {
	// Dial opens a Channel to the given contact. For a native contact
	// this is a direct TCP dial; for a browser contact it is a
	// signaled WebRTC handshake relayed through a peer the browser
	// transport's Signaler picks (Contact.RelayHint is not consulted).
	Dial(ctx context.Context, n *routing.NodeInfo) (Channel, error)

	// WithObservers returns a Client that additionally notifies obs of
	// dial outcomes.
	WithObservers(obs ...Observer) Client

	// Close releases any resources (listeners, peer connections) held
	// by the client.
	Close() error
}

// Timeouts bounds how long dial and per-RPC round trips may take.
// Connect gets its own, longer, allowance since it triggers browser-
// side ICE gathering.
type Timeouts struct {
	Dial    time.Duration
	Request time.Duration
	Connect time.Duration
}

// DefaultTimeouts matches the spec's 5s default RPC timeout and 30s
// CONNECT allowance.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Dial:    5 * time.Second,
		Request: 5 * time.Second,
		Connect: 30 * time.Second,
	}
}

// AlertSuccess notifies every observer of a successful dial. Exported
// so the native and browserpeer implementations (different packages)
// can share the fan-out helper.
func AlertSuccess(ctx context.Context, obs []Observer, n *routing.NodeInfo) {
	for _, o := range obs {
		o.ConnSuccess(ctx, n)
	}
}

// AlertFailure notifies every observer of a failed dial.
func AlertFailure(ctx context.Context, obs []Observer, n *routing.NodeInfo, err error) {
	for _, o := range obs {
		o.ConnFailure(ctx, n, err)
	}
}
