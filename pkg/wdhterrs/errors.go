// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package wdhterrs defines the error taxonomy shared by every wdht
// component: one errs.Class per family, plus the enumerated variants each
// family exposes. Components return these directly (or wrap them with
// additional context via the class's New) so that callers can test
// membership with errors.Is or with the class's Has method.
package wdhterrs

import "github.com/zeebo/errs"

// Error classes, one per taxonomy family.
var (
	TransportError = errs.Class("transport error")
	SignalingError = errs.Class("signaling error")
	RpcError       = errs.Class("rpc error")
	LookupError    = errs.Class("lookup error")
	StoreError     = errs.Class("store error")
	BootstrapError = errs.Class("bootstrap error")
)

// TransportError variants.
var (
	ErrUnreachable = TransportError.New("unreachable")
	ErrDialTimeout = TransportError.New("timeout")
	ErrRejected    = TransportError.New("rejected")
	ErrClosed      = TransportError.New("closed")
)

// SignalingError variants.
var (
	ErrNoRelay          = SignalingError.New("no relay")
	ErrRelayRejected    = SignalingError.New("relay rejected")
	ErrHandshakeTimeout = SignalingError.New("handshake timeout")
)

// RpcError variants.
var (
	ErrRpcTimeout         = RpcError.New("timeout")
	ErrMalformedFrame     = RpcError.New("malformed frame")
	ErrUnknownCorrelation = RpcError.New("unknown correlation")
)

// PeerFault builds the RpcError.PeerFault(string) variant.
func PeerFault(msg string) error {
	return RpcError.New("peer fault: %s", msg)
}

// LookupError variants.
var (
	ErrNoPeers = LookupError.New("no peers")
)

// StoreError variants.
var (
	ErrValueTooLarge = StoreError.New("value too large")
	ErrTTLOutOfRange = StoreError.New("ttl out of range")
)

// BootstrapError variants.
var (
	ErrAllSeedsFailed = BootstrapError.New("all seeds failed")
)
