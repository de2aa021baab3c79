// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package routing implements the Kademlia k-bucket routing table:
// insertion/eviction discipline, closest-N queries, and stale-bucket
// detection for periodic refresh.
package routing

import (
	"github.com/webdht/wdht/pkg/idspace"
)

// ContactKind distinguishes the two classes of participant the overlay
// carries (spec.md §1): long-lived native nodes and ephemeral browser
// nodes reachable only through a peer-assisted channel.
type ContactKind int

// Contact kinds.
const (
	ContactNative ContactKind = iota
	ContactBrowser
)

func (k ContactKind) String() string {
	switch k {
	case ContactNative:
		return "native"
	case ContactBrowser:
		return "browser"
	default:
		return "unknown"
	}
}

// Contact is the concrete Go rendering of spec.md §3's "opaque transport-
// addressing value": a native node carries a dialable host:port, a browser
// node carries only a hint — the ID of some peer already known to hold an
// open channel to it, since a browser can't be dialed directly.
type Contact struct {
	Kind ContactKind

	// Address is the dialable host:port for ContactNative.
	Address string

	// RelayHint is the hex ID of a peer known to hold a channel to this
	// browser node, for ContactBrowser. It is only a hint: by the time a
	// dial is attempted the relay may have dropped the channel, in which
	// case the dialer falls back to a fresh lookup (spec.md §4.4).
	RelayHint string
}

// NodeInfo pairs an identifier with its contact information. Immutable
// after construction, per spec.md §3.
type NodeInfo struct {
	ID      idspace.ID
	Contact Contact
}
