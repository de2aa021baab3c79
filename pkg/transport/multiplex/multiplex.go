// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package multiplex composes the native and browser-peer transports
// into the single transport.Client pkg/rpc.Dialer is built around,
// dispatching each Dial by the target's Contact.Kind (spec.md §3: a
// node treats native and browser peers identically above the
// transport boundary). Kept out of pkg/transport itself to avoid that
// leaf package importing either concrete carrier.
package multiplex

import (
	"context"

	"go.uber.org/multierr"

	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/transport"
	"github.com/webdht/wdht/pkg/wdhterrs"
)

// Client dispatches Dial to whichever concrete transport.Client
// matches the target contact's kind. browser may be nil on a
// deployment that never dials out to browser contacts (though it may
// still relay CONNECT/ICE on their behalf via pkg/signaling).
type Client struct {
	native  transport.Client
	browser transport.Client
}

// New composes native and browser into a single transport.Client.
// browser may be nil and supplied later via SetBrowser, which lets a
// caller break the construction cycle where the browser client's own
// Signaler needs a Dialer built around this Client in the first place.
func New(native, browser transport.Client) *Client {
	return &Client{native: native, browser: browser}
}

// SetBrowser installs the browser transport after construction.
func (c *Client) SetBrowser(browser transport.Client) {
	c.browser = browser
}

// Dial routes to native or browser by n.Contact.Kind.
func (c *Client) Dial(ctx context.Context, n *routing.NodeInfo) (transport.Channel, error) {
	switch n.Contact.Kind {
	case routing.ContactNative:
		return c.native.Dial(ctx, n)
	case routing.ContactBrowser:
		if c.browser == nil {
			return nil, wdhterrs.TransportError.New("no browser transport configured")
		}
		return c.browser.Dial(ctx, n)
	default:
		return nil, wdhterrs.TransportError.New("unknown contact kind %q", n.Contact.Kind)
	}
}

// WithObservers returns a Client whose underlying native and browser
// clients both additionally notify obs.
func (c *Client) WithObservers(obs ...transport.Observer) transport.Client {
	next := &Client{native: c.native.WithObservers(obs...)}
	if c.browser != nil {
		next.browser = c.browser.WithObservers(obs...)
	}
	return next
}

// Close closes both underlying clients, combining any errors.
func (c *Client) Close() error {
	var err error
	err = multierr.Append(err, c.native.Close())
	if c.browser != nil {
		err = multierr.Append(err, c.browser.Close())
	}
	return err
}
