// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package browserpeer

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/transport"
	"github.com/webdht/wdht/pkg/wdhterrs"
)

// channel adapts a single pion DataChannel to transport.Channel. Pion
// delivers inbound messages via an OnMessage callback, so Recv bridges
// that push model back to the pull model Channel promises with a
// small buffered queue.
type channel struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	remote idspace.ID
	state  atomic.Int32

	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newChannel(remote idspace.ID, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *channel {
	ch := &channel{
		pc:     pc,
		dc:     dc,
		remote: remote,
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	ch.state.Store(int32(transport.StateConnecting))
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case ch.inbox <- msg.Data:
		case <-ch.closed:
		}
	})
	dc.OnClose(func() {
		ch.markClosed()
	})
	return ch
}

func (c *channel) markOpen() {
	c.state.Store(int32(transport.StateOpen))
}

func (c *channel) markClosed() {
	c.state.Store(int32(transport.StateClosed))
	c.once.Do(func() { close(c.closed) })
}

func (c *channel) Send(ctx context.Context, frame []byte) error {
	if transport.ChannelState(c.state.Load()) != transport.StateOpen {
		return wdhterrs.ErrClosed
	}
	if err := c.dc.Send(frame); err != nil {
		return wdhterrs.TransportError.Wrap(err)
	}
	return nil
}

func (c *channel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.inbox:
		return b, nil
	case <-c.closed:
		return nil, wdhterrs.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *channel) State() transport.ChannelState {
	return transport.ChannelState(c.state.Load())
}

func (c *channel) RemoteID() idspace.ID {
	return c.remote
}

func (c *channel) Close() error {
	c.markClosed()
	if c.dc != nil {
		_ = c.dc.Close()
	}
	return c.pc.Close()
}
