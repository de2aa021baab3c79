// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package native implements transport.Client/Channel over plain TCP,
// for the long-lived, directly dialable class of participant the spec
// calls a native node. Frames are length-prefixed JSON, capped at
// wire.MaxFrameSize, mirroring the teacher's timeoutConn-wrapped
// net.Dialer pattern but without grpc or TLS identity in the mix.
package native

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/transport"
	"github.com/webdht/wdht/pkg/wdhterrs"
	"github.com/webdht/wdht/pkg/wire"
)

var mon = monkit.Package()

// Client dials native peers directly over TCP.
type Client struct {
	self      idspace.ID
	timeouts  transport.Timeouts
	mu        sync.Mutex
	observers []transport.Observer
}

// NewClient returns a native Client with the spec's default timeouts.
// self is sent as a fixed-length preamble ahead of every dial, so the
// accepting Listener learns the new channel's RemoteID without any
// wire-level message needing to carry it.
func NewClient(self idspace.ID, obs ...transport.Observer) *Client {
	return NewClientWithTimeouts(self, transport.DefaultTimeouts(), obs...)
}

// NewClientWithTimeouts returns a native Client with explicit timeouts.
func NewClientWithTimeouts(self idspace.ID, timeouts transport.Timeouts, obs ...transport.Observer) *Client {
	return &Client{self: self, timeouts: timeouts, observers: obs}
}

// Dial opens a TCP connection to n.Contact.Address and sends self's ID
// as a preamble before any frame traffic.
func (c *Client) Dial(ctx context.Context, n *routing.NodeInfo) (ch transport.Channel, err error) {
	defer mon.Task()(&ctx)(&err)

	if n.Contact.Kind != routing.ContactNative {
		return nil, transport.Error.New("native client cannot dial a %s contact", n.Contact.Kind)
	}
	if n.Contact.Address == "" {
		return nil, wdhterrs.TransportError.New("no address")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeouts.Dial)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", n.Contact.Address)
	if err != nil {
		if err == context.Canceled {
			return nil, err
		}
		c.mu.Lock()
		obs := c.observers
		c.mu.Unlock()
		transport.AlertFailure(ctx, obs, n, err)
		return nil, wdhterrs.TransportError.Wrap(err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if _, err := conn.Write(c.self.Bytes()); err != nil {
		_ = conn.Close()
		return nil, wdhterrs.TransportError.Wrap(err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	c.mu.Lock()
	obs := c.observers
	c.mu.Unlock()
	transport.AlertSuccess(ctx, obs, n)

	return newChannel(conn, n.ID, c.timeouts.Request), nil
}

// WithObservers returns a Client additionally notifying obs.
func (c *Client) WithObservers(obs ...transport.Observer) transport.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make([]transport.Observer, 0, len(c.observers)+len(obs))
	merged = append(merged, c.observers...)
	merged = append(merged, obs...)
	return &Client{self: c.self, timeouts: c.timeouts, observers: merged}
}

// Close is a no-op for the dialing client: it holds no listener of its
// own (inbound connections are accepted by a separate Listener).
func (c *Client) Close() error {
	return nil
}

// Listener accepts inbound native TCP connections and hands each one
// off as a transport.Channel via the Accept channel.
type Listener struct {
	ln       net.Listener
	timeout  time.Duration
	accepted chan transport.Channel
	closed   atomic.Bool
}

// Listen starts accepting TCP connections on addr.
func Listen(addr string, requestTimeout time.Duration) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, wdhterrs.TransportError.Wrap(err)
	}
	l := &Listener{
		ln:       ln,
		timeout:  requestTimeout,
		accepted: make(chan transport.Channel),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept returns the channel of newly accepted connections, each
// already carrying its peer's RemoteID learned from the dial preamble.
func (l *Listener) Accept() <-chan transport.Channel {
	return l.accepted
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if !l.closed.CAS(false, true) {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			close(l.accepted)
			return
		}
		go l.handshake(conn)
	}
}

// handshake reads the dialer's ID preamble (written by Client.Dial)
// before handing the connection off as a Channel, so the caller never
// sees a channel with an unknown RemoteID.
func (l *Listener) handshake(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(l.timeout))
	var idBytes [idspace.Length]byte
	if _, err := io.ReadFull(conn, idBytes[:]); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	remote, err := idspace.FromBytes(idBytes[:])
	if err != nil {
		_ = conn.Close()
		return
	}

	l.accepted <- newChannel(conn, remote, l.timeout)
}

// channel is the native TCP implementation of transport.Channel: a
// length-prefixed JSON frame stream over a net.Conn.
type channel struct {
	conn    net.Conn
	reader  *bufio.Reader
	state   atomic.Int32
	remote  idspace.ID
	timeout time.Duration
	mu      sync.Mutex
}

func newChannel(conn net.Conn, remote idspace.ID, timeout time.Duration) *channel {
	c := &channel{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		remote:  remote,
		timeout: timeout,
	}
	c.state.Store(int32(transport.StateOpen))
	return c
}

func (c *channel) Send(ctx context.Context, frame []byte) error {
	if transport.ChannelState(c.state.Load()) != transport.StateOpen {
		return wdhterrs.ErrClosed
	}
	if len(frame) > wire.MaxFrameSize {
		return wdhterrs.RpcError.New("frame exceeds max size")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(frame)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(length[:]); err != nil {
		return wdhterrs.TransportError.Wrap(err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return wdhterrs.TransportError.Wrap(err)
	}
	return nil
}

func (c *channel) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	var length [4]byte
	if _, err := io.ReadFull(c.reader, length[:]); err != nil {
		if err == io.EOF {
			c.state.Store(int32(transport.StateClosed))
			return nil, wdhterrs.ErrClosed
		}
		return nil, wdhterrs.TransportError.Wrap(err)
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > wire.MaxFrameSize {
		return nil, wdhterrs.ErrMalformedFrame
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, wdhterrs.TransportError.Wrap(err)
	}
	return buf, nil
}

func (c *channel) State() transport.ChannelState {
	return transport.ChannelState(c.state.Load())
}

func (c *channel) RemoteID() idspace.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *channel) Close() error {
	if !c.state.CAS(int32(transport.StateOpen), int32(transport.StateClosed)) {
		c.state.Store(int32(transport.StateClosed))
	}
	return c.conn.Close()
}
