// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package rpc implements the request/response layer on top of a
// transport.Channel: per-channel monotonic correlation IDs, a
// bounded LRU of open peer connections, and per-channel inbound
// throttling, so pkg/kademlia and pkg/lookup can issue PING/FIND_NODE/
// FIND_VALUE/STORE/CONNECT/ICE without touching wire framing directly.
package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/transport"
	"github.com/webdht/wdht/pkg/wdhterrs"
	"github.com/webdht/wdht/pkg/wire"
)

// MaxPeers is the largest number of simultaneously open peer
// connections a Dialer will hold; the least-recently-used connection
// is closed to make room for a new one (spec.md §5).
const MaxPeers = 256

// MaxPendingInbound bounds how many inbound requests a single channel
// may have awaiting a handler response at once; beyond that, further
// inbound request frames are dropped. The same number also sets the
// per-channel rate limit (requests per second) (spec.md §5).
const MaxPendingInbound = 64

var mon = monkit.Package()

// Handler answers an inbound request frame, returning the response
// body to send back (or an error, which is surfaced as an ERROR body
// to the peer, not a transport failure).
type Handler func(ctx context.Context, from idspace.ID, reqType wire.MessageType, body json.RawMessage) (json.RawMessage, error)

// Dialer issues RPCs over transport.Channels obtained from a
// transport.Client, reusing open channels across calls and bounding
// how many are kept alive at once.
type Dialer struct {
	log     *zap.Logger
	client  transport.Client
	timeout time.Duration

	handlerMu sync.RWMutex
	handler   Handler

	peers *lru.Cache // idspace.ID hex -> *peerConn
}

// NewDialer constructs a Dialer. The handler set via SetHandler answers
// inbound requests arriving on any channel this Dialer opens or
// accepts.
func NewDialer(log *zap.Logger, client transport.Client, timeout time.Duration) *Dialer {
	cache, err := lru.NewWithEvict(MaxPeers, func(key interface{}, value interface{}) {
		value.(*peerConn).close()
	})
	if err != nil {
		// Only fails for a non-positive size, which MaxPeers never is.
		panic(err)
	}
	return &Dialer{
		log:     log,
		client:  client,
		timeout: timeout,
		peers:   cache,
	}
}

// SetHandler installs the inbound request handler.
func (d *Dialer) SetHandler(h Handler) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.handler = h
}

// AdoptChannel registers an already-open Channel (e.g. one accepted by
// a Listener or a browserpeer Client) so subsequent Call/Notify calls
// to its remote ID reuse it instead of dialing again.
func (d *Dialer) AdoptChannel(ch transport.Channel) {
	d.storePeer(ch.RemoteID(), ch)
}

// Connected reports whether this Dialer currently holds an open
// channel to id — as opposed to merely knowing of id via the routing
// table — so a relay can honor spec.md §4.4's "only forward through a
// peer already holding a channel to both endpoints" requirement instead
// of dialing fresh (and potentially recursing into another signaling
// round) on every relay attempt.
func (d *Dialer) Connected(id idspace.ID) bool {
	v, ok := d.peers.Get(id.Hex())
	if !ok {
		return false
	}
	return v.(*peerConn).channel.State() == transport.StateOpen
}

// Channel returns the transport.Channel this Dialer currently holds
// open to id, if any, so a caller that has just established or reused
// a connection (e.g. kademlia.Service.ConnectTo) can hand the raw
// channel to a hosting application instead of only a NodeInfo.
func (d *Dialer) Channel(id idspace.ID) (transport.Channel, bool) {
	v, ok := d.peers.Get(id.Hex())
	if !ok {
		return nil, false
	}
	pc := v.(*peerConn)
	if pc.channel.State() != transport.StateOpen {
		return nil, false
	}
	return pc.channel, true
}

// Close tears down every channel this Dialer currently holds open,
// triggering the LRU's eviction callback (peerConn.close) for each.
func (d *Dialer) Close() error {
	d.peers.Purge()
	return nil
}

// Call issues a request RPC and waits for the matching response,
// dialing or reusing a channel to n as needed. The response body is
// decoded into result (which may be nil if the caller doesn't need the
// body, as for a bare Ack).
func (d *Dialer) Call(ctx context.Context, n *routing.NodeInfo, reqType wire.MessageType, body interface{}, result interface{}) (err error) {
	defer mon.Task()(&ctx)(&err)

	pc, err := d.peerConn(ctx, n)
	if err != nil {
		return err
	}

	encodedBody, err := wire.EncodeBody(body)
	if err != nil {
		return err
	}

	id := pc.nextCorrelationID()
	respCh := pc.registerPending(id)
	defer pc.unregisterPending(id)

	frame, err := wire.Encode(wire.Frame{ID: id, Kind: wire.KindRequest, Body: encodedBody})
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeoutFor(reqType))
	defer cancel()

	if err := pc.channel.Send(callCtx, frame); err != nil {
		return wdhterrs.TransportError.Wrap(err)
	}

	select {
	case resp := <-respCh:
		if resp.errMsg != "" {
			return wdhterrs.PeerFault(resp.errMsg)
		}
		if result != nil {
			return wire.DecodeBody(resp.body, result)
		}
		return nil
	case <-callCtx.Done():
		return wdhterrs.ErrRpcTimeout
	}
}

// Notify issues a best-effort request with no expected reply (used for
// ICE fragments, per spec.md §6).
func (d *Dialer) Notify(ctx context.Context, n *routing.NodeInfo, reqType wire.MessageType, body interface{}) error {
	pc, err := d.peerConn(ctx, n)
	if err != nil {
		return err
	}
	encodedBody, err := wire.EncodeBody(body)
	if err != nil {
		return err
	}
	frame, err := wire.Encode(wire.Frame{ID: pc.nextCorrelationID(), Kind: wire.KindRequest, Body: encodedBody})
	if err != nil {
		return err
	}
	return pc.channel.Send(ctx, frame)
}

func (d *Dialer) timeoutFor(reqType wire.MessageType) time.Duration {
	if reqType == wire.TypeConnect {
		return 30 * time.Second
	}
	if d.timeout > 0 {
		return d.timeout
	}
	return 5 * time.Second
}

func (d *Dialer) peerConn(ctx context.Context, n *routing.NodeInfo) (*peerConn, error) {
	if v, ok := d.peers.Get(n.ID.Hex()); ok {
		pc := v.(*peerConn)
		if pc.channel.State() == transport.StateOpen {
			return pc, nil
		}
		d.peers.Remove(n.ID.Hex())
	}

	ch, err := d.client.Dial(ctx, n)
	if err != nil {
		return nil, err
	}
	return d.storePeer(n.ID, ch), nil
}

func (d *Dialer) storePeer(id idspace.ID, ch transport.Channel) *peerConn {
	pc := newPeerConn(ch)
	d.peers.Add(id.Hex(), pc)
	go d.recvLoop(pc)
	return pc
}

type pendingResult struct {
	body   json.RawMessage
	errMsg string
}

// peerConn bookkeeps one open channel: its monotonic correlation ID
// counter and the set of requests awaiting a response.
type peerConn struct {
	channel transport.Channel

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[uint64]chan pendingResult
}

func newPeerConn(ch transport.Channel) *peerConn {
	return &peerConn{
		channel: ch,
		pending: make(map[uint64]chan pendingResult),
	}
}

func (pc *peerConn) nextCorrelationID() uint64 {
	return uint64(pc.nextID.Inc())
}

func (pc *peerConn) registerPending(id uint64) chan pendingResult {
	ch := make(chan pendingResult, 1)
	pc.mu.Lock()
	pc.pending[id] = ch
	pc.mu.Unlock()
	return ch
}

func (pc *peerConn) unregisterPending(id uint64) {
	pc.mu.Lock()
	delete(pc.pending, id)
	pc.mu.Unlock()
}

func (pc *peerConn) deliver(id uint64, result pendingResult) bool {
	pc.mu.Lock()
	ch, ok := pc.pending[id]
	pc.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- result:
	default:
	}
	return true
}

func (pc *peerConn) close() {
	_ = pc.channel.Close()
}

// recvLoop reads frames off pc's channel for the lifetime of the
// connection, dispatching responses to waiting callers and requests to
// the installed Handler, bounded by a per-channel semaphore and rate
// limiter so a single noisy peer can't starve others (spec.md §5).
func (d *Dialer) recvLoop(pc *peerConn) {
	limiter := rate.NewLimiter(rate.Limit(MaxPendingInbound), MaxPendingInbound)
	sem := make(chan struct{}, MaxPendingInbound)

	for {
		frame, err := pc.channel.Recv(context.Background())
		if err != nil {
			return
		}
		f, err := wire.Decode(frame)
		if err != nil {
			d.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		if f.Kind == wire.KindResponse {
			d.dispatchResponse(pc, f)
			continue
		}

		if err := limiter.Wait(context.Background()); err != nil {
			continue
		}
		select {
		case sem <- struct{}{}:
		default:
			// At capacity: drop rather than unbounded-queue, per
			// spec.md's pending-inbound cap.
			continue
		}
		go func(f wire.Frame) {
			defer func() { <-sem }()
			d.handleRequest(pc, f)
		}(f)
	}
}

func (d *Dialer) dispatchResponse(pc *peerConn, f wire.Frame) {
	var errResult wire.ErrorResult
	if typ, err := wire.PeekType(f.Body); err == nil && typ == wire.TypeError {
		_ = wire.DecodeBody(f.Body, &errResult)
		pc.deliver(f.ID, pendingResult{errMsg: errResult.Message})
		return
	}
	pc.deliver(f.ID, pendingResult{body: f.Body})
}

func (d *Dialer) handleRequest(pc *peerConn, f wire.Frame) {
	d.handlerMu.RLock()
	handler := d.handler
	d.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	reqType, err := wire.PeekType(f.Body)
	if err != nil {
		return
	}

	respBody, err := handler(context.Background(), pc.channel.RemoteID(), reqType, f.Body)
	var out json.RawMessage
	if err != nil {
		out, _ = wire.EncodeBody(wire.ErrorResult{Type: wire.TypeError, Message: err.Error()})
	} else {
		out = respBody
	}

	frame, err := wire.Encode(wire.Frame{ID: f.ID, Kind: wire.KindResponse, Body: out})
	if err != nil {
		return
	}
	_ = pc.channel.Send(context.Background(), frame)
}
