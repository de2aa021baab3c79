// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/wdhterrs"
	"github.com/webdht/wdht/pkg/wire"
)

// Endpoint answers inbound request frames dispatched by the Dialer's
// recvLoop, mirroring the teacher's Endpoint.Query/pingback shape: one
// method per RPC type, each touching the routing table's liveness
// bookkeeping before doing its own work.
type Endpoint struct {
	log *zap.Logger
	k   *Service
}

// NewEndpoint constructs an Endpoint bound to k.
func NewEndpoint(log *zap.Logger, k *Service) *Endpoint {
	return &Endpoint{log: log, k: k}
}

// Handle implements rpc.Handler, dispatching by the body's type
// discriminator to the matching RPC method.
func (e *Endpoint) Handle(ctx context.Context, from idspace.ID, reqType wire.MessageType, body json.RawMessage) (json.RawMessage, error) {
	switch reqType {
	case wire.TypePing:
		return e.ping(ctx, from, body)
	case wire.TypeFindNode:
		return e.findNode(ctx, from, body)
	case wire.TypeFindValue:
		return e.findValue(ctx, from, body)
	case wire.TypeStore:
		return e.store(ctx, from, body)
	case wire.TypeConnect:
		return e.connect(ctx, from, body)
	case wire.TypeICE:
		return e.ice(ctx, from, body)
	default:
		return nil, wdhterrs.RpcError.New("unknown request type %q", reqType)
	}
}

// pingback records that from is alive, independent of which RPC
// carried the message — every inbound request is itself proof of
// liveness (spec.md §4.1).
func (e *Endpoint) pingback(from idspace.ID) {
	if _, ok := e.k.routingTable.Lookup(from); ok {
		e.k.routingTable.MarkAlive(from)
	}
}

func (e *Endpoint) ping(ctx context.Context, from idspace.ID, body json.RawMessage) (json.RawMessage, error) {
	e.pingback(from)
	e.k.mu.Lock()
	e.k.lastPinged = time.Now()
	e.k.mu.Unlock()
	return wire.EncodeBody(wire.AckResult{OK: true})
}

func (e *Endpoint) findNode(ctx context.Context, from idspace.ID, body json.RawMessage) (json.RawMessage, error) {
	e.pingback(from)
	var req wire.FindNodeBody
	if err := wire.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	target, err := idspace.FromHex(req.Target)
	if err != nil {
		return nil, wdhterrs.RpcError.Wrap(err)
	}

	closest := e.k.routingTable.ClosestN(target, routing.K)
	nodes := make([]wire.WireNodeInfo, 0, len(closest))
	for _, n := range closest {
		nodes = append(nodes, wire.NodeInfoToWire(n))
	}
	return wire.EncodeBody(wire.FindNodeResult{Nodes: nodes})
}

func (e *Endpoint) findValue(ctx context.Context, from idspace.ID, body json.RawMessage) (json.RawMessage, error) {
	e.pingback(from)
	var req wire.FindValueBody
	if err := wire.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	key, err := wire.ResolveKey(e.k.config.Namespace, req.Key)
	if err != nil {
		return nil, wdhterrs.RpcError.Wrap(err)
	}

	if records := e.k.recordStore.Get(key); len(records) > 0 {
		wrecs := make([]wire.WireRecord, 0, len(records))
		for _, r := range records {
			wrecs = append(wrecs, wire.RecordToWire(r))
		}
		return wire.EncodeBody(wire.FindValueResult{Records: wrecs})
	}

	closest := e.k.routingTable.ClosestN(key, routing.K)
	nodes := make([]wire.WireNodeInfo, 0, len(closest))
	for _, n := range closest {
		nodes = append(nodes, wire.NodeInfoToWire(n))
	}
	return wire.EncodeBody(wire.FindValueResult{Nodes: nodes})
}

func (e *Endpoint) store(ctx context.Context, from idspace.ID, body json.RawMessage) (json.RawMessage, error) {
	e.pingback(from)
	var req wire.StoreBody
	if err := wire.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	rec, err := wire.RecordFromWire(e.k.config.Namespace, req.Record)
	if err != nil {
		return nil, wdhterrs.RpcError.Wrap(err)
	}
	if err := e.k.recordStore.Put(rec, false); err != nil {
		return nil, err
	}
	return wire.EncodeBody(wire.AckResult{OK: true})
}

// connect answers an inbound CONNECT, which arrives in one of two
// roles (spec.md §4.4): this node is the browser-channel target (the
// offer is handed to the browser transport to answer directly), or
// this node is being asked to relay the offer on toward a third peer
// it holds a channel to.
func (e *Endpoint) connect(ctx context.Context, from idspace.ID, body json.RawMessage) (json.RawMessage, error) {
	var req wire.ConnectBody
	if err := wire.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	target, err := idspace.FromHex(req.Target)
	if err != nil {
		return nil, wdhterrs.RpcError.Wrap(err)
	}

	if target.Equal(e.k.self) {
		if e.k.browser == nil {
			return nil, wdhterrs.TransportError.New("node cannot answer browser connects")
		}
		answer, err := e.k.browser.Answer(ctx, from, req.SDP)
		if err != nil {
			return nil, err
		}
		return wire.EncodeBody(wire.ConnectResult{SDP: answer})
	}

	answer, err := e.k.signaler.ForwardConnect(ctx, e.k.ConnectedPeer, from, target, req.SDP)
	if err != nil {
		return nil, err
	}
	return wire.EncodeBody(wire.ConnectResult{SDP: answer})
}

// ice answers an inbound ICE fragment with the same target-or-relay
// split as connect, but fire-and-forget (no reply body carries
// anything meaningful back).
func (e *Endpoint) ice(ctx context.Context, from idspace.ID, body json.RawMessage) (json.RawMessage, error) {
	var req wire.ICEBody
	if err := wire.DecodeBody(body, &req); err != nil {
		return nil, err
	}
	target, err := idspace.FromHex(req.Target)
	if err != nil {
		return nil, wdhterrs.RpcError.Wrap(err)
	}

	if target.Equal(e.k.self) {
		if e.k.browser == nil {
			return nil, wdhterrs.TransportError.New("node cannot answer browser ICE")
		}
		if err := e.k.browser.HandleICE(from, req.Candidate); err != nil {
			return nil, err
		}
		return wire.EncodeBody(wire.AckResult{OK: true})
	}

	if err := e.k.signaler.ForwardICE(ctx, e.k.ConnectedPeer, from, target, req.Candidate); err != nil {
		return nil, err
	}
	return wire.EncodeBody(wire.AckResult{OK: true})
}
