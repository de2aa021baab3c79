// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"encoding/base64"
	"time"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/store"
)

// ResolveKey turns a wire KeyRef into the idspace.ID it designates,
// hashing topic keys locally (spec.md §6: "the wire form for a topic
// key is hashed into a raw_id before routing").
func ResolveKey(ns string, k KeyRef) (idspace.ID, error) {
	switch k.Type {
	case KeyRefRaw:
		return idspace.FromHex(k.Key)
	case KeyRefTopic:
		return idspace.Topic(ns, k.Key), nil
	default:
		return idspace.ID{}, FrameError.New("unknown key ref type %q", k.Type)
	}
}

// NodeInfoToWire converts a routing.NodeInfo to its wire form.
func NodeInfoToWire(n *routing.NodeInfo) WireNodeInfo {
	return WireNodeInfo{
		ID:      n.ID.Hex(),
		Kind:    n.Contact.Kind.String(),
		Address: n.Contact.Address,
		Relay:   n.Contact.RelayHint,
	}
}

// NodeInfoFromWire converts a wire NodeInfo back into a routing.NodeInfo.
func NodeInfoFromWire(w WireNodeInfo) (*routing.NodeInfo, error) {
	id, err := idspace.FromHex(w.ID)
	if err != nil {
		return nil, err
	}
	kind := routing.ContactNative
	if w.Kind == "browser" {
		kind = routing.ContactBrowser
	}
	return &routing.NodeInfo{
		ID: id,
		Contact: routing.Contact{
			Kind:      kind,
			Address:   w.Address,
			RelayHint: w.Relay,
		},
	}, nil
}

// RecordToWire converts a store.Record to its base64/hex wire form.
func RecordToWire(r store.Record) WireRecord {
	return WireRecord{
		Key:        KeyRef{Type: KeyRefRaw, Key: r.Key.Hex()},
		Publisher:  r.Publisher.Hex(),
		Value:      base64.StdEncoding.EncodeToString(r.Value),
		TTLSeconds: uint32(r.TTL / time.Second),
	}
}

// RecordFromWire converts a wire Record back into a store.Record. ns is
// the namespace used to resolve topic-form keys.
func RecordFromWire(ns string, w WireRecord) (store.Record, error) {
	key, err := ResolveKey(ns, w.Key)
	if err != nil {
		return store.Record{}, err
	}
	publisher, err := idspace.FromHex(w.Publisher)
	if err != nil {
		return store.Record{}, err
	}
	value, err := base64.StdEncoding.DecodeString(w.Value)
	if err != nil {
		return store.Record{}, FrameError.Wrap(err)
	}
	return store.Record{
		Key:        key,
		Publisher:  publisher,
		Value:      value,
		InsertedAt: time.Now(),
		TTL:        time.Duration(w.TTLSeconds) * time.Second,
	}, nil
}
