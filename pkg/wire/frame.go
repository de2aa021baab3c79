// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package wire defines the JSON wire frame exchanged over every
// Channel, native or browser alike (spec.md §6): one envelope shape
// carrying a typed body, encoded/decoded the same way regardless of
// which Transport moves the bytes.
package wire

import (
	"encoding/json"

	"github.com/zeebo/errs"
)

// MaxFrameSize is the largest single encoded frame a Channel will
// accept before treating it as malformed (spec.md §5).
const MaxFrameSize = 64 * 1024

// FrameError is the class for malformed or oversize frames.
var FrameError = errs.Class("frame error")

// Kind discriminates a request frame from its response.
type Kind string

// Frame kinds.
const (
	KindRequest  Kind = "req"
	KindResponse Kind = "res"
)

// MessageType is the body discriminator carried inside a frame
// (spec.md §4.3's RPC set, plus the signaling CONNECT/ICE pair).
type MessageType string

// Message types.
const (
	TypePing      MessageType = "PING"
	TypeFindNode  MessageType = "FIND_NODE"
	TypeFindValue MessageType = "FIND_VALUE"
	TypeStore     MessageType = "STORE"
	TypeConnect   MessageType = "CONNECT"
	TypeICE       MessageType = "ICE"
	TypeAck       MessageType = "ACK"
	TypeError     MessageType = "ERROR"
)

// Frame is the envelope every wire message is wrapped in:
// {"id": <u64>, "kind": "req"|"res", "body": {...}}.
type Frame struct {
	ID   uint64          `json:"id"`
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Encode marshals f to its JSON wire form and enforces the frame size
// cap before returning it.
func Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, FrameError.Wrap(err)
	}
	if len(b) > MaxFrameSize {
		return nil, FrameError.New("encoded frame exceeds %d bytes", MaxFrameSize)
	}
	return b, nil
}

// Decode parses a JSON wire frame, rejecting anything over the frame
// size cap before even attempting to unmarshal it.
func Decode(b []byte) (Frame, error) {
	if len(b) > MaxFrameSize {
		return Frame{}, FrameError.New("frame exceeds %d bytes", MaxFrameSize)
	}
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, FrameError.Wrap(err)
	}
	if f.Kind != KindRequest && f.Kind != KindResponse {
		return Frame{}, FrameError.New("unknown frame kind %q", f.Kind)
	}
	return f, nil
}

// typedBody matches the "type" field every request body carries, so the
// discriminator can be peeked before the rest of the body is unmarshaled
// into its specific shape.
type typedBody struct {
	Type MessageType `json:"type"`
}

// PeekType extracts the "type" discriminator from a request frame's
// body without fully decoding it, so the receiving Endpoint can
// dispatch to the right handler.
func PeekType(body json.RawMessage) (MessageType, error) {
	var t typedBody
	if err := json.Unmarshal(body, &t); err != nil {
		return "", FrameError.Wrap(err)
	}
	if t.Type == "" {
		return "", FrameError.New("body missing type discriminator")
	}
	return t.Type, nil
}

// EncodeBody marshals a typed request/response body to json.RawMessage
// for embedding into a Frame.
func EncodeBody(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, FrameError.Wrap(err)
	}
	return json.RawMessage(b), nil
}

// DecodeBody unmarshals a frame's body into v.
func DecodeBody(body json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return FrameError.Wrap(err)
	}
	return nil
}
