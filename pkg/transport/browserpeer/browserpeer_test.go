// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package browserpeer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/transport"
	"github.com/webdht/wdht/pkg/transport/browserpeer"
)

type noopSignaler struct{}

func (noopSignaler) SendOffer(ctx context.Context, target idspace.ID, sdp string) error { return nil }
func (noopSignaler) SendICE(ctx context.Context, target idspace.ID, candidate string) error {
	return nil
}

func TestDialRejectsNativeContact(t *testing.T) {
	c := browserpeer.New(zap.NewNop(), noopSignaler{}, transport.DefaultTimeouts())
	id, err := idspace.Random()
	require.NoError(t, err)

	_, err = c.Dial(context.Background(), &routing.NodeInfo{
		ID:      id,
		Contact: routing.Contact{Kind: routing.ContactNative, Address: "127.0.0.1:1"},
	})
	assert.Error(t, err)
}

func TestHandleAnswerWithoutPendingHandshakeFails(t *testing.T) {
	c := browserpeer.New(zap.NewNop(), noopSignaler{}, transport.DefaultTimeouts())
	id, err := idspace.Random()
	require.NoError(t, err)
	err = c.HandleAnswer(id, "v=0")
	assert.Error(t, err)
}

func TestHandleICEWithoutPendingHandshakeFails(t *testing.T) {
	c := browserpeer.New(zap.NewNop(), noopSignaler{}, transport.DefaultTimeouts())
	id, err := idspace.Random()
	require.NoError(t, err)
	err = c.HandleICE(id, "candidate:1 1 UDP 1 0.0.0.0 0 typ host")
	assert.Error(t, err)
}
