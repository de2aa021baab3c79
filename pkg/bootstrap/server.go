// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/wire"
)

// AnswerServerFunc answers an inbound bootstrap offer with this node's
// SDP answer, establishing the PeerChannel a joining browser node will
// use for everything after (spec.md §6). It matches
// pkg/transport/browserpeer.Client.Answer's signature so a seed node
// can hand that method straight to NewHandler.
type AnswerServerFunc func(ctx context.Context, from idspace.ID, offerSDP string) (answerSDP string, err error)

// NewHandler builds the native bootstrap HTTP server side: POST / with
// {"id":"<hex>","offer":"<sdp>"} answers {"answer":"<sdp>"} (spec.md
// §6's "sole HTTP surface"). Any running node may mount this to also
// act as a seed for others.
func NewHandler(log *zap.Logger, answer AnswerServerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req wire.BootstrapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		from, err := idspace.FromHex(req.ID)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		sdp, err := answer(r.Context(), from, req.Offer)
		if err != nil {
			log.Debug("bootstrap offer rejected", zap.String("from", from.Hex()), zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wire.BootstrapResponse{Answer: sdp})
	})
}
