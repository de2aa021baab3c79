// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package bootstrap implements the two externally-facing steps of
// spec.md §4.7 that pkg/kademlia.Service.Bootstrap cannot do on its
// own: fetching a first channel for a browser node that starts with
// nothing but a seed URL (the native bootstrap HTTP contract, spec.md
// §6), and driving the post-seed bucket refresh sweep (step 3)
// concurrently. Service.Bootstrap itself only handles the case where
// NodeInfo seeds are already known and reachable over an existing
// Dialer; this package is what gets it there in the browser case.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/wdhterrs"
	"github.com/webdht/wdht/pkg/wire"
)

// Timeout bounds a single seed's HTTP exchange. spec.md §4.7 gives the
// whole bootstrap procedure 15s before reporting BootstrapFailed; one
// seed dial gets a fraction of that so a few dead seeds can't eat the
// whole budget.
const Timeout = 5 * time.Second

// Seed is one native bootstrap HTTP endpoint: the base URL this node
// POSTs its offer to (spec.md §6: "POST / with {id, offer}"), plus the
// operator-known node ID it's expected to answer as. The bootstrap
// response itself carries no id field (spec.md §6), so a joining node
// has no other way to learn which DHT peer it just reached.
type Seed struct {
	URL string
	ID  idspace.ID
}

// OfferFunc produces this node's local, self-contained SDP offer for a
// seed exchange (ICE gathering already complete, since no channel
// exists yet to trickle candidates over), supplied by
// pkg/transport/browserpeer so this package never needs to import the
// WebRTC stack directly.
type OfferFunc func(ctx context.Context) (sdp string, err error)

// AnswerFunc hands a seed's answer SDP back to the local PeerChannel
// that produced the offer, completing the handshake. winner identifies
// which configured Seed actually answered, so the caller can adopt the
// resulting channel under that seed's known ID.
type AnswerFunc func(ctx context.Context, winner Seed, answerSDP string) error

// FetchFirstChannel POSTs self's offer to every seed concurrently and
// applies whichever answer arrives first, per spec.md §6's "sole HTTP
// surface" contract — all further traffic moves over the channel that
// answer establishes. Returns wdhterrs.ErrAllSeedsFailed if every
// seed's exchange fails or none answer before ctx is done.
func FetchFirstChannel(ctx context.Context, log *zap.Logger, client *http.Client, seeds []Seed, self idspace.ID, offer OfferFunc, answer AnswerFunc) error {
	if len(seeds) == 0 {
		return wdhterrs.ErrAllSeedsFailed
	}

	sdp, err := offer(ctx)
	if err != nil {
		return wdhterrs.TransportError.Wrap(err)
	}

	type won struct {
		seed   Seed
		answer string
	}
	answers := make(chan won, len(seeds))
	group, gctx := errgroup.WithContext(ctx)
	for _, seed := range seeds {
		seed := seed
		group.Go(func() error {
			a, err := postOffer(gctx, client, seed.URL, self, sdp)
			if err != nil {
				log.Debug("seed bootstrap exchange failed",
					zap.String("seed", seed.URL), zap.Error(err))
				return nil
			}
			select {
			case answers <- won{seed: seed, answer: a}:
			default:
			}
			return nil
		})
	}
	// Every seed's own failure is swallowed inside the goroutine above
	// (errs.Group-style accumulation without failing the whole sweep),
	// and every goroutine returns nil, so Wait never reports an error.
	if err := group.Wait(); err != nil {
		return wdhterrs.TransportError.Wrap(err)
	}

	select {
	case w := <-answers:
		return answer(ctx, w.seed, w.answer)
	default:
		return wdhterrs.ErrAllSeedsFailed
	}
}

func postOffer(ctx context.Context, client *http.Client, url string, self idspace.ID, offerSDP string) (string, error) {
	reqBody, err := json.Marshal(wire.BootstrapRequest{ID: self.Hex(), Offer: offerSDP})
	if err != nil {
		return "", wdhterrs.ErrMalformedFrame
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", wdhterrs.TransportError.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", wdhterrs.TransportError.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", wdhterrs.TransportError.New("bootstrap seed %s returned status %d", url, resp.StatusCode)
	}

	var result wire.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", wdhterrs.ErrMalformedFrame
	}
	return result.Answer, nil
}

// BucketRefresher is the subset of *kademlia.Service that RefreshAllBuckets
// needs. Declared locally (rather than importing pkg/kademlia) to keep
// this package usable without pulling in the whole DHT service — it only
// needs two methods off it.
type BucketRefresher interface {
	RefreshBucket(ctx context.Context, bucket int) error
	BucketCount() int
}

// RefreshAllBuckets runs spec.md §4.7 step 3: a concurrent random-ID
// lookup against every bucket index, used once right after the initial
// self-lookup to populate buckets the self-lookup's convergence
// wouldn't otherwise touch. minBucket lets a caller skip the
// low-index buckets a small network-size estimate says are unlikely to
// hold anyone yet (log2(network-size-estimate), per spec.md §4.7).
func RefreshAllBuckets(ctx context.Context, svc BucketRefresher, minBucket int) error {
	group, gctx := errgroup.WithContext(ctx)
	for bucket := minBucket; bucket < svc.BucketCount(); bucket++ {
		bucket := bucket
		group.Go(func() error {
			_ = svc.RefreshBucket(gctx, bucket)
			return nil
		})
	}
	return group.Wait()
}
