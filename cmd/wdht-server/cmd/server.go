// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/webdht/wdht/pkg/bootstrap"
	"github.com/webdht/wdht/pkg/idspace"
	"github.com/webdht/wdht/pkg/kademlia"
	"github.com/webdht/wdht/pkg/rpc"
	"github.com/webdht/wdht/pkg/routing"
	"github.com/webdht/wdht/pkg/signaling"
	"github.com/webdht/wdht/pkg/store"
	"github.com/webdht/wdht/pkg/transport"
	"github.com/webdht/wdht/pkg/transport/browserpeer"
	"github.com/webdht/wdht/pkg/transport/multiplex"
	"github.com/webdht/wdht/pkg/transport/native"
	"github.com/webdht/wdht/pkg/config"
)

// Exit codes, per spec.md §6: 0 on clean shutdown, 1 on bind failure,
// 2 on config error.
const (
	exitBindFailure = 1
	exitConfigError = 2
)

// exitError lets runServer report which of spec.md §6's two non-zero
// exit codes applies, rather than cobra's blanket exit(1) for any
// RunE error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode returns the process exit code err implies: 0 for nil, the
// code an exitError carries, or 1 for any other failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func runServer(cmd *cobra.Command, args []string) error {
	config.Load(viperInstance, cfg)

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return &exitError{code: exitConfigError, err: err}
	}

	nativeSeeds, httpSeeds, err := parseSeeds(cfg.BootstrapSeeds)
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	log, err := zapCfg.Build()
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	defer func() { _ = log.Sync() }()

	self, err := idspace.Random()
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	log.Info("starting node", zap.String("id", self.Hex()), zap.String("bind", cfg.Bind))

	listener, err := native.Listen(cfg.Bind, cfg.RPCTimeout)
	if err != nil {
		return &exitError{code: exitBindFailure, err: err}
	}
	defer func() { _ = listener.Close() }()

	multi := multiplex.New(native.NewClient(self), nil)
	dialer := rpc.NewDialer(log.Named("rpc"), multi, cfg.RPCTimeout)
	rt := routing.New(self, kademlia.PingFunc(dialer))
	rs := store.New()
	signaler := signaling.New(log.Named("signaling"), self, dialer, nil)
	browser := browserpeer.New(log.Named("browserpeer"), signaler, transport.DefaultTimeouts())
	multi.SetBrowser(browser)

	var httpSrv *http.Server
	if cfg.BootstrapHTTPBind != "" {
		httpSrv = &http.Server{
			Addr:    cfg.BootstrapHTTPBind,
			Handler: bootstrap.NewHandler(log.Named("bootstrap"), browser.AnswerBootstrap),
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("bootstrap http server failed", zap.Error(err))
			}
		}()
		defer func() { _ = httpSrv.Close() }()
	}

	k := kademlia.New(log.Named("kademlia"), self, kademlia.Config{
		Namespace:         cfg.Namespace,
		BootstrapNodes:    nativeSeeds,
		RefreshInterval:   cfg.RefreshInterval,
		RepublishInterval: cfg.RepublishInterval,
		GCInterval:        cfg.GCInterval,
	}, rt, rs, dialer, signaler, browser)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go adoptAccepted(ctx, k, listener.Accept())
	go adoptAccepted(ctx, k, browser.Accept())

	if len(nativeSeeds) > 0 {
		if err := k.Bootstrap(ctx); err != nil {
			log.Warn("native bootstrap did not find any peers", zap.Error(err))
		}
	} else if len(httpSeeds) > 0 {
		if err := bootstrapViaHTTP(ctx, log, self, httpSeeds, browser, k); err != nil {
			log.Warn("http bootstrap failed", zap.Error(err))
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- k.Run(ctx) }()

	<-ctx.Done()
	log.Info("shutting down")

	var shutdownErr error
	shutdownErr = multierr.Append(shutdownErr, k.Close())
	<-runErr

	return shutdownErr
}

// adoptAccepted routes every inbound channel through k.AdoptChannel so
// it's registered for RPC reuse and OnConnection observers are
// notified, until ctx is cancelled or the accept channel closes.
func adoptAccepted(ctx context.Context, k *kademlia.Service, accepted <-chan transport.Channel) {
	for {
		select {
		case ch, ok := <-accepted:
			if !ok {
				return
			}
			k.AdoptChannel(ch)
		case <-ctx.Done():
			return
		}
	}
}

// bootstrapViaHTTP drives the browser-node path of spec.md §4.7/§6:
// a self-contained offer is POSTed to every configured HTTP seed, the
// first answer establishes a channel, and that channel is adopted
// under the answering seed's known ID before a refresh sweep over every
// bucket runs over it in place of a self-lookup.
func bootstrapViaHTTP(ctx context.Context, log *zap.Logger, self idspace.ID, seeds []bootstrap.Seed, browser *browserpeer.Client, k *kademlia.Service) error {
	var completeHandshake func(ctx context.Context, remote idspace.ID, answerSDP string) (transport.Channel, error)

	offer := func(ctx context.Context) (string, error) {
		sdp, complete, err := browser.OfferTo(ctx)
		completeHandshake = complete
		return sdp, err
	}
	answer := func(ctx context.Context, winner bootstrap.Seed, answerSDP string) error {
		ch, err := completeHandshake(ctx, winner.ID, answerSDP)
		if err != nil {
			return err
		}
		k.AdoptChannel(ch)
		k.Seen(&routing.NodeInfo{ID: winner.ID, Contact: routing.Contact{Kind: routing.ContactBrowser}})
		return nil
	}

	if err := bootstrap.FetchFirstChannel(ctx, log, http.DefaultClient, seeds, self, offer, answer); err != nil {
		return err
	}

	// k.Bootstrap requires BootstrapNodes known at construction time, which
	// an HTTP-only seed list leaves empty; RefreshAllBuckets over the whole
	// ID space plays the same role a self-lookup would once the one peer
	// Seen above is in the routing table.
	return bootstrap.RefreshAllBuckets(ctx, k, 0)
}

// parseSeeds splits cfg.BootstrapSeeds into native NodeInfo seeds and
// HTTP bootstrap seeds. Every entry is "<hex-id>@<target>", where
// target is either a dialable host:port (native) or an http(s):// URL
// (the joining node's only way to learn that peer's ID, since the
// bootstrap HTTP response itself carries none — spec.md §6).
func parseSeeds(raw []string) (nativeSeeds []*routing.NodeInfo, httpSeeds []bootstrap.Seed, err error) {
	for _, entry := range raw {
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			return nil, nil, errors.New("bootstrap seed must be of the form <hex-id>@<target>: " + entry)
		}
		id, err := idspace.FromHex(parts[0])
		if err != nil {
			return nil, nil, err
		}
		target := parts[1]
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			httpSeeds = append(httpSeeds, bootstrap.Seed{URL: target, ID: id})
			continue
		}
		nativeSeeds = append(nativeSeeds, &routing.NodeInfo{ID: id, Contact: routing.Contact{Kind: routing.ContactNative, Address: target}})
	}
	return nativeSeeds, httpSeeds, nil
}
