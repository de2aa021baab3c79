// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testcontext provides a context.Context bound to a test's
// lifetime, plus the small bookkeeping around it that shows up in
// almost every concurrent test: goroutines to wait for on exit, and
// cleanup errors that should fail the test instead of being dropped
// on the floor by a bare defer.
package testcontext

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Context is a context.Context that a test can also use to track
// background goroutines (Go) and deferred cleanup (Check), and that
// cancels itself automatically once the test exits.
type Context struct {
	context.Context
	cancel context.CancelFunc

	t  testing.TB
	wg sync.WaitGroup
}

// New returns a Context derived from context.Background, cancelled
// automatically when t's test completes.
func New(t testing.TB) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	tc := &Context{Context: ctx, cancel: cancel, t: t}
	t.Cleanup(tc.cancel)
	return tc
}

// WithTimeout returns a Context derived from context.Background that
// is also cancelled if timeout elapses before Cleanup runs.
func WithTimeout(t testing.TB, timeout time.Duration) *Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	tc := &Context{Context: ctx, cancel: cancel, t: t}
	t.Cleanup(tc.cancel)
	return tc
}

// Go runs fn in its own goroutine, tracked so Cleanup can wait for it
// to return before the test exits. Any error fn returns fails the
// test.
func (ctx *Context) Go(fn func() error) {
	ctx.wg.Add(1)
	go func() {
		defer ctx.wg.Done()
		if err := fn(); err != nil {
			ctx.t.Error(err)
		}
	}()
}

// Check calls each fn and fails the test for any non-nil error.
// Intended for deferred cleanup: defer ctx.Check(server.Close).
func (ctx *Context) Check(fns ...func() error) {
	for _, fn := range fns {
		if err := fn(); err != nil {
			ctx.t.Error(err)
		}
	}
}

// Cleanup cancels the context and waits for every goroutine started
// with Go to return. Safe to call multiple times.
func (ctx *Context) Cleanup() {
	ctx.cancel()
	ctx.wg.Wait()
}
