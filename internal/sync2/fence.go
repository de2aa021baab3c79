// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sync2 provides small concurrency helpers used throughout
// wdht in place of ad-hoc channels and WaitGroups: a one-shot Fence, a
// cancellable WorkGroup, and a Cycle that runs a function on a
// restartable interval.
package sync2

import "sync"

// Fence is a one-shot gate: Release opens it, Wait blocks until it's
// open. Safe to call Release multiple times or from multiple
// goroutines; only the first has any effect.
type Fence struct {
	once sync.Once
	done chan struct{}
	init sync.Once
}

func (f *Fence) ensure() {
	f.init.Do(func() { f.done = make(chan struct{}) })
}

// Release opens the fence, waking every current and future Wait call.
func (f *Fence) Release() {
	f.ensure()
	f.once.Do(func() { close(f.done) })
}

// Wait blocks until Release has been called.
func (f *Fence) Wait() {
	f.ensure()
	<-f.done
}
