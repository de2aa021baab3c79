// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle runs a function repeatedly on an interval until its context is
// cancelled or the function returns an error. The interval can be
// changed before Run starts (or, for the next tick, while it's
// running) via SetInterval.
type Cycle struct {
	mu       sync.Mutex
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewCycle returns a Cycle with the given initial interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{interval: interval, stop: make(chan struct{})}
}

// SetInterval changes the tick interval for subsequent ticks.
func (c *Cycle) SetInterval(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = interval
}

func (c *Cycle) getInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Run invokes fn once per tick until ctx is cancelled, Stop is called,
// or fn returns a non-nil error (which Run then returns).
func (c *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(c.getInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
			ticker.Reset(c.getInterval())
		}
	}
}

// Stop ends the cycle's Run loop at its next iteration check.
func (c *Cycle) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
