// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package sync2 provides a controllable recurring event for chores.
package sync2

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
)

// Cycle implements a recurring event. The callback runs once immediately and
// then on every tick until the context is canceled or Stop is called.
type Cycle struct {
	interval time.Duration

	init sync.Once
	stop chan struct{}
}

// NewCycle creates a cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{interval: interval}
}

// SetInterval changes the interval. It must be called before Run.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

// Interval returns the configured interval.
func (cycle *Cycle) Interval() time.Duration { return cycle.interval }

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.stop = make(chan struct{})
	})
}

// Run executes fn immediately and then every interval until ctx is canceled
// or Stop is called. A non-nil error from fn terminates the loop. The
// interval must be positive.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()

	if cycle.interval <= 0 {
		return errs.New("cycle interval must be positive, got %v", cycle.interval)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(cycle.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cycle.stop:
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// Stop terminates a running cycle. It is safe to call multiple times.
func (cycle *Cycle) Stop() {
	cycle.initialize()
	select {
	case <-cycle.stop:
	default:
		close(cycle.stop)
	}
}

// Close stops the cycle and releases its resources.
func (cycle *Cycle) Close() { cycle.Stop() }
