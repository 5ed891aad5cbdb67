// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ttl

import (
	"log/slog"
	"sync"
	"time"
)

// Sweeper evicts state idle for longer than olderThan and reports how
// many entries went.
type Sweeper interface {
	ReapIdle(olderThan time.Duration) int
}

// Reaper periodically runs a Sweeper until stopped.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine; Stop waits for the
// sweep loop to exit and is idempotent.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	maxIdle  time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReaper creates a reaper that sweeps every interval, evicting
// entries idle longer than maxIdle. A nil logger falls back to
// slog.Default.
func NewReaper(sweeper Sweeper, interval, maxIdle time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		sweeper:  sweeper,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := r.sweeper.ReapIdle(r.maxIdle); n > 0 {
					r.logger.Info("reaped idle sessions", "count", n, "max_idle", r.maxIdle.String())
				}
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}
