// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package producer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brightquay/helmsman/services/copilot/ttl"
)

// Runtime wraps a TurnProducer with the per-session discipline the
// producer itself does not enforce: one turn at a time per session, a
// last-used timestamp per session, and idle eviction of producer state.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Two turns for the same
// session serialize on the session slot; turns for different sessions
// run fully concurrently.
type Runtime struct {
	producer TurnProducer
	clock    ttl.Clock
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]*sessionSlot
}

type sessionSlot struct {
	mu       sync.Mutex // held for the duration of a turn
	lastUsed time.Time  // guarded by Runtime.mu
}

// NewRuntime wraps producer. A nil clock uses the system clock; a nil
// logger falls back to slog.Default.
func NewRuntime(producer TurnProducer, clock ttl.Clock, logger *slog.Logger) *Runtime {
	if clock == nil {
		clock = ttl.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		producer: producer,
		clock:    clock,
		logger:   logger,
		slots:    make(map[string]*sessionSlot),
	}
}

// StreamReply runs one turn, blocking while another turn for the same
// session is in flight.
func (r *Runtime) StreamReply(ctx context.Context, sessionID, prompt string, onDelta DeltaFn, onStatus StatusFn) (ReplyResult, error) {
	slot := r.slotFor(sessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	defer r.touch(sessionID, slot)

	return r.producer.StreamReply(ctx, sessionID, prompt, onDelta, onStatus)
}

// Drop releases all state for a session, in the runtime and the
// underlying producer.
func (r *Runtime) Drop(sessionID string) {
	r.mu.Lock()
	delete(r.slots, sessionID)
	r.mu.Unlock()
	r.producer.DropSession(sessionID)
}

// ReapIdle implements ttl.Sweeper: it evicts sessions idle for longer
// than olderThan. Sessions with a turn in flight are never evicted.
func (r *Runtime) ReapIdle(olderThan time.Duration) int {
	cutoff := r.clock.Now().Add(-olderThan)

	r.mu.Lock()
	var expired []string
	for id, slot := range r.slots {
		if !slot.lastUsed.After(cutoff) && slot.mu.TryLock() {
			slot.mu.Unlock()
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.slots, id)
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.producer.DropSession(id)
		r.logger.Debug("evicted idle session", "session_id", id)
	}
	return len(expired)
}

// Shutdown drops every session.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	r.slots = make(map[string]*sessionSlot)
	r.mu.Unlock()

	for _, id := range ids {
		r.producer.DropSession(id)
	}
}

func (r *Runtime) slotFor(sessionID string) *sessionSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[sessionID]
	if !ok {
		slot = &sessionSlot{lastUsed: r.clock.Now()}
		r.slots[sessionID] = slot
	}
	return slot
}

func (r *Runtime) touch(sessionID string, slot *sessionSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// The slot may have been dropped mid-turn; only touch a live one.
	if current, ok := r.slots[sessionID]; ok && current == slot {
		slot.lastUsed = r.clock.Now()
	}
}
