// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream owns the client side of a session's streaming channel:
// one Handle per in-flight turn, a Transport abstraction over the
// physical channel, and the websocket implementation of it.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// ErrNotIdle is returned when Start is called on a handle that already
// ran or is running. Handles are single-use; turn serialization per
// session is the registry's job.
var ErrNotIdle = errors.New("stream handle is not idle")

// State is the lifecycle state of a Handle.
type State int32

const (
	// StateIdle: no turn in flight (initial and terminal state).
	StateIdle State = iota
	// StateOpening: channel handshake in progress, ack not yet seen.
	StateOpening
	// StateStreaming: ack received, envelopes flowing.
	StateStreaming
)

// Transport is one ordered duplex channel for one session's turn.
//
// ReadEnvelope blocks until the next envelope arrives; it is the only
// suspension point in the streaming core and must return promptly with
// an error once Close is called from another goroutine.
type Transport interface {
	ReadEnvelope() (datatypes.Envelope, error)
	Close() error
}

// Opener performs the channel handshake: it opens the transport for a
// session and submits the user's message as the first frame.
type Opener interface {
	Open(ctx context.Context, sessionID string, req datatypes.ChatSendRequest) (Transport, error)
}

// Sink receives the demultiplexed envelope callbacks for one turn, in
// envelope order, from a single goroutine.
type Sink interface {
	OnAck(ack datatypes.AckPayload)
	OnStatus(status datatypes.StatusPayload)
	OnDelta(text string)
	OnDone(done datatypes.DonePayload)

	// OnTurnError reports a turn-scoped failure. It is never invoked for
	// an intentionally cancelled turn: aborts are silent by contract.
	OnTurnError(errText string)
}

// Handle owns one physical channel for one session's turn.
//
// # Description
//
// State machine: Idle → (Start) → Opening → (ack) → Streaming →
// (done/error envelope) → Idle, after which the handle is spent.
// Cancel is valid from Opening or Streaming, forces an immediate return
// to Idle, closes the transport without waiting for a terminal envelope,
// and suppresses all further sink callbacks.
//
// # Thread Safety
//
// Start must be called once. Cancel is idempotent and safe to call from
// any goroutine at any time. All sink callbacks are issued from the
// handle's single reader goroutine.
type Handle struct {
	sessionID string
	sink      Sink
	logger    *slog.Logger

	state     atomic.Int32
	cancelled atomic.Bool

	mu        sync.Mutex
	transport Transport
	cancelCtx context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

// NewHandle creates an idle handle for one turn on the given session.
func NewHandle(sessionID string, sink Sink, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{
		sessionID: sessionID,
		sink:      sink,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done is closed when the turn has fully terminated (terminal envelope,
// transport failure, or cancellation) and the slot is free again.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start opens the channel and begins consuming envelopes on a dedicated
// goroutine.
//
// # Outputs
//
//   - error: ErrNotIdle if the handle was already started; otherwise the
//     handshake error, returned synchronously so the caller can run its
//     own failure path before any envelope was observed. A handshake
//     aborted by Cancel returns nil with no callbacks.
func (h *Handle) Start(ctx context.Context, opener Opener, req datatypes.ChatSendRequest) error {
	if !h.state.CompareAndSwap(int32(StateIdle), int32(StateOpening)) {
		return ErrNotIdle
	}

	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancelCtx = cancel
	h.mu.Unlock()

	transport, err := opener.Open(ctx, h.sessionID, req)
	if err != nil {
		h.finish()
		if h.cancelled.Load() {
			return nil
		}
		return fmt.Errorf("opening stream for session %s: %w", h.sessionID, err)
	}

	h.mu.Lock()
	if h.cancelled.Load() {
		// Cancel raced the handshake; drop the channel silently.
		h.mu.Unlock()
		_ = transport.Close()
		h.finish()
		return nil
	}
	h.transport = transport
	h.mu.Unlock()

	go h.run(transport)
	return nil
}

// Cancel aborts the turn: the transport closes immediately, the session
// slot frees, and no error callback fires. Safe to call repeatedly and
// from states where nothing is in flight.
func (h *Handle) Cancel() {
	if h.cancelled.Swap(true) {
		return
	}
	h.mu.Lock()
	transport := h.transport
	cancel := h.cancelCtx
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		_ = transport.Close()
	}
}

// run is the per-session actor: the single goroutine consuming this
// turn's envelopes in order.
func (h *Handle) run(transport Transport) {
	defer h.finish()
	defer func() { _ = transport.Close() }()

	for {
		env, err := transport.ReadEnvelope()
		if err != nil {
			if h.cancelled.Load() {
				h.logger.Debug("turn cancelled, closing stream", "session_id", h.sessionID)
				return
			}
			h.sink.OnTurnError(fmt.Sprintf("stream closed before completion: %v", err))
			return
		}
		if h.cancelled.Load() {
			h.logger.Debug("turn cancelled, dropping remaining envelopes", "session_id", h.sessionID)
			return
		}

		switch env.Type {
		case datatypes.EnvelopeAck:
			h.state.Store(int32(StateStreaming))
			h.sink.OnAck(*env.Ack)
		case datatypes.EnvelopeStatus:
			h.sink.OnStatus(*env.Status)
		case datatypes.EnvelopeDelta:
			h.sink.OnDelta(env.Delta.Delta)
		case datatypes.EnvelopeDone:
			h.sink.OnDone(*env.Done)
			return
		case datatypes.EnvelopeError:
			h.sink.OnTurnError(env.Err.Error)
			return
		}
	}
}

func (h *Handle) finish() {
	h.state.Store(int32(StateIdle))
	h.doneOnce.Do(func() { close(h.done) })
}
