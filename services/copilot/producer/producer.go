// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package producer generates assistant turns. A TurnProducer streams one
// reply as delta and status callbacks; the Runtime wraps a producer with
// per-session serialization and idle expiry of conversation state.
package producer

import (
	"context"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// DeltaFn receives one incremental fragment of the assistant reply.
type DeltaFn func(text string)

// StatusFn receives one progress event for the in-flight turn.
type StatusFn func(phase datatypes.Phase, message string, toolInput map[string]any)

// ReplyResult is the finalized outcome of one produced turn.
type ReplyResult struct {
	// Content is the full assistant reply, equal to the concatenation of
	// every delta emitted for the turn.
	Content string

	// StopReason, when known, records why generation ended.
	StopReason *string
}

// TurnProducer streams one assistant turn for a session.
//
// StreamReply blocks until the turn completes, emitting callbacks in
// event order from a single goroutine. A non-nil error means the turn
// failed; any deltas already emitted are the partial reply. Producers
// keep per-session conversation state, released via DropSession.
type TurnProducer interface {
	StreamReply(ctx context.Context, sessionID, prompt string, onDelta DeltaFn, onStatus StatusFn) (ReplyResult, error)
	DropSession(sessionID string)
}
