// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry holds per-session client state for the copilot chat:
// the message list, the live segment sequence of the in-flight turn, and
// the reconciliation of optimistic placeholders against server-confirmed
// messages.
//
// The registry is the only mutable state a consumer (UI or otherwise)
// reads. Entries are created lazily on first access and live for the
// process lifetime, so a backgrounded session keeps streaming correctly;
// they are removed only on explicit session deletion or registry close,
// both of which cancel any open stream handle first.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
	"github.com/brightquay/helmsman/services/copilot/stream"
	"github.com/brightquay/helmsman/services/copilot/transcript"
)

// ErrTurnInFlight is returned by Submit while the session is already
// sending. Turns are serialized per session; there is no pipelining.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

// ErrClosed is returned by Submit after the registry has been shut down.
var ErrClosed = errors.New("session registry is closed")

// thinkingSeedLabel is what a consumer renders between submission and the
// first server status.
const thinkingSeedLabel = "Thinking..."

// SessionState is a point-in-time deep copy of one session's state,
// safe to render while the turn keeps streaming.
type SessionState struct {
	SessionId          string
	Messages           []datatypes.Message
	Segments           []datatypes.Segment
	Sending            bool
	StreamingMessageId int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithOnChange installs a notification hook invoked (on the streaming
// goroutine, after the mutation) whenever a session's state changed.
// The hook must not block; UIs typically post a repaint message.
func WithOnChange(fn func(sessionID string)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// Registry is the session registry and reconciliation layer.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Entries for different
// sessions are fully independent: each in-flight turn mutates its own
// entry from its handle's single reader goroutine, so two sessions
// streaming concurrently never contend beyond the map lookup.
type Registry struct {
	opener   stream.Opener
	logger   *slog.Logger
	onChange func(sessionID string)

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	optimisticIds atomic.Int64
}

// New creates an empty registry that opens turn streams via opener.
func New(opener stream.Opener, opts ...Option) *Registry {
	r := &Registry{
		opener:  opener,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit starts a turn for the session: fabricates the optimistic user
// and assistant messages, seeds the live transcript with a thinking
// placeholder, and opens the stream handle.
//
// # Outputs
//
//   - error: ErrTurnInFlight if the session is already sending (rejected
//     before any transport activity), ErrClosed after shutdown. Transport
//     and turn failures are not returned here: they resolve through the
//     entry's error path into a visibly failed assistant message, so
//     consumers never need an exception path around streaming.
func (r *Registry) Submit(ctx context.Context, sessionID string, req datatypes.ChatSendRequest) error {
	e, err := r.entryFor(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sending {
		e.mu.Unlock()
		return ErrTurnInFlight
	}

	now := time.Now()
	userId := r.nextOptimisticId()
	assistantId := r.nextOptimisticId()
	e.messages = append(e.messages,
		datatypes.Message{Id: userId, SessionId: sessionID, Role: datatypes.RoleUser, Content: req.Content, CreatedAt: now},
		datatypes.Message{Id: assistantId, SessionId: sessionID, Role: datatypes.RoleAssistant, CreatedAt: now},
	)
	e.agg = transcript.NewAggregator(r.logger)
	e.agg.SeedThinking(thinkingSeedLabel)
	e.sending = true
	e.streamingId = assistantId
	e.pendingUserId = userId
	e.pendingContent = req.Content

	handle := stream.NewHandle(sessionID, e, r.logger)
	e.handle = handle
	e.mu.Unlock()
	r.notify(sessionID)

	if err := handle.Start(ctx, r.opener, req); err != nil {
		// Handshake failed before a single envelope: same turn-scoped
		// error path as a mid-stream failure.
		r.logger.Error("stream handshake failed", "session_id", sessionID, "error", err)
		e.OnTurnError(err.Error())
	}
	return nil
}

// Snapshot returns a deep copy of the session's current state.
func (r *Registry) Snapshot(sessionID string) SessionState {
	e, err := r.entryFor(sessionID)
	if err != nil {
		return SessionState{SessionId: sessionID}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	state := SessionState{
		SessionId:          sessionID,
		Messages:           append([]datatypes.Message(nil), e.messages...),
		Sending:            e.sending,
		StreamingMessageId: e.streamingId,
	}
	if e.agg != nil {
		state.Segments = e.agg.Snapshot()
	}
	return state
}

// LoadHistory installs persisted messages for a session. While a turn is
// in flight for that session this is a no-op: there is no safe
// interleaving of a history load with live streaming state.
func (r *Registry) LoadHistory(sessionID string, messages []datatypes.Message) {
	e, err := r.entryFor(sessionID)
	if err != nil {
		return
	}
	e.mu.Lock()
	if e.sending {
		e.mu.Unlock()
		r.logger.Debug("history load suppressed while turn in flight", "session_id", sessionID)
		return
	}
	e.messages = append([]datatypes.Message(nil), messages...)
	e.mu.Unlock()
	r.notify(sessionID)
}

// CancelTurn aborts the session's in-flight turn, if any. The abort is
// silent: no error-marked assistant message is produced, and the session
// accepts a new Submit immediately. The optimistic assistant placeholder
// is dropped (it must never persist with empty content); the optimistic
// user message stays.
func (r *Registry) CancelTurn(sessionID string) {
	r.mu.Lock()
	e := r.entries[sessionID]
	r.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	handle := e.handle
	if e.sending {
		e.removeMessageLocked(e.streamingId)
		e.resetTurnLocked()
	}
	e.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	r.notify(sessionID)
}

// DeleteSession cancels any in-flight turn and drops the entry.
func (r *Registry) DeleteSession(sessionID string) {
	r.CancelTurn(sessionID)
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// Close cancels every open handle across all sessions and rejects
// further submissions. No handle is leaked with an open transport.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.CancelTurn(id)
	}
}

func (r *Registry) entryFor(sessionID string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	e, ok := r.entries[sessionID]
	if !ok {
		e = &entry{sessionID: sessionID, reg: r}
		r.entries[sessionID] = e
	}
	return e, nil
}

// nextOptimisticId returns a process-unique negative id for a
// client-fabricated placeholder message.
func (r *Registry) nextOptimisticId() int64 {
	return -r.optimisticIds.Add(1)
}

func (r *Registry) notify(sessionID string) {
	if r.onChange != nil {
		r.onChange(sessionID)
	}
}

// =============================================================================
// Per-Session Entry
// =============================================================================

// entry is one session's mutable state. It doubles as the stream.Sink
// for that session's in-flight handle: all envelope callbacks arrive in
// order from the handle's single reader goroutine.
type entry struct {
	sessionID string
	reg       *Registry

	mu             sync.Mutex
	messages       []datatypes.Message
	agg            *transcript.Aggregator
	sending        bool
	streamingId    int64
	pendingUserId  int64
	pendingContent string
	handle         *stream.Handle
}

// OnAck replaces the fabricated user message with the server-confirmed
// one, in place. The content must match what was sent; a mismatch is a
// logic error that is surfaced loudly, never silently corrected.
func (e *entry) OnAck(ack datatypes.AckPayload) {
	e.mu.Lock()
	if !e.sending {
		e.mu.Unlock()
		return
	}
	if ack.UserMessage.Content != e.pendingContent {
		e.reg.logger.Error("ack content does not match submitted message",
			"session_id", e.sessionID,
			"submitted_len", len(e.pendingContent),
			"acked_len", len(ack.UserMessage.Content))
	}
	e.replaceMessageLocked(e.pendingUserId, ack.UserMessage)
	e.mu.Unlock()
	e.reg.notify(e.sessionID)
}

// OnStatus folds a status into the live segment sequence. Committed
// messages are untouched: in-flight rendering reads the segments.
func (e *entry) OnStatus(status datatypes.StatusPayload) {
	e.mu.Lock()
	if e.sending && e.agg != nil {
		e.agg.ApplyStatus(status.Phase, status.Message, status.ToolInput)
	}
	e.mu.Unlock()
	e.reg.notify(e.sessionID)
}

// OnDelta folds a text fragment into the live segment sequence.
func (e *entry) OnDelta(text string) {
	e.mu.Lock()
	if e.sending && e.agg != nil {
		e.agg.ApplyDelta(text)
	}
	e.mu.Unlock()
	e.reg.notify(e.sessionID)
}

// OnDone swaps the fabricated assistant message for the server-confirmed
// final one, clears the live segments, and frees the sending slot.
func (e *entry) OnDone(done datatypes.DonePayload) {
	e.mu.Lock()
	if !e.sending {
		e.mu.Unlock()
		return
	}
	e.replaceMessageLocked(e.streamingId, done.AssistantMessage)
	e.resetTurnLocked()
	e.mu.Unlock()
	e.reg.notify(e.sessionID)
}

// OnTurnError keeps the fabricated assistant message but overwrites its
// content with a clearly marked failure, leaving the conversation
// consistent and immediately continuable.
func (e *entry) OnTurnError(errText string) {
	e.mu.Lock()
	if !e.sending {
		e.mu.Unlock()
		return
	}
	for i := range e.messages {
		if e.messages[i].Id == e.streamingId {
			e.messages[i].Content = fmt.Sprintf("The assistant hit a snag: %s", errText)
			break
		}
	}
	e.resetTurnLocked()
	e.mu.Unlock()
	e.reg.logger.Warn("turn failed", "session_id", e.sessionID, "error", errText)
	e.reg.notify(e.sessionID)
}

// replaceMessageLocked swaps one message in place by id: list length and
// ordering never change during reconciliation, only the one entry.
func (e *entry) replaceMessageLocked(id int64, replacement datatypes.Message) {
	for i := range e.messages {
		if e.messages[i].Id == id {
			e.messages[i] = replacement
			return
		}
	}
	e.reg.logger.Error("reconciliation target not found", "session_id", e.sessionID, "message_id", id)
}

func (e *entry) removeMessageLocked(id int64) {
	for i := range e.messages {
		if e.messages[i].Id == id {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			return
		}
	}
}

func (e *entry) resetTurnLocked() {
	e.sending = false
	e.streamingId = 0
	e.pendingUserId = 0
	e.pendingContent = ""
	e.agg = nil
	e.handle = nil
}
