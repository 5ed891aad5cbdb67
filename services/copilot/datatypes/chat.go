// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the copilot service.
//
// This file contains the durable chat data model (sessions, messages,
// finalized tool-call records) and the submission request that opens a
// streaming turn. For the wire envelope format see envelope.go, and for
// the live transcript types see segment.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single submitted message.
	// Checked in bytes, not runes, to bound memory for a single turn.
	MaxMessageContentBytes = 12 * 1024 // 12KB

	// MaxSessionTitleBytes is the maximum size of a session title.
	MaxSessionTitleBytes = 240

	// MaxToolInputPairs is the number of key/value pairs retained when a
	// tool input map is snapshotted into a persisted ToolCallEntry.
	MaxToolInputPairs = 5
)

// RoleUser and RoleAssistant are the only message roles this core persists.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
// Byte length is used (not rune count) so multi-byte content cannot
// exceed the memory bound.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Durable Model
// =============================================================================

// Session is a durable conversation identity.
//
// # Description
//
// The copilot core only needs the id to key its per-session state; title
// and timestamps exist for listing in the dashboard and the CLI. Sessions
// are owned by the persistence layer.
type Session struct {
	Id        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one exchange unit in a session.
//
// # Description
//
// Server-assigned ids are positive. Negative ids are reserved for
// client-fabricated optimistic placeholders that exist only until the
// server confirms the turn (see the registry package). Content is mutable
// only while a turn is streaming into the message; a finalized assistant
// message is never persisted with empty content.
//
// # Fields
//
//   - ToolCalls: finalized tool/delegation records for the turn that
//     produced this assistant message. Nil for user messages and for
//     assistant turns that used no tools.
type Message struct {
	Id        int64           `json:"id"`
	SessionId string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	ToolCalls []ToolCallEntry `json:"tool_calls,omitempty"`
}

// IsOptimistic reports whether the message is a client-fabricated
// placeholder awaiting server confirmation.
func (m *Message) IsOptimistic() bool {
	return m.Id < 0
}

// ToolCallEntry is the persisted record of one tool invocation or
// sub-agent delegation, produced by collapsing the live segment sequence
// when a turn completes.
//
// Nesting is exactly one level deep: only delegation entries carry a
// non-empty Nested list, and nested entries never carry one themselves.
type ToolCallEntry struct {
	Phase     string          `json:"phase"`
	Message   string          `json:"message"`
	ToolInput map[string]any  `json:"tool_input,omitempty"`
	Nested    []ToolCallEntry `json:"nested,omitempty"`
}

// =============================================================================
// Requests
// =============================================================================

// ChatSendRequest is the submission that opens a streaming turn.
//
// # Description
//
// Sent by the client as the first frame on the session's stream channel.
// Content is required and capped at MaxMessageContentBytes. The remaining
// fields are session-scoped rendering context forwarded to the turn
// producer verbatim; the streaming core does not interpret them.
type ChatSendRequest struct {
	Content         string `json:"content" validate:"required,maxbytes"`
	AccountKind     string `json:"account_kind,omitempty" validate:"omitempty,oneof=all invest stocks_isa"`
	DisplayCurrency string `json:"display_currency,omitempty" validate:"omitempty,oneof=GBP USD"`
	RedactValues    bool   `json:"redact_values,omitempty"`
}

// Validate checks the request against its declared constraints.
func (r *ChatSendRequest) Validate() error {
	return chatValidate.Struct(r)
}

// SessionCreateRequest creates a new named session.
type SessionCreateRequest struct {
	Title string `json:"title" validate:"omitempty,max=240"`
}

// Validate checks the request against its declared constraints.
func (r *SessionCreateRequest) Validate() error {
	return chatValidate.Struct(r)
}
