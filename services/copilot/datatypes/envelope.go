// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownPhase marks a status envelope whose phase is outside the
// closed enum. Callers drop these at the smallest scope instead of
// failing the turn.
var ErrUnknownPhase = errors.New("unknown status phase")

// =============================================================================
// Envelope Types
// =============================================================================

// EnvelopeType identifies the kind of a stream envelope.
type EnvelopeType string

const (
	// EnvelopeAck confirms the submitted user message was durably recorded
	// and carries its server-assigned id.
	EnvelopeAck EnvelopeType = "ack"

	// EnvelopeStatus carries a phase tag and a human-readable progress label.
	EnvelopeStatus EnvelopeType = "status"

	// EnvelopeDelta carries a text fragment to append to the assistant reply.
	EnvelopeDelta EnvelopeType = "delta"

	// EnvelopeDone terminates a turn with the finalized assistant message.
	EnvelopeDone EnvelopeType = "done"

	// EnvelopeError terminates a turn with a turn-scoped failure.
	EnvelopeError EnvelopeType = "error"
)

// Phase is the closed set of status phases consumed by the streaming core.
type Phase string

const (
	PhaseThinking           Phase = "thinking"
	PhaseToolStart          Phase = "tool_start"
	PhaseToolResult         Phase = "tool_result"
	PhaseSubagentStart      Phase = "subagent_start"
	PhaseSubagentToolStart  Phase = "subagent_tool_start"
	PhaseSubagentToolResult Phase = "subagent_tool_result"
	PhaseSubagentResult     Phase = "subagent_result"
	PhaseError              Phase = "error"
)

// ParsePhase maps a wire string onto the closed Phase enum.
// Unknown phases are a protocol error, not undefined behavior.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(s); p {
	case PhaseThinking, PhaseToolStart, PhaseToolResult,
		PhaseSubagentStart, PhaseSubagentToolStart,
		PhaseSubagentToolResult, PhaseSubagentResult, PhaseError:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, s)
	}
}

// IsDelegation reports whether the phase belongs to a sub-agent delegation
// and therefore carries a correlation id in its tool input.
func (p Phase) IsDelegation() bool {
	switch p {
	case PhaseSubagentStart, PhaseSubagentToolStart,
		PhaseSubagentToolResult, PhaseSubagentResult:
		return true
	}
	return false
}

// Conventional tool_input keys for delegation phases. The correlation id
// is opaque; it is scoped to a single turn and may be reused by the
// producer across turns without consequence.
const (
	ToolInputSubagentId   = "subagent_id"
	ToolInputSubagentType = "subagent_type"
	ToolInputIsError      = "is_error"
)

// =============================================================================
// Envelope Union
// =============================================================================

// Envelope is one discrete message on a session's streaming channel.
//
// # Description
//
// Envelope is a closed tagged union: exactly the payload field matching
// Type is non-nil after a successful DecodeEnvelope. A turn is the
// ordered sequence ack → status*/delta* → done, or the sequence may end
// early with error. Ordering within one turn is guaranteed by the
// transport; no ordering is guaranteed across sessions.
type Envelope struct {
	Type EnvelopeType

	Ack    *AckPayload
	Status *StatusPayload
	Delta  *DeltaPayload
	Done   *DonePayload
	Err    *ErrorPayload
}

// AckPayload confirms durable recording of the submitted user message.
type AckPayload struct {
	Session     Session `json:"session"`
	UserMessage Message `json:"user_message"`
}

// StatusPayload is a progress update for the in-flight turn.
type StatusPayload struct {
	Phase     Phase          `json:"phase"`
	Message   string         `json:"message"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// SubagentId returns the correlation id for delegation phases, if present.
func (s *StatusPayload) SubagentId() string {
	v, _ := s.ToolInput[ToolInputSubagentId].(string)
	return v
}

// SubagentType returns the sub-agent type label, if present.
func (s *StatusPayload) SubagentType() string {
	v, _ := s.ToolInput[ToolInputSubagentType].(string)
	return v
}

// IsError reports whether a result-phase status signals failure.
func (s *StatusPayload) IsError() bool {
	v, _ := s.ToolInput[ToolInputIsError].(bool)
	return v
}

// DeltaPayload is an incremental fragment of the assistant reply.
type DeltaPayload struct {
	Delta string `json:"delta"`
}

// DonePayload finalizes a turn.
type DonePayload struct {
	Session          Session `json:"session"`
	AssistantMessage Message `json:"assistant_message"`
	StopReason       *string `json:"stop_reason,omitempty"`
}

// ErrorPayload is a turn-scoped failure.
type ErrorPayload struct {
	Error string `json:"error"`
}

// wireEnvelope is the flat JSON shape shared by all envelope types.
type wireEnvelope struct {
	Type string `json:"type"`

	Session     *Session `json:"session,omitempty"`
	UserMessage *Message `json:"user_message,omitempty"`

	Phase     string         `json:"phase,omitempty"`
	Message   string         `json:"message,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	Delta string `json:"delta,omitempty"`

	AssistantMessage *Message `json:"assistant_message,omitempty"`
	StopReason       *string  `json:"stop_reason,omitempty"`

	Error string `json:"error,omitempty"`
}

// DecodeEnvelope parses one wire frame into the closed union.
//
// # Outputs
//
//   - Envelope: the decoded union on success.
//   - error: non-nil for malformed JSON, an unknown type tag, an unknown
//     status phase, or a typed envelope missing its required payload.
//     The caller decides the scope of the failure: a malformed terminal
//     envelope is fatal for the turn, an unknown-phase status is dropped
//     at the smallest scope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope frame: %w", err)
	}

	switch EnvelopeType(w.Type) {
	case EnvelopeAck:
		if w.Session == nil || w.UserMessage == nil {
			return Envelope{}, fmt.Errorf("ack envelope missing session or user_message")
		}
		return Envelope{Type: EnvelopeAck, Ack: &AckPayload{
			Session:     *w.Session,
			UserMessage: *w.UserMessage,
		}}, nil

	case EnvelopeStatus:
		phase, err := ParsePhase(w.Phase)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Type: EnvelopeStatus, Status: &StatusPayload{
			Phase:     phase,
			Message:   w.Message,
			ToolInput: w.ToolInput,
		}}, nil

	case EnvelopeDelta:
		return Envelope{Type: EnvelopeDelta, Delta: &DeltaPayload{Delta: w.Delta}}, nil

	case EnvelopeDone:
		if w.Session == nil || w.AssistantMessage == nil {
			return Envelope{}, fmt.Errorf("done envelope missing session or assistant_message")
		}
		return Envelope{Type: EnvelopeDone, Done: &DonePayload{
			Session:          *w.Session,
			AssistantMessage: *w.AssistantMessage,
			StopReason:       w.StopReason,
		}}, nil

	case EnvelopeError:
		return Envelope{Type: EnvelopeError, Err: &ErrorPayload{Error: w.Error}}, nil

	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", w.Type)
	}
}

// Encode serializes the envelope to its flat wire shape.
func (e Envelope) Encode() ([]byte, error) {
	w := wireEnvelope{Type: string(e.Type)}
	switch e.Type {
	case EnvelopeAck:
		if e.Ack == nil {
			return nil, fmt.Errorf("ack envelope without payload")
		}
		w.Session = &e.Ack.Session
		w.UserMessage = &e.Ack.UserMessage
	case EnvelopeStatus:
		if e.Status == nil {
			return nil, fmt.Errorf("status envelope without payload")
		}
		w.Phase = string(e.Status.Phase)
		w.Message = e.Status.Message
		w.ToolInput = e.Status.ToolInput
	case EnvelopeDelta:
		if e.Delta == nil {
			return nil, fmt.Errorf("delta envelope without payload")
		}
		w.Delta = e.Delta.Delta
	case EnvelopeDone:
		if e.Done == nil {
			return nil, fmt.Errorf("done envelope without payload")
		}
		w.Session = &e.Done.Session
		w.AssistantMessage = &e.Done.AssistantMessage
		w.StopReason = e.Done.StopReason
	case EnvelopeError:
		if e.Err == nil {
			return nil, fmt.Errorf("error envelope without payload")
		}
		w.Error = e.Err.Error
	default:
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return json.Marshal(w)
}

// IsTerminal reports whether the envelope ends a turn.
func (e Envelope) IsTerminal() bool {
	return e.Type == EnvelopeDone || e.Type == EnvelopeError
}

// Convenience constructors used by the server-side handler.

// NewAck builds an ack envelope.
func NewAck(session Session, userMessage Message) Envelope {
	return Envelope{Type: EnvelopeAck, Ack: &AckPayload{Session: session, UserMessage: userMessage}}
}

// NewStatus builds a status envelope.
func NewStatus(phase Phase, message string, toolInput map[string]any) Envelope {
	return Envelope{Type: EnvelopeStatus, Status: &StatusPayload{Phase: phase, Message: message, ToolInput: toolInput}}
}

// NewDelta builds a delta envelope.
func NewDelta(text string) Envelope {
	return Envelope{Type: EnvelopeDelta, Delta: &DeltaPayload{Delta: text}}
}

// NewDone builds a done envelope.
func NewDone(session Session, assistantMessage Message, stopReason *string) Envelope {
	return Envelope{Type: EnvelopeDone, Done: &DonePayload{Session: session, AssistantMessage: assistantMessage, StopReason: stopReason}}
}

// NewError builds an error envelope.
func NewError(msg string) Envelope {
	return Envelope{Type: EnvelopeError, Err: &ErrorPayload{Error: msg}}
}
