// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeEnvelope_Ack(t *testing.T) {
	raw := `{"type":"ack","session":{"id":"s1","title":"Portfolio Chat"},"user_message":{"id":42,"session_id":"s1","role":"user","content":"Hi"}}`

	env, err := DecodeEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Type != EnvelopeAck {
		t.Fatalf("Type = %q, want ack", env.Type)
	}
	if env.Ack == nil {
		t.Fatal("Ack payload is nil")
	}
	if env.Ack.UserMessage.Id != 42 {
		t.Errorf("UserMessage.Id = %d, want 42", env.Ack.UserMessage.Id)
	}
	if env.Ack.Session.Id != "s1" {
		t.Errorf("Session.Id = %q, want s1", env.Ack.Session.Id)
	}
}

func TestDecodeEnvelope_StatusPhases(t *testing.T) {
	t.Run("known phase with tool input", func(t *testing.T) {
		raw := `{"type":"status","phase":"subagent_start","message":"Delegating to researcher","tool_input":{"subagent_id":"Z","subagent_type":"researcher"}}`

		env, err := DecodeEnvelope([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeEnvelope failed: %v", err)
		}
		if env.Status.Phase != PhaseSubagentStart {
			t.Errorf("Phase = %q, want subagent_start", env.Status.Phase)
		}
		if got := env.Status.SubagentId(); got != "Z" {
			t.Errorf("SubagentId() = %q, want Z", got)
		}
		if got := env.Status.SubagentType(); got != "researcher" {
			t.Errorf("SubagentType() = %q, want researcher", got)
		}
	})

	t.Run("unknown phase is rejected", func(t *testing.T) {
		raw := `{"type":"status","phase":"daydreaming","message":"..."}`
		if _, err := DecodeEnvelope([]byte(raw)); err == nil {
			t.Fatal("expected error for unknown phase")
		}
	})

	t.Run("is_error convention", func(t *testing.T) {
		raw := `{"type":"status","phase":"subagent_result","message":"researcher — hit a snag","tool_input":{"subagent_id":"Z","is_error":true}}`
		env, err := DecodeEnvelope([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeEnvelope failed: %v", err)
		}
		if !env.Status.IsError() {
			t.Error("IsError() = false, want true")
		}
	})
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	cases := map[string]string{
		"bad json":             `{"type":"delta"`,
		"unknown type":         `{"type":"progress","message":"hi"}`,
		"ack without message":  `{"type":"ack","session":{"id":"s1"}}`,
		"done without message": `{"type":"done","session":{"id":"s1"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeEnvelope([]byte(raw)); err == nil {
				t.Fatalf("expected decode error for %s", name)
			}
		})
	}
}

func TestEnvelope_EncodeDecodeRoundTrip(t *testing.T) {
	stop := "end_turn"
	now := time.Date(2025, 11, 4, 10, 0, 0, 0, time.UTC)
	envs := []Envelope{
		NewAck(
			Session{Id: "s1", Title: "Portfolio Chat", CreatedAt: now, UpdatedAt: now},
			Message{Id: 42, SessionId: "s1", Role: RoleUser, Content: "Hi", CreatedAt: now},
		),
		NewStatus(PhaseThinking, "Thinking...", nil),
		NewDelta("Hello"),
		NewDone(
			Session{Id: "s1"},
			Message{Id: 43, SessionId: "s1", Role: RoleAssistant, Content: "Hello there", CreatedAt: now},
			&stop,
		),
		NewError("turn producer unavailable"),
	}

	for _, in := range envs {
		data, err := in.Encode()
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", in.Type, err)
		}
		out, err := DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("DecodeEnvelope(%s) failed: %v", in.Type, err)
		}
		if out.Type != in.Type {
			t.Errorf("round trip changed type: got %q, want %q", out.Type, in.Type)
		}
	}
}

func TestEnvelope_IsTerminal(t *testing.T) {
	if NewDelta("x").IsTerminal() {
		t.Error("delta must not be terminal")
	}
	if !NewError("boom").IsTerminal() {
		t.Error("error must be terminal")
	}
	if !(Envelope{Type: EnvelopeDone, Done: &DonePayload{}}).IsTerminal() {
		t.Error("done must be terminal")
	}
}

func TestChatSendRequest_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		req := ChatSendRequest{Content: "How exposed am I to semiconductors?", AccountKind: "all", DisplayCurrency: "GBP"}
		if err := req.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
	})

	t.Run("empty content rejected", func(t *testing.T) {
		req := ChatSendRequest{}
		if err := req.Validate(); err == nil {
			t.Fatal("expected validation error for empty content")
		}
	})

	t.Run("oversized content rejected", func(t *testing.T) {
		req := ChatSendRequest{Content: strings.Repeat("a", MaxMessageContentBytes+1)}
		if err := req.Validate(); err == nil {
			t.Fatal("expected validation error for oversized content")
		}
	})

	t.Run("bad account kind rejected", func(t *testing.T) {
		req := ChatSendRequest{Content: "hi", AccountKind: "margin"}
		if err := req.Validate(); err == nil {
			t.Fatal("expected validation error for unknown account kind")
		}
	})
}

func TestSegment_Clone(t *testing.T) {
	seg := &Segment{
		Kind:          SegmentSubagent,
		Message:       "Delegating to researcher",
		CorrelationId: "Z",
		SubagentType:  "researcher",
		Status:        SubagentRunning,
		ToolInput:     map[string]any{"subagent_id": "Z"},
		Nested: []*Segment{
			{Kind: SegmentToolStart, Message: "Searching the web"},
		},
	}

	clone := seg.Clone()
	seg.Nested[0].Message = "mutated"
	seg.ToolInput["subagent_id"] = "mutated"
	seg.Status = SubagentDone

	if clone.Nested[0].Message != "Searching the web" {
		t.Error("clone shares nested segments with original")
	}
	if clone.ToolInput["subagent_id"] != "Z" {
		t.Error("clone shares tool input map with original")
	}
	if clone.Status != SubagentRunning {
		t.Error("clone shares status with original")
	}
}
