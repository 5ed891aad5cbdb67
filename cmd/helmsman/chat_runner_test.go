// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
	"github.com/brightquay/helmsman/services/copilot/registry"
	"github.com/brightquay/helmsman/services/copilot/stream"
)

// =============================================================================
// Fakes
// =============================================================================

// queueTransport feeds a fixed envelope script to the stream handle,
// paced so the runner observes intermediate streaming states.
type queueTransport struct {
	mu        sync.Mutex
	envelopes []datatypes.Envelope
	closed    bool
}

func (t *queueTransport) ReadEnvelope() (datatypes.Envelope, error) {
	time.Sleep(30 * time.Millisecond)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(t.envelopes) == 0 {
		return datatypes.Envelope{}, errors.New("transport closed")
	}
	env := t.envelopes[0]
	t.envelopes = t.envelopes[1:]
	return env, nil
}

func (t *queueTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type queueOpener struct {
	script func(req datatypes.ChatSendRequest) []datatypes.Envelope
}

func (o *queueOpener) Open(ctx context.Context, sessionID string, req datatypes.ChatSendRequest) (stream.Transport, error) {
	return &queueTransport{envelopes: o.script(req)}, nil
}

// scriptedInput returns lines in order, then io.EOF.
type scriptedInput struct {
	lines []string
}

func (s *scriptedInput) ReadLine() (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

// =============================================================================
// Renderer
// =============================================================================

func TestSegmentRenderer_StreamsTrailingText(t *testing.T) {
	var buf bytes.Buffer
	r := &segmentRenderer{out: &buf}

	r.render([]datatypes.Segment{
		{Kind: datatypes.SegmentThinking, Message: "Thinking..."},
	})
	r.render([]datatypes.Segment{
		{Kind: datatypes.SegmentThinking, Message: "Thinking..."},
		{Kind: datatypes.SegmentText, Message: "Your port"},
	})
	r.render([]datatypes.Segment{
		{Kind: datatypes.SegmentThinking, Message: "Thinking..."},
		{Kind: datatypes.SegmentText, Message: "Your portfolio is up."},
	})
	r.finishLine()

	out := buf.String()
	assert.Contains(t, out, "Thinking...")
	assert.Contains(t, out, "Your portfolio is up.")
	// The status line printed once, and the text fragment only once despite
	// the repeated renders.
	assert.Equal(t, 1, strings.Count(out, "Thinking..."))
	assert.Equal(t, 1, strings.Count(out, "Your port"))
}

func TestSegmentRenderer_SubagentWithNested(t *testing.T) {
	var buf bytes.Buffer
	r := &segmentRenderer{out: &buf}

	r.render([]datatypes.Segment{
		{
			Kind:         datatypes.SegmentSubagent,
			SubagentType: "RiskAnalyst",
			Status:       datatypes.SubagentDone,
			Message:      "Delegation complete",
			Nested: []*datatypes.Segment{
				{Kind: datatypes.SegmentToolStart, Message: "Fetching positions"},
			},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "RiskAnalyst")
	assert.Contains(t, out, "Fetching positions")
}

// =============================================================================
// Runner
// =============================================================================

func TestConsoleChatRunner_FullTurn(t *testing.T) {
	session := datatypes.Session{Id: "sess-1", Title: "Test"}

	opener := &queueOpener{script: func(req datatypes.ChatSendRequest) []datatypes.Envelope {
		user := datatypes.Message{Id: 10, SessionId: session.Id, Role: datatypes.RoleUser, Content: req.Content}
		assistant := datatypes.Message{Id: 11, SessionId: session.Id, Role: datatypes.RoleAssistant, Content: "All steady today."}
		return []datatypes.Envelope{
			datatypes.NewAck(session, user),
			datatypes.NewStatus(datatypes.PhaseThinking, "Reviewing holdings", nil),
			datatypes.NewDelta("All steady"),
			datatypes.NewDelta(" today."),
			datatypes.NewDone(session, assistant, nil),
		}
	}}

	onChange, changed := ChangeHook()
	reg := registry.New(opener, registry.WithOnChange(onChange))

	var buf bytes.Buffer
	runner := NewConsoleChatRunner(reg, session,
		&scriptedInput{lines: []string{"how are my holdings", "exit"}},
		&buf, changed,
		func(content string) datatypes.ChatSendRequest {
			return datatypes.ChatSendRequest{Content: content}
		})
	defer runner.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Run(ctx))

	out := buf.String()
	assert.Contains(t, out, "Reviewing holdings")
	assert.Contains(t, out, "All steady today.")

	state := reg.Snapshot(session.Id)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, int64(10), state.Messages[0].Id)
	assert.Equal(t, int64(11), state.Messages[1].Id)
	assert.False(t, state.Sending)
}

func TestConsoleChatRunner_ErrorTurnShowsFailureText(t *testing.T) {
	session := datatypes.Session{Id: "sess-err"}

	opener := &queueOpener{script: func(req datatypes.ChatSendRequest) []datatypes.Envelope {
		user := datatypes.Message{Id: 1, SessionId: session.Id, Role: datatypes.RoleUser, Content: req.Content}
		return []datatypes.Envelope{
			datatypes.NewAck(session, user),
			datatypes.NewError("model unavailable"),
		}
	}}

	onChange, changed := ChangeHook()
	reg := registry.New(opener, registry.WithOnChange(onChange))

	var buf bytes.Buffer
	runner := NewConsoleChatRunner(reg, session,
		&scriptedInput{lines: []string{"hello"}},
		&buf, changed,
		func(content string) datatypes.ChatSendRequest {
			return datatypes.ChatSendRequest{Content: content}
		})
	defer runner.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Run(ctx))

	assert.Contains(t, buf.String(), "The assistant hit a snag: model unavailable")
}

func TestConsoleChatRunner_ExitWithoutTurn(t *testing.T) {
	onChange, changed := ChangeHook()
	reg := registry.New(&queueOpener{script: func(datatypes.ChatSendRequest) []datatypes.Envelope {
		return nil
	}}, registry.WithOnChange(onChange))

	var buf bytes.Buffer
	runner := NewConsoleChatRunner(reg, datatypes.Session{Id: "s"},
		&scriptedInput{lines: []string{"", "quit"}}, &buf, changed,
		func(content string) datatypes.ChatSendRequest {
			return datatypes.ChatSendRequest{Content: content}
		})
	defer runner.Close()

	require.NoError(t, runner.Run(context.Background()))
}
