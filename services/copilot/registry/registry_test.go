// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
	"github.com/brightquay/helmsman/services/copilot/stream"
)

// scriptedTransport feeds envelopes to the handle's reader goroutine.
type scriptedTransport struct {
	ch     chan datatypes.Envelope
	closed chan struct{}
	once   sync.Once
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		ch:     make(chan datatypes.Envelope, 32),
		closed: make(chan struct{}),
	}
}

func (t *scriptedTransport) ReadEnvelope() (datatypes.Envelope, error) {
	select {
	case env := <-t.ch:
		return env, nil
	case <-t.closed:
		return datatypes.Envelope{}, errors.New("use of closed connection")
	}
}

func (t *scriptedTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// scriptedOpener hands each Submit its own transport, in order.
type scriptedOpener struct {
	mu         sync.Mutex
	transports []*scriptedTransport
	err        error
}

func (o *scriptedOpener) Open(ctx context.Context, sessionID string, req datatypes.ChatSendRequest) (stream.Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	if len(o.transports) == 0 {
		return nil, errors.New("no scripted transport left")
	}
	t := o.transports[0]
	o.transports = o.transports[1:]
	return t, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never held")
		}
		time.Sleep(time.Millisecond)
	}
}

func userMsg(id int64, content string) datatypes.Message {
	return datatypes.Message{Id: id, SessionId: "s1", Role: datatypes.RoleUser, Content: content, CreatedAt: time.Now()}
}

func assistantMsg(id int64, content string) datatypes.Message {
	return datatypes.Message{Id: id, SessionId: "s1", Role: datatypes.RoleAssistant, Content: content, CreatedAt: time.Now()}
}

func TestRegistry_FullTurnReconciliation(t *testing.T) {
	transport := newScriptedTransport()
	opener := &scriptedOpener{transports: []*scriptedTransport{transport}}
	reg := New(opener)
	defer reg.Close()

	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "Hi"}))

	// Before the ack lands: two optimistic placeholders and a seeded
	// thinking segment.
	state := reg.Snapshot("s1")
	require.Len(t, state.Messages, 2)
	assert.True(t, state.Messages[0].IsOptimistic())
	assert.True(t, state.Messages[1].IsOptimistic())
	assert.Equal(t, "Hi", state.Messages[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, state.Messages[1].Role)
	assert.True(t, state.Sending)
	assert.Equal(t, state.Messages[1].Id, state.StreamingMessageId)
	require.NotEmpty(t, state.Segments)
	assert.Equal(t, datatypes.SegmentThinking, state.Segments[0].Kind)

	transport.ch <- datatypes.NewAck(datatypes.Session{Id: "s1"}, userMsg(42, "Hi"))
	waitFor(t, func() bool { return reg.Snapshot("s1").Messages[0].Id == 42 })

	transport.ch <- datatypes.NewStatus(datatypes.PhaseThinking, "Thinking...", nil)
	transport.ch <- datatypes.NewDelta("Hello")
	transport.ch <- datatypes.NewDelta(" there")
	waitFor(t, func() bool {
		segs := reg.Snapshot("s1").Segments
		return len(segs) == 2 && segs[1].Message == "Hello there"
	})

	transport.ch <- datatypes.NewDone(datatypes.Session{Id: "s1"}, assistantMsg(43, "Hello there"), nil)
	waitFor(t, func() bool { return !reg.Snapshot("s1").Sending })

	state = reg.Snapshot("s1")
	require.Len(t, state.Messages, 2)
	assert.Equal(t, int64(42), state.Messages[0].Id)
	assert.Equal(t, int64(43), state.Messages[1].Id)
	assert.Equal(t, "Hello there", state.Messages[1].Content)
	assert.False(t, state.Messages[1].IsOptimistic())
	assert.Empty(t, state.Segments)
	assert.Zero(t, state.StreamingMessageId)
}

func TestRegistry_SecondSubmitRejectedWhileInFlight(t *testing.T) {
	transport := newScriptedTransport()
	opener := &scriptedOpener{transports: []*scriptedTransport{transport}}
	reg := New(opener)
	defer reg.Close()

	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "first"}))
	err := reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "second"})
	require.ErrorIs(t, err, ErrTurnInFlight)

	// The rejected submit must not have touched the transcript.
	assert.Len(t, reg.Snapshot("s1").Messages, 2)
}

func TestRegistry_IndependentSessionsStreamConcurrently(t *testing.T) {
	t1 := newScriptedTransport()
	t2 := newScriptedTransport()
	opener := &scriptedOpener{transports: []*scriptedTransport{t1, t2}}
	reg := New(opener)
	defer reg.Close()

	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "one"}))
	require.NoError(t, reg.Submit(context.Background(), "s2", datatypes.ChatSendRequest{Content: "two"}))

	t2.ch <- datatypes.NewAck(datatypes.Session{Id: "s2"}, datatypes.Message{Id: 7, SessionId: "s2", Role: datatypes.RoleUser, Content: "two"})
	t2.ch <- datatypes.NewDone(datatypes.Session{Id: "s2"}, datatypes.Message{Id: 8, SessionId: "s2", Role: datatypes.RoleAssistant, Content: "done two"}, nil)
	waitFor(t, func() bool { return !reg.Snapshot("s2").Sending })

	// s1 is still mid-turn and unaffected.
	assert.True(t, reg.Snapshot("s1").Sending)
	assert.Equal(t, "done two", reg.Snapshot("s2").Messages[1].Content)
}

func TestRegistry_ErrorEnvelopeMarksPlaceholder(t *testing.T) {
	transport := newScriptedTransport()
	opener := &scriptedOpener{transports: []*scriptedTransport{transport}}
	reg := New(opener)
	defer reg.Close()

	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "Hi"}))
	transport.ch <- datatypes.NewAck(datatypes.Session{Id: "s1"}, userMsg(42, "Hi"))
	transport.ch <- datatypes.NewError("model backend unavailable")
	waitFor(t, func() bool { return !reg.Snapshot("s1").Sending })

	state := reg.Snapshot("s1")
	require.Len(t, state.Messages, 2)
	failed := state.Messages[1]
	assert.True(t, failed.IsOptimistic(), "failed placeholder keeps its client id")
	assert.Contains(t, failed.Content, "model backend unavailable")
	assert.True(t, strings.HasPrefix(failed.Content, "The assistant hit a snag"))

	// Session is immediately continuable.
	opener.mu.Lock()
	opener.transports = []*scriptedTransport{newScriptedTransport()}
	opener.mu.Unlock()
	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "again"}))
}

func TestRegistry_HandshakeFailureRunsErrorPath(t *testing.T) {
	opener := &scriptedOpener{err: errors.New("connection refused")}
	reg := New(opener)
	defer reg.Close()

	// Submit itself succeeds; the failure lands in the transcript.
	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "Hi"}))
	waitFor(t, func() bool { return !reg.Snapshot("s1").Sending })

	state := reg.Snapshot("s1")
	require.Len(t, state.Messages, 2)
	assert.Contains(t, state.Messages[1].Content, "connection refused")
}

func TestRegistry_CancelIsSilentAndFreesSlot(t *testing.T) {
	transport := newScriptedTransport()
	opener := &scriptedOpener{transports: []*scriptedTransport{transport}}
	reg := New(opener)
	defer reg.Close()

	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "Hi"}))
	transport.ch <- datatypes.NewAck(datatypes.Session{Id: "s1"}, userMsg(42, "Hi"))
	transport.ch <- datatypes.NewDelta("partial")
	waitFor(t, func() bool { return len(reg.Snapshot("s1").Segments) >= 2 })

	reg.CancelTurn("s1")
	reg.CancelTurn("s1") // idempotent

	state := reg.Snapshot("s1")
	assert.False(t, state.Sending)
	assert.Empty(t, state.Segments)
	require.Len(t, state.Messages, 1, "assistant placeholder dropped on cancel")
	assert.Equal(t, int64(42), state.Messages[0].Id)
	for _, m := range state.Messages {
		assert.NotContains(t, m.Content, "hit a snag", "cancel never produces an error-marked message")
	}

	// Slot is free for a new turn right away.
	opener.mu.Lock()
	opener.transports = []*scriptedTransport{newScriptedTransport()}
	opener.mu.Unlock()
	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "next"}))
}

func TestRegistry_CancelWithNothingInFlight(t *testing.T) {
	reg := New(&scriptedOpener{})
	defer reg.Close()
	reg.CancelTurn("never-seen")
}

func TestRegistry_LoadHistorySuppressedWhileSending(t *testing.T) {
	transport := newScriptedTransport()
	opener := &scriptedOpener{transports: []*scriptedTransport{transport}}
	reg := New(opener)
	defer reg.Close()

	history := []datatypes.Message{userMsg(1, "old"), assistantMsg(2, "older reply")}
	reg.LoadHistory("s1", history)
	assert.Len(t, reg.Snapshot("s1").Messages, 2)

	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "Hi"}))

	// A stale history response arriving mid-turn must not clobber the
	// optimistic placeholders.
	reg.LoadHistory("s1", history)
	state := reg.Snapshot("s1")
	assert.Len(t, state.Messages, 4)
	assert.True(t, state.Sending)
}

func TestRegistry_SnapshotIsIndependentCopy(t *testing.T) {
	transport := newScriptedTransport()
	opener := &scriptedOpener{transports: []*scriptedTransport{transport}}
	reg := New(opener)
	defer reg.Close()

	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "Hi"}))
	transport.ch <- datatypes.NewAck(datatypes.Session{Id: "s1"}, userMsg(42, "Hi"))
	transport.ch <- datatypes.NewDelta("Hel")
	waitFor(t, func() bool { return len(reg.Snapshot("s1").Segments) >= 2 })

	before := reg.Snapshot("s1")
	segCount := len(before.Segments)
	text := before.Segments[segCount-1].Message

	transport.ch <- datatypes.NewDelta("lo")
	waitFor(t, func() bool {
		segs := reg.Snapshot("s1").Segments
		return segs[len(segs)-1].Message == "Hello"
	})

	// The earlier snapshot did not move.
	assert.Equal(t, text, before.Segments[segCount-1].Message)
}

func TestRegistry_DeleteSessionDropsState(t *testing.T) {
	transport := newScriptedTransport()
	opener := &scriptedOpener{transports: []*scriptedTransport{transport}}
	reg := New(opener)
	defer reg.Close()

	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "Hi"}))
	reg.DeleteSession("s1")

	state := reg.Snapshot("s1")
	assert.Empty(t, state.Messages)
	assert.False(t, state.Sending)
}

func TestRegistry_CloseCancelsAllAndRejectsSubmit(t *testing.T) {
	t1 := newScriptedTransport()
	t2 := newScriptedTransport()
	opener := &scriptedOpener{transports: []*scriptedTransport{t1, t2}}
	reg := New(opener)

	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "one"}))
	require.NoError(t, reg.Submit(context.Background(), "s2", datatypes.ChatSendRequest{Content: "two"}))

	reg.Close()
	reg.Close() // idempotent

	err := reg.Submit(context.Background(), "s3", datatypes.ChatSendRequest{Content: "late"})
	require.ErrorIs(t, err, ErrClosed)

	// Both transports were closed by the cancelled handles.
	waitFor(t, func() bool {
		select {
		case <-t1.closed:
		default:
			return false
		}
		select {
		case <-t2.closed:
		default:
			return false
		}
		return true
	})
}

func TestRegistry_OnChangeFires(t *testing.T) {
	transport := newScriptedTransport()
	opener := &scriptedOpener{transports: []*scriptedTransport{transport}}

	var mu sync.Mutex
	changed := map[string]int{}
	reg := New(opener, WithOnChange(func(sessionID string) {
		mu.Lock()
		changed[sessionID]++
		mu.Unlock()
	}))
	defer reg.Close()

	require.NoError(t, reg.Submit(context.Background(), "s1", datatypes.ChatSendRequest{Content: "Hi"}))
	transport.ch <- datatypes.NewAck(datatypes.Session{Id: "s1"}, userMsg(42, "Hi"))
	transport.ch <- datatypes.NewDone(datatypes.Session{Id: "s1"}, assistantMsg(43, "ok"), nil)
	waitFor(t, func() bool { return !reg.Snapshot("s1").Sending })

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, changed["s1"], 3)
}
