// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package producer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
	"github.com/brightquay/helmsman/services/copilot/ttl"
)

type capturedStatus struct {
	phase     datatypes.Phase
	message   string
	toolInput map[string]any
}

type capture struct {
	deltas   []string
	statuses []capturedStatus
}

func (c *capture) onDelta(text string) {
	c.deltas = append(c.deltas, text)
}

func (c *capture) onStatus(phase datatypes.Phase, message string, toolInput map[string]any) {
	c.statuses = append(c.statuses, capturedStatus{phase, message, toolInput})
}

func TestEmitter_SuppressesRepeatedAmbientStatus(t *testing.T) {
	c := &capture{}
	e := NewEmitter(c.onDelta, c.onStatus, nil)

	e.Status(datatypes.PhaseThinking, "Thinking...", nil)
	e.Status(datatypes.PhaseThinking, "Thinking...", nil)
	e.Status(datatypes.PhaseToolStart, "Running portfolio_lookup", nil)
	e.Status(datatypes.PhaseThinking, "Thinking...", nil)

	if len(c.statuses) != 3 {
		t.Fatalf("statuses = %d, want 3: %+v", len(c.statuses), c.statuses)
	}
	if c.statuses[2].phase != datatypes.PhaseThinking {
		t.Errorf("re-emitted thinking after a different status should pass through")
	}
}

func TestEmitter_ToolEventsAreNeverDeduplicated(t *testing.T) {
	c := &capture{}
	e := NewEmitter(c.onDelta, c.onStatus, nil)

	// Two identical-looking invocations of the same tool are two distinct
	// actions; both must reach the wire even with text streamed between.
	e.Status(datatypes.PhaseToolStart, "Running portfolio_lookup", nil)
	e.Delta("first answer chunk")
	e.Status(datatypes.PhaseToolStart, "Running portfolio_lookup", nil)
	e.Status(datatypes.PhaseToolResult, "portfolio_lookup finished", nil)
	e.Status(datatypes.PhaseToolResult, "portfolio_lookup finished", nil)

	if len(c.statuses) != 4 {
		t.Fatalf("statuses = %d, want 4: %+v", len(c.statuses), c.statuses)
	}
}

func TestEmitter_ThinkingReemittedAfterDeltaPassesThrough(t *testing.T) {
	c := &capture{}
	e := NewEmitter(c.onDelta, c.onStatus, nil)

	e.Status(datatypes.PhaseThinking, "Thinking...", nil)
	e.Delta("Hello")
	e.Status(datatypes.PhaseThinking, "Thinking...", nil)

	if len(c.statuses) != 2 {
		t.Fatalf("statuses = %d, want 2: %+v", len(c.statuses), c.statuses)
	}
}

func TestEmitter_ForceOpensOrphanedDelegation(t *testing.T) {
	c := &capture{}
	e := NewEmitter(c.onDelta, c.onStatus, nil)

	// Result event for a delegation whose start was never emitted.
	e.Status(datatypes.PhaseSubagentResult, "Finished", map[string]any{
		datatypes.ToolInputSubagentId: "task-9",
	})

	if len(c.statuses) != 2 {
		t.Fatalf("statuses = %d, want force-opened start + result: %+v", len(c.statuses), c.statuses)
	}
	if c.statuses[0].phase != datatypes.PhaseSubagentStart {
		t.Fatalf("first status = %s, want subagent_start", c.statuses[0].phase)
	}
	if got := c.statuses[0].toolInput[datatypes.ToolInputSubagentType]; got != "Subagent" {
		t.Errorf("fallback type = %v, want Subagent", got)
	}
}

func TestEmitter_DropsDelegationWithoutId(t *testing.T) {
	c := &capture{}
	e := NewEmitter(c.onDelta, c.onStatus, nil)

	e.Status(datatypes.PhaseSubagentStart, "Delegating", nil)
	if len(c.statuses) != 0 {
		t.Fatalf("statuses = %+v, want none", c.statuses)
	}
}

func TestEmitter_DuplicateSubagentStartSuppressed(t *testing.T) {
	c := &capture{}
	e := NewEmitter(c.onDelta, c.onStatus, nil)

	input := map[string]any{
		datatypes.ToolInputSubagentId:   "task-1",
		datatypes.ToolInputSubagentType: "RiskAnalyst",
	}
	e.Status(datatypes.PhaseSubagentStart, "Delegating", input)
	e.Status(datatypes.PhaseSubagentStart, "Delegating", input)

	if len(c.statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(c.statuses))
	}
}

func TestScriptedProducer_StreamsAndConcatenates(t *testing.T) {
	p := &ScriptedProducer{Script: func(prompt string) ([]ScriptEvent, *string) {
		stop := "end_turn"
		return []ScriptEvent{
			{Phase: datatypes.PhaseThinking, Message: "Thinking..."},
			{Delta: "Hello"},
			{Delta: " there"},
		}, &stop
	}}

	c := &capture{}
	result, err := p.StreamReply(context.Background(), "s1", "Hi", c.onDelta, c.onStatus)
	if err != nil {
		t.Fatalf("StreamReply failed: %v", err)
	}
	if result.Content != "Hello there" {
		t.Errorf("Content = %q, want %q", result.Content, "Hello there")
	}
	if result.StopReason == nil || *result.StopReason != "end_turn" {
		t.Errorf("StopReason = %v, want end_turn", result.StopReason)
	}
	if len(c.deltas) != 2 || len(c.statuses) != 1 {
		t.Errorf("deltas = %v, statuses = %+v", c.deltas, c.statuses)
	}
}

func TestScriptedProducer_HonorsCancellation(t *testing.T) {
	p := &ScriptedProducer{Script: func(prompt string) ([]ScriptEvent, *string) {
		return []ScriptEvent{
			{Delta: "partial"},
			{Delta: "never", Pause: 10 * time.Second},
		}, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	c := &capture{}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result, err := p.StreamReply(ctx, "s1", "Hi", c.onDelta, c.onStatus)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if result.Content != "partial" {
		t.Errorf("partial content = %q, want %q", result.Content, "partial")
	}
}

// blockingProducer parks each turn until released.
type blockingProducer struct {
	release chan struct{}
	dropped sync.Map
}

func (p *blockingProducer) StreamReply(ctx context.Context, sessionID, prompt string, onDelta DeltaFn, onStatus StatusFn) (ReplyResult, error) {
	<-p.release
	return ReplyResult{Content: "ok"}, nil
}

func (p *blockingProducer) DropSession(sessionID string) {
	p.dropped.Store(sessionID, true)
}

func TestRuntime_SerializesTurnsPerSession(t *testing.T) {
	backend := &blockingProducer{release: make(chan struct{})}
	rt := NewRuntime(backend, nil, nil)

	first := make(chan struct{})
	go func() {
		_, _ = rt.StreamReply(context.Background(), "s1", "one", func(string) {}, nil)
		close(first)
	}()

	second := make(chan struct{})
	go func() {
		// Parks behind the first turn's slot lock.
		time.Sleep(10 * time.Millisecond)
		_, _ = rt.StreamReply(context.Background(), "s1", "two", func(string) {}, nil)
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second turn finished before the first was released")
	case <-time.After(30 * time.Millisecond):
	}

	close(backend.release)
	for _, ch := range []chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("turn never completed")
		}
	}
}

func TestRuntime_ReapIdleSkipsInFlight(t *testing.T) {
	clock := ttl.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	backend := &blockingProducer{release: make(chan struct{})}
	rt := NewRuntime(backend, clock, nil)

	// One idle session, one with a turn in flight.
	done := make(chan struct{})
	go func() {
		_, _ = rt.StreamReply(context.Background(), "busy", "x", func(string) {}, nil)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		slot := rt.slotFor("busy")
		if !slot.mu.TryLock() {
			break // the turn holds its slot lock
		}
		slot.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("busy turn never took its slot lock")
		}
		time.Sleep(time.Millisecond)
	}

	rt.slotFor("idle")

	clock.Advance(2 * time.Hour)
	n := rt.ReapIdle(time.Hour)
	if n != 1 {
		t.Fatalf("reaped = %d, want only the idle session", n)
	}
	if _, ok := backend.dropped.Load("idle"); !ok {
		t.Error("idle session was not dropped from the backend")
	}
	if _, ok := backend.dropped.Load("busy"); ok {
		t.Error("in-flight session must not be dropped")
	}

	close(backend.release)
	<-done
}

func TestRuntime_DropReleasesBackendState(t *testing.T) {
	backend := &blockingProducer{release: make(chan struct{})}
	close(backend.release)
	rt := NewRuntime(backend, nil, nil)

	_, _ = rt.StreamReply(context.Background(), "s1", "x", func(string) {}, nil)
	rt.Drop("s1")

	if _, ok := backend.dropped.Load("s1"); !ok {
		t.Error("Drop did not reach the backend producer")
	}
}
