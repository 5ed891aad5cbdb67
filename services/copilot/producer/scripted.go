// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package producer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// ScriptEvent is one step in a scripted turn. Exactly one of Delta or
// Phase should be set; Pause optionally delays before emitting.
type ScriptEvent struct {
	Delta string

	Phase     datatypes.Phase
	Message   string
	ToolInput map[string]any

	Pause time.Duration
}

// ScriptFn produces the event list and stop reason for one prompt.
type ScriptFn func(prompt string) ([]ScriptEvent, *string)

// ScriptedProducer replays a scripted event sequence per turn. It backs
// the demo mode and the handler tests: no model, fully deterministic.
type ScriptedProducer struct {
	Script ScriptFn
}

// NewEchoProducer returns a scripted producer that thinks briefly and
// then echoes the prompt, the demo-mode default.
func NewEchoProducer() *ScriptedProducer {
	return &ScriptedProducer{Script: func(prompt string) ([]ScriptEvent, *string) {
		reply := fmt.Sprintf("You said: %s", prompt)
		events := []ScriptEvent{
			{Phase: datatypes.PhaseThinking, Message: "Thinking..."},
		}
		for _, word := range strings.SplitAfter(reply, " ") {
			events = append(events, ScriptEvent{Delta: word, Pause: 20 * time.Millisecond})
		}
		stop := "end_turn"
		return events, &stop
	}}
}

// StreamReply implements TurnProducer by replaying the script through an
// Emitter, honoring context cancellation between events.
func (p *ScriptedProducer) StreamReply(ctx context.Context, sessionID, prompt string, onDelta DeltaFn, onStatus StatusFn) (ReplyResult, error) {
	events, stopReason := p.Script(prompt)

	var content strings.Builder
	emitter := NewEmitter(func(text string) {
		content.WriteString(text)
		onDelta(text)
	}, onStatus, nil)

	for _, ev := range events {
		if ev.Pause > 0 {
			select {
			case <-time.After(ev.Pause):
			case <-ctx.Done():
				return ReplyResult{Content: content.String()}, ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return ReplyResult{Content: content.String()}, err
		}

		if ev.Delta != "" {
			emitter.Delta(ev.Delta)
		} else {
			emitter.Status(ev.Phase, ev.Message, ev.ToolInput)
		}
	}
	return ReplyResult{Content: content.String(), StopReason: stopReason}, nil
}

// DropSession implements TurnProducer; scripted turns hold no state.
func (p *ScriptedProducer) DropSession(sessionID string) {}
