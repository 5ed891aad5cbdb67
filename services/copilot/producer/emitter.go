// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package producer

import (
	"log/slog"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// fallbackSubagentType labels a delegation whose opening event was never
// observed, so the transcript still gets a well-formed subagent block.
const fallbackSubagentType = "Subagent"

// Emitter normalizes a producer's raw events before they reach the wire.
//
// # Description
//
// Two responsibilities, both per turn:
//
//  1. Ambient (thinking) statuses that repeat the previous event
//     verbatim are suppressed. Model backends re-emit identical progress
//     markers freely; sending them downstream only costs bandwidth, the
//     client would collapse them anyway. Tool and subagent events are
//     never deduplicated: two identical-looking tool events are two
//     distinct actions.
//  2. Delegation events are kept well-formed. The emitter tracks open
//     correlation ids; a subagent tool or result event whose id was never
//     opened force-opens a generic subagent first, so the client-side
//     tracker never sees an orphaned delegation event.
//
// # Thread Safety
//
// Not safe for concurrent use. One Emitter serves one turn, driven by
// the producer's single streaming goroutine.
type Emitter struct {
	onDelta  DeltaFn
	onStatus StatusFn
	logger   *slog.Logger

	lastPhase   datatypes.Phase
	lastMessage string
	hasLast     bool

	active map[string]string // correlation id -> subagent type
}

// NewEmitter creates an emitter for one turn.
// A nil logger falls back to slog.Default.
func NewEmitter(onDelta DeltaFn, onStatus StatusFn, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		onDelta:  onDelta,
		onStatus: onStatus,
		logger:   logger,
		active:   make(map[string]string),
	}
}

// Delta forwards a reply fragment. Empty fragments are dropped. Any
// streamed text ends the current status run, so a thinking marker
// re-emitted after text passes through again.
func (e *Emitter) Delta(text string) {
	if text == "" {
		return
	}
	e.hasLast = false
	e.onDelta(text)
}

// Status folds one progress event through the normalization rules and
// forwards it.
func (e *Emitter) Status(phase datatypes.Phase, message string, toolInput map[string]any) {
	if phase.IsDelegation() {
		e.emitDelegation(phase, message, toolInput)
		return
	}

	// Only ambient statuses dedup; tool events always go out.
	if phase == datatypes.PhaseThinking {
		if e.hasLast && e.lastPhase == phase && e.lastMessage == message {
			return
		}
		e.remember(phase, message)
	} else {
		e.hasLast = false
	}
	e.onStatus(phase, message, toolInput)
}

func (e *Emitter) emitDelegation(phase datatypes.Phase, message string, toolInput map[string]any) {
	id, _ := toolInput[datatypes.ToolInputSubagentId].(string)
	if id == "" {
		e.logger.Warn("delegation event without correlation id dropped", "phase", string(phase))
		return
	}

	switch phase {
	case datatypes.PhaseSubagentStart:
		if _, ok := e.active[id]; ok {
			e.logger.Warn("duplicate subagent start suppressed", "subagent_id", id)
			return
		}
		subType, _ := toolInput[datatypes.ToolInputSubagentType].(string)
		if subType == "" {
			subType = fallbackSubagentType
		}
		e.active[id] = subType

	case datatypes.PhaseSubagentToolStart, datatypes.PhaseSubagentToolResult:
		e.ensureOpen(id, toolInput)

	case datatypes.PhaseSubagentResult:
		e.ensureOpen(id, toolInput)
		delete(e.active, id)
	}

	e.hasLast = false
	e.onStatus(phase, message, toolInput)
}

// ensureOpen force-opens a delegation whose start event was missed.
func (e *Emitter) ensureOpen(id string, toolInput map[string]any) {
	if _, ok := e.active[id]; ok {
		return
	}
	subType, _ := toolInput[datatypes.ToolInputSubagentType].(string)
	if subType == "" {
		subType = fallbackSubagentType
	}
	e.active[id] = subType
	e.logger.Warn("delegation event before its start; force-opening", "subagent_id", id, "subagent_type", subType)
	e.onStatus(datatypes.PhaseSubagentStart, "Delegating to "+subType, map[string]any{
		datatypes.ToolInputSubagentId:   id,
		datatypes.ToolInputSubagentType: subType,
	})
}

func (e *Emitter) remember(phase datatypes.Phase, message string) {
	e.lastPhase = phase
	e.lastMessage = message
	e.hasLast = true
}
