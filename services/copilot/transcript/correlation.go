// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transcript

import (
	"log/slog"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// correlationTracker maps delegation events to their owning subagent
// segment for one turn.
//
// # Description
//
// The turn producer does not support delegations of delegations, so
// nesting is exactly one level deep and a flat map from correlation id to
// subagent segment is sufficient; no tree structure. The map is created
// fresh per turn, which is what makes correlation ids safe to reuse
// across turns and across concurrently streaming sessions.
//
// Events for an unregistered correlation id are logged and dropped: one
// malformed nested event must not corrupt the visible transcript or kill
// the turn.
type correlationTracker struct {
	agg    *Aggregator
	open   map[string]*datatypes.Segment
	logger *slog.Logger
}

func newCorrelationTracker(agg *Aggregator, logger *slog.Logger) *correlationTracker {
	return &correlationTracker{
		agg:    agg,
		open:   make(map[string]*datatypes.Segment),
		logger: logger,
	}
}

func (t *correlationTracker) apply(phase datatypes.Phase, message string, toolInput map[string]any) {
	status := datatypes.StatusPayload{Phase: phase, Message: message, ToolInput: toolInput}
	id := status.SubagentId()
	if id == "" {
		t.logger.Warn("delegation status without correlation id dropped",
			"phase", string(phase), "message", message)
		return
	}

	switch phase {
	case datatypes.PhaseSubagentStart:
		t.start(id, status.SubagentType(), message)
	case datatypes.PhaseSubagentToolStart:
		t.nested(id, datatypes.SegmentToolStart, message)
	case datatypes.PhaseSubagentToolResult:
		t.nested(id, datatypes.SegmentToolResult, message)
	case datatypes.PhaseSubagentResult:
		t.finish(id, message, status.IsError())
	}
}

// start appends a new running subagent segment and registers the id.
// A duplicate start for an already-open id is ignored.
func (t *correlationTracker) start(id, subagentType, message string) {
	if _, ok := t.open[id]; ok {
		t.logger.Warn("duplicate subagent_start dropped", "correlation_id", id)
		return
	}
	seg := &datatypes.Segment{
		Kind:          datatypes.SegmentSubagent,
		Message:       message,
		CorrelationId: id,
		SubagentType:  subagentType,
		Status:        datatypes.SubagentRunning,
	}
	t.agg.segments = append(t.agg.segments, seg)
	t.open[id] = seg
}

// nested appends into the owning subagent segment's nested list, applying
// the same adjacent-duplicate suppression as the top-level sequence.
func (t *correlationTracker) nested(id string, kind datatypes.SegmentKind, message string) {
	parent, ok := t.open[id]
	if !ok {
		t.logger.Warn("nested delegation event for unregistered correlation id dropped",
			"correlation_id", id, "kind", string(kind), "message", message)
		return
	}
	if n := len(parent.Nested); n > 0 {
		last := parent.Nested[n-1]
		if last.Kind == kind && last.Message == message {
			return
		}
	}
	parent.Nested = append(parent.Nested, &datatypes.Segment{Kind: kind, Message: message})
}

// finish flips the segment's status to terminal and unregisters the id.
func (t *correlationTracker) finish(id, message string, isError bool) {
	parent, ok := t.open[id]
	if !ok {
		t.logger.Warn("subagent_result for unregistered correlation id dropped",
			"correlation_id", id, "message", message)
		return
	}
	if isError {
		parent.Status = datatypes.SubagentError
	} else {
		parent.Status = datatypes.SubagentDone
	}
	if message != "" {
		parent.Message = message
	}
	delete(t.open, id)
}
