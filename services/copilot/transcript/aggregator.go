// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transcript folds the envelope stream for one turn into the
// ordered, renderable segment sequence of the live transcript.
//
// An Aggregator is created fresh per turn and is not safe for concurrent
// use: all mutation must come from the single goroutine consuming that
// turn's envelopes (the per-session actor). Consumers that render from
// another goroutine take a deep copy via Snapshot.
package transcript

import (
	"log/slog"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// Aggregator converts status and delta events for one turn into the
// session's live segment sequence.
//
// # Description
//
// The segment sequence, read start to end, is exactly the order events
// were observed. Three folding rules apply:
//
//  1. thinking / tool_start / tool_result statuses outside a delegation
//     append a new segment, except when the previous segment has the same
//     kind and the same label (duplicate consecutive statuses collapse).
//  2. deltas append to the trailing text segment, or open a new one;
//     adjacent text is always one segment so renderers never flicker
//     through many small fragments.
//  3. delegation phases route through the correlation tracker, which owns
//     the subagent segments and their nested lists.
//
// # Thread Safety
//
// Not safe for concurrent use; see the package comment.
type Aggregator struct {
	segments []*datatypes.Segment
	tracker  *correlationTracker
	logger   *slog.Logger
}

// NewAggregator creates an aggregator for one turn.
// A nil logger falls back to slog.Default.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{logger: logger}
	a.tracker = newCorrelationTracker(a, logger)
	return a
}

// SeedThinking starts the sequence with a thinking placeholder so a
// consumer has something to render before the first server status lands.
func (a *Aggregator) SeedThinking(label string) {
	a.ApplyStatus(datatypes.PhaseThinking, label, nil)
}

// ApplyStatus folds one status event into the sequence, in event order.
//
// Delegation phases are routed to the correlation tracker. A delegation
// event for an unregistered correlation id is a protocol error: it is
// logged and dropped without disturbing the visible transcript. A status
// with phase "error" is likewise logged and dropped; failures only reach
// the transcript through the turn's terminal envelope.
func (a *Aggregator) ApplyStatus(phase datatypes.Phase, message string, toolInput map[string]any) {
	switch phase {
	case datatypes.PhaseThinking:
		a.appendStatus(datatypes.SegmentThinking, message, nil)
	case datatypes.PhaseToolStart:
		a.appendStatus(datatypes.SegmentToolStart, message, toolInput)
	case datatypes.PhaseToolResult:
		a.appendStatus(datatypes.SegmentToolResult, message, toolInput)
	case datatypes.PhaseSubagentStart,
		datatypes.PhaseSubagentToolStart,
		datatypes.PhaseSubagentToolResult,
		datatypes.PhaseSubagentResult:
		a.tracker.apply(phase, message, toolInput)
	case datatypes.PhaseError:
		a.logger.Warn("error-phase status dropped from transcript", "message", message)
	default:
		a.logger.Warn("unknown status phase dropped", "phase", string(phase), "message", message)
	}
}

// ApplyDelta folds one text fragment into the sequence.
func (a *Aggregator) ApplyDelta(text string) {
	if text == "" {
		return
	}
	if last := a.last(); last != nil && last.Kind == datatypes.SegmentText {
		last.Message += text
		return
	}
	a.segments = append(a.segments, &datatypes.Segment{
		Kind:    datatypes.SegmentText,
		Message: text,
	})
}

// Segments exposes the live sequence. The returned slice is owned by the
// aggregator and keeps mutating; renderers must use Snapshot instead.
func (a *Aggregator) Segments() []*datatypes.Segment {
	return a.segments
}

// Snapshot returns a deep copy of the sequence safe for another goroutine.
func (a *Aggregator) Snapshot() []datatypes.Segment {
	return datatypes.CloneSegments(a.segments)
}

// appendStatus applies the duplicate-suppression rule at the top level.
func (a *Aggregator) appendStatus(kind datatypes.SegmentKind, message string, toolInput map[string]any) {
	if last := a.last(); last != nil && last.Kind == kind && last.Message == message {
		return
	}
	a.segments = append(a.segments, &datatypes.Segment{
		Kind:      kind,
		Message:   message,
		ToolInput: toolInput,
	})
}

func (a *Aggregator) last() *datatypes.Segment {
	if len(a.segments) == 0 {
		return nil
	}
	return a.segments[len(a.segments)-1]
}
