// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// SegmentKind identifies the kind of a live transcript segment.
type SegmentKind string

const (
	SegmentThinking   SegmentKind = "thinking"
	SegmentToolStart  SegmentKind = "tool_start"
	SegmentToolResult SegmentKind = "tool_result"
	SegmentText       SegmentKind = "text"
	SegmentSubagent   SegmentKind = "subagent"
)

// SubagentStatus is the run status of a delegation segment.
type SubagentStatus string

const (
	SubagentRunning SubagentStatus = "running"
	SubagentDone    SubagentStatus = "done"
	SubagentError   SubagentStatus = "error"
)

// Segment is a live, in-memory unit of the streaming transcript for an
// in-flight turn. Segments are mutable while the turn streams (text grows
// by append, a delegation's nested list grows and its status flips) and
// are discarded once folded into ToolCallEntries at turn completion.
//
// Only SegmentSubagent segments use CorrelationId, SubagentType, Status
// and Nested. Nested segments are the same kinds minus SegmentSubagent;
// nesting is exactly one level deep.
type Segment struct {
	Kind      SegmentKind    `json:"kind"`
	Message   string         `json:"message,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	CorrelationId string         `json:"correlation_id,omitempty"`
	SubagentType  string         `json:"subagent_type,omitempty"`
	Status        SubagentStatus `json:"status,omitempty"`
	Nested        []*Segment     `json:"nested,omitempty"`
}

// Clone returns a deep copy safe to hand to a renderer while the
// original keeps mutating on the streaming goroutine.
func (s *Segment) Clone() Segment {
	out := Segment{
		Kind:          s.Kind,
		Message:       s.Message,
		CorrelationId: s.CorrelationId,
		SubagentType:  s.SubagentType,
		Status:        s.Status,
	}
	if s.ToolInput != nil {
		out.ToolInput = make(map[string]any, len(s.ToolInput))
		for k, v := range s.ToolInput {
			out.ToolInput[k] = v
		}
	}
	if len(s.Nested) > 0 {
		out.Nested = make([]*Segment, 0, len(s.Nested))
		for _, n := range s.Nested {
			c := n.Clone()
			out.Nested = append(out.Nested, &c)
		}
	}
	return out
}

// CloneSegments deep-copies a segment sequence.
func CloneSegments(in []*Segment) []Segment {
	if len(in) == 0 {
		return nil
	}
	out := make([]Segment, 0, len(in))
	for _, s := range in {
		out = append(out, s.Clone())
	}
	return out
}
