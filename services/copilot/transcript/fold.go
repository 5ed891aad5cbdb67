// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transcript

import (
	"sort"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// FoldSegments collapses a completed turn's live segment sequence into
// the persisted tool-call records attached to the final assistant message.
//
// # Description
//
// Thinking and text segments carry no durable tool information and are
// dropped; the assistant text is persisted separately on the message.
// Tool segments become flat entries; subagent segments become delegation
// entries carrying their nested entries. Tool input maps are snapshotted
// down to datatypes.MaxToolInputPairs pairs (smallest keys first, so the
// snapshot is deterministic).
func FoldSegments(segments []*datatypes.Segment) []datatypes.ToolCallEntry {
	var out []datatypes.ToolCallEntry
	for _, seg := range segments {
		switch seg.Kind {
		case datatypes.SegmentToolStart:
			out = append(out, datatypes.ToolCallEntry{
				Phase:     string(datatypes.PhaseToolStart),
				Message:   seg.Message,
				ToolInput: snapshotToolInput(seg.ToolInput),
			})
		case datatypes.SegmentToolResult:
			out = append(out, datatypes.ToolCallEntry{
				Phase:   string(datatypes.PhaseToolResult),
				Message: seg.Message,
			})
		case datatypes.SegmentSubagent:
			entry := datatypes.ToolCallEntry{
				Phase:   string(datatypes.SegmentSubagent),
				Message: seg.Message,
				ToolInput: snapshotToolInput(map[string]any{
					datatypes.ToolInputSubagentType: seg.SubagentType,
					"status":                        string(seg.Status),
				}),
			}
			for _, nested := range seg.Nested {
				switch nested.Kind {
				case datatypes.SegmentToolStart:
					entry.Nested = append(entry.Nested, datatypes.ToolCallEntry{
						Phase:   string(datatypes.PhaseToolStart),
						Message: nested.Message,
					})
				case datatypes.SegmentToolResult:
					entry.Nested = append(entry.Nested, datatypes.ToolCallEntry{
						Phase:   string(datatypes.PhaseToolResult),
						Message: nested.Message,
					})
				}
			}
			out = append(out, entry)
		}
	}
	return out
}

// snapshotToolInput keeps the first MaxToolInputPairs pairs in key order.
func snapshotToolInput(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > datatypes.MaxToolInputPairs {
		keys = keys[:datatypes.MaxToolInputPairs]
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = in[k]
	}
	return out
}
