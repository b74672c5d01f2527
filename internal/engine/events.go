// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import "github.com/jeranaias/hearth/internal/model"

// =============================================================================
// RUN EVENTS
// =============================================================================

// EventType discriminates RunEvent payloads.
type EventType int

const (
	// EventStageChanged reports a retrieval-injection stage transition.
	EventStageChanged EventType = iota

	// EventTokenAppended carries one visible text delta.
	EventTokenAppended

	// EventToolCallDetected fires when the interceptor captures a call,
	// before the tool executes.
	EventToolCallDetected

	// EventToolCallResolved fires after the tool executes, with the
	// call's result or error filled in.
	EventToolCallResolved

	// EventCompleted is the final event of a successful run.
	EventCompleted

	// EventCancelled is the final event of a stopped run. Cancellation
	// is expected and carries no error.
	EventCancelled

	// EventFailed is the final event of a run that could not produce
	// output.
	EventFailed
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case EventStageChanged:
		return "stage_changed"
	case EventTokenAppended:
		return "token_appended"
	case EventToolCallDetected:
		return "tool_call_detected"
	case EventToolCallResolved:
		return "tool_call_resolved"
	case EventCompleted:
		return "completed"
	case EventCancelled:
		return "cancelled"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunEvent is one entry on the channel returned by Run. Exactly one of the
// payload fields is meaningful, selected by Type.
type RunEvent struct {
	Type  EventType
	RunID uint64

	// MessageIndex is the session index of the assistant message this
	// run streams into.
	MessageIndex int

	// Delta is the appended text for EventTokenAppended.
	Delta string

	// Decision is the retrieval stage for EventStageChanged.
	Decision model.RetrievalDecision

	// Call is the captured call for EventToolCallDetected and
	// EventToolCallResolved.
	Call *model.ToolCall

	// Stats carries the performance counters for EventCompleted.
	Stats *model.Statistics

	// Err is set for EventFailed.
	Err error
}
