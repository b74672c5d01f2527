// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
//
// The central types are:
//
//   - Message: a single turn (system, user, assistant, or tool) with
//     streaming state, performance statistics, and attached tool calls
//   - Session: an ordered message list plus title and optional dataset binding
//   - ToolCall: a record of one tool invocation and its result
//   - Statistics: timing and token counters for one generation
//   - RetrievalDecision: transient description of how dataset context was
//     injected for the current turn
//
// Messages are mutated in place while IsStreaming is true and treated as
// immutable once streaming finishes. A session has at most one streaming
// message at any time; the generation engine enforces this.
package model
