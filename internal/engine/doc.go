// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine drives generation runs end to end.
//
// The Orchestrator owns one active run at a time. A run renders the
// conversation into a family prompt, optionally injects dataset context,
// opens the backend token stream, and feeds each token through delta
// computation, tool-call interception, think-block tracking, and stop
// trimming. When the model emits a tool call the stream is cancelled, the
// tool executed, and a continuation stream issued with the result folded
// into the history as a synthetic tool turn.
//
// Runs are identified by a monotonically increasing id. Starting a new run
// supersedes the previous one: every UI-visible mutation is guarded by an
// id equality check, so a stale run's late-arriving writes are discarded
// rather than corrupting the next run's output.
//
// Progress is published on a RunEvent channel returned by Run. The caller
// must drain the channel until it closes.
package engine
