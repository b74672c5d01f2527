// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream contains the token-stream plumbing shared by the
// generation engine: delta computation for backends that emit cumulative
// snapshots instead of true deltas, think-block tracking for reasoning
// models, and stop-sequence trimming that stays inert inside an open
// think block.
package stream
