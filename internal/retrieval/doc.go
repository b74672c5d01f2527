// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retrieval provides dataset context for generation.
//
// A DatasetStore holds ingested documents in SQLite with an FTS5 index
// over their chunks, and implements the Retriever port: token estimation,
// full-document fetch, and scored passage search. The injection Policy
// sits on top and decides, per turn, whether the whole document fits the
// context budget or retrieval-augmented excerpts must be used instead,
// producing the final context block bounded by a hard token ceiling.
package retrieval
