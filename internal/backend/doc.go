// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend defines the generation backend port and provides an
// Ollama-compatible HTTP client implementing it.
//
// The orchestration engine talks to the backend exclusively through the
// Backend interface: it opens a token stream for a rendered prompt (raw
// mode) or a message list (chat-native mode) and consumes StreamChunk
// values until the final chunk arrives. Cancellation is context-based.
//
// All failures are ClientError values categorized by ErrorType, so callers
// can distinguish "server not running" from "model missing" from transient
// stream errors with errors.Is / errors.As.
package backend
