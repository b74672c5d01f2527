// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend defines the generation backend port and provides an
// Ollama-compatible HTTP client implementing it.
package backend

import (
	"context"
	"time"
)

// =============================================================================
// BACKEND PORT
// =============================================================================

// Backend is the generation port the orchestration engine depends on.
// Implementations stream tokens for a request and surface server state.
type Backend interface {
	// OpenStream starts a generation and returns a channel of chunks.
	// The channel is closed when the stream ends; errors are delivered as
	// a final chunk with Error set. Cancel via the context.
	OpenStream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// CheckHealth verifies the backend is reachable.
	CheckHealth(ctx context.Context) error

	// ModelTemplate returns the model's raw prompt template, used for
	// template-family classification.
	ModelTemplate(ctx context.Context, model string) (string, error)

	// ListModels returns the models available on the backend.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// =============================================================================
// REQUEST
// =============================================================================

// Request describes one generation run. Exactly one of Prompt (raw mode)
// or Messages (chat-native mode) carries the input: raw mode bypasses the
// server-side template so the rendered prompt is used verbatim.
type Request struct {
	// Model is the backend model name.
	Model string

	// Prompt is the fully rendered prompt for raw mode.
	Prompt string

	// Messages is the conversation for chat-native mode, used when
	// Prompt is empty.
	Messages []Message

	// Stops are the stop sequences to end generation on.
	Stops []string

	// MaxTokens caps generated tokens (0 means backend default).
	MaxTokens int

	// ContextWindow is the prompt context size in tokens (0 means
	// backend default).
	ContextWindow int

	// Temperature overrides the sampling temperature when > 0.
	Temperature float64

	// Images holds base64-encoded images for multimodal models.
	Images []string
}

// Raw reports whether the request runs in raw prompt mode.
func (r Request) Raw() bool {
	return r.Prompt != ""
}

// Message is a chat-native conversation entry.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// =============================================================================
// STREAM CHUNK
// =============================================================================

// StreamChunk is a single unit from a token stream. Mid-stream chunks
// carry Content; the final chunk has Done set and carries counters.
type StreamChunk struct {
	// Content is the raw token text for this chunk. Cumulative backends
	// may resend previously streamed text; the delta computer normalizes
	// that upstream of the engine.
	Content string

	// Done marks the final chunk of the stream.
	Done bool

	// DoneReason is the backend's reason for ending ("stop", "length", ...).
	DoneReason string

	// Timing, populated on the final chunk only.
	TotalDuration      time.Duration
	LoadDuration       time.Duration
	PromptEvalDuration time.Duration
	EvalDuration       time.Duration

	// Token counts, populated on the final chunk only.
	PromptTokens     int
	CompletionTokens int

	// Model is the model that produced the chunk.
	Model string

	// Error is set on the final chunk when the stream failed.
	Error error
}

// =============================================================================
// MODEL INFO
// =============================================================================

// ModelInfo describes a model available on the backend.
type ModelInfo struct {
	Name       string       `json:"name"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details,omitempty"`
}

// ModelDetails carries family and quantization metadata.
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}
