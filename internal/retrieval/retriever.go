// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retrieval provides dataset context for generation.
package retrieval

import "context"

// =============================================================================
// RETRIEVER PORT
// =============================================================================

// Passage is one scored excerpt returned by a retrieval query.
type Passage struct {
	// Text is the chunk content.
	Text string

	// Source identifies where the chunk came from (file name, URL, ...).
	Source string

	// Score is the relevance score in [0, 1], higher is better.
	Score float64
}

// StatusCallback reports retrieval progress for UI banners.
type StatusCallback func(status string)

// Retriever is the dataset-context port the injection policy depends on.
type Retriever interface {
	// EstimateTokens returns a fast approximate token count for the
	// whole dataset, cheap enough to call every turn.
	EstimateTokens(ctx context.Context, datasetID string) (int, error)

	// FetchAllContent returns the dataset's entire content in ingestion
	// order, for full-document injection.
	FetchAllContent(ctx context.Context, datasetID string) (string, error)

	// FetchContextDetailed returns up to maxChunks passages relevant to
	// query, each scoring at least minScore, best first.
	FetchContextDetailed(ctx context.Context, query, datasetID string, maxChunks int, minScore float64, status StatusCallback) ([]Passage, error)

	// CountTokens returns the exact token count for text under the
	// store's tokenizer.
	CountTokens(text string) int

	// IsReady reports whether the retrieval engine can serve queries.
	IsReady() bool

	// WarmUp prepares the engine (index load, tokenizer init) so the
	// first query does not pay the cost.
	WarmUp(ctx context.Context) error
}
