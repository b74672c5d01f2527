// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retrieval provides dataset context for generation.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jeranaias/hearth/internal/model"
)

// =============================================================================
// INJECTION POLICY
// =============================================================================

const (
	// DefaultFullDocFraction is the share of the context window a
	// dataset's estimated size must fit inside for full-document
	// injection.
	DefaultFullDocFraction = 0.5

	// DefaultCeilingFraction bounds the final injected block regardless
	// of which method produced it.
	DefaultCeilingFraction = 0.6

	// DefaultMaxChunks is the passage count fetched in RAG mode.
	DefaultMaxChunks = 5

	// DefaultMinScore filters out weakly matching passages.
	DefaultMinScore = 0.3
)

// Policy decides per turn whether the whole dataset document fits the
// context budget or retrieval-augmented excerpts are injected instead.
type Policy struct {
	retriever Retriever

	// FullDocFraction of the context window under which the full
	// document is attempted.
	FullDocFraction float64

	// CeilingFraction of the context window is the hard bound on the
	// final block.
	CeilingFraction float64

	// MaxChunks and MinScore parameterize RAG fetches.
	MaxChunks int
	MinScore  float64
}

// NewPolicy creates a policy over the given retriever with defaults.
func NewPolicy(r Retriever) *Policy {
	return &Policy{
		retriever:       r,
		FullDocFraction: DefaultFullDocFraction,
		CeilingFraction: DefaultCeilingFraction,
		MaxChunks:       DefaultMaxChunks,
		MinScore:        DefaultMinScore,
	}
}

// StageCallback observes decision progress for UI banners.
type StageCallback func(decision model.RetrievalDecision)

// Result is the policy's outcome for one turn.
type Result struct {
	// Context is the final injected block (empty when nothing matched).
	Context string

	// Citations lists the sources behind the block, in block order.
	Citations []string

	// Decision records the chosen method and final stage.
	Decision model.RetrievalDecision
}

// BuildContext produces the context block for query against datasetID,
// bounded by contextWindow tokens. The stage callback fires on every
// transition; passing nil disables it.
func (p *Policy) BuildContext(ctx context.Context, query, datasetID string, contextWindow int, onStage StageCallback) (Result, error) {
	notify := func(d model.RetrievalDecision) {
		if onStage != nil {
			onStage(d)
		}
	}

	decision := model.RetrievalDecision{Method: model.RetrievalRAG, Stage: model.StageDeciding}
	notify(decision)

	estimate, err := p.retriever.EstimateTokens(ctx, datasetID)
	if err != nil {
		return Result{Decision: decision}, err
	}

	fullBudget := int(float64(contextWindow) * p.FullDocFraction)
	ceiling := int(float64(contextWindow) * p.CeilingFraction)

	if estimate <= fullBudget && p.retriever.IsReady() {
		decision.Method = model.RetrievalFull
		decision.Stage = model.StageDecided
		notify(decision)

		content, err := p.retriever.FetchAllContent(ctx, datasetID)
		if err != nil {
			return Result{Decision: decision}, err
		}

		// The estimate was per-chunk; verify against the exact count of
		// the joined document before committing to full injection.
		if p.retriever.CountTokens(content) <= fullBudget {
			decision.Stage = model.StageProcessing
			notify(decision)
			return Result{
				Context:   p.clampToCeiling(content, ceiling),
				Citations: []string{datasetID},
				Decision:  decision,
			}, nil
		}
		// Exact count blew the budget: fall back to excerpts.
		decision.Method = model.RetrievalRAG
	}

	decision.Stage = model.StageDecided
	notify(decision)

	decision.Stage = model.StageProcessing
	notify(decision)

	passages, err := p.retriever.FetchContextDetailed(ctx, query, datasetID, p.MaxChunks, p.MinScore, nil)
	if err != nil {
		return Result{Decision: decision}, err
	}
	if len(passages) == 0 {
		return Result{Decision: decision}, nil
	}

	block, citations := formatPassages(passages)
	return Result{
		Context:   p.clampToCeiling(block, ceiling),
		Citations: citations,
		Decision:  decision,
	}, nil
}

// formatPassages renders passages as numbered citation blocks.
func formatPassages(passages []Passage) (string, []string) {
	var b strings.Builder
	citations := make([]string, 0, len(passages))

	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] (%s, score %.2f)\n%s", i+1, p.Source, p.Score, p.Text)
		citations = append(citations, p.Source)
	}
	return b.String(), citations
}

// clampToCeiling returns the largest prefix of text whose token count
// fits the ceiling, found by binary search over prefix length. The cut
// is then pulled back to a rune boundary.
func (p *Policy) clampToCeiling(text string, ceiling int) string {
	if ceiling <= 0 || p.retriever.CountTokens(text) <= ceiling {
		return text
	}

	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if p.retriever.CountTokens(text[:mid]) <= ceiling {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	for lo > 0 && lo < len(text) && !utf8.RuneStart(text[lo]) {
		lo--
	}
	return text[:lo]
}
