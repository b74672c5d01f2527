// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieval

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/hearth/internal/model"
)

// fakeRetriever scripts the Retriever port for policy tests.
type fakeRetriever struct {
	estimate   int
	content    string
	passages   []Passage
	ready      bool
	fetchedAll bool
	queried    bool
}

func (f *fakeRetriever) EstimateTokens(ctx context.Context, datasetID string) (int, error) {
	return f.estimate, nil
}

func (f *fakeRetriever) FetchAllContent(ctx context.Context, datasetID string) (string, error) {
	f.fetchedAll = true
	return f.content, nil
}

func (f *fakeRetriever) FetchContextDetailed(ctx context.Context, query, datasetID string, maxChunks int, minScore float64, status StatusCallback) ([]Passage, error) {
	f.queried = true
	return f.passages, nil
}

func (f *fakeRetriever) CountTokens(text string) int { return CountTokens(text) }
func (f *fakeRetriever) IsReady() bool               { return f.ready }
func (f *fakeRetriever) WarmUp(ctx context.Context) error {
	f.ready = true
	return nil
}

func TestPolicyFullDocumentWhenSmall(t *testing.T) {
	fake := &fakeRetriever{
		estimate: 10,
		content:  "short document body",
		ready:    true,
	}
	policy := NewPolicy(fake)

	var stages []model.RetrievalStage
	res, err := policy.BuildContext(context.Background(), "anything", "ds_1", 1000, func(d model.RetrievalDecision) {
		stages = append(stages, d.Stage)
	})
	require.NoError(t, err)

	require.Equal(t, model.RetrievalFull, res.Decision.Method)
	require.Equal(t, "short document body", res.Context)
	require.True(t, fake.fetchedAll)
	require.False(t, fake.queried, "full injection must not run retrieval")
	require.Equal(t, model.StageDeciding, stages[0])
	require.Contains(t, stages, model.StageProcessing)
}

func TestPolicyRAGWhenEstimateTooLarge(t *testing.T) {
	fake := &fakeRetriever{
		estimate: 100000,
		ready:    true,
		passages: []Passage{
			{Text: "coolant flow passage", Source: "cooling.md", Score: 0.9},
			{Text: "power draw passage", Source: "power.md", Score: 0.7},
		},
	}
	policy := NewPolicy(fake)

	res, err := policy.BuildContext(context.Background(), "coolant", "ds_1", 1000, nil)
	require.NoError(t, err)

	require.Equal(t, model.RetrievalRAG, res.Decision.Method)
	require.False(t, fake.fetchedAll, "RAG path must not fetch the whole document")
	require.True(t, fake.queried)

	// Numbered citation blocks, best first.
	require.True(t, strings.HasPrefix(res.Context, "[1] (cooling.md"))
	require.Contains(t, res.Context, "[2] (power.md")
	require.Equal(t, []string{"cooling.md", "power.md"}, res.Citations)
}

func TestPolicyRAGWhenEngineNotReady(t *testing.T) {
	fake := &fakeRetriever{
		estimate: 10,
		ready:    false,
		passages: []Passage{{Text: "p", Source: "s", Score: 0.9}},
	}
	policy := NewPolicy(fake)

	res, err := policy.BuildContext(context.Background(), "q", "ds_1", 1000, nil)
	require.NoError(t, err)
	require.Equal(t, model.RetrievalRAG, res.Decision.Method)
	require.False(t, fake.fetchedAll)
}

func TestPolicyFallsBackWhenExactCountExceeds(t *testing.T) {
	// The per-chunk estimate fits, but the exact count of the joined
	// document does not.
	fake := &fakeRetriever{
		estimate: 5,
		content:  strings.Repeat("word ", 5000),
		ready:    true,
		passages: []Passage{{Text: "excerpt", Source: "doc.md", Score: 0.8}},
	}
	policy := NewPolicy(fake)

	res, err := policy.BuildContext(context.Background(), "q", "ds_1", 100, nil)
	require.NoError(t, err)

	require.Equal(t, model.RetrievalRAG, res.Decision.Method)
	require.True(t, fake.fetchedAll, "exact verification requires fetching the document")
	require.True(t, fake.queried)
	require.Contains(t, res.Context, "excerpt")
}

func TestPolicyEmptyWhenNoPassages(t *testing.T) {
	fake := &fakeRetriever{estimate: 100000, ready: true}
	policy := NewPolicy(fake)

	res, err := policy.BuildContext(context.Background(), "q", "ds_1", 1000, nil)
	require.NoError(t, err)
	require.Empty(t, res.Context)
	require.Empty(t, res.Citations)
}

func TestClampToCeiling(t *testing.T) {
	fake := &fakeRetriever{}
	policy := NewPolicy(fake)

	text := strings.Repeat("word ", 200)

	// Under the ceiling: untouched.
	require.Equal(t, text, policy.clampToCeiling(text, 10000))

	// Over the ceiling: largest prefix that fits.
	clamped := policy.clampToCeiling(text, 50)
	require.Less(t, len(clamped), len(text))
	require.LessOrEqual(t, CountTokens(clamped), 50)

	// One more byte would exceed the ceiling.
	if len(clamped) < len(text) {
		require.Greater(t, CountTokens(text[:len(clamped)+1]), 50)
	}
}

func TestClampToCeilingRuneBoundary(t *testing.T) {
	fake := &fakeRetriever{}
	policy := NewPolicy(fake)

	text := strings.Repeat("héllo wörld ", 100)
	clamped := policy.clampToCeiling(text, 20)
	require.True(t, len(clamped) < len(text))
	for _, r := range clamped {
		require.NotEqual(t, '�', r, "clamp must not split a rune")
	}
}
