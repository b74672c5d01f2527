// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream contains token-stream plumbing for the generation engine.
package stream

import "testing"

// =============================================================================
// DELTA TESTS
// =============================================================================

func TestComputeDeltaEmptyChunk(t *testing.T) {
	if got := ComputeDelta("", "Hello"); got != "" {
		t.Errorf("ComputeDelta(\"\", ...) = %q, want empty", got)
	}
}

func TestComputeDeltaEmptyExisting(t *testing.T) {
	if got := ComputeDelta("Hello", ""); got != "Hello" {
		t.Errorf("ComputeDelta = %q, want whole chunk", got)
	}
}

func TestComputeDeltaCumulativeSnapshot(t *testing.T) {
	// Backend re-sent everything accumulated so far plus new text.
	if got := ComputeDelta("Hello world", "Hello"); got != " world" {
		t.Errorf("ComputeDelta = %q, want \" world\"", got)
	}
}

func TestComputeDeltaDuplicateTail(t *testing.T) {
	if got := ComputeDelta("world", "Hello world"); got != "" {
		t.Errorf("ComputeDelta = %q, want empty for duplicate tail", got)
	}
}

func TestComputeDeltaPartialOverlap(t *testing.T) {
	// "lo wo" overlaps the tail of existing; only "rld" is new.
	if got := ComputeDelta("lo world", "Hello wor"); got != "ld" {
		t.Errorf("ComputeDelta = %q, want \"ld\"", got)
	}
}

func TestComputeDeltaNoOverlap(t *testing.T) {
	if got := ComputeDelta("xyz", "Hello"); got != "xyz" {
		t.Errorf("ComputeDelta = %q, want whole chunk when nothing overlaps", got)
	}
}

func TestComputeDeltaIdempotence(t *testing.T) {
	// computeDelta(existing, existing) == "" for any existing.
	for _, s := range []string{"a", "Hello world", "the the the", "世界"} {
		if got := ComputeDelta(s, s); got != "" {
			t.Errorf("ComputeDelta(%q, %q) = %q, want empty", s, s, got)
		}
	}
}

func TestComputeDeltaKeepsRecurringShortTokens(t *testing.T) {
	// "the " already appears earlier in the text but is NOT a suffix of
	// existing, so it must be appended whole.
	existing := "the cat sat on "
	chunk := "the"
	if got := ComputeDelta(chunk, existing); got != "the" {
		t.Errorf("ComputeDelta = %q, legitimate token dropped", got)
	}
}

func TestComputeDeltaExactSuffixOnly(t *testing.T) {
	// Overlap must be exact: "ab" tail vs "aB" head shares nothing.
	if got := ComputeDelta("aBc", "xxab"); got != "aBc" {
		t.Errorf("ComputeDelta = %q, want full chunk for inexact overlap", got)
	}
}

// =============================================================================
// THINK TRACKER TESTS
// =============================================================================

func TestThinkTrackerOpenClose(t *testing.T) {
	var tr ThinkTracker

	tr.Observe("<think>reasoning")
	if !tr.InsideOpenBlock() {
		t.Error("tracker should be inside open block")
	}

	tr.Observe(" more reasoning</think> answer")
	if tr.InsideOpenBlock() {
		t.Error("tracker should be closed")
	}
}

func TestThinkTrackerSplitAcrossDeltas(t *testing.T) {
	var tr ThinkTracker

	// Delimiters arrive whole per delta in practice; nested blocks count.
	tr.Observe("<think>a<think>b</think>")
	if !tr.InsideOpenBlock() {
		t.Error("one open remains")
	}
	tr.Observe("</think>")
	if tr.InsideOpenBlock() {
		t.Error("all blocks closed")
	}
}

func TestThinkTrackerReset(t *testing.T) {
	var tr ThinkTracker
	tr.Observe("<think>")
	tr.Reset()
	if tr.InsideOpenBlock() {
		t.Error("reset tracker should not be inside a block")
	}
}

// =============================================================================
// STOP TRIMMING TESTS
// =============================================================================

func TestTrimStopSuffixInsideThinkBlock(t *testing.T) {
	var tr ThinkTracker
	tr.Observe("<think>")

	buffer := "<think>answer stop1"
	got, trimmed := TrimStopSuffix(buffer, []string{"stop1"}, &tr)

	if trimmed {
		t.Error("stop inside open think block must not truncate")
	}
	if got != buffer {
		t.Errorf("buffer modified: %q", got)
	}
}

func TestTrimStopSuffixAfterThinkClosed(t *testing.T) {
	var tr ThinkTracker
	tr.Observe("<think>hmm</think>")

	got, trimmed := TrimStopSuffix("answer stop1", []string{"stop1"}, &tr)

	if !trimmed {
		t.Error("stop with closed think block must truncate")
	}
	if got != "answer " {
		t.Errorf("got %q, want \"answer \"", got)
	}
}

func TestTrimStopSuffixNoMatch(t *testing.T) {
	got, trimmed := TrimStopSuffix("plain answer", []string{"<|eot_id|>"}, nil)
	if trimmed || got != "plain answer" {
		t.Errorf("got (%q, %v), want untouched", got, trimmed)
	}
}

func TestTrimStopSuffixMidBufferIgnored(t *testing.T) {
	// The stop string occurs mid-buffer, not as a suffix: no trim.
	got, trimmed := TrimStopSuffix("a stop1 b", []string{"stop1"}, nil)
	if trimmed || got != "a stop1 b" {
		t.Errorf("mid-buffer stop must not trim, got (%q, %v)", got, trimmed)
	}
}

func TestTrimStopSuffixFirstMatchWins(t *testing.T) {
	got, trimmed := TrimStopSuffix("text<|im_end|>", []string{"<|im_end|>", "<|endoftext|>"}, nil)
	if !trimmed || got != "text" {
		t.Errorf("got (%q, %v)", got, trimmed)
	}
}
