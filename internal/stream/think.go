// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream contains token-stream plumbing for the generation engine.
package stream

import "strings"

// =============================================================================
// THINK BLOCK TRACKER
// =============================================================================

// Think block delimiters emitted by reasoning models.
const (
	ThinkOpen  = "<think>"
	ThinkClose = "</think>"
)

// ThinkTracker tracks whether the growing buffer currently sits inside an
// open reasoning span. Stop sequences and tool-call markers inside an open
// think block are model reasoning, not control flow, and must be ignored.
type ThinkTracker struct {
	opens  int
	closes int
}

// Observe updates the tracker with freshly appended text.
func (t *ThinkTracker) Observe(delta string) {
	t.opens += strings.Count(delta, ThinkOpen)
	t.closes += strings.Count(delta, ThinkClose)
}

// InsideOpenBlock reports whether the buffer is inside an opened-but-not-yet
// closed reasoning span.
func (t *ThinkTracker) InsideOpenBlock() bool {
	return t.opens > t.closes
}

// Reset clears the tracker for a new run.
func (t *ThinkTracker) Reset() {
	t.opens = 0
	t.closes = 0
}

// =============================================================================
// STOP SEQUENCE TRIMMING
// =============================================================================

// TrimStopSuffix checks whether buffer ends with any stop sequence and, if
// so, returns the buffer with that suffix removed and true. The check is
// suppressed while inside an open think block: reasoning models legitimately
// write stop-like text mid-thought.
func TrimStopSuffix(buffer string, stops []string, tracker *ThinkTracker) (string, bool) {
	if tracker != nil && tracker.InsideOpenBlock() {
		return buffer, false
	}

	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if strings.HasSuffix(buffer, stop) {
			return buffer[:len(buffer)-len(stop)], true
		}
	}
	return buffer, false
}
