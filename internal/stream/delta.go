// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream contains token-stream plumbing for the generation engine.
package stream

import "strings"

// =============================================================================
// DELTA COMPUTATION
// =============================================================================

// ComputeDelta returns the minimal non-overlapping suffix of chunk to append
// to existing. Some backends re-send the full accumulated text on every
// callback instead of a true delta; others occasionally duplicate the tail
// after an internal retry. Rules, in priority order:
//
//  1. empty chunk: empty delta
//  2. empty existing: the whole chunk
//  3. chunk has existing as a prefix (cumulative snapshot): the suffix
//  4. existing ends with chunk exactly (duplicate tail): empty
//  5. otherwise: drop the longest suffix of existing that equals a prefix
//     of chunk, append the remainder
//
// Only exact suffix/prefix overlap is eligible for removal, so legitimate
// short tokens that happen to recur earlier in the text are never dropped.
func ComputeDelta(chunk, existing string) string {
	if chunk == "" {
		return ""
	}
	if existing == "" {
		return chunk
	}

	// Cumulative snapshot: backend re-sent everything so far.
	if strings.HasPrefix(chunk, existing) {
		return chunk[len(existing):]
	}

	// Exact duplicate of the current tail.
	if strings.HasSuffix(existing, chunk) {
		return ""
	}

	// Longest suffix of existing that is a prefix of chunk.
	max := len(chunk)
	if len(existing) < max {
		max = len(existing)
	}
	for n := max; n > 0; n-- {
		if existing[len(existing)-n:] == chunk[:n] {
			return chunk[n:]
		}
	}

	return chunk
}
