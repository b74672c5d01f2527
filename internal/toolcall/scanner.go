// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package toolcall detects tool-call payloads inside a token stream.
package toolcall

// =============================================================================
// BALANCED MATCHERS
// =============================================================================

// MatchBrace returns the index of the '}' matching the '{' at start, or -1
// if the object is unterminated. Braces inside string literals are ignored,
// and backslash escapes inside strings (including \" and \\) are honored.
func MatchBrace(s string, start int) int {
	return matchBalanced(s, start, '{', '}')
}

// MatchBracket is the bracket analogue of MatchBrace for [...] payloads
// such as tool-result arrays.
func MatchBracket(s string, start int) int {
	return matchBalanced(s, start, '[', ']')
}

func matchBalanced(s string, start int, open, close byte) int {
	if start < 0 || start >= len(s) || s[start] != open {
		return -1
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}

	return -1
}
