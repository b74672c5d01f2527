// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt renders conversation history into model-family prompts.
package prompt

import "strings"

// =============================================================================
// CONTEXT INJECTION
// =============================================================================

// contextPreamble is the fixed instruction placed ahead of injected context.
// It is part of the injected block, so StripContext can remove the whole
// insertion by exact match.
const contextPreamble = "Use the following context to answer the question. " +
	"If the context does not contain the answer, say so.\n\n"

// buildContextBlock wraps a context block with its preamble and spacing.
func buildContextBlock(contextText string) string {
	return "\n\n" + contextPreamble + contextText + "\n"
}

// InjectContext inserts a context block immediately before the closing
// control token of the most recent user turn, so BOS and role tokens remain
// syntactically valid. Prompts without recognizable markers get the block
// prefixed instead. Injecting the same block twice is a no-op.
func InjectContext(prompt, contextText string, f Family) string {
	if contextText == "" {
		return prompt
	}

	block := buildContextBlock(contextText)
	if strings.Contains(prompt, block) {
		return prompt
	}

	if at, ok := userSlotEnd(prompt, f); ok {
		return prompt[:at] + block + prompt[at:]
	}

	// Unknown family or markerless template: prefix the whole block.
	return contextPreamble + contextText + "\n\n" + prompt
}

// StripContext removes a previously injected context block, restoring the
// prompt byte-identically. Inverse of InjectContext for the same inputs.
func StripContext(prompt, contextText string, f Family) string {
	if contextText == "" {
		return prompt
	}

	block := buildContextBlock(contextText)
	if idx := strings.Index(prompt, block); idx >= 0 {
		return prompt[:idx] + prompt[idx+len(block):]
	}

	// Prefix fallback form.
	prefix := contextPreamble + contextText + "\n\n"
	return strings.TrimPrefix(prompt, prefix)
}

// =============================================================================
// IMAGE PLACEHOLDERS
// =============================================================================

// InjectImagePlaceholders inserts n family-specific image placeholder tokens
// into the most recent user turn, before the turn's content boundary.
// Composable with InjectContext: each call owns its own insertion and never
// duplicates an already-present placeholder run.
func InjectImagePlaceholders(prompt string, n int, f Family) string {
	if n <= 0 {
		return prompt
	}

	run := strings.Repeat(ImageToken(f), n) + "\n"
	if strings.Contains(prompt, run) {
		return prompt
	}

	if at, ok := userSlotStart(prompt, f); ok {
		return prompt[:at] + run + prompt[at:]
	}

	return run + prompt
}

// =============================================================================
// SLOT LOCATION
// =============================================================================

// userSlotEnd locates the insertion point just before the close marker of
// the most recent user turn.
func userSlotEnd(prompt string, f Family) (int, bool) {
	env := envelopeFor(f)
	if env.userOpen == "" {
		return 0, false
	}

	open := strings.LastIndex(prompt, env.userOpen)
	if open < 0 {
		return 0, false
	}
	contentStart := open + len(env.userOpen)

	// DeepSeek user turns have no close token; the next assistant marker
	// bounds the turn.
	closeTok := env.userClose
	if closeTok == "" {
		closeTok = env.assistantOpen
	}
	if closeTok == "" {
		return 0, false
	}

	rel := strings.Index(prompt[contentStart:], closeTok)
	if rel < 0 {
		return 0, false
	}
	return contentStart + rel, true
}

// userSlotStart locates the start of the most recent user turn's content.
func userSlotStart(prompt string, f Family) (int, bool) {
	env := envelopeFor(f)
	if env.userOpen == "" {
		return 0, false
	}

	open := strings.LastIndex(prompt, env.userOpen)
	if open < 0 {
		return 0, false
	}
	return open + len(env.userOpen), true
}
