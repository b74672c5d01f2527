// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt renders conversation history into model-family-correct
// prompts and injects retrieved context without corrupting control tokens.
//
// # Key Types
//
//   - Family: the chat-template dialect a model expects (Llama-3 headers,
//     ChatML, Mistral [INST], ...). Classification is a pure function over
//     the raw chat template when available, with a model-name heuristic
//     fallback.
//   - Rendered: a flat prompt string ending at the assistant generation
//     point, plus the family stop set and max-token budget.
//   - Turn: a role/content pair for backends that accept chat-native input.
//
// # Rendering
//
// Rendering is deterministic for identical input. The system text is
// guaranteed to appear before the first user turn: post-render validation
// re-renders with inline placement if the envelope put it elsewhere, and
// falls back to a plain "System: " prefix as a last resort.
//
// # Context injection
//
// InjectContext inserts a context block immediately before the closing
// control token of the most recent user turn, so BOS and role tokens remain
// syntactically valid. InjectImagePlaceholders puts N family-specific image
// tokens into the same slot. Both fall back to prefixing the whole prompt
// when the family has no recognizable markers, and both are reversible via
// StripContext.
package prompt
