// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt renders conversation history into model-family prompts.
package prompt

import "strings"

// =============================================================================
// FAMILY TYPE
// =============================================================================

// Family identifies the chat-template dialect a model expects.
type Family int

const (
	// FamilyOther renders a plain "Role: content" transcript.
	FamilyOther Family = iota

	// FamilyLlama3 uses <|start_header_id|> role headers.
	FamilyLlama3

	// ChatML variants share the <|im_start|>/<|im_end|> envelope,
	// except Gemma which uses <start_of_turn> markers.
	FamilyQwen
	FamilyGemma
	FamilySmol
	FamilyLFM

	// FamilyMistral uses [INST]...[/INST] instruction blocks.
	FamilyMistral

	// FamilyPhi uses <|user|>/<|assistant|>/<|end|> markers.
	FamilyPhi

	// FamilyDeepSeek uses fullwidth role markers.
	FamilyDeepSeek

	// FamilyInternLM and FamilyYi are ChatML dialects with their own
	// default system prompts.
	FamilyInternLM
	FamilyYi
)

// String returns the canonical family name.
func (f Family) String() string {
	switch f {
	case FamilyLlama3:
		return "llama3"
	case FamilyQwen:
		return "qwen"
	case FamilyGemma:
		return "gemma"
	case FamilySmol:
		return "smol"
	case FamilyLFM:
		return "lfm"
	case FamilyMistral:
		return "mistral"
	case FamilyPhi:
		return "phi"
	case FamilyDeepSeek:
		return "deepseek"
	case FamilyInternLM:
		return "internlm"
	case FamilyYi:
		return "yi"
	default:
		return "other"
	}
}

// IsChatML reports whether the family uses a ChatML-style turn envelope.
func (f Family) IsChatML() bool {
	switch f {
	case FamilyQwen, FamilySmol, FamilyLFM, FamilyInternLM, FamilyYi:
		return true
	default:
		return false
	}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify resolves the family for a model. The raw chat template wins when
// available (substring match on known control tokens); otherwise the model
// name heuristic decides. Pure function, deterministic.
func Classify(modelName, rawTemplate string) Family {
	if rawTemplate != "" {
		if f, ok := classifyTemplate(rawTemplate, modelName); ok {
			return f
		}
	}
	return classifyName(modelName)
}

// classifyTemplate matches known control-token substrings in a raw template.
func classifyTemplate(tmpl, modelName string) (Family, bool) {
	switch {
	case strings.Contains(tmpl, "<|begin_of_text|>") || strings.Contains(tmpl, "<|start_header_id|>"):
		return FamilyLlama3, true
	case strings.Contains(tmpl, "<start_of_turn>"):
		return FamilyGemma, true
	case strings.Contains(tmpl, "<｜User｜>") || strings.Contains(tmpl, "<｜begin▁of▁sentence｜>"):
		return FamilyDeepSeek, true
	case strings.Contains(tmpl, "<|im_start|>"):
		// ChatML envelope; the variant decides the default system prompt.
		return chatMLVariant(modelName), true
	case strings.Contains(tmpl, "[INST]"):
		return FamilyMistral, true
	case strings.Contains(tmpl, "<|user|>") && strings.Contains(tmpl, "<|end|>"):
		return FamilyPhi, true
	}
	return FamilyOther, false
}

// classifyName maps a model name onto a family when no template is available.
func classifyName(name string) Family {
	n := strings.ToLower(name)

	switch {
	case strings.Contains(n, "llama-3"), strings.Contains(n, "llama3"), strings.Contains(n, "llama 3"):
		return FamilyLlama3
	case strings.Contains(n, "qwen"):
		return FamilyQwen
	case strings.Contains(n, "gemma"):
		return FamilyGemma
	case strings.Contains(n, "smol"):
		return FamilySmol
	case strings.Contains(n, "lfm"), strings.Contains(n, "liquid"):
		return FamilyLFM
	case strings.Contains(n, "mistral"), strings.Contains(n, "mixtral"), strings.Contains(n, "ministral"):
		return FamilyMistral
	case strings.Contains(n, "phi"):
		return FamilyPhi
	case strings.Contains(n, "deepseek"):
		return FamilyDeepSeek
	case strings.Contains(n, "internlm"):
		return FamilyInternLM
	case strings.Contains(n, "yi-"), strings.HasPrefix(n, "yi:"), n == "yi":
		return FamilyYi
	default:
		return FamilyOther
	}
}

// chatMLVariant picks the ChatML dialect from the model name.
// Qwen is the default because its envelope is the common case.
func chatMLVariant(name string) Family {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "smol"):
		return FamilySmol
	case strings.Contains(n, "lfm"), strings.Contains(n, "liquid"):
		return FamilyLFM
	case strings.Contains(n, "internlm"):
		return FamilyInternLM
	case strings.Contains(n, "yi"):
		return FamilyYi
	default:
		return FamilyQwen
	}
}

// =============================================================================
// THINK TEMPLATES
// =============================================================================

// IsThinkTemplate reports whether a raw template or model name indicates a
// reasoning model that emits <think> blocks before the answer.
func IsThinkTemplate(modelName, rawTemplate string) bool {
	if strings.Contains(rawTemplate, "<think>") || strings.Contains(rawTemplate, "</think>") {
		return true
	}
	n := strings.ToLower(modelName)
	return strings.Contains(n, "-r1") || strings.Contains(n, "r1-") ||
		strings.Contains(n, "reason") || strings.Contains(n, "qwq") ||
		strings.Contains(n, "thinking")
}
