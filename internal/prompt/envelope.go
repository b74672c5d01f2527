// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt renders conversation history into model-family prompts.
package prompt

// =============================================================================
// ENVELOPE TYPE
// =============================================================================

// envelope holds the fixed open/close control tokens for one family.
// genPrompt is the assistant-open token the prompt ends with, so the model
// generates from the assistant position.
type envelope struct {
	bos string

	systemOpen  string
	systemClose string

	userOpen  string
	userClose string

	assistantOpen  string
	assistantClose string

	toolOpen  string
	toolClose string

	// stops are the family's default stop sequences
	stops []string

	// imageToken is the family's image placeholder token
	imageToken string
}

// chatMLEnvelope is shared by the ChatML dialects.
var chatMLEnvelope = envelope{
	systemOpen:     "<|im_start|>system\n",
	systemClose:    "<|im_end|>\n",
	userOpen:       "<|im_start|>user\n",
	userClose:      "<|im_end|>\n",
	assistantOpen:  "<|im_start|>assistant\n",
	assistantClose: "<|im_end|>\n",
	toolOpen:       "<|im_start|>tool\n",
	toolClose:      "<|im_end|>\n",
	stops:          []string{"<|im_end|>", "<|endoftext|>"},
	imageToken:     "<|vision_start|><|image_pad|><|vision_end|>",
}

var envelopes = map[Family]envelope{
	FamilyLlama3: {
		bos:            "<|begin_of_text|>",
		systemOpen:     "<|start_header_id|>system<|end_header_id|>\n\n",
		systemClose:    "<|eot_id|>",
		userOpen:       "<|start_header_id|>user<|end_header_id|>\n\n",
		userClose:      "<|eot_id|>",
		assistantOpen:  "<|start_header_id|>assistant<|end_header_id|>\n\n",
		assistantClose: "<|eot_id|>",
		toolOpen:       "<|start_header_id|>ipython<|end_header_id|>\n\n",
		toolClose:      "<|eot_id|>",
		stops:          []string{"<|eot_id|>", "<|end_of_text|>"},
		imageToken:     "<|image|>",
	},
	FamilyGemma: {
		bos:            "<bos>",
		// Gemma has no system role; system text is folded into the first
		// user turn by the renderer.
		userOpen:       "<start_of_turn>user\n",
		userClose:      "<end_of_turn>\n",
		assistantOpen:  "<start_of_turn>model\n",
		assistantClose: "<end_of_turn>\n",
		toolOpen:       "<start_of_turn>user\n",
		toolClose:      "<end_of_turn>\n",
		stops:          []string{"<end_of_turn>", "<eos>"},
		imageToken:     "<start_of_image>",
	},
	FamilyMistral: {
		bos:            "<s>",
		// Mistral folds the system text into the first instruction block.
		userOpen:       "[INST] ",
		userClose:      " [/INST]",
		assistantOpen:  "",
		assistantClose: "</s>",
		toolOpen:       "[TOOL_RESULTS] ",
		toolClose:      " [/TOOL_RESULTS]",
		stops:          []string{"</s>"},
		imageToken:     "[IMG]",
	},
	FamilyPhi: {
		systemOpen:     "<|system|>\n",
		systemClose:    "<|end|>\n",
		userOpen:       "<|user|>\n",
		userClose:      "<|end|>\n",
		assistantOpen:  "<|assistant|>\n",
		assistantClose: "<|end|>\n",
		toolOpen:       "<|tool|>\n",
		toolClose:      "<|end|>\n",
		stops:          []string{"<|end|>", "<|endoftext|>"},
		imageToken:     "<|image_1|>",
	},
	FamilyDeepSeek: {
		bos:            "<｜begin▁of▁sentence｜>",
		// System text sits bare between BOS and the first user marker.
		userOpen:       "<｜User｜>",
		userClose:      "",
		assistantOpen:  "<｜Assistant｜>",
		assistantClose: "<｜end▁of▁sentence｜>",
		toolOpen:       "<｜User｜>",
		toolClose:      "",
		stops:          []string{"<｜end▁of▁sentence｜>"},
		imageToken:     "<image>",
	},
}

// envelopeFor returns the envelope for a family. ChatML dialects share one
// envelope; unknown families get the zero envelope (plain transcript path).
func envelopeFor(f Family) envelope {
	if f.IsChatML() {
		return chatMLEnvelope
	}
	if env, ok := envelopes[f]; ok {
		return env
	}
	return envelope{
		stops:      []string{"\nUser:", "\nSystem:"},
		imageToken: "[image]",
	}
}

// =============================================================================
// STOP SETS
// =============================================================================

// DefaultStops returns the family's default stop sequences. The returned
// slice is a copy; callers may extend it.
func DefaultStops(f Family) []string {
	env := envelopeFor(f)
	stops := make([]string, len(env.stops))
	copy(stops, env.stops)
	return stops
}

// AntiLoopStops returns the aggressive extra stops that keep weaker models
// from generating a fake next user turn. Suppressed by the engine for think
// templates, compact models, and dataset turns, where they would truncate
// legitimate output.
func AntiLoopStops(f Family) []string {
	env := envelopeFor(f)
	stops := []string{"\nUser:", "\nQ:"}
	if env.userOpen != "" {
		stops = append(stops, env.userOpen)
	}
	return stops
}

// ControlTokens returns every control token of the family, used when
// stripping leftovers from final output.
func ControlTokens(f Family) []string {
	env := envelopeFor(f)
	candidates := []string{
		env.bos,
		env.systemOpen, env.systemClose,
		env.userOpen, env.userClose,
		env.assistantOpen, env.assistantClose,
		env.toolOpen, env.toolClose,
	}
	candidates = append(candidates, env.stops...)

	tokens := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, tok := range candidates {
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}
	return tokens
}

// ImageToken returns the family's image placeholder token.
func ImageToken(f Family) string {
	return envelopeFor(f).imageToken
}
