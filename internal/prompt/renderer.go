// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt renders conversation history into model-family prompts.
package prompt

import (
	"strings"

	"github.com/jeranaias/hearth/internal/model"
)

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is a normalized role/content pair, the structured rendering output
// for backends that accept chat-native input.
type Turn struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// TurnsFromMessages converts session messages into normalized turns.
// Streaming and empty messages are skipped: the streaming target is the
// message being generated, not history.
func TurnsFromMessages(msgs []*model.Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.IsStreaming || m.IsEmpty() {
			continue
		}
		turns = append(turns, Turn{Role: model.Normalize(string(m.Role)), Content: m.Content})
	}
	return turns
}

// =============================================================================
// RENDERED TYPE
// =============================================================================

// Rendered is a flat prompt ready for a raw-completion backend.
type Rendered struct {
	// Prompt ends at the assistant generation point.
	Prompt string

	// Stops is the family's default stop set for this prompt.
	Stops []string

	// MaxTokens is the generation budget handed to the backend.
	MaxTokens int

	// Family the prompt was rendered for.
	Family Family
}

// =============================================================================
// FLAT RENDERING
// =============================================================================

// Render produces a flat prompt for the family, guaranteeing the system text
// appears before the first user turn's content. Deterministic for identical
// input.
func Render(turns []Turn, system string, f Family, maxTokens int) Rendered {
	p := renderEnvelope(turns, system, f, false)

	if system != "" && !systemBeforeFirstUser(p, system, turns) {
		// Re-render forcing inline placement inside the first user turn.
		p = renderEnvelope(turns, system, f, true)
		if !systemBeforeFirstUser(p, system, turns) {
			// Last resort: plain prefix ahead of everything.
			p = "System: " + system + "\n\n" + renderEnvelope(turns, "", f, false)
		}
	}

	return Rendered{
		Prompt:    p,
		Stops:     DefaultStops(f),
		MaxTokens: maxTokens,
		Family:    f,
	}
}

// RenderTurns produces the structured message list for chat-native backends.
// The system text becomes the leading system turn.
func RenderTurns(turns []Turn, system string) []Turn {
	out := make([]Turn, 0, len(turns)+1)
	if system != "" {
		out = append(out, Turn{Role: model.RoleSystem, Content: system})
	}
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// renderEnvelope renders with the family envelope. When inline is true, or
// when the family has no system slot, the system text is folded into the
// first user turn.
func renderEnvelope(turns []Turn, system string, f Family, inline bool) string {
	if f == FamilyMistral {
		return renderMistral(turns, system)
	}
	if f == FamilyOther {
		return renderTranscript(turns, system)
	}

	env := envelopeFor(f)
	var sb strings.Builder
	sb.WriteString(env.bos)

	pendingSystem := ""
	switch {
	case system == "":
		// nothing
	case env.systemOpen != "" && !inline:
		sb.WriteString(env.systemOpen)
		sb.WriteString(system)
		sb.WriteString(env.systemClose)
	case env.systemOpen == "" && !inline && f == FamilyDeepSeek:
		// DeepSeek system text sits bare after BOS.
		sb.WriteString(system)
		sb.WriteString("\n")
	default:
		pendingSystem = system
	}

	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		switch t.Role {
		case model.RoleUser:
			sb.WriteString(env.userOpen)
			if pendingSystem != "" {
				sb.WriteString(pendingSystem)
				sb.WriteString("\n\n")
				pendingSystem = ""
			}
			sb.WriteString(t.Content)
			sb.WriteString(env.userClose)
		case model.RoleAssistant:
			sb.WriteString(env.assistantOpen)
			sb.WriteString(t.Content)
			sb.WriteString(env.assistantClose)
		case model.RoleTool:
			sb.WriteString(env.toolOpen)
			sb.WriteString(t.Content)
			sb.WriteString(env.toolClose)
		case model.RoleSystem:
			if env.systemOpen != "" {
				sb.WriteString(env.systemOpen)
				sb.WriteString(t.Content)
				sb.WriteString(env.systemClose)
			} else {
				pendingSystem = joinSystem(pendingSystem, t.Content)
			}
		}
	}

	// Generation point
	sb.WriteString(env.assistantOpen)
	return sb.String()
}

// renderMistral renders the [INST] instruction-block format. The system text
// is folded into the first instruction; the prompt ends after the final
// [/INST] so the model generates the assistant reply.
func renderMistral(turns []Turn, system string) string {
	env := envelopes[FamilyMistral]
	var sb strings.Builder
	sb.WriteString(env.bos)

	pendingSystem := system
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		switch t.Role {
		case model.RoleUser:
			sb.WriteString(env.userOpen)
			if pendingSystem != "" {
				sb.WriteString(pendingSystem)
				sb.WriteString("\n\n")
				pendingSystem = ""
			}
			sb.WriteString(t.Content)
			sb.WriteString(env.userClose)
		case model.RoleAssistant:
			sb.WriteString(t.Content)
			sb.WriteString(env.assistantClose)
		case model.RoleTool:
			sb.WriteString(env.toolOpen)
			sb.WriteString(t.Content)
			sb.WriteString(env.toolClose)
		case model.RoleSystem:
			pendingSystem = joinSystem(pendingSystem, t.Content)
		}
	}

	return sb.String()
}

// renderTranscript renders the unknown-family fallback: a plain
// "Role: content" transcript ending at the assistant generation point.
func renderTranscript(turns []Turn, system string) string {
	var sb strings.Builder

	if system != "" {
		sb.WriteString("System: ")
		sb.WriteString(system)
		sb.WriteString("\n\n")
	}

	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		switch t.Role {
		case model.RoleUser:
			sb.WriteString("User: ")
		case model.RoleAssistant:
			sb.WriteString("Assistant: ")
		case model.RoleTool:
			sb.WriteString("Tool: ")
		case model.RoleSystem:
			sb.WriteString("System: ")
		}
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}

	sb.WriteString("Assistant:")
	return sb.String()
}

// =============================================================================
// VALIDATION
// =============================================================================

// systemBeforeFirstUser checks that the system text occurs before the first
// user turn's content in the rendered prompt.
func systemBeforeFirstUser(prompt, system string, turns []Turn) bool {
	sysIdx := strings.Index(prompt, system)
	if sysIdx < 0 {
		return false
	}

	for _, t := range turns {
		if t.Role == model.RoleUser && t.Content != "" {
			userIdx := strings.Index(prompt, t.Content)
			if userIdx < 0 {
				return true
			}
			return sysIdx < userIdx
		}
	}
	// No user turn at all: presence is enough.
	return true
}

// joinSystem concatenates system fragments that must share one slot.
func joinSystem(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n\n" + b
}

// =============================================================================
// OUTPUT CLEANUP
// =============================================================================

// CleanOutput strips leftover family control tokens from final generated
// text. Think blocks are content and stay untouched.
func CleanOutput(text string, f Family) string {
	for _, tok := range ControlTokens(f) {
		text = strings.ReplaceAll(text, tok, "")
	}
	return strings.TrimSpace(text)
}
