// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jeranaias/hearth/internal/model"
)

// =============================================================================
// SESSION EXPORT
// =============================================================================

// ExportMarkdown renders a session as Markdown: metadata header, then every
// message with a role label, timestamp, and any tool call records.
func ExportMarkdown(sess *model.Session) string {
	var sb strings.Builder
	sb.WriteString("# " + sess.GetTitle() + "\n\n")
	sb.WriteString("Session: " + sess.ID + "\n")
	if sess.Model != "" {
		sb.WriteString("Model: " + sess.Model + "\n")
	}
	sb.WriteString("Created: " + sess.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range sess.Messages {
		sb.WriteString(roleLabel(msg.Role) + " (" + msg.Timestamp.Format("15:04") + "):\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")

		for _, call := range msg.ToolCalls {
			sb.WriteString("\n> tool `" + call.ToolName + "`")
			if call.Error != "" {
				sb.WriteString(" failed: " + call.Error)
			} else if call.Result != "" {
				sb.WriteString(": " + call.Result)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n---\n\n")
	}
	return sb.String()
}

// ExportJSON renders a session as pretty-printed JSON.
func ExportJSON(sess *model.Session) ([]byte, error) {
	return json.MarshalIndent(sess, "", "  ")
}

func roleLabel(r model.Role) string {
	switch r {
	case model.RoleAssistant:
		return "**Assistant**"
	case model.RoleSystem:
		return "**System**"
	case model.RoleTool:
		return "**Tool**"
	default:
		return "**User**"
	}
}
