// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Normalize maps arbitrary role strings onto the four supported roles.
// Unknown roles are treated as user turns so they still reach the model.
func Normalize(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "model", "ai":
		return RoleAssistant
	case "system":
		return RoleSystem
	case "tool", "function":
		return RoleTool
	default:
		return RoleUser
	}
}

// =============================================================================
// TOOL CALL TYPE
// =============================================================================

// ToolCall records one tool invocation made during a generation run.
// Result and Error are filled in after execution; exactly one of them is
// non-empty for a completed call.
type ToolCall struct {
	ID            string          `json:"id"`
	ToolName      string          `json:"tool_name"`
	DisplayName   string          `json:"display_name,omitempty"`
	RequestParams json.RawMessage `json:"request_params,omitempty"`
	Result        string          `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Succeeded reports whether the call produced a result without error.
func (tc *ToolCall) Succeeded() bool {
	return tc.Error == "" && tc.Result != ""
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a session.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content string `json:"content"`

	// Streaming state (not persisted)
	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`

	// Retrieval context attached to this turn
	RetrievedContext string   `json:"retrieved_context,omitempty"`
	Citations        []string `json:"citations,omitempty"`

	// Tool calls dispatched while generating this message
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Performance metrics (for assistant messages)
	TokenCount    int           `json:"token_count,omitempty"`
	TTFT          time.Duration `json:"ttft_ns,omitempty"`
	TotalDuration time.Duration `json:"total_duration_ns,omitempty"`
	TokensPerSec  float64       `json:"tokens_per_sec,omitempty"`

	// For tool messages
	ToolName  string `json:"tool_name,omitempty"`
	IsSuccess bool   `json:"is_success,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new streaming assistant message.
func NewAssistantMessage() *Message {
	return &Message{
		ID:          generateID(),
		Role:        RoleAssistant,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// NewToolMessage creates a new tool result message.
func NewToolMessage(toolName string, result string, success bool) *Message {
	msg := NewMessage(RoleTool, result)
	msg.ToolName = toolName
	msg.IsSuccess = success
	return msg
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendToken appends a token to a streaming message.
func (m *Message) AppendToken(token string) {
	if m.IsStreaming {
		m.streamContent.WriteString(token)
	}
}

// SetStreamContent replaces the streamed content wholesale.
// Used when the engine trims a stop suffix or splices out a tool call.
func (m *Message) SetStreamContent(content string) {
	if !m.IsStreaming {
		return
	}
	m.streamContent.Reset()
	m.streamContent.WriteString(content)
}

// FinalizeStream completes streaming and sets statistics.
func (m *Message) FinalizeStream(stats *Statistics) {
	if !m.IsStreaming {
		return
	}

	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false

	if stats != nil {
		m.TTFT = stats.TTFT
		m.TotalDuration = stats.TotalDuration
		m.TokenCount = stats.CompletionTokens
		m.TokensPerSec = stats.TokensPerSecond
	}
}

// DisplayContent returns the content to display (streaming or final).
func (m *Message) DisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// AddToolCall appends a tool call record to the message.
func (m *Message) AddToolCall(call ToolCall) {
	m.ToolCalls = append(m.ToolCalls, call)
}

// LastToolCall returns the most recent tool call, or nil.
func (m *Message) LastToolCall() *ToolCall {
	if len(m.ToolCalls) == 0 {
		return nil
	}
	return &m.ToolCalls[len(m.ToolCalls)-1]
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	content := m.DisplayContent()
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// EstimateTokens gives a rough estimate of token count.
// Uses the approximation of ~4 characters per token.
func (m *Message) EstimateTokens() int {
	return (len(m.DisplayContent()) + 3) / 4
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing and token count information for a generation.
type Statistics struct {
	// Timestamps
	StartTime      time.Time
	FirstTokenTime time.Time
	EndTime        time.Time

	// Token counts
	PromptTokens     int
	CompletionTokens int

	// Derived metrics (computed on Finalize)
	TTFT            time.Duration
	TotalDuration   time.Duration
	TokensPerSecond float64
}

// NewStatistics creates a new Statistics with the start time set.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime: time.Now(),
	}
}

// RecordFirstToken records when the first token was received.
func (s *Statistics) RecordFirstToken() {
	if s.FirstTokenTime.IsZero() {
		s.FirstTokenTime = time.Now()
		s.TTFT = s.FirstTokenTime.Sub(s.StartTime)
	}
}

// Finalize computes the final statistics.
func (s *Statistics) Finalize(tokenCount int) {
	s.EndTime = time.Now()
	s.CompletionTokens = tokenCount
	s.TotalDuration = s.EndTime.Sub(s.StartTime)

	if s.TotalDuration > 0 {
		s.TokensPerSecond = float64(tokenCount) / s.TotalDuration.Seconds()
	}
}

// Format returns a formatted string like
// "2.5s | 128 tokens | 51.2 tok/s | TTFT 234ms".
func (s *Statistics) Format() string {
	totalSec := s.TotalDuration.Seconds()
	ttftMs := s.TTFT.Milliseconds()

	return formatDuration(totalSec) + " | " +
		formatInt(s.CompletionTokens) + " tokens | " +
		formatFloat64(s.TokensPerSecond) + " tok/s | " +
		"TTFT " + formatInt(int(ttftMs)) + "ms"
}

// =============================================================================
// RETRIEVAL DECISION
// =============================================================================

// RetrievalMethod describes how dataset context was injected.
type RetrievalMethod string

const (
	RetrievalFull RetrievalMethod = "full"
	RetrievalRAG  RetrievalMethod = "rag"
)

// RetrievalStage tracks progress of the injection decision for UI banners.
type RetrievalStage string

const (
	StageNone       RetrievalStage = "none"
	StageDeciding   RetrievalStage = "deciding"
	StageDecided    RetrievalStage = "decided"
	StageProcessing RetrievalStage = "processing"
	StagePredicting RetrievalStage = "predicting"
)

// RetrievalDecision is the transient record of the current turn's context
// injection. It is never persisted.
type RetrievalDecision struct {
	Method RetrievalMethod
	Stage  RetrievalStage
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}

// formatInt formats an integer without using fmt.
func formatInt(n int) string {
	if n == 0 {
		return "0"
	}

	negative := n < 0
	if negative {
		n = -n
	}

	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}

	if negative {
		return "-" + string(digits)
	}
	return string(digits)
}

// formatFloat64 formats a float with one decimal place (truncating).
func formatFloat64(f float64) string {
	if f != f { // NaN
		return "NaN"
	}

	whole := int(f)
	absF := f
	if f < 0 {
		absF = -f
	}
	absWhole := whole
	if whole < 0 {
		absWhole = -whole
	}
	frac := int((absF - float64(absWhole)) * 10)

	return formatInt(whole) + "." + formatInt(frac)
}

// formatDuration formats seconds as a nice duration string.
func formatDuration(seconds float64) string {
	if seconds < 1 {
		ms := int(seconds * 1000)
		return formatInt(ms) + "ms"
	}
	return formatFloat64(seconds) + "s"
}
