// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// MaxMessages is the maximum number of messages to keep in session history.
// When exceeded, old messages are pruned to prevent unbounded memory growth.
const MaxMessages = 1000

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session holds a complete chat conversation with history and metadata.
//
// The message list is the single source of truth the generation engine reads
// and writes during a run. Callers must not mutate it concurrently with an
// active run; readers may observe intermediate streaming state.
type Session struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages
	Messages []*Message `json:"messages"`

	// Model configuration
	Model string `json:"model"`

	// Optional dataset bound to this session for retrieval
	DatasetID string `json:"dataset_id,omitempty"`

	// System prompt (optional)
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Context tracking
	TokensUsed int `json:"tokens_used"`
	MaxTokens  int `json:"max_tokens"`
}

// NewSession creates a new session with a generated ID.
func NewSession() *Session {
	return &Session{
		ID:        generateSessionID(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Messages:  make([]*Message, 0),
		MaxTokens: 8192,
	}
}

// NewSessionWithModel creates a new session bound to a specific model.
func NewSessionWithModel(model string) *Session {
	s := NewSession()
	s.Model = model
	return s
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage adds a message to the session.
func (s *Session) AddMessage(msg *Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
	s.updateTokenEstimate()
	s.updateTitle()
	s.pruneOldMessages()
}

// AddUserMessage creates and adds a user message.
func (s *Session) AddUserMessage(content string) *Message {
	msg := NewUserMessage(content)
	s.AddMessage(msg)
	return msg
}

// AddAssistantMessage creates and adds a streaming assistant message.
// The index of the new message is returned so the engine can address it
// by position for the lifetime of the run.
func (s *Session) AddAssistantMessage() (*Message, int) {
	msg := NewAssistantMessage()
	s.AddMessage(msg)
	return msg, len(s.Messages) - 1
}

// AddToolMessage creates and adds a tool result message.
func (s *Session) AddToolMessage(toolName string, result string, success bool) *Message {
	msg := NewToolMessage(toolName, result, success)
	s.AddMessage(msg)
	return msg
}

// MessageAt returns the message at the given index, or nil if out of range.
func (s *Session) MessageAt(idx int) *Message {
	if idx < 0 || idx >= len(s.Messages) {
		return nil
	}
	return s.Messages[idx]
}

// LastMessage returns the most recent message, or nil if empty.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// LastUserMessage returns the most recent user message.
func (s *Session) LastUserMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i]
		}
	}
	return nil
}

// StreamingMessage returns the currently streaming message, or nil.
// At most one message is streaming at any time.
func (s *Session) StreamingMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].IsStreaming {
			return s.Messages[i]
		}
	}
	return nil
}

// RemoveMessage removes a message by ID.
func (s *Session) RemoveMessage(id string) bool {
	for i, msg := range s.Messages {
		if msg.ID == id {
			s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
			s.UpdatedAt = time.Now()
			s.updateTokenEstimate()
			return true
		}
	}
	return false
}

// MessageCount returns the number of messages.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// IsEmpty returns true if there are no messages.
func (s *Session) IsEmpty() bool {
	return len(s.Messages) == 0
}

// ClearHistory removes all messages from the session.
func (s *Session) ClearHistory() {
	s.Messages = make([]*Message, 0)
	s.TokensUsed = 0
	s.UpdatedAt = time.Now()
}

// =============================================================================
// TOKEN TRACKING
// =============================================================================

// EstimateTokens estimates the total token count of the session.
func (s *Session) EstimateTokens() int {
	total := 0

	if s.SystemPrompt != "" {
		total += (len(s.SystemPrompt) + 3) / 4
	}

	for _, msg := range s.Messages {
		total += msg.EstimateTokens()
		// Overhead for message envelope tokens
		total += 4
	}

	return total
}

func (s *Session) updateTokenEstimate() {
	s.TokensUsed = s.EstimateTokens()
}

// SetMaxTokens updates the maximum context window.
func (s *Session) SetMaxTokens(max int) {
	s.MaxTokens = max
	s.updateTokenEstimate()
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// updateTitle auto-generates a title from the first user message if not set.
func (s *Session) updateTitle() {
	if s.Title != "" {
		return
	}

	for _, msg := range s.Messages {
		if msg.Role == RoleUser {
			s.Title = msg.Preview(50)
			return
		}
	}
}

// SetTitle manually sets the session title.
func (s *Session) SetTitle(title string) {
	s.Title = title
	s.UpdatedAt = time.Now()
}

// GetTitle returns the session title or a default.
func (s *Session) GetTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return "New Session"
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateSessionID creates a unique session ID.
func generateSessionID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "sess_" + hex.EncodeToString(bytes)
}

// Clone creates a deep copy of the session.
func (s *Session) Clone() *Session {
	clone := &Session{
		ID:           s.ID,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		Model:        s.Model,
		DatasetID:    s.DatasetID,
		SystemPrompt: s.SystemPrompt,
		TokensUsed:   s.TokensUsed,
		MaxTokens:    s.MaxTokens,
		Messages:     make([]*Message, len(s.Messages)),
	}

	for i, msg := range s.Messages {
		msgCopy := *msg
		clone.Messages[i] = &msgCopy
	}

	return clone
}

// pruneOldMessages removes old messages when history exceeds MaxMessages.
// System messages are always preserved.
func (s *Session) pruneOldMessages() {
	if len(s.Messages) <= MaxMessages {
		return
	}

	var systemMessages []*Message
	var otherMessages []*Message
	for _, msg := range s.Messages {
		if msg.Role == RoleSystem {
			systemMessages = append(systemMessages, msg)
		} else {
			otherMessages = append(otherMessages, msg)
		}
	}

	if len(otherMessages) > MaxMessages {
		otherMessages = otherMessages[len(otherMessages)-MaxMessages:]
	}

	s.Messages = make([]*Message, 0, len(systemMessages)+len(otherMessages))
	s.Messages = append(s.Messages, systemMessages...)
	s.Messages = append(s.Messages, otherMessages...)
}
