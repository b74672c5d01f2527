// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/hearth/internal/model"
	"github.com/jeranaias/hearth/internal/util"
)

// =============================================================================
// SESSION METADATA
// =============================================================================

// SessionMeta is the listing view of a saved session.
type SessionMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`

	// Preview is the first user message, truncated.
	Preview string `json:"preview"`
}

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore persists sessions as one JSON file each.
type SessionStore struct {
	// BaseDir is the storage directory. Default: ~/.hearth/sessions/
	BaseDir string

	// MaxSessions limits stored sessions (0 = unlimited). Oldest are
	// pruned on save.
	MaxSessions int
}

// NewSessionStore creates a store under the default directory.
func NewSessionStore() (*SessionStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewSessionStoreWithDir(filepath.Join(homeDir, ".hearth", "sessions"))
}

// NewSessionStoreWithDir creates a store with an explicit directory.
func NewSessionStoreWithDir(baseDir string) (*SessionStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &SessionStore{
		BaseDir:     baseDir,
		MaxSessions: 100,
	}, nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save persists a session and returns its ID. A streaming message must be
// finalized before saving; its transient state is not serialized.
func (s *SessionStore) Save(sess *model.Session) (string, error) {
	sess.UpdatedAt = time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return "", err
	}

	// RELIABILITY: atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(s.filePath(sess.ID), data, 0644); err != nil {
		return "", err
	}

	if s.MaxSessions > 0 {
		s.enforceLimit()
	}
	return sess.ID, nil
}

// enforceLimit removes the oldest sessions when over the cap.
func (s *SessionStore) enforceLimit() {
	metas, err := s.List()
	if err != nil || len(metas) <= s.MaxSessions {
		return
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.Before(metas[j].UpdatedAt)
	})
	excess := len(metas) - s.MaxSessions
	for i := 0; i < excess; i++ {
		s.Delete(metas[i].ID)
	}
}

// =============================================================================
// LOAD
// =============================================================================

// Load retrieves a session by ID.
func (s *SessionStore) Load(id string) (*model.Session, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// LoadByIndex loads a session by list position (0 = most recent).
func (s *SessionStore) LoadByIndex(index int) (*model.Session, error) {
	metas, err := s.List()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(metas) {
		return nil, ErrSessionNotFound
	}
	return s.Load(metas[index].ID)
}

// =============================================================================
// LIST AND SEARCH
// =============================================================================

// List returns metadata for all saved sessions, most recent first.
// Corrupted files are skipped.
func (s *SessionStore) List() ([]SessionMeta, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionMeta{}, nil
		}
		return nil, err
	}

	var metas []SessionMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		metas = append(metas, SessionMeta{
			ID:           sess.ID,
			Title:        sess.GetTitle(),
			Model:        sess.Model,
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
			MessageCount: sess.MessageCount(),
			Preview:      firstUserPreview(sess),
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Search finds sessions whose title or preview contains the query,
// case-insensitively.
func (s *SessionStore) Search(query string) ([]SessionMeta, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	var results []SessionMeta
	for _, meta := range all {
		if strings.Contains(strings.ToLower(meta.Title), query) ||
			strings.Contains(strings.ToLower(meta.Preview), query) {
			results = append(results, meta)
		}
	}
	return results, nil
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes a session by ID.
func (s *SessionStore) Delete(id string) error {
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// Clear removes all saved sessions.
func (s *SessionStore) Clear() error {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			os.Remove(filepath.Join(s.BaseDir, entry.Name()))
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *SessionStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

func firstUserPreview(sess *model.Session) string {
	for _, msg := range sess.Messages {
		if msg.Role == model.RoleUser && msg.Content != "" {
			preview := strings.ReplaceAll(msg.Content, "\n", " ")
			// UNICODE: rune-based truncation, never mid-codepoint
			return util.TruncateRunes(preview, 80)
		}
	}
	return ""
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrSessionNotFound is returned when no session exists for an ID.
// Use errors.Is(err, ErrSessionNotFound) to check for it.
var ErrSessionNotFound = &SessionError{Message: "session not found"}

// SessionError represents a session persistence error.
type SessionError struct {
	Message string
}

func (e *SessionError) Error() string {
	return e.Message
}

// Is implements errors.Is support.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
