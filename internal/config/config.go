// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Settings file locations (in order of precedence):
//   - ~/.hearth/config.toml
//   - ~/.hearth/config.json
//   - Built-in defaults

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/hearth/internal/util"
)

// =============================================================================
// SETTINGS STRUCTURES
// =============================================================================

// Settings is the complete hearth configuration. It is passed explicitly to
// the components that need it; there is no ambient global.
type Settings struct {
	Version      string `toml:"version" json:"version"`
	DefaultModel string `toml:"default_model" json:"default_model"`

	Backend    BackendSettings    `toml:"backend" json:"backend"`
	Generation GenerationSettings `toml:"generation" json:"generation"`
	Retrieval  RetrievalSettings  `toml:"retrieval" json:"retrieval"`
	Tools      ToolSettings       `toml:"tools" json:"tools"`
	UI         UISettings         `toml:"ui" json:"ui"`
}

// BackendSettings configures the inference server connection.
type BackendSettings struct {
	// URL is the base URL of the inference server.
	URL string `toml:"url" json:"url"`
	// TimeoutSecs bounds non-streaming requests.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
	// KeepAlive is how long the server keeps the model loaded
	// (e.g. "5m"); empty uses the server default.
	KeepAlive string `toml:"keep_alive" json:"keep_alive"`
}

// GenerationSettings configures per-run generation parameters.
type GenerationSettings struct {
	ContextWindow int     `toml:"context_window" json:"context_window"`
	MaxTokens     int     `toml:"max_tokens" json:"max_tokens"`
	Temperature   float64 `toml:"temperature" json:"temperature"`
	SystemPrompt  string  `toml:"system_prompt" json:"system_prompt"`
	// CompactModel marks small-language-model backends; the engine
	// suppresses its aggressive anti-loop stops for these.
	CompactModel bool `toml:"compact_model" json:"compact_model"`
}

// RetrievalSettings configures the dataset store and injection policy.
type RetrievalSettings struct {
	// DatabasePath is the SQLite dataset database (empty = default
	// ~/.hearth/datasets.db).
	DatabasePath string `toml:"database_path" json:"database_path"`
	ChunkSize    int    `toml:"chunk_size" json:"chunk_size"`
	MaxChunks    int    `toml:"max_chunks" json:"max_chunks"`
	// MinScore filters retrieved passages; range [0,1).
	MinScore float64 `toml:"min_score" json:"min_score"`
	// FullDocFraction of the context window under which whole documents
	// are injected instead of excerpts.
	FullDocFraction float64 `toml:"full_doc_fraction" json:"full_doc_fraction"`
	// CeilingFraction of the context window is the hard bound on any
	// injected block.
	CeilingFraction float64 `toml:"ceiling_fraction" json:"ceiling_fraction"`
}

// ToolSettings configures tool-call execution.
type ToolSettings struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	// WebTimeoutSecs bounds one web retrieval request.
	WebTimeoutSecs int `toml:"web_timeout_secs" json:"web_timeout_secs"`
}

// UISettings configures the REPL.
type UISettings struct {
	Color     bool `toml:"color" json:"color"`
	ShowStats bool `toml:"show_stats" json:"show_stats"`
	// HistoryFile is the liner history path (empty = default
	// ~/.hearth/history).
	HistoryFile string `toml:"history_file" json:"history_file"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the default settings.
func Default() *Settings {
	return &Settings{
		Version:      "1.0",
		DefaultModel: "llama3.2:3b",
		Backend: BackendSettings{
			URL:         "http://127.0.0.1:11434",
			TimeoutSecs: 30,
		},
		Generation: GenerationSettings{
			ContextWindow: 8192,
			MaxTokens:     2048,
			Temperature:   0.7,
		},
		Retrieval: RetrievalSettings{
			ChunkSize:       1200,
			MaxChunks:       5,
			MinScore:        0.3,
			FullDocFraction: 0.5,
			CeilingFraction: 0.6,
		},
		Tools: ToolSettings{
			Enabled:        true,
			WebTimeoutSecs: 15,
		},
		UI: UISettings{
			Color:     true,
			ShowStats: true,
		},
	}
}

// =============================================================================
// PATH MANAGEMENT
// =============================================================================

// Dir returns the hearth configuration directory (~/.hearth).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".hearth"), nil
}

// PathTOML returns the TOML settings file path.
func PathTOML() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// PathJSON returns the JSON settings file path.
func PathJSON() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureDir creates the configuration directory if missing.
// SECURITY: 0700 permissions, the directory holds history and datasets.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions tightens a settings file to owner-only access.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0077 != 0 {
		return os.Chmod(path, 0600)
	}
	return nil
}

// =============================================================================
// LOAD
// =============================================================================

// Load reads settings from the default locations: TOML first, then JSON,
// falling back to defaults. Environment overrides apply last, then
// validation.
func Load() (*Settings, error) {
	tomlPath, err := PathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}

	jsonPath, err := PathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	s := Default()
	s.ApplyEnvOverrides()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}

// LoadFromPath reads settings from an explicit file, inferring the format
// from the extension.
func LoadFromPath(path string) (*Settings, error) {
	// SECURITY: settings may hold a system prompt; keep them owner-only.
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	s := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, s); err != nil {
			return nil, fmt.Errorf("failed to decode TOML config: %w", err)
		}
	}

	s.fillDefaults()
	s.ApplyEnvOverrides()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}

// fillDefaults backfills zero-valued fields a partial file left out.
func (s *Settings) fillDefaults() {
	d := Default()
	if s.Version == "" {
		s.Version = d.Version
	}
	if s.DefaultModel == "" {
		s.DefaultModel = d.DefaultModel
	}
	if s.Backend.URL == "" {
		s.Backend.URL = d.Backend.URL
	}
	if s.Backend.TimeoutSecs <= 0 {
		s.Backend.TimeoutSecs = d.Backend.TimeoutSecs
	}
	if s.Generation.ContextWindow <= 0 {
		s.Generation.ContextWindow = d.Generation.ContextWindow
	}
	if s.Generation.MaxTokens <= 0 {
		s.Generation.MaxTokens = d.Generation.MaxTokens
	}
	if s.Retrieval.ChunkSize <= 0 {
		s.Retrieval.ChunkSize = d.Retrieval.ChunkSize
	}
	if s.Retrieval.MaxChunks <= 0 {
		s.Retrieval.MaxChunks = d.Retrieval.MaxChunks
	}
	if s.Retrieval.FullDocFraction <= 0 {
		s.Retrieval.FullDocFraction = d.Retrieval.FullDocFraction
	}
	if s.Retrieval.CeilingFraction <= 0 {
		s.Retrieval.CeilingFraction = d.Retrieval.CeilingFraction
	}
	if s.Tools.WebTimeoutSecs <= 0 {
		s.Tools.WebTimeoutSecs = d.Tools.WebTimeoutSecs
	}
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the settings to the default TOML file.
func Save(s *Settings) error {
	path, err := PathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(s, path)
}

// SaveTOML writes the settings to a TOML file.
// RELIABILITY: atomic write with fsync prevents data loss on crash.
// SECURITY: 0600 permissions, owner read/write only.
func SaveTOML(s *Settings, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# hearth configuration file\n")
	buf.WriteString("# Generated by hearth - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the settings to a JSON file.
func SaveJSON(s *Settings, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateErrors collects every invalid field.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the settings for internally consistent values.
func (s *Settings) Validate() error {
	var errs ValidateErrors

	if u, err := url.Parse(s.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{"backend.url", "must be a valid absolute URL"})
	}
	if s.Backend.TimeoutSecs <= 0 {
		errs = append(errs, ValidationError{"backend.timeout_secs", "must be positive"})
	}
	if s.Generation.ContextWindow < 512 {
		errs = append(errs, ValidationError{"generation.context_window", "must be at least 512"})
	}
	if s.Generation.MaxTokens <= 0 {
		errs = append(errs, ValidationError{"generation.max_tokens", "must be positive"})
	}
	if s.Generation.Temperature < 0 || s.Generation.Temperature > 2 {
		errs = append(errs, ValidationError{"generation.temperature", "must be in [0, 2]"})
	}
	if s.Retrieval.MinScore < 0 || s.Retrieval.MinScore >= 1 {
		errs = append(errs, ValidationError{"retrieval.min_score", "must be in [0, 1)"})
	}
	if s.Retrieval.FullDocFraction <= 0 || s.Retrieval.FullDocFraction > 1 {
		errs = append(errs, ValidationError{"retrieval.full_doc_fraction", "must be in (0, 1]"})
	}
	if s.Retrieval.CeilingFraction <= 0 || s.Retrieval.CeilingFraction > 1 {
		errs = append(errs, ValidationError{"retrieval.ceiling_fraction", "must be in (0, 1]"})
	}
	if s.Retrieval.CeilingFraction < s.Retrieval.FullDocFraction {
		errs = append(errs, ValidationError{"retrieval.ceiling_fraction", "must not be below full_doc_fraction"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - HEARTH_MODEL: overrides default_model
//   - HEARTH_URL: overrides backend.url
//   - HEARTH_CONTEXT_WINDOW: overrides generation.context_window
//   - HEARTH_MAX_TOKENS: overrides generation.max_tokens
//   - HEARTH_SYSTEM_PROMPT: overrides generation.system_prompt
//   - HEARTH_COMPACT: "1" or "true" marks the model as compact
//   - HEARTH_NO_TOOLS: "1" or "true" disables tool execution
func (s *Settings) ApplyEnvOverrides() {
	if model := os.Getenv("HEARTH_MODEL"); model != "" {
		s.DefaultModel = model
	}
	if u := os.Getenv("HEARTH_URL"); u != "" {
		s.Backend.URL = u
	}
	if v := os.Getenv("HEARTH_CONTEXT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Generation.ContextWindow = n
		}
	}
	if v := os.Getenv("HEARTH_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Generation.MaxTokens = n
		}
	}
	if sp := os.Getenv("HEARTH_SYSTEM_PROMPT"); sp != "" {
		s.Generation.SystemPrompt = sp
	}
	if v := os.Getenv("HEARTH_COMPACT"); v != "" {
		s.Generation.CompactModel = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("HEARTH_NO_TOOLS"); v != "" {
		s.Tools.Enabled = !(v == "1" || strings.EqualFold(v, "true"))
	}
}

// =============================================================================
// UTILITY
// =============================================================================

// DatabasePath resolves the dataset database path, defaulting under the
// config directory.
func (s *Settings) DatabasePath() (string, error) {
	if s.Retrieval.DatabasePath != "" {
		return s.Retrieval.DatabasePath, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "datasets.db"), nil
}

// HistoryPath resolves the REPL history path, defaulting under the config
// directory.
func (s *Settings) HistoryPath() (string, error) {
	if s.UI.HistoryFile != "" {
		return s.UI.HistoryFile, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history"), nil
}

// Clone returns a deep copy of the settings.
func (s *Settings) Clone() *Settings {
	out := *s
	return &out
}
