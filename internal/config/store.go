// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

// =============================================================================
// SETTINGS STORE
// =============================================================================

// SettingsStore is the persistence port consumed by the application shell.
type SettingsStore interface {
	Load() (*Settings, error)
	Save(*Settings) error
}

// FileStore persists settings to one file path. The zero path uses the
// default locations.
type FileStore struct {
	// Path is the settings file; empty uses ~/.hearth/config.toml with a
	// JSON fallback on load.
	Path string
}

// Load reads settings from the store's path.
func (f *FileStore) Load() (*Settings, error) {
	if f.Path == "" {
		return Load()
	}
	return LoadFromPath(f.Path)
}

// Save writes settings to the store's path.
func (f *FileStore) Save(s *Settings) error {
	if f.Path == "" {
		return Save(s)
	}
	return SaveTOML(s, f.Path)
}
