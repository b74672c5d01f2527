// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads, validates, and persists hearth settings.
//
// Settings travel as an explicit *Settings value; components receive what
// they need at construction time. The SettingsStore port abstracts the file
// location for callers that persist changes, and Watcher provides debounced
// hot reload when the file changes on disk.
package config
