// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists chat sessions as JSON files.
//
// Each session is one file under the store's base directory, written
// atomically. The store also produces listing metadata, substring search
// over titles and previews, and Markdown/JSON export.
package storage
