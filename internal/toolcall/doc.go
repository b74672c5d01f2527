// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package toolcall detects tool-call payloads embedded inside a growing
// token stream. It is the single canonical detector: rendering layers
// consume the parsed result, they never re-scan.
//
// Three detection paths are checked in order, each firing at most once per
// run until Reset:
//
//  1. Marker-prefixed token: a token starting with the literal call marker,
//     ignored while inside an open think block
//  2. Tag-wrapped JSON: <tool_call>...</tool_call>
//  3. Bare JSON object located via balanced-brace matching that honors
//     string literals and backslash escapes; an object qualifies only when
//     it carries both a name-like and an arguments-like key
//
// Partial JSON at the buffer end is left untouched until more tokens
// arrive; FinalPass handles a trailing well-formed call once generation
// naturally ends.
package toolcall
