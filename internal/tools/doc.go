// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the tool system the model can call into.
//
// Tools are registered by name in a Registry with schema-described
// parameters. The Executor validates arguments against the schema, runs
// the tool, and captures failures as result strings rather than errors,
// so a failed call still produces a tool-role message the model can
// react to in continuation.
//
// Built-ins: x.web.retrieve (DuckDuckGo HTML search, rate limited) and
// x.clock.now.
package tools
