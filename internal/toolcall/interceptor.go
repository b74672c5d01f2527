// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package toolcall detects tool-call payloads inside a token stream.
package toolcall

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// MARKERS
// =============================================================================

const (
	// MarkerPrefix is the literal prefix some templates emit as a single
	// dedicated tool-call token.
	MarkerPrefix = "TOOL_CALL:"

	// Tag pair used by templates that wrap the JSON payload.
	TagOpen  = "<tool_call>"
	TagClose = "</tool_call>"
)

// =============================================================================
// CALL TYPE
// =============================================================================

// Call is a parsed tool invocation extracted from the stream.
type Call struct {
	// ID is generated at detection time and carried through execution.
	ID string

	// Name is the tool name from the payload.
	Name string

	// Arguments is the raw JSON arguments object (may be empty).
	Arguments json.RawMessage

	// Raw is the payload text exactly as the model emitted it.
	Raw string
}

// Detection is the interceptor's result for one fired call.
type Detection struct {
	Call Call

	// CleanBefore is the text to keep: everything the model wrote before
	// the call payload.
	CleanBefore string

	// Marker is the placeholder the caller splices into visible text in
	// place of the payload.
	Marker string
}

// =============================================================================
// INTERCEPTOR
// =============================================================================

// Interceptor scans the growing buffer for tool calls. Each detection path
// fires at most once per run; Reset re-arms for the next continuation turn.
type Interceptor struct {
	fired bool
}

// New creates an armed interceptor.
func New() *Interceptor {
	return &Interceptor{}
}

// Fired reports whether a call was already detected this run.
func (ic *Interceptor) Fired() bool {
	return ic.fired
}

// Reset re-arms the interceptor for a continuation turn.
func (ic *Interceptor) Reset() {
	ic.fired = false
}

// ScanToken checks a single token for the marker prefix (path 1). Calls
// inside an open think block are model reasoning and are ignored.
func (ic *Interceptor) ScanToken(token string, insideThink bool) (*Detection, bool) {
	if ic.fired || insideThink {
		return nil, false
	}

	idx := strings.Index(token, MarkerPrefix)
	if idx < 0 {
		return nil, false
	}

	payload := strings.TrimSpace(token[idx+len(MarkerPrefix):])
	call, ok := parsePayload(payload, false)
	if !ok {
		// Marker with a bare tool name and no JSON body.
		if payload == "" {
			return nil, false
		}
		call = Call{Name: payload, Raw: payload}
	}
	call.ID = newCallID()

	ic.fired = true
	return &Detection{
		Call:        call,
		CleanBefore: token[:idx],
		Marker:      callMarker(call.Name),
	}, true
}

// ScanBuffer checks the full accumulated text for tag-wrapped (path 2) and
// bare-JSON (path 3) calls. Partial payloads at the buffer end are left
// untouched until more tokens arrive.
func (ic *Interceptor) ScanBuffer(buffer string) (*Detection, bool) {
	if ic.fired {
		return nil, false
	}

	if det, ok := ic.scanTagged(buffer); ok {
		return det, true
	}
	return ic.scanBareJSON(buffer)
}

// FinalPass runs once generation naturally ends: it dispatches a trailing
// well-formed call that ScanBuffer could not fire mid-stream, including a
// tag-wrapped payload whose closing tag never arrived.
func (ic *Interceptor) FinalPass(buffer string) (*Detection, bool) {
	if det, ok := ic.ScanBuffer(buffer); ok {
		return det, true
	}
	if ic.fired {
		return nil, false
	}

	// Unclosed tag with a complete JSON object inside.
	open := strings.Index(buffer, TagOpen)
	if open < 0 {
		return nil, false
	}
	inner := buffer[open+len(TagOpen):]
	braceAt := strings.IndexByte(inner, '{')
	if braceAt < 0 {
		return nil, false
	}
	end := MatchBrace(inner, braceAt)
	if end < 0 {
		return nil, false
	}

	call, ok := parsePayload(inner[braceAt:end+1], false)
	if !ok {
		return nil, false
	}
	call.ID = newCallID()

	ic.fired = true
	return &Detection{
		Call:        call,
		CleanBefore: buffer[:open],
		Marker:      callMarker(call.Name),
	}, true
}

// =============================================================================
// DETECTION PATHS
// =============================================================================

func (ic *Interceptor) scanTagged(buffer string) (*Detection, bool) {
	open := strings.Index(buffer, TagOpen)
	if open < 0 {
		return nil, false
	}

	rest := buffer[open+len(TagOpen):]
	closeRel := strings.Index(rest, TagClose)
	if closeRel < 0 {
		// Closing tag not streamed yet.
		return nil, false
	}

	call, ok := parsePayload(strings.TrimSpace(rest[:closeRel]), false)
	if !ok {
		return nil, false
	}
	call.ID = newCallID()

	ic.fired = true
	return &Detection{
		Call:        call,
		CleanBefore: buffer[:open],
		Marker:      callMarker(call.Name),
	}, true
}

func (ic *Interceptor) scanBareJSON(buffer string) (*Detection, bool) {
	for from := 0; from < len(buffer); {
		rel := strings.IndexByte(buffer[from:], '{')
		if rel < 0 {
			return nil, false
		}
		start := from + rel

		end := MatchBrace(buffer, start)
		if end < 0 {
			// Unterminated object at buffer end: wait for more tokens.
			return nil, false
		}

		call, ok := parsePayload(buffer[start:end+1], true)
		if ok {
			call.ID = newCallID()
			ic.fired = true
			return &Detection{
				Call:        call,
				CleanBefore: buffer[:start],
				Marker:      callMarker(call.Name),
			}, true
		}

		// Balanced object without tool keys: keep scanning after it.
		from = end + 1
	}
	return nil, false
}

// =============================================================================
// PAYLOAD PARSING
// =============================================================================

// parsePayload parses a candidate JSON object into a Call. A name-like key
// (tool_name/name/tool) is always required. Bare JSON additionally requires
// an arguments-like key (arguments/args), so ordinary JSON the model quotes
// in prose never qualifies; marker and tag paths already carry intent, so
// their arguments key is optional.
func parsePayload(payload string, requireArgs bool) (Call, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return Call{}, false
	}

	name := ""
	for _, key := range []string{"tool_name", "name", "tool"} {
		if raw, ok := obj[key]; ok {
			if err := json.Unmarshal(raw, &name); err == nil && name != "" {
				break
			}
			name = ""
		}
	}
	if name == "" {
		return Call{}, false
	}

	var args json.RawMessage
	found := false
	for _, key := range []string{"arguments", "args"} {
		if raw, ok := obj[key]; ok {
			args = raw
			found = true
			break
		}
	}
	if requireArgs && !found {
		return Call{}, false
	}

	return Call{
		Name:      name,
		Arguments: args,
		Raw:       payload,
	}, true
}

func callMarker(name string) string {
	return "[tool call: " + name + "]"
}

func newCallID() string {
	return "tc_" + uuid.NewString()
}
