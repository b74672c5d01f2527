// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the tool system the model can call into.
package tools

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// RISK LEVELS
// =============================================================================

// RiskLevel indicates how dangerous a tool is.
type RiskLevel int

const (
	// RiskLow - Read-only operations, no side effects
	RiskLow RiskLevel = iota

	// RiskMedium - Reaches the network but changes nothing locally
	RiskMedium

	// RiskHigh - Modifies local state
	RiskHigh
)

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// Tool describes one callable tool.
type Tool struct {
	// Name is the tool identifier (e.g., "x.web.retrieve")
	Name string

	// Description explains what the tool does, phrased for the model.
	Description string

	// Schema defines the tool's parameters
	Schema Schema

	// RiskLevel indicates how dangerous the tool is
	RiskLevel RiskLevel

	// Executor runs the tool
	Executor ToolExecutor
}

// Schema defines a tool's parameters.
type Schema struct {
	Parameters []Parameter
}

// Parameter defines a single tool parameter.
type Parameter struct {
	// Name of the parameter
	Name string

	// Type is the parameter type ("string", "integer", "boolean")
	Type string

	// Required indicates if the parameter must be provided
	Required bool

	// Description explains the parameter
	Description string

	// Default is the default value if not provided
	Default interface{}
}

// Result is the outcome of one tool execution.
type Result struct {
	// Success indicates if the tool executed successfully
	Success bool

	// Output is the tool's output (for successful execution)
	Output string

	// Error is the error message (for failed execution)
	Error string

	// Duration is how long execution took
	Duration time.Duration
}

// GuidanceBlock renders the registered tools as prompt guidance the
// system prompt can carry, so models without native tool support can
// still emit the marker format.
func GuidanceBlock(tools []*Tool) string {
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You have access to the following tools. To call one, respond with a single JSON object of the form ")
	b.WriteString(`{"tool_name": "<name>", "arguments": {...}} and nothing else.` + "\n")
	for _, tool := range tools {
		b.WriteString("\n- " + tool.Name + ": " + tool.Description + "\n")
		for _, p := range tool.Schema.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			b.WriteString("    " + p.Name + " (" + p.Type + ", " + req + "): " + p.Description + "\n")
		}
	}
	return b.String()
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the available tools, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates a registry with the built-in tools registered.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	r.RegisterBuiltins()
	return r
}

// RegisterBuiltins registers all built-in tools.
func (r *Registry) RegisterBuiltins() {
	r.Register(WebRetrieveTool)
	r.Register(ClockTool)
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Get returns the tool with the given name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// =============================================================================
// PARAMETER HELPERS
// =============================================================================

func getStringParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func getIntParam(params map[string]interface{}, key string, fallback int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return fallback
}
