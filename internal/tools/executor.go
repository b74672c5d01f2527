// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the tool system the model can call into.
package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// =============================================================================
// TOOL EXECUTOR INTERFACE
// =============================================================================

// ToolExecutor runs a single tool with decoded parameters.
type ToolExecutor interface {
	Execute(ctx context.Context, params map[string]interface{}) (Result, error)
}

// =============================================================================
// EXECUTION RECORD
// =============================================================================

// ExecutionRecord tracks one tool execution for audit purposes.
type ExecutionRecord struct {
	// ToolName is the name of the executed tool
	ToolName string

	// Params are the parameters passed to the tool
	Params map[string]interface{}

	// Result is the outcome of the execution
	Result Result

	// Timestamp is when the execution started
	Timestamp time.Time
}

// =============================================================================
// EXECUTOR
// =============================================================================

// Executor runs tool calls against a registry. All failures — unknown
// tool, bad arguments, execution errors — come back as Result values
// with Error set, never as Go errors: the caller always has something
// to hand the model.
type Executor struct {
	registry *Registry

	mu      sync.Mutex
	history []ExecutionRecord

	maxHistory int
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{
		registry:   registry,
		maxHistory: 100,
	}
}

// Registry returns the underlying registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// History returns a copy of the execution records, oldest first.
func (e *Executor) History() []ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ExecutionRecord, len(e.history))
	copy(out, e.history)
	return out
}

// Execute runs the named tool with raw JSON arguments.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	start := time.Now()

	tool := e.registry.Get(name)
	if tool == nil {
		return e.record(name, nil, Result{
			Success:  false,
			Error:    "unknown tool: " + name,
			Duration: time.Since(start),
		}, start)
	}

	params := map[string]interface{}{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return e.record(name, nil, Result{
				Success:  false,
				Error:    "invalid arguments: " + err.Error(),
				Duration: time.Since(start),
			}, start)
		}
	}

	if err := validateParams(tool, params); err != nil {
		return e.record(name, params, Result{
			Success:  false,
			Error:    err.Error(),
			Duration: time.Since(start),
		}, start)
	}

	applyDefaults(tool, params)

	result, err := tool.Executor.Execute(ctx, params)
	if err != nil {
		result = Result{Success: false, Error: err.Error()}
	}
	result.Duration = time.Since(start)

	return e.record(name, params, result, start)
}

func (e *Executor) record(name string, params map[string]interface{}, result Result, start time.Time) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, ExecutionRecord{
		ToolName:  name,
		Params:    params,
		Result:    result,
		Timestamp: start,
	})
	if len(e.history) > e.maxHistory {
		e.history = e.history[len(e.history)-e.maxHistory:]
	}
	return result
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes a schema violation in tool arguments.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "parameter " + e.Param + ": " + e.Reason
}

func validateParams(tool *Tool, params map[string]interface{}) error {
	for _, p := range tool.Schema.Parameters {
		val, present := params[p.Name]
		if !present {
			if p.Required {
				return &ValidationError{Param: p.Name, Reason: "required"}
			}
			continue
		}
		if err := validateType(p, val); err != nil {
			return err
		}
	}
	return nil
}

func validateType(p Parameter, val interface{}) error {
	switch p.Type {
	case "string":
		if _, ok := val.(string); !ok {
			return &ValidationError{Param: p.Name, Reason: "must be a string"}
		}
	case "integer":
		switch v := val.(type) {
		case int:
		case float64:
			if v != float64(int(v)) {
				return &ValidationError{Param: p.Name, Reason: "must be an integer"}
			}
		default:
			return &ValidationError{Param: p.Name, Reason: "must be an integer"}
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return &ValidationError{Param: p.Name, Reason: "must be a boolean"}
		}
	}
	return nil
}

func applyDefaults(tool *Tool, params map[string]interface{}) {
	for _, p := range tool.Schema.Parameters {
		if _, present := params[p.Name]; !present && p.Default != nil {
			params[p.Name] = p.Default
		}
	}
}
