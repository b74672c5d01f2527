// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the tool system the model can call into.
package tools

import (
	"context"
	"time"
)

// =============================================================================
// CLOCK EXECUTOR
// =============================================================================

// ClockExecutor reports the current time. Local models have no clock;
// this gives them one without leaving the machine.
type ClockExecutor struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Execute returns the current time, optionally in a named IANA zone.
func (e *ClockExecutor) Execute(ctx context.Context, params map[string]interface{}) (Result, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	t := now()
	if zone := getStringParam(params, "timezone", ""); zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return Result{
				Success: false,
				Error:   "unknown timezone: " + zone,
			}, nil
		}
		t = t.In(loc)
	}

	return Result{
		Success: true,
		Output:  t.Format("Monday, 2 January 2006 15:04:05 MST"),
	}, nil
}

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// ClockTool reports the current date and time.
var ClockTool = &Tool{
	Name:        "x.clock.now",
	Description: "Get the current date and time.",
	Schema: Schema{
		Parameters: []Parameter{
			{
				Name:        "timezone",
				Type:        "string",
				Required:    false,
				Description: "IANA timezone name, e.g. 'Europe/Berlin'. Defaults to local time.",
			},
		},
	},
	RiskLevel: RiskLow,
	Executor:  &ClockExecutor{},
}
