// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"strings"
	"time"

	"github.com/jeranaias/hearth/internal/backend"
	"github.com/jeranaias/hearth/internal/model"
	"github.com/jeranaias/hearth/internal/prompt"
	"github.com/jeranaias/hearth/internal/toolcall"
)

// =============================================================================
// CONTINUATION CONTROL
// =============================================================================

// continueNudge is the hidden user turn appended for families without a
// chat-native tool role. It is rendered into the prompt but never persisted
// to the session.
const continueNudge = "Continue your answer using the tool result above. " +
	"Do not call the tool again unless you need different information."

// continueWithTool executes a captured tool call and issues continuation
// streams until the model produces a final answer, a chained-call limit is
// hit, or an error surfaces. The first call counts as call zero; up to
// maxChainedCalls additional calls may follow from continuations.
func (o *Orchestrator) continueWithTool(ctx context.Context, runID uint64, sess *model.Session, cfg RunConfig, st *streamState, det *toolcall.Detection, emit func(RunEvent)) {
	for chained := 0; ; chained++ {
		call := model.ToolCall{
			ID:            det.Call.ID,
			ToolName:      det.Call.Name,
			RequestParams: det.Call.Arguments,
			Timestamp:     time.Now(),
		}
		emit(RunEvent{Type: EventToolCallDetected, MessageIndex: st.index, Call: &call})

		if chained > maxChainedCalls {
			call.Error = "tool call limit reached for this turn"
			if o.isCurrent(runID) {
				st.msg.AddToolCall(call)
			}
			emit(RunEvent{Type: EventToolCallResolved, MessageIndex: st.index, Call: &call})
			break
		}

		// Execution failures land in the call's error field and still
		// flow into the continuation so the model can react.
		res := o.runner.Execute(ctx, det.Call.Name, det.Call.Arguments)
		if res.Success {
			call.Result = res.Output
		} else {
			call.Error = res.Error
		}
		if o.isCurrent(runID) {
			st.msg.AddToolCall(call)
		}
		emit(RunEvent{Type: EventToolCallResolved, MessageIndex: st.index, Call: &call})

		buffer, next, err := o.streamContinuation(ctx, runID, sess, cfg, st, call, emit)
		if err != nil {
			o.finishWithError(ctx, runID, st, buffer, err, emit)
			return
		}
		if next == nil {
			if d, ok := st.ic.FinalPass(buffer); ok {
				next = d
				o.setVisible(runID, st, st.prefix+d.CleanBefore+d.Marker)
			}
		}
		if next == nil {
			break
		}
		det = next
	}

	o.finish(runID, st, cfg.Family, emit)
}

// streamContinuation rebuilds the history with the pre-call assistant text
// and a synthetic tool turn carrying the serialized result, then streams
// the follow-up into the same message. Known transient races (empty
// output, aborted prefill) are retried with exponential backoff before the
// error surfaces.
func (o *Orchestrator) streamContinuation(ctx context.Context, runID uint64, sess *model.Session, cfg RunConfig, st *streamState, call model.ToolCall, emit func(RunEvent)) (string, *toolcall.Detection, error) {
	turns := prompt.TurnsFromMessages(sess.Messages)
	if text := strings.TrimSpace(st.msg.DisplayContent()); text != "" {
		turns = append(turns, prompt.Turn{Role: model.RoleAssistant, Content: text})
	}
	turns = append(turns, prompt.Turn{Role: model.RoleTool, Content: toolTurnContent(call)})
	if needsNudge(cfg.Family) {
		turns = append(turns, prompt.Turn{Role: model.RoleUser, Content: continueNudge})
	}
	rendered := prompt.Render(turns, cfg.SystemPrompt, cfg.Family, cfg.MaxTokens)

	// The continuation appends to the existing visible text on its own
	// line; the stream's local buffer starts empty.
	if visible := st.msg.DisplayContent(); visible != "" && !strings.HasSuffix(visible, "\n") {
		if o.isCurrent(runID) {
			st.msg.AppendToken("\n")
		}
	}
	st.prefix = st.msg.DisplayContent()
	st.ic.Reset()
	st.tracker.Reset()

	req := backend.Request{
		Model:         cfg.Model,
		Prompt:        rendered.Prompt,
		Stops:         st.stops,
		MaxTokens:     cfg.MaxTokens,
		ContextWindow: cfg.ContextWindow,
		Temperature:   cfg.Temperature,
	}

	for attempt := 0; ; attempt++ {
		buffer, det, err := o.streamInto(ctx, runID, req, st, emit)
		if err == nil && det == nil && strings.TrimSpace(buffer) == "" {
			err = errEmptyOutput
		}
		if err != nil && isTransient(err) && ctx.Err() == nil && attempt < transientRetries {
			if !sleepCtx(ctx, o.retryDelay<<attempt) {
				return buffer, nil, ctx.Err()
			}
			continue
		}
		return buffer, det, err
	}
}

// toolTurnContent serializes a resolved call for the synthetic tool turn.
func toolTurnContent(call model.ToolCall) string {
	if call.Error != "" {
		return "Tool " + call.ToolName + " failed: " + call.Error
	}
	return call.Result
}

// needsNudge reports whether the family lacks a chat-native tool role and
// needs an explicit user turn to resume generation after a tool result.
func needsNudge(f prompt.Family) bool {
	switch f {
	case prompt.FamilyGemma, prompt.FamilyMistral, prompt.FamilyDeepSeek, prompt.FamilyOther:
		return true
	}
	return false
}

// isTransient reports whether an error matches a known benign race
// signature worth a local retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if err == errEmptyOutput {
		return true
	}
	if backend.IsCanceled(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "aborted") || strings.Contains(msg, "prefill")
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
