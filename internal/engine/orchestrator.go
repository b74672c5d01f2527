// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/hearth/internal/backend"
	"github.com/jeranaias/hearth/internal/model"
	"github.com/jeranaias/hearth/internal/prompt"
	"github.com/jeranaias/hearth/internal/retrieval"
	"github.com/jeranaias/hearth/internal/stream"
	"github.com/jeranaias/hearth/internal/toolcall"
	"github.com/jeranaias/hearth/internal/tools"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// eventBuffer sizes the per-run event channel. The consumer drains
	// promptly; the buffer only absorbs short bursts.
	eventBuffer = 64

	// maxChainedCalls bounds additional tool calls after the first one
	// within a single run.
	maxChainedCalls = 2

	// transientRetries bounds retries of a continuation stream that hit
	// a known transient race (empty output, aborted prefill).
	transientRetries = 3

	// defaultRetryDelay is the base backoff delay, doubled per attempt.
	defaultRetryDelay = 500 * time.Millisecond
)

// errSuperseded marks a run that lost ownership to a newer run id. Never
// surfaced; the losing run goes quiet.
var errSuperseded = errors.New("run superseded")

// errEmptyOutput marks a continuation stream that closed without producing
// any output. Known transient race after a stream cancellation; retried.
var errEmptyOutput = errors.New("backend returned empty output")

// =============================================================================
// COLLABORATOR PORTS
// =============================================================================

// ToolRunner executes a parsed tool call. Failures come back inside the
// Result, never as a Go error, so the model can react to them.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args json.RawMessage) tools.Result
}

// =============================================================================
// RUN CONFIGURATION
// =============================================================================

// RunConfig carries the per-run generation parameters. The caller resolves
// the family and think classification once per model (via the backend's
// template endpoint) and passes them here.
type RunConfig struct {
	Model  string
	Family prompt.Family

	// ThinkTemplate marks reasoning models whose output legitimately
	// contains stop-like text.
	ThinkTemplate bool

	// Compact marks small-language-model backends that the aggressive
	// anti-loop stops would truncate.
	Compact bool

	SystemPrompt  string
	ContextWindow int
	MaxTokens     int
	Temperature   float64

	// DatasetID enables context injection for this run when non-empty.
	DatasetID string
}

// datasetActive reports whether this run injects dataset context.
func (c RunConfig) datasetActive() bool {
	return c.DatasetID != ""
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator owns the single active generation run and its collaborators.
type Orchestrator struct {
	backend backend.Backend
	runner  ToolRunner
	policy  *retrieval.Policy

	runSeq atomic.Uint64
	active atomic.Uint64

	retryDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator. The policy may be nil when no dataset
// retrieval is configured.
func New(b backend.Backend, runner ToolRunner, policy *retrieval.Policy) *Orchestrator {
	return &Orchestrator{
		backend:    b,
		runner:     runner,
		policy:     policy,
		retryDelay: defaultRetryDelay,
	}
}

// Run starts a generation run for the session's latest user message and
// returns its event channel. Any earlier run is superseded: its stream is
// cancelled and its remaining mutations become no-ops. The caller must
// drain the channel until it closes.
func (o *Orchestrator) Run(ctx context.Context, sess *model.Session, cfg RunConfig) <-chan RunEvent {
	runID := o.runSeq.Add(1)
	o.active.Store(runID)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	prevDone := o.done
	o.cancel = cancel
	o.done = done
	o.mu.Unlock()

	events := make(chan RunEvent, eventBuffer)
	go func() {
		defer close(events)
		defer close(done)
		defer cancel()
		// The superseded run goes quiet immediately, but the session is
		// single-writer: wait for its goroutine to unwind before
		// touching shared state.
		if prevDone != nil {
			<-prevDone
		}
		o.run(runCtx, runID, sess, cfg, events)
	}()
	return events
}

// Stop cancels the active run, if any. The run finishes with an
// EventCancelled rather than an error.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// isCurrent reports whether runID still owns UI-visible state.
func (o *Orchestrator) isCurrent(runID uint64) bool {
	return o.active.Load() == runID
}

// =============================================================================
// PER-RUN ALGORITHM
// =============================================================================

func (o *Orchestrator) run(ctx context.Context, runID uint64, sess *model.Session, cfg RunConfig, events chan<- RunEvent) {
	emit := func(ev RunEvent) {
		if !o.isCurrent(runID) {
			return
		}
		ev.RunID = runID
		events <- ev
	}

	// Dataset context is resolved before the prompt is finalized so the
	// injected block lands inside the final user slot.
	contextBlock := ""
	var citations []string
	if cfg.datasetActive() && o.policy != nil {
		query := ""
		if last := sess.LastUserMessage(); last != nil {
			query = last.Content
		}
		res, err := o.policy.BuildContext(ctx, query, cfg.DatasetID, cfg.ContextWindow, func(d model.RetrievalDecision) {
			emit(RunEvent{Type: EventStageChanged, Decision: d})
		})
		if err == nil {
			contextBlock = res.Context
			citations = res.Citations
		}
		// Retrieval failure degrades to an uninjected turn; the run
		// itself proceeds.
	}

	turns := prompt.TurnsFromMessages(sess.Messages)
	rendered := prompt.Render(turns, cfg.SystemPrompt, cfg.Family, cfg.MaxTokens)
	promptText := rendered.Prompt
	if contextBlock != "" {
		promptText = prompt.InjectContext(promptText, contextBlock, cfg.Family)
	}
	stops := resolveStops(cfg)

	msg, idx := sess.AddAssistantMessage()
	if contextBlock != "" {
		msg.RetrievedContext = contextBlock
		msg.Citations = citations
	}

	st := &streamState{
		msg:     msg,
		index:   idx,
		stats:   model.NewStatistics(),
		ic:      toolcall.New(),
		tracker: &stream.ThinkTracker{},
		stops:   stops,
	}

	req := backend.Request{
		Model:         cfg.Model,
		Prompt:        promptText,
		Stops:         stops,
		MaxTokens:     cfg.MaxTokens,
		ContextWindow: cfg.ContextWindow,
		Temperature:   cfg.Temperature,
	}

	buffer, det, err := o.streamInto(ctx, runID, req, st, emit)
	if err != nil {
		o.finishWithError(ctx, runID, st, buffer, err, emit)
		return
	}

	// Post-stream safety pass: a well-formed call still sitting at the
	// buffer end is dispatched once generation naturally ends.
	if det == nil {
		if d, ok := st.ic.FinalPass(buffer); ok {
			det = d
			buffer = d.CleanBefore + d.Marker
			o.setVisible(runID, st, st.prefix+buffer)
		}
	}

	if det != nil {
		o.continueWithTool(ctx, runID, sess, cfg, st, det, emit)
		return
	}

	o.finish(runID, st, cfg.Family, emit)
}

// finish cleans the final text, computes performance counters, and marks
// the message no longer streaming.
func (o *Orchestrator) finish(runID uint64, st *streamState, f prompt.Family, emit func(RunEvent)) {
	clean := prompt.CleanOutput(st.msg.DisplayContent(), f)
	o.setVisible(runID, st, clean)

	// Prefer the backend's exact token count over the delta count.
	count := st.tokens
	if st.reportedTokens > 0 {
		count = st.reportedTokens
	}
	st.stats.Finalize(count)
	st.msg.FinalizeStream(st.stats)
	if !o.isCurrent(runID) {
		return
	}
	emit(RunEvent{Type: EventCompleted, MessageIndex: st.index, Stats: st.stats})
}

// finishWithError resolves a failed or cancelled stream. Cancellation is
// silent; open failures replace the streaming placeholder with a visible
// error.
func (o *Orchestrator) finishWithError(ctx context.Context, runID uint64, st *streamState, buffer string, err error, emit func(RunEvent)) {
	if errors.Is(err, errSuperseded) {
		// A newer run owns the session now. Close out quietly.
		st.stats.Finalize(st.tokens)
		st.msg.FinalizeStream(st.stats)
		return
	}

	if ctx.Err() != nil || backend.IsCanceled(err) {
		st.stats.Finalize(st.tokens)
		st.msg.FinalizeStream(st.stats)
		emit(RunEvent{Type: EventCancelled, MessageIndex: st.index})
		return
	}

	// An open failure replaces the streaming placeholder; an error after
	// partial output is appended inline instead.
	if visible := st.msg.DisplayContent(); visible == "" {
		o.setVisible(runID, st, "Error: "+err.Error())
	} else if o.isCurrent(runID) {
		st.msg.AppendToken("\n\n[error: " + err.Error() + "]")
	}
	st.stats.Finalize(st.tokens)
	st.msg.FinalizeStream(st.stats)
	emit(RunEvent{Type: EventFailed, MessageIndex: st.index, Err: err})
}

// resolveStops builds the run's stop set: the family defaults, extended
// with anti-loop markers unless the template is a reasoning template, the
// backend is a compact model, or a dataset is active. Those cases suppress
// the aggressive extras to avoid truncating legitimate output.
func resolveStops(cfg RunConfig) []string {
	stops := prompt.DefaultStops(cfg.Family)
	if cfg.ThinkTemplate || cfg.Compact || cfg.datasetActive() {
		return stops
	}
	return append(stops, prompt.AntiLoopStops(cfg.Family)...)
}

// =============================================================================
// TOKEN LOOP
// =============================================================================

// streamState is the mutable state shared by the initial stream and its
// continuations within one run.
type streamState struct {
	msg   *model.Message
	index int
	stats *model.Statistics

	ic      *toolcall.Interceptor
	tracker *stream.ThinkTracker
	stops   []string

	// prefix is the visible text already finalized in the message by
	// earlier streams of this run.
	prefix string

	// tokens counts deltas across all streams of the run.
	tokens int

	// reportedTokens sums the backend's own completion counts.
	reportedTokens int
}

// setVisible replaces the message's streaming content, guarded by the run
// id so a stale run never mutates UI-visible state.
func (o *Orchestrator) setVisible(runID uint64, st *streamState, content string) {
	if !o.isCurrent(runID) {
		return
	}
	st.msg.SetStreamContent(content)
}

// streamInto consumes one backend stream into the run's message. It returns
// the stream's local buffer and, when the interceptor fired, the captured
// detection. The stream is cancelled as soon as a call is detected or a
// stop suffix ends the run.
func (o *Orchestrator) streamInto(ctx context.Context, runID uint64, req backend.Request, st *streamState, emit func(RunEvent)) (string, *toolcall.Detection, error) {
	sctx, scancel := context.WithCancel(ctx)
	defer scancel()

	ch, err := o.backend.OpenStream(sctx, req)
	if err != nil {
		return "", nil, err
	}

	buffer := ""
	for chunk := range ch {
		if chunk.Error != nil {
			return buffer, nil, chunk.Error
		}
		if chunk.Done {
			if chunk.PromptTokens > 0 {
				st.stats.PromptTokens = chunk.PromptTokens
			}
			st.reportedTokens += chunk.CompletionTokens
			continue
		}

		delta := stream.ComputeDelta(chunk.Content, buffer)
		if delta == "" {
			continue
		}
		if !o.isCurrent(runID) {
			return buffer, nil, errSuperseded
		}

		// Interception runs before the delta is appended, so the call
		// payload never reaches visible text.
		if det, ok := st.ic.ScanToken(delta, st.tracker.InsideOpenBlock()); ok {
			scancel()
			// ScanToken's clean text is token-local; prepend what was
			// already streamed.
			buffer += det.CleanBefore + det.Marker
			o.setVisible(runID, st, st.prefix+buffer)
			return buffer, det, nil
		}
		if det, ok := st.ic.ScanBuffer(buffer + delta); ok {
			scancel()
			buffer = det.CleanBefore + det.Marker
			o.setVisible(runID, st, st.prefix+buffer)
			return buffer, det, nil
		}

		if st.tokens == 0 {
			st.stats.RecordFirstToken()
		}
		st.tokens++
		buffer += delta
		if o.isCurrent(runID) {
			st.msg.AppendToken(delta)
		}
		emit(RunEvent{Type: EventTokenAppended, MessageIndex: st.index, Delta: delta})
		st.tracker.Observe(delta)

		if trimmed, hit := stream.TrimStopSuffix(buffer, st.stops, st.tracker); hit {
			scancel()
			buffer = trimmed
			o.setVisible(runID, st, st.prefix+buffer)
			return buffer, nil, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return buffer, nil, err
	}
	return buffer, nil, nil
}
