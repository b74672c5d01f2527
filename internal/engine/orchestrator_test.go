// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/hearth/internal/backend"
	"github.com/jeranaias/hearth/internal/model"
	"github.com/jeranaias/hearth/internal/prompt"
	"github.com/jeranaias/hearth/internal/retrieval"
	"github.com/jeranaias/hearth/internal/tools"
)

// =============================================================================
// FAKES
// =============================================================================

// script is one backend response: an open error, a chunk sequence, or a
// stream that hangs until cancelled (after any chunks).
type script struct {
	err    error
	chunks []backend.StreamChunk
	hang   bool
}

// scriptedBackend replays one script per OpenStream call; the last script
// repeats when calls outnumber scripts.
type scriptedBackend struct {
	mu       sync.Mutex
	scripts  []script
	requests []backend.Request
}

func (b *scriptedBackend) OpenStream(ctx context.Context, req backend.Request) (<-chan backend.StreamChunk, error) {
	b.mu.Lock()
	i := len(b.requests)
	b.requests = append(b.requests, req)
	if i >= len(b.scripts) {
		i = len(b.scripts) - 1
	}
	s := b.scripts[i]
	b.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan backend.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range s.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if s.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (b *scriptedBackend) CheckHealth(context.Context) error { return nil }

func (b *scriptedBackend) ModelTemplate(context.Context, string) (string, error) { return "", nil }

func (b *scriptedBackend) ListModels(context.Context) ([]backend.ModelInfo, error) { return nil, nil }

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *scriptedBackend) request(i int) backend.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[i]
}

// tokenScript builds a script from text chunks plus a final done chunk.
func tokenScript(tokens ...string) script {
	chunks := make([]backend.StreamChunk, 0, len(tokens)+1)
	for _, tok := range tokens {
		chunks = append(chunks, backend.StreamChunk{Content: tok})
	}
	chunks = append(chunks, backend.StreamChunk{Done: true, CompletionTokens: len(tokens), PromptTokens: 10})
	return script{chunks: chunks}
}

type executedCall struct {
	name string
	args string
}

// recordingRunner records Execute calls and replays canned results; the
// last result repeats.
type recordingRunner struct {
	mu      sync.Mutex
	results []tools.Result
	calls   []executedCall
}

func (r *recordingRunner) Execute(_ context.Context, name string, args json.RawMessage) tools.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, executedCall{name: name, args: string(args)})
	if len(r.results) == 0 {
		return tools.Result{Success: true, Output: "ok"}
	}
	i := len(r.calls) - 1
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	return r.results[i]
}

func (r *recordingRunner) executed() []executedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]executedCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

func newTestSession(userText string) *model.Session {
	sess := model.NewSession()
	sess.AddUserMessage(userText)
	return sess
}

func drain(ch <-chan RunEvent) []RunEvent {
	var events []RunEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventsOfType(events []RunEvent, t EventType) []RunEvent {
	var out []RunEvent
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func joinedDeltas(events []RunEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == EventTokenAppended {
			sb.WriteString(ev.Delta)
		}
	}
	return sb.String()
}

func baseConfig() RunConfig {
	return RunConfig{
		Model:         "llama3.2:3b",
		Family:        prompt.FamilyLlama3,
		ContextWindow: 4096,
		MaxTokens:     512,
		Temperature:   0.7,
	}
}

// =============================================================================
// PLAIN STREAMING
// =============================================================================

func TestRunStreamsToCompletion(t *testing.T) {
	b := &scriptedBackend{scripts: []script{tokenScript("Hello", " world", ".")}}
	o := New(b, &recordingRunner{}, nil)

	sess := newTestSession("hi")
	events := drain(o.Run(context.Background(), sess, baseConfig()))

	if got := joinedDeltas(events); got != "Hello world." {
		t.Errorf("deltas = %q, want %q", got, "Hello world.")
	}
	completed := eventsOfType(events, EventCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(completed))
	}
	if completed[0].Stats == nil {
		t.Fatal("completed event missing stats")
	}
	if completed[0].Stats.CompletionTokens != 3 {
		t.Errorf("completion tokens = %d, want 3", completed[0].Stats.CompletionTokens)
	}
	if completed[0].Stats.PromptTokens != 10 {
		t.Errorf("prompt tokens = %d, want 10", completed[0].Stats.PromptTokens)
	}

	msg := sess.MessageAt(completed[0].MessageIndex)
	if msg == nil {
		t.Fatal("no message at completed index")
	}
	if msg.IsStreaming {
		t.Error("message still streaming after completion")
	}
	if msg.Content != "Hello world." {
		t.Errorf("content = %q, want %q", msg.Content, "Hello world.")
	}
}

func TestRunRendersFamilyPrompt(t *testing.T) {
	b := &scriptedBackend{scripts: []script{tokenScript("ok")}}
	o := New(b, &recordingRunner{}, nil)

	cfg := baseConfig()
	cfg.SystemPrompt = "You are terse."
	sess := newTestSession("what is 2+2?")
	drain(o.Run(context.Background(), sess, cfg))

	req := b.request(0)
	if req.Prompt == "" {
		t.Fatal("expected raw-mode prompt, got empty")
	}
	if !strings.Contains(req.Prompt, "You are terse.") {
		t.Error("system text missing from rendered prompt")
	}
	if !strings.Contains(req.Prompt, "what is 2+2?") {
		t.Error("user text missing from rendered prompt")
	}
	if !strings.HasSuffix(req.Prompt, "<|start_header_id|>assistant<|end_header_id|>\n\n") {
		t.Errorf("prompt does not end at assistant generation point: %q", req.Prompt[len(req.Prompt)-40:])
	}
	if req.Model != "llama3.2:3b" {
		t.Errorf("model = %q", req.Model)
	}
}

func TestStopResolution(t *testing.T) {
	defaults := len(prompt.DefaultStops(prompt.FamilyLlama3))
	extended := defaults + len(prompt.AntiLoopStops(prompt.FamilyLlama3))

	tests := []struct {
		name string
		mut  func(*RunConfig)
		want int
	}{
		{"default extends with anti-loop", func(*RunConfig) {}, extended},
		{"think template suppresses", func(c *RunConfig) { c.ThinkTemplate = true }, defaults},
		{"compact model suppresses", func(c *RunConfig) { c.Compact = true }, defaults},
		{"active dataset suppresses", func(c *RunConfig) { c.DatasetID = "ds_1" }, defaults},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &scriptedBackend{scripts: []script{tokenScript("ok")}}
			o := New(b, &recordingRunner{}, nil)
			cfg := baseConfig()
			tt.mut(&cfg)
			drain(o.Run(context.Background(), newTestSession("hi"), cfg))
			if got := len(b.request(0).Stops); got != tt.want {
				t.Errorf("stop count = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStopSuffixEndsRun(t *testing.T) {
	// FamilyOther anti-loop stops include the fake next-user-turn marker.
	b := &scriptedBackend{scripts: []script{{
		chunks: []backend.StreamChunk{
			{Content: "The answer is 4."},
			{Content: "\nUser:"},
		},
		hang: true,
	}}}
	o := New(b, &recordingRunner{}, nil)

	cfg := baseConfig()
	cfg.Family = prompt.FamilyOther
	sess := newTestSession("2+2?")
	events := drain(o.Run(context.Background(), sess, cfg))

	completed := eventsOfType(events, EventCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(completed))
	}
	msg := sess.MessageAt(completed[0].MessageIndex)
	if msg.Content != "The answer is 4." {
		t.Errorf("content = %q, want stop suffix trimmed", msg.Content)
	}
}

func TestOpenThinkBlockSuppressesStops(t *testing.T) {
	b := &scriptedBackend{scripts: []script{tokenScript(
		"<think>", "\nUser:", " might ask more", "</think>", "Answer: 42",
	)}}
	o := New(b, &recordingRunner{}, nil)

	cfg := baseConfig()
	cfg.Family = prompt.FamilyOther
	sess := newTestSession("meaning of life?")
	events := drain(o.Run(context.Background(), sess, cfg))

	if len(eventsOfType(events, EventCompleted)) != 1 {
		t.Fatal("run did not complete")
	}
	content := sess.LastMessage().Content
	if !strings.Contains(content, "Answer: 42") {
		t.Errorf("stop inside think block truncated the run: %q", content)
	}
	if !strings.Contains(content, "<think>") {
		t.Errorf("think block stripped from content: %q", content)
	}
}

// =============================================================================
// TOOL CALLS
// =============================================================================

func TestToolCallEndToEnd(t *testing.T) {
	b := &scriptedBackend{scripts: []script{
		{
			chunks: []backend.StreamChunk{
				{Content: "Let me check. "},
				{Content: `{"tool_name": "x.web.retrieve", `},
				{Content: `"arguments": {"query": "weather in Valletta"}}`},
			},
			hang: true,
		},
		tokenScript("It is sunny, 21C."),
	}}
	runner := &recordingRunner{results: []tools.Result{
		{Success: true, Output: "Valletta: sunny, 21C"},
	}}
	o := New(b, runner, nil)

	sess := newTestSession("weather in Valletta?")
	events := drain(o.Run(context.Background(), sess, baseConfig()))

	detected := eventsOfType(events, EventToolCallDetected)
	if len(detected) != 1 {
		t.Fatalf("detected events = %d, want 1", len(detected))
	}
	if detected[0].Call.ToolName != "x.web.retrieve" {
		t.Errorf("tool name = %q", detected[0].Call.ToolName)
	}

	executed := runner.executed()
	if len(executed) != 1 {
		t.Fatalf("tool executions = %d, want 1", len(executed))
	}
	if executed[0].name != "x.web.retrieve" {
		t.Errorf("executed tool = %q", executed[0].name)
	}
	if !strings.Contains(executed[0].args, "weather in Valletta") {
		t.Errorf("executed args = %q", executed[0].args)
	}

	if b.calls() != 2 {
		t.Fatalf("backend calls = %d, want 2 (stream + continuation)", b.calls())
	}
	cont := b.request(1)
	if !strings.Contains(cont.Prompt, "Valletta: sunny, 21C") {
		t.Error("tool result missing from continuation prompt")
	}
	if !strings.Contains(cont.Prompt, "Let me check.") {
		t.Error("pre-call assistant text missing from continuation prompt")
	}

	completed := eventsOfType(events, EventCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(completed))
	}
	msg := sess.MessageAt(completed[0].MessageIndex)
	if msg.IsStreaming {
		t.Error("message still streaming")
	}
	if !strings.Contains(msg.Content, "[tool call: x.web.retrieve]") {
		t.Errorf("call marker missing: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "It is sunny, 21C.") {
		t.Errorf("continuation text missing: %q", msg.Content)
	}
	if strings.Contains(msg.Content, `"tool_name"`) {
		t.Errorf("raw payload leaked into visible text: %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool call records = %d, want 1", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].Result != "Valletta: sunny, 21C" {
		t.Errorf("recorded result = %q", msg.ToolCalls[0].Result)
	}
}

func TestToolFailureFlowsIntoContinuation(t *testing.T) {
	b := &scriptedBackend{scripts: []script{
		{chunks: []backend.StreamChunk{
			{Content: `{"tool_name": "x.clock.now", "arguments": {}}`},
		}, hang: true},
		tokenScript("I could not read the clock."),
	}}
	runner := &recordingRunner{results: []tools.Result{
		{Success: false, Error: "timezone database unavailable"},
	}}
	o := New(b, runner, nil)

	sess := newTestSession("what time is it?")
	events := drain(o.Run(context.Background(), sess, baseConfig()))

	if len(eventsOfType(events, EventCompleted)) != 1 {
		t.Fatal("run did not complete")
	}
	if !strings.Contains(b.request(1).Prompt, "timezone database unavailable") {
		t.Error("tool error text missing from continuation prompt")
	}
	msg := sess.LastMessage()
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Error != "timezone database unavailable" {
		t.Errorf("tool call record = %+v", msg.ToolCalls)
	}
}

func TestTrailingToolCallDispatchedAfterStreamEnd(t *testing.T) {
	// The closing brace arrives in the very last token, so the call is
	// only dispatchable by the post-stream pass.
	b := &scriptedBackend{scripts: []script{
		tokenScript("<tool_call>", `{"tool_name": "x.clock.now"}`),
		tokenScript("It is noon."),
	}}
	runner := &recordingRunner{results: []tools.Result{
		{Success: true, Output: "2025-03-14T12:00:00Z"},
	}}
	o := New(b, runner, nil)

	sess := newTestSession("time?")
	events := drain(o.Run(context.Background(), sess, baseConfig()))

	if got := len(runner.executed()); got != 1 {
		t.Fatalf("tool executions = %d, want 1", got)
	}
	if len(eventsOfType(events, EventCompleted)) != 1 {
		t.Fatal("run did not complete")
	}
	if !strings.Contains(sess.LastMessage().Content, "It is noon.") {
		t.Errorf("continuation text missing: %q", sess.LastMessage().Content)
	}
}

func TestChainedCallLimit(t *testing.T) {
	// Every stream emits another call; only the first plus
	// maxChainedCalls may execute.
	b := &scriptedBackend{scripts: []script{
		{chunks: []backend.StreamChunk{
			{Content: `{"tool_name": "x.clock.now", "arguments": {}}`},
		}, hang: true},
	}}
	runner := &recordingRunner{results: []tools.Result{
		{Success: true, Output: "12:00"},
	}}
	o := New(b, runner, nil)
	o.retryDelay = time.Millisecond

	sess := newTestSession("loop forever")
	events := drain(o.Run(context.Background(), sess, baseConfig()))

	if got := len(runner.executed()); got != 1+maxChainedCalls {
		t.Errorf("tool executions = %d, want %d", got, 1+maxChainedCalls)
	}
	if len(eventsOfType(events, EventCompleted)) != 1 {
		t.Fatal("run did not complete after hitting the limit")
	}
	msg := sess.LastMessage()
	last := msg.LastToolCall()
	if last == nil || !strings.Contains(last.Error, "limit") {
		t.Errorf("expected a limit-marked final call record, got %+v", last)
	}
}

// =============================================================================
// TRANSIENT RETRY
// =============================================================================

func TestContinuationRetriesEmptyOutput(t *testing.T) {
	b := &scriptedBackend{scripts: []script{
		{chunks: []backend.StreamChunk{
			{Content: `{"tool_name": "x.clock.now", "arguments": {}}`},
		}, hang: true},
		{chunks: []backend.StreamChunk{{Done: true}}},
		tokenScript("It is noon."),
	}}
	runner := &recordingRunner{results: []tools.Result{{Success: true, Output: "12:00"}}}
	o := New(b, runner, nil)
	o.retryDelay = time.Millisecond

	sess := newTestSession("time?")
	events := drain(o.Run(context.Background(), sess, baseConfig()))

	if b.calls() != 3 {
		t.Errorf("backend calls = %d, want 3 (stream + empty + retry)", b.calls())
	}
	if len(eventsOfType(events, EventCompleted)) != 1 {
		t.Fatal("run did not complete")
	}
	if !strings.Contains(sess.LastMessage().Content, "It is noon.") {
		t.Errorf("content = %q", sess.LastMessage().Content)
	}
}

func TestContinuationSurfacesErrorAfterRetries(t *testing.T) {
	b := &scriptedBackend{scripts: []script{
		{chunks: []backend.StreamChunk{
			{Content: `{"tool_name": "x.clock.now", "arguments": {}}`},
		}, hang: true},
		{chunks: []backend.StreamChunk{{Done: true}}},
	}}
	runner := &recordingRunner{results: []tools.Result{{Success: true, Output: "12:00"}}}
	o := New(b, runner, nil)
	o.retryDelay = time.Millisecond

	sess := newTestSession("time?")
	events := drain(o.Run(context.Background(), sess, baseConfig()))

	failed := eventsOfType(events, EventFailed)
	if len(failed) != 1 {
		t.Fatalf("failed events = %d, want 1", len(failed))
	}
	if !errors.Is(failed[0].Err, errEmptyOutput) {
		t.Errorf("err = %v, want empty-output", failed[0].Err)
	}
	// Initial continuation attempt plus the bounded retries.
	if want := 2 + transientRetries; b.calls() != want {
		t.Errorf("backend calls = %d, want %d", b.calls(), want)
	}
	if sess.LastMessage().IsStreaming {
		t.Error("message left streaming after failure")
	}
}

// =============================================================================
// DATASET CONTEXT
// =============================================================================

// fakeRetriever serves one small document so the policy takes the
// full-document path.
type fakeRetriever struct {
	doc string
}

func (r *fakeRetriever) EstimateTokens(context.Context, string) (int, error) {
	return len(strings.Fields(r.doc)), nil
}

func (r *fakeRetriever) FetchAllContent(context.Context, string) (string, error) {
	return r.doc, nil
}

func (r *fakeRetriever) FetchContextDetailed(context.Context, string, string, int, float64, retrieval.StatusCallback) ([]retrieval.Passage, error) {
	return nil, nil
}

func (r *fakeRetriever) CountTokens(text string) int { return len(strings.Fields(text)) }

func (r *fakeRetriever) IsReady() bool { return true }

func (r *fakeRetriever) WarmUp(context.Context) error { return nil }

func TestDatasetContextInjectedIntoPrompt(t *testing.T) {
	b := &scriptedBackend{scripts: []script{tokenScript("In 1964.")}}
	policy := retrieval.NewPolicy(&fakeRetriever{doc: "Malta gained independence in 1964."})
	o := New(b, &recordingRunner{}, policy)

	cfg := baseConfig()
	cfg.DatasetID = "ds_malta"
	sess := newTestSession("when did Malta gain independence?")
	events := drain(o.Run(context.Background(), sess, cfg))

	if len(eventsOfType(events, EventStageChanged)) == 0 {
		t.Error("no retrieval stage events emitted")
	}
	if !strings.Contains(b.request(0).Prompt, "Malta gained independence in 1964.") {
		t.Error("dataset content missing from rendered prompt")
	}
	completed := eventsOfType(events, EventCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(completed))
	}
	msg := sess.MessageAt(completed[0].MessageIndex)
	if msg.RetrievedContext == "" {
		t.Error("retrieved context not recorded on the message")
	}
	// Anti-loop stops are suppressed while a dataset is active.
	if got, want := len(b.request(0).Stops), len(prompt.DefaultStops(cfg.Family)); got != want {
		t.Errorf("stop count = %d, want %d", got, want)
	}
}

// =============================================================================
// FAILURE AND CANCELLATION
// =============================================================================

func TestOpenFailureReplacesPlaceholder(t *testing.T) {
	openErr := &backend.ClientError{Type: backend.ErrTypeConnection, Message: "connection refused"}
	b := &scriptedBackend{scripts: []script{{err: openErr}}}
	o := New(b, &recordingRunner{}, nil)

	sess := newTestSession("hi")
	events := drain(o.Run(context.Background(), sess, baseConfig()))

	failed := eventsOfType(events, EventFailed)
	if len(failed) != 1 {
		t.Fatalf("failed events = %d, want 1", len(failed))
	}
	msg := sess.LastMessage()
	if msg.IsStreaming {
		t.Error("message left streaming")
	}
	if !strings.HasPrefix(msg.Content, "Error:") {
		t.Errorf("content = %q, want visible error", msg.Content)
	}
}

func TestStopCancelsRunSilently(t *testing.T) {
	b := &scriptedBackend{scripts: []script{{
		chunks: []backend.StreamChunk{{Content: "Partial answer"}},
		hang:   true,
	}}}
	o := New(b, &recordingRunner{}, nil)

	sess := newTestSession("hi")
	ch := o.Run(context.Background(), sess, baseConfig())

	var events []RunEvent
	for ev := range ch {
		events = append(events, ev)
		if ev.Type == EventTokenAppended {
			o.Stop()
		}
	}

	if n := len(eventsOfType(events, EventFailed)); n != 0 {
		t.Errorf("failed events = %d, want 0 (cancellation is silent)", n)
	}
	if n := len(eventsOfType(events, EventCancelled)); n != 1 {
		t.Errorf("cancelled events = %d, want 1", n)
	}
	msg := sess.LastMessage()
	if msg.IsStreaming {
		t.Error("message left streaming after stop")
	}
	if msg.Content != "Partial answer" {
		t.Errorf("content = %q, want partial text kept", msg.Content)
	}
}

func TestSupersededRunGoesQuiet(t *testing.T) {
	b := &scriptedBackend{scripts: []script{
		{chunks: []backend.StreamChunk{{Content: "old run"}}, hang: true},
		tokenScript("new run answer"),
	}}
	o := New(b, &recordingRunner{}, nil)

	sess := newTestSession("hi")
	first := o.Run(context.Background(), sess, baseConfig())

	// Wait for the first run to produce output before superseding it.
	for ev := range first {
		if ev.Type == EventTokenAppended {
			break
		}
	}
	second := o.Run(context.Background(), sess, baseConfig())

	firstEvents := drain(first)
	if n := len(eventsOfType(firstEvents, EventCompleted)); n != 0 {
		t.Errorf("superseded run completed events = %d, want 0", n)
	}
	if n := len(eventsOfType(firstEvents, EventFailed)); n != 0 {
		t.Errorf("superseded run failed events = %d, want 0", n)
	}

	secondEvents := drain(second)
	completed := eventsOfType(secondEvents, EventCompleted)
	if len(completed) != 1 {
		t.Fatalf("new run completed events = %d, want 1", len(completed))
	}
	if got := sess.MessageAt(completed[0].MessageIndex).Content; got != "new run answer" {
		t.Errorf("new run content = %q", got)
	}
}

func TestParentContextCancelIsSilent(t *testing.T) {
	b := &scriptedBackend{scripts: []script{{
		chunks: []backend.StreamChunk{{Content: "thinking"}},
		hang:   true,
	}}}
	o := New(b, &recordingRunner{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := newTestSession("hi")
	ch := o.Run(ctx, sess, baseConfig())

	var events []RunEvent
	for ev := range ch {
		events = append(events, ev)
		if ev.Type == EventTokenAppended {
			cancel()
		}
	}

	if n := len(eventsOfType(events, EventFailed)); n != 0 {
		t.Errorf("failed events = %d, want 0", n)
	}
	if sess.LastMessage().IsStreaming {
		t.Error("message left streaming after context cancel")
	}
}
