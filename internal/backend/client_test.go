// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestOpenStreamRawMode(t *testing.T) {
	var gotPath string
	var gotBody map[string]json.RawMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"model":"llama3.2:3b","response":"Hello","done":false}`+"\n")
		io.WriteString(w, `{"model":"llama3.2:3b","response":" world","done":false}`+"\n")
		io.WriteString(w, `{"model":"llama3.2:3b","response":"","done":true,"done_reason":"stop","eval_count":2,"eval_duration":1000000000,"prompt_eval_count":10}`+"\n")
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	ch, err := client.OpenStream(context.Background(), Request{
		Model:     "llama3.2:3b",
		Prompt:    "<|begin_of_text|>...",
		Stops:     []string{"<|eot_id|>"},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	chunks := collect(t, ch)
	if gotPath != "/api/generate" {
		t.Errorf("path = %q, want /api/generate", gotPath)
	}

	var raw bool
	json.Unmarshal(gotBody["raw"], &raw)
	if !raw {
		t.Error("raw mode request should set raw:true")
	}
	var opts struct {
		Stop       []string `json:"stop"`
		NumPredict int      `json:"num_predict"`
	}
	json.Unmarshal(gotBody["options"], &opts)
	if len(opts.Stop) != 1 || opts.Stop[0] != "<|eot_id|>" {
		t.Errorf("options.stop = %v", opts.Stop)
	}
	if opts.NumPredict != 256 {
		t.Errorf("options.num_predict = %d, want 256", opts.NumPredict)
	}

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Content != "Hello" || chunks[1].Content != " world" {
		t.Errorf("contents = %q, %q", chunks[0].Content, chunks[1].Content)
	}
	final := chunks[2]
	if !final.Done || final.DoneReason != "stop" {
		t.Errorf("final chunk: done=%v reason=%q", final.Done, final.DoneReason)
	}
	if final.CompletionTokens != 2 || final.PromptTokens != 10 {
		t.Errorf("token counts = %d/%d", final.PromptTokens, final.CompletionTokens)
	}
	if final.EvalDuration != time.Second {
		t.Errorf("eval duration = %v, want 1s", final.EvalDuration)
	}
}

func TestOpenStreamChatMode(t *testing.T) {
	var gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, `{"model":"qwen3:4b","message":{"role":"assistant","content":"Hi"},"done":false}`+"\n")
		io.WriteString(w, `{"model":"qwen3:4b","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`+"\n")
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	ch, err := client.OpenStream(context.Background(), Request{
		Model:    "qwen3:4b",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	chunks := collect(t, ch)
	if gotPath != "/api/chat" {
		t.Errorf("path = %q, want /api/chat", gotPath)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Content != "Hi" {
		t.Errorf("content = %q, want Hi", chunks[0].Content)
	}
	if !chunks[1].Done {
		t.Error("last chunk should be done")
	}
}

func TestOpenStreamModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	_, err := client.OpenStream(context.Background(), Request{Model: "missing", Prompt: "x"})
	if !IsModelNotFound(err) {
		t.Errorf("err = %v, want model-not-found", err)
	}
}

func TestOpenStreamServerErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"out of memory"}`)
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	_, err := client.OpenStream(context.Background(), Request{Model: "m", Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "out of memory" {
		t.Errorf("err = %q, want server message", err.Error())
	}
}

func TestOpenStreamMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"model":"m","response":"par","done":false}`+"\n")
		io.WriteString(w, `{"error":"runner crashed"}`+"\n")
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	ch, err := client.OpenStream(context.Background(), Request{Model: "m", Prompt: "x"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	chunks := collect(t, ch)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	last := chunks[len(chunks)-1]
	if last.Error == nil || !last.Done {
		t.Errorf("last chunk should carry the stream error, got %+v", last)
	}
}

func TestOpenStreamNotRunning(t *testing.T) {
	client := NewClientWithConfig(&ClientConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := client.OpenStream(context.Background(), Request{Model: "m", Prompt: "x"})
	if !IsNotRunning(err) {
		t.Errorf("err = %v, want not-running", err)
	}
}

func TestOpenStreamCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"model":"m","response":"tok","done":false}`+"\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	ch, err := client.OpenStream(ctx, Request{Model: "m", Prompt: "x"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	// Take the first chunk, then cancel mid-stream.
	<-ch
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // channel closed after cancel
			}
		case <-deadline:
			t.Fatal("stream channel not closed after cancel")
		}
	}
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "Ollama is running")
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	if err := client.CheckHealth(context.Background()); err != nil {
		t.Errorf("CheckHealth: %v", err)
	}

	down := NewClientWithConfig(&ClientConfig{BaseURL: "http://127.0.0.1:1"})
	if err := down.CheckHealth(context.Background()); !IsNotRunning(err) {
		t.Errorf("err = %v, want not-running", err)
	}
}

func TestModelTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/show" {
			http.NotFound(w, r)
			return
		}
		var req showRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name == "missing" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(showResponse{Template: "<|im_start|>{{ .Role }}"})
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})

	tmpl, err := client.ModelTemplate(context.Background(), "qwen3:4b")
	if err != nil {
		t.Fatalf("ModelTemplate: %v", err)
	}
	if tmpl != "<|im_start|>{{ .Role }}" {
		t.Errorf("template = %q", tmpl)
	}

	if _, err := client.ModelTemplate(context.Background(), "missing"); !IsModelNotFound(err) {
		t.Errorf("err = %v, want model-not-found", err)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(listResponse{Models: []ModelInfo{
			{Name: "llama3.2:3b", Size: 2019393189},
			{Name: "qwen3:4b", Size: 2620788128},
		}})
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].Name != "llama3.2:3b" {
		t.Errorf("models = %+v", models)
	}
}
