// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend defines the generation backend port and provides an
// Ollama-compatible HTTP client implementing it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the API base URL (default: http://127.0.0.1:11434)
	// Note: Uses explicit IPv4 address instead of localhost to avoid IPv6 resolution issues on Windows
	BaseURL string

	// Timeout for non-streaming requests (default: 30s)
	Timeout time.Duration

	// KeepAlive controls how long the server keeps the model loaded
	// after a request (empty means server default).
	KeepAlive string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: "http://127.0.0.1:11434",
		Timeout: 30 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the Ollama-compatible HTTP implementation of Backend.
//
// The Client is thread-safe for concurrent use. Streaming requests use a
// dedicated http.Client without a timeout; lifetime is governed by the
// request context instead.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	// SECURITY: TLS not required - the server runs locally over HTTP;
	// TLS configuration would not apply to this local connection.
	streamClient *http.Client
}

// NewClient creates a client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a client with custom configuration.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:11434"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type generateRequest struct {
	Model     string       `json:"model"`
	Prompt    string       `json:"prompt"`
	Stream    bool         `json:"stream"`
	Raw       bool         `json:"raw,omitempty"`
	Images    []string     `json:"images,omitempty"`
	KeepAlive string       `json:"keep_alive,omitempty"`
	Options   *wireOptions `json:"options,omitempty"`
}

type chatRequest struct {
	Model     string       `json:"model"`
	Messages  []Message    `json:"messages"`
	Stream    bool         `json:"stream"`
	KeepAlive string       `json:"keep_alive,omitempty"`
	Options   *wireOptions `json:"options,omitempty"`
}

type wireOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type showRequest struct {
	Name string `json:"name"`
}

type showResponse struct {
	Template   string       `json:"template"`
	Parameters string       `json:"parameters"`
	Details    ModelDetails `json:"details"`
}

type listResponse struct {
	Models []ModelInfo `json:"models"`
}

type serverError struct {
	Error string `json:"error"`
}

func optionsFor(req Request) *wireOptions {
	opts := &wireOptions{
		Temperature: req.Temperature,
		NumCtx:      req.ContextWindow,
		NumPredict:  req.MaxTokens,
		Stop:        req.Stops,
	}
	if opts.Temperature == 0 && opts.NumCtx == 0 && opts.NumPredict == 0 && len(opts.Stop) == 0 {
		return nil
	}
	return opts
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckHealth verifies the server is reachable and responding.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL, nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:    ErrTypeConnection,
			Message: "unexpected status from backend: " + resp.Status,
		}
	}

	return nil
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels retrieves all available models from the server.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "failed to list models: " + resp.Status,
		}
	}

	var result listResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}

	return result.Models, nil
}

// ModelTemplate returns the model's raw prompt template from /api/show.
func (c *Client) ModelTemplate(ctx context.Context, model string) (string, error) {
	body, err := json.Marshal(showRequest{Name: model})
	if err != nil {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return "", &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrModelNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "failed to show model: " + resp.Status,
		}
	}

	var result showResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}

	return result.Template, nil
}

// =============================================================================
// STREAMING
// =============================================================================

// OpenStream starts a generation and returns a channel of chunks. Raw-mode
// requests go to /api/generate with the rendered prompt passed verbatim;
// chat-native requests go to /api/chat. The returned error covers request
// setup and the initial HTTP exchange; stream-time failures arrive as a
// final chunk with Error set.
func (c *Client) OpenStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	var (
		endpoint string
		body     []byte
		err      error
	)

	if req.Raw() {
		endpoint = "/api/generate"
		body, err = json.Marshal(generateRequest{
			Model:     req.Model,
			Prompt:    req.Prompt,
			Stream:    true,
			Raw:       true,
			Images:    req.Images,
			KeepAlive: c.config.KeepAlive,
			Options:   optionsFor(req),
		})
	} else {
		endpoint = "/api/chat"
		body, err = json.Marshal(chatRequest{
			Model:     req.Model,
			Messages:  req.Messages,
			Stream:    true,
			KeepAlive: c.config.KeepAlive,
			Options:   optionsFor(req),
		})
	}
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrCanceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrModelNotFound
		}
		var srvErr serverError
		if err := json.NewDecoder(resp.Body).Decode(&srvErr); err == nil && srvErr.Error != "" {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: srvErr.Error}
		}
		return nil, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "stream request failed: " + resp.Status,
		}
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		reader := newStreamReader(resp.Body)
		err := reader.process(ctx, func(chunk StreamChunk) {
			select {
			case ch <- chunk:
			case <-ctx.Done():
			}
		})
		if err != nil {
			final := StreamChunk{Done: true, Error: streamErr(ctx, err)}
			select {
			case ch <- final:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// streamErr maps a stream-time failure to the client taxonomy, preferring
// the context's verdict when cancellation raced the read error.
func streamErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return ErrCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return err
	}
	return &ClientError{Type: ErrTypeConnection, Message: "stream read failed", Cause: err}
}
