// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway is the client side of the chat gateway's HTTP API. It
// opens a chat request and hands back the raw streamed reply body; decoding
// the body is left to the stream package.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/provider"
)

// DefaultURL is where a locally started gateway listens.
const DefaultURL = "http://127.0.0.1:8787"

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 4 * 1024

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message is one conversation turn on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body sent to POST /chat.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	System   string    `json:"system,omitempty"`
	Model    string    `json:"model,omitempty"`
	Provider string    `json:"provider,omitempty"`
}

// NewChatRequest builds a request from conversation history. The provider
// is sent in its canonical spelling.
func NewChatRequest(history []model.Message, system, modelKey string, p provider.Provider) ChatRequest {
	msgs := make([]Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, Message{Role: m.Role.String(), Content: m.Content})
	}
	return ChatRequest{
		Messages: msgs,
		System:   system,
		Model:    modelKey,
		Provider: p.String(),
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Config holds gateway client options.
type Config struct {
	// BaseURL of the gateway (default: http://127.0.0.1:8787).
	BaseURL string

	// Timeout for non-streaming calls (default: 10s). Chat streams are
	// bounded by their context only.
	Timeout time.Duration

	// HTTPClient overrides the transport used for chat streams.
	HTTPClient *http.Client
}

// Client talks to a chat gateway. It is safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL string) *Client {
	return NewClientWithConfig(&Config{BaseURL: baseURL})
}

// NewClientWithConfig creates a client with custom configuration.
func NewClientWithConfig(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultURL
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	streamClient := config.HTTPClient
	if streamClient == nil {
		streamClient = &http.Client{}
	}
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: streamClient,
	}
}

// BaseURL returns the gateway address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat posts req and returns the reply body once a 200 has arrived. The
// caller must close it. Any other status becomes a *chaterr.Error whose
// kind follows the status (429 quota, 400 invalid request, otherwise
// upstream) and whose message is the response text.
//
// If ctx is cancelled before headers arrive, ctx.Err() is returned as is.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, chaterr.Wrap(chaterr.KindUpstream, "gateway unreachable", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, chaterr.FromStatus(resp.StatusCode, string(text))
	}

	return resp.Body, nil
}

// Models fetches the gateway's model catalog.
func (c *Client) Models(ctx context.Context) ([]provider.ModelInfo, error) {
	var resp struct {
		Data []provider.ModelInfo `json:"data"`
	}
	if err := c.getJSON(ctx, "/v1/models", &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Health is the gateway's /health report.
type Health struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	LocalReachable  bool   `json:"local_reachable"`
	CloudConfigured bool   `json:"cloud_configured"`
	Offline         bool   `json:"offline"`
}

// Health fetches the gateway's health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, "/health", &h)
	return h, err
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return chaterr.Wrap(chaterr.KindUpstream, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return chaterr.FromStatus(resp.StatusCode, string(text))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
