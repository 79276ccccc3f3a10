// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
	"github.com/jeranaias/rigrun-relay/internal/provider"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds configuration options for the cloud client.
type Config struct {
	// APIKey authenticates against the API. Empty leaves the client unconfigured.
	APIKey string

	// BaseURL overrides the API endpoint (default: the OpenAI production API).
	BaseURL string

	// DefaultModel to use if none specified (default: "gpt-4o-mini")
	DefaultModel string

	// MaxTokens caps output length per exchange (default: 2048)
	MaxTokens int64

	// HTTPClient replaces the SDK's default transport.
	HTTPClient *http.Client
}

// DefaultConfig returns the default cloud configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultModel: provider.DefaultCloudModel,
		MaxTokens:    provider.CloudMaxTokens,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client streams chat completions from an OpenAI-compatible API.
// It implements provider.Backend and is safe for concurrent use.
type Client struct {
	config *Config
	api    openai.Client
}

// NewClient creates a cloud client. A nil config uses DefaultConfig.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DefaultModel == "" {
		config.DefaultModel = defaults.DefaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(config.HTTPClient))
	}

	return &Client{
		config: config,
		api:    openai.NewClient(opts...),
	}
}

// IsConfigured reports whether an API key is set.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// DefaultModel returns the model used when a request names none.
func (c *Client) DefaultModel() string {
	return c.config.DefaultModel
}

// KeyFingerprint returns a short SHA-256 fingerprint of the API key for logs.
func (c *Client) KeyFingerprint() string {
	if c.config.APIKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.config.APIKey))
	return hex.EncodeToString(h[:4])
}

// Stream implements provider.Backend. The SDK performs the request before
// returning, so a rejected request (bad key, exhausted quota) is reported
// here rather than on the first Next.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	model := req.Model
	if model == "" {
		model = c.config.DefaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	sdkStream := c.api.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(model),
		Messages:  messages,
		MaxTokens: openai.Int(c.config.MaxTokens),
	})
	if err := sdkStream.Err(); err != nil {
		sdkStream.Close()
		return nil, relayError(ctx, err)
	}

	return &Stream{ctx: ctx, sdk: sdkStream}, nil
}

// =============================================================================
// STREAM
// =============================================================================

// Stream yields the text deltas of one chat completion.
type Stream struct {
	ctx          context.Context
	sdk          *ssestream.Stream[openai.ChatCompletionChunk]
	err          error
	finishReason string
}

// Next returns the next non-empty content delta, or io.EOF at the end.
func (s *Stream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	for s.sdk.Next() {
		chunk := s.sdk.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			return choice.Delta.Content, nil
		}
	}

	if err := s.sdk.Err(); err != nil {
		s.err = relayError(s.ctx, err)
		return "", s.err
	}
	s.err = io.EOF
	return "", io.EOF
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.sdk.Close()
}

// FinishReason returns the finish_reason reported by the API, if any. It
// implements provider.Finisher.
func (s *Stream) FinishReason() string {
	return s.finishReason
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// relayError classifies SDK errors by HTTP status. Errors after a
// cancelled context are reported as the cancellation itself.
func relayError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		kind := chaterr.KindUpstream
		if apiErr.StatusCode == http.StatusTooManyRequests {
			kind = chaterr.KindQuotaExceeded
		}
		return &chaterr.Error{
			Kind:    kind,
			Message: fmt.Sprintf("cloud API returned %d", apiErr.StatusCode),
			Status:  apiErr.StatusCode,
			Cause:   err,
		}
	}
	return chaterr.Wrap(chaterr.KindUpstream, "cloud stream failed", err)
}
