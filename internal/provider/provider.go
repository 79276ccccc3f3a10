// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the closed set of model backends the relay can
// dispatch to, the streaming contract every backend implements, and the
// catalog of selectable models and system prompt presets.
package provider

import (
	"context"
	"strconv"
	"strings"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
)

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	// DefaultSystemPrompt is used when a request carries no system prompt.
	DefaultSystemPrompt = "You are a helpful AI assistant. Be concise and clear."

	// DefaultCloudModel is the cloud model used when none is given.
	DefaultCloudModel = "gpt-4o-mini"

	// DefaultLocalModel is the local model used when none is given. It is
	// also the fallback target when the cloud becomes unusable.
	DefaultLocalModel = "llama3.2"

	// CloudMaxTokens caps cloud output length per exchange.
	CloudMaxTokens = 2048
)

// =============================================================================
// PROVIDER
// =============================================================================

// Provider selects the backend for an exchange.
type Provider int

const (
	Cloud Provider = iota
	Local
)

// Parse maps a wire value to a Provider. The empty string means Cloud.
// "openai" and "ollama" are the canonical spellings; "cloud" and "local"
// are accepted aliases.
func Parse(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "openai", "cloud":
		return Cloud, nil
	case "ollama", "local":
		return Local, nil
	default:
		return Cloud, chaterr.New(chaterr.KindInvalidRequest, "unknown provider "+strconv.Quote(s))
	}
}

// String returns the canonical wire spelling.
func (p Provider) String() string {
	if p == Local {
		return "ollama"
	}
	return "openai"
}

// Label returns a short human label.
func (p Provider) Label() string {
	if p == Local {
		return "local"
	}
	return "cloud"
}

// DefaultModel returns the model used for p when a request names none.
func (p Provider) DefaultModel() string {
	if p == Local {
		return DefaultLocalModel
	}
	return DefaultCloudModel
}

// MarshalText implements encoding.TextMarshaler.
func (p Provider) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Provider) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// =============================================================================
// BACKEND CONTRACT
// =============================================================================

// Message is one conversation turn forwarded to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a normalized chat request. System is sent ahead of Messages.
type Request struct {
	System   string
	Model    string
	Messages []Message
}

// Stream is a pull-based sequence of text fragments. Next returns io.EOF
// once the response is complete; upstream bytes are only read while the
// caller is asking for the next fragment.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Finisher is implemented by streams that report why generation stopped,
// such as "stop" or "length".
type Finisher interface {
	FinishReason() string
}

// Backend opens fragment streams against one upstream.
type Backend interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
