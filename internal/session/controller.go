// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
	"github.com/jeranaias/rigrun-relay/internal/gateway"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/provider"
	"github.com/jeranaias/rigrun-relay/internal/stream"
)

// =============================================================================
// TYPES
// =============================================================================

// Transport opens a chat exchange against the gateway and returns the reply
// body. *gateway.Client implements it.
type Transport interface {
	Chat(ctx context.Context, req gateway.ChatRequest) (io.ReadCloser, error)
}

// ChatConfig selects how the next exchange is made. It is copied at the
// start of every Send, so changing it never affects a request in flight.
type ChatConfig struct {
	System   string            `json:"system"`
	Model    string            `json:"model"`
	Provider provider.Provider `json:"provider"`
}

// DefaultChatConfig returns the cloud default with the standard prompt.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		System:   provider.DefaultSystemPrompt,
		Model:    provider.DefaultCloudModel,
		Provider: provider.Cloud,
	}
}

// State is a snapshot of the controller.
type State struct {
	Messages []model.Message
	Loading  bool
	Err      error
	Config   ChatConfig
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns one conversation and at most one in-flight exchange.
// All state changes happen under its mutex; network reads happen outside
// it. It is safe for concurrent use.
type Controller struct {
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	messages []model.Message
	loading  bool
	err      error
	config   ChatConfig

	// live identifies the current exchange; cancel ends it.
	live   uint64
	cancel context.CancelFunc

	subsMu  sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// NewController creates a controller sending through t.
func NewController(t Transport) *Controller {
	return &Controller{
		transport: t,
		logger:    slog.New(slog.DiscardHandler),
		config:    DefaultChatConfig(),
		subs:      make(map[int]func(State)),
	}
}

// WithLogger sets the logger.
func (c *Controller) WithLogger(logger *slog.Logger) *Controller {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithConfig sets the initial chat configuration.
func (c *Controller) WithConfig(cfg ChatConfig) *Controller {
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	return c
}

// Send submits text as a user message and streams the reply into a new
// assistant message. Surrounding whitespace is trimmed; blank text is
// ignored.
//
// Any exchange already in flight is cancelled first. Send blocks until its
// own exchange ends. It returns the failure that was recorded in State.Err,
// or nil on success and when the exchange was cancelled or superseded.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	user := model.NewUserMessage(text)
	reply := model.NewAssistantPlaceholder()

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	exCtx, cancel := context.WithCancel(ctx)
	c.live++
	id := c.live
	c.cancel = cancel

	history := model.History(append(slices.Clone(c.messages), user))
	c.messages = append(c.messages, user, reply)
	c.loading = true
	c.err = nil
	cfg := c.config
	c.mu.Unlock()

	defer cancel()
	c.publish()

	c.logger.Debug("exchange start",
		"exchange", id,
		"provider", cfg.Provider.String(),
		"model", cfg.Model,
		"history", len(history),
	)

	req := gateway.NewChatRequest(history, cfg.System, cfg.Model, cfg.Provider)
	body, err := c.transport.Chat(exCtx, req)
	if err != nil {
		return c.fail(exCtx, id, reply.ID, err)
	}
	defer body.Close()

	err = stream.Consume(exCtx, body, func(fragment string) {
		c.apply(exCtx, id, reply.ID, fragment)
	})
	if err != nil {
		if exCtx.Err() == nil {
			// A body cut short by the gateway, or a dropped connection.
			err = chaterr.Wrap(chaterr.KindUpstream, "reply stream ended early", err)
		}
		return c.fail(exCtx, id, reply.ID, err)
	}

	c.mu.Lock()
	if c.live == id {
		c.loading = false
		c.cancel = nil
	}
	c.mu.Unlock()
	c.publish()

	c.logger.Debug("exchange complete", "exchange", id)
	return nil
}

// apply appends fragment to the reply, but only while the exchange is still
// the live one.
func (c *Controller) apply(exCtx context.Context, id uint64, replyID, fragment string) {
	c.mu.Lock()
	if c.live != id || exCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	i := model.IndexOf(c.messages, replyID)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	c.messages[i].Content += fragment
	c.mu.Unlock()

	c.publish()
}

// fail records err for exchange id. Cancellation and superseded exchanges
// end silently.
func (c *Controller) fail(exCtx context.Context, id uint64, replyID string, err error) error {
	if exCtx.Err() != nil || chaterr.IsCancelled(err) {
		c.logger.Debug("exchange cancelled", "exchange", id)
		return nil
	}

	c.mu.Lock()
	if c.live != id {
		c.mu.Unlock()
		return nil
	}
	c.err = err
	c.loading = false
	c.cancel = nil
	if i := model.IndexOf(c.messages, replyID); i >= 0 && c.messages[i].IsEmpty() {
		c.messages = model.Remove(c.messages, replyID)
	}
	c.mu.Unlock()

	c.logger.Warn("exchange failed", "exchange", id, "kind", chaterr.Classify(err).String(), "error", err)
	c.publish()
	return err
}

// Cancel ends the in-flight exchange, if any. Text already received stays.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.cancel = nil
	c.loading = false
	c.mu.Unlock()

	c.publish()
}

// ClearError clears State.Err.
func (c *Controller) ClearError() {
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	c.publish()
}

// Reset starts a new chat: the exchange in flight is cancelled and all
// messages and the error are cleared. The configuration is kept.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.messages = nil
	c.loading = false
	c.err = nil
	c.mu.Unlock()
	c.publish()
}

// SetMessages replaces the conversation.
func (c *Controller) SetMessages(msgs []model.Message) {
	c.mu.Lock()
	c.messages = slices.Clone(msgs)
	c.mu.Unlock()
	c.publish()
}

// SetConfig replaces the configuration used by later sends.
func (c *Controller) SetConfig(cfg ChatConfig) {
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	c.publish()
}

// UpdateConfig applies fn to the configuration atomically.
func (c *Controller) UpdateConfig(fn func(ChatConfig) ChatConfig) {
	c.mu.Lock()
	c.config = fn(c.config)
	c.mu.Unlock()
	c.publish()
}

// Config returns the current configuration.
func (c *Controller) Config() ChatConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	return State{
		Messages: slices.Clone(c.messages),
		Loading:  c.loading,
		Err:      c.err,
		Config:   c.config,
	}
}

// =============================================================================
// OBSERVATION
// =============================================================================

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that made the change and must not block. The
// returned function removes the subscription.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Controller) publish() {
	c.subsMu.Lock()
	if len(c.subs) == 0 {
		c.subsMu.Unlock()
		return
	}
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()

	st := c.State()
	for _, fn := range fns {
		fn(st)
	}
}
