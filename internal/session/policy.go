// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
	"github.com/jeranaias/rigrun-relay/internal/provider"
)

// Banner texts shown above the conversation.
const (
	OfflineBanner = "You're offline - using local Ollama models"
	QuotaBanner   = "OpenAI quota exceeded - switched to local Ollama"
)

// Policy moves a controller between cloud and local models: on cloud quota
// exhaustion, on loss of connectivity, and back on request. It never resends
// a message by itself. While offline the cloud cannot be selected by any
// path, including a config replaced through the controller.
type Policy struct {
	ctrl   *Controller
	logger *slog.Logger

	mu            sync.Mutex
	online        bool
	quotaExceeded bool
	lastErr       error

	unsubscribe func()
}

// NewPolicy attaches a policy to ctrl. Every new error the controller
// publishes is passed to HandleError.
func NewPolicy(ctrl *Controller) *Policy {
	p := &Policy{
		ctrl:   ctrl,
		logger: slog.New(slog.DiscardHandler),
		online: true,
	}
	p.unsubscribe = ctrl.Subscribe(p.observe)
	return p
}

// WithLogger sets the logger.
func (p *Policy) WithLogger(logger *slog.Logger) *Policy {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// Detach stops observing the controller.
func (p *Policy) Detach() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// ErrCloudOffline is returned when a cloud model is requested while
// connectivity is lost.
var ErrCloudOffline = &chaterr.Error{Kind: chaterr.KindInvalidRequest, Message: "cloud models are unavailable while offline"}

func (p *Policy) observe(st State) {
	p.mu.Lock()
	online := p.online
	fresh := st.Err != p.lastErr
	p.lastErr = st.Err
	p.mu.Unlock()

	if fresh && st.Err != nil {
		p.HandleError(st.Err)
	}
	if !online && st.Config.Provider == provider.Cloud {
		p.logger.Info("cloud model selected while offline, switching to local model", "model", provider.DefaultLocalModel)
		p.useLocal()
	}
}

// HandleError reacts to an exchange failure. A quota error while the cloud
// is selected switches the controller to the local fallback model.
func (p *Policy) HandleError(err error) {
	if !chaterr.IsQuotaExceeded(err) {
		return
	}
	if p.ctrl.Config().Provider != provider.Cloud {
		return
	}

	p.mu.Lock()
	p.quotaExceeded = true
	p.mu.Unlock()

	p.logger.Warn("cloud quota exceeded, switching to local model", "model", provider.DefaultLocalModel)
	p.useLocal()
}

// SetOnline records connectivity. Going offline while the cloud is selected
// switches to the local fallback; coming back online changes nothing.
func (p *Policy) SetOnline(online bool) {
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()

	if !online && p.ctrl.Config().Provider == provider.Cloud {
		p.logger.Info("offline, switching to local model", "model", provider.DefaultLocalModel)
		p.useLocal()
	}
}

// RetryCloud clears the quota flag and the error and selects the default
// cloud model again. It fails with ErrCloudOffline while offline.
func (p *Policy) RetryCloud() error {
	p.mu.Lock()
	if !p.online {
		p.mu.Unlock()
		return ErrCloudOffline
	}
	p.quotaExceeded = false
	p.mu.Unlock()

	p.ctrl.ClearError()
	p.ctrl.UpdateConfig(func(cfg ChatConfig) ChatConfig {
		cfg.Model = provider.DefaultCloudModel
		cfg.Provider = provider.Cloud
		return cfg
	})
	return nil
}

// SelectModel selects a catalog model by key, taking its provider along.
// Cloud models are refused with ErrCloudOffline while offline.
func (p *Policy) SelectModel(key string) error {
	info, ok := provider.Lookup(key)
	if !ok {
		return &chaterr.Error{Kind: chaterr.KindInvalidRequest, Message: "unknown model " + strconv.Quote(key)}
	}
	if info.Provider == provider.Cloud && !p.Online() {
		return ErrCloudOffline
	}
	p.ctrl.UpdateConfig(func(cfg ChatConfig) ChatConfig {
		cfg.Model = info.Key
		cfg.Provider = info.Provider
		return cfg
	})
	return nil
}

// SelectPreset installs the preset's system prompt and starts a new chat.
func (p *Policy) SelectPreset(preset provider.Preset) {
	p.ctrl.UpdateConfig(func(cfg ChatConfig) ChatConfig {
		cfg.System = preset.Prompt
		return cfg
	})
	p.ctrl.Reset()
}

// Online reports the last connectivity state.
func (p *Policy) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// QuotaExceeded reports whether the cloud quota ran out since the last
// RetryCloud.
func (p *Policy) QuotaExceeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quotaExceeded
}

// Banner returns the status line to show, or "" when there is nothing to
// report. Being offline takes precedence.
func (p *Policy) Banner() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.online:
		return OfflineBanner
	case p.quotaExceeded:
		return QuotaBanner
	default:
		return ""
	}
}

func (p *Policy) useLocal() {
	p.ctrl.UpdateConfig(func(cfg ChatConfig) ChatConfig {
		cfg.Model = provider.DefaultLocalModel
		cfg.Provider = provider.Local
		return cfg
	})
}
