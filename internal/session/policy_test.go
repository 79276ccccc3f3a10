// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
	"github.com/jeranaias/rigrun-relay/internal/provider"
)

func TestPolicy_QuotaSwitchesToLocal(t *testing.T) {
	tr := newScriptedTransport()
	tr.queue(chaterr.FromStatus(429, "QUOTA_EXCEEDED"))
	c := NewController(tr)
	p := NewPolicy(c)
	defer p.Detach()

	err := c.Send(context.Background(), "Hi")
	require.True(t, chaterr.IsQuotaExceeded(err))

	cfg := c.Config()
	assert.Equal(t, provider.Local, cfg.Provider)
	assert.Equal(t, "llama3.2", cfg.Model)
	assert.True(t, p.QuotaExceeded())
	assert.Equal(t, QuotaBanner, p.Banner())

	// No automatic resend.
	assert.Len(t, tr.requests(), 1)
	st := c.State()
	assert.Len(t, st.Messages, 1, "empty placeholder removed")
	assert.Error(t, st.Err)
}

func TestPolicy_HandleError(t *testing.T) {
	tests := []struct {
		name         string
		start        ChatConfig
		err          error
		wantProvider provider.Provider
		wantModel    string
		wantQuota    bool
	}{
		{
			name:         "quota on cloud",
			start:        DefaultChatConfig(),
			err:          chaterr.ErrQuotaExceeded,
			wantProvider: provider.Local,
			wantModel:    "llama3.2",
			wantQuota:    true,
		},
		{
			name:         "quota text fallback",
			start:        DefaultChatConfig(),
			err:          errors.New("upstream said QUOTA_EXCEEDED"),
			wantProvider: provider.Local,
			wantModel:    "llama3.2",
			wantQuota:    true,
		},
		{
			name:         "quota while already local",
			start:        ChatConfig{Model: "mistral", Provider: provider.Local},
			err:          chaterr.ErrQuotaExceeded,
			wantProvider: provider.Local,
			wantModel:    "mistral",
		},
		{
			name:         "other error on cloud",
			start:        DefaultChatConfig(),
			err:          chaterr.FromStatus(500, ""),
			wantProvider: provider.Cloud,
			wantModel:    "gpt-4o-mini",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(newScriptedTransport()).WithConfig(tt.start)
			p := NewPolicy(c)
			defer p.Detach()

			p.HandleError(tt.err)

			cfg := c.Config()
			assert.Equal(t, tt.wantProvider, cfg.Provider)
			assert.Equal(t, tt.wantModel, cfg.Model)
			assert.Equal(t, tt.wantQuota, p.QuotaExceeded())
		})
	}
}

func TestPolicy_SetOnline(t *testing.T) {
	c := NewController(newScriptedTransport())
	p := NewPolicy(c)
	defer p.Detach()

	assert.True(t, p.Online())
	assert.Empty(t, p.Banner())

	p.SetOnline(false)
	assert.Equal(t, provider.Local, c.Config().Provider)
	assert.Equal(t, "llama3.2", c.Config().Model)
	assert.Equal(t, OfflineBanner, p.Banner())

	p.SetOnline(true)
	assert.Equal(t, provider.Local, c.Config().Provider, "coming back online changes nothing")
	assert.Empty(t, p.Banner())
}

func TestPolicy_OfflineBannerWins(t *testing.T) {
	c := NewController(newScriptedTransport())
	p := NewPolicy(c)
	defer p.Detach()

	p.HandleError(chaterr.ErrQuotaExceeded)
	p.SetOnline(false)
	assert.Equal(t, OfflineBanner, p.Banner())
}

func TestPolicy_RetryCloud(t *testing.T) {
	tr := newScriptedTransport()
	tr.queue(chaterr.FromStatus(429, "QUOTA_EXCEEDED"))
	c := NewController(tr)
	p := NewPolicy(c)
	defer p.Detach()

	require.Error(t, c.Send(context.Background(), "Hi"))
	require.True(t, p.QuotaExceeded())

	require.NoError(t, p.RetryCloud())

	assert.False(t, p.QuotaExceeded())
	assert.NoError(t, c.State().Err)
	assert.Equal(t, provider.Cloud, c.Config().Provider)
	assert.Equal(t, "gpt-4o-mini", c.Config().Model)
	assert.Empty(t, p.Banner())
}

func TestPolicy_SelectModel(t *testing.T) {
	c := NewController(newScriptedTransport())
	p := NewPolicy(c)
	defer p.Detach()

	require.NoError(t, p.SelectModel("qwen2.5"))
	assert.Equal(t, provider.Local, c.Config().Provider)
	assert.Equal(t, "qwen2.5", c.Config().Model)

	require.NoError(t, p.SelectModel("gpt-4o"))
	assert.Equal(t, provider.Cloud, c.Config().Provider)

	err := p.SelectModel("nope")
	require.Error(t, err)
	assert.Equal(t, chaterr.KindInvalidRequest, chaterr.Classify(err))
	assert.Equal(t, "gpt-4o", c.Config().Model)
}

func TestPolicy_OfflineRefusesCloudModels(t *testing.T) {
	c := NewController(newScriptedTransport())
	p := NewPolicy(c)
	defer p.Detach()

	p.SetOnline(false)

	err := p.SelectModel("gpt-4o")
	assert.ErrorIs(t, err, ErrCloudOffline)
	assert.ErrorIs(t, p.RetryCloud(), ErrCloudOffline)
	assert.Equal(t, provider.Local, c.Config().Provider)
	assert.Equal(t, "llama3.2", c.Config().Model)

	require.NoError(t, p.SelectModel("mistral"))
	assert.Equal(t, "mistral", c.Config().Model)

	p.SetOnline(true)
	require.NoError(t, p.SelectModel("gpt-4o"))
	assert.Equal(t, provider.Cloud, c.Config().Provider)
}

func TestPolicy_OfflineOverridesReplacedConfig(t *testing.T) {
	c := NewController(newScriptedTransport())
	p := NewPolicy(c)
	defer p.Detach()

	p.SetOnline(false)
	c.SetConfig(ChatConfig{System: "Reloaded.", Model: "gpt-4o", Provider: provider.Cloud})

	cfg := c.Config()
	assert.Equal(t, provider.Local, cfg.Provider)
	assert.Equal(t, "llama3.2", cfg.Model)
	assert.Equal(t, "Reloaded.", cfg.System)

	p.SetOnline(true)
	c.SetConfig(ChatConfig{Model: "gpt-4o", Provider: provider.Cloud})
	assert.Equal(t, provider.Cloud, c.Config().Provider)
}

func TestPolicy_SelectPresetResetsChat(t *testing.T) {
	tr := newScriptedTransport()
	close(tr.queue(nil))
	c := NewController(tr)
	p := NewPolicy(c)
	defer p.Detach()

	require.NoError(t, c.Send(context.Background(), "Hi"))
	require.NotEmpty(t, c.State().Messages)

	preset, ok := provider.FindPreset("ELI5")
	require.True(t, ok)
	p.SelectPreset(preset)

	assert.Empty(t, c.State().Messages)
	assert.Equal(t, preset.Prompt, c.Config().System)
}
