// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/provider"
)

func TestNewChatRequest(t *testing.T) {
	history := []model.Message{
		model.NewUserMessage("Hi"),
		model.NewMessage(model.RoleAssistant, "Hello"),
	}

	req := NewChatRequest(history, "Be brief.", "llama3.2", provider.Local)

	assert.Equal(t, []Message{{Role: "user", Content: "Hi"}, {Role: "assistant", Content: "Hello"}}, req.Messages)
	assert.Equal(t, "Be brief.", req.System)
	assert.Equal(t, "llama3.2", req.Model)
	assert.Equal(t, "ollama", req.Provider)
}

func TestChat_Success(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "He")
		w.(http.Flusher).Flush()
		io.WriteString(w, "llo")
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	body, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "Hi"}},
		Provider: "openai",
	})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(data))
	assert.Equal(t, "openai", got.Provider)
	require.Len(t, got.Messages, 1)
}

func TestChat_StatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind chaterr.Kind
		wantMsg  string
	}{
		{"quota", http.StatusTooManyRequests, "QUOTA_EXCEEDED", chaterr.KindQuotaExceeded, "QUOTA_EXCEEDED"},
		{"messages required", http.StatusBadRequest, "Messages required", chaterr.KindInvalidRequest, "Messages required"},
		{"generic", http.StatusInternalServerError, "Something went wrong", chaterr.KindUpstream, "Something went wrong"},
		{"empty body", http.StatusBadGateway, "", chaterr.KindUpstream, "HTTP 502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).Chat(context.Background(), ChatRequest{})
			require.Error(t, err)

			var ce *chaterr.Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.wantKind, ce.Kind)
			assert.Equal(t, tt.wantMsg, ce.Message)
			assert.Equal(t, tt.status, ce.Status)
		})
	}
}

func TestChat_QuotaIsDetected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "QUOTA_EXCEEDED", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Chat(context.Background(), ChatRequest{})
	assert.True(t, chaterr.IsQuotaExceeded(err))
}

func TestChat_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(srv.URL).Chat(ctx, ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, chaterr.IsCancelled(err))
}

func TestChat_Unreachable(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1").Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, chaterr.KindUpstream, chaterr.Classify(err))
}

func TestModelsAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models":
			io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4o-mini","name":"GPT-4o Mini","provider":"openai"},{"id":"llama3.2","name":"Llama 3.2","provider":"ollama"}]}`)
		case "/health":
			io.WriteString(w, `{"status":"ok","version":"1","local_reachable":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o-mini", models[0].Key)
	assert.Equal(t, provider.Local, models[1].Provider)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.LocalReachable)
}

func TestNewClient_Defaults(t *testing.T) {
	assert.Equal(t, DefaultURL, NewClient("").BaseURL())
	assert.Equal(t, "http://example.com", NewClient("http://example.com///").BaseURL())
}
