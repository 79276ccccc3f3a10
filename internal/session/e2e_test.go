// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
	"github.com/jeranaias/rigrun-relay/internal/gateway"
	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/provider"
	"github.com/jeranaias/rigrun-relay/internal/server"
)

// backend replays fixed fragments or fails on open.
type backend struct {
	fragments []string
	err       error
}

func (b *backend) Stream(context.Context, provider.Request) (provider.Stream, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &replay{rest: append([]string(nil), b.fragments...)}, nil
}

type replay struct{ rest []string }

func (r *replay) Next() (string, error) {
	if len(r.rest) == 0 {
		return "", io.EOF
	}
	f := r.rest[0]
	r.rest = r.rest[1:]
	return f, nil
}

func (r *replay) Close() error { return nil }

func startGateway(t *testing.T, cloud, local provider.Backend) *gateway.Client {
	t.Helper()
	srv := server.NewServer("").WithRateLimiter(nil).WithBackends(local, cloud)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return gateway.NewClient(ts.URL)
}

func TestEndToEnd_Hello(t *testing.T) {
	gw := startGateway(t, &backend{fragments: []string{"He", "llo"}}, nil)
	c := NewController(gw)

	require.NoError(t, c.Send(context.Background(), "Hi"))

	st := c.State()
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "Hello", st.Messages[1].Content)
	assert.False(t, st.Loading)
	assert.NoError(t, st.Err)
}

func TestEndToEnd_QuotaFallsBackToLocal(t *testing.T) {
	cloud := &backend{err: chaterr.FromStatus(429, "insufficient_quota")}
	local := &backend{fragments: []string{"local ", "reply"}}
	gw := startGateway(t, cloud, local)

	c := NewController(gw)
	p := NewPolicy(c)
	defer p.Detach()

	err := c.Send(context.Background(), "Hi")
	require.Error(t, err)
	assert.True(t, chaterr.IsQuotaExceeded(err))
	assert.Len(t, c.State().Messages, 1)
	assert.Equal(t, provider.Local, c.Config().Provider)
	assert.Equal(t, QuotaBanner, p.Banner())

	// The user resends; it now goes to the local model.
	require.NoError(t, c.Send(context.Background(), "Hi again"))
	st := c.State()
	assert.Equal(t, "local reply", st.Messages[len(st.Messages)-1].Content)
}

func TestEndToEnd_UpstreamFailure(t *testing.T) {
	gw := startGateway(t, &backend{err: chaterr.FromStatus(503, "overloaded")}, nil)
	c := NewController(gw)

	err := c.Send(context.Background(), "Hi")
	require.Error(t, err)

	var ce *chaterr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, chaterr.KindUpstream, ce.Kind)
	assert.Equal(t, chaterr.GenericMessage, ce.Message)
}

func TestEndToEnd_MalformedChunkMidStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"message":{"content":"He"},"done":false}`+"\n")
		w.(http.Flusher).Flush()
		io.WriteString(w, "not-json\n")
	}))
	t.Cleanup(upstream.Close)

	local := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: upstream.URL})
	gw := startGateway(t, nil, local)
	c := NewController(gw).WithConfig(ChatConfig{Model: "llama3.2", Provider: provider.Local})

	err := c.Send(context.Background(), "Hi")
	require.Error(t, err)
	assert.Equal(t, chaterr.KindUpstream, chaterr.Classify(err))

	st := c.State()
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "He", st.Messages[1].Content)
	assert.Equal(t, err, st.Err)
	assert.False(t, st.Loading)
}
