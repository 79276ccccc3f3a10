// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/gateway"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/offline"
	"github.com/jeranaias/rigrun-relay/internal/provider"
	"github.com/jeranaias/rigrun-relay/internal/server"
	"github.com/jeranaias/rigrun-relay/internal/session"
	"github.com/jeranaias/rigrun-relay/internal/usage"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type replayBackend struct {
	fragments []string
	err       error
}

func (b *replayBackend) Stream(context.Context, provider.Request) (provider.Stream, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &replayStream{rest: append([]string(nil), b.fragments...)}, nil
}

type replayStream struct{ rest []string }

func (r *replayStream) Next() (string, error) {
	if len(r.rest) == 0 {
		return "", io.EOF
	}
	f := r.rest[0]
	r.rest = r.rest[1:]
	return f, nil
}

func (r *replayStream) Close() error { return nil }

// scriptedInput replays lines, then reports EOF.
type scriptedInput struct {
	lines  []string
	closed bool
}

func (s *scriptedInput) ReadInput(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedInput) Close() { s.closed = true }

func testApp(out io.Writer) *app {
	return &app{
		cfg:    config.Default(),
		logger: slog.New(slog.DiscardHandler),
		stdout: out,
		stderr: out,
	}
}

func startGateway(t *testing.T, cloud, local provider.Backend) string {
	t.Helper()
	srv := server.NewServer("").WithRateLimiter(nil).WithBackends(local, cloud)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

func TestStreamPrinter_PrintsOnlyNewText(t *testing.T) {
	var out bytes.Buffer
	p := newStreamPrinter(&out)

	user := model.NewUserMessage("Hi")
	reply := model.NewAssistantPlaceholder()

	p.update(session.State{Messages: []model.Message{user}})
	assert.Empty(t, out.String())

	for _, content := range []string{"", "He", "Hell", "Hello", "Hello"} {
		reply.Content = content
		p.update(session.State{Messages: []model.Message{user, reply}})
	}
	assert.Equal(t, "Hello", out.String())
	assert.True(t, p.finish())
	assert.Equal(t, "Hello\n", out.String())

	// A new reply starts from zero.
	next := model.NewAssistantPlaceholder()
	next.Content = "Bye"
	p.update(session.State{Messages: []model.Message{user, reply, user, next}})
	assert.Equal(t, "Hello\nBye", out.String())
}

func TestStreamPrinter_FinishWithoutOutput(t *testing.T) {
	var out bytes.Buffer
	p := newStreamPrinter(&out)
	assert.False(t, p.finish())
	assert.Empty(t, out.String())
}

// =============================================================================
// CHAT SESSION
// =============================================================================

func TestChatSession_StreamsAndRunsCommands(t *testing.T) {
	url := startGateway(t, &replayBackend{fragments: []string{"He", "llo"}}, &replayBackend{fragments: []string{"local"}})

	var out bytes.Buffer
	a := testApp(&out)
	input := &scriptedInput{lines: []string{
		"Hi",
		"  ",
		"/model llama3.2",
		"Again",
		"/status",
		"/quit",
		"never sent",
	}}
	s := newChatSession(gateway.NewClient(url), session.DefaultChatConfig(), input, &out, a)

	require.NoError(t, s.loop(context.Background()))

	text := out.String()
	assert.Contains(t, text, "Hello")
	assert.Contains(t, text, "local")
	assert.Contains(t, text, "Model set to")
	assert.Contains(t, text, "ollama")

	st := s.ctrl.State()
	require.Len(t, st.Messages, 4)
	assert.Equal(t, "Hello", st.Messages[1].Content)
	assert.Equal(t, "local", st.Messages[3].Content)
	assert.Equal(t, provider.Local, st.Config.Provider)
}

func TestChatSession_QuotaShowsBanner(t *testing.T) {
	url := startGateway(t,
		&replayBackend{err: chaterr.FromStatus(429, "insufficient_quota")},
		&replayBackend{fragments: []string{"fallback"}})

	var out bytes.Buffer
	input := &scriptedInput{lines: []string{"Hi", "Hi again"}}
	s := newChatSession(gateway.NewClient(url), session.DefaultChatConfig(), input, &out, testApp(&out))

	require.NoError(t, s.loop(context.Background()))

	text := out.String()
	assert.Contains(t, text, session.QuotaBanner)
	assert.Contains(t, text, "/retry-cloud")
	assert.Contains(t, text, "fallback")
	assert.Contains(t, text, "[Error] "+chaterr.QuotaSentinel)
	assert.Less(t, strings.Index(text, "[Error]"), strings.Index(text, session.QuotaBanner))
}

func TestChatSession_UpstreamErrorPrinted(t *testing.T) {
	url := startGateway(t, &replayBackend{err: chaterr.FromStatus(503, "overloaded")}, nil)

	var out bytes.Buffer
	input := &scriptedInput{lines: []string{"Hi"}}
	s := newChatSession(gateway.NewClient(url), session.DefaultChatConfig(), input, &out, testApp(&out))

	require.NoError(t, s.loop(context.Background()))
	assert.Contains(t, out.String(), "[Error] "+chaterr.GenericMessage)
}

func TestHandleSlash(t *testing.T) {
	tests := []struct {
		input    string
		wantCont bool
		wantErr  string
		check    func(t *testing.T, s *chatSession, out string)
	}{
		{input: "/quit", wantCont: false},
		{input: "/EXIT", wantCont: false},
		{input: "/bogus", wantCont: true, wantErr: "unknown command"},
		{input: "/model nope", wantCont: true, wantErr: "unknown model"},
		{input: "/preset 99", wantCont: true, wantErr: "unknown preset"},
		{input: "/help", wantCont: true, check: func(t *testing.T, _ *chatSession, out string) {
			assert.Contains(t, out, "/retry-cloud")
		}},
		{input: "/model", wantCont: true, check: func(t *testing.T, _ *chatSession, out string) {
			for _, m := range provider.Catalog {
				assert.Contains(t, out, m.Key)
			}
		}},
		{input: "/preset coder", wantCont: true, check: func(t *testing.T, s *chatSession, _ string) {
			p, _ := provider.FindPreset("Coder")
			assert.Equal(t, p.Prompt, s.ctrl.Config().System)
		}},
		{input: "/system Be brief.", wantCont: true, check: func(t *testing.T, s *chatSession, _ string) {
			assert.Equal(t, "Be brief.", s.ctrl.Config().System)
		}},
		{input: "/retry-cloud", wantCont: true, check: func(t *testing.T, s *chatSession, _ string) {
			assert.Equal(t, provider.Cloud, s.ctrl.Config().Provider)
			assert.Equal(t, provider.DefaultCloudModel, s.ctrl.Config().Model)
		}},
		{input: "/status", wantCont: true, check: func(t *testing.T, _ *chatSession, out string) {
			assert.Contains(t, out, provider.DefaultLocalModel)
			assert.Contains(t, out, "You:")
			assert.Contains(t, out, "old")
		}},
		{input: "/new", wantCont: true, check: func(t *testing.T, s *chatSession, _ string) {
			assert.Empty(t, s.ctrl.State().Messages)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var out bytes.Buffer
			cfg := session.DefaultChatConfig()
			cfg.Model, cfg.Provider = provider.DefaultLocalModel, provider.Local
			s := newChatSession(gateway.NewClient("http://127.0.0.1:1"), cfg, &scriptedInput{}, &out, testApp(&out))
			s.ctrl.SetMessages([]model.Message{model.NewUserMessage("old")})

			cont, err := s.handleSlash(tt.input)
			assert.Equal(t, tt.wantCont, cont)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			if tt.check != nil {
				tt.check(t, s, out.String())
			}
		})
	}
}

func TestHandleSlash_OfflineKeepsLocal(t *testing.T) {
	var out bytes.Buffer
	s := newChatSession(gateway.NewClient("http://127.0.0.1:1"), session.DefaultChatConfig(), &scriptedInput{}, &out, testApp(&out))
	s.policy.SetOnline(false)

	_, err := s.handleSlash("/model gpt-4o")
	assert.ErrorIs(t, err, session.ErrCloudOffline)
	_, err = s.handleSlash("/retry-cloud")
	assert.ErrorIs(t, err, session.ErrCloudOffline)
	assert.Equal(t, provider.Local, s.ctrl.Config().Provider)

	out.Reset()
	_, err = s.handleSlash("/model")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "mistral")
	assert.NotContains(t, out.String(), "gpt-4o")
}

func TestRoleLabel(t *testing.T) {
	assert.Equal(t, "you> ", roleLabel(model.RoleUser))
	assert.Equal(t, "assistant> ", roleLabel(model.RoleAssistant))
}

func TestStartConfig(t *testing.T) {
	a := testApp(io.Discard)

	cfg, err := a.startConfig("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, provider.Cloud, cfg.Provider)

	_, err = a.startConfig("nope")
	assert.ErrorContains(t, err, "unknown model")

	offline.SetOfflineMode(true)
	t.Cleanup(func() { offline.SetOfflineMode(false) })

	_, err = a.startConfig("gpt-4o")
	assert.ErrorIs(t, err, offline.ErrCloudBlocked)

	cfg, err = a.startConfig("")
	require.NoError(t, err)
	assert.Equal(t, provider.Local, cfg.Provider)
	assert.Equal(t, a.cfg.Local.Model, cfg.Model)

	cfg, err = a.startConfig("mistral")
	require.NoError(t, err)
	assert.Equal(t, "mistral", cfg.Model)
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "--config", filepath.Join(t.TempDir(), "none.toml"), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "rigrun-relay "+Version)
}

func TestRootCommand_InvalidFlagValue(t *testing.T) {
	_, err := runRoot(t, "--config", filepath.Join(t.TempDir(), "none.toml"), "--log-format", "xml", "version")
	assert.ErrorContains(t, err, "logging.format")
}

func TestConfigCommand_ShowMasksKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env-secret")
	path := writeConfig(t, "[local]\nmodel = \"mistral\"\n")

	out, err := runRoot(t, "--config", path, "config", "show", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-env-secret")

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "mistral", cfg.Local.Model)
	assert.Equal(t, "********", cfg.Cloud.APIKey)
}

func TestConfigCommand_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay", "config.toml")

	out, err := runRoot(t, "--config", path, "config", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.Addr, cfg.Server.Addr)

	_, err = runRoot(t, "--config", path, "config", "reset")
	assert.ErrorContains(t, err, "already exists")
	_, err = runRoot(t, "--config", path, "config", "reset", "--force")
	assert.NoError(t, err)

	out, err = runRoot(t, "--config", path, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)
}

func TestModelsCommand_FromGateway(t *testing.T) {
	url := startGateway(t, nil, nil)
	path := writeConfig(t, "[chat]\ngateway_url = \""+url+"\"\n")

	out, err := runRoot(t, "--config", path, "models", "--json")
	require.NoError(t, err)

	var models []provider.ModelInfo
	require.NoError(t, json.Unmarshal([]byte(out), &models))
	assert.Equal(t, provider.Catalog, models)
}

func TestModelsCommand_FallsBackToCatalog(t *testing.T) {
	path := writeConfig(t, "[chat]\ngateway_url = \"http://127.0.0.1:1\"\n")

	out, err := runRoot(t, "--config", path, "models")
	require.NoError(t, err)
	assert.Contains(t, out, "gpt-4o-mini")
	assert.Contains(t, out, "llama3.2")
}

func TestNewGateway_SQLiteLedger(t *testing.T) {
	var out bytes.Buffer
	a := testApp(&out)
	a.cfg.Server.UsageDB = filepath.Join(t.TempDir(), "usage.db")

	srv, rec, limiter, err := newGateway(a.cfg, a)
	require.NoError(t, err)
	defer rec.Close()

	assert.IsType(t, &usage.SQLite{}, rec)
	assert.NotNil(t, limiter)
	assert.Equal(t, a.cfg.Server.Addr, srv.Addr())
}

func TestNewGateway_NoRateLimit(t *testing.T) {
	var out bytes.Buffer
	a := testApp(&out)
	a.cfg.Server.RateLimitRPS = 0

	_, rec, limiter, err := newGateway(a.cfg, a)
	require.NoError(t, err)
	defer rec.Close()
	assert.Nil(t, limiter)
	assert.IsType(t, &usage.Memory{}, rec)
}

func TestNewGateway_LogsKeyFingerprint(t *testing.T) {
	var out bytes.Buffer
	a := testApp(&out)
	a.logger = newLogger(&out, "info", "text")
	a.cfg.Cloud.APIKey = "sk-secret-test-key"

	_, rec, _, err := newGateway(a.cfg, a)
	require.NoError(t, err)
	defer rec.Close()

	assert.Contains(t, out.String(), "cloud backend configured")
	assert.Contains(t, out.String(), "key=")
	assert.NotContains(t, out.String(), "sk-secret-test-key")
}

func TestPrune_DropsExpiredLedgerRows(t *testing.T) {
	a := testApp(io.Discard)
	a.cfg.Server.UsageDB = filepath.Join(t.TempDir(), "usage.db")
	a.cfg.Server.UsageRetentionDays = 1

	_, rec, limiter, err := newGateway(a.cfg, a)
	require.NoError(t, err)
	defer rec.Close()

	ctx := context.Background()
	require.NoError(t, rec.Record(ctx, usage.Record{ID: "old", Provider: "openai", Model: "m", Outcome: usage.OutcomeOK, At: time.Now().Add(-72 * time.Hour)}))
	require.NoError(t, rec.Record(ctx, usage.Record{ID: "new", Provider: "openai", Model: "m", Outcome: usage.OutcomeOK}))

	a.prune(ctx, limiter, rec)

	sum, err := rec.Summary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum.Total)
}

// =============================================================================
// HELPERS
// =============================================================================

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "v", entry["k"])
}

func TestWrapText(t *testing.T) {
	assert.Equal(t, "short", WrapText("short", 40))
	assert.Equal(t, "one two\nthree", WrapText("one two three", 12))
	assert.Equal(t, "a\n\nb", WrapText("a\n\nb", 40))
	// Wide characters take two columns each.
	assert.Equal(t, "日本語\n日本語", WrapText("日本語 日本語", 12))
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "Messages required", errorText(chaterr.ErrMessagesRequired))
	assert.Equal(t, chaterr.GenericMessage, errorText(io.ErrUnexpectedEOF))
}
