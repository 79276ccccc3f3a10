// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
	"github.com/jeranaias/rigrun-relay/internal/cloud"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/provider"
	"github.com/jeranaias/rigrun-relay/internal/usage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address for the gateway.
	DefaultAddr = "127.0.0.1:8787"

	// MaxRequestBodySize caps request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// Version is the server version.
	Version = "0.3.0"
)

// validRoles is the set of roles a client may send.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the chat gateway. It accepts chat requests, dispatches them to
// the cloud or local backend and streams the reply back as plain text.
type Server struct {
	addr   string
	router *http.ServeMux
	server *http.Server

	local       provider.Backend
	cloud       provider.Backend
	ollama      *ollama.Client
	cloudClient *cloud.Client

	usage   usage.Recorder
	logger  *slog.Logger
	cors    *CORSConfig
	limiter *RateLimiter

	// offline, when set and reporting true, redirects cloud requests to the
	// local backend.
	offline func() bool

	// defaultModels fills in the model when a request names none.
	defaultModels map[provider.Provider]string

	startTime time.Time
	mu        sync.RWMutex
}

// NewServer creates a Server listening on addr.
// If addr is empty, DefaultAddr is used.
func NewServer(addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	s := &Server{
		addr:      addr,
		router:    http.NewServeMux(),
		usage:     usage.NewMemory(),
		logger:    slog.New(slog.DiscardHandler),
		cors:      DefaultCORSConfig(),
		limiter:   DefaultRateLimiter(),
		startTime: time.Now(),
	}
	s.defaultModels = map[provider.Provider]string{
		provider.Cloud: provider.Cloud.DefaultModel(),
		provider.Local: provider.Local.DefaultModel(),
	}
	s.WithOllamaClient(ollama.NewClient())

	s.setupRoutes()
	return s
}

// WithOllamaClient sets the local backend and the client used for health
// checks.
func (s *Server) WithOllamaClient(client *ollama.Client) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ollama = client
	s.local = client
	return s
}

// WithCloudClient sets the cloud backend.
func (s *Server) WithCloudClient(client *cloud.Client) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cloudClient = client
	s.cloud = client
	return s
}

// WithBackends replaces the streaming backends without touching the
// clients used for health reporting. Either may be nil to keep the current
// one.
func (s *Server) WithBackends(local, cloud provider.Backend) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if local != nil {
		s.local = local
	}
	if cloud != nil {
		s.cloud = cloud
	}
	return s
}

// WithUsage sets the usage recorder.
func (s *Server) WithUsage(rec usage.Recorder) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = rec
	return s
}

// WithLogger sets the logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithCORS sets the CORS configuration. nil disables CORS headers.
func (s *Server) WithCORS(config *CORSConfig) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cors = config
	return s
}

// WithRateLimiter sets the per-IP rate limiter. nil disables limiting.
func (s *Server) WithRateLimiter(limiter *RateLimiter) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = limiter
	return s
}

// WithDefaultModels sets the models used when a request names none. Empty
// values keep the current default.
func (s *Server) WithDefaultModels(cloudModel, localModel string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cloudModel != "" {
		s.defaultModels[provider.Cloud] = cloudModel
	}
	if localModel != "" {
		s.defaultModels[provider.Local] = localModel
	}
	return s
}

// WithOfflineGuard installs a check consulted on every cloud request.
func (s *Server) WithOfflineGuard(isOffline func() bool) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = isOffline
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /chat", s.handleChat)
	s.router.HandleFunc("POST /api/chat", s.handleChat)

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /v1/models", s.handleModels)
	s.router.HandleFunc("GET /stats", s.handleStats)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	logger, cors, limiter := s.logger, s.cors, s.limiter
	s.mu.RUnlock()

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(logger),
	}
	if cors != nil {
		middlewares = append(middlewares, CORSMiddleware(cors))
	}
	if limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(limiter, logger))
	}
	return Chain(middlewares...)(s.router)
}

// ============================================================================
// REQUEST TYPES
// ============================================================================

// Content is message text. On the wire it is either a string or an array
// of {"text": ...} parts, which are joined without a separator.
type Content string

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = ""
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content(s)
		return nil
	}

	var parts []TextPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of text parts: %w", err)
	}
	*c = Content(joinParts(parts))
	return nil
}

// TextPart is one piece of a multi-part message.
type TextPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

// ChatMessage is one message in a chat request.
type ChatMessage struct {
	Role    string     `json:"role"`
	Content Content    `json:"content"`
	Parts   []TextPart `json:"parts,omitempty"`
}

// Text returns the message text, preferring content over parts.
func (m ChatMessage) Text() string {
	if m.Content != "" {
		return string(m.Content)
	}
	return joinParts(m.Parts)
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	System   string        `json:"system,omitempty"`
	Model    string        `json:"model,omitempty"`
	Provider string        `json:"provider,omitempty"`
}

func joinParts(parts []TextPart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// exchange is a validated request ready for dispatch.
type exchange struct {
	provider provider.Provider
	request  provider.Request
}

// normalize validates req and fills in defaults. The message list is cut
// to the last model.MaxHistory entries.
func (s *Server) normalize(req ChatRequest) (exchange, error) {
	if len(req.Messages) == 0 {
		return exchange{}, chaterr.ErrMessagesRequired
	}

	prov, err := provider.Parse(req.Provider)
	if err != nil {
		return exchange{}, err
	}

	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return exchange{}, &chaterr.Error{
				Kind:    chaterr.KindInvalidRequest,
				Message: fmt.Sprintf("invalid role %q at message %d", msg.Role, i),
				Status:  http.StatusBadRequest,
			}
		}
	}

	msgs := model.Tail(req.Messages, model.MaxHistory)
	out := make([]provider.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, provider.Message{Role: msg.Role, Content: msg.Text()})
	}

	system := req.System
	if strings.TrimSpace(system) == "" {
		system = provider.DefaultSystemPrompt
	}

	modelName := req.Model
	if prov == provider.Cloud && s.isOffline() {
		s.logger.Warn("cloud request redirected to local backend", "reason", "offline", "requested_model", modelName)
		prov = provider.Local
		modelName = ""
	}
	if modelName == "" {
		s.mu.RLock()
		modelName = s.defaultModels[prov]
		s.mu.RUnlock()
	}

	return exchange{
		provider: prov,
		request: provider.Request{
			System:   system,
			Model:    modelName,
			Messages: out,
		},
	}, nil
}

func (s *Server) isOffline() bool {
	s.mu.RLock()
	guard := s.offline
	s.mu.RUnlock()
	return guard != nil && guard()
}

func (s *Server) backendFor(p provider.Provider) provider.Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p == provider.Local {
		return s.local
	}
	return s.cloud
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// handleChat handles POST /chat.
//
// The first fragment is pulled before any header is written, so an upstream
// failure at connection time is still answered with its own status. After
// that the response is committed; a later failure aborts the connection so
// the client sees a truncated body instead of a clean end.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	rec := usage.Record{ID: requestID, At: start}
	defer func() {
		rec.Latency = time.Since(start)
		s.record(r.Context(), rec)
	}()

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var body ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		rec.Outcome = usage.OutcomeInvalid
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.logger.Info("invalid request body", "request_id", requestID, "error", err)
		writeText(w, http.StatusBadRequest, "Invalid request")
		return
	}

	ex, err := s.normalize(body)
	if err != nil {
		rec.Outcome = usage.OutcomeInvalid
		s.logger.Info("request rejected", "request_id", requestID, "error", err)
		if errors.Is(err, chaterr.ErrMessagesRequired) {
			writeText(w, http.StatusBadRequest, chaterr.MessagesRequired)
			return
		}
		writeText(w, http.StatusBadRequest, "Invalid request")
		return
	}
	rec.Provider = ex.provider.String()
	rec.Model = ex.request.Model

	backend := s.backendFor(ex.provider)
	if backend == nil {
		rec.Outcome = usage.OutcomeError
		s.logger.Error("no backend configured", "request_id", requestID, "provider", rec.Provider)
		writeText(w, http.StatusInternalServerError, chaterr.GenericMessage)
		return
	}

	ctx := r.Context()
	st, err := backend.Stream(ctx, ex.request)
	if err != nil {
		rec.Outcome = usage.OutcomeFor(err)
		s.failBeforeHeaders(w, requestID, rec, err)
		return
	}
	defer st.Close()

	first, err := st.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		rec.Outcome = usage.OutcomeFor(err)
		s.failBeforeHeaders(w, requestID, rec, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	emit := func(fragment string) bool {
		n, werr := io.WriteString(w, fragment)
		rec.Bytes += int64(n)
		if werr != nil {
			return false
		}
		rec.Fragments++
		_ = rc.Flush()
		return true
	}

	if errors.Is(err, io.EOF) {
		rec.Outcome = usage.OutcomeOK
		rec.FinishReason = finishReason(st)
		s.logComplete(requestID, rec, start)
		return
	}
	if first != "" && !emit(first) {
		rec.Outcome = usage.OutcomeCancelled
		return
	}

	for {
		fragment, nerr := st.Next()
		if errors.Is(nerr, io.EOF) {
			break
		}
		if nerr != nil {
			rec.Outcome = usage.OutcomeFor(nerr)
			if rec.Outcome == usage.OutcomeCancelled {
				s.logger.Debug("client went away mid-stream", "request_id", requestID)
			} else {
				s.logger.Warn("stream ended early",
					"request_id", requestID,
					"provider", rec.Provider,
					"model", rec.Model,
					"fragments", rec.Fragments,
					"error", nerr,
				)
				// Deferred recording still runs while the panic unwinds.
				panic(http.ErrAbortHandler)
			}
			return
		}
		if !emit(fragment) {
			rec.Outcome = usage.OutcomeCancelled
			return
		}
	}

	rec.Outcome = usage.OutcomeOK
	rec.FinishReason = finishReason(st)
	s.logComplete(requestID, rec, start)
}

func finishReason(st provider.Stream) string {
	if f, ok := st.(provider.Finisher); ok {
		return f.FinishReason()
	}
	return ""
}

// failBeforeHeaders answers an exchange that failed before its first
// fragment. Quota exhaustion keeps its sentinel; everything else is generic.
func (s *Server) failBeforeHeaders(w http.ResponseWriter, requestID string, rec usage.Record, err error) {
	kind := chaterr.Classify(err)
	if kind == chaterr.KindCancelled {
		s.logger.Debug("request cancelled before first fragment", "request_id", requestID)
		return
	}

	s.logger.Error("upstream request failed",
		"request_id", requestID,
		"provider", rec.Provider,
		"model", rec.Model,
		"kind", kind.String(),
		"error", err,
	)

	if kind == chaterr.KindQuotaExceeded {
		writeText(w, kind.HTTPStatus(), chaterr.QuotaSentinel)
		return
	}
	writeText(w, http.StatusInternalServerError, chaterr.GenericMessage)
}

func (s *Server) logComplete(requestID string, rec usage.Record, start time.Time) {
	s.logger.Info("request complete",
		"request_id", requestID,
		"provider", rec.Provider,
		"model", rec.Model,
		"fragments", rec.Fragments,
		"bytes", rec.Bytes,
		"finish_reason", rec.FinishReason,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

func (s *Server) record(ctx context.Context, rec usage.Record) {
	s.mu.RLock()
	recorder := s.usage
	s.mu.RUnlock()
	if recorder == nil {
		return
	}
	if err := recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to record usage", "request_id", rec.ID, "error", err)
	}
}

// ============================================================================
// HEALTH, MODELS, STATS
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string  `json:"status"`
	Version         string  `json:"version"`
	LocalReachable  bool    `json:"local_reachable"`
	CloudConfigured bool    `json:"cloud_configured"`
	Offline         bool    `json:"offline"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ollamaClient, cloudClient := s.ollama, s.cloudClient
	s.mu.RUnlock()

	resp := HealthResponse{
		Status:        "ok",
		Version:       Version,
		Offline:       s.isOffline(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}

	if ollamaClient != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		resp.LocalReachable = ollamaClient.CheckRunning(ctx) == nil
		cancel()
	}
	if cloudClient != nil {
		resp.CloudConfigured = cloudClient.IsConfigured()
	}

	writeJSON(w, http.StatusOK, resp)
}

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Object string               `json:"object"`
	Data   []provider.ModelInfo `json:"data"`
}

// handleModels handles GET /v1/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelsResponse{
		Object: "list",
		Data:   provider.Catalog,
	})
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	usage.Summary
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	recorder := s.usage
	s.mu.RUnlock()

	resp := StatsResponse{UptimeSeconds: time.Since(s.startTime).Seconds()}
	if recorder != nil {
		sum, err := recorder.Summary(r.Context())
		if err != nil {
			s.logger.Error("failed to read usage summary", "error", err)
			writeText(w, http.StatusInternalServerError, chaterr.GenericMessage)
			return
		}
		resp.Summary = sum
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	handler := s.Handler()

	s.mu.Lock()
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: replies stream for as long as the model talks.
	}
	srv := s.server
	logger := s.logger
	s.mu.Unlock()

	logger.Info("server start", "addr", s.addr, "version", Version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("server shutdown", "phase", "graceful")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeText writes a plain-text response.
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
