// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-relay/internal/cloud"
	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/offline"
	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/server"
	"github.com/jeranaias/rigrun-relay/internal/usage"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Minute
	limiterIdle     = 10 * time.Minute
)

func newServeCommand(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat gateway",
		Long: `Run the HTTP gateway. POST /chat streams a plain-text reply from the
selected backend; GET /health, /v1/models and /stats report status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// serve runs the gateway until ctx is done, then shuts down gracefully.
func (a *app) serve(ctx context.Context) error {
	srv, rec, limiter, err := newGateway(a.cfg, a)
	if err != nil {
		return err
	}
	defer rec.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.prune(gctx, limiter, rec)
			}
		}
	})

	fmt.Fprintf(a.stdout, "%s listening on %s %s\n",
		TitleStyle.Render("rigrun-relay"),
		HighlightStyle.Render("http://"+srv.Addr()),
		WarningStyle.Render(offline.StatusBadge()))

	return g.Wait()
}

// prune drops idle rate limiter clients and ledger rows past retention.
func (a *app) prune(ctx context.Context, limiter *server.RateLimiter, rec usage.Recorder) {
	if limiter != nil {
		if n := limiter.Prune(limiterIdle); n > 0 {
			a.logger.Debug("rate limiter pruned", "clients", n)
		}
	}
	if p, ok := rec.(usage.Pruner); ok {
		n, err := p.Prune(ctx, time.Now().Add(-a.cfg.Server.UsageRetention()))
		if err != nil {
			a.logger.Warn("usage ledger prune failed", "error", err)
		} else if n > 0 {
			a.logger.Debug("usage ledger pruned", "exchanges", n)
		}
	}
}

// newGateway builds the server and its collaborators from cfg. The caller
// closes the returned recorder.
func newGateway(cfg *config.Config, a *app) (*server.Server, usage.Recorder, *server.RateLimiter, error) {
	var rec usage.Recorder = usage.NewMemory()
	if cfg.Server.UsageDB != "" {
		db, err := usage.OpenSQLite(cfg.Server.UsageDB)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open usage ledger: %w", err)
		}
		rec = db
	}

	local := ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      cfg.Local.OllamaURL,
		DefaultModel: cfg.Local.Model,
	})
	remote := cloud.NewClient(&cloud.Config{
		APIKey:       cfg.Cloud.APIKey,
		BaseURL:      cfg.Cloud.BaseURL,
		DefaultModel: cfg.Cloud.Model,
		MaxTokens:    cfg.Cloud.MaxTokens,
	})
	if !remote.IsConfigured() {
		a.logger.Warn("no cloud API key configured, cloud requests will fail")
	} else {
		a.logger.Info("cloud backend configured",
			"base_url", cfg.Cloud.BaseURL,
			"model", cfg.Cloud.Model,
			"key", remote.KeyFingerprint())
	}

	cors := server.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.Server.CORSOrigins

	var limiter *server.RateLimiter
	if cfg.Server.RateLimitRPS > 0 {
		limiter = server.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}

	srv := server.NewServer(cfg.Server.Addr).
		WithLogger(a.logger).
		WithOllamaClient(local).
		WithCloudClient(remote).
		WithUsage(rec).
		WithCORS(cors).
		WithRateLimiter(limiter).
		WithDefaultModels(cfg.Cloud.Model, cfg.Local.Model).
		WithOfflineGuard(offline.IsOfflineMode)

	return srv, rec, limiter, nil
}
