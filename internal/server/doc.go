// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the chat gateway: an HTTP endpoint that forwards a
// conversation to the cloud or local model backend and streams the reply
// back as plain UTF-8 text.
//
// # Endpoints
//
//   - POST /chat      - Streamed chat (alias: POST /api/chat)
//   - GET  /health    - Local backend reachability, cloud key status
//   - GET  /v1/models - Model catalog
//   - GET  /stats     - Usage ledger aggregates
//
// # Chat responses
//
//   - 200: text/plain body, flushed after every fragment
//   - 400: "Messages required" or "Invalid request"
//   - 429: "QUOTA_EXCEEDED" when the cloud quota is exhausted
//   - 500: "Something went wrong"
//
// A failure after the first fragment aborts the connection, so the client
// reads a truncated body rather than a clean end of stream. Upstream detail
// never reaches the client; it is logged instead.
//
// # Middleware
//
//   - Panic recovery
//   - Security headers
//   - Request logging (log/slog)
//   - CORS for browser clients
//   - Per-IP rate limiting (503 with Retry-After, since 429 means quota)
//
// # Usage
//
//	srv := server.NewServer("127.0.0.1:8787").
//		WithOllamaClient(ollama.NewClient()).
//		WithCloudClient(cloud.NewClient(cfg)).
//		WithDefaultModels("gpt-4o", "llama3.2").
//		WithLogger(logger)
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
package server
