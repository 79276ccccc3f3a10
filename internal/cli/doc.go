// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-relay command line.
//
// # Commands
//
//	rigrun-relay serve            run the HTTP gateway
//	rigrun-relay chat [-m model]  interactive chat through the gateway
//	rigrun-relay models           list the model catalog
//	rigrun-relay version          print version information
//
// Persistent flags --config, --log-level, --log-format and --offline apply
// to every command and override the config file.
//
// # Chat
//
// The chat REPL reads lines with liner (history is kept in
// ~/.rigrun-relay/chat_history) and streams replies as they arrive.
// Ctrl+C while a reply is streaming cancels it; at the prompt it exits.
// A connectivity monitor and a config file watcher run alongside the
// REPL and feed the session's fallback policy and chat settings.
package cli
