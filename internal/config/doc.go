// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and saves the relay's configuration.
//
// Files may be TOML, JSON, or YAML; the extension decides. The default
// location is ~/.rigrun-relay/config.toml, and a missing file means the
// built-in defaults.
//
// # Precedence
//
//   - Command-line flags (applied by the caller)
//   - Environment variables (RIGRUN_RELAY_*, OPENAI_API_KEY)
//   - The config file
//   - Built-in defaults
//
// # Sections
//
//	[server]   addr, cors_origins, rate_limit_rps, rate_limit_burst, usage_db
//	[cloud]    api_key, base_url, model, max_tokens
//	[local]    ollama_url, model
//	[chat]     gateway_url, system_prompt, model, provider, probe_host, probe_interval
//	[logging]  level, format
//
// Watch reloads the file when it changes, which lets a running chat
// session pick up a new system prompt or model without restarting.
package config
