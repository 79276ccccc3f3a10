// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud adapts an OpenAI-compatible chat completions API to the
// relay's fragment stream contract.
//
// Requests go through the official openai-go SDK with retries disabled;
// a failed exchange is resent by the user, not by the client. Each
// non-empty choices[0].delta.content becomes one fragment. API failures
// keep their HTTP status, so a 429 is reported as quota exhaustion.
//
//	client := cloud.NewClient(&cloud.Config{APIKey: key})
//	stream, err := client.Stream(ctx, provider.Request{
//	    System:   "Be brief.",
//	    Model:    "gpt-4o-mini",
//	    Messages: []provider.Message{{Role: "user", Content: "Hello"}},
//	})
//
// API keys are never logged; use KeyFingerprint to identify one.
package cloud
