// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the chat message type and the history helpers
// shared by the gateway and the session controller.
//
// # Key Types
//
//   - Message: one conversation entry with a stable ID, role and content
//   - Role: user or assistant
//
// # History
//
// Only the last MaxHistory messages are forwarded with a request:
//
//	outbound := model.History(messages)
//
// Tail applies the same cut to any slice type.
package model
