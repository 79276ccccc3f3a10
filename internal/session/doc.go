// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session drives one chat conversation against the gateway.
//
// # Key Types
//
//   - Controller: message list, loading flag and error for one conversation,
//     with cancel-then-replace sends
//   - ChatConfig: system prompt, model and provider for the next send
//   - Policy: cloud to local fallback on quota exhaustion or lost
//     connectivity
//
// # Usage
//
//	ctrl := session.NewController(gateway.NewClient(url))
//	policy := session.NewPolicy(ctrl)
//	defer policy.Detach()
//
//	ctrl.Subscribe(func(st session.State) { render(st) })
//	if err := ctrl.Send(ctx, "Hello"); err != nil {
//		// st.Err holds the same error; the policy has already reacted.
//	}
//
// A Send while another is streaming cancels the earlier one. Text the
// earlier reply had already received stays; nothing more is appended to it.
package session
