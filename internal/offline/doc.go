// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline tracks whether the cloud backend is usable.
//
// Two sources feed it: a forced offline mode set by the operator
// (--offline), and a Monitor that probes connectivity and reports changes.
// While offline mode is forced, only loopback URLs validate and the gateway
// serves every request from the local backend.
//
// # Usage
//
//	offline.SetOfflineMode(cfg.Offline)
//
//	mon := offline.NewMonitor(offline.DialProbe("api.openai.com:443", 3*time.Second), 15*time.Second)
//	mon.Subscribe(policy.SetOnline)
//	go mon.Run(ctx)
package offline
