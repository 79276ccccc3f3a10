// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultProbeHost is dialed to decide whether the cloud is reachable.
const DefaultProbeHost = "api.openai.com:443"

// DefaultInterval is how often a Monitor probes.
const DefaultInterval = 15 * time.Second

// ProbeFunc reports whether the network is usable.
type ProbeFunc func(ctx context.Context) bool

// DialProbe returns a probe that opens and closes a TCP connection to
// hostport within timeout.
func DialProbe(hostport string, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Monitor probes connectivity periodically and tells subscribers when it
// changes. The first result is always reported.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	known  bool
	subs   []func(online bool)
}

// NewMonitor creates a monitor. A nil probe dials DefaultProbeHost; a
// non-positive interval means DefaultInterval.
func NewMonitor(probe ProbeFunc, interval time.Duration) *Monitor {
	if probe == nil {
		probe = DialProbe(DefaultProbeHost, 3*time.Second)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   slog.New(slog.DiscardHandler),
		online:   true,
	}
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(logger *slog.Logger) *Monitor {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Subscribe registers fn to be called with every reported state.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Online returns the last known state. Before the first probe it is true.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and reports the result if it differs from the last one.
// Forced offline mode reports offline without probing.
func (m *Monitor) Check(ctx context.Context) bool {
	online := !IsOfflineMode() && m.probe(ctx)

	m.mu.Lock()
	changed := !m.known || online != m.online
	m.online = online
	m.known = true
	subs := append(([]func(bool))(nil), m.subs...)
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", "online", online)
		for _, fn := range subs {
			fn(online)
		}
	}
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
