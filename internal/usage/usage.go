// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package usage keeps a ledger of relay exchanges: which backend served
// them, how they ended, and how much text was streamed. Message content is
// never stored.
package usage

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
)

// =============================================================================
// RECORD TYPES
// =============================================================================

// Outcome is how an exchange ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeQuota     Outcome = "quota"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeInvalid   Outcome = "invalid"
)

// OutcomeFor maps an exchange error to its outcome. nil is OutcomeOK.
func OutcomeFor(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	switch chaterr.Classify(err) {
	case chaterr.KindQuotaExceeded:
		return OutcomeQuota
	case chaterr.KindCancelled:
		return OutcomeCancelled
	case chaterr.KindInvalidRequest:
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}

// Record describes one gateway exchange.
type Record struct {
	ID        string
	Provider  string
	Model     string
	Outcome   Outcome
	Fragments int
	Bytes     int64
	Latency   time.Duration
	At        time.Time

	// FinishReason is the upstream's stop reason, such as "stop" or
	// "length", when it reported one.
	FinishReason string
}

// Summary aggregates recorded exchanges.
type Summary struct {
	Total        int64            `json:"total_requests"`
	ByProvider   map[string]int64 `json:"by_provider"`
	ByOutcome    map[string]int64 `json:"by_outcome"`
	ByFinish     map[string]int64 `json:"by_finish_reason"`
	Fragments    int64            `json:"fragments"`
	Bytes        int64            `json:"bytes"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
}

func newSummary() Summary {
	return Summary{
		ByProvider: map[string]int64{},
		ByOutcome:  map[string]int64{},
		ByFinish:   map[string]int64{},
	}
}

// Recorder stores exchange records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Summary(ctx context.Context) (Summary, error)
	Close() error
}

// Pruner is implemented by recorders that keep individual exchanges and
// can drop the old ones.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// =============================================================================
// IN-MEMORY RECORDER
// =============================================================================

// Memory keeps running totals in process memory.
type Memory struct {
	mu           sync.Mutex
	summary      Summary
	totalLatency time.Duration
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{summary: newSummary()}
}

// Record adds rec to the totals.
func (m *Memory) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.summary.Total++
	if rec.Provider != "" {
		m.summary.ByProvider[rec.Provider]++
	}
	m.summary.ByOutcome[string(rec.Outcome)]++
	if rec.FinishReason != "" {
		m.summary.ByFinish[rec.FinishReason]++
	}
	m.summary.Fragments += int64(rec.Fragments)
	m.summary.Bytes += rec.Bytes
	m.totalLatency += rec.Latency
	m.summary.AvgLatencyMs = float64(m.totalLatency.Milliseconds()) / float64(m.summary.Total)
	return nil
}

// Summary returns a copy of the totals.
func (m *Memory) Summary(_ context.Context) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.summary
	out.ByProvider = make(map[string]int64, len(m.summary.ByProvider))
	for k, v := range m.summary.ByProvider {
		out.ByProvider[k] = v
	}
	out.ByOutcome = make(map[string]int64, len(m.summary.ByOutcome))
	for k, v := range m.summary.ByOutcome {
		out.ByOutcome[k] = v
	}
	out.ByFinish = maps.Clone(m.summary.ByFinish)
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
