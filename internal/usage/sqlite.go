// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Schema is the ledger table layout.
const Schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id          TEXT PRIMARY KEY,
	provider    TEXT NOT NULL,
	model       TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	fragments   INTEGER NOT NULL DEFAULT 0,
	bytes       INTEGER NOT NULL DEFAULT 0,
	latency_ms  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	finish_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at);
`

// SQLite persists the ledger in a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the ledger database at path.
// ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// migrate adds columns missing from ledgers created by older versions.
func migrate(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('exchanges') WHERE name = 'finish_reason'`).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.Exec(`ALTER TABLE exchanges ADD COLUMN finish_reason TEXT NOT NULL DEFAULT ''`)
	return err
}

// Record inserts rec. A zero At is stamped with the current time.
func (s *SQLite) Record(ctx context.Context, rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, provider, model, outcome, fragments, bytes, latency_ms, created_at, finish_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Provider, rec.Model, string(rec.Outcome),
		rec.Fragments, rec.Bytes, rec.Latency.Milliseconds(), rec.At.UnixMilli(), rec.FinishReason,
	)
	if err != nil {
		return fmt.Errorf("failed to record exchange: %w", err)
	}
	return nil
}

// Summary aggregates every stored exchange.
func (s *SQLite) Summary(ctx context.Context) (Summary, error) {
	sum := newSummary()

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(fragments), 0), COALESCE(SUM(bytes), 0), COALESCE(AVG(latency_ms), 0)
		 FROM exchanges`)
	if err := row.Scan(&sum.Total, &sum.Fragments, &sum.Bytes, &sum.AvgLatencyMs); err != nil {
		return sum, fmt.Errorf("failed to read totals: %w", err)
	}

	if err := s.countBy(ctx, "provider", sum.ByProvider); err != nil {
		return sum, err
	}
	if err := s.countBy(ctx, "outcome", sum.ByOutcome); err != nil {
		return sum, err
	}
	if err := s.countBy(ctx, "finish_reason", sum.ByFinish); err != nil {
		return sum, err
	}
	return sum, nil
}

// countBy fills into with row counts grouped by column, skipping empty
// values. column is always a package constant, never caller input.
func (s *SQLite) countBy(ctx context.Context, column string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM exchanges WHERE "+column+" != '' GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("failed to group by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// Prune deletes exchanges older than the cutoff and returns how many went.
func (s *SQLite) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM exchanges WHERE created_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune exchanges: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
