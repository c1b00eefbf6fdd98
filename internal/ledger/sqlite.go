// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// schema creates the ledger tables. usage_log has no UPDATE path anywhere
// in this package; rows are immutable once written.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id  TEXT PRIMARY KEY,
	email    TEXT NOT NULL DEFAULT '',
	balance  INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS usage_log (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	models        TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	total_tokens  INTEGER NOT NULL,
	credit_cost   INTEGER NOT NULL,
	request       TEXT NOT NULL,
	response      TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	supermode     INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_log_user ON usage_log(user_id, created_at);
`

// SQLiteStore is the concrete ledger Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a ledger database at path. Use ":memory:"
// for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// SQLite handles one writer at a time; serializing through a single
	// connection avoids SQLITE_BUSY on concurrent charges.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// ACCOUNT MANAGEMENT
// ============================================================================

// CreateUser inserts a new account with an opening balance. Existing
// accounts are left untouched.
func (s *SQLiteStore) CreateUser(ctx context.Context, userID, email string, balance int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, email, balance) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, email, balance)
	return err
}

// AddCredits tops up an account after payment capture.
func (s *SQLiteStore) AddCredits(ctx context.Context, userID string, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET balance = balance + ? WHERE user_id = ?`, amount, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return nil
}

// ============================================================================
// STORE IMPLEMENTATION
// ============================================================================

// GetBalance implements Store.
func (s *SQLiteStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// ChargeCredits implements Store with a compare-and-swap decrement: the
// WHERE clause makes the balance check and the debit one atomic statement,
// so concurrent requests from the same user cannot double-spend against a
// stale read.
func (s *SQLiteStore) ChargeCredits(ctx context.Context, userID string, amount int64) (ChargeReceipt, error) {
	if amount < 0 {
		return ChargeReceipt{}, fmt.Errorf("negative charge amount %d", amount)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET balance = balance - ? WHERE user_id = ? AND balance >= ?`,
		amount, userID, amount)
	if err != nil {
		return ChargeReceipt{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ChargeReceipt{}, err
	}

	balance, berr := s.GetBalance(ctx, userID)
	if berr != nil {
		return ChargeReceipt{}, berr
	}
	return ChargeReceipt{OK: n == 1, NewBalance: balance}, nil
}

// WriteUsageLog implements Store. The row is insert-only.
func (s *SQLiteStore) WriteUsageLog(ctx context.Context, entry UsageEntry) (string, error) {
	id := uuid.New().String()
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	supermode := 0
	if entry.Supermode {
		supermode = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log
		 (id, user_id, models, input_tokens, output_tokens, total_tokens,
		  credit_cost, request, response, session_id, supermode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entry.UserID, strings.Join(entry.Models, ","),
		entry.InputTokens, entry.OutputTokens, entry.TotalTokens,
		entry.CreditCost, entry.Request, entry.Response,
		entry.SessionID, supermode, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("write usage log: %w", err)
	}
	return id, nil
}

// UsageLogCount returns the number of usage rows for a user, used by the
// stats endpoint and tests.
func (s *SQLiteStore) UsageLogCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_log WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}
