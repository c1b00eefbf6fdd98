// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger enforces the prepaid credit economy.
//
// The Guard is the single gate through which execution is permitted or
// rejected: a request is preauthorized against a conservative cost
// estimate before any provider is called, and charged exactly once with
// the actual incurred cost after the terminal result is known. The backing
// Store is the source of truth for balances and must apply an atomic
// conditional decrement; the core never caches a balance across requests.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrInsufficientCredits rejects a request before any provider call.
	// Maps to HTTP 402 at the boundary.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUnknownUser indicates the user has no ledger account.
	ErrUnknownUser = errors.New("unknown user")
)

// ChargeFailedError wraps a post-execution ledger failure. It is non-fatal
// to the caller (the response is still delivered) but must be escalated
// for reconciliation, never silently dropped.
type ChargeFailedError struct {
	UserID string
	Amount int64
	Err    error
}

// Error implements the error interface.
func (e *ChargeFailedError) Error() string {
	return fmt.Sprintf("charge of %d credits failed for user %s: %v", e.Amount, e.UserID, e.Err)
}

// Unwrap returns the underlying store error.
func (e *ChargeFailedError) Unwrap() error {
	return e.Err
}

// ============================================================================
// STORE BOUNDARY
// ============================================================================

// ChargeReceipt is the outcome of one atomic decrement.
type ChargeReceipt struct {
	OK         bool  `json:"ok"`
	NewBalance int64 `json:"new_balance"`
}

// UsageEntry is one immutable audit row, written exactly once per terminal
// request and never mutated after write.
type UsageEntry struct {
	UserID       string    `json:"user_id"`
	Models       []string  `json:"models"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	CreditCost   int64     `json:"credit_cost"`
	Request      string    `json:"request"`
	Response     string    `json:"response"`
	SessionID    string    `json:"session_id,omitempty"`
	Supermode    bool      `json:"supermode,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the persistent ledger boundary.
type Store interface {
	// GetBalance reads the current credit balance.
	GetBalance(ctx context.Context, userID string) (int64, error)

	// ChargeCredits applies an atomic conditional decrement: the balance
	// is reduced by amount only if it covers it (compare-and-swap, not
	// read-then-write). OK=false means the balance was insufficient at
	// decrement time.
	ChargeCredits(ctx context.Context, userID string, amount int64) (ChargeReceipt, error)

	// WriteUsageLog persists one immutable usage row and returns its ID.
	WriteUsageLog(ctx context.Context, entry UsageEntry) (string, error)
}

// ============================================================================
// GUARD
// ============================================================================

// Reconciler receives escalated post-execution charge failures.
type Reconciler func(userID string, amount int64, err error)

// Guard gates execution on the credit balance.
type Guard struct {
	store     Store
	reconcile Reconciler
}

// NewGuard wraps a Store. The default reconciler logs the failure; callers
// with a real reconciliation queue install their own via WithReconciler.
func NewGuard(store Store) *Guard {
	return &Guard{
		store: store,
		reconcile: func(userID string, amount int64, err error) {
			log.Printf("LEDGER: RECONCILE NEEDED user=%s credits=%d err=%v", userID, amount, err)
		},
	}
}

// WithReconciler installs the escalation hook for failed charges.
func (g *Guard) WithReconciler(r Reconciler) *Guard {
	if r != nil {
		g.reconcile = r
	}
	return g
}

// Preauthorize checks the current balance against a conservative estimate.
// It returns ErrInsufficientCredits when the balance cannot cover the
// estimate; no provider may be called after that.
func (g *Guard) Preauthorize(ctx context.Context, userID string, estimate int64) error {
	balance, err := g.store.GetBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("preauthorize: %w", err)
	}
	if balance < estimate {
		return fmt.Errorf("%w: balance %d, estimated cost %d", ErrInsufficientCredits, balance, estimate)
	}
	return nil
}

// Charge debits the actual incurred cost, which may be less than the
// preauthorized estimate, and never more than was truly consumed. It is
// called exactly once per terminal request. A store failure is returned as
// a *ChargeFailedError after the reconciler has been notified; the caller
// still delivers the response.
func (g *Guard) Charge(ctx context.Context, userID string, actual int64) (int64, error) {
	if actual <= 0 {
		balance, err := g.store.GetBalance(ctx, userID)
		if err != nil {
			return 0, g.escalate(userID, actual, err)
		}
		return balance, nil
	}

	receipt, err := g.store.ChargeCredits(ctx, userID, actual)
	if err != nil {
		return 0, g.escalate(userID, actual, err)
	}
	if !receipt.OK {
		// Balance moved between preauthorization and charge. The spend
		// already happened, so this is a reconciliation case too.
		return receipt.NewBalance, g.escalate(userID, actual,
			fmt.Errorf("balance no longer covers %d credits", actual))
	}
	return receipt.NewBalance, nil
}

// RecordUsage writes the immutable audit row for a terminal request.
func (g *Guard) RecordUsage(ctx context.Context, entry UsageEntry) (string, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return g.store.WriteUsageLog(ctx, entry)
}

// escalate notifies the reconciler and wraps the failure. Never inline
// retried, never swallowed.
func (g *Guard) escalate(userID string, amount int64, err error) error {
	g.reconcile(userID, amount, err)
	return &ChargeFailedError{UserID: userID, Amount: amount, Err: err}
}
