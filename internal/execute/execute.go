// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package execute drives a single selected model with fallback.
//
// The fallback chain is modelled as an explicit finite state machine:
// each attempt either succeeds (terminal), fails and advances to the next
// model in the chain, or exhausts the chain (terminal failure). Exhaustion
// is a first-class error carrying every attempt's failure reason; it is
// never silently degraded.
package execute

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/jeranaias/relaycore/internal/catalog"
	"github.com/jeranaias/relaycore/internal/provider"
	"github.com/jeranaias/relaycore/internal/route"
)

// DefaultAttemptTimeout bounds one provider attempt.
const DefaultAttemptTimeout = 60 * time.Second

// ============================================================================
// RESULT TYPES
// ============================================================================

// Tokens holds the token accounting for one provider call.
type Tokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Attempt records one try against one model.
type Attempt struct {
	Model      string `json:"model"`
	Err        string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Result is the outcome of one successful provider call.
type Result struct {
	Output     string `json:"output"`
	Model      string `json:"model"`
	Tokens     Tokens `json:"tokens"`
	DurationMs int64  `json:"duration_ms"`
	CreditCost int64  `json:"credit_cost"`
	// Estimated is true when token counts were approximated from
	// character length rather than reported by the vendor.
	Estimated bool `json:"estimated,omitempty"`
	// Attempts lists every model tried, including failed ones.
	Attempts []Attempt `json:"attempts,omitempty"`
}

// ============================================================================
// EXHAUSTION ERROR
// ============================================================================

// ExhaustedError is the terminal failure state of the fallback machine:
// every model in the chain failed. It is fatal for the request and is
// surfaced to the caller.
type ExhaustedError struct {
	Attempts []Attempt
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Model, a.Err))
	}
	return fmt.Sprintf("all providers exhausted after %d attempts (%s)",
		len(e.Attempts), strings.Join(parts, "; "))
}

// ============================================================================
// EXECUTOR
// ============================================================================

// Executor runs selections against provider adapters.
type Executor struct {
	registry *provider.Registry
	cat      *catalog.Catalog
	timeout  time.Duration
}

// New returns an Executor with the default per-attempt timeout.
func New(registry *provider.Registry, cat *catalog.Catalog) *Executor {
	return &Executor{registry: registry, cat: cat, timeout: DefaultAttemptTimeout}
}

// WithTimeout overrides the per-attempt timeout.
func (e *Executor) WithTimeout(d time.Duration) *Executor {
	e.timeout = d
	return e
}

// Execute tries the primary model, then each fallback in order, and
// returns the first success. When the whole chain fails it returns an
// *ExhaustedError.
func (e *Executor) Execute(ctx context.Context, prompt string, sel route.Selection) (*Result, error) {
	var attempts []Attempt

	for _, model := range sel.Path() {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Model: model, Err: err.Error()})
			break
		}

		start := time.Now()
		res, err := e.attempt(ctx, prompt, model)
		elapsed := time.Since(start)

		if err == nil {
			res.Attempts = append(attempts, Attempt{Model: model, DurationMs: elapsed.Milliseconds()})
			return res, nil
		}

		log.Printf("EXECUTE: model=%s failed after %s: %v", model, elapsed.Round(time.Millisecond), err)
		attempts = append(attempts, Attempt{
			Model:      model,
			Err:        err.Error(),
			DurationMs: elapsed.Milliseconds(),
		})
	}

	return nil, &ExhaustedError{Attempts: attempts}
}

// attempt runs one model to completion, draining its stream.
func (e *Executor) attempt(ctx context.Context, prompt, model string) (*Result, error) {
	adapter, err := e.registry.Resolve(model)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	stream, err := adapter.GenerateStream(attemptCtx, prompt, provider.Options{
		PreferredModel: model,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var output strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		output.WriteString(chunk)
	}

	usage := stream.Usage()
	tokens := Tokens{
		Input:  usage.InputTokens,
		Output: usage.OutputTokens,
		Total:  usage.Total(),
	}

	return &Result{
		Output:     output.String(),
		Model:      model,
		Tokens:     tokens,
		DurationMs: time.Since(start).Milliseconds(),
		CreditCost: e.cat.CostFor(model, tokens.Total),
		Estimated:  usage.Estimated,
	}, nil
}
