// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine orchestrates one routed request end to end.
//
// Control flow: classify -> select -> preauthorize -> execute(+fallback)
// and validate, or council fan-out -> charge -> usage log -> response.
// A request never executes if the caller cannot cover a conservative cost
// estimate, and is charged exactly once, with the actual incurred cost,
// after the terminal result is known. All state here is request-scoped;
// the engine keeps no balances and no long-lived background work.
package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/relaycore/internal/catalog"
	"github.com/jeranaias/relaycore/internal/classify"
	"github.com/jeranaias/relaycore/internal/council"
	"github.com/jeranaias/relaycore/internal/execute"
	"github.com/jeranaias/relaycore/internal/ledger"
	"github.com/jeranaias/relaycore/internal/provider"
	"github.com/jeranaias/relaycore/internal/route"
	"github.com/jeranaias/relaycore/internal/validate"
)

// ErrEmptyUser rejects requests without a caller identity.
var ErrEmptyUser = errors.New("user_id is required")

// estTokenFloor is the minimum token budget used for pre-execution cost
// estimates, so an estimate is never cheaper than one full 1K-token unit.
const estTokenFloor = 1000

// outputRatio is the assumed output:input token ratio for estimates.
const outputRatio = 3

// ============================================================================
// REQUEST / RESPONSE
// ============================================================================

// Request is the inbound shape consumed by the engine.
type Request struct {
	Message   string            `json:"message"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id"`
	Context   map[string]string `json:"context,omitempty"`
	Supermode bool              `json:"supermode,omitempty"`
}

// Usage mirrors the token accounting on the wire.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// FinalResponse is the terminal result of one routed request.
type FinalResponse struct {
	Reply string `json:"reply"`
	Model string `json:"model"`
	// Validator describes the validation pass, nil in council mode or
	// when the engine did not construct one.
	Validator *validate.Result `json:"validator,omitempty"`
	// Credits duplicates CreditCost; both names exist on the wire for
	// backwards compatibility with older clients.
	Credits       int64 `json:"credits"`
	CreditBalance int64 `json:"credit_balance"`
	Usage         Usage `json:"usage"`
	CreditCost    int64 `json:"credit_cost"`
	SessionID     string `json:"session_id"`
	// Enforced is false only when the caller was privileged and bypassed
	// credit checks; it is always explicit in the response for audit.
	Enforced   bool   `json:"enforced"`
	UsageLogID string `json:"usage_log_id,omitempty"`

	Supermode    bool                       `json:"supermode,omitempty"`
	Timeline     []council.TimelineEvent    `json:"timeline,omitempty"`
	Contributors []council.ContributorScore `json:"contributors,omitempty"`

	// Routing carries the classification and selection for audit.
	Routing RoutingInfo `json:"routing"`
}

// RoutingInfo summarizes how the request was routed.
type RoutingInfo struct {
	Metadata  classify.Metadata `json:"metadata"`
	Selection *route.Selection  `json:"selection,omitempty"`
	Estimate  int64             `json:"estimated_credits"`
}

// ============================================================================
// ENGINE
// ============================================================================

// Options tunes engine construction.
type Options struct {
	// PrivilegedUsers bypass credit enforcement. Their responses carry
	// enforced=false.
	PrivilegedUsers []string
	// AttemptTimeout bounds one provider attempt (0 = default).
	AttemptTimeout time.Duration
	// CouncilDeadline bounds one council run (0 = default).
	CouncilDeadline time.Duration
	// Scorer overrides the council scoring strategy (nil = default).
	Scorer council.Scorer
}

// Engine routes requests. Safe for concurrent use; the catalog pointer may
// be swapped at runtime via UpdateCatalog when configuration reloads.
type Engine struct {
	mu  sync.RWMutex
	cat *catalog.Catalog

	registry   *provider.Registry
	guard      *ledger.Guard
	privileged map[string]bool
	opts       Options
}

// New constructs an Engine over the given catalog, provider registry, and
// ledger guard.
func New(cat *catalog.Catalog, registry *provider.Registry, guard *ledger.Guard, opts Options) *Engine {
	priv := make(map[string]bool, len(opts.PrivilegedUsers))
	for _, u := range opts.PrivilegedUsers {
		priv[u] = true
	}
	return &Engine{
		cat:        cat,
		registry:   registry,
		guard:      guard,
		privileged: priv,
		opts:       opts,
	}
}

// UpdateCatalog swaps in a new cost table, typically after a config
// reload. In-flight requests keep the catalog they started with.
func (e *Engine) UpdateCatalog(cat *catalog.Catalog) {
	e.mu.Lock()
	e.cat = cat
	e.mu.Unlock()
	log.Printf("ENGINE: catalog updated: %s", cat)
}

// Catalog returns the current cost table.
func (e *Engine) Catalog() *catalog.Catalog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cat
}

// ============================================================================
// HANDLE
// ============================================================================

// Handle routes one request to completion.
//
// Error taxonomy surfaced to callers:
//   - ledger.ErrInsufficientCredits: rejected pre-execution, nothing ran
//   - *execute.ExhaustedError: every model in the fallback chain failed
//   - council.ErrCouncilExhausted: zero council drafts returned
//
// A *ledger.ChargeFailedError after a successful generation is NOT
// returned as an error: the response is delivered and the failure is
// escalated through the guard's reconciler.
func (e *Engine) Handle(ctx context.Context, req Request) (*FinalResponse, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, ErrEmptyUser
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	cat := e.Catalog()
	enforced := !e.privileged[req.UserID]

	meta := classify.Classify(req.Message)

	if req.Supermode {
		return e.handleCouncil(ctx, cat, req, meta, enforced)
	}
	return e.handleSingle(ctx, cat, req, meta, enforced)
}

// estimateTokens returns the conservative token budget for estimates:
// the prompt estimate plus assumed output, floored at one 1K unit.
func estimateTokens(message string) int {
	est := provider.EstimateTokens(message) * (1 + outputRatio)
	if est < estTokenFloor {
		est = estTokenFloor
	}
	return est
}

// ============================================================================
// SINGLE-PATH EXECUTION
// ============================================================================

func (e *Engine) handleSingle(ctx context.Context, cat *catalog.Catalog, req Request, meta classify.Metadata, enforced bool) (*FinalResponse, error) {
	sel := route.NewSelector(cat).Select(meta)
	log.Printf("ROUTING: user=%s model=%s reason=%q", req.UserID, sel.Model, sel.Reason)

	// Worst case: the most expensive model in the path ends up serving
	// the request after fallbacks.
	estimate := cat.WorstCaseEstimate(sel.Path(), estimateTokens(req.Message))
	if enforced {
		if err := e.guard.Preauthorize(ctx, req.UserID, estimate); err != nil {
			return nil, err
		}
	}

	executor := execute.New(e.registry, cat)
	if e.opts.AttemptTimeout > 0 {
		executor = executor.WithTimeout(e.opts.AttemptTimeout)
	}
	result, err := executor.Execute(ctx, req.Message, sel)
	if err != nil {
		// Chain exhausted: fatal, nothing consumed, nothing charged.
		return nil, err
	}

	vres := validate.New(e.registry, cat).Validate(ctx, result.Output, meta, result.Model)
	actual := result.CreditCost + vres.CreditCost

	resp := &FinalResponse{
		Reply:      vres.Output,
		Model:      result.Model,
		Validator:  &vres,
		Credits:    actual,
		CreditCost: actual,
		Usage: Usage{
			Input:  result.Tokens.Input,
			Output: result.Tokens.Output,
			Total:  result.Tokens.Total + vres.TokensUsed,
		},
		SessionID: req.SessionID,
		Enforced:  enforced,
		Routing:   RoutingInfo{Metadata: meta, Selection: &sel, Estimate: estimate},
	}

	models := []string{result.Model}
	if vres.Model != "" {
		models = append(models, vres.Model)
	}
	e.settle(ctx, resp, req, actual, enforced, models, false)
	return resp, nil
}

// ============================================================================
// COUNCIL EXECUTION
// ============================================================================

func (e *Engine) handleCouncil(ctx context.Context, cat *catalog.Catalog, req Request, meta classify.Metadata, enforced bool) (*FinalResponse, error) {
	estimate := cat.CouncilEstimate(estimateTokens(req.Message))
	if enforced {
		if err := e.guard.Preauthorize(ctx, req.UserID, estimate); err != nil {
			return nil, err
		}
	}

	orch := council.New(e.registry, cat)
	if e.opts.CouncilDeadline > 0 {
		orch = orch.WithDeadline(e.opts.CouncilDeadline)
	}
	if e.opts.Scorer != nil {
		orch = orch.WithScorer(e.opts.Scorer)
	}

	cres, err := orch.Run(ctx, req.Message)
	if err != nil {
		return nil, err
	}

	// Best-effort validation of the synthesized answer when the
	// classification asks for it; degrades to a skip like any other pass.
	actual := cres.CreditCost
	reply := cres.Final
	var vres *validate.Result
	if meta.RequiresValidation {
		v := validate.New(e.registry, cat).Validate(ctx, cres.Final, meta, cat.MostCapable().ID)
		vres = &v
		cres.Validated = !v.Skipped
		reply = v.Output
		actual += v.CreditCost
	}

	var inputTokens, outputTokens int
	models := make([]string, 0, len(cres.Drafts))
	for _, d := range cres.Drafts {
		models = append(models, d.Model)
		// Per-draft split is not tracked; council accounting is total
		// tokens per draft.
		outputTokens += d.Tokens
	}

	resp := &FinalResponse{
		Reply:        reply,
		Model:        selectedModel(cres),
		Validator:    vres,
		Credits:      actual,
		CreditCost:   actual,
		Usage:        Usage{Input: inputTokens, Output: outputTokens, Total: cres.TotalTokens},
		SessionID:    req.SessionID,
		Enforced:     enforced,
		Supermode:    true,
		Timeline:     cres.Timeline,
		Contributors: cres.Contributors,
		Routing:      RoutingInfo{Metadata: meta, Estimate: estimate},
	}
	e.settle(ctx, resp, req, actual, enforced, models, true)
	return resp, nil
}

// selectedModel returns the council contributor marked Selected.
func selectedModel(res *council.Result) string {
	for _, c := range res.Contributors {
		if c.Selected {
			return c.Model
		}
	}
	return ""
}

// ============================================================================
// SETTLEMENT
// ============================================================================

// settle charges the caller and writes the usage log. Both are
// post-delivery concerns: failures are escalated, never returned as
// request errors once a generation succeeded.
func (e *Engine) settle(ctx context.Context, resp *FinalResponse, req Request, actual int64, enforced bool, models []string, supermode bool) {
	if enforced {
		balance, err := e.guard.Charge(ctx, req.UserID, actual)
		if err != nil {
			// Escalated through the reconciler inside the guard. The
			// response is still delivered.
			var cfe *ledger.ChargeFailedError
			if !errors.As(err, &cfe) {
				log.Printf("ENGINE: unexpected charge error: %v", err)
			}
		} else {
			resp.CreditBalance = balance
		}
	}

	id, err := e.guard.RecordUsage(ctx, ledger.UsageEntry{
		UserID:       req.UserID,
		Models:       models,
		InputTokens:  resp.Usage.Input,
		OutputTokens: resp.Usage.Output,
		TotalTokens:  resp.Usage.Total,
		CreditCost:   actual,
		Request:      req.Message,
		Response:     resp.Reply,
		SessionID:    req.SessionID,
		Supermode:    supermode,
	})
	if err != nil {
		log.Printf("ENGINE: usage log write failed for user=%s: %v", req.UserID, err)
		return
	}
	resp.UsageLogID = id
}

// Describe returns a short routing preview for a message without executing
// anything, used by the dry-run endpoint.
func (e *Engine) Describe(message string) (classify.Metadata, route.Selection, int64) {
	cat := e.Catalog()
	meta := classify.Classify(message)
	sel := route.NewSelector(cat).Select(meta)
	est := cat.WorstCaseEstimate(sel.Path(), estimateTokens(message))
	return meta, sel, est
}
