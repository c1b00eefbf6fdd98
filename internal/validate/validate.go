// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validate runs an optional secondary pass over a primary answer.
//
// Validation is best-effort: a provider failure during the pass degrades
// to a skip rather than failing the request. The validator model is always
// distinct from and cheaper than the primary so a validation pass can
// never dominate the cost of the answer it is checking.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/jeranaias/relaycore/internal/catalog"
	"github.com/jeranaias/relaycore/internal/classify"
	"github.com/jeranaias/relaycore/internal/provider"
)

// DefaultTimeout bounds one validation pass.
const DefaultTimeout = 30 * time.Second

// rolePrompt instructs the validator model to respond with a verdict.
const rolePrompt = `You are a strict fact checker. Review the answer below for unsupported claims and internal contradictions. Respond with JSON only: {"approved": bool, "score": 0-100, "issues": ["..."], "corrected": "full corrected answer, or empty if approved"}`

// ============================================================================
// RESULT
// ============================================================================

// Result is the outcome of a validation pass.
type Result struct {
	Approved bool `json:"approved"`
	// Output is the answer after validation: the corrected rewrite when
	// the validator supplied one, otherwise the original.
	Output  string   `json:"output"`
	Score   int      `json:"score,omitempty"`
	Issues  []string `json:"issues,omitempty"`
	Skipped bool     `json:"skipped"`
	// SkipReason records why the pass was skipped, for audit.
	SkipReason string `json:"skip_reason,omitempty"`
	// Model is the validator model used, empty when skipped.
	Model string `json:"model,omitempty"`
	// Tokens consumed by the validator call, for billing.
	TokensUsed int   `json:"tokens_used,omitempty"`
	CreditCost int64 `json:"credit_cost,omitempty"`
}

// skipped builds a Result for a pass that did not run. A skipped pass is
// assumed approved.
func skipped(output, reason string) Result {
	return Result{Approved: true, Output: output, Skipped: true, SkipReason: reason}
}

// ============================================================================
// VALIDATOR
// ============================================================================

// Validator scores and optionally corrects primary outputs with a cheaper
// model.
type Validator struct {
	registry *provider.Registry
	cat      *catalog.Catalog
	timeout  time.Duration
}

// New returns a Validator with the default timeout.
func New(registry *provider.Registry, cat *catalog.Catalog) *Validator {
	return &Validator{registry: registry, cat: cat, timeout: DefaultTimeout}
}

// WithTimeout overrides the validation pass timeout.
func (v *Validator) WithTimeout(d time.Duration) *Validator {
	v.timeout = d
	return v
}

// Validate runs the secondary pass over output produced by primaryModel.
//
// The pass is skipped when the classification does not require validation,
// or when the primary is already the most capable model and the content is
// not high risk (checking a top-tier answer with a lesser model is low
// value). High-risk content is always validated. A provider failure during
// the pass degrades to a skip; it never fails the request.
func (v *Validator) Validate(ctx context.Context, output string, meta classify.Metadata, primaryModel string) Result {
	if !meta.RequiresValidation {
		return skipped(output, "validation not required by classification")
	}

	top := v.cat.MostCapable()
	if primaryModel == top.ID && !meta.HighRisk {
		return skipped(output, fmt.Sprintf("primary %s is already the most capable model", primaryModel))
	}

	model, ok := v.pickModel(primaryModel)
	if !ok {
		return skipped(output, fmt.Sprintf("no model cheaper than primary %s available", primaryModel))
	}

	res, err := v.run(ctx, output, model)
	if err != nil {
		// Best-effort: degrade to a skip, never fail the request.
		log.Printf("VALIDATE: model=%s degraded to skip: %v", model, err)
		return skipped(output, fmt.Sprintf("validator degraded: %v", err))
	}
	return res
}

// pickModel returns the cheapest model strictly cheaper than the primary
// and distinct from it.
func (v *Validator) pickModel(primaryModel string) (string, bool) {
	primaryCost := v.cat.Credits(primaryModel)
	for _, m := range v.cat.Models() {
		if m.ID != primaryModel && m.Credits < primaryCost {
			return m.ID, true
		}
	}
	return "", false
}

// verdict is the JSON shape the validator model is asked to produce.
type verdict struct {
	Approved  bool     `json:"approved"`
	Score     int      `json:"score"`
	Issues    []string `json:"issues"`
	Corrected string   `json:"corrected"`
}

// run executes the validator model and parses its verdict.
func (v *Validator) run(ctx context.Context, output, model string) (Result, error) {
	adapter, err := v.registry.Resolve(model)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	stream, err := adapter.GenerateStream(runCtx, output, provider.Options{
		PreferredModel: model,
		RolePrompt:     rolePrompt,
	})
	if err != nil {
		return Result{}, err
	}
	defer stream.Close()

	var raw strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, err
		}
		raw.WriteString(chunk)
	}

	usage := stream.Usage()
	res := Result{
		Approved:   true,
		Output:     output,
		Model:      model,
		TokensUsed: usage.Total(),
		CreditCost: v.cat.CostFor(model, usage.Total()),
	}

	var vd verdict
	if err := json.Unmarshal([]byte(extractJSON(raw.String())), &vd); err != nil {
		// An unparseable verdict is a degraded pass, not a rejection.
		return Result{}, fmt.Errorf("unparseable validator verdict: %w", err)
	}

	res.Approved = vd.Approved
	res.Score = vd.Score
	res.Issues = vd.Issues
	if !vd.Approved && strings.TrimSpace(vd.Corrected) != "" {
		res.Output = vd.Corrected
	}
	return res, nil
}

// extractJSON pulls the first JSON object out of a model response that may
// be wrapped in prose or a code fence.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
