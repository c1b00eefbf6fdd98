// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog provides the model cost table for relay routing decisions.
//
// A Catalog is an immutable snapshot of model pricing: which models exist,
// what each one costs in credits per 1K tokens, and which models sit on the
// council roster. It is constructed once from configuration and injected
// into the selector and council orchestrator; it is never mutated in place.
// Configuration reloads build a new Catalog and swap the pointer.
package catalog

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ============================================================================
// MODEL SPEC
// ============================================================================

// ModelSpec describes one routable model.
type ModelSpec struct {
	// ID is the full model identifier, e.g. "anthropic/claude-3-opus".
	ID string
	// Credits is the price in credits per 1K total tokens.
	Credits int64
	// SupportsJSON indicates the model can be forced into JSON output mode.
	SupportsJSON bool
}

// DefaultModels is the built-in cost table, used when configuration does not
// override it. Prices are credits per 1K total tokens.
var DefaultModels = []ModelSpec{
	{ID: "openai/gpt-4o-mini", Credits: 1, SupportsJSON: true},
	{ID: "anthropic/claude-3-haiku", Credits: 2, SupportsJSON: true},
	{ID: "google/gemini-pro", Credits: 3, SupportsJSON: false},
	{ID: "meta-llama/llama-3-70b-instruct", Credits: 4, SupportsJSON: false},
	{ID: "openai/gpt-4o", Credits: 6, SupportsJSON: true},
	{ID: "anthropic/claude-3.5-sonnet", Credits: 8, SupportsJSON: true},
	{ID: "anthropic/claude-3-opus", Credits: 15, SupportsJSON: true},
}

// DefaultCouncilMultiplier is the surcharge applied to the summed per-model
// cost of a council run.
const DefaultCouncilMultiplier = 1.5

// ============================================================================
// CATALOG
// ============================================================================

// Catalog is an immutable model cost table.
type Catalog struct {
	specs   map[string]ModelSpec
	ordered []ModelSpec // ascending by credits, ties broken by ID

	councilModels     []string
	councilMultiplier float64
}

// New builds a Catalog from the given specs and council roster.
// Returns an error for an empty table, duplicate model IDs, non-positive
// prices, or a roster entry that is not in the table.
func New(specs []ModelSpec, councilModels []string, councilMultiplier float64) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("catalog: no models configured")
	}
	if councilMultiplier <= 0 {
		councilMultiplier = DefaultCouncilMultiplier
	}

	byID := make(map[string]ModelSpec, len(specs))
	ordered := make([]ModelSpec, 0, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("catalog: model with empty ID")
		}
		if s.Credits <= 0 {
			return nil, fmt.Errorf("catalog: model %s has non-positive price %d", s.ID, s.Credits)
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model %s", s.ID)
		}
		byID[s.ID] = s
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Credits != ordered[j].Credits {
			return ordered[i].Credits < ordered[j].Credits
		}
		return ordered[i].ID < ordered[j].ID
	})

	// Default roster: every model in the table, cost ascending.
	if len(councilModels) == 0 {
		for _, s := range ordered {
			councilModels = append(councilModels, s.ID)
		}
	}
	for _, id := range councilModels {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("catalog: council model %s not in cost table", id)
		}
	}

	return &Catalog{
		specs:             byID,
		ordered:           ordered,
		councilModels:     append([]string(nil), councilModels...),
		councilMultiplier: councilMultiplier,
	}, nil
}

// Default returns a Catalog built from DefaultModels with the full roster.
func Default() *Catalog {
	c, err := New(DefaultModels, nil, DefaultCouncilMultiplier)
	if err != nil {
		// DefaultModels is a valid table; this cannot happen.
		panic(err)
	}
	return c
}

// ============================================================================
// LOOKUPS
// ============================================================================

// Has reports whether the model is in the cost table.
func (c *Catalog) Has(model string) bool {
	_, ok := c.specs[model]
	return ok
}

// Spec returns the spec for a model and whether it exists.
func (c *Catalog) Spec(model string) (ModelSpec, bool) {
	s, ok := c.specs[model]
	return s, ok
}

// Credits returns the per-1K-token price for a model, or 0 if unknown.
func (c *Catalog) Credits(model string) int64 {
	return c.specs[model].Credits
}

// Models returns all models in ascending cost order.
// The returned slice is a copy and safe to modify.
func (c *Catalog) Models() []ModelSpec {
	return append([]ModelSpec(nil), c.ordered...)
}

// Cheapest returns the lowest-priced model in the table.
func (c *Catalog) Cheapest() ModelSpec {
	return c.ordered[0]
}

// CheapestJSON returns the lowest-priced model that supports JSON output.
// Falls back to the overall cheapest model when none advertises JSON support.
func (c *Catalog) CheapestJSON() ModelSpec {
	for _, s := range c.ordered {
		if s.SupportsJSON {
			return s
		}
	}
	return c.ordered[0]
}

// MostCapable returns the highest-priced model in the table. Price is the
// capability proxy throughout routing.
func (c *Catalog) MostCapable() ModelSpec {
	return c.ordered[len(c.ordered)-1]
}

// MidTier returns the median-priced model, used for the default selection
// path when neither escalation nor low-cost preference applies.
func (c *Catalog) MidTier() ModelSpec {
	return c.ordered[len(c.ordered)/2]
}

// CouncilModels returns the council roster. The slice is a copy.
func (c *Catalog) CouncilModels() []string {
	return append([]string(nil), c.councilModels...)
}

// CouncilMultiplier returns the surcharge factor for council runs.
func (c *Catalog) CouncilMultiplier() float64 {
	return c.councilMultiplier
}

// ============================================================================
// COST ARITHMETIC
// ============================================================================

// CostFor returns the credit cost for a completed request:
// ceil(totalTokens / 1000 × price). Unknown models cost 0.
func (c *Catalog) CostFor(model string, totalTokens int) int64 {
	if totalTokens <= 0 {
		return 0
	}
	price := c.Credits(model)
	return int64(math.Ceil(float64(totalTokens) / 1000.0 * float64(price)))
}

// WorstCaseEstimate returns a conservative pre-execution estimate for a
// single-path request: the cost of the most expensive model among the
// primary and its fallback chain, at the given token budget.
func (c *Catalog) WorstCaseEstimate(models []string, totalTokens int) int64 {
	var worst int64
	for _, m := range models {
		if cost := c.CostFor(m, totalTokens); cost > worst {
			worst = cost
		}
	}
	return worst
}

// CouncilEstimate returns a conservative pre-execution estimate for a
// council run: the full roster billed at the given token budget, times the
// council multiplier.
func (c *Catalog) CouncilEstimate(totalTokens int) int64 {
	var sum int64
	for _, m := range c.councilModels {
		sum += c.CostFor(m, totalTokens)
	}
	return c.ApplyCouncilMultiplier(sum)
}

// ApplyCouncilMultiplier scales a summed council cost by the multiplier,
// rounding up to whole credits.
func (c *Catalog) ApplyCouncilMultiplier(sum int64) int64 {
	return int64(math.Ceil(float64(sum) * c.councilMultiplier))
}

// String returns a one-line summary, useful in startup logs.
func (c *Catalog) String() string {
	ids := make([]string, 0, len(c.ordered))
	for _, s := range c.ordered {
		ids = append(ids, fmt.Sprintf("%s=%d", s.ID, s.Credits))
	}
	return fmt.Sprintf("catalog[%s] council=%d x%.2f",
		strings.Join(ids, " "), len(c.councilModels), c.councilMultiplier)
}
