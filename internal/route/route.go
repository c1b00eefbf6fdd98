// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package route maps classification metadata onto a concrete model choice.
//
// Selection is deterministic: the same Metadata against the same Catalog
// always yields the same Selection. The catalog is injected at construction
// time; the selector holds no other state.
package route

import (
	"fmt"

	"github.com/jeranaias/relaycore/internal/catalog"
	"github.com/jeranaias/relaycore/internal/classify"
)

// MaxFallbacks caps the fallback chain length to bound worst-case latency.
const MaxFallbacks = 3

// ============================================================================
// SELECTION
// ============================================================================

// Selection is the chosen execution path for one request.
type Selection struct {
	// Model is the primary model to execute against.
	Model string `json:"model"`
	// Confidence is in [0,1] and informational only; it never gates
	// execution.
	Confidence float64 `json:"confidence"`
	// Reason explains the selection for logs and audit.
	Reason string `json:"reason"`
	// FallbackChain is the ordered list of backup models, cost ascending,
	// never containing the primary and never containing duplicates.
	FallbackChain []string `json:"fallback_chain"`
}

// Path returns the primary model followed by the fallback chain, in try
// order.
func (s Selection) Path() []string {
	return append([]string{s.Model}, s.FallbackChain...)
}

// ============================================================================
// SELECTOR
// ============================================================================

// Selector chooses models from an immutable catalog.
type Selector struct {
	cat *catalog.Catalog
}

// NewSelector returns a Selector over the given catalog.
func NewSelector(cat *catalog.Catalog) *Selector {
	return &Selector{cat: cat}
}

// Select maps metadata to a model selection.
//
// Policy, in priority order:
//  1. HighRisk or RequiresReasoning escalates to the most capable
//     (highest-cost) model regardless of cost sensitivity.
//  2. LowCostPreferred selects the cheapest model, or the cheapest
//     JSON-capable model when RequiresJSON is set.
//  3. Otherwise the mid-tier model is used, bumped to a JSON-capable one
//     when RequiresJSON is set.
func (s *Selector) Select(meta classify.Metadata) Selection {
	var primary catalog.ModelSpec
	var reason string

	switch {
	case meta.HighRisk || meta.RequiresReasoning:
		primary = s.cat.MostCapable()
		if meta.HighRisk {
			reason = fmt.Sprintf("high-risk content escalated to %s", primary.ID)
		} else {
			reason = fmt.Sprintf("reasoning required, escalated to %s", primary.ID)
		}
	case meta.LowCostPreferred:
		if meta.RequiresJSON {
			primary = s.cat.CheapestJSON()
			reason = fmt.Sprintf("low-cost preferred, cheapest JSON-capable model %s", primary.ID)
		} else {
			primary = s.cat.Cheapest()
			reason = fmt.Sprintf("low-cost preferred, cheapest model %s", primary.ID)
		}
	default:
		primary = s.cat.MidTier()
		if meta.RequiresJSON && !primary.SupportsJSON {
			primary = s.cat.CheapestJSON()
		}
		reason = fmt.Sprintf("default %s sensitivity routed to %s",
			meta.CostSensitivity, primary.ID)
	}

	return Selection{
		Model:         primary.ID,
		Confidence:    confidenceFor(meta),
		Reason:        reason,
		FallbackChain: s.fallbackChain(primary.ID),
	}
}

// fallbackChain builds the ordered backup list: remaining models cost
// ascending, excluding the primary, capped at MaxFallbacks.
func (s *Selector) fallbackChain(primary string) []string {
	chain := make([]string, 0, MaxFallbacks)
	for _, m := range s.cat.Models() {
		if m.ID == primary {
			continue
		}
		chain = append(chain, m.ID)
		if len(chain) == MaxFallbacks {
			break
		}
	}
	return chain
}

// confidenceFor derives an informational confidence scalar. A single
// decisive signal scores high; overlapping signals (reasoning plus risk
// plus stakes pulling in different directions) lower it slightly.
func confidenceFor(meta classify.Metadata) float64 {
	conf := 0.95
	signals := 0
	if meta.RequiresReasoning {
		signals++
	}
	if meta.HighRisk {
		signals++
	}
	if meta.LowCostPreferred {
		signals++
	}
	if signals > 1 {
		conf -= 0.1 * float64(signals-1)
	}
	if meta.ComplexityScore > 0 && meta.ComplexityScore < 20 && !meta.LowCostPreferred {
		// Borderline short messages that still escaped the low-cost path.
		conf -= 0.1
	}
	if conf < 0.5 {
		conf = 0.5
	}
	return conf
}
