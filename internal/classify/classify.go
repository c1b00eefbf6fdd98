// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classify turns a raw user message into routing metadata.
//
// Classification is a pure function: no I/O, no randomness, and the same
// message always produces the same Metadata. Each lexical rule is an
// independently testable predicate; Classify combines them through an
// explicit policy rather than scattered substring checks.
package classify

import (
	"strings"
)

// ============================================================================
// COST SENSITIVITY
// ============================================================================

// CostSensitivity buckets how much a request is worth spending on.
type CostSensitivity int

const (
	// SensitivityFree marks trivial requests (greetings, one-word lookups).
	SensitivityFree CostSensitivity = iota
	// SensitivityLow marks short requests with no reasoning demand.
	SensitivityLow
	// SensitivityModerate marks multi-step requests.
	SensitivityModerate
	// SensitivityExpensive marks requests that justify top-tier spend.
	SensitivityExpensive
)

// String returns the wire name of the sensitivity bucket.
func (s CostSensitivity) String() string {
	switch s {
	case SensitivityFree:
		return "free"
	case SensitivityLow:
		return "low"
	case SensitivityModerate:
		return "moderate"
	case SensitivityExpensive:
		return "expensive"
	default:
		return "unknown"
	}
}

// ============================================================================
// METADATA
// ============================================================================

// Metadata is the classification of one request. It is produced once per
// request and immutable afterwards.
type Metadata struct {
	RequiresReasoning  bool            `json:"requires_reasoning"`
	RequiresJSON       bool            `json:"requires_json"`
	RequiresValidation bool            `json:"requires_validation"`
	HighRisk           bool            `json:"high_risk"`
	CostSensitivity    CostSensitivity `json:"cost_sensitivity"`
	// ComplexityScore is in [0,100].
	ComplexityScore int `json:"complexity_score"`
	// LowCostPreferred is true only for short, low-stakes, non-reasoning
	// messages; it steers selection towards the cheapest model.
	LowCostPreferred bool `json:"low_cost_preferred"`
}

// ============================================================================
// LEXICAL PREDICATES
// ============================================================================

// Cue word sets. Matching is on whole lower-cased words so that e.g. "show"
// does not trigger the "how" cue.
var (
	reasoningCues = wordSet("why", "explain", "how", "compare", "analyze",
		"analyse", "evaluate", "reason", "prove")

	highRiskCues = wordSet("legal", "medical", "financial", "security",
		"lawsuit", "diagnosis", "investment", "vulnerability")

	// High-stakes cues force validation even when no reasoning is required.
	highStakesCues = wordSet("verify", "accurate", "accuracy", "cite",
		"source", "guarantee", "critical", "precise")

	jsonCues = wordSet("json", "schema", "structured")
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// tokenize splits a message into lower-cased words with surrounding
// punctuation stripped.
func tokenize(message string) []string {
	fields := strings.Fields(strings.ToLower(message))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,:;!?\"'()[]{}<>")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// countCues returns how many words in the message belong to the cue set.
func countCues(words []string, cues map[string]bool) int {
	n := 0
	for _, w := range words {
		if cues[w] {
			n++
		}
	}
	return n
}

// HasReasoningCue reports whether the message asks for multi-step reasoning.
func HasReasoningCue(message string) bool {
	return countCues(tokenize(message), reasoningCues) > 0
}

// HasHighRiskCue reports whether the message touches legal, medical,
// financial, or security territory.
func HasHighRiskCue(message string) bool {
	return countCues(tokenize(message), highRiskCues) > 0
}

// HasHighStakesCue reports whether the message contains accuracy-critical
// cue words that mandate a validation pass.
func HasHighStakesCue(message string) bool {
	return countCues(tokenize(message), highStakesCues) > 0
}

// HasJSONCue reports whether the message asks for structured JSON output.
func HasJSONCue(message string) bool {
	return countCues(tokenize(message), jsonCues) > 0
}

// ============================================================================
// CLASSIFY
// ============================================================================

// lowCostLengthLimit is the message length (in bytes) under which a
// non-reasoning, low-risk request prefers the cheapest model.
const lowCostLengthLimit = 50

// Classify analyzes a message and returns its routing metadata.
// It is total: every input, including the empty string, classifies cleanly.
func Classify(message string) Metadata {
	if strings.TrimSpace(message) == "" {
		return Metadata{CostSensitivity: SensitivityFree}
	}

	words := tokenize(message)
	reasoning := countCues(words, reasoningCues)
	risk := countCues(words, highRiskCues)
	stakes := countCues(words, highStakesCues)

	meta := Metadata{
		RequiresReasoning: reasoning > 0,
		RequiresJSON:      countCues(words, jsonCues) > 0,
		HighRisk:          risk > 0,
	}
	meta.RequiresValidation = meta.RequiresReasoning || meta.HighRisk || stakes > 0
	meta.ComplexityScore = complexityScore(len(words), reasoning, risk, stakes)
	meta.CostSensitivity = sensitivityFor(meta, len(message))
	meta.LowCostPreferred = len(message) < lowCostLengthLimit &&
		!meta.RequiresReasoning && !meta.HighRisk

	return meta
}

// complexityScore maps word count and cue density onto [0,100].
func complexityScore(wordCount, reasoningCues, riskCues, stakesCues int) int {
	score := wordCount
	score += 15 * reasoningCues
	score += 20 * riskCues
	score += 10 * stakesCues
	if score > 100 {
		score = 100
	}
	return score
}

// sensitivityFor derives the spend bucket from the classification.
func sensitivityFor(meta Metadata, messageLen int) CostSensitivity {
	switch {
	case meta.HighRisk || meta.ComplexityScore >= 70:
		return SensitivityExpensive
	case meta.RequiresReasoning || meta.ComplexityScore >= 40:
		return SensitivityModerate
	case messageLen < lowCostLengthLimit && meta.ComplexityScore < 10:
		return SensitivityFree
	default:
		return SensitivityLow
	}
}
