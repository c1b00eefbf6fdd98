// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package council

import (
	"sort"
	"strings"
)

// ============================================================================
// EVIDENCE AND CONFIDENCE HEURISTICS
// ============================================================================

// hedgeWords lower a draft's confidence estimate. A draft full of "maybe"
// and "possibly" is a weaker council contribution than a direct answer.
var hedgeWords = []string{
	"might", "maybe", "possibly", "perhaps", "unclear",
	"uncertain", "not sure", "hard to say", "it depends",
}

// evidenceMarkers identify lines that carry supporting evidence.
var evidenceMarkers = []string{"- ", "* ", "because ", "according to ", "for example"}

// ExtractEvidence pulls evidence lines out of a draft: bullet items and
// sentences with explicit support markers.
func ExtractEvidence(output string) []string {
	var evidence []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		for _, marker := range evidenceMarkers {
			if strings.HasPrefix(lower, marker) || strings.Contains(lower, marker) {
				evidence = append(evidence, trimmed)
				break
			}
		}
	}
	return evidence
}

// EstimateConfidence derives an independent confidence scalar in [0,1]
// from the hedging density of a draft.
func EstimateConfidence(output string) float64 {
	lower := strings.ToLower(output)
	hedges := 0
	for _, w := range hedgeWords {
		hedges += strings.Count(lower, w)
	}
	conf := 1.0 - 0.15*float64(hedges)
	if conf < 0.4 {
		conf = 0.4
	}
	return conf
}

// ============================================================================
// SCORER STRATEGY
// ============================================================================

// Scorer ranks a council draft. It is a pluggable strategy so the
// weighting can be tuned without touching orchestration logic.
type Scorer interface {
	// Score returns a value in [0,1]; higher contributes more to the
	// synthesized answer.
	Score(d Draft) float64
}

// WeightedScorer is the default Scorer: a linear blend of normalized
// evidence count and independent confidence. Latency is deliberately not
// part of the score; it only breaks exact ties so earlier answers are not
// otherwise privileged.
type WeightedScorer struct {
	// EvidenceWeight and ConfidenceWeight should sum to 1.
	EvidenceWeight   float64
	ConfidenceWeight float64
	// EvidenceCap is the evidence count at which the evidence term
	// saturates.
	EvidenceCap int
}

// DefaultScorer returns the stock weighting: evidence 60%, confidence 40%,
// saturating at 5 evidence items.
func DefaultScorer() *WeightedScorer {
	return &WeightedScorer{EvidenceWeight: 0.6, ConfidenceWeight: 0.4, EvidenceCap: 5}
}

// Score implements Scorer.
func (s *WeightedScorer) Score(d Draft) float64 {
	cap := s.EvidenceCap
	if cap <= 0 {
		cap = 5
	}
	ev := float64(len(d.Evidence)) / float64(cap)
	if ev > 1 {
		ev = 1
	}
	return s.EvidenceWeight*ev + s.ConfidenceWeight*d.Confidence
}

// rankDrafts orders drafts best first: score descending, exact ties broken
// by lower latency, then by model ID for full determinism.
func rankDrafts(drafts []Draft, scorer Scorer) []scoredDraft {
	ranked := make([]scoredDraft, 0, len(drafts))
	for _, d := range drafts {
		ranked = append(ranked, scoredDraft{Draft: d, Score: scorer.Score(d)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].DurationMs != ranked[j].DurationMs {
			return ranked[i].DurationMs < ranked[j].DurationMs
		}
		return ranked[i].Model < ranked[j].Model
	})
	return ranked
}

// scoredDraft pairs a draft with its computed score.
type scoredDraft struct {
	Draft
	Score float64
}
