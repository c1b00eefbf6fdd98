// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package council implements parallel multi-model fan-out with scored
// synthesis ("supermode").
//
// A council run dispatches every roster model concurrently under one
// shared deadline, collects the drafts that return in time, scores each
// contributor, and synthesizes a single final answer. Correctness holds
// with as few as one surviving draft; the run fails only when zero drafts
// return. Models that miss the deadline are non-responses, not errors, and
// are never billed.
package council

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/relaycore/internal/catalog"
	"github.com/jeranaias/relaycore/internal/provider"
)

// DefaultDeadline is the shared deadline for one council run.
const DefaultDeadline = 90 * time.Second

// DefaultDominanceMargin is the score lead the top draft needs to be used
// verbatim; anything closer triggers a blend.
const DefaultDominanceMargin = 0.15

// councilRolePrompt asks each roster model for an evidence-backed draft.
const councilRolePrompt = `You are one voice on a panel of models answering the same question independently. Give your best answer, then support it with evidence as "- " bullet lines.`

// ErrCouncilExhausted indicates that zero roster models produced a draft
// before the deadline. Fatal for the request.
var ErrCouncilExhausted = errors.New("council exhausted: no model returned a draft")

// ============================================================================
// PHASES
// ============================================================================

// Phase tracks the council state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDispatched
	PhaseCollecting
	PhaseScoring
	PhaseSynthesized
	PhaseDone
)

// String returns the phase name used in timeline entries.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDispatched:
		return "dispatched"
	case PhaseCollecting:
		return "collecting"
	case PhaseScoring:
		return "scoring"
	case PhaseSynthesized:
		return "synthesized"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", p)
	}
}

// ============================================================================
// RESULT TYPES
// ============================================================================

// Draft is one model's contribution: at most one per roster model, and
// only for models that responded before the deadline.
type Draft struct {
	Model      string   `json:"model"`
	Output     string   `json:"output"`
	Tokens     int      `json:"tokens"`
	DurationMs int64    `json:"duration_ms"`
	Evidence   []string `json:"evidence,omitempty"`
	Confidence float64  `json:"confidence"`
	// Estimated is true when the draft's token count was approximated.
	Estimated bool `json:"estimated,omitempty"`
}

// ContributorScore is the post-hoc scoring of one dispatched model.
// Models that produced no draft appear with Responded=false and score 0.
type ContributorScore struct {
	Model         string  `json:"model"`
	Score         float64 `json:"score"`
	Reasoning     string  `json:"reasoning"`
	EvidenceCount int     `json:"evidence_count"`
	// Selected marks the single contributor whose draft leads the final
	// answer.
	Selected bool `json:"selected"`
	// InBlend marks contributors whose drafts were merged into a blended
	// final answer.
	InBlend   bool `json:"in_blend,omitempty"`
	Responded bool `json:"responded"`
}

// TimelineEvent is one audit entry. Events are appended in real
// dispatch/response order, never sorted after the fact.
type TimelineEvent struct {
	At     time.Time `json:"at"`
	Step   string    `json:"step"`
	Model  string    `json:"model,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Result is the aggregate of one council run.
type Result struct {
	Final        string             `json:"final"`
	Timeline     []TimelineEvent    `json:"timeline"`
	Contributors []ContributorScore `json:"contributors"`
	Drafts       []Draft            `json:"drafts"`
	Validated    bool               `json:"validated"`
	Blended      bool               `json:"blended"`
	TotalTokens  int                `json:"total_tokens"`
	DurationMs   int64              `json:"duration_ms"`
	// CreditCost is the summed cost of produced drafts times the council
	// multiplier. Non-responding models contribute zero.
	CreditCost int64 `json:"credit_cost"`
}

// ============================================================================
// ORCHESTRATOR
// ============================================================================

// Orchestrator runs council mode against a fixed roster.
type Orchestrator struct {
	registry *provider.Registry
	cat      *catalog.Catalog
	scorer   Scorer
	deadline time.Duration
	margin   float64
}

// New returns an Orchestrator with the default scorer, deadline, and
// dominance margin.
func New(registry *provider.Registry, cat *catalog.Catalog) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		cat:      cat,
		scorer:   DefaultScorer(),
		deadline: DefaultDeadline,
		margin:   DefaultDominanceMargin,
	}
}

// WithScorer swaps the contributor scoring strategy.
func (o *Orchestrator) WithScorer(s Scorer) *Orchestrator {
	o.scorer = s
	return o
}

// WithDeadline overrides the shared council deadline.
func (o *Orchestrator) WithDeadline(d time.Duration) *Orchestrator {
	o.deadline = d
	return o
}

// WithDominanceMargin overrides the verbatim-vs-blend threshold.
func (o *Orchestrator) WithDominanceMargin(m float64) *Orchestrator {
	o.margin = m
	return o
}

// Run executes one council round for the prompt. It returns
// ErrCouncilExhausted only when zero drafts survive the deadline.
func (o *Orchestrator) Run(ctx context.Context, prompt string) (*Result, error) {
	roster := o.cat.CouncilModels()
	run := &councilRun{
		orchestrator: o,
		roster:       roster,
		start:        time.Now(),
	}
	return run.execute(ctx, prompt)
}

// councilRun holds per-run state. Lifetime is one inbound request.
type councilRun struct {
	orchestrator *Orchestrator
	roster       []string
	start        time.Time

	mu       sync.Mutex
	phase    Phase
	timeline []TimelineEvent
	drafts   []Draft
}

// transition advances the state machine, recording the step in the
// timeline.
func (r *councilRun) transition(p Phase, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = p
	r.timeline = append(r.timeline, TimelineEvent{At: time.Now(), Step: p.String(), Detail: detail})
}

// record appends a per-model timeline event in real arrival order.
func (r *councilRun) record(step, model, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeline = append(r.timeline, TimelineEvent{At: time.Now(), Step: step, Model: model, Detail: detail})
}

// addDraft stores a surviving draft.
func (r *councilRun) addDraft(d Draft) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts = append(r.drafts, d)
}

// execute drives the full state machine for one run.
func (r *councilRun) execute(ctx context.Context, prompt string) (*Result, error) {
	o := r.orchestrator

	runCtx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	// Fan-out: one independently cancellable call per roster model.
	r.transition(PhaseDispatched, fmt.Sprintf("%d models", len(r.roster)))
	var wg sync.WaitGroup
	for _, model := range r.roster {
		wg.Add(1)
		r.record("dispatch", model, "")
		go func(model string) {
			defer wg.Done()
			r.collect(runCtx, prompt, model)
		}(model)
	}

	// Fan-in: wait for all calls to settle or the deadline, whichever
	// comes first. Cancelled in-flight calls surface as non-responses.
	r.transition(PhaseCollecting, "")
	wg.Wait()

	r.mu.Lock()
	drafts := append([]Draft(nil), r.drafts...)
	r.mu.Unlock()

	if len(drafts) == 0 {
		r.transition(PhaseDone, "exhausted")
		return nil, ErrCouncilExhausted
	}

	r.transition(PhaseScoring, fmt.Sprintf("%d drafts", len(drafts)))
	ranked := rankDrafts(drafts, o.scorer)

	final, blended, blendSet := r.synthesize(ranked)
	r.transition(PhaseSynthesized, fmt.Sprintf("blended=%v", blended))

	result := &Result{
		Final:        final,
		Blended:      blended,
		Drafts:       drafts,
		Contributors: r.contributors(ranked, blendSet),
		DurationMs:   time.Since(r.start).Milliseconds(),
	}
	var costSum int64
	for _, d := range drafts {
		result.TotalTokens += d.Tokens
		costSum += o.cat.CostFor(d.Model, d.Tokens)
	}
	result.CreditCost = o.cat.ApplyCouncilMultiplier(costSum)

	r.transition(PhaseDone, "")
	r.mu.Lock()
	result.Timeline = append([]TimelineEvent(nil), r.timeline...)
	r.mu.Unlock()

	return result, nil
}

// collect runs one roster model to completion. Failures and deadline
// expiries are non-responses: logged, recorded in the timeline, and
// otherwise dropped.
func (r *councilRun) collect(ctx context.Context, prompt, model string) {
	adapter, err := r.orchestrator.registry.Resolve(model)
	if err != nil {
		r.record("no-response", model, err.Error())
		return
	}

	start := time.Now()
	stream, err := adapter.GenerateStream(ctx, prompt, provider.Options{
		PreferredModel: model,
		RolePrompt:     councilRolePrompt,
	})
	if err != nil {
		r.record("no-response", model, nonResponseDetail(err))
		return
	}
	defer stream.Close()

	var output strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.record("no-response", model, nonResponseDetail(err))
			return
		}
		output.WriteString(chunk)
	}

	text := output.String()
	usage := stream.Usage()
	draft := Draft{
		Model:      model,
		Output:     text,
		Tokens:     usage.Total(),
		DurationMs: time.Since(start).Milliseconds(),
		Evidence:   ExtractEvidence(text),
		Confidence: EstimateConfidence(text),
		Estimated:  usage.Estimated,
	}
	r.addDraft(draft)
	r.record("draft", model, fmt.Sprintf("%d tokens, %d evidence", draft.Tokens, len(draft.Evidence)))
}

// nonResponseDetail distinguishes deadline expiry from provider failure in
// the audit timeline.
func nonResponseDetail(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "deadline expired"
	}
	return err.Error()
}

// synthesize produces the final answer. The top-ranked draft is used
// verbatim when it dominates by the configured margin; otherwise every
// draft within the margin of the top is blended into one answer. Returns
// the final text, whether it was blended, and the set of blended models.
func (r *councilRun) synthesize(ranked []scoredDraft) (string, bool, map[string]bool) {
	top := ranked[0]
	blendSet := map[string]bool{}

	if len(ranked) == 1 || top.Score-ranked[1].Score > r.orchestrator.margin {
		return top.Output, false, blendSet
	}

	var parts []string
	for _, sd := range ranked {
		if top.Score-sd.Score > r.orchestrator.margin {
			break
		}
		blendSet[sd.Model] = true
		parts = append(parts, strings.TrimSpace(sd.Output))
	}
	if len(parts) == 1 {
		return top.Output, false, map[string]bool{}
	}
	log.Printf("COUNCIL: blending %d drafts (top score %.3f)", len(parts), top.Score)
	return strings.Join(parts, "\n\n---\n\n"), true, blendSet
}

// contributors builds the full contributor list: every dispatched model,
// including non-responders with score 0. Exactly one entry is Selected.
func (r *councilRun) contributors(ranked []scoredDraft, blendSet map[string]bool) []ContributorScore {
	scored := make(map[string]ContributorScore, len(ranked))
	for i, sd := range ranked {
		cs := ContributorScore{
			Model:         sd.Model,
			Score:         sd.Score,
			EvidenceCount: len(sd.Evidence),
			Selected:      i == 0,
			InBlend:       blendSet[sd.Model],
			Responded:     true,
			Reasoning: fmt.Sprintf("%d evidence items, confidence %.2f, %dms",
				len(sd.Evidence), sd.Confidence, sd.DurationMs),
		}
		scored[sd.Model] = cs
	}

	out := make([]ContributorScore, 0, len(r.roster))
	for _, model := range r.roster {
		if cs, ok := scored[model]; ok {
			out = append(out, cs)
			continue
		}
		out = append(out, ContributorScore{
			Model:     model,
			Reasoning: "no draft before deadline",
		})
	}
	return out
}
