// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package council

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/relaycore/internal/catalog"
	"github.com/jeranaias/relaycore/internal/provider"
	"github.com/jeranaias/relaycore/internal/provider/providertest"
)

// strongDraft is a confident, evidence-heavy contribution.
const strongDraft = `The answer is 42.
- the computation completed after 7.5 million years
- the question itself was underspecified
- according to the archives, this is settled`

// weakDraft hedges and carries no evidence.
const weakDraft = `It might be 42, but maybe not. Possibly it depends. Perhaps it is unclear.`

func newOrchestrator(t *testing.T, fake *providertest.Adapter) *Orchestrator {
	t.Helper()
	reg := provider.NewRegistry()
	reg.SetDefault(fake)
	return New(reg, catalog.Default())
}

// =============================================================================
// FAN-OUT / PARTIAL RESULT TESTS
// =============================================================================

func TestRun_AllModelsRespond(t *testing.T) {
	fake := providertest.New()
	fake.ScriptDefault(providertest.Response{
		Chunks: []string{strongDraft},
		Usage:  provider.Usage{InputTokens: 500, OutputTokens: 500},
	})
	orch := newOrchestrator(t, fake)

	res, err := orch.Run(context.Background(), "What is the answer?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	roster := catalog.Default().CouncilModels()
	if len(res.Drafts) != len(roster) {
		t.Errorf("drafts = %d, want %d", len(res.Drafts), len(roster))
	}
	if len(res.Contributors) != len(roster) {
		t.Errorf("contributors = %d, want full roster %d", len(res.Contributors), len(roster))
	}
	if res.Final == "" {
		t.Error("empty final answer")
	}

	selected := 0
	for _, c := range res.Contributors {
		if !c.Responded {
			t.Errorf("contributor %s marked as non-responder", c.Model)
		}
		if c.Selected {
			selected++
		}
	}
	if selected != 1 {
		t.Errorf("selected contributors = %d, want exactly 1", selected)
	}

	// Every draft at 1000 tokens: cost sum is the full price table (39),
	// times the 1.5 multiplier.
	if res.CreditCost != 59 {
		t.Errorf("credit cost = %d, want 59", res.CreditCost)
	}
}

func TestRun_SlowModelsAreNonResponses(t *testing.T) {
	fake := providertest.New()
	fake.ScriptDefault(providertest.Response{
		Chunks: []string{strongDraft},
		Usage:  provider.Usage{InputTokens: 500, OutputTokens: 500},
	})
	// Two roster models sleep past the deadline.
	fake.Script("anthropic/claude-3-opus", providertest.Response{Delay: 5 * time.Second})
	fake.Script("openai/gpt-4o", providertest.Response{Delay: 5 * time.Second})
	orch := newOrchestrator(t, fake).WithDeadline(200 * time.Millisecond)

	res, err := orch.Run(context.Background(), "question")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	roster := catalog.Default().CouncilModels()
	if len(res.Drafts) != len(roster)-2 {
		t.Errorf("drafts = %d, want %d", len(res.Drafts), len(roster)-2)
	}
	if len(res.Contributors) != len(roster) {
		t.Errorf("contributors = %d, want full roster %d", len(res.Contributors), len(roster))
	}

	responded := 0
	for _, c := range res.Contributors {
		if c.Responded {
			responded++
			continue
		}
		if c.Score != 0 {
			t.Errorf("non-responder %s has score %v", c.Model, c.Score)
		}
		if c.Model != "anthropic/claude-3-opus" && c.Model != "openai/gpt-4o" {
			t.Errorf("unexpected non-responder %s", c.Model)
		}
	}
	if responded != len(roster)-2 {
		t.Errorf("responded = %d, want %d", responded, len(roster)-2)
	}

	// Only produced drafts are billed: the roster minus opus (15) and
	// gpt-4o (6) sums to 18, times 1.5 = 27.
	if res.CreditCost != 27 {
		t.Errorf("credit cost = %d, want 27", res.CreditCost)
	}
}

func TestRun_SingleSurvivorSucceeds(t *testing.T) {
	fake := providertest.New()
	fake.ScriptDefault(providertest.Response{Err: provider.ErrRateLimited})
	fake.Script("anthropic/claude-3-haiku", providertest.Response{
		Chunks: []string{strongDraft},
		Usage:  provider.Usage{InputTokens: 400, OutputTokens: 600},
	})
	orch := newOrchestrator(t, fake).WithDeadline(2 * time.Second)

	res, err := orch.Run(context.Background(), "question")
	if err != nil {
		t.Fatalf("single surviving draft must succeed: %v", err)
	}
	if len(res.Drafts) != 1 {
		t.Fatalf("drafts = %d, want 1", len(res.Drafts))
	}
	if res.Final != strongDraft {
		t.Error("single draft should be used verbatim")
	}
	if res.Blended {
		t.Error("single draft run marked as blended")
	}
	// 1000 tokens on haiku (2) times 1.5 = 3.
	if res.CreditCost != 3 {
		t.Errorf("credit cost = %d, want 3", res.CreditCost)
	}
}

func TestRun_ZeroDraftsExhausts(t *testing.T) {
	fake := providertest.New()
	fake.ScriptDefault(providertest.Response{Err: provider.ErrRateLimited})
	orch := newOrchestrator(t, fake).WithDeadline(2 * time.Second)

	res, err := orch.Run(context.Background(), "question")
	if res != nil {
		t.Fatalf("got result %+v, want nil", res)
	}
	if !errors.Is(err, ErrCouncilExhausted) {
		t.Errorf("err = %v, want ErrCouncilExhausted", err)
	}
}

// =============================================================================
// TIMELINE TESTS
// =============================================================================

func TestRun_TimelineOrderAndContent(t *testing.T) {
	fake := providertest.New()
	fake.ScriptDefault(providertest.Response{
		Chunks: []string{strongDraft},
		Usage:  provider.Usage{InputTokens: 100, OutputTokens: 100},
	})
	fake.Script("anthropic/claude-3-opus", providertest.Response{Delay: 5 * time.Second})
	orch := newOrchestrator(t, fake).WithDeadline(200 * time.Millisecond)

	res, err := orch.Run(context.Background(), "question")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for i := 1; i < len(res.Timeline); i++ {
		if res.Timeline[i].At.Before(res.Timeline[i-1].At) {
			t.Errorf("timeline out of order at %d: %v before %v",
				i, res.Timeline[i].At, res.Timeline[i-1].At)
		}
	}

	steps := map[string]int{}
	var sawDeadlineDetail bool
	for _, ev := range res.Timeline {
		steps[ev.Step]++
		if ev.Step == "no-response" && ev.Model == "anthropic/claude-3-opus" &&
			strings.Contains(ev.Detail, "deadline") {
			sawDeadlineDetail = true
		}
	}
	roster := catalog.Default().CouncilModels()
	if steps["dispatch"] != len(roster) {
		t.Errorf("dispatch events = %d, want %d", steps["dispatch"], len(roster))
	}
	if steps["draft"] != len(roster)-1 {
		t.Errorf("draft events = %d, want %d", steps["draft"], len(roster)-1)
	}
	if !sawDeadlineDetail {
		t.Error("slow model's no-response event should name the expired deadline")
	}
	for _, step := range []string{"dispatched", "collecting", "scoring", "synthesized", "done"} {
		if steps[step] == 0 {
			t.Errorf("timeline missing %q phase", step)
		}
	}
}

// =============================================================================
// SCORING AND SYNTHESIS TESTS
// =============================================================================

func TestRun_EvidenceBeatsHedging(t *testing.T) {
	fake := providertest.New()
	fake.ScriptDefault(providertest.Response{Err: provider.ErrRateLimited})
	fake.Script("openai/gpt-4o-mini", providertest.Response{
		Chunks: []string{weakDraft},
		Usage:  provider.Usage{InputTokens: 100, OutputTokens: 100},
	})
	fake.Script("anthropic/claude-3-haiku", providertest.Response{
		Chunks: []string{strongDraft},
		Usage:  provider.Usage{InputTokens: 100, OutputTokens: 100},
	})
	orch := newOrchestrator(t, fake).WithDeadline(2 * time.Second)

	res, err := orch.Run(context.Background(), "question")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Blended {
		t.Fatal("a dominant draft should be used verbatim, not blended")
	}
	if res.Final != strongDraft {
		t.Errorf("final = %q, want the evidence-backed draft", res.Final)
	}
	for _, c := range res.Contributors {
		if c.Model == "anthropic/claude-3-haiku" && !c.Selected {
			t.Error("evidence-backed contributor not selected")
		}
		if c.Model == "openai/gpt-4o-mini" && c.Selected {
			t.Error("hedging contributor selected")
		}
	}
}

func TestRun_CloseScoresBlend(t *testing.T) {
	fake := providertest.New()
	fake.ScriptDefault(providertest.Response{Err: provider.ErrRateLimited})
	// Two drafts with identical texture score identically.
	fake.Script("openai/gpt-4o-mini", providertest.Response{
		Chunks: []string{strongDraft},
		Usage:  provider.Usage{InputTokens: 100, OutputTokens: 100},
	})
	fake.Script("anthropic/claude-3-haiku", providertest.Response{
		Chunks: []string{strongDraft},
		Usage:  provider.Usage{InputTokens: 100, OutputTokens: 100},
	})
	orch := newOrchestrator(t, fake).WithDeadline(2 * time.Second)

	res, err := orch.Run(context.Background(), "question")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Blended {
		t.Fatal("tied drafts should blend")
	}
	if !strings.Contains(res.Final, "\n\n---\n\n") {
		t.Errorf("blended final missing separator: %q", res.Final)
	}
	inBlend := 0
	for _, c := range res.Contributors {
		if c.InBlend {
			inBlend++
		}
	}
	if inBlend != 2 {
		t.Errorf("in-blend contributors = %d, want 2", inBlend)
	}
}

// =============================================================================
// HEURISTIC UNIT TESTS
// =============================================================================

func TestExtractEvidence(t *testing.T) {
	ev := ExtractEvidence(strongDraft)
	if len(ev) != 3 {
		t.Errorf("evidence = %v, want 3 items", ev)
	}
	if got := ExtractEvidence("plain text\nno markers here"); len(got) != 0 {
		t.Errorf("evidence from markerless text: %v", got)
	}
}

func TestEstimateConfidence(t *testing.T) {
	if got := EstimateConfidence("The answer is 42."); got != 1.0 {
		t.Errorf("confidence of direct answer = %v, want 1.0", got)
	}
	weak := EstimateConfidence(weakDraft)
	if weak >= 1.0 {
		t.Errorf("hedged draft confidence = %v, want < 1.0", weak)
	}
	floor := EstimateConfidence(strings.Repeat("maybe possibly perhaps ", 20))
	if floor != 0.4 {
		t.Errorf("confidence floor = %v, want 0.4", floor)
	}
}

func TestWeightedScorer_Saturation(t *testing.T) {
	s := DefaultScorer()
	five := Draft{Evidence: make([]string, 5), Confidence: 0.5}
	fifty := Draft{Evidence: make([]string, 50), Confidence: 0.5}
	if s.Score(five) != s.Score(fifty) {
		t.Error("evidence term should saturate at the cap")
	}
	if got := s.Score(fifty); got != 0.6+0.4*0.5 {
		t.Errorf("score = %v, want 0.8", got)
	}
}

func TestRankDrafts_Deterministic(t *testing.T) {
	drafts := []Draft{
		{Model: "b", Confidence: 0.8, DurationMs: 100},
		{Model: "a", Confidence: 0.8, DurationMs: 100},
		{Model: "c", Confidence: 0.8, DurationMs: 50},
	}
	ranked := rankDrafts(drafts, DefaultScorer())
	// Equal scores: lower latency first, then model ID.
	want := []string{"c", "a", "b"}
	for i, w := range want {
		if ranked[i].Model != w {
			t.Errorf("rank[%d] = %s, want %s", i, ranked[i].Model, w)
		}
	}
}
