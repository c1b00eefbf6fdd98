// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"strings"
	"testing"
)

// =============================================================================
// CONSTRUCTION TESTS
// =============================================================================

func TestNew_RejectsBadTables(t *testing.T) {
	tests := []struct {
		name  string
		specs []ModelSpec
	}{
		{"empty table", nil},
		{"empty ID", []ModelSpec{{ID: "", Credits: 1}}},
		{"zero price", []ModelSpec{{ID: "a/b", Credits: 0}}},
		{"negative price", []ModelSpec{{ID: "a/b", Credits: -3}}},
		{"duplicate ID", []ModelSpec{{ID: "a/b", Credits: 1}, {ID: "a/b", Credits: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.specs, nil, 1.5); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNew_RejectsUnknownCouncilModel(t *testing.T) {
	specs := []ModelSpec{{ID: "a/b", Credits: 1}}
	if _, err := New(specs, []string{"a/b", "x/y"}, 1.5); err == nil {
		t.Error("expected error for roster entry outside the cost table")
	}
}

func TestDefault_OrderedByCost(t *testing.T) {
	c := Default()
	models := c.Models()
	if len(models) != len(DefaultModels) {
		t.Fatalf("got %d models, want %d", len(models), len(DefaultModels))
	}
	for i := 1; i < len(models); i++ {
		if models[i].Credits < models[i-1].Credits {
			t.Errorf("models not cost-ascending at %d: %d < %d",
				i, models[i].Credits, models[i-1].Credits)
		}
	}
	if c.Cheapest().ID != "openai/gpt-4o-mini" {
		t.Errorf("Cheapest = %s", c.Cheapest().ID)
	}
	if c.MostCapable().ID != "anthropic/claude-3-opus" {
		t.Errorf("MostCapable = %s", c.MostCapable().ID)
	}
}

func TestDefault_DistinctPrices(t *testing.T) {
	seen := map[int64]string{}
	for _, s := range DefaultModels {
		if prev, dup := seen[s.Credits]; dup {
			t.Errorf("price %d shared by %s and %s; price is the capability ordering and must be distinct",
				s.Credits, prev, s.ID)
		}
		seen[s.Credits] = s.ID
	}
}

func TestCheapestJSON_SkipsNonJSONModels(t *testing.T) {
	specs := []ModelSpec{
		{ID: "a/raw", Credits: 1, SupportsJSON: false},
		{ID: "a/json", Credits: 2, SupportsJSON: true},
	}
	c, err := New(specs, nil, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.CheapestJSON().ID; got != "a/json" {
		t.Errorf("CheapestJSON = %s, want a/json", got)
	}
}

// =============================================================================
// COST ARITHMETIC TESTS
// =============================================================================

func TestCostFor(t *testing.T) {
	c := Default()
	tests := []struct {
		model  string
		tokens int
		want   int64
	}{
		{"openai/gpt-4o-mini", 1000, 1},
		{"openai/gpt-4o-mini", 1001, 2},  // partial thousand rounds up
		{"openai/gpt-4o-mini", 1, 1},     // any usage costs at least 1
		{"anthropic/claude-3-opus", 1000, 15},
		{"anthropic/claude-3-opus", 2500, 38}, // ceil(2.5 * 15) = 38
		{"anthropic/claude-3-haiku", 500, 1},
		{"openai/gpt-4o-mini", 0, 0},
		{"openai/gpt-4o-mini", -5, 0},
		{"nobody/unknown", 1000, 0},
	}
	for _, tt := range tests {
		if got := c.CostFor(tt.model, tt.tokens); got != tt.want {
			t.Errorf("CostFor(%s, %d) = %d, want %d", tt.model, tt.tokens, got, tt.want)
		}
	}
}

func TestWorstCaseEstimate(t *testing.T) {
	c := Default()
	path := []string{"openai/gpt-4o-mini", "anthropic/claude-3-haiku", "google/gemini-pro"}
	// Most expensive on the path is gemini-pro at 3/1K.
	if got := c.WorstCaseEstimate(path, 1000); got != 3 {
		t.Errorf("WorstCaseEstimate = %d, want 3", got)
	}
	if got := c.WorstCaseEstimate(nil, 1000); got != 0 {
		t.Errorf("WorstCaseEstimate(nil) = %d, want 0", got)
	}
}

func TestCouncilEstimate_FullRoster(t *testing.T) {
	c := Default()
	// Sum of default prices is 1+2+3+4+6+8+15 = 39; times 1.5 = 58.5 -> 59.
	if got := c.CouncilEstimate(1000); got != 59 {
		t.Errorf("CouncilEstimate(1000) = %d, want 59", got)
	}
}

func TestApplyCouncilMultiplier_RoundsUp(t *testing.T) {
	c := Default()
	tests := []struct {
		sum  int64
		want int64
	}{
		{0, 0},
		{1, 2},  // 1.5 -> 2
		{2, 3},  // 3.0 -> 3
		{39, 59}, // 58.5 -> 59
	}
	for _, tt := range tests {
		if got := c.ApplyCouncilMultiplier(tt.sum); got != tt.want {
			t.Errorf("ApplyCouncilMultiplier(%d) = %d, want %d", tt.sum, got, tt.want)
		}
	}
}

func TestString_MentionsEveryModel(t *testing.T) {
	s := Default().String()
	for _, m := range DefaultModels {
		if !strings.Contains(s, m.ID) {
			t.Errorf("String() missing %s: %s", m.ID, s)
		}
	}
}
