package repair

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/timmy/papercast/internal/domain"
)

// tierRenderer succeeds only for the prompt at index succeedAt.
type tierRenderer struct {
	succeedAt int
	prompts   []string
}

func (r *tierRenderer) GenerateAndRender(_ context.Context, prompt, _ string) domain.HostedResult {
	r.prompts = append(r.prompts, prompt)
	if len(r.prompts)-1 == r.succeedAt {
		return domain.HostedResult{Success: true, VideoURL: "https://cdn.example/v.mp4", Code: "from manim import *"}
	}
	return domain.HostedResult{Error: "generation rejected"}
}

var testSlide = domain.Slide{
	Number:            2,
	Title:             "How attention weighs every word in a sentence at once",
	VisualType:        domain.VisualDiagram,
	VisualDescription: "Arrows connect each token to every other token.",
	KeyPoints:         []string{"tokens", "weights"},
}

func TestTiersOrder(t *testing.T) {
	tiers := Tiers(testSlide)
	if len(tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(tiers))
	}
	for i, want := range []Tier{TierPrimary, TierMiddle, TierFallback} {
		if tiers[i].Tier != want {
			t.Errorf("tier %d = %s, want %s", i, tiers[i].Tier, want)
		}
	}
	if !strings.Contains(tiers[0].Prompt, testSlide.VisualDescription) || !strings.Contains(tiers[0].Prompt, "tokens; weights") {
		t.Errorf("primary prompt should carry the full description: %q", tiers[0].Prompt)
	}
	if strings.Contains(tiers[1].Prompt, testSlide.VisualDescription) {
		t.Errorf("middle prompt should drop the description: %q", tiers[1].Prompt)
	}
	if !strings.Contains(tiers[2].Prompt, "How attention weighs every word in") {
		t.Errorf("fallback prompt should carry the short title: %q", tiers[2].Prompt)
	}
}

func TestSelectorRun(t *testing.T) {
	tests := []struct {
		name      string
		succeedAt int
		wantTier  Tier
		wantCalls int
		wantFails int
	}{
		{"primary succeeds", 0, TierPrimary, 1, 0},
		{"middle succeeds", 1, TierMiddle, 2, 1},
		{"fallback succeeds", 2, TierFallback, 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renderer := &tierRenderer{succeedAt: tt.succeedAt}
			sel := &Selector{Renderer: renderer}
			tiers := Tiers(testSlide)

			out, err := sel.Run(context.Background(), tiers, "Slide002")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.Tier != tt.wantTier {
				t.Errorf("tier = %s, want %s", out.Tier, tt.wantTier)
			}
			if len(renderer.prompts) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(renderer.prompts), tt.wantCalls)
			}
			for i, p := range renderer.prompts {
				if p != tiers[i].Prompt {
					t.Errorf("call %d used prompt of another tier", i)
				}
			}
			if len(out.Failures) != tt.wantFails {
				t.Errorf("failures = %d, want %d", len(out.Failures), tt.wantFails)
			}
			if out.Degraded() != (tt.wantTier != TierPrimary) {
				t.Errorf("Degraded() = %v", out.Degraded())
			}
		})
	}
}

func TestSelectorAllTiersFail(t *testing.T) {
	renderer := &tierRenderer{succeedAt: -1}
	sel := &Selector{Renderer: renderer}

	out, err := sel.Run(context.Background(), Tiers(testSlide), "Slide002")
	var renderErr *domain.RenderError
	if !errors.As(err, &renderErr) || !errors.Is(err, domain.ErrRender) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if renderErr.Name != "Slide002" || !strings.Contains(renderErr.Message, "fallback: generation rejected") {
		t.Errorf("unexpected error %q", renderErr.Error())
	}
	if len(out.Failures) != 3 || len(renderer.prompts) != 3 {
		t.Errorf("expected 3 recorded failures, got %d (%d calls)", len(out.Failures), len(renderer.prompts))
	}
}
