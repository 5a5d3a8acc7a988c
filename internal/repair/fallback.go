package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
	"github.com/timmy/papercast/internal/prompts"
)

// Tier names one rung of the fixed degradation path.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierMiddle   Tier = "middle"
	TierFallback Tier = "fallback"
)

// TierPrompt is a candidate prompt for a generate-and-render call.
type TierPrompt struct {
	Tier   Tier
	Prompt string
}

// HostedRenderer generates code from a prompt and renders it remotely.
type HostedRenderer interface {
	GenerateAndRender(ctx context.Context, prompt, name string) domain.HostedResult
}

// TierAttempt records one failed tier.
type TierAttempt struct {
	Tier  Tier   `json:"tier"`
	Error string `json:"error"`
}

// TierOutcome is the result of a successful Selector.Run.
type TierOutcome struct {
	Tier     Tier
	VideoURL string
	Code     string
	Failures []TierAttempt
}

// Degraded reports whether a tier other than primary produced the video.
func (o TierOutcome) Degraded() bool {
	return o.Tier != TierPrimary
}

// Tiers builds the candidate prompts for a slide, richest first.
func Tiers(slide domain.Slide) []TierPrompt {
	return []TierPrompt{
		{Tier: TierPrimary, Prompt: prompts.PrimaryTierPrompt(slide.Title, string(slide.VisualType), slide.VisualDescription, slide.KeyPoints)},
		{Tier: TierMiddle, Prompt: prompts.MiddleTierPrompt(slide.Title)},
		{Tier: TierFallback, Prompt: prompts.FallbackTierPrompt(slide.Title)},
	}
}

// Selector walks tiers strictly in order and stops at the first success.
// The order never depends on error content. Delay is the pause between tiers.
type Selector struct {
	Renderer HostedRenderer
	Delay    time.Duration
}

// Run tries each tier in order. When every tier fails it returns a
// *domain.RenderError listing each failure, along with the outcome that
// carries the recorded attempts.
func (s *Selector) Run(ctx context.Context, tiers []TierPrompt, name string) (TierOutcome, error) {
	ctx = logger.SetSlide(ctx, name)
	var out TierOutcome
	for i, tp := range tiers {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if i > 0 {
			if err := sleep(ctx, s.Delay); err != nil {
				return out, err
			}
		}

		spanCtx, span := observability.StartSpan(ctx, "repair.tier",
			attribute.String("unit", name),
			attribute.String("tier", string(tp.Tier)),
		)
		res := s.Renderer.GenerateAndRender(spanCtx, tp.Prompt, name)
		if res.Success {
			observability.EndSpan(span, nil)
			out.Tier = tp.Tier
			out.VideoURL = res.VideoURL
			out.Code = res.Code
			entry := logger.With(logger.Fields{logger.FieldTier: string(tp.Tier)})
			if out.Degraded() {
				entry.Warn(ctx, "Rendered with degraded tier after %d failures", len(out.Failures))
			} else {
				entry.Info(ctx, "Rendered with primary tier")
			}
			return out, nil
		}
		observability.EndSpan(span, errors.New(res.Error))

		out.Failures = append(out.Failures, TierAttempt{Tier: tp.Tier, Error: res.Error})
		logger.With(logger.Fields{logger.FieldTier: string(tp.Tier)}).Warn(ctx, "Tier failed: %s", res.Error)
	}

	msgs := make([]string, 0, len(out.Failures))
	for _, f := range out.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.Tier, f.Error))
	}
	return out, &domain.RenderError{Name: name, Message: "all tiers failed (" + strings.Join(msgs, "; ") + ")"}
}
