package service

import (
	"context"
	"fmt"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/prompts"
	"github.com/timmy/papercast/internal/repair"
	"github.com/timmy/papercast/internal/validator"
)

// CodeGenerator writes and repairs per-slide Manim scenes.
type CodeGenerator struct {
	llm       *LLMClient
	model     string
	maxTokens int
}

// CodeGenConfig holds configuration for code generation.
type CodeGenConfig struct {
	Model     string
	MaxTokens int
}

// NewCodeGenerator creates a code generator on top of an LLM client.
func NewCodeGenerator(llm *LLMClient, cfg *CodeGenConfig) *CodeGenerator {
	g := &CodeGenerator{llm: llm, model: cfg.Model, maxTokens: cfg.MaxTokens}
	if g.model == "" {
		g.model = "claude-sonnet-4-5-20250929"
	}
	if g.maxTokens <= 0 {
		g.maxTokens = 4000
	}
	return g
}

// GenerateCode produces the scene for one slide. The response is cleaned of
// markdown fences and always carries the Manim import.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - slide: the slide to animate.
//   - plan: the plan the slide belongs to, for paper context.
//
// Returns:
//   - string: cleaned scene code declaring slide.ClassName().
//   - error: non-nil if the model request fails.
func (g *CodeGenerator) GenerateCode(ctx context.Context, slide domain.Slide, plan *domain.Plan) (string, error) {
	sc := prompts.SlideContext{
		Number:            slide.Number,
		Title:             slide.Title,
		VisualType:        string(slide.VisualType),
		DurationSeconds:   slide.DurationSeconds,
		VisualDescription: slide.VisualDescription,
		KeyPoints:         slide.KeyPoints,
		VoiceoverScript:   slide.VoiceoverScript,
		ClassName:         slide.ClassName(),
	}
	if plan != nil {
		sc.PaperTitle = plan.PaperTitle
		sc.PaperSummary = plan.PaperSummary
	}

	resp, err := g.llm.Complete(ctx, g.model, prompts.CodeSystemPrompt, prompts.CodeUserPrompt(sc), g.maxTokens)
	if err != nil {
		return "", fmt.Errorf("failed to generate code for %s: %w", slide.ClassName(), err)
	}
	return repair.CleanCode(resp.Text), nil
}

// RepairCode sends code and the errors of its latest check back to the model.
func (g *CodeGenerator) RepairCode(ctx context.Context, code string, errs []string, name string) (string, error) {
	report := validator.FormatErrorReport(code, errs)
	resp, err := g.llm.Complete(ctx, g.model, prompts.RepairSystemPrompt, prompts.RepairUserPrompt(report, name), g.maxTokens)
	if err != nil {
		return "", fmt.Errorf("failed to repair %s: %w", name, err)
	}
	return resp.Text, nil
}
