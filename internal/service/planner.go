package service

import (
	"context"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/prompts"
)

// Planner turns extracted paper text into a raw presentation plan response.
type Planner struct {
	llm       *LLMClient
	model     string
	maxTokens int
	maxInput  int
}

// PlannerConfig holds configuration for plan generation.
type PlannerConfig struct {
	Model     string
	MaxTokens int
	// MaxInputChars bounds the paper text sent to the model.
	MaxInputChars int
}

// NewPlanner creates a planner on top of an LLM client.
func NewPlanner(llm *LLMClient, cfg *PlannerConfig) *Planner {
	p := &Planner{
		llm:       llm,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxInput:  cfg.MaxInputChars,
	}
	if p.model == "" {
		p.model = "claude-sonnet-4-20250514"
	}
	if p.maxTokens <= 0 {
		p.maxTokens = 4000
	}
	if p.maxInput <= 0 {
		p.maxInput = 15000
	}
	return p
}

// GeneratePlan asks the model for a plan. The raw response is returned
// undecoded along with the stop reason so the caller can repair truncation.
func (p *Planner) GeneratePlan(ctx context.Context, text string) (string, domain.StopReason, error) {
	input, cut := truncateRunes(text, p.maxInput)
	if cut {
		logger.With(logger.Fields{logger.FieldSize: len([]rune(text))}).
			Info(ctx, "Paper text truncated to %d characters for planning", p.maxInput)
		input += prompts.TruncationNotice
	}

	resp, err := p.llm.Complete(ctx, p.model, prompts.PlanSystemPrompt, prompts.PlanUserPrompt(input), p.maxTokens)
	if err != nil {
		return "", "", err
	}
	return resp.Text, resp.Stop, nil
}

// truncateRunes cuts s to at most n characters.
func truncateRunes(s string, n int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= n {
		return s, false
	}
	return string(runes[:n]), true
}
