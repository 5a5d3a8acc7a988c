// Package repair holds the resilience loops wrapped around generation
// collaborators: validate-then-repair, render-then-repair, fixed fallback
// tiers and repair of truncated structured output.
package repair

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
	"github.com/timmy/papercast/internal/validator"
)

// Checker validates a code artifact.
type Checker interface {
	Validate(ctx context.Context, code, name string) validator.Report
}

// Fixer asks a generation collaborator for corrected code.
type Fixer interface {
	RepairCode(ctx context.Context, code string, errs []string, name string) (string, error)
}

// Renderer runs code and reports the rendered video or the runtime error.
type Renderer interface {
	Render(ctx context.Context, code, name string) domain.RenderResult
}

// Loop bounds every repair round trip. Delay is the pause before each
// re-render.
type Loop struct {
	Checker  Checker
	Fixer    Fixer
	Renderer Renderer
	Delay    time.Duration
}

// Outcome is the result of EnsureValid.
type Outcome struct {
	Code     string
	Valid    bool
	Errors   []string
	Attempts int

	// FixerErrors records rounds lost to collaborator failures.
	FixerErrors []string
}

// EnsureValid validates code and, while it is invalid, asks the fixer for a
// corrected version at most maxAttempts times. Each request carries only the
// errors of the immediately preceding validation. The last candidate is
// returned even when it is still invalid.
func (l *Loop) EnsureValid(ctx context.Context, code, name string, maxAttempts int) (Outcome, error) {
	ctx = logger.SetSlide(ctx, name)
	report := l.Checker.Validate(ctx, code, name)
	out := Outcome{Code: code, Valid: report.Valid(), Errors: report.Errors()}

	for !out.Valid && out.Attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Attempts++

		fixed, err := l.repairRound(ctx, out.Code, out.Errors, name, out.Attempts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			out.FixerErrors = append(out.FixerErrors, err.Error())
			continue
		}

		report = l.Checker.Validate(ctx, fixed, name)
		out.Code = fixed
		out.Valid = report.Valid()
		out.Errors = report.Errors()
	}

	entry := logger.With(logger.Fields{
		logger.FieldAttempt: out.Attempts,
		logger.FieldCount:   len(out.Errors),
	})
	if out.Valid {
		entry.Debug(ctx, "Code valid")
	} else {
		entry.Warn(ctx, "Code still invalid after %d repair attempts: %s", out.Attempts, strings.Join(out.Errors, "; "))
	}
	return out, nil
}

// repairRound sends one repair request and cleans the response.
func (l *Loop) repairRound(ctx context.Context, code string, errs []string, name string, attempt int) (string, error) {
	ctx, span := observability.StartSpan(ctx, "repair.round",
		attribute.String("unit", name),
		attribute.Int("attempt", attempt),
		attribute.Int("errors", len(errs)),
	)
	fixed, err := l.Fixer.RepairCode(ctx, code, errs, name)
	observability.EndSpan(span, err)
	if err != nil {
		logger.With(logger.Fields{logger.FieldAttempt: attempt}).Warn(ctx, "Repair request failed: %v", err)
		return "", err
	}
	return CleanCode(fixed), nil
}

// ValidationErr converts an invalid outcome into a *domain.ValidationError.
func (o Outcome) ValidationErr(name string) error {
	if o.Valid {
		return nil
	}
	return &domain.ValidationError{Name: name, Errors: o.Errors}
}

// CleanCode strips markdown fences from a code response and makes sure the
// Manim import is present.
func CleanCode(raw string) string {
	code := strings.TrimSpace(raw)
	if strings.HasPrefix(code, "```") {
		code = strings.TrimPrefix(code, "```python")
		code = strings.TrimPrefix(code, "```py")
		code = strings.TrimPrefix(code, "```")
	}
	code = strings.TrimSuffix(code, "```")
	code = strings.TrimSpace(code)
	if !strings.Contains(code, "from manim import") {
		code = validator.RequiredImport + "\n\n" + code
	}
	return code
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
