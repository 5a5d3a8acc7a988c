package repair

import (
	"context"
	"fmt"

	"github.com/timmy/papercast/internal/logger"
)

// PersistFunc stores corrected code once it has rendered successfully.
type PersistFunc func(ctx context.Context, code string) error

// RenderOutcome is the result of EnsureRenders.
type RenderOutcome struct {
	Code     string
	Success  bool
	VideoURL string
	Error    string
	Attempts int
	Repaired bool
}

// EnsureRenders renders code and, on failure, feeds the renderer's error text
// back to the fixer at most maxAttempts times, waiting Delay before each
// re-render. persist is called only after repaired code renders successfully.
func (l *Loop) EnsureRenders(ctx context.Context, code, name string, maxAttempts int, persist PersistFunc) (RenderOutcome, error) {
	ctx = logger.SetSlide(ctx, name)
	res := l.Renderer.Render(ctx, code, name)
	out := RenderOutcome{Code: code, Success: res.Success, VideoURL: res.VideoURL, Error: res.Error}

	for !out.Success && out.Attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Attempts++

		fixed, err := l.repairRound(ctx, out.Code, []string{out.Error}, name, out.Attempts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			continue
		}

		if err := sleep(ctx, l.Delay); err != nil {
			return out, err
		}

		res = l.Renderer.Render(ctx, fixed, name)
		out.Code = fixed
		out.Error = res.Error
		if !res.Success {
			logger.With(logger.Fields{logger.FieldAttempt: out.Attempts}).Warn(ctx, "Repaired code failed to render: %s", res.Error)
			continue
		}

		if persist != nil {
			if err := persist(ctx, fixed); err != nil {
				return out, fmt.Errorf("failed to persist repaired code: %w", err)
			}
		}
		out.Success = true
		out.VideoURL = res.VideoURL
		out.Repaired = true
		logger.With(logger.Fields{logger.FieldAttempt: out.Attempts}).Info(ctx, "Repaired code rendered")
	}
	return out, nil
}
