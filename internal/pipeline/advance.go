package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/tasks"
)

// Advance runs the stage after the furthest one the store proves complete
// and waits for it to finish. Background stages are awaited through the task
// manager. A job that is already rendered is returned unchanged.
func (s *Service) Advance(ctx context.Context, jobID string) (*domain.Job, error) {
	d, err := s.discover(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if d.Stage == domain.StageNone {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrJobNotFound)
	}
	if _, ok := s.deps.Index.Get(jobID); !ok {
		if _, err := s.Restore(ctx, jobID); err != nil {
			return nil, err
		}
	}

	next := d.Stage.Next()
	logger.With(logger.Fields{
		logger.FieldJobID: jobID,
		logger.FieldStage: next.String(),
	}).Info(ctx, "Advancing job from %s", d.Stage)

	switch next {
	case domain.StageExtracted:
		return s.Extract(ctx, jobID)
	case domain.StagePlanned:
		return s.Plan(ctx, jobID)
	case domain.StageGenerated:
		return s.await(ctx, jobID)(s.StartGeneration(ctx, jobID))
	case domain.StageRendered:
		return s.await(ctx, jobID)(s.StartRender(ctx, jobID))
	default:
		return s.Status(ctx, jobID)
	}
}

// await blocks on a started background run and converts its terminal
// status into the job or an error.
func (s *Service) await(ctx context.Context, jobID string) func(tasks.Progress, error) (*domain.Job, error) {
	return func(_ tasks.Progress, err error) (*domain.Job, error) {
		if err != nil {
			return nil, err
		}
		select {
		case <-s.deps.Tasks.Done(jobID):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		p, _ := s.deps.Tasks.Progress(jobID)
		switch p.Status {
		case tasks.StatusCancelled:
			return nil, fmt.Errorf("job %s %s was cancelled", jobID, p.Name)
		case tasks.StatusError:
			return nil, errors.New(p.Error)
		}
		return s.Status(ctx, jobID)
	}
}
