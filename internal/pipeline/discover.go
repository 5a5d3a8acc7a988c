package pipeline

import (
	"context"
	"fmt"

	"github.com/timmy/papercast/internal/artifact"
	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
)

// Discover reports, for every job in the store, the furthest stage whose
// proof artifact exists and is current. Stages are walked in order and the
// walk stops at the first gap, so a later artifact behind a missing or stale
// one does not count.
func (s *Service) Discover(ctx context.Context) ([]domain.Discovery, error) {
	ids, err := s.deps.Store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Discovery, 0, len(ids))
	for _, id := range ids {
		d, err := s.discover(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	logger.With(logger.Fields{logger.FieldCount: len(out)}).Debug(ctx, "Discovered jobs")
	return out, nil
}

func (s *Service) discover(ctx context.Context, jobID string) (domain.Discovery, error) {
	d := domain.Discovery{JobID: jobID}
	for _, stage := range domain.Stages() {
		ok, err := s.has(ctx, jobID, stage.Proof())
		if err != nil {
			return d, err
		}
		if !ok {
			break
		}
		d.Stage = stage
	}

	sources, err := s.deps.Store.List(ctx, jobID, domain.KindSource)
	if err != nil {
		return d, err
	}
	if len(sources) > 0 {
		d.HasSource = true
		d.Source = sources[0]
	}
	if d.Stage < domain.StageRendered {
		return d, nil
	}
	if d.HasNarration, err = s.has(ctx, jobID, domain.KindNarration); err != nil {
		return d, err
	}
	if d.HasFinal, err = s.has(ctx, jobID, domain.KindFinal); err != nil {
		return d, err
	}
	return d, nil
}

// Restore rebuilds the cached record of a job from the store. It is
// idempotent and replaces whatever the cache held.
func (s *Service) Restore(ctx context.Context, jobID string) (*domain.Job, error) {
	d, err := s.discover(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if d.Stage == domain.StageNone {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrJobNotFound)
	}

	job := &domain.Job{ID: jobID, Source: d.Source}
	job.Advance(d.Stage)
	if d.HasFinal {
		var final domain.FinalVideo
		if err := artifact.ReadJSON(ctx, s.deps.Store, jobID, domain.Key(domain.KindFinal), &final); err == nil {
			job.VideoURL = final.URL
		}
	}
	if d.Stage >= domain.StagePlanned {
		if plan, err := s.loadPlan(ctx, jobID); err == nil && plan.Truncated {
			job.Warning = truncatedWarning
		}
	}
	s.deps.Index.Put(job)
	logger.With(logger.Fields{logger.FieldJobID: jobID, logger.FieldStage: d.Stage.String()}).Info(ctx, "Job restored")
	return job.Clone(), nil
}

// Status returns the cached job, restoring it from the store when the cache
// has no entry.
func (s *Service) Status(ctx context.Context, jobID string) (*domain.Job, error) {
	if job, ok := s.deps.Index.Get(jobID); ok {
		return job, nil
	}
	return s.Restore(ctx, jobID)
}

// RestoreAll restores every job found in the store.
func (s *Service) RestoreAll(ctx context.Context) (int, error) {
	ds, err := s.Discover(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range ds {
		if d.Stage == domain.StageNone {
			continue
		}
		if _, err := s.Restore(ctx, d.JobID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Usage summarizes the paid calls made for a job.
func (s *Service) Usage(ctx context.Context, jobID string) ([]domain.UsageSummary, []domain.UsageRecord, error) {
	if s.deps.Usage == nil {
		return nil, nil, unavailable("usage")
	}
	summary, err := s.deps.Usage.SummarizeByJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	records, err := s.deps.Usage.ListByJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return summary, records, nil
}
