package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/papercast/internal/artifact"
	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
	"github.com/timmy/papercast/internal/repair"
)

const truncatedWarning = "plan was recovered from a truncated response; later slides may be missing"

// Upload stores a source document under a new job id. Leading dots are
// dropped from the name so the source is never a hidden file.
func (s *Service) Upload(ctx context.Context, filename string, data []byte) (*domain.Job, error) {
	name := strings.TrimLeft(filepath.Base(strings.ReplaceAll(filename, `\`, "/")), ".")
	if name == "" || name == "/" {
		return nil, fmt.Errorf("invalid file name %q", filename)
	}
	if len(data) == 0 {
		return nil, errors.New("empty upload")
	}

	jobID := uuid.New().String()[:8]
	ctx = stageCtx(ctx, jobID, domain.StageUploaded)
	if err := s.deps.Store.Write(ctx, jobID, domain.NamedKey(domain.KindSource, name), data); err != nil {
		return nil, err
	}

	job := s.advanced(jobID, domain.StageUploaded, func(j *domain.Job) { j.Source = name })
	logger.With(logger.Fields{logger.FieldSize: len(data)}).Info(ctx, "Source uploaded: %s", name)
	return job, nil
}

// Extract converts the uploaded source into markdown text.
func (s *Service) Extract(ctx context.Context, jobID string) (*domain.Job, error) {
	ctx = stageCtx(ctx, jobID, domain.StageExtracted)
	if err := s.require(ctx, jobID, domain.StageExtracted, domain.KindSource); err != nil {
		return nil, err
	}
	if s.deps.Extractor == nil {
		return nil, unavailable("extraction")
	}

	job, err := s.extract(ctx, jobID)
	if err != nil {
		return nil, s.fail(ctx, jobID, err)
	}
	return job, nil
}

func (s *Service) extract(ctx context.Context, jobID string) (*domain.Job, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.extract")
	start := time.Now()

	names, err := s.deps.Store.List(ctx, jobID, domain.KindSource)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	name := names[0]
	data, err := s.deps.Store.Read(ctx, jobID, domain.NamedKey(domain.KindSource, name))
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	text, err := s.deps.Extractor.Extract(ctx, name, data)
	if err != nil {
		err = fmt.Errorf("failed to extract %s: %w", name, err)
		observability.EndSpan(span, err)
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		err = fmt.Errorf("extraction of %s produced no text", name)
		observability.EndSpan(span, err)
		return nil, err
	}
	err = s.deps.Store.Write(ctx, jobID, domain.Key(domain.KindText), []byte(text))
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	logger.With(logger.Fields{
		logger.FieldSize:       len(text),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Text extracted")
	return s.resync(ctx, jobID, nil)
}

// Plan generates the presentation plan. A response cut off by the model's
// length limit is repaired once; a repaired plan is accepted, flagged
// Truncated and reported as a job warning.
func (s *Service) Plan(ctx context.Context, jobID string) (*domain.Job, error) {
	ctx = stageCtx(ctx, jobID, domain.StagePlanned)
	if err := s.require(ctx, jobID, domain.StagePlanned, domain.KindText); err != nil {
		return nil, err
	}
	if s.deps.Planner == nil {
		return nil, unavailable("llm")
	}

	job, err := s.plan(ctx, jobID)
	if err != nil {
		return nil, s.fail(ctx, jobID, err)
	}
	return job, nil
}

func (s *Service) plan(ctx context.Context, jobID string) (*domain.Job, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.plan")
	start := time.Now()

	text, err := s.deps.Store.Read(ctx, jobID, domain.Key(domain.KindText))
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	raw, stop, err := s.deps.Planner.GeneratePlan(ctx, string(text))
	if err != nil {
		err = fmt.Errorf("failed to generate plan: %w", err)
		observability.EndSpan(span, err)
		return nil, err
	}

	plan, err := DecodePlan(raw, stop)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	plan.TextRevision = domain.Revision(text)
	if err := artifact.WriteJSON(ctx, s.deps.Store, jobID, domain.Key(domain.KindPlan), plan); err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	observability.EndSpan(span, nil)

	entry := logger.With(logger.Fields{
		logger.FieldCount:      len(plan.Slides),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	})
	if plan.Truncated {
		entry.Warn(ctx, "Plan recovered from truncated response")
	} else {
		entry.Info(ctx, "Plan generated: %s", plan.PaperTitle)
	}

	return s.resync(ctx, jobID, func(j *domain.Job) {
		j.Warning = ""
		if plan.Truncated {
			j.Warning = truncatedWarning
		}
	})
}

// DecodePlan parses a raw plan response, repairing truncation when the
// model stopped at its length limit, and normalizes the result.
func DecodePlan(raw string, stop domain.StopReason) (*domain.Plan, error) {
	var plan domain.Plan
	repaired, err := repair.DecodeStructured(raw, stop, &plan)
	if err != nil {
		var malformed *domain.MalformedOutputError
		if errors.As(err, &malformed) {
			malformed.Stage = domain.StagePlanned
		}
		return nil, err
	}
	if err := plan.Normalize(); err != nil {
		return nil, &domain.MalformedOutputError{Stage: domain.StagePlanned, Raw: raw, Err: err}
	}
	plan.Truncated = repaired
	return &plan, nil
}

// Text returns the extracted markdown of a job.
func (s *Service) Text(ctx context.Context, jobID string) (string, error) {
	if err := s.require(ctx, jobID, domain.StagePlanned, domain.KindText); err != nil {
		return "", err
	}
	data, err := s.deps.Store.Read(ctx, jobID, domain.Key(domain.KindText))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PlanOf returns the stored plan of a job.
func (s *Service) PlanOf(ctx context.Context, jobID string) (*domain.Plan, error) {
	if err := s.require(ctx, jobID, domain.StageGenerated, domain.KindPlan); err != nil {
		return nil, err
	}
	return s.loadPlan(ctx, jobID)
}

// ManifestOf returns the stored code manifest of a job.
func (s *Service) ManifestOf(ctx context.Context, jobID string) (*domain.Manifest, error) {
	if err := s.require(ctx, jobID, domain.StageRendered, domain.KindManifest); err != nil {
		return nil, err
	}
	var m domain.Manifest
	if err := artifact.ReadJSON(ctx, s.deps.Store, jobID, domain.Key(domain.KindManifest), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
