package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/timmy/papercast/internal/artifact"
	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/tasks"
)

// StartGeneration writes scene code for every slide in the background.
// Slides whose stored code was generated from the same slide content are
// revalidated but not regenerated.
func (s *Service) StartGeneration(ctx context.Context, jobID string) (tasks.Progress, error) {
	ctx = stageCtx(ctx, jobID, domain.StageGenerated)
	if err := s.require(ctx, jobID, domain.StageGenerated, domain.KindPlan); err != nil {
		return tasks.Progress{}, err
	}
	if s.deps.Coder == nil {
		return tasks.Progress{}, unavailable("llm")
	}
	plan, err := s.loadPlan(ctx, jobID)
	if err != nil {
		return tasks.Progress{}, s.fail(ctx, jobID, err)
	}
	planRev, err := s.revision(ctx, jobID, domain.Key(domain.KindPlan))
	if err != nil {
		return tasks.Progress{}, s.fail(ctx, jobID, err)
	}

	var mu sync.Mutex
	entries := make(map[string]domain.ManifestEntry, len(plan.Slides))

	each := func(ctx context.Context, item tasks.Item) tasks.Result {
		sl, _ := plan.SlideByID(item.ID)
		entry, err := s.generateSlide(ctx, jobID, plan, sl, false)
		mu.Lock()
		entries[item.ID] = entry
		mu.Unlock()
		return entryResult(entry, err)
	}
	finish := func(ctx context.Context, _ []tasks.Result) error {
		mu.Lock()
		defer mu.Unlock()
		return s.finishGeneration(ctx, jobID, plan, planRev, entries)
	}

	return s.start(ctx, jobID, "generate", slideItems(plan), each, finish)
}

func (s *Service) finishGeneration(ctx context.Context, jobID string, plan *domain.Plan, planRev string, entries map[string]domain.ManifestEntry) error {
	manifest := domain.Manifest{PlanRevision: planRev, Slides: make([]domain.ManifestEntry, 0, len(plan.Slides))}
	var invalid []string
	stored := 0
	for _, sl := range plan.Slides {
		entry, ok := entries[sl.ID()]
		if !ok {
			entry = baseEntry(sl)
			entry.Errors = []string{"not generated"}
		}
		if entry.CodeKey != "" {
			stored++
		}
		if !entry.Valid {
			invalid = append(invalid, (&domain.ValidationError{Name: entry.ClassName, Errors: entry.Errors}).Error())
		}
		manifest.Slides = append(manifest.Slides, entry)
	}
	if stored == 0 {
		return s.fail(ctx, jobID, errors.New("no slide code was generated"))
	}
	if err := artifact.WriteJSON(ctx, s.deps.Store, jobID, domain.Key(domain.KindManifest), manifest); err != nil {
		return s.fail(ctx, jobID, err)
	}

	_, err := s.resync(ctx, jobID, func(j *domain.Job) {
		if len(invalid) > 0 {
			j.Error = strings.Join(invalid, "\n")
		}
	})
	if err != nil {
		return err
	}
	logger.With(logger.Fields{
		logger.FieldCount: len(manifest.Slides),
	}).Info(ctx, "Manifest written, %d slides invalid", len(invalid))
	return nil
}

// GenerateSlide regenerates the code of one slide synchronously and updates
// its manifest entry when a manifest exists.
func (s *Service) GenerateSlide(ctx context.Context, jobID, unit string) (domain.ManifestEntry, error) {
	ctx = logger.SetSlide(stageCtx(ctx, jobID, domain.StageGenerated), unit)
	if err := s.require(ctx, jobID, domain.StageGenerated, domain.KindPlan); err != nil {
		return domain.ManifestEntry{}, err
	}
	if s.deps.Coder == nil {
		return domain.ManifestEntry{}, unavailable("llm")
	}
	if s.deps.Tasks.Running(jobID) {
		return domain.ManifestEntry{}, fmt.Errorf("job %s: %w", jobID, domain.ErrAlreadyRunning)
	}
	plan, err := s.loadPlan(ctx, jobID)
	if err != nil {
		return domain.ManifestEntry{}, err
	}
	sl, err := slide(plan, jobID, unit)
	if err != nil {
		return domain.ManifestEntry{}, err
	}

	entry, err := s.generateSlide(ctx, jobID, plan, sl, true)
	if err != nil {
		return entry, s.fail(ctx, jobID, err)
	}
	if err := s.updateManifest(ctx, jobID, entry); err != nil {
		return entry, s.fail(ctx, jobID, err)
	}
	if _, err := s.resync(ctx, jobID, nil); err != nil {
		return entry, err
	}
	return entry, nil
}

// generateSlide produces validated code for one slide. Code that is still
// invalid after the repair attempts run out is stored anyway and reported in
// the entry. Stored code is stamped with the slide revision it came from and
// reused only while that revision is current.
func (s *Service) generateSlide(ctx context.Context, jobID string, plan *domain.Plan, sl domain.Slide, force bool) (domain.ManifestEntry, error) {
	entry := baseEntry(sl)
	key := domain.NamedKey(domain.KindSlideCode, sl.ID())

	if !force {
		ok, err := s.deps.Store.Exists(ctx, jobID, key)
		if err != nil {
			entry.Errors = []string{err.Error()}
			return entry, err
		}
		if ok {
			data, err := s.deps.Store.Read(ctx, jobID, key)
			if err != nil {
				entry.Errors = []string{err.Error()}
				return entry, err
			}
			if codeStamp(string(data)) == sl.Revision() {
				report := s.loop.Checker.Validate(ctx, string(data), sl.ClassName())
				entry.CodeKey = key.Path()
				entry.Valid = report.Valid()
				entry.Errors = report.Errors()
				logger.CtxInfo(ctx, "Reusing stored code for %s", sl.ClassName())
				return entry, nil
			}
			logger.CtxInfo(ctx, "Stored code for %s predates the current plan; regenerating", sl.ClassName())
		}
	}

	code, err := s.deps.Coder.GenerateCode(ctx, sl, plan)
	if err != nil {
		entry.Errors = []string{err.Error()}
		return entry, err
	}

	out, err := s.loop.EnsureValid(ctx, code, sl.ClassName(), s.opts.MaxRepairAttempts)
	if err != nil {
		entry.Errors = []string{err.Error()}
		return entry, err
	}
	if err := s.deps.Store.Write(ctx, jobID, key, []byte(stampCode(out.Code, sl.Revision()))); err != nil {
		entry.Errors = []string{err.Error()}
		return entry, err
	}

	entry.CodeKey = key.Path()
	entry.Valid = out.Valid
	entry.Errors = out.Errors
	logger.With(logger.Fields{
		logger.FieldAttempt: out.Attempts,
		logger.FieldStatus:  validity(out.Valid),
	}).Info(ctx, "Code stored for %s", sl.ClassName())
	return entry, nil
}

func (s *Service) updateManifest(ctx context.Context, jobID string, entry domain.ManifestEntry) error {
	key := domain.Key(domain.KindManifest)
	ok, err := s.has(ctx, jobID, domain.KindManifest)
	if err != nil || !ok {
		return err
	}
	var m domain.Manifest
	if err := artifact.ReadJSON(ctx, s.deps.Store, jobID, key, &m); err != nil {
		return err
	}
	replaced := false
	for i := range m.Slides {
		if m.Slides[i].ID == entry.ID {
			m.Slides[i] = entry
			replaced = true
		}
	}
	if !replaced {
		m.Slides = append(m.Slides, entry)
	}
	return artifact.WriteJSON(ctx, s.deps.Store, jobID, key, m)
}

func baseEntry(sl domain.Slide) domain.ManifestEntry {
	return domain.ManifestEntry{
		SlideNumber:      sl.Number,
		ID:               sl.ID(),
		Title:            sl.Title,
		ClassName:        sl.ClassName(),
		ExpectedDuration: float64(sl.DurationSeconds),
	}
}

func entryResult(entry domain.ManifestEntry, err error) tasks.Result {
	res := tasks.Result{Success: err == nil && entry.Valid, Location: entry.CodeKey}
	switch {
	case err != nil:
		res.Error = err.Error()
	case !entry.Valid:
		res.Error = strings.Join(entry.Errors, "; ")
	}
	return res
}

func slideItems(plan *domain.Plan) []tasks.Item {
	items := make([]tasks.Item, 0, len(plan.Slides))
	for _, sl := range plan.Slides {
		items = append(items, tasks.Item{ID: sl.ID(), Title: sl.Title})
	}
	return items
}

func validity(ok bool) string {
	if ok {
		return "valid"
	}
	return "invalid"
}
