package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/papercast/internal/artifact"
	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/repair"
	"github.com/timmy/papercast/internal/tasks"
)

// StartRender renders every slide of the manifest in the background.
// Slides that already rendered successfully from the same input in an
// earlier run are kept.
func (s *Service) StartRender(ctx context.Context, jobID string) (tasks.Progress, error) {
	ctx = stageCtx(ctx, jobID, domain.StageRendered)
	if err := s.require(ctx, jobID, domain.StageRendered, domain.KindManifest); err != nil {
		return tasks.Progress{}, err
	}
	if err := s.checkRenderer(ctx); err != nil {
		return tasks.Progress{}, err
	}

	manifest, err := s.ManifestOf(ctx, jobID)
	if err != nil {
		return tasks.Progress{}, s.fail(ctx, jobID, err)
	}
	var plan *domain.Plan
	if s.opts.RenderMode == RenderHosted {
		if plan, err = s.loadPlan(ctx, jobID); err != nil {
			return tasks.Progress{}, s.fail(ctx, jobID, err)
		}
	}
	previous, err := s.loadRenders(ctx, jobID)
	if err != nil {
		return tasks.Progress{}, s.fail(ctx, jobID, err)
	}
	manifestRev, err := s.revision(ctx, jobID, domain.Key(domain.KindManifest))
	if err != nil {
		return tasks.Progress{}, s.fail(ctx, jobID, err)
	}

	var mu sync.Mutex
	entries := make(map[string]domain.RenderEntry, len(manifest.Slides))
	var rendered atomic.Int32

	byID := make(map[string]domain.ManifestEntry, len(manifest.Slides))
	items := make([]tasks.Item, 0, len(manifest.Slides))
	for _, m := range manifest.Slides {
		byID[m.ID] = m
		items = append(items, tasks.Item{ID: m.ID, Title: m.Title})
	}

	each := func(ctx context.Context, item tasks.Item) tasks.Result {
		m := byID[item.ID]
		input := s.renderInput(ctx, jobID, m, plan)
		entry, reused := previous[item.ID]
		if !reused || !entry.Success || input == "" || entry.InputRevision != input {
			if rendered.Add(1) > 1 {
				if err := sleep(ctx, s.opts.RenderDelay); err != nil {
					return tasks.Result{Error: err.Error()}
				}
			}
			entry = s.renderSlide(ctx, jobID, m, plan)
		} else {
			logger.CtxInfo(ctx, "Keeping earlier render of %s", m.ClassName)
		}
		mu.Lock()
		entries[item.ID] = entry
		mu.Unlock()
		return tasks.Result{Success: entry.Success, Location: entry.VideoURL, Tier: entry.Tier, Error: entry.Error}
	}
	finish := func(ctx context.Context, _ []tasks.Result) error {
		mu.Lock()
		defer mu.Unlock()
		return s.finishRender(ctx, jobID, manifest, manifestRev, entries)
	}

	return s.start(ctx, jobID, "render", items, each, finish)
}

func (s *Service) finishRender(ctx context.Context, jobID string, manifest *domain.Manifest, manifestRev string, entries map[string]domain.RenderEntry) error {
	out := domain.RenderManifest{ManifestRevision: manifestRev, Slides: make([]domain.RenderEntry, 0, len(manifest.Slides))}
	succeeded := 0
	var degraded int
	for _, m := range manifest.Slides {
		entry, ok := entries[m.ID]
		if !ok {
			entry = domain.RenderEntry{SlideNumber: m.SlideNumber, ID: m.ID, ClassName: m.ClassName, Error: "not rendered"}
		}
		if entry.Success {
			succeeded++
			if entry.Tier != "" && entry.Tier != string(repair.TierPrimary) {
				degraded++
			}
		}
		out.Slides = append(out.Slides, entry)
	}
	if succeeded == 0 {
		return s.fail(ctx, jobID, &domain.RenderError{Name: jobID, Message: "no slide rendered"})
	}
	if err := artifact.WriteJSON(ctx, s.deps.Store, jobID, domain.Key(domain.KindRenders), out); err != nil {
		return s.fail(ctx, jobID, err)
	}

	failed := len(out.Slides) - succeeded
	_, err := s.resync(ctx, jobID, func(j *domain.Job) {
		if failed > 0 {
			j.Error = fmt.Sprintf("%d of %d slides failed to render", failed, len(out.Slides))
		}
		if degraded > 0 {
			j.Warning = fmt.Sprintf("%d slides rendered with a fallback tier", degraded)
		}
	})
	if err != nil {
		return err
	}
	logger.With(logger.Fields{
		logger.FieldCount: succeeded,
	}).Info(ctx, "Render manifest written, %d failed, %d degraded", failed, degraded)
	return nil
}

// RenderSlide renders one slide synchronously and updates its entry in the
// render manifest when one exists.
func (s *Service) RenderSlide(ctx context.Context, jobID, unit string) (domain.RenderEntry, error) {
	ctx = logger.SetSlide(stageCtx(ctx, jobID, domain.StageRendered), unit)
	if err := s.require(ctx, jobID, domain.StageRendered, domain.KindManifest); err != nil {
		return domain.RenderEntry{}, err
	}
	if s.deps.Tasks.Running(jobID) {
		return domain.RenderEntry{}, fmt.Errorf("job %s: %w", jobID, domain.ErrAlreadyRunning)
	}
	if err := s.checkRenderer(ctx); err != nil {
		return domain.RenderEntry{}, err
	}

	manifest, err := s.ManifestOf(ctx, jobID)
	if err != nil {
		return domain.RenderEntry{}, err
	}
	var m domain.ManifestEntry
	found := false
	for _, e := range manifest.Slides {
		if e.ID == unit {
			m, found = e, true
		}
	}
	if !found {
		return domain.RenderEntry{}, fmt.Errorf("job %s has no slide %q: %w", jobID, unit, domain.ErrUnknownUnit)
	}
	var plan *domain.Plan
	if s.opts.RenderMode == RenderHosted {
		if plan, err = s.loadPlan(ctx, jobID); err != nil {
			return domain.RenderEntry{}, err
		}
	}

	entry := s.renderSlide(ctx, jobID, m, plan)
	if err := s.updateRenders(ctx, jobID, entry); err != nil {
		return entry, s.fail(ctx, jobID, err)
	}
	if _, err := s.resync(ctx, jobID, nil); err != nil {
		return entry, err
	}
	if !entry.Success {
		return entry, &domain.RenderError{Name: m.ClassName, Message: entry.Error}
	}
	return entry, nil
}

// checkRenderer fails fast when the configured renderer cannot be reached.
func (s *Service) checkRenderer(ctx context.Context) error {
	switch s.opts.RenderMode {
	case RenderHosted:
		if s.deps.Hosted == nil {
			return unavailable("hosted_render")
		}
		if !s.deps.Hosted.CheckAvailability(ctx) {
			return &domain.ServiceUnavailableError{Service: "hosted_render", Err: errors.New("health check failed")}
		}
	default:
		if s.deps.Renderer == nil {
			return unavailable("render")
		}
		if !s.deps.Renderer.CheckAvailability(ctx) {
			return &domain.ServiceUnavailableError{Service: "render", Err: errors.New("health check failed")}
		}
	}
	return nil
}

// renderSlide renders one manifest entry. Local mode renders stored code
// with the render-repair loop and persists corrected code only after it
// renders; hosted mode walks the fallback tiers. The entry records the
// revision of the input it was rendered from.
func (s *Service) renderSlide(ctx context.Context, jobID string, m domain.ManifestEntry, plan *domain.Plan) domain.RenderEntry {
	entry := domain.RenderEntry{SlideNumber: m.SlideNumber, ID: m.ID, ClassName: m.ClassName}
	key := domain.NamedKey(domain.KindSlideCode, m.ID)

	if s.opts.RenderMode == RenderHosted {
		sl, ok := plan.SlideByID(m.ID)
		if !ok {
			entry.Error = "slide missing from plan"
			return entry
		}
		out, err := s.selector.Run(ctx, repair.Tiers(sl), m.ClassName)
		entry.Attempts = len(out.Failures)
		if err != nil {
			entry.Error = err.Error()
			return entry
		}
		entry.Attempts++
		entry.InputRevision = sl.Revision()
		if out.Code != "" {
			if err := s.deps.Store.Write(ctx, jobID, key, []byte(stampCode(out.Code, sl.Revision()))); err != nil {
				logger.CtxWarn(ctx, "Failed to store hosted code: %v", err)
			}
		}
		entry.Success = true
		entry.VideoURL = out.VideoURL
		entry.Tier = string(out.Tier)
		return entry
	}

	if m.CodeKey == "" {
		entry.Error = "no code generated"
		return entry
	}
	code, err := s.deps.Store.Read(ctx, jobID, key)
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	stamp := codeStamp(string(code))
	var persisted []byte
	persist := func(ctx context.Context, fixed string) error {
		data := []byte(stampCode(fixed, stamp))
		if err := s.deps.Store.Write(ctx, jobID, key, data); err != nil {
			return err
		}
		persisted = data
		return nil
	}
	attempts := s.opts.RenderAttempts
	if s.deps.Coder == nil {
		attempts = 0
	}
	out, err := s.loop.EnsureRenders(ctx, string(code), m.ClassName, attempts, persist)
	entry.Attempts = out.Attempts + 1
	entry.Success = out.Success
	entry.VideoURL = out.VideoURL
	entry.Error = out.Error
	if err != nil {
		entry.Success = false
		entry.Error = err.Error()
	}
	if entry.Success {
		entry.Error = ""
	}
	entry.InputRevision = domain.Revision(code)
	if persisted != nil {
		entry.InputRevision = domain.Revision(persisted)
	}
	return entry
}

// renderInput is the revision a render of m depends on: the slide content in
// hosted mode, the stored code otherwise. It is "" when there is no input.
func (s *Service) renderInput(ctx context.Context, jobID string, m domain.ManifestEntry, plan *domain.Plan) string {
	if s.opts.RenderMode == RenderHosted {
		sl, ok := plan.SlideByID(m.ID)
		if !ok {
			return ""
		}
		return sl.Revision()
	}
	if m.CodeKey == "" {
		return ""
	}
	code, err := s.deps.Store.Read(ctx, jobID, domain.NamedKey(domain.KindSlideCode, m.ID))
	if err != nil {
		return ""
	}
	return domain.Revision(code)
}

// loadRenders reads an earlier render manifest, keyed by unit.
func (s *Service) loadRenders(ctx context.Context, jobID string) (map[string]domain.RenderEntry, error) {
	out := make(map[string]domain.RenderEntry)
	key := domain.Key(domain.KindRenders)
	ok, err := s.deps.Store.Exists(ctx, jobID, key)
	if err != nil || !ok {
		return out, err
	}
	// Entries of a render manifest built for an earlier manifest are still
	// reusable; each is checked against its own input revision.
	var rm domain.RenderManifest
	if err := artifact.ReadJSON(ctx, s.deps.Store, jobID, key, &rm); err != nil {
		return nil, err
	}
	for _, e := range rm.Slides {
		out[e.ID] = e
	}
	return out, nil
}

func (s *Service) updateRenders(ctx context.Context, jobID string, entry domain.RenderEntry) error {
	key := domain.Key(domain.KindRenders)
	ok, err := s.has(ctx, jobID, domain.KindRenders)
	if err != nil || !ok {
		return err
	}
	var rm domain.RenderManifest
	if err := artifact.ReadJSON(ctx, s.deps.Store, jobID, key, &rm); err != nil {
		return err
	}
	replaced := false
	for i := range rm.Slides {
		if rm.Slides[i].ID == entry.ID {
			rm.Slides[i] = entry
			replaced = true
		}
	}
	if !replaced {
		rm.Slides = append(rm.Slides, entry)
	}
	return artifact.WriteJSON(ctx, s.deps.Store, jobID, key, rm)
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
