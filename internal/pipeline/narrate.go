package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/timmy/papercast/internal/artifact"
	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
	"github.com/timmy/papercast/internal/tasks"
)

// StartNarration synthesizes a voiceover for every rendered slide in the
// background and publishes the audio. Slides whose audio is already stored
// for the same script keep their earlier entry.
func (s *Service) StartNarration(ctx context.Context, jobID string) (tasks.Progress, error) {
	ctx = stageCtx(ctx, jobID, domain.StageRendered)
	if err := s.require(ctx, jobID, domain.StageRendered, domain.KindRenders); err != nil {
		return tasks.Progress{}, err
	}
	if s.deps.TTS == nil {
		return tasks.Progress{}, unavailable("tts")
	}
	if s.deps.Publisher == nil {
		return tasks.Progress{}, unavailable("storage")
	}

	plan, err := s.loadPlan(ctx, jobID)
	if err != nil {
		return tasks.Progress{}, s.fail(ctx, jobID, err)
	}
	renders, err := s.loadRenders(ctx, jobID)
	if err != nil {
		return tasks.Progress{}, s.fail(ctx, jobID, err)
	}
	previous, err := s.loadNarration(ctx, jobID)
	if err != nil {
		return tasks.Progress{}, s.fail(ctx, jobID, err)
	}
	planRev, err := s.revision(ctx, jobID, domain.Key(domain.KindPlan))
	if err != nil {
		return tasks.Progress{}, s.fail(ctx, jobID, err)
	}

	var items []tasks.Item
	for _, sl := range plan.Slides {
		if r, ok := renders[sl.ID()]; ok && r.Success {
			items = append(items, tasks.Item{ID: sl.ID(), Title: sl.Title})
		}
	}
	if len(items) == 0 {
		return tasks.Progress{}, s.fail(ctx, jobID, errors.New("no rendered slides to narrate"))
	}

	var mu sync.Mutex
	entries := make(map[string]domain.NarrationEntry, len(items))

	each := func(ctx context.Context, item tasks.Item) tasks.Result {
		sl, _ := plan.SlideByID(item.ID)
		entry, err := s.narrateSlide(ctx, jobID, sl, previous)
		if err != nil {
			return tasks.Result{Error: err.Error()}
		}
		mu.Lock()
		entries[item.ID] = entry
		mu.Unlock()
		return tasks.Result{Success: true, Location: entry.AudioURL}
	}
	finish := func(ctx context.Context, _ []tasks.Result) error {
		mu.Lock()
		defer mu.Unlock()
		return s.finishNarration(ctx, jobID, plan, planRev, entries)
	}
	return s.start(ctx, jobID, "narrate", items, each, finish)
}

func (s *Service) narrateSlide(ctx context.Context, jobID string, sl domain.Slide, previous map[string]domain.NarrationEntry) (domain.NarrationEntry, error) {
	key := domain.NamedKey(domain.KindAudio, sl.ID())
	script := strings.TrimSpace(sl.VoiceoverScript)
	if script == "" {
		script = sl.Title
	}
	scriptRev := domain.Revision([]byte(script))

	if entry, ok := previous[sl.ID()]; ok && entry.AudioURL != "" && entry.ScriptRevision == scriptRev {
		exists, err := s.deps.Store.Exists(ctx, jobID, key)
		if err != nil {
			return entry, err
		}
		if exists {
			logger.CtxInfo(ctx, "Keeping earlier narration of %s", sl.ID())
			return entry, nil
		}
	}
	voice, err := s.deps.TTS.Synthesize(ctx, script)
	if err != nil {
		return domain.NarrationEntry{}, fmt.Errorf("failed to synthesize narration: %w", err)
	}
	if err := s.deps.Store.Write(ctx, jobID, key, voice.Audio); err != nil {
		return domain.NarrationEntry{}, err
	}
	url, err := s.deps.Publisher.Publish(ctx, jobID+"/"+key.Path(), voice.Audio, "audio/mpeg")
	if err != nil {
		return domain.NarrationEntry{}, fmt.Errorf("failed to publish narration: %w", err)
	}

	logger.With(logger.Fields{
		logger.FieldSize: len(voice.Audio),
	}).Info(ctx, "Narration published for %s (%.1fs)", sl.ID(), voice.DurationSeconds)
	return domain.NarrationEntry{
		SlideNumber:     sl.Number,
		ID:              sl.ID(),
		AudioURL:        url,
		DurationSeconds: voice.DurationSeconds,
		ScriptRevision:  scriptRev,
	}, nil
}

func (s *Service) finishNarration(ctx context.Context, jobID string, plan *domain.Plan, planRev string, entries map[string]domain.NarrationEntry) error {
	if len(entries) == 0 {
		return s.fail(ctx, jobID, errors.New("no narration was synthesized"))
	}
	out := domain.Narration{PlanRevision: planRev, Slides: make([]domain.NarrationEntry, 0, len(entries))}
	for _, sl := range plan.Slides {
		if entry, ok := entries[sl.ID()]; ok {
			out.Slides = append(out.Slides, entry)
		}
	}
	if err := artifact.WriteJSON(ctx, s.deps.Store, jobID, domain.Key(domain.KindNarration), out); err != nil {
		return s.fail(ctx, jobID, err)
	}
	s.deps.Index.Update(jobID, func(j *domain.Job) {
		j.Status = domain.JobStatusComplete
		j.UpdatedAt = time.Now()
	})
	logger.With(logger.Fields{logger.FieldCount: len(out.Slides)}).Info(ctx, "Narration written")
	return nil
}

func (s *Service) loadNarration(ctx context.Context, jobID string) (map[string]domain.NarrationEntry, error) {
	out := make(map[string]domain.NarrationEntry)
	key := domain.Key(domain.KindNarration)
	ok, err := s.deps.Store.Exists(ctx, jobID, key)
	if err != nil || !ok {
		return out, err
	}
	var n domain.Narration
	if err := artifact.ReadJSON(ctx, s.deps.Store, jobID, key, &n); err != nil {
		return nil, err
	}
	for _, e := range n.Slides {
		out[e.ID] = e
	}
	return out, nil
}

// Assemble stitches the rendered slides, and their narration when present,
// into the final video.
func (s *Service) Assemble(ctx context.Context, jobID string) (*domain.FinalVideo, error) {
	ctx = stageCtx(ctx, jobID, domain.StageRendered)
	if err := s.require(ctx, jobID, domain.StageRendered, domain.KindRenders); err != nil {
		return nil, err
	}
	if s.deps.Assembler == nil {
		return nil, unavailable("assembly")
	}
	final, err := s.assemble(ctx, jobID)
	if err != nil {
		return nil, s.fail(ctx, jobID, err)
	}
	return final, nil
}

func (s *Service) assemble(ctx context.Context, jobID string) (*domain.FinalVideo, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.assemble")
	start := time.Now()

	var renders domain.RenderManifest
	if err := artifact.ReadJSON(ctx, s.deps.Store, jobID, domain.Key(domain.KindRenders), &renders); err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	narration := make(map[string]domain.NarrationEntry)
	current, err := s.has(ctx, jobID, domain.KindNarration)
	if err == nil && current {
		narration, err = s.loadNarration(ctx, jobID)
	}
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	rendersRev, err := s.revision(ctx, jobID, domain.Key(domain.KindRenders))
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	narrationRev, err := s.narrationRevision(ctx, jobID)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	clips := make([]domain.Clip, 0, len(renders.Slides))
	for _, r := range renders.Slides {
		if !r.Success || r.VideoURL == "" {
			continue
		}
		clip := domain.Clip{ID: r.ID, VideoURL: r.VideoURL}
		if n, ok := narration[r.ID]; ok {
			clip.AudioURL = n.AudioURL
			clip.DurationSeconds = n.DurationSeconds
		}
		clips = append(clips, clip)
	}
	if len(clips) == 0 {
		err := errors.New("no rendered slides to assemble")
		observability.EndSpan(span, err)
		return nil, err
	}

	res, err := s.deps.Assembler.Assemble(ctx, clips)
	if err != nil {
		err = fmt.Errorf("failed to assemble video: %w", err)
		observability.EndSpan(span, err)
		return nil, err
	}
	final := &domain.FinalVideo{
		URL:               res.URL,
		RenderID:          res.RenderID,
		Slides:            len(clips),
		DurationSeconds:   res.Duration,
		RendersRevision:   rendersRev,
		NarrationRevision: narrationRev,
	}
	err = artifact.WriteJSON(ctx, s.deps.Store, jobID, domain.Key(domain.KindFinal), final)
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	s.deps.Index.Update(jobID, func(j *domain.Job) {
		j.VideoURL = final.URL
		j.Status = domain.JobStatusComplete
		j.UpdatedAt = time.Now()
	})
	logger.With(logger.Fields{
		logger.FieldCount:      len(clips),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Final video assembled: %s", final.URL)
	return final, nil
}

// StartAssembly runs Assemble as a one-item background task.
func (s *Service) StartAssembly(ctx context.Context, jobID string) (tasks.Progress, error) {
	ctx = stageCtx(ctx, jobID, domain.StageRendered)
	if err := s.require(ctx, jobID, domain.StageRendered, domain.KindRenders); err != nil {
		return tasks.Progress{}, err
	}
	if s.deps.Assembler == nil {
		return tasks.Progress{}, unavailable("assembly")
	}
	each := func(ctx context.Context, item tasks.Item) tasks.Result {
		final, err := s.Assemble(ctx, jobID)
		if err != nil {
			return tasks.Result{Error: err.Error()}
		}
		return tasks.Result{Success: true, Location: final.URL}
	}
	finish := func(ctx context.Context, results []tasks.Result) error {
		if len(results) == 1 && !results[0].Success {
			return errors.New(results[0].Error)
		}
		return nil
	}
	return s.start(ctx, jobID, "assemble", []tasks.Item{{ID: "final", Title: "Final video"}}, each, finish)
}

// Progress returns the latest background run of a job.
func (s *Service) Progress(jobID string) (tasks.Progress, bool) {
	return s.deps.Tasks.Progress(jobID)
}

// Cancel stops the running background task of a job before its next item.
func (s *Service) Cancel(jobID string) bool {
	return s.deps.Tasks.Cancel(jobID)
}
