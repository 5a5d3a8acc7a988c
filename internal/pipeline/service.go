// Package pipeline advances paper-to-video jobs one stage at a time. Every
// stage checks its prerequisite artifact in the store, calls its
// collaborator through the resilience loops and persists the result; the
// store alone decides how far a job has progressed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/papercast/internal/artifact"
	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/repair"
	"github.com/timmy/papercast/internal/tasks"
	"github.com/timmy/papercast/internal/validator"
)

// Extractor converts an uploaded document into markdown.
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) (string, error)
}

// Planner produces a raw plan response and the reason generation stopped.
type Planner interface {
	GeneratePlan(ctx context.Context, text string) (string, domain.StopReason, error)
}

// CodeGenerator writes scene code for a slide and repairs it on request.
type CodeGenerator interface {
	GenerateCode(ctx context.Context, slide domain.Slide, plan *domain.Plan) (string, error)
	repair.Fixer
}

// Renderer renders generated scene code.
type Renderer interface {
	repair.Renderer
	CheckAvailability(ctx context.Context) bool
}

// HostedRenderer generates and renders a scene from a prompt.
type HostedRenderer interface {
	repair.HostedRenderer
	CheckAvailability(ctx context.Context) bool
}

// Synthesizer turns narration scripts into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (domain.Voiceover, error)
}

// Publisher uploads media and returns a public URL.
type Publisher interface {
	Publish(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// Assembler stitches clips into the final video.
type Assembler interface {
	Assemble(ctx context.Context, clips []domain.Clip) (domain.AssemblyResult, error)
}

// UsageReader reads the ledger of paid calls.
type UsageReader interface {
	SummarizeByJob(ctx context.Context, jobID string) ([]domain.UsageSummary, error)
	ListByJob(ctx context.Context, jobID string) ([]domain.UsageRecord, error)
}

// Render modes.
const (
	RenderLocal  = "local"
	RenderHosted = "hosted"
)

// Options tunes the resilience loops.
type Options struct {
	// MaxRepairAttempts bounds validate-then-repair rounds per slide.
	MaxRepairAttempts int
	// RenderMode is RenderLocal or RenderHosted.
	RenderMode string
	// RenderAttempts bounds render-then-repair rounds per slide.
	RenderAttempts int
	// RenderDelay is the pause between consecutive render calls.
	RenderDelay time.Duration
}

// Deps are the collaborators a Service drives. Only Store, Index and Tasks
// are required; a stage whose collaborator is nil fails as unavailable.
type Deps struct {
	Store     artifact.Store
	Index     *JobIndex
	Tasks     *tasks.Manager
	Checker   repair.Checker
	Extractor Extractor
	Planner   Planner
	Coder     CodeGenerator
	Renderer  Renderer
	Hosted    HostedRenderer
	TTS       Synthesizer
	Publisher Publisher
	Assembler Assembler
	Usage     UsageReader
}

// Service owns the job state model.
type Service struct {
	deps     Deps
	opts     Options
	loop     *repair.Loop
	selector *repair.Selector
}

// New creates a pipeline service.
func New(deps Deps, opts Options) *Service {
	if deps.Index == nil {
		deps.Index = NewJobIndex()
	}
	if deps.Tasks == nil {
		deps.Tasks = tasks.NewManager()
	}
	if deps.Checker == nil {
		deps.Checker = validator.New()
	}
	if opts.RenderMode == "" {
		opts.RenderMode = RenderLocal
	}
	s := &Service{deps: deps, opts: opts}
	s.loop = &repair.Loop{
		Checker:  deps.Checker,
		Fixer:    deps.Coder,
		Renderer: deps.Renderer,
		Delay:    opts.RenderDelay,
	}
	s.selector = &repair.Selector{Renderer: deps.Hosted, Delay: opts.RenderDelay}
	deps.Tasks.OnCancelled(s.cancelled)
	return s
}

// Tasks exposes the background task manager.
func (s *Service) Tasks() *tasks.Manager {
	return s.deps.Tasks
}

// require re-reads the store and fails with a PreconditionError, writing
// nothing, when stage's prerequisite artifact is missing or stale.
func (s *Service) require(ctx context.Context, jobID string, stage domain.Stage, kind domain.ArtifactKind) error {
	ok, err := s.has(ctx, jobID, kind)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	pre := &domain.PreconditionError{JobID: jobID, Stage: stage, Missing: kind}
	if !kind.Named() {
		if pre.Stale, err = s.deps.Store.Exists(ctx, jobID, domain.Key(kind)); err != nil {
			return err
		}
	}
	return pre
}

// has reports whether a current artifact of kind exists. For named kinds any
// name counts; a derived artifact built from an older input does not.
func (s *Service) has(ctx context.Context, jobID string, kind domain.ArtifactKind) (bool, error) {
	if kind.Named() {
		names, err := s.deps.Store.List(ctx, jobID, kind)
		if err != nil {
			return false, err
		}
		return len(names) > 0, nil
	}
	ok, err := s.deps.Store.Exists(ctx, jobID, domain.Key(kind))
	if err != nil || !ok {
		return ok, err
	}
	return s.fresh(ctx, jobID, kind)
}

// stageCtx tags ctx for logging.
func stageCtx(ctx context.Context, jobID string, stage domain.Stage) context.Context {
	return logger.SetStage(logger.SetJobID(logger.SetComponent(ctx, "pipeline"), jobID), stage.String())
}

// fail marks the job failed with the verbatim error text and returns err.
// Precondition and concurrency errors leave the job untouched.
func (s *Service) fail(ctx context.Context, jobID string, err error) error {
	if err == nil || errors.Is(err, domain.ErrPrecondition) || errors.Is(err, domain.ErrAlreadyRunning) ||
		errors.Is(err, domain.ErrUnknownUnit) || errors.Is(err, domain.ErrJobNotFound) {
		return err
	}
	s.deps.Index.Update(jobID, func(j *domain.Job) { j.Fail(err) })
	logger.CtxError(ctx, "Stage failed: %v", err)
	return err
}

// advanced records a completed stage in the cache.
func (s *Service) advanced(jobID string, stage domain.Stage, fn func(j *domain.Job)) *domain.Job {
	return s.deps.Index.Update(jobID, func(j *domain.Job) {
		j.Advance(stage)
		if fn != nil {
			fn(j)
		}
	})
}

func unavailable(service string) error {
	return &domain.ServiceUnavailableError{Service: service, Err: errors.New("not configured")}
}

// loadPlan reads the stored plan.
func (s *Service) loadPlan(ctx context.Context, jobID string) (*domain.Plan, error) {
	var plan domain.Plan
	if err := artifact.ReadJSON(ctx, s.deps.Store, jobID, domain.Key(domain.KindPlan), &plan); err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return &plan, nil
}

// slide looks a unit up in the plan.
func slide(plan *domain.Plan, jobID, unit string) (domain.Slide, error) {
	sl, ok := plan.SlideByID(unit)
	if !ok {
		return domain.Slide{}, fmt.Errorf("job %s has no slide %q: %w", jobID, unit, domain.ErrUnknownUnit)
	}
	return sl, nil
}

// start marks the job processing and schedules a background run. A second
// run for a job is refused while the first is active.
func (s *Service) start(ctx context.Context, jobID, name string, items []tasks.Item, each tasks.EachFunc, finish tasks.FinishFunc) (tasks.Progress, error) {
	if s.deps.Tasks.Running(jobID) {
		p, _ := s.deps.Tasks.Progress(jobID)
		return p, fmt.Errorf("job %s %s: %w", jobID, p.Name, domain.ErrAlreadyRunning)
	}
	s.deps.Index.Update(jobID, func(j *domain.Job) {
		j.Status = domain.JobStatusProcessing
		j.Error = ""
	})
	return s.deps.Tasks.Start(ctx, jobID, name, items, each, finish)
}

// cancelled rebuilds the cached job from the store once a background run
// stops early, so the cache reflects what was persisted and not the run.
func (s *Service) cancelled(ctx context.Context, p tasks.Progress) {
	_, err := s.resync(ctx, p.JobID, func(j *domain.Job) {
		j.Warning = fmt.Sprintf("%s cancelled after %d of %d items", p.Name, p.Completed, p.Total)
	})
	if err != nil {
		logger.CtxWarn(ctx, "Failed to resync job %s after cancellation: %v", p.JobID, err)
	}
}
