package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/timmy/papercast/internal/artifact"
	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/tasks"
	"github.com/timmy/papercast/internal/validator"
)

const planJSON = `{
  "paper_title": "Attention",
  "paper_summary": "Transformers",
  "slides": [
    {"slide_number": 1, "title": "Intro", "visual_type": "text_reveal", "visual_description": "title card", "key_points": ["a"], "voiceover_script": "Hello", "duration_seconds": 20},
    {"slide_number": 2, "title": "Method", "visual_type": "diagram", "visual_description": "boxes", "key_points": ["b"], "voiceover_script": "The method", "duration_seconds": 30}
  ]
}`

type fakeExtractor struct{ text string }

func (f *fakeExtractor) Extract(_ context.Context, _ string, _ []byte) (string, error) {
	return f.text, nil
}

type fakePlanner struct {
	raw  string
	stop domain.StopReason
	err  error
}

func (f *fakePlanner) GeneratePlan(_ context.Context, _ string) (string, domain.StopReason, error) {
	return f.raw, f.stop, f.err
}

// fakeCoder writes "ok" code unless the class is listed in broken; repairs
// return fixed.
type fakeCoder struct {
	mu        sync.Mutex
	broken    map[string]bool
	fixed     string
	generated []string
	repairs   int
	block     chan struct{}
}

func (f *fakeCoder) GenerateCode(_ context.Context, slide domain.Slide, _ *domain.Plan) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, slide.ClassName())
	if f.broken[slide.ClassName()] {
		return "BROKEN " + slide.ClassName(), nil
	}
	return "ok " + slide.ClassName(), nil
}

func (f *fakeCoder) RepairCode(_ context.Context, code string, _ []string, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repairs++
	if f.fixed == "" {
		return code, nil
	}
	return f.fixed, nil
}

// keywordChecker flags code containing BROKEN.
type keywordChecker struct{}

func (keywordChecker) Validate(_ context.Context, code, _ string) validator.Report {
	if strings.Contains(code, "BROKEN") {
		return validator.Report{Issues: []validator.Issue{{Category: validator.CategorySyntax, Message: "broken"}}}
	}
	return validator.Report{}
}

// fakeRenderer fails code containing CRASH.
type fakeRenderer struct {
	mu    sync.Mutex
	codes []string
	down  bool
}

func (f *fakeRenderer) Render(_ context.Context, code, name string) domain.RenderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	if strings.Contains(code, "CRASH") {
		return domain.RenderResult{Error: "NameError: name 'x' is not defined"}
	}
	return domain.RenderResult{Success: true, VideoURL: "https://render.test/" + name + ".mp4"}
}

func (f *fakeRenderer) CheckAvailability(_ context.Context) bool { return !f.down }

// fakeHosted fails its first failures calls.
type fakeHosted struct {
	mu       sync.Mutex
	failures int
	calls    int
	down     bool
}

func (f *fakeHosted) GenerateAndRender(_ context.Context, _ string, name string) domain.HostedResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return domain.HostedResult{Error: "scene crashed"}
	}
	return domain.HostedResult{Success: true, VideoURL: "https://hosted.test/" + name + ".mp4", Code: "hosted " + name}
}

func (f *fakeHosted) CheckAvailability(_ context.Context) bool { return !f.down }

type fakeTTS struct{}

func (fakeTTS) Synthesize(_ context.Context, text string) (domain.Voiceover, error) {
	return domain.Voiceover{Audio: []byte("mp3:" + text), DurationSeconds: 12}, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	names []string
}

func (f *fakePublisher) Publish(_ context.Context, name string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return "https://cdn.test/" + name + "?v=1", nil
}

type fakeAssembler struct{ clips []domain.Clip }

func (f *fakeAssembler) Assemble(_ context.Context, clips []domain.Clip) (domain.AssemblyResult, error) {
	f.clips = clips
	return domain.AssemblyResult{RenderID: "r-1", URL: "https://video.test/final.mp4", Duration: 24}, nil
}

func newStore(t *testing.T) artifact.Store {
	t.Helper()
	store, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	return store
}

func newService(store artifact.Store, deps Deps, opts Options) *Service {
	deps.Store = store
	if deps.Checker == nil {
		deps.Checker = keywordChecker{}
	}
	return New(deps, opts)
}

func write(t *testing.T, store artifact.Store, jobID string, key domain.ArtifactKey, data string) {
	t.Helper()
	if err := store.Write(context.Background(), jobID, key, []byte(data)); err != nil {
		t.Fatalf("Write(%s) error = %v", key.Path(), err)
	}
}

func writeJSON(t *testing.T, store artifact.Store, jobID string, key domain.ArtifactKey, v any) {
	t.Helper()
	if err := artifact.WriteJSON(context.Background(), store, jobID, key, v); err != nil {
		t.Fatalf("WriteJSON(%s) error = %v", key.Path(), err)
	}
}

// seedPlanned writes the artifacts of a job that has reached planned.
func seedPlanned(t *testing.T, store artifact.Store, jobID string) {
	t.Helper()
	write(t, store, jobID, domain.NamedKey(domain.KindSource, "paper.md"), "# Paper")
	write(t, store, jobID, domain.Key(domain.KindText), "# Paper")
	plan := decodePlan(t, planJSON)
	plan.TextRevision = domain.Revision([]byte("# Paper"))
	writeJSON(t, store, jobID, domain.Key(domain.KindPlan), plan)
}

func decodePlan(t *testing.T, raw string) *domain.Plan {
	t.Helper()
	plan, err := DecodePlan(raw, domain.StopComplete)
	if err != nil {
		t.Fatalf("DecodePlan() error = %v", err)
	}
	return plan
}

// revisionOf returns the revision of a stored artifact.
func revisionOf(t *testing.T, store artifact.Store, jobID string, key domain.ArtifactKey) string {
	t.Helper()
	data, err := store.Read(context.Background(), jobID, key)
	if err != nil {
		t.Fatalf("Read(%s) error = %v", key.Path(), err)
	}
	return domain.Revision(data)
}

// seedGenerated adds stored code and a manifest for both slides.
func seedGenerated(t *testing.T, store artifact.Store, jobID string, codes map[string]string) {
	t.Helper()
	seedPlanned(t, store, jobID)
	m := domain.Manifest{PlanRevision: revisionOf(t, store, jobID, domain.Key(domain.KindPlan))}
	for i, id := range []string{"s001", "s002"} {
		key := domain.NamedKey(domain.KindSlideCode, id)
		write(t, store, jobID, key, codes[id])
		m.Slides = append(m.Slides, domain.ManifestEntry{
			SlideNumber: i + 1,
			ID:          id,
			ClassName:   fmt.Sprintf("Slide%03d", i+1),
			CodeKey:     key.Path(),
			Valid:       true,
		})
	}
	writeJSON(t, store, jobID, domain.Key(domain.KindManifest), m)
}

func waitDone(t *testing.T, s *Service, jobID string) tasks.Progress {
	t.Helper()
	s.Tasks().Wait(jobID)
	p, ok := s.Progress(jobID)
	if !ok {
		t.Fatalf("Progress(%s) missing", jobID)
	}
	return p
}

func TestUploadExtractPlanAndDiscoverAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := newService(store, Deps{
		Extractor: &fakeExtractor{text: "# Attention\n\nbody"},
		Planner:   &fakePlanner{raw: planJSON, stop: domain.StopComplete},
	}, Options{})

	job, err := s.Upload(ctx, "uploads/paper.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if len(job.ID) != 8 || job.Stage != domain.StageUploaded || job.Source != "paper.pdf" {
		t.Fatalf("Upload() = %+v", job)
	}
	if _, err := s.Extract(ctx, job.ID); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	job, err = s.Plan(ctx, job.ID)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if job.Stage != domain.StagePlanned || job.Warning != "" {
		t.Fatalf("Plan() job = %+v", job)
	}

	restarted := newService(store, Deps{}, Options{})
	ds, err := restarted.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(ds) != 1 || ds[0].JobID != job.ID || ds[0].Stage != domain.StagePlanned || !ds[0].HasSource {
		t.Fatalf("Discover() = %+v", ds)
	}
	got, err := restarted.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Stage != domain.StagePlanned || got.Status != domain.JobStatusProcessing {
		t.Errorf("Status() = %+v", got)
	}
}

func TestUploadRejectsEmptyInput(t *testing.T) {
	s := newService(newStore(t), Deps{}, Options{})
	if _, err := s.Upload(context.Background(), "paper.pdf", nil); err == nil {
		t.Error("Upload(empty) error = nil")
	}
	if _, err := s.Upload(context.Background(), "", []byte("x")); err == nil {
		t.Error("Upload(no name) error = nil")
	}
	if _, err := s.Upload(context.Background(), "..", []byte("x")); err == nil {
		t.Error("Upload(dots only) error = nil")
	}
}

func TestUploadDotNamedSourceStaysVisible(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := newService(store, Deps{}, Options{})

	job, err := s.Upload(ctx, ".paper.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if job.Source != "paper.pdf" {
		t.Errorf("Source = %q, want paper.pdf", job.Source)
	}
	ds, err := s.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(ds) != 1 || !ds[0].HasSource || ds[0].Source != "paper.pdf" || ds[0].Stage != domain.StageUploaded {
		t.Fatalf("Discover() = %+v", ds)
	}
	got, err := newService(store, Deps{}, Options{}).Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("Status() after restart error = %v", err)
	}
	if got.Stage != domain.StageUploaded || got.Source != "paper.pdf" {
		t.Errorf("Status() = %+v", got)
	}
}

func TestDiscoverStopsAtFirstGap(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	write(t, store, "job1", domain.NamedKey(domain.KindSource, "paper.md"), "x")
	writeJSON(t, store, "job1", domain.Key(domain.KindPlan), domain.Plan{PaperTitle: "T"})

	s := newService(store, Deps{}, Options{})
	ds, err := s.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(ds) != 1 || ds[0].Stage != domain.StageUploaded {
		t.Fatalf("Discover() = %+v, want stage uploaded", ds)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	s := newService(newStore(t), Deps{}, Options{})
	_, err := s.Status(context.Background(), "missing")
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Status() error = %v, want ErrJobNotFound", err)
	}
}

func TestAdvanceWithoutPrerequisiteWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	write(t, store, "job1", domain.NamedKey(domain.KindSource, "paper.md"), "x")
	s := newService(store, Deps{Planner: &fakePlanner{raw: planJSON}}, Options{})
	if _, err := s.Restore(ctx, "job1"); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	_, err := s.Plan(ctx, "job1")
	var pre *domain.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("Plan() error = %v, want PreconditionError", err)
	}
	if pre.Missing != domain.KindText || pre.Stage != domain.StagePlanned {
		t.Errorf("PreconditionError = %+v", pre)
	}
	if ok, _ := store.Exists(ctx, "job1", domain.Key(domain.KindPlan)); ok {
		t.Error("plan.json written after failed precondition")
	}
	job, _ := s.Status(ctx, "job1")
	if job.Status == domain.JobStatusFailed {
		t.Errorf("job marked failed by precondition: %+v", job)
	}
}

func TestPlanRecoveredFromTruncation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPlanned(t, store, "job1")
	truncated := `{"paper_title": "Attention", "slides": [
    {"slide_number": 1, "title": "Intro", "visual_type": "diagram", "visual_description": "d", "key_points": ["a"], "duration_seconds": 20},
    {"slide_number": 2, "title": "Method", "visual_type": "diagram", "visual_description": "d", "key_points": ["b"], "duration_seconds": 20},
    {"slide_number": 3, "title": "Resu`
	s := newService(store, Deps{Planner: &fakePlanner{raw: truncated, stop: domain.StopLengthLimited}}, Options{})

	job, err := s.Plan(ctx, "job1")
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if job.Warning != truncatedWarning {
		t.Errorf("Warning = %q", job.Warning)
	}
	plan, err := s.PlanOf(ctx, "job1")
	if err != nil {
		t.Fatalf("PlanOf() error = %v", err)
	}
	if !plan.Truncated || len(plan.Slides) != 2 {
		t.Errorf("plan truncated=%v slides=%d, want true and 2", plan.Truncated, len(plan.Slides))
	}

	restored, err := newService(store, Deps{}, Options{}).Restore(ctx, "job1")
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.Warning != truncatedWarning {
		t.Errorf("restored Warning = %q", restored.Warning)
	}
}

func TestPlanMalformedOutputFailsJob(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPlanned(t, store, "job1")
	s := newService(store, Deps{Planner: &fakePlanner{raw: "no json here", stop: domain.StopComplete}}, Options{})

	_, err := s.Plan(ctx, "job1")
	if !errors.Is(err, domain.ErrMalformedOutput) {
		t.Fatalf("Plan() error = %v, want ErrMalformedOutput", err)
	}
	job, _ := s.Status(ctx, "job1")
	if job.Status != domain.JobStatusFailed || job.Error != err.Error() {
		t.Errorf("job = %+v, want failed with verbatim error", job)
	}
}

func TestGenerationResumesAndPersistsInvalidCode(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPlanned(t, store, "job1")
	intro := decodePlan(t, planJSON).Slides[0]
	write(t, store, "job1", domain.NamedKey(domain.KindSlideCode, "s001"), stampCode("ok stored", intro.Revision()))

	coder := &fakeCoder{broken: map[string]bool{"Slide002": true}}
	s := newService(store, Deps{Coder: coder}, Options{MaxRepairAttempts: 2})

	if _, err := s.StartGeneration(ctx, "job1"); err != nil {
		t.Fatalf("StartGeneration() error = %v", err)
	}
	p := waitDone(t, s, "job1")
	if p.Status != tasks.StatusComplete || len(p.Results) != 2 {
		t.Fatalf("progress = %+v", p)
	}
	if len(coder.generated) != 1 || coder.generated[0] != "Slide002" {
		t.Errorf("generated = %v, want only Slide002", coder.generated)
	}
	if coder.repairs != 2 {
		t.Errorf("repairs = %d, want 2", coder.repairs)
	}

	m, err := s.ManifestOf(ctx, "job1")
	if err != nil {
		t.Fatalf("ManifestOf() error = %v", err)
	}
	if !m.Slides[0].Valid || m.Slides[1].Valid || m.Slides[1].CodeKey != "slides/s002.py" {
		t.Errorf("manifest = %+v", m.Slides)
	}
	code, err := store.Read(ctx, "job1", domain.NamedKey(domain.KindSlideCode, "s002"))
	if err != nil || !strings.Contains(string(code), "BROKEN") {
		t.Errorf("stored s002 = %q, %v", code, err)
	}
	job, _ := s.Status(ctx, "job1")
	if job.Stage != domain.StageGenerated || !strings.Contains(job.Error, "Slide002") {
		t.Errorf("job = %+v", job)
	}
}

func TestGenerateSlideRepairsAndUpdatesManifest(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedGenerated(t, store, "job1", map[string]string{"s001": "ok", "s002": "ok"})
	coder := &fakeCoder{broken: map[string]bool{"Slide002": true}, fixed: "ok fixed"}
	s := newService(store, Deps{Coder: coder}, Options{MaxRepairAttempts: 1})

	entry, err := s.GenerateSlide(ctx, "job1", "s002")
	if err != nil {
		t.Fatalf("GenerateSlide() error = %v", err)
	}
	if !entry.Valid {
		t.Errorf("entry = %+v, want valid", entry)
	}
	code, _ := store.Read(ctx, "job1", domain.NamedKey(domain.KindSlideCode, "s002"))
	if !strings.HasSuffix(string(code), "ok fixed") {
		t.Errorf("stored code = %q", code)
	}

	if _, err := s.GenerateSlide(ctx, "job1", "s009"); !errors.Is(err, domain.ErrUnknownUnit) {
		t.Errorf("GenerateSlide(s009) error = %v, want ErrUnknownUnit", err)
	}
}

func TestSecondStartIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPlanned(t, store, "job1")
	coder := &fakeCoder{block: make(chan struct{})}
	s := newService(store, Deps{Coder: coder}, Options{})

	if _, err := s.StartGeneration(ctx, "job1"); err != nil {
		t.Fatalf("StartGeneration() error = %v", err)
	}
	p, err := s.StartGeneration(ctx, "job1")
	if !errors.Is(err, domain.ErrAlreadyRunning) || p.Name != "generate" {
		t.Errorf("second StartGeneration() = %+v, %v", p, err)
	}
	if _, err := s.GenerateSlide(ctx, "job1", "s001"); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("GenerateSlide() during run error = %v", err)
	}
	close(coder.block)
	waitDone(t, s, "job1")
}

func TestRenderLocalRepairsAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedGenerated(t, store, "job1", map[string]string{"s001": "ok one", "s002": "CRASH two"})
	renderer := &fakeRenderer{}
	coder := &fakeCoder{fixed: "ok repaired"}
	s := newService(store, Deps{Coder: coder, Renderer: renderer}, Options{RenderAttempts: 2})

	if _, err := s.StartRender(ctx, "job1"); err != nil {
		t.Fatalf("StartRender() error = %v", err)
	}
	p := waitDone(t, s, "job1")
	if p.Status != tasks.StatusComplete {
		t.Fatalf("progress = %+v", p)
	}

	var rm domain.RenderManifest
	if err := artifact.ReadJSON(ctx, store, "job1", domain.Key(domain.KindRenders), &rm); err != nil {
		t.Fatalf("ReadJSON(renders) error = %v", err)
	}
	if len(rm.Slides) != 2 || !rm.Slides[0].Success || !rm.Slides[1].Success {
		t.Fatalf("renders = %+v", rm.Slides)
	}
	if rm.Slides[1].Attempts != 2 {
		t.Errorf("s002 attempts = %d, want 2", rm.Slides[1].Attempts)
	}
	code, _ := store.Read(ctx, "job1", domain.NamedKey(domain.KindSlideCode, "s002"))
	if !strings.HasSuffix(string(code), "ok repaired") {
		t.Errorf("persisted code = %q", code)
	}
	job, _ := s.Status(ctx, "job1")
	if job.Stage != domain.StageRendered || job.Status != domain.JobStatusComplete {
		t.Errorf("job = %+v", job)
	}

	// A second run keeps both successful renders.
	renderer.codes = nil
	if _, err := s.StartRender(ctx, "job1"); err != nil {
		t.Fatalf("second StartRender() error = %v", err)
	}
	waitDone(t, s, "job1")
	if len(renderer.codes) != 0 {
		t.Errorf("re-rendered %d slides, want 0", len(renderer.codes))
	}
}

func TestRenderUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedGenerated(t, store, "job1", map[string]string{"s001": "ok", "s002": "ok"})
	s := newService(store, Deps{Renderer: &fakeRenderer{down: true}}, Options{})

	_, err := s.StartRender(ctx, "job1")
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Errorf("StartRender() error = %v, want ErrServiceUnavailable", err)
	}
}

func TestRenderAllFailuresFailsJob(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedGenerated(t, store, "job1", map[string]string{"s001": "CRASH", "s002": "CRASH"})
	s := newService(store, Deps{Renderer: &fakeRenderer{}}, Options{})

	if _, err := s.StartRender(ctx, "job1"); err != nil {
		t.Fatalf("StartRender() error = %v", err)
	}
	p := waitDone(t, s, "job1")
	if p.Status != tasks.StatusError {
		t.Errorf("progress status = %s, want error", p.Status)
	}
	if ok, _ := store.Exists(ctx, "job1", domain.Key(domain.KindRenders)); ok {
		t.Error("renders.json written with no successful render")
	}
	job, _ := s.Status(ctx, "job1")
	if job.Status != domain.JobStatusFailed {
		t.Errorf("job = %+v, want failed", job)
	}
}

func TestRenderHostedRecordsFallbackTier(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedGenerated(t, store, "job1", map[string]string{"s001": "ok", "s002": "ok"})
	hosted := &fakeHosted{failures: 1}
	s := newService(store, Deps{Hosted: hosted}, Options{RenderMode: RenderHosted})

	if _, err := s.StartRender(ctx, "job1"); err != nil {
		t.Fatalf("StartRender() error = %v", err)
	}
	waitDone(t, s, "job1")

	var rm domain.RenderManifest
	if err := artifact.ReadJSON(ctx, store, "job1", domain.Key(domain.KindRenders), &rm); err != nil {
		t.Fatalf("ReadJSON(renders) error = %v", err)
	}
	if rm.Slides[0].Tier != "middle" || rm.Slides[0].Attempts != 2 {
		t.Errorf("s001 = %+v, want middle tier after 2 attempts", rm.Slides[0])
	}
	if rm.Slides[1].Tier != "primary" {
		t.Errorf("s002 tier = %q, want primary", rm.Slides[1].Tier)
	}
	if hosted.calls != 3 {
		t.Errorf("hosted calls = %d, want 3", hosted.calls)
	}
	job, _ := s.Status(ctx, "job1")
	if job.Warning == "" {
		t.Errorf("job = %+v, want fallback warning", job)
	}
}

func TestRenderSlideUnknownUnit(t *testing.T) {
	store := newStore(t)
	seedGenerated(t, store, "job1", map[string]string{"s001": "ok", "s002": "ok"})
	s := newService(store, Deps{Renderer: &fakeRenderer{}}, Options{})

	_, err := s.RenderSlide(context.Background(), "job1", "s042")
	if !errors.Is(err, domain.ErrUnknownUnit) {
		t.Errorf("RenderSlide() error = %v, want ErrUnknownUnit", err)
	}
}

func TestNarrationAndAssembly(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedGenerated(t, store, "job1", map[string]string{"s001": "ok", "s002": "ok"})
	writeJSON(t, store, "job1", domain.Key(domain.KindRenders), domain.RenderManifest{
		ManifestRevision: revisionOf(t, store, "job1", domain.Key(domain.KindManifest)),
		Slides: []domain.RenderEntry{
			{SlideNumber: 1, ID: "s001", ClassName: "Slide001", Success: true, VideoURL: "https://render.test/1.mp4"},
			{SlideNumber: 2, ID: "s002", ClassName: "Slide002", Error: "boom"},
		},
	})
	publisher := &fakePublisher{}
	assembler := &fakeAssembler{}
	s := newService(store, Deps{TTS: fakeTTS{}, Publisher: publisher, Assembler: assembler}, Options{})

	if _, err := s.StartNarration(ctx, "job1"); err != nil {
		t.Fatalf("StartNarration() error = %v", err)
	}
	if p := waitDone(t, s, "job1"); p.Status != tasks.StatusComplete || p.Total != 1 {
		t.Fatalf("progress = %+v", p)
	}
	if len(publisher.names) != 1 || publisher.names[0] != "job1/audio/s001.mp3" {
		t.Errorf("published = %v", publisher.names)
	}
	if ok, _ := store.Exists(ctx, "job1", domain.NamedKey(domain.KindAudio, "s001")); !ok {
		t.Error("audio artifact missing")
	}

	final, err := s.Assemble(ctx, "job1")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if final.URL != "https://video.test/final.mp4" || final.Slides != 1 {
		t.Errorf("final = %+v", final)
	}
	if len(assembler.clips) != 1 || assembler.clips[0].AudioURL == "" || assembler.clips[0].DurationSeconds != 12 {
		t.Errorf("clips = %+v", assembler.clips)
	}

	restored, err := newService(store, Deps{}, Options{}).Restore(ctx, "job1")
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.VideoURL != final.URL {
		t.Errorf("restored VideoURL = %q", restored.VideoURL)
	}
	ds, _ := s.Discover(ctx)
	if !ds[0].HasNarration || !ds[0].HasFinal {
		t.Errorf("discovery = %+v", ds[0])
	}
}

func TestAdvanceRunsEveryStage(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := newService(store, Deps{
		Extractor: &fakeExtractor{text: "# Attention"},
		Planner:   &fakePlanner{raw: planJSON, stop: domain.StopComplete},
		Coder:     &fakeCoder{},
		Renderer:  &fakeRenderer{},
	}, Options{})

	job, err := s.Upload(ctx, "paper.md", []byte("# Attention"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	want := []domain.Stage{domain.StageExtracted, domain.StagePlanned, domain.StageGenerated, domain.StageRendered}
	for _, stage := range want {
		got, err := s.Advance(ctx, job.ID)
		if err != nil {
			t.Fatalf("Advance() to %s error = %v", stage, err)
		}
		if got.Stage != stage {
			t.Fatalf("Advance() stage = %s, want %s", got.Stage, stage)
		}
	}
	got, err := s.Advance(ctx, job.ID)
	if err != nil || got.Status != domain.JobStatusComplete {
		t.Errorf("Advance() past rendered = %+v, %v", got, err)
	}
}

const replanJSON = `{
  "paper_title": "Attention",
  "slides": [
    {"slide_number": 1, "title": "Overview", "visual_type": "diagram", "visual_description": "boxes", "key_points": ["c"], "voiceover_script": "A new intro", "duration_seconds": 25}
  ]
}`

func TestReplanInvalidatesGeneratedCode(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPlanned(t, store, "job1")
	planner := &fakePlanner{raw: replanJSON, stop: domain.StopComplete}
	coder := &fakeCoder{}
	s := newService(store, Deps{Planner: planner, Coder: coder}, Options{})

	if _, err := s.StartGeneration(ctx, "job1"); err != nil {
		t.Fatalf("StartGeneration() error = %v", err)
	}
	waitDone(t, s, "job1")
	if job, _ := s.Status(ctx, "job1"); job.Stage != domain.StageGenerated {
		t.Fatalf("job = %+v, want generated", job)
	}

	job, err := s.Plan(ctx, "job1")
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if job.Stage != domain.StagePlanned {
		t.Errorf("Plan() stage = %s, want planned", job.Stage)
	}
	ds, err := s.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if ds[0].Stage != domain.StagePlanned {
		t.Errorf("Discover() stage = %s, want planned", ds[0].Stage)
	}
	var pre *domain.PreconditionError
	if _, err := s.ManifestOf(ctx, "job1"); !errors.As(err, &pre) || !pre.Stale {
		t.Errorf("ManifestOf() error = %v, want stale precondition", err)
	}

	coder.generated = nil
	if _, err := s.StartGeneration(ctx, "job1"); err != nil {
		t.Fatalf("second StartGeneration() error = %v", err)
	}
	if p := waitDone(t, s, "job1"); p.Status != tasks.StatusComplete {
		t.Fatalf("progress = %+v", p)
	}
	if len(coder.generated) != 1 || coder.generated[0] != "Slide001" {
		t.Errorf("generated = %v, want Slide001 regenerated", coder.generated)
	}
	plan, err := s.PlanOf(ctx, "job1")
	if err != nil {
		t.Fatalf("PlanOf() error = %v", err)
	}
	code, _ := store.Read(ctx, "job1", domain.NamedKey(domain.KindSlideCode, "s001"))
	if codeStamp(string(code)) != plan.Slides[0].Revision() {
		t.Errorf("stored code %q was not generated from the new plan", code)
	}
	m, err := s.ManifestOf(ctx, "job1")
	if err != nil {
		t.Fatalf("ManifestOf() error = %v", err)
	}
	if len(m.Slides) != 1 || m.PlanRevision != revisionOf(t, store, "job1", domain.Key(domain.KindPlan)) {
		t.Errorf("manifest = %+v", m)
	}
	if job, _ := s.Status(ctx, "job1"); job.Stage != domain.StageGenerated {
		t.Errorf("job = %+v, want generated", job)
	}
}

func TestReextractInvalidatesPlan(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPlanned(t, store, "job1")
	s := newService(store, Deps{Extractor: &fakeExtractor{text: "# Paper, second edition"}}, Options{})

	job, err := s.Extract(ctx, "job1")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if job.Stage != domain.StageExtracted {
		t.Errorf("Extract() stage = %s, want extracted", job.Stage)
	}
	if _, err := s.StartGeneration(ctx, "job1"); !errors.Is(err, domain.ErrPrecondition) {
		t.Errorf("StartGeneration() error = %v, want precondition", err)
	}
}

func TestGenerateSlideInvalidatesRender(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedGenerated(t, store, "job1", map[string]string{"s001": "ok one", "s002": "ok two"})
	renderer := &fakeRenderer{}
	s := newService(store, Deps{Coder: &fakeCoder{}, Renderer: renderer}, Options{})

	if _, err := s.StartRender(ctx, "job1"); err != nil {
		t.Fatalf("StartRender() error = %v", err)
	}
	waitDone(t, s, "job1")
	if job, _ := s.Status(ctx, "job1"); job.Stage != domain.StageRendered {
		t.Fatalf("job = %+v, want rendered", job)
	}

	if _, err := s.GenerateSlide(ctx, "job1", "s002"); err != nil {
		t.Fatalf("GenerateSlide() error = %v", err)
	}
	if job, _ := s.Status(ctx, "job1"); job.Stage != domain.StageGenerated {
		t.Errorf("job after GenerateSlide = %+v, want generated", job)
	}
	ds, err := s.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if ds[0].Stage != domain.StageGenerated {
		t.Errorf("Discover() stage = %s, want generated", ds[0].Stage)
	}

	renderer.codes = nil
	if _, err := s.StartRender(ctx, "job1"); err != nil {
		t.Fatalf("second StartRender() error = %v", err)
	}
	waitDone(t, s, "job1")
	if len(renderer.codes) != 1 || !strings.HasSuffix(renderer.codes[0], "ok Slide002") {
		t.Errorf("rendered %q, want only the regenerated s002", renderer.codes)
	}
	if job, _ := s.Status(ctx, "job1"); job.Stage != domain.StageRendered {
		t.Errorf("job = %+v, want rendered", job)
	}
}

func TestRenderSlideInvalidatesFinalVideo(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedGenerated(t, store, "job1", map[string]string{"s001": "ok one", "s002": "ok two"})
	s := newService(store, Deps{Renderer: &fakeRenderer{}, Assembler: &fakeAssembler{}}, Options{})

	if _, err := s.StartRender(ctx, "job1"); err != nil {
		t.Fatalf("StartRender() error = %v", err)
	}
	waitDone(t, s, "job1")
	if _, err := s.Assemble(ctx, "job1"); err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	ds, _ := s.Discover(ctx)
	if !ds[0].HasFinal {
		t.Fatalf("discovery = %+v, want final video", ds[0])
	}

	write(t, store, "job1", domain.NamedKey(domain.KindSlideCode, "s001"), "ok one, edited")
	if _, err := s.RenderSlide(ctx, "job1", "s001"); err != nil {
		t.Fatalf("RenderSlide() error = %v", err)
	}
	ds, _ = s.Discover(ctx)
	if ds[0].HasFinal || ds[0].Stage != domain.StageRendered {
		t.Errorf("discovery = %+v, want rendered without a current final video", ds[0])
	}
	restored, err := newService(store, Deps{}, Options{}).Restore(ctx, "job1")
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.VideoURL != "" {
		t.Errorf("restored VideoURL = %q, want none", restored.VideoURL)
	}
}

func TestCancelledGenerationResyncsJob(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPlanned(t, store, "job1")
	coder := &fakeCoder{block: make(chan struct{})}
	s := newService(store, Deps{Coder: coder}, Options{})

	if _, err := s.StartGeneration(ctx, "job1"); err != nil {
		t.Fatalf("StartGeneration() error = %v", err)
	}
	if !s.Cancel("job1") {
		t.Fatal("Cancel() = false")
	}
	close(coder.block)
	if p := waitDone(t, s, "job1"); p.Status != tasks.StatusCancelled {
		t.Fatalf("progress = %+v, want cancelled", p)
	}

	job, err := s.Status(ctx, "job1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if job.Stage != domain.StagePlanned || job.Error != "" || !strings.Contains(job.Warning, "generate cancelled") {
		t.Errorf("job = %+v, want planned with a cancellation warning", job)
	}
	if ok, _ := store.Exists(ctx, "job1", domain.Key(domain.KindManifest)); ok {
		t.Error("manifest written by a cancelled run")
	}
}

func TestHostedRendererDown(t *testing.T) {
	store := newStore(t)
	seedGenerated(t, store, "job1", map[string]string{"s001": "ok", "s002": "ok"})
	s := newService(store, Deps{Hosted: &fakeHosted{down: true}}, Options{RenderMode: RenderHosted})

	_, err := s.StartRender(context.Background(), "job1")
	if !errors.Is(err, domain.ErrServiceUnavailable) || !strings.Contains(err.Error(), "health check failed") {
		t.Errorf("StartRender() error = %v, want failed health check", err)
	}
}
