// Package tasks runs multi-item pipeline stages in the background with live
// progress and cooperative, item-granular cancellation.
package tasks

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
)

// Status is the lifecycle state of a background run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Item is one unit of work.
type Item struct {
	ID    string
	Title string
}

// Result is the recorded outcome of one item.
type Result struct {
	Unit     string `json:"unit"`
	Title    string `json:"title"`
	Success  bool   `json:"success"`
	Location string `json:"location,omitempty"`
	Tier     string `json:"tier,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EachFunc processes one item. A failure is reported in the Result and never
// aborts the run.
type EachFunc func(ctx context.Context, item Item) Result

// FinishFunc runs once after every item completed. A cancel that arrives
// while the last item runs does not skip it.
type FinishFunc func(ctx context.Context, results []Result) error

// CancelledFunc observes a run that stopped early on Cancel. It runs before
// the run's Done channel closes.
type CancelledFunc func(ctx context.Context, p Progress)

// Progress is a point-in-time snapshot of a run.
type Progress struct {
	JobID      string     `json:"job_id"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Current    string     `json:"current,omitempty"`
	Percent    int        `json:"percent"`
	Results    []Result   `json:"results"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type task struct {
	progress  Progress
	cancelled bool
	done      chan struct{}
}

// Manager tracks at most one running task per job. Task records outlive
// their run so progress stays readable until the next run for the job.
type Manager struct {
	mu          sync.Mutex
	tasks       map[string]*task
	onCancelled CancelledFunc
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{tasks: make(map[string]*task)}
}

// OnCancelled registers fn to observe runs that end cancelled.
func (m *Manager) OnCancelled(fn CancelledFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCancelled = fn
}

// Start schedules each over items and returns immediately. When a run for
// jobID is already running it returns that run's progress and
// domain.ErrAlreadyRunning. The run does not inherit ctx cancellation.
func (m *Manager) Start(ctx context.Context, jobID, name string, items []Item, each EachFunc, finish FinishFunc) (Progress, error) {
	m.mu.Lock()
	if t, ok := m.tasks[jobID]; ok && t.progress.Status == StatusRunning {
		p := t.snapshot()
		m.mu.Unlock()
		return p, fmt.Errorf("job %s %s: %w", jobID, t.progress.Name, domain.ErrAlreadyRunning)
	}
	t := &task{
		progress: Progress{
			JobID:     jobID,
			Name:      name,
			Status:    StatusRunning,
			Total:     len(items),
			Results:   make([]Result, 0, len(items)),
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	m.tasks[jobID] = t
	p := t.snapshot()
	m.mu.Unlock()

	runCtx := logger.SetComponent(logger.SetJobID(context.WithoutCancel(ctx), jobID), "tasks")
	go m.run(runCtx, t, items, each, finish)
	return p, nil
}

func (m *Manager) run(ctx context.Context, t *task, items []Item, each EachFunc, finish FinishFunc) {
	defer close(t.done)

	ctx, span := observability.StartSpan(ctx, "tasks.run",
		attribute.String("job_id", t.progress.JobID),
		attribute.String("name", t.progress.Name),
		attribute.Int("total", len(items)),
	)
	start := time.Now()
	logger.With(logger.Fields{logger.FieldCount: len(items)}).Info(ctx, "Background %s started", t.progress.Name)

	for _, item := range items {
		m.mu.Lock()
		if t.cancelled {
			m.finishLocked(t, StatusCancelled, "")
			p, hook := t.snapshot(), m.onCancelled
			m.mu.Unlock()
			logger.With(logger.Fields{
				logger.FieldCount:      p.Completed,
				logger.FieldDurationMs: time.Since(start).Milliseconds(),
			}).Info(ctx, "Background run cancelled")
			if hook != nil {
				hook(ctx, p)
			}
			observability.EndSpan(span, nil)
			return
		}
		t.progress.Current = item.ID
		m.mu.Unlock()

		res := runItem(logger.SetSlide(ctx, item.ID), each, item)

		m.mu.Lock()
		t.progress.Results = append(t.progress.Results, res)
		t.progress.Completed++
		t.progress.Percent = percent(t.progress.Completed, t.progress.Total)
		m.mu.Unlock()
	}

	m.mu.Lock()
	results := append([]Result(nil), t.progress.Results...)
	m.mu.Unlock()

	var err error
	if finish != nil {
		err = runFinish(ctx, finish, results)
	}

	m.mu.Lock()
	if err != nil {
		m.finishLocked(t, StatusError, err.Error())
	} else {
		m.finishLocked(t, StatusComplete, "")
	}
	m.mu.Unlock()

	entry := logger.With(logger.Fields{
		logger.FieldCount:      len(results),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.Error(ctx, "Background run failed: %v", err)
	} else {
		entry.Info(ctx, "Background run complete")
	}
	observability.EndSpan(span, err)
}

func (m *Manager) finishLocked(t *task, status Status, errText string) {
	now := time.Now()
	t.progress.Status = status
	t.progress.Error = errText
	t.progress.Current = ""
	t.progress.FinishedAt = &now
}

// runItem calls each and turns a panic into a failed result.
func runItem(ctx context.Context, each EachFunc, item Item) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.CtxError(ctx, "Item panicked: %v", r)
			res = Result{Unit: item.ID, Title: item.Title, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	res = each(ctx, item)
	if res.Unit == "" {
		res.Unit = item.ID
	}
	if res.Title == "" {
		res.Title = item.Title
	}
	return res
}

func runFinish(ctx context.Context, finish FinishFunc, results []Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return finish(ctx, results)
}

// Progress returns a snapshot of the latest run for jobID.
func (m *Manager) Progress(jobID string) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[jobID]
	if !ok {
		return Progress{}, false
	}
	return t.snapshot(), true
}

// Cancel asks the running task for jobID to stop before its next item. It
// returns false when nothing is running.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[jobID]
	if !ok || t.progress.Status != StatusRunning {
		return false
	}
	t.cancelled = true
	return true
}

// Running reports whether a task for jobID is running.
func (m *Manager) Running(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[jobID]
	return ok && t.progress.Status == StatusRunning
}

// Done returns a channel closed when the latest run for jobID ends, or nil
// when there is none.
func (m *Manager) Done(jobID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[jobID]; ok {
		return t.done
	}
	return nil
}

// Wait blocks until the latest run for jobID ends.
func (m *Manager) Wait(jobID string) {
	if done := m.Done(jobID); done != nil {
		<-done
	}
}

func (t *task) snapshot() Progress {
	p := t.progress
	p.Results = append(make([]Result, 0, len(t.progress.Results)), t.progress.Results...)
	if t.progress.FinishedAt != nil {
		finished := *t.progress.FinishedAt
		p.FinishedAt = &finished
	}
	return p
}

func percent(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(completed) * 100 / float64(total)))
}
