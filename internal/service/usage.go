package service

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
)

// UsageRecorder persists one paid collaborator call.
type UsageRecorder interface {
	Record(ctx context.Context, rec *domain.UsageRecord) error
}

// usageTracker records calls against the job and slide carried by ctx.
// A nil recorder disables tracking.
type usageTracker struct {
	recorder UsageRecorder
	service  string
}

func newUsageTracker(recorder UsageRecorder, service string) usageTracker {
	return usageTracker{recorder: recorder, service: service}
}

// call is one in-flight collaborator call.
type call struct {
	tracker   usageTracker
	operation string
	start     time.Time
	input     int
	output    int
}

func (t usageTracker) begin(operation string) *call {
	return &call{tracker: t, operation: operation, start: time.Now()}
}

// tokens attaches token counts reported by an LLM response.
func (c *call) tokens(input, output int) {
	c.input = input
	c.output = output
}

// end records the call. Ledger failures are logged and never fail the call.
func (c *call) end(ctx context.Context, err error) {
	if c.tracker.recorder == nil {
		return
	}
	rec := &domain.UsageRecord{
		JobID:        logger.GetJobID(ctx),
		Unit:         logger.GetSlide(ctx),
		Service:      c.tracker.service,
		Operation:    c.operation,
		Success:      err == nil,
		DurationMs:   time.Since(c.start).Milliseconds(),
		InputTokens:  c.input,
		OutputTokens: c.output,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if recErr := c.tracker.recorder.Record(context.WithoutCancel(ctx), rec); recErr != nil {
		logger.With(logger.Fields{logger.FieldCollaborator: c.tracker.service}).Warn(ctx, "Failed to record usage: %v", recErr)
	}
}

// failure turns an unsuccessful result message into an error for end.
func failure(ok bool, msg string) error {
	if ok {
		return nil
	}
	return errors.New(msg)
}

// truncate shortens s to at most n bytes for error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
