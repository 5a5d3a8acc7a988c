package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/timmy/papercast/internal/app"
	"github.com/timmy/papercast/internal/config"
	"github.com/timmy/papercast/internal/pipeline"
	"github.com/timmy/papercast/internal/tasks"
)

// withPipeline loads the configuration, wires the pipeline, runs fn and
// prints its result as JSON.
func withPipeline(ctx context.Context, fn func(context.Context, *pipeline.Service) (any, error)) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	application, err := app.New(ctx, cfg, "papercast-cli")
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	out, err := fn(ctx, application.Pipeline)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// wait starts a background run and blocks until it ends. Interrupting the
// CLI cancels the run before its next item.
func wait(ctx context.Context, p *pipeline.Service, jobID string, start func(context.Context, string) (tasks.Progress, error)) (any, error) {
	if _, err := start(ctx, jobID); err != nil {
		return nil, err
	}
	select {
	case <-p.Tasks().Done(jobID):
	case <-ctx.Done():
		p.Cancel(jobID)
		p.Tasks().Wait(jobID)
	}
	progress, _ := p.Progress(jobID)
	switch progress.Status {
	case tasks.StatusError:
		return progress, errors.New(progress.Error)
	case tasks.StatusCancelled:
		return progress, fmt.Errorf("job %s %s was cancelled", jobID, progress.Name)
	}
	return progress, nil
}
