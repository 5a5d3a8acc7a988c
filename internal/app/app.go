// Package app wires configuration into a ready pipeline service. The API
// server and the operator CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/papercast/internal/artifact"
	"github.com/timmy/papercast/internal/config"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/observability"
	"github.com/timmy/papercast/internal/pipeline"
	"github.com/timmy/papercast/internal/repository"
	"github.com/timmy/papercast/internal/service"
	"github.com/timmy/papercast/internal/storage"
	"github.com/timmy/papercast/internal/validator"
)

// App holds the wired pipeline and the resources to release on exit.
type App struct {
	Config   *config.Config
	Pipeline *pipeline.Service

	closers []func(context.Context) error
}

// New builds every collaborator named by cfg.
// Parameters:
//   - ctx: context for startup calls such as bucket checks.
//   - cfg: loaded configuration.
//   - serviceName: name reported in traces.
//
// Returns:
//   - *App: wired application.
//   - error: non-nil when a required backend cannot be initialized.
func New(ctx context.Context, cfg *config.Config, serviceName string) (*App, error) {
	a := &App{Config: cfg}

	shutdown, err := observability.InitTracing(ctx, serviceName, observability.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, func(context.Context) error { return sqlDB.Close() })
	}
	usage := repository.NewUsageRepository(db)

	var objects *storage.S3Storage
	if cfg.Storage.Enabled() {
		objects, err = storage.NewStorage(&storage.S3Config{
			Type:      storage.StorageType(cfg.Storage.Type),
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			PublicURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		if cfg.Storage.EnsureBucket {
			if err := objects.EnsureBucket(ctx); err != nil {
				return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
			}
		}
	}

	store, err := newStore(cfg, objects)
	if err != nil {
		return nil, err
	}

	llm := service.NewLLMClient(&service.LLMConfig{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.LLM.Timeout,
	}, usage)

	var opts []validator.Option
	if cfg.Pipeline.RuntimeCheck {
		if rc := validator.NewRuntimeChecker(cfg.Pipeline.PythonPath, cfg.Pipeline.RuntimeTimeout); rc != nil {
			opts = append(opts, validator.WithRuntimeCheck(rc))
		}
	}

	deps := pipeline.Deps{
		Store:   store,
		Checker: validator.New(opts...),
		Extractor: service.NewExtractor(&service.ExtractionConfig{
			APIKey:    cfg.Extraction.APIKey,
			BaseURL:   cfg.Extraction.BaseURL,
			Model:     cfg.Extraction.Model,
			MaxTokens: cfg.Extraction.MaxTokens,
			Timeout:   cfg.Extraction.Timeout,
		}, usage),
		Planner: service.NewPlanner(llm, &service.PlannerConfig{
			Model:         cfg.LLM.PlanModel,
			MaxTokens:     cfg.LLM.MaxTokens,
			MaxInputChars: cfg.LLM.PlanInputChars,
		}),
		Coder: service.NewCodeGenerator(llm, &service.CodeGenConfig{
			Model:     cfg.LLM.CodeModel,
			MaxTokens: cfg.LLM.MaxTokens,
		}),
		Renderer: service.NewRenderClient(&service.RenderConfig{
			APIURL:          cfg.Render.APIURL,
			Timeout:         cfg.Render.Timeout,
			BreakerFailures: cfg.Render.BreakerFailures,
			BreakerCooldown: cfg.Render.BreakerCooldown,
		}, usage),
		Hosted: service.NewKodiscClient(&service.KodiscConfig{
			APIKey:      cfg.Kodisc.APIKey,
			BaseURL:     cfg.Kodisc.BaseURL,
			Timeout:     cfg.Kodisc.Timeout,
			AspectRatio: cfg.Kodisc.AspectRatio,
			FPS:         cfg.Kodisc.FPS,
		}, usage),
		TTS: service.NewTTSClient(&service.TTSConfig{
			APIKey:  cfg.TTS.APIKey,
			BaseURL: cfg.TTS.BaseURL,
			VoiceID: cfg.TTS.VoiceID,
			ModelID: cfg.TTS.ModelID,
			Timeout: cfg.TTS.Timeout,
		}, usage),
		Assembler: service.NewAssembler(&service.AssemblyConfig{
			APIKey:       cfg.Assembly.APIKey,
			Env:          cfg.Assembly.Env,
			PollInterval: cfg.Assembly.PollInterval,
			MaxPolls:     cfg.Assembly.MaxPolls,
		}, usage),
		Usage: usage,
	}
	if objects != nil {
		deps.Publisher = storage.NewPublisher(objects, cfg.Storage.MediaPrefix)
	} else {
		logger.Warn("Object storage not configured; narration publishing is disabled")
	}

	a.Pipeline = pipeline.New(deps, pipeline.Options{
		MaxRepairAttempts: cfg.Pipeline.MaxRepairAttempts,
		RenderMode:        cfg.Render.Mode,
		RenderAttempts:    cfg.Render.MaxAttempts,
		RenderDelay:       cfg.Render.Delay,
	})

	logger.With(logger.Fields{
		"artifacts":   cfg.Artifacts.Backend,
		"render_mode": cfg.Render.Mode,
		"llm":         cfg.LLM.Provider,
	}).Info(ctx, "Pipeline wired")
	return a, nil
}

// newStore selects the artifact backend.
func newStore(cfg *config.Config, objects *storage.S3Storage) (artifact.Store, error) {
	switch cfg.Artifacts.Backend {
	case "s3":
		if objects == nil {
			return nil, errors.New("artifacts: the s3 backend requires object storage")
		}
		return artifact.NewObjectStore(objects, cfg.Artifacts.Prefix), nil
	default:
		return artifact.NewFSStore(cfg.Artifacts.Root)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
