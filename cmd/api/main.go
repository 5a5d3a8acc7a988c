package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/papercast/internal/api"
	"github.com/timmy/papercast/internal/app"
	"github.com/timmy/papercast/internal/config"
	"github.com/timmy/papercast/internal/logger"
)

func main() {
	// Initialize logger from environment (LOG_LEVEL, LOG_FILE, ...)
	appLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, "papercast-api")
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}

	// Rebuild the job cache from the artifact store
	restored, err := application.Pipeline.RestoreAll(ctx)
	if err != nil {
		appLogger.WithError(err).Warn("Failed to restore jobs")
	}
	appLogger.WithField(logger.FieldCount, restored).Info("Jobs restored from artifact store")

	router := api.SetupRouter(application.Pipeline, &cfg.Server, appLogger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := application.Close(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Failed to release resources")
	}

	appLogger.Info("Server exited")
}
