package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/pipeline"
)

var (
	configPath string
	debugMode  bool
	slideUnit  string
)

var rootCmd = &cobra.Command{
	Use:           "papercast",
	Short:         "Operate paper-to-video jobs from the artifact store",
	Long:          `Inspect and advance papercast jobs directly against the configured artifact store, without the API server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "warn"
		if debugMode {
			level = "debug"
		}
		logger.SetDefaultLogger(logger.New(&logger.Config{
			Level:       level,
			Format:      "text",
			Output:      os.Stderr,
			ServiceName: "papercast-cli",
		}))
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Create a job from a source document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Service) (any, error) {
			return p.Upload(ctx, filepath.Base(args[0]), data)
		})
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List every job and the furthest stage its artifacts prove",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Service) (any, error) {
			return p.Discover(ctx)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job rebuilt from its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Service) (any, error) {
			return p.Restore(ctx, args[0])
		})
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <job-id>",
	Short: "Run the next stage of a job and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Service) (any, error) {
			return p.Advance(ctx, args[0])
		})
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <job-id>",
	Short: "Generate scene code for every slide, or one slide with --slide",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Service) (any, error) {
			if slideUnit != "" {
				return p.GenerateSlide(ctx, args[0], slideUnit)
			}
			return wait(ctx, p, args[0], p.StartGeneration)
		})
	},
}

var renderCmd = &cobra.Command{
	Use:   "render <job-id>",
	Short: "Render every slide, or one slide with --slide",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Service) (any, error) {
			if slideUnit != "" {
				return p.RenderSlide(ctx, args[0], slideUnit)
			}
			return wait(ctx, p, args[0], p.StartRender)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	generateCmd.Flags().StringVar(&slideUnit, "slide", "", "Only this slide (e.g. s003)")
	renderCmd.Flags().StringVar(&slideUnit, "slide", "", "Only this slide (e.g. s003)")

	rootCmd.AddCommand(uploadCmd, discoverCmd, statusCmd, advanceCmd, generateCmd, renderCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
