package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/telemetry"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "scribed",
	Short:         "Real-time speech transcription over WebSocket",
	Long:          `scribed accepts streamed PCM audio over WebSocket, returns partial and final transcripts, and stores completed sessions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the transcription server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (environment only when empty)")
	rootCmd.AddCommand(serveCmd, versionCmd, sessionsCmd, pruneCmd, streamCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, telemetry.NewLogger(cfg.Telemetry), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rt := runtime.New(cfg, logger, version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
