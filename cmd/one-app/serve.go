package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	oneapp "github.com/americanexpress/one-app-sub001"
	"github.com/americanexpress/one-app-sub001/config"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
)

// newLogger creates a JSON logger for CLI use.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// serveCmd starts the One App server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Start the One App server.

The server will:
  - Load configuration from the specified YAML file
  - Load the content map and keep it up to date
  - Serve pages, static assets, health and metrics on the configured port

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  one-app serve -c one-app.yaml
  one-app serve --config /etc/one-app/one-app.yaml --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	serveCmd.Flags().Bool("debug", false, "log at debug level")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	logger := newLogger(debug)

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("config loaded",
		"root_module", cfg.RootModule,
		"default_modules", len(cfg.DefaultModules),
		"content_map", contentMapLocation(cfg),
	)

	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}
	opts = append(opts, oneapp.WithLogger(logger))

	app, err := oneapp.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// start server - blocks until context cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start(ctx)
	}()

	select {
	case err := <-errChan:
		return finishServe(logger, err)
	case <-ctx.Done():
	}

	// signal received, give Start a bounded time to drain
	select {
	case err := <-errChan:
		return finishServe(logger, err)
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out",
			"timeout", shutdownTimeout.String(),
			"action", "forcing exit",
		)
		return nil
	}
}

func finishServe(logger *slog.Logger, err error) error {
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func contentMapLocation(cfg *config.Config) string {
	if cfg.ContentMap.File != "" {
		return cfg.ContentMap.File
	}
	return cfg.ContentMap.URL
}
