package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"icdgraph/internal/config"
	"icdgraph/internal/errors"
	"icdgraph/internal/slogutil"
	"icdgraph/internal/version"
)

var (
	// configPath is the --config flag; empty means ./icdgraph.toml if present
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "icdgraph",
	Short: "Crawl and analyze the ICD-11 Foundation graph",
	Long: `icdgraph crawls the ICD-11 Foundation entity API breadth-first into a graph
snapshot and computes structural metrics over it: descendant counts, heights,
shortest and longest root distances, and exact root-path counts.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("icdgraph version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./icdgraph.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, quiet (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: human or json (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also append logs to this file")
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, errors.NewError(errors.ConfigInvalid, "failed to load configuration", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if logFile != "" {
		cfg.Logging.File = logFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ConfigInvalid, "invalid configuration", err)
	}
	return cfg, nil
}

// newLogger builds the stderr logger for cfg, teeing into the configured log
// file. The returned close function must be called before exit.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level := slogutil.LevelFromString(cfg.Logging.Level)
	logger := slogutil.New(os.Stderr, cfg.Logging.Format, level)
	if cfg.Logging.File == "" {
		return logger, func() {}, nil
	}

	fileHandler, f, err := slogutil.NewFileHandler(cfg.Logging.File, level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	tee := slog.New(slogutil.NewTeeHandler(logger.Handler(), fileHandler))
	return tee, func() { _ = f.Close() }, nil
}

// newContext creates a context cancelled by SIGINT or SIGTERM.
func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// setup is the common prelude of every command that does work.
func setup() (*config.Config, *slog.Logger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
