package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mindcache/mindcache/internal/logging"
	"github.com/mindcache/mindcache/internal/mindcache"
	"github.com/mindcache/mindcache/internal/store"
	"github.com/mindcache/mindcache/pkg/config"
)

// Exit codes (§6).
const (
	exitOK         = 0
	exitInternal   = 1
	exitInvalidArg = 2
	exitNotFound   = 3
	exitConflict   = 4
	exitIO         = 5
	exitTimeout    = 6
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "mindcache",
	Short:         "A persistent, per-user memory store for AI agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config.yaml (default: ./config.yaml, ~/.mindcache/config.yaml)")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeFor(err)
	}
	return exitOK
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		os.Setenv("MINDCACHE_CONFIG", cfgFile)
	}
	return config.Load()
}

// withCoordinator loads config, builds a Coordinator, runs fn, then always
// stops the Coordinator — the shape every subcommand's RunE follows.
func withCoordinator(fn func(*mindcache.Coordinator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	coord, err := mindcache.New(cfg, nil)
	if err != nil {
		return err
	}
	defer coord.Stop()

	return fn(coord)
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, store.ErrTooLarge):
		return exitInvalidArg
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrSessionEmpty):
		return exitNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrForbidden):
		return exitConflict
	case errors.Is(err, store.ErrIO):
		return exitIO
	case errors.Is(err, store.ErrTimeout):
		return exitTimeout
	default:
		return exitInternal
	}
}
