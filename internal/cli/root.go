// Package cli provides the command-line interface for changebell.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changebell/internal/config"
	"github.com/ppiankov/changebell/internal/logging"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var (
	configDir string
	logLevel  string

	// Overridable in tests.
	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:           "changebell",
	Short:         "Desktop notifications for new changelog releases and blog posts",
	Long:          "changebell polls a GitHub changelog and RSS/Atom feeds on an interval and raises a desktop notification when something new appears.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Fprintf(stdout, "changebell %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "directory holding config.yaml and the database")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "changebell")
	}
	return ".changebell"
}

// loadConfig returns a usable configuration and a logger built from it. A
// broken config file falls back to defaults with a warning.
func loadConfig() (*config.Config, logging.Logger, error) {
	cfg, err := config.LoadOrDefault(configDir)
	var cfgErr *config.ConfigError
	if err != nil && !errors.As(err, &cfgErr) {
		return nil, logging.Logger{}, err
	}

	log := newLogger(cfg)
	if cfgErr != nil {
		log.Warn("config unusable; running with defaults", logging.String("path", cfgErr.Path), logging.Err(cfgErr.Err))
	}
	return cfg, log, nil
}

func newLogger(cfg *config.Config) logging.Logger {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	return logging.New(logging.Options{Level: level, Format: cfg.Log.Format})
}
