package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/thruflo/memwatch/internal/config"
	"github.com/thruflo/memwatch/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

// rootDir is the base directory holding .memwatch/.
var rootDir string

// envLookup resolves environment overrides. It can be overridden in tests.
var envLookup config.LookupFunc = os.LookupEnv

var rootCmd = &cobra.Command{
	Use:   "memwatch",
	Short: "Periodic heap diagnostics for long-running Go services",
	Long: `memwatch samples the Go heap on a fixed interval, logs the allocation
sites that grew or shrank, and stores raw heap profiles to local disk or S3.
It also records process RSS/VMS over time and summarises the recordings.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("memwatch version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&rootDir, "dir", "", "base directory containing .memwatch/ (default: current directory)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// baseDir returns --dir or the working directory.
func baseDir() (string, error) {
	if rootDir != "" {
		return rootDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return cwd, nil
}

// loadConfig resolves configuration for the base directory and applies its
// log level. A relative artifact directory is resolved against the base.
func loadConfig() (*config.Config, error) {
	base, err := baseDir()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(base, envLookup)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(level)

	if cfg.Artifacts.Dir != "" && !filepath.IsAbs(cfg.Artifacts.Dir) {
		cfg.Artifacts.Dir = filepath.Join(base, cfg.Artifacts.Dir)
	}
	return cfg, nil
}
