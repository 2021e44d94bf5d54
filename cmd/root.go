package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lemonforge/runsched/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "runsched",
	Short: "Session-scheduled engine runner and chat gateway",
}

func init() {
	home, _ := os.UserHomeDir()
	defaultPath := filepath.Join(home, ".runsched", "config.json5")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultPath, "path to config.json5")
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads cfgPath, falling back to in-memory defaults when it
// doesn't exist yet or fails to load. Nothing is written to disk.
func loadConfig() *config.Config {
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		slog.Warn("config file not found, using defaults", "path", cfgPath)
		return config.Default()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config, using defaults", "path", cfgPath, "error", err)
		return config.Default()
	}
	return cfg
}
