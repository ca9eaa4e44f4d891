// Package cmd holds the stashd command tree.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"voxelstash.ai/internal/stash/config"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "stashd",
	Short: "Proximity storage aggregation engine",
	Long: `stashd aggregates item counts over every storage source near an actor,
removes items closest-first, and relays position locks between peers.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (defaults plus STASH_* environment when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
}

// loadConfig reads --config, or starts from defaults when none is given.
// STASH_* variables override either way.
func loadConfig() (config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	c := config.Defaults()
	if err := config.ApplyEnv(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func newLogger(w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(logLevel))); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
