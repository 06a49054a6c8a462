package cmd

import (
	"errors"
	"fmt"
	"os"

	"parley/pkg/config"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Multi-turn chat bot for Telegram, Matrix and the terminal",
	Long:  "Parley runs stateful command conversations on chat platforms: quizzes, notes, an assistant and more.",
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: PARLEY_CONFIG, ./config.json, ./config/config.json)")
}

// loadConfig reads the --config file or the usual search path. With
// allowMissing, a missing file falls back to the defaults.
func loadConfig(allowMissing bool) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}

	cfg, err := config.LoadConfig()
	if err == nil {
		return cfg, nil
	}
	if allowMissing && errors.Is(err, config.ErrConfigNotFound) {
		return config.Default(), nil
	}

	return nil, fmt.Errorf("load config: %w", err)
}
