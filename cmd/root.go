package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/herdsync/herdsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "herdsync",
	Short: "Voice-note to farm-record pipeline",
	Long:  "Accepts farm voice notes, transcribes them, extracts structured records via Claude, validates against per-tenant schema mappings, and syncs to Dynamics.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
