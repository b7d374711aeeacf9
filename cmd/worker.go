package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerInterval time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process pending recordings on an interval",
	Long:  "Sweeps for recordings that have not reached a terminal state and drives them through the pipeline, including recordings stranded mid-step by a crash.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("worker started", zap.Duration("interval", workerInterval))

		ticker := time.NewTicker(workerInterval)
		defer ticker.Stop()

		for {
			if err := env.Pipeline.ProcessPending(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				zap.L().Error("worker sweep failed", zap.Error(err))
			}

			select {
			case <-ctx.Done():
				zap.L().Info("worker stopping")
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	workerCmd.Flags().DurationVar(&workerInterval, "interval", 30*time.Second, "sweep interval")
	rootCmd.AddCommand(workerCmd)
}
