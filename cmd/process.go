package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/herdsync/herdsync/internal/model"
)

var processCmd = &cobra.Command{
	Use:   "process <recording-id>",
	Short: "Drive one recording through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Pipeline.Process(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		return printRecording(rec)
	},
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <recording-id>",
	Short: "Reset a finished recording and run it through the pipeline again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Pipeline.Reprocess(cmd.Context(), args[0]); err != nil {
			return err
		}

		rec, err := env.Pipeline.Process(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		return printRecording(rec)
	},
}

func printRecording(rec *model.Recording) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func init() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(reprocessCmd)
}
