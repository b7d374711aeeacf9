package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/herdsync/herdsync/internal/model"
	"github.com/herdsync/herdsync/internal/store"
)

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Inspect recordings",
}

var (
	recordingsTenant string
	recordingsStatus string
	recordingsLimit  int
)

var recordingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recordings, optionally filtered by tenant or status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recs, err := st.ListRecordings(cmd.Context(), store.RecordingFilter{
			TenantID: recordingsTenant,
			Status:   model.RecordingStatus(recordingsStatus),
			Limit:    recordingsLimit,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	},
}

var recordingsGetCmd = &cobra.Command{
	Use:   "get <recording-id>",
	Short: "Show one recording with its artifacts and last error",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetRecording(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		return printRecording(rec)
	},
}

func init() {
	recordingsListCmd.Flags().StringVar(&recordingsTenant, "tenant", "", "filter by tenant id")
	recordingsListCmd.Flags().StringVar(&recordingsStatus, "status", "", "filter by status")
	recordingsListCmd.Flags().IntVar(&recordingsLimit, "limit", 50, "max results")

	recordingsCmd.AddCommand(recordingsListCmd)
	recordingsCmd.AddCommand(recordingsGetCmd)
	rootCmd.AddCommand(recordingsCmd)
}
