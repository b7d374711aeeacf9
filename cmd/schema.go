package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/herdsync/herdsync/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage schema mappings",
}

var schemaLoadCmd = &cobra.Command{
	Use:   "load <seed.yaml>",
	Short: "Load schema mappings from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mappings, err := schema.LoadFile(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for i := range mappings {
			if err := st.UpsertSchemaMapping(cmd.Context(), &mappings[i]); err != nil {
				return err
			}
			zap.L().Info("schema mapping loaded",
				zap.String("tenant_id", mappings[i].TenantID),
				zap.String("entity_type", mappings[i].EntityType),
				zap.Int("fields", len(mappings[i].Fields)))
		}

		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		zap.L().Info("migrations applied")
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaLoadCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(migrateCmd)
}
