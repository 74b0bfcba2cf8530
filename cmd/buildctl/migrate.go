package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundryci/buildctl/pkg/log"
	"github.com/foundryci/buildctl/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bootstrap the Metadata Store's bucket schema",
	Long: `Opens the bolt database at --data-dir, creating any bucket the
current schema requires but does not yet have. Safe to run against an
already-bootstrapped database: every bucket creation is idempotent.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("data-dir", "./buildctl-data", "Metadata Store (bolt) data directory")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	logger := log.WithComponent("migrate")

	logger.Info().Str("data_dir", dataDir).Msg("opening metadata store")

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer store.Close()

	logger.Info().Msg("✓ schema up to date")
	return nil
}
