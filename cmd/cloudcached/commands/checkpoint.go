package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/cloudcached/pkg/config"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Force an out-of-band checkpoint",
	Long: `Open the mount, run the seven-step atomic checkpoint algorithm once
(take the put barrier, sync slog, submit dirty entries, backend sync,
flush bitmaps, advance transaction id, reopen bitmaps), and exit.

Like "status", this must not run concurrently with a live "cloudcached
start" process.`,
	RunE: runCheckpoint,
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	comps, err := config.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("open mount state: %w", err)
	}
	defer comps.Close()

	transID, err := comps.Volume.Checkpoint(cmd.Context(), true)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	fmt.Printf("Checkpoint complete. New transaction id: %d\n", transID)
	return nil
}
