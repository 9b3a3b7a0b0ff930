package main

import (
	"context"
	"fmt"
	"os"

	"github.com/crewdeck/crewdeck/internal/engine/coordinator"
	"github.com/crewdeck/crewdeck/internal/ui"
	"github.com/spf13/cobra"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile the local cache with the server",
	Long: `Reconcile the local cache with the server.

Queued offline writes are replayed first, then changed entities (and
tombstones for deleted ones) are fetched since the last sync cursor and
merged. With --full the cache contents are replaced wholesale and the
cursors reinitialized.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		eng, err := newEngine(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Store.Close()

		ctx := context.Background()
		var result *coordinator.SyncResult
		if syncFull {
			result = eng.Coordinator.PerformFullSync(ctx)
		} else {
			result = eng.Coordinator.PerformIncrementalSync(ctx, nil)
		}

		printSyncResult(result)
		if result.Status == coordinator.StatusError {
			os.Exit(1)
		}
	},
}

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "sync",
	Short:   "Clear sync cursors and cached entities",
	Long: `Clear all sync cursors and cached entities.

Queued offline writes are preserved. Use after switching accounts or when
the cache is suspected to be corrupt; the next sync rebuilds everything
from the server.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		eng, err := newEngine(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Store.Close()

		if err := eng.Coordinator.ResetSyncCursors(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Sync state cleared; run 'crew sync --full' to repopulate\n",
			ui.RenderSuccess("✓"))
	},
}

func printSyncResult(result *coordinator.SyncResult) {
	switch result.Status {
	case coordinator.StatusIdle:
		fmt.Printf("%s Another sync is already in flight\n", ui.RenderMuted("○"))
		return
	case coordinator.StatusError:
		fmt.Printf("%s Sync failed: %s\n", ui.RenderError("✗"), result.Error)
	case coordinator.StatusPartial:
		fmt.Printf("%s Sync partially succeeded\n", ui.RenderWarning("⚠"))
	default:
		fmt.Printf("%s Sync complete\n", ui.RenderSuccess("✓"))
	}

	if result.MutationsSent > 0 {
		fmt.Printf("  %d queued writes sent\n", result.MutationsSent)
	}
	for et, n := range result.EntitiesUpdated {
		fmt.Printf("  %ss: %d updated\n", et, n)
	}
	for et, msg := range result.TypeErrors {
		fmt.Printf("  %s %ss: %s\n", ui.RenderError("✗"), et, msg)
	}
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "replace cache contents instead of merging deltas")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resetCmd)
}
