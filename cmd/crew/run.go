package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crewdeck/crewdeck/internal/ui"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The engine keeps a live push connection to the server, applies incoming
changes to the local cache, replays queued offline writes, and performs
periodic incremental syncs. Sibling crew processes on this machine are
notified of cache changes and do not need their own connections.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		eng, err := newEngine(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
			os.Exit(1)
		}

		// Catch up immediately rather than waiting for the first tick.
		go eng.Coordinator.PerformIncrementalSync(ctx, nil)

		fmt.Printf("%s Sync engine running (Ctrl-C to stop)\n", ui.RenderAccent("●"))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		fmt.Println("\nShutting down...")
		if err := eng.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
