package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/crewdeck/crewdeck/internal/ui"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync cursors, queue counts, and last sync outcome",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		eng, err := newEngine(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Store.Close()

		status, err := eng.Coordinator.GetSyncStatus(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(ui.RenderHeader("Crewdeck Status"))
		fmt.Println()

		fmt.Println(ui.RenderAccent("Sync cursors"))
		if len(status.Cursors) == 0 {
			fmt.Printf("  %s\n", ui.RenderMuted("none (never synced; run 'crew sync --full')"))
		}
		for et, cur := range status.Cursors {
			fmt.Printf("  %-8s %s %s\n", et,
				cur.CursorValue.Local().Format(time.RFC3339),
				ui.RenderMuted("(synced "+humanize(cur.LastSyncAt)+")"))
		}
		fmt.Println()

		fmt.Println(ui.RenderAccent("Offline queue"))
		fmt.Printf("  pending: %d", status.Pending)
		if status.Failed > 0 {
			fmt.Printf("   %s", ui.RenderError(fmt.Sprintf("failed: %d", status.Failed)))
		}
		fmt.Println()
		fmt.Println()

		fmt.Println(ui.RenderAccent("Last sync"))
		if status.LastResult == nil {
			fmt.Printf("  %s\n", ui.RenderMuted("none this session"))
			return
		}
		r := status.LastResult
		switch {
		case r.Error != "":
			fmt.Printf("  %s %s: %s\n", ui.RenderError("✗"), r.Status, r.Error)
		default:
			fmt.Printf("  %s %s at %s\n", ui.RenderSuccess("✓"), r.Status,
				r.Finished.Local().Format(time.Kitchen))
		}
	},
}

// humanize renders a past timestamp as a coarse relative duration.
func humanize(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
