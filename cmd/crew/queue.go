package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/crewdeck/crewdeck/internal/ui"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect the offline mutation queue",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		eng, err := newEngine(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Store.Close()

		ctx := context.Background()
		pending, err := eng.Queue.Pending(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		failed, err := eng.Queue.Failed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(pending) == 0 && len(failed) == 0 {
			fmt.Printf("%s Queue empty, all writes acknowledged\n", ui.RenderSuccess("✓"))
			return
		}

		for _, m := range pending {
			fmt.Printf("%s %s %s %s %s\n", ui.RenderWarning("○"),
				m.Op, m.EntityType, m.EntityID,
				ui.RenderMuted(m.CreatedAt.Local().Format(time.RFC3339)))
		}
		for _, m := range failed {
			fmt.Printf("%s %s %s %s %s\n", ui.RenderError("✗"),
				m.Op, m.EntityType, m.EntityID,
				ui.RenderMuted(fmt.Sprintf("failed after %d attempts", m.RetryCount)))
		}
		if len(failed) > 0 {
			fmt.Printf("\n%s\n", ui.RenderMuted("'crew queue retry' to requeue failed writes, 'crew queue discard' to drop them"))
		}
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue failed writes with a fresh retry budget",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		eng, err := newEngine(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Store.Close()

		n, err := eng.Queue.RetryFailed(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %d writes requeued; run 'crew sync' to send them\n", ui.RenderSuccess("✓"), n)
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Permanently drop failed writes",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		eng, err := newEngine(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Store.Close()

		n, err := eng.Queue.DiscardFailed(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %d failed writes discarded\n", ui.RenderSuccess("✓"), n)
	},
}

func init() {
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}
