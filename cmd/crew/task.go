package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/entity"
	"github.com/crewdeck/crewdeck/internal/engine/store"
	"github.com/crewdeck/crewdeck/internal/ui"
	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Create and inspect tasks",
}

var (
	taskAddList     string
	taskAddDue      string
	taskAddPriority int
	taskAddAssignee string
	taskAddTags     []string
)

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Long: `Create a task.

The task is written to the local cache immediately and queued for the
server, so this works offline; a later sync sends it. --due accepts
natural language ("tomorrow 5pm", "next friday") as well as RFC 3339.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		eng, err := newEngine(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Store.Close()

		task := &entity.Task{
			ID:       uuid.NewString(),
			ListID:   taskAddList,
			Title:    strings.Join(args, " "),
			Priority: taskAddPriority,
			Assignee: taskAddAssignee,
			Tags:     taskAddTags,
		}
		task.SetDefaults()

		if taskAddDue != "" {
			due, err := parseDue(taskAddDue)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			task.DueAt = &due
		}

		if err := task.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		env, err := task.Envelope()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		if _, err := eng.SubmitWrite(ctx, &env, entity.OpCreate); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Created task %s\n", ui.RenderSuccess("✓"), ui.RenderAccent(task.ID[:8]))
		if task.DueAt != nil {
			fmt.Printf("  due %s\n", task.DueAt.Local().Format("Mon Jan 2 15:04"))
		}

		// Best-effort immediate send; offline just leaves it queued.
		eng.Coordinator.PerformIncrementalSync(ctx, nil)
	},
}

var taskListFilter string

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached tasks",
	Long: `List tasks from the local cache.

Works offline; rows not yet acknowledged by the server are marked as
syncing. Run 'crew sync' first for the freshest view.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		eng, err := newEngine(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Store.Close()

		ctx := context.Background()
		var tasks []store.TaskRecord
		if taskListFilter != "" {
			tasks, err = eng.Store.GetTasksByList(ctx, taskListFilter)
		} else {
			tasks, err = eng.Store.GetTasks(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(tasks) == 0 {
			fmt.Println(ui.RenderMuted("No tasks cached; try 'crew sync'"))
			return
		}

		for i := range tasks {
			printTaskLine(&tasks[i].Task, tasks[i].Pending)
		}
	},
}

var commentsCmd = &cobra.Command{
	Use:     "comments <task-id>",
	GroupID: "tasks",
	Short:   "Show comments for a task",
	Long: `Show comments for a task.

Fetches from the server when online; falls back to the cached comments
when offline.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		eng, err := newEngine(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Store.Close()

		comments, err := eng.Coordinator.SyncTaskComments(context.Background(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(comments) == 0 {
			fmt.Println(ui.RenderMuted("No comments"))
			return
		}
		for _, rec := range comments {
			c := rec.Comment
			fmt.Printf("%s %s\n", ui.RenderAccent(c.Author),
				ui.RenderMuted(c.CreatedAt.Local().Format(time.RFC3339)))
			fmt.Printf("  %s\n", c.Body)
		}
	},
}

func printTaskLine(t *entity.Task, pending bool) {
	marker := ui.RenderMuted("·")
	switch t.Status {
	case "done":
		marker = ui.RenderSuccess("✓")
	case "in_progress":
		marker = ui.RenderAccent("▸")
	}

	line := fmt.Sprintf("%s %s %s", marker, ui.RenderMuted(t.ID[:8]), t.Title)
	if t.DueAt != nil {
		line += " " + ui.RenderWarning("due "+t.DueAt.Local().Format("Jan 2"))
	}
	if pending {
		line += " " + ui.RenderMuted("(syncing)")
	}
	fmt.Println(line)
}

// parseDue parses a due date: RFC 3339 first, then natural language.
func parseDue(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, time.Now())
	if err != nil || r == nil {
		return time.Time{}, fmt.Errorf("cannot parse due date %q", s)
	}
	return r.Time, nil
}

func init() {
	taskAddCmd.Flags().StringVarP(&taskAddList, "list", "l", "", "list id for the task")
	taskAddCmd.Flags().StringVar(&taskAddDue, "due", "", "due date (natural language or RFC 3339)")
	taskAddCmd.Flags().IntVarP(&taskAddPriority, "priority", "p", 2, "priority 0 (highest) to 4")
	taskAddCmd.Flags().StringVar(&taskAddAssignee, "assignee", "", "assignee")
	taskAddCmd.Flags().StringSliceVar(&taskAddTags, "tag", nil, "tag (repeatable)")
	taskListCmd.Flags().StringVarP(&taskListFilter, "list", "l", "", "filter by list id")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(commentsCmd)
}
