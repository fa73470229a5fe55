package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

var (
	tasksPath   string
	tasksStatus string
	tasksLimit  int
	tasksLogs   int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks [task-id]",
	Short: "List or inspect indexing tasks",
	Long: `List recent indexing tasks or inspect a specific task by ID.

Examples:
  gocontext tasks                    # List recent tasks
  gocontext tasks --status RUNNING   # Only running tasks
  gocontext tasks 5f0c...            # Show details and log for one task`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTasks,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cancellation of a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := application.tasks.RequestCancellation(cmd.Context(), args[0])
		if errors.Is(err, storage.ErrTaskNotActive) {
			return fmt.Errorf("task %s already finished", args[0])
		}
		if err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for task %s\n", args[0])
		return nil
	},
}

func init() {
	tasksCmd.Flags().StringVarP(&tasksPath, "path", "p", "", "only tasks of the source at this path")
	tasksCmd.Flags().StringVarP(&tasksStatus, "status", "s", "", "only tasks in this status")
	tasksCmd.Flags().IntVarP(&tasksLimit, "limit", "n", 20, "maximum number of tasks")
	tasksCmd.Flags().IntVar(&tasksLogs, "logs", 50, "log lines to show for a single task")
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// If task ID provided, show that specific task
	if len(args) == 1 {
		return showTask(ctx, application.tasks, args[0], tasksLogs, out)
	}

	filter := storage.TaskFilter{
		Status: types.TaskStatus(strings.ToUpper(tasksStatus)),
		Limit:  tasksLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q", tasksStatus)
	}
	if tasksPath != "" {
		abs, err := filepath.Abs(tasksPath)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
		source, err := application.store.GetSourceByPath(ctx, abs)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no source registered at %s", abs)
		}
		if err != nil {
			return fmt.Errorf("get source: %w", err)
		}
		filter.SourceID = source.ID
	}

	return listTasks(ctx, application.tasks, filter, out)
}

func listTasks(ctx context.Context, tasks storage.TaskStore, filter storage.TaskFilter, out io.Writer) error {
	list, err := tasks.ListTasks(ctx, filter)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Fprintln(out, "No tasks found")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-6s %-14s %-10s %-10s %s\n", "ID", "SOURCE", "TYPE", "STATUS", "FILES", "CREATED")
	fmt.Fprintln(out, strings.Repeat("-", 100))

	for _, task := range list {
		files := ""
		if task.Counters.FilesTotal > 0 {
			files = fmt.Sprintf("%d/%d", task.Counters.FilesProcessed, task.Counters.FilesTotal)
		}
		fmt.Fprintf(out, "%-36s %-6d %-14s %-10s %-10s %s\n",
			task.ID, task.SourceID, task.TaskType, task.Status, files, task.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func showTask(ctx context.Context, tasks storage.TaskStore, id string, logLimit int, out io.Writer) error {
	task, err := tasks.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Fprintf(out, "Task: %s\n", task.ID)
	fmt.Fprintf(out, "  Source: %d (%s)\n", task.SourceID, task.SourceType)
	fmt.Fprintf(out, "  Type: %s\n", task.TaskType)
	fmt.Fprintf(out, "  Status: %s\n", task.Status)
	fmt.Fprintf(out, "  Triggered by: %s\n", task.TriggeredBy)
	c := task.Counters
	fmt.Fprintf(out, "  Files: %d/%d\n", c.FilesProcessed, c.FilesTotal)
	fmt.Fprintf(out, "  Chunks: %d\n", c.ChunksCreated)
	fmt.Fprintf(out, "  Summaries: %d\n", c.SummariesGenerated)
	fmt.Fprintf(out, "  Created: %s\n", task.CreatedAt.Format(time.RFC3339))
	if task.StartedAt != nil {
		fmt.Fprintf(out, "  Started: %s\n", task.StartedAt.Format(time.RFC3339))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", task.CompletedAt.Format(time.RFC3339))
	}
	if task.WorkerID != "" {
		fmt.Fprintf(out, "  Worker: %s\n", task.WorkerID)
	}
	if task.CancelRequested {
		fmt.Fprintln(out, "  Cancellation requested")
	}
	if task.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error: %s\n", task.ErrorMessage)
	}

	if logLimit <= 0 {
		return nil
	}
	logs, err := tasks.ListLogs(ctx, id, logLimit)
	if err != nil {
		return fmt.Errorf("list logs: %w", err)
	}
	if len(logs) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nLog:")
	for _, entry := range logs {
		phase := ""
		if entry.Phase != "" {
			phase = "[" + entry.Phase + "] "
		}
		fmt.Fprintf(out, "  %s %-5s %s%s\n", entry.CreatedAt.Format("15:04:05"), entry.Level, phase, entry.Message)
	}
	return nil
}
