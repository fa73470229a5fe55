package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

// errSourceBusy is returned when a source already has a pending or running task.
var errSourceBusy = errors.New("source already has a pending or running task")

var (
	indexType    string
	indexForce   bool
	indexDryRun  bool
	indexSkipLLM bool
	indexWait    bool
	indexPoll    time.Duration
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Queue an indexing task for a source tree",
	Long: `Queue an indexing task for the source at path (default: current directory).

The source is registered on first use. A running "gocontext worker" picks
the task up; use --wait to follow it until it finishes.

Examples:
  gocontext index                       # incremental index of the current directory
  gocontext index ~/src/app --type FULL_INDEX --wait
  gocontext index . --type WIKI_GENERATE`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVarP(&indexType, "type", "t", string(types.TaskIncremental), "task type: INCREMENTAL, FULL_INDEX, REINDEX or WIKI_GENERATE")
	indexCmd.Flags().BoolVar(&indexForce, "force", false, "reprocess files even when unchanged")
	indexCmd.Flags().BoolVar(&indexDryRun, "dry-run", false, "scan, diff and chunk without writing")
	indexCmd.Flags().BoolVar(&indexSkipLLM, "skip-llm", false, "skip summary generation")
	indexCmd.Flags().BoolVarP(&indexWait, "wait", "w", false, "wait for the task to finish")
	indexCmd.Flags().DurationVar(&indexPoll, "poll", time.Second, "status poll interval with --wait")
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	path := "."
	if len(args) == 1 {
		path = args[0]
	}

	task, err := enqueueIndex(ctx, application, path, types.TaskType(strings.ToUpper(indexType)), types.IndexOptions{
		Verbose: verbose,
		DryRun:  indexDryRun,
		SkipLLM: indexSkipLLM,
		Force:   indexForce,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queued %s task %s for source %d\n", task.TaskType, task.ID, task.SourceID)
	if !indexWait {
		return nil
	}

	final, err := waitForTask(ctx, application.tasks, task.ID, indexPoll, out)
	if err != nil {
		return err
	}
	if final.Status != types.TaskCompleted {
		return fmt.Errorf("task %s ended %s: %s", final.ID, final.Status, final.ErrorMessage)
	}
	return nil
}

// enqueueIndex registers the source at path if needed and queues a task
// for it. It refuses when the source already has an active task.
func enqueueIndex(ctx context.Context, a *app, path string, taskType types.TaskType, opts types.IndexOptions) (*types.Task, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	source, created, err := storage.EnsureSource(ctx, a.store, abs)
	if err != nil {
		return nil, fmt.Errorf("register source: %w", err)
	}
	if created {
		a.logger.Info("source registered", "source_id", source.ID, "path", abs)
	}

	busy, err := a.tasks.HasActiveTask(ctx, source.ID)
	if err != nil {
		return nil, fmt.Errorf("check active tasks: %w", err)
	}
	if busy {
		return nil, fmt.Errorf("%s: %w", abs, errSourceBusy)
	}

	task := &types.Task{
		SourceID:    source.ID,
		SourceType:  source.Type,
		TaskType:    taskType,
		TriggeredBy: types.TriggerCLI,
		Options:     opts,
	}
	if err := a.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// waitForTask polls the task until it reaches a terminal state, printing a
// line whenever its status or counters change.
func waitForTask(ctx context.Context, tasks storage.TaskStore, id string, interval time.Duration, out io.Writer) (*types.Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		task, err := tasks.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get task: %w", err)
		}
		if line := progressLine(task); line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		if task.Status.Terminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func progressLine(task *types.Task) string {
	c := task.Counters
	return fmt.Sprintf("%-10s files %d/%d  chunks %d  summaries %d",
		task.Status, c.FilesProcessed, c.FilesTotal, c.ChunksCreated, c.SummariesGenerated)
}
