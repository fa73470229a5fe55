package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/gocontext-indexd/internal/scheduler"
	"github.com/dshills/gocontext-indexd/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and run queued indexing tasks",
	Long: `Run the task processor until interrupted.

The worker polls for PENDING tasks, runs up to worker.concurrency of them
at once (never two for the same source) and records progress and logs on
each task. When schedule is set, READY sources also get a periodic
INCREMENTAL task.

On SIGINT or SIGTERM the worker stops claiming and waits up to
worker.shutdown_timeout for running tasks before interrupting them.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc, sched, err := newWorker(ctx, application)
	if err != nil {
		return err
	}

	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	if sched != nil {
		sched.Start()
	}

	<-ctx.Done()
	logger.Info("shutting down worker")

	if sched != nil {
		sched.Stop()
	}
	// The signal context is done; Stop gets its own budget.
	err = proc.Stop(context.Background())
	if errors.Is(err, worker.ErrShutdownTimeout) {
		logger.Warn("running tasks were interrupted", "error", err)
		return nil
	}
	return err
}

// newWorker builds the processor and, when a schedule is configured, the
// scheduler that feeds it.
func newWorker(ctx context.Context, a *app) (*worker.Processor, *scheduler.Scheduler, error) {
	idx, err := a.newIndexer(ctx)
	if err != nil {
		return nil, nil, err
	}

	proc, err := worker.New(worker.Config{
		PollInterval:       a.cfg.Worker.PollInterval,
		Concurrency:        a.cfg.Worker.Concurrency,
		CancelPollInterval: a.cfg.Worker.CancelPollInterval,
		ShutdownTimeout:    a.cfg.Worker.ShutdownTimeout,
	}, worker.Deps{
		Tasks:   a.tasks,
		Storage: a.store,
		Runner:  idx,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create worker: %w", err)
	}

	if a.cfg.Schedule == "" {
		return proc, nil, nil
	}
	sched, err := scheduler.New(a.tasks, a.store, a.cfg.Schedule, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create scheduler: %w", err)
	}
	return proc, sched, nil
}
