// Package scheduler enqueues periodic incremental indexing tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

// tickTimeout bounds one enqueue sweep.
const tickTimeout = time.Minute

// Scheduler enqueues an INCREMENTAL task for every READY source on a cron
// schedule. A source that already has a pending or running task is left alone.
type Scheduler struct {
	tasks    storage.TaskStore
	storage  storage.Storage
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New parses spec, a standard five-field cron expression or a descriptor
// such as "@hourly" or "@every 30m".
func New(tasks storage.TaskStore, store storage.Storage, spec string, logger *slog.Logger) (*Scheduler, error) {
	if tasks == nil || store == nil {
		return nil, errors.New("scheduler: task store and storage are required")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, &types.ValidationError{Field: "schedule", Message: fmt.Sprintf("invalid cron expression %q: %v", spec, err)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:    tasks,
		storage:  store,
		schedule: schedule,
		spec:     spec,
		logger:   logger.With("component", "scheduler"),
	}, nil
}

// Start begins firing on the schedule. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
		defer cancel()
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduled enqueue failed", "error", err)
		}
	}))
	c.Start()
	s.cron = c

	s.logger.Info("scheduler started", "schedule", s.spec, "next", s.schedule.Next(time.Now()))
}

// Stop stops firing and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Tick runs one sweep and returns the ids of the tasks it enqueued. A
// failure on one source is logged and does not stop the sweep.
func (s *Scheduler) Tick(ctx context.Context) ([]string, error) {
	sources, err := s.storage.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	var enqueued []string
	for _, src := range sources {
		if src.IndexingStatus != types.IndexingReady {
			continue
		}
		busy, err := s.tasks.HasActiveTask(ctx, src.ID)
		if err != nil {
			s.logger.Warn("failed to check active tasks", "source_id", src.ID, "error", err)
			continue
		}
		if busy {
			continue
		}

		task := &types.Task{
			SourceID:    src.ID,
			SourceType:  src.Type,
			TaskType:    types.TaskIncremental,
			TriggeredBy: types.TriggerCLI,
		}
		if err := s.tasks.CreateTask(ctx, task); err != nil {
			s.logger.Warn("failed to enqueue task", "source_id", src.ID, "error", err)
			continue
		}
		s.logger.Debug("enqueued incremental task", "source_id", src.ID, "task_id", task.ID)
		enqueued = append(enqueued, task.ID)
	}

	if len(enqueued) > 0 {
		s.logger.Info("enqueued scheduled tasks", "count", len(enqueued))
	}
	return enqueued, nil
}
