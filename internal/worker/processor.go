// Package worker claims queued tasks from the task store and runs them
// through the indexing pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/dshills/gocontext-indexd/internal/cancel"
	"github.com/dshills/gocontext-indexd/internal/pipeline"
	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

var (
	// ErrAlreadyRunning is returned by Start on a running processor.
	ErrAlreadyRunning = errors.New("processor already running")
	// ErrShutdownTimeout is returned by Stop when in-flight tasks had to be
	// interrupted.
	ErrShutdownTimeout = errors.New("shutdown timed out waiting for tasks")
)

// interruptedMessage is recorded on tasks cut short by shutdown.
const interruptedMessage = "interrupted by shutdown"

// maxLoggedFileErrors caps the per-file errors copied into the task log.
const maxLoggedFileErrors = 50

// Config tunes a Processor.
type Config struct {
	PollInterval       time.Duration
	Concurrency        int
	CancelPollInterval time.Duration
	ShutdownTimeout    time.Duration
	// ProgressInterval is the minimum gap between counter writes.
	ProgressInterval time.Duration
	WorkerID         string
}

// DefaultConfig returns the defaults used for unset fields.
func DefaultConfig() Config {
	return Config{
		PollInterval:       2 * time.Second,
		Concurrency:        2,
		CancelPollInterval: cancel.DefaultInterval,
		ShutdownTimeout:    30 * time.Second,
		ProgressInterval:   time.Second,
	}
}

// Runner executes the pipeline for one source. *indexer.Indexer implements it.
type Runner interface {
	Run(ctx context.Context, pc *pipeline.Context, tok *cancel.Token) (pipeline.Result, error)
	RunSummaries(ctx context.Context, pc *pipeline.Context, tok *cancel.Token) (pipeline.Result, error)
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Tasks   storage.TaskStore
	Storage storage.Storage
	Runner  Runner
	Logger  *slog.Logger
}

// Processor polls the task store and runs claimed tasks on a bounded pool.
type Processor struct {
	cfg     Config
	tasks   storage.TaskStore
	storage storage.Storage
	runner  Runner
	logger  *slog.Logger

	mu        sync.Mutex
	running   bool
	pool      *ants.Pool
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
	taskCtx   context.Context
	stopTasks context.CancelFunc
	inflight  sync.WaitGroup
	active    atomic.Int32
}

// New creates a processor. Zero config fields take DefaultConfig values and
// an empty WorkerID gets a random one.
func New(cfg Config, deps Deps) (*Processor, error) {
	if deps.Tasks == nil || deps.Storage == nil || deps.Runner == nil {
		return nil, errors.New("worker: task store, storage and runner are required")
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = def.CancelPollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.New().String()[:8]
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:     cfg,
		tasks:   deps.Tasks,
		storage: deps.Storage,
		runner:  deps.Runner,
		logger:  logger.With("worker_id", cfg.WorkerID),
	}, nil
}

// WorkerID returns the id written to claimed tasks.
func (p *Processor) WorkerID() string {
	return p.cfg.WorkerID
}

// Running returns the number of tasks currently executing.
func (p *Processor) Running() int {
	return int(p.active.Load())
}

// Start launches the poll loop and returns. Tasks run until they finish or
// Stop interrupts them; cancelling ctx stops the loop the same way Stop does
// but without waiting.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}

	// Slots are counted by active, so Submit only waits for a worker that is
	// finishing its previous task.
	pool, err := ants.NewPool(p.cfg.Concurrency, ants.WithExpiryDuration(time.Minute))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	taskCtx, stopTasks := context.WithCancel(context.WithoutCancel(ctx))

	p.pool = pool
	p.stopLoop = stopLoop
	p.taskCtx = taskCtx
	p.stopTasks = stopTasks
	p.loopDone = make(chan struct{})
	p.running = true

	go p.loop(loopCtx, p.loopDone)

	p.logger.Info("worker started",
		"concurrency", p.cfg.Concurrency,
		"poll_interval", p.cfg.PollInterval)
	return nil
}

// Stop stops claiming and waits up to ShutdownTimeout, or until ctx ends,
// for in-flight tasks to reach a terminal state. Tasks still running after
// that are interrupted and recorded as FAILED.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopLoop()
	loopDone := p.loopDone
	pool := p.pool
	stopTasks := p.stopTasks
	p.mu.Unlock()

	<-loopDone

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()

	var result error
	select {
	case <-done:
	case <-timer.C:
		result = ErrShutdownTimeout
	case <-ctx.Done():
		result = ErrShutdownTimeout
	}

	if result != nil {
		p.logger.Warn("interrupting in-flight tasks", "running", p.Running())
		stopTasks()
		// Interrupted runs stop at their next checkpoint and finalize.
		grace := time.NewTimer(p.cfg.ShutdownTimeout)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			p.logger.Error("tasks did not stop after interruption", "running", p.Running())
		}
	}

	stopTasks()
	pool.Release()
	p.logger.Info("worker stopped")
	return result
}

func (p *Processor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll sweeps cancelled pending tasks and claims work for free slots. Errors
// are logged; the loop never exits because of them.
func (p *Processor) poll(ctx context.Context) {
	if n, err := p.tasks.CancelRequestedPending(ctx); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to sweep cancelled tasks", "error", err)
		}
	} else if n > 0 {
		p.logger.Info("cancelled pending tasks", "count", n)
	}

	free := p.cfg.Concurrency - p.Running()
	if free <= 0 {
		return
	}

	// Over-fetch: candidates whose source is busy lose the claim.
	candidates, err := p.tasks.NextPending(ctx, free*4)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to list pending tasks", "error", err)
		}
		return
	}

	for _, task := range candidates {
		if free == 0 || ctx.Err() != nil {
			return
		}
		ok, err := p.tasks.ClaimTask(ctx, task.ID, p.cfg.WorkerID)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("failed to claim task", "task_id", task.ID, "error", err)
			}
			continue
		}
		if !ok {
			continue
		}
		task.Status = types.TaskRunning
		task.WorkerID = p.cfg.WorkerID
		if p.dispatch(task) {
			free--
		}
	}
}

// dispatch hands a claimed task to the pool.
func (p *Processor) dispatch(task *types.Task) bool {
	p.inflight.Add(1)
	p.active.Add(1)
	err := p.pool.Submit(func() {
		defer p.inflight.Done()
		defer p.active.Add(-1)
		p.execute(task)
	})
	if err != nil {
		p.inflight.Done()
		p.active.Add(-1)
		p.logger.Error("failed to dispatch task", "task_id", task.ID, "error", err)
		p.finalizeFailed(task, fmt.Sprintf("dispatch failed: %v", err), types.TaskCounters{})
		return false
	}
	return true
}

// execute runs one claimed task to a terminal state. A panic in the pipeline
// fails the task instead of killing the worker.
func (p *Processor) execute(task *types.Task) {
	log := p.logger.With("task_id", task.ID, "source_id", task.SourceID, "task_type", task.TaskType)
	var pc *pipeline.Context

	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r)
			var counters types.TaskCounters
			if pc != nil {
				counters = pc.Finish(false).Counters.TaskCounters()
			}
			p.finalizeFailed(task, fmt.Sprintf("panic: %v", r), counters)
		}
	}()

	source, err := p.storage.GetSource(p.taskCtx, task.SourceID)
	if err != nil {
		log.Error("failed to load source", "error", err)
		p.finalizeFailed(task, fmt.Sprintf("load source %d: %v", task.SourceID, err), types.TaskCounters{})
		return
	}

	opts := task.Options
	switch task.TaskType {
	case types.TaskFullIndex, types.TaskReindex:
		opts.Force = true
	}

	sink := newProgressSink(p, task, opts.Verbose, log)
	pc = pipeline.New(source.ID, source.Path, opts, sink.report)
	sink.pc = pc

	tok := cancel.New(p.taskCtx, task.ID, p.tasks, p.cfg.CancelPollInterval, log)
	tok.StartPolling()
	defer tok.Stop()

	log.Info("task started", "path", source.Path)
	p.appendLog(task.ID, types.LogInfo, "", fmt.Sprintf("claimed by %s", p.cfg.WorkerID))

	var result pipeline.Result
	if task.TaskType == types.TaskWikiGenerate {
		result, err = p.runner.RunSummaries(p.taskCtx, pc, tok)
	} else {
		result, err = p.runner.Run(p.taskCtx, pc, tok)
	}

	if err == nil && task.TaskType == types.TaskReindex && !opts.DryRun {
		n, purgeErr := p.storage.PurgeStaleGenerations(p.taskCtx, source.ID)
		if purgeErr != nil {
			err = fmt.Errorf("purge stale generations: %w", purgeErr)
			result.Success = false
		} else if n > 0 {
			log.Info("purged stale generations", "count", n)
		}
	}

	p.finalize(task, result, err, log)
}

// finalize writes the terminal status. It uses a fresh context so a stopped
// worker still records the outcome.
func (p *Processor) finalize(task *types.Task, result pipeline.Result, runErr error, log *slog.Logger) {
	counters := result.Counters.TaskCounters()
	for i, fe := range result.Errors {
		if i == maxLoggedFileErrors {
			p.appendLog(task.ID, types.LogWarn, "", fmt.Sprintf("%d more errors not shown", len(result.Errors)-i))
			break
		}
		level := types.LogWarn
		if !fe.Recoverable {
			level = types.LogError
		}
		msg := fe.Message
		if fe.File != "" {
			msg = fe.File + ": " + msg
		}
		p.appendLog(task.ID, level, "", msg)
	}

	ctx, cancelFn := finalizeContext()
	defer cancelFn()

	var err error
	switch {
	case runErr == nil:
		err = p.tasks.CompleteTask(ctx, task.ID, counters)
		log.Info("task completed",
			"files", counters.FilesProcessed,
			"chunks", counters.ChunksCreated,
			"summaries", counters.SummariesGenerated,
			"errors", len(result.Errors),
			"duration", result.Duration)
	case errors.Is(runErr, types.ErrCancelled):
		err = p.tasks.CancelTask(ctx, task.ID, counters)
		log.Info("task cancelled")
	case errors.Is(runErr, context.Canceled) && p.taskCtx.Err() != nil:
		err = p.tasks.FailTask(ctx, task.ID, interruptedMessage, counters)
		log.Warn("task interrupted by shutdown")
	default:
		err = p.tasks.FailTask(ctx, task.ID, runErr.Error(), counters)
		log.Error("task failed", "error", runErr)
	}
	if err != nil {
		log.Error("failed to record task outcome", "error", err)
	}
}

func (p *Processor) finalizeFailed(task *types.Task, message string, counters types.TaskCounters) {
	ctx, cancelFn := finalizeContext()
	defer cancelFn()
	if err := p.tasks.FailTask(ctx, task.ID, message, counters); err != nil {
		p.logger.Error("failed to record task failure", "task_id", task.ID, "error", err)
	}
}

func (p *Processor) appendLog(taskID string, level types.LogLevel, phase, message string) {
	ctx, cancelFn := finalizeContext()
	defer cancelFn()
	entry := &types.TaskLog{TaskID: taskID, Level: level, Phase: phase, Message: message}
	if err := p.tasks.AppendLog(ctx, entry); err != nil {
		p.logger.Warn("failed to append task log", "task_id", taskID, "error", err)
	}
}

func finalizeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
