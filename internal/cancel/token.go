// Package cancel implements cooperative cancellation of running tasks.
//
// A Token polls the task store for the cancellation marker. Once the marker
// is seen the token's context is cancelled, which aborts in-flight calls that
// honor it, and ThrowIfCancelled returns types.ErrCancelled at the next
// checkpoint.
package cancel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

// DefaultInterval is the poll interval used when none is given.
const DefaultInterval = time.Second

// Checker reports whether cancellation was requested for a task.
type Checker interface {
	IsCancellationRequested(ctx context.Context, taskID string) (bool, error)
}

// Token tracks the cancellation state of one task run.
type Token struct {
	taskID   string
	checker  Checker
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	cancelled atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a token whose context derives from parent.
func New(parent context.Context, taskID string, checker Checker, interval time.Duration, logger *slog.Logger) *Token {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Token{
		taskID:   taskID,
		checker:  checker,
		interval: interval,
		logger:   logger.With("task_id", taskID),
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// StartPolling checks the marker every interval until cancellation is
// observed or Stop is called. Calling it more than once has no effect.
func (t *Token) StartPolling() {
	t.startOnce.Do(func() {
		go t.poll()
	})
}

func (t *Token) poll() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if t.CheckOnce() {
				return
			}
		}
	}
}

// CheckOnce queries the marker once and reports whether the task is
// cancelled. Query failures are logged and treated as "not requested".
func (t *Token) CheckOnce() bool {
	if t.cancelled.Load() {
		return true
	}
	requested, err := t.checker.IsCancellationRequested(t.ctx, t.taskID)
	if err != nil {
		if t.ctx.Err() == nil {
			t.logger.Warn("cancellation poll failed", "error", err)
		}
		return false
	}
	if requested {
		t.markCancelled()
	}
	return requested
}

func (t *Token) markCancelled() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.logger.Info("cancellation requested")
		t.cancel()
	}
}

// IsCancelled reports whether the marker has been observed.
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load()
}

// ThrowIfCancelled returns types.ErrCancelled once the marker has been
// observed, or the parent context's error if it ended first.
func (t *Token) ThrowIfCancelled() error {
	if t.cancelled.Load() {
		return types.ErrCancelled
	}
	return t.ctx.Err()
}

// Context is cancelled when the marker is observed, when the parent ends,
// or on Stop.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Stop ends polling and releases the context. It is safe to call more than
// once and does not mark the token cancelled.
func (t *Token) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		// Never started: nothing to wait for
		t.startOnce.Do(func() { close(t.done) })
		select {
		case <-t.done:
		case <-time.After(t.interval + time.Second):
			t.logger.Warn("cancellation poller did not stop in time")
		}
		t.cancel()
	})
}
