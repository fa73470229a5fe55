package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/gocontext-indexd/internal/pipeline"
	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

// progressSink turns pipeline progress into task log lines and throttled
// counter writes. Phase changes are always logged; per-file lines only when
// the task is verbose.
type progressSink struct {
	p       *Processor
	task    *types.Task
	verbose bool
	logger  *slog.Logger
	pc      *pipeline.Context

	mu        sync.Mutex
	phase     string
	lastWrite time.Time
}

func newProgressSink(p *Processor, task *types.Task, verbose bool, logger *slog.Logger) *progressSink {
	return &progressSink{p: p, task: task, verbose: verbose, logger: logger}
}

func (s *progressSink) report(pr pipeline.Progress) {
	s.mu.Lock()
	phaseChanged := pr.Phase != s.phase
	s.phase = pr.Phase
	due := time.Since(s.lastWrite) >= s.p.cfg.ProgressInterval
	if due {
		s.lastWrite = time.Now()
	}
	s.mu.Unlock()

	if phaseChanged || (s.verbose && pr.Message != "") {
		s.p.appendLog(s.task.ID, types.LogInfo, pr.Phase, describe(pr))
	} else if s.verbose && pr.CurrentFile != "" {
		s.p.appendLog(s.task.ID, types.LogDebug, pr.Phase, describe(pr))
	}

	if due && s.pc != nil {
		s.writeCounters()
	}
}

func (s *progressSink) writeCounters() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.p.tasks.UpdateProgress(ctx, s.task.ID, s.pc.Counters().TaskCounters())
	if err != nil && !errors.Is(err, storage.ErrTaskNotActive) {
		s.logger.Warn("failed to persist progress", "error", err)
	}
}

func describe(pr pipeline.Progress) string {
	msg := pr.Message
	if msg == "" {
		msg = pr.Phase
	}
	if pr.CurrentFile != "" {
		msg += " " + pr.CurrentFile
	}
	if pr.Total > 0 {
		msg += fmt.Sprintf(" (%d/%d)", pr.Current, pr.Total)
	}
	return msg
}
