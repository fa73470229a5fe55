// Package pipeline holds the per-run state of one indexing task: options,
// counters, the error list and progress reporting.
package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

// ErrFinished is returned by mutators called after Finish.
var ErrFinished = errors.New("pipeline context already finished")

// Options are the recognized task options.
type Options = types.IndexOptions

// Progress phases.
const (
	PhaseScan      = "scan"
	PhaseDiff      = "diff"
	PhaseChunk     = "chunk"
	PhaseEmbed     = "embed"
	PhaseStore     = "store"
	PhaseSummarize = "summarize"
	PhaseReconcile = "reconcile"
)

// Progress is one interim report.
type Progress struct {
	Phase       string
	Current     int
	Total       int
	CurrentFile string
	Message     string
}

// ProgressFunc receives progress reports. It is called synchronously.
type ProgressFunc func(Progress)

// FileError is one entry in the append-only error list.
type FileError struct {
	File        string `json:"file"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Counters are the run's tallies.
type Counters struct {
	FilesTotal         int `json:"files_total"`
	FilesProcessed     int `json:"files_processed"`
	FilesAdded         int `json:"files_added"`
	FilesModified      int `json:"files_modified"`
	FilesRemoved       int `json:"files_removed"`
	FilesSkipped       int `json:"files_skipped"`
	ChunksCreated      int `json:"chunks_created"`
	SummariesGenerated int `json:"summaries_generated"`
}

// TaskCounters projects the counters persisted on the task record.
func (c Counters) TaskCounters() types.TaskCounters {
	return types.TaskCounters{
		FilesTotal:         c.FilesTotal,
		FilesProcessed:     c.FilesProcessed,
		ChunksCreated:      c.ChunksCreated,
		SummariesGenerated: c.SummariesGenerated,
	}
}

// Result is the immutable snapshot produced by Finish.
type Result struct {
	Success  bool          `json:"success"`
	Counters Counters      `json:"counters"`
	Errors   []FileError   `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Context aggregates one run. Safe for concurrent use.
type Context struct {
	sourceID   int64
	sourcePath string
	options    Options
	progress   ProgressFunc
	started    time.Time

	mu       sync.Mutex
	counters Counters
	errors   []FileError
	result   *Result
}

// New creates a run context. progress may be nil.
func New(sourceID int64, sourcePath string, opts Options, progress ProgressFunc) *Context {
	return &Context{
		sourceID:   sourceID,
		sourcePath: sourcePath,
		options:    opts,
		progress:   progress,
		started:    time.Now(),
	}
}

// SourceID returns the id of the source being indexed.
func (c *Context) SourceID() int64 { return c.sourceID }

// SourcePath returns the source's root directory.
func (c *Context) SourcePath() string { return c.sourcePath }

// Options returns the switches the run was started with.
func (c *Context) Options() Options { return c.options }

// update applies fn to the counters unless the run is finished.
func (c *Context) update(fn func(*Counters)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil {
		return ErrFinished
	}
	fn(&c.counters)
	return nil
}

// SetFilesTotal records how many files the scan found.
// Like every counter mutator it returns ErrFinished after Finish.
func (c *Context) SetFilesTotal(n int) error {
	return c.update(func(k *Counters) { k.FilesTotal = n })
}

// AddFilesProcessed counts files that went through parsing.
func (c *Context) AddFilesProcessed(n int) error {
	return c.update(func(k *Counters) { k.FilesProcessed += n })
}

// AddFilesAdded counts files new since the last run.
func (c *Context) AddFilesAdded(n int) error {
	return c.update(func(k *Counters) { k.FilesAdded += n })
}

// AddFilesModified counts files whose content hash changed.
func (c *Context) AddFilesModified(n int) error {
	return c.update(func(k *Counters) { k.FilesModified += n })
}

// AddFilesRemoved counts files deleted from disk since the last run.
func (c *Context) AddFilesRemoved(n int) error {
	return c.update(func(k *Counters) { k.FilesRemoved += n })
}

// AddFilesSkipped counts files left alone because their content is unchanged.
func (c *Context) AddFilesSkipped(n int) error {
	return c.update(func(k *Counters) { k.FilesSkipped += n })
}

// AddChunks counts chunks written.
func (c *Context) AddChunks(n int) error {
	return c.update(func(k *Counters) { k.ChunksCreated += n })
}

// AddSummaries counts summaries generated.
func (c *Context) AddSummaries(n int) error {
	return c.update(func(k *Counters) { k.SummariesGenerated += n })
}

// RecordError appends to the error list.
func (c *Context) RecordError(file string, err error, recoverable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil {
		return ErrFinished
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.errors = append(c.errors, FileError{File: file, Message: msg, Recoverable: recoverable})
	return nil
}

// Report forwards p to the progress callback. Reports after Finish are dropped.
func (c *Context) Report(p Progress) {
	c.mu.Lock()
	finished := c.result != nil
	c.mu.Unlock()
	if finished || c.progress == nil {
		return
	}
	c.progress(p)
}

// Counters returns a copy of the current counters.
func (c *Context) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Errors returns a copy of the error list.
func (c *Context) Errors() []FileError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FileError(nil), c.errors...)
}

// HasFatal reports whether a non-recoverable error was recorded.
func (c *Context) HasFatal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.errors {
		if !e.Recoverable {
			return true
		}
	}
	return false
}

// Finish freezes the context and returns the result. Later calls return the
// same snapshot; success is taken from the first call.
func (c *Context) Finish(success bool) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		c.result = &Result{
			Success:  success,
			Counters: c.counters,
			Errors:   append([]FileError{}, c.errors...),
			Duration: time.Since(c.started),
		}
	}
	return c.snapshot()
}

// Result returns the snapshot and whether Finish has been called.
func (c *Context) Result() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return Result{}, false
	}
	return c.snapshot(), true
}

// snapshot copies the error slice so callers cannot alter the stored result.
func (c *Context) snapshot() Result {
	r := *c.result
	r.Errors = append([]FileError{}, c.result.Errors...)
	return r
}
