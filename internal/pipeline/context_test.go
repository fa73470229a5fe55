package pipeline

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_Counters(t *testing.T) {
	pc := New(7, "/src", Options{DryRun: true}, nil)
	assert.Equal(t, int64(7), pc.SourceID())
	assert.Equal(t, "/src", pc.SourcePath())
	assert.True(t, pc.Options().DryRun)

	require.NoError(t, pc.SetFilesTotal(3))
	require.NoError(t, pc.AddFilesProcessed(3))
	require.NoError(t, pc.AddFilesAdded(1))
	require.NoError(t, pc.AddFilesModified(1))
	require.NoError(t, pc.AddFilesSkipped(1))
	require.NoError(t, pc.AddFilesRemoved(2))
	require.NoError(t, pc.AddChunks(5))
	require.NoError(t, pc.AddSummaries(4))

	c := pc.Counters()
	assert.Equal(t, Counters{
		FilesTotal: 3, FilesProcessed: 3, FilesAdded: 1, FilesModified: 1,
		FilesRemoved: 2, FilesSkipped: 1, ChunksCreated: 5, SummariesGenerated: 4,
	}, c)

	tc := c.TaskCounters()
	assert.Equal(t, 3, tc.FilesTotal)
	assert.Equal(t, 5, tc.ChunksCreated)
	assert.Equal(t, 4, tc.SummariesGenerated)
}

func TestContext_Errors(t *testing.T) {
	pc := New(1, "/src", Options{}, nil)
	require.NoError(t, pc.RecordError("a.go", errors.New("read failed"), true))
	assert.False(t, pc.HasFatal())

	require.NoError(t, pc.RecordError("", errors.New("vector store down"), false))
	assert.True(t, pc.HasFatal())

	errs := pc.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, FileError{File: "a.go", Message: "read failed", Recoverable: true}, errs[0])

	// Returned slice is a copy
	errs[0].Message = "changed"
	assert.Equal(t, "read failed", pc.Errors()[0].Message)
}

func TestContext_FinishIsImmutable(t *testing.T) {
	pc := New(1, "/src", Options{}, nil)
	require.NoError(t, pc.AddChunks(2))
	require.NoError(t, pc.RecordError("a.go", errors.New("x"), true))

	_, done := pc.Result()
	assert.False(t, done)

	res := pc.Finish(true)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Counters.ChunksCreated)
	require.Len(t, res.Errors, 1)
	assert.GreaterOrEqual(t, res.Duration.Nanoseconds(), int64(0))

	assert.ErrorIs(t, pc.AddChunks(1), ErrFinished)
	assert.ErrorIs(t, pc.RecordError("b.go", errors.New("y"), true), ErrFinished)
	assert.ErrorIs(t, pc.SetFilesTotal(9), ErrFinished)
	for name, mutate := range map[string]func(int) error{
		"processed": pc.AddFilesProcessed,
		"added":     pc.AddFilesAdded,
		"modified":  pc.AddFilesModified,
		"removed":   pc.AddFilesRemoved,
		"skipped":   pc.AddFilesSkipped,
		"summaries": pc.AddSummaries,
	} {
		assert.ErrorIs(t, mutate(1), ErrFinished, name)
	}
	assert.Equal(t, int64(1), pc.SourceID())
	assert.Equal(t, "/src", pc.SourcePath())

	// Second Finish returns the same snapshot
	again := pc.Finish(false)
	assert.True(t, again.Success)
	assert.Equal(t, res.Counters, again.Counters)

	// Mutating a returned snapshot does not leak into the stored one
	again.Errors[0].Message = "mutated"
	stored, done := pc.Result()
	require.True(t, done)
	assert.Equal(t, "x", stored.Errors[0].Message)
}

func TestContext_Progress(t *testing.T) {
	var got []Progress
	pc := New(1, "/src", Options{}, func(p Progress) { got = append(got, p) })

	pc.Report(Progress{Phase: PhaseScan, Current: 0, Total: 2})
	pc.Report(Progress{Phase: PhaseChunk, Current: 1, Total: 2, CurrentFile: "a.go"})
	pc.Finish(true)
	pc.Report(Progress{Phase: PhaseReconcile})

	require.Len(t, got, 2)
	assert.Equal(t, "a.go", got[1].CurrentFile)

	// Nil callback is allowed
	New(1, "/src", Options{}, nil).Report(Progress{Phase: PhaseScan})
}

func TestContext_ConcurrentUpdates(t *testing.T) {
	pc := New(1, "/src", Options{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pc.AddSummaries(1)
			_ = pc.RecordError("f", errors.New("e"), true)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, pc.Counters().SummariesGenerated)
	assert.Len(t, pc.Errors(), 50)
}
