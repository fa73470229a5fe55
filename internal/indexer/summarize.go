package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/gocontext-indexd/internal/llm"
	"github.com/dshills/gocontext-indexd/internal/pipeline"
	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

// errEmptySummary is recorded when a model returns no text.
var errEmptySummary = errors.New("empty summary")

// summarizeSource loads every chunk of the source and summarizes it.
func (r *run) summarizeSource() error {
	if err := r.begin(); err != nil {
		return err
	}
	chunks, err := r.idx.storage.ListChunksBySource(r.ctx, r.pc.SourceID())
	if err != nil {
		return r.interruptedOr(fatal(pipeline.PhaseSummarize, fmt.Errorf("list chunks: %w", err)))
	}
	if err := r.summarize(chunks); err != nil {
		return err
	}
	return r.checkpoint()
}

// summarize generates a summary for each chunk that has no cached output for
// its current hash. Calls fan out up to Config.SummaryConcurrency. A fatal
// provider error stops further calls but not the run.
func (r *run) summarize(chunks []*types.Chunk) error {
	switch {
	case r.opts.SkipLLM:
		r.verbose("summaries skipped", "reason", "skip_llm")
		return nil
	case r.opts.DryRun:
		return nil
	case r.idx.generator == nil:
		r.verbose("summaries skipped", "reason", "no generator")
		return nil
	case len(chunks) == 0:
		return nil
	}

	total := len(chunks)
	r.pc.Report(pipeline.Progress{Phase: pipeline.PhaseSummarize, Total: total})

	var (
		done    atomic.Int32
		stopped atomic.Bool
	)
	g, ctx := errgroup.WithContext(r.ctx)
	g.SetLimit(r.idx.config.SummaryConcurrency)

	for _, c := range chunks {
		if stopped.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() (err error) {
			defer func() {
				r.pc.Report(pipeline.Progress{
					Phase:       pipeline.PhaseSummarize,
					Current:     int(done.Add(1)),
					Total:       total,
					CurrentFile: c.FilePath,
				})
			}()
			// errgroup goroutines are outside the worker's recover.
			defer func() {
				if p := recover(); p != nil {
					err = fatal(pipeline.PhaseSummarize, fmt.Errorf("panic summarizing %s: %v", c.FilePath, p))
				}
			}()
			if stopped.Load() || ctx.Err() != nil {
				return nil
			}
			return r.summarizeChunk(ctx, c, &stopped)
		})
	}
	if err := g.Wait(); err != nil {
		return r.interruptedOr(err)
	}
	return nil
}

func (r *run) summarizeChunk(ctx context.Context, c *types.Chunk, stopped *atomic.Bool) error {
	_, err := r.idx.storage.GetGeneration(ctx, c.PointID, types.GenerationSummary, c.ContentHash)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		if ctx.Err() != nil {
			return nil
		}
		return fatal(pipeline.PhaseSummarize, fmt.Errorf("read generation cache: %w", err))
	}

	summary, err := llm.Summarize(ctx, r.idx.generator, c.FilePath, c.Language, c.SymbolName, c.Content, r.idx.config.SummaryMaxTokens)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, llm.ErrFatalAPI) {
			if stopped.CompareAndSwap(false, true) {
				r.logger.Error("stopping summaries after fatal provider error", "error", err)
				_ = r.pc.RecordError(c.FilePath, err, true)
			}
			return nil
		}
		_ = r.pc.RecordError(c.FilePath, fmt.Errorf("summarize %s: %w", c.PointID, err), true)
		return nil
	}
	if summary == "" {
		_ = r.pc.RecordError(c.FilePath, fmt.Errorf("summarize %s: %w", c.PointID, errEmptySummary), true)
		return nil
	}

	entry := &types.GenerationCacheEntry{
		ChunkKey:       c.PointID,
		SourceID:       c.SourceID,
		FilePath:       c.FilePath,
		GenerationType: types.GenerationSummary,
		ChunkHash:      c.ContentHash,
		Output:         summary,
		Model:          r.idx.generator.Model(),
	}
	if err := r.idx.storage.PutGeneration(ctx, entry); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fatal(pipeline.PhaseSummarize, err)
	}
	_ = r.pc.AddSummaries(1)
	return nil
}
