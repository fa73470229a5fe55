package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/gocontext-indexd/internal/cancel"
	"github.com/dshills/gocontext-indexd/internal/chunker"
	"github.com/dshills/gocontext-indexd/internal/embedder"
	"github.com/dshills/gocontext-indexd/internal/llm"
	"github.com/dshills/gocontext-indexd/internal/pipeline"
	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/internal/vectorstore"
	"github.com/dshills/gocontext-indexd/internal/vectorsync"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

// Default configuration values
const (
	DefaultSummaryConcurrency = 4
	DefaultSummaryMaxTokens   = 256
)

// Deps are the collaborators of an Indexer. Generator may be nil, which
// disables the summarize phase.
type Deps struct {
	Storage   storage.Storage
	Sync      *vectorsync.Synchronizer
	Embedder  embedder.Embedder
	Generator llm.Generator
	Chunker   chunker.Producer
	Logger    *slog.Logger
}

// Config tunes an Indexer.
type Config struct {
	MaxFileSize        int64
	SummaryConcurrency int
	SummaryMaxTokens   int
}

// Indexer runs the scan, diff, chunk, embed, store, summarize and reconcile
// phases for one source.
type Indexer struct {
	storage   storage.Storage
	sync      *vectorsync.Synchronizer
	embedder  embedder.Embedder
	generator llm.Generator
	chunker   chunker.Producer
	logger    *slog.Logger
	config    Config
	locks     sourceLocks
}

// New creates an indexer.
func New(deps Deps, cfg Config) (*Indexer, error) {
	switch {
	case deps.Storage == nil:
		return nil, errors.New("indexer: storage is required")
	case deps.Sync == nil:
		return nil, errors.New("indexer: vector sync is required")
	case deps.Embedder == nil:
		return nil, errors.New("indexer: embedder is required")
	}
	if deps.Chunker == nil {
		deps.Chunker = chunker.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.SummaryConcurrency <= 0 {
		cfg.SummaryConcurrency = DefaultSummaryConcurrency
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = DefaultSummaryMaxTokens
	}
	return &Indexer{
		storage:   deps.Storage,
		sync:      deps.Sync,
		embedder:  deps.Embedder,
		generator: deps.Generator,
		chunker:   deps.Chunker,
		logger:    deps.Logger,
		config:    cfg,
	}, nil
}

// run is the state of one Run or RunSummaries call.
type run struct {
	idx    *Indexer
	pc     *pipeline.Context
	tok    *cancel.Token
	ctx    context.Context
	opts   pipeline.Options
	logger *slog.Logger

	source     *types.Source
	prevStatus types.IndexingStatus
	// chunks stored by this run, in path order, for the summarize phase
	stored []*types.Chunk
}

func (idx *Indexer) newRun(ctx context.Context, pc *pipeline.Context, tok *cancel.Token) *run {
	r := &run{
		idx:    idx,
		pc:     pc,
		tok:    tok,
		ctx:    ctx,
		opts:   pc.Options(),
		logger: idx.logger.With("source_id", pc.SourceID()),
	}
	if tok != nil {
		r.ctx = tok.Context()
	}
	return r
}

// Run indexes the source described by pc. The returned error is nil on
// success, types.ErrCancelled when the token observed a cancellation request,
// the context error when ctx ended, and the failure otherwise. Per-file
// failures do not fail the run; they are recorded in the result.
func (idx *Indexer) Run(ctx context.Context, pc *pipeline.Context, tok *cancel.Token) (pipeline.Result, error) {
	if !idx.locks.TryAcquire(pc.SourceID()) {
		return pc.Finish(false), ErrSourceBusy
	}
	defer idx.locks.Release(pc.SourceID())

	r := idx.newRun(ctx, pc, tok)
	return r.finish(r.index())
}

// RunSummaries runs only the summarize phase over every chunk of the source.
// The cache still gates each chunk, so unchanged chunks are free.
func (idx *Indexer) RunSummaries(ctx context.Context, pc *pipeline.Context, tok *cancel.Token) (pipeline.Result, error) {
	if !idx.locks.TryAcquire(pc.SourceID()) {
		return pc.Finish(false), ErrSourceBusy
	}
	defer idx.locks.Release(pc.SourceID())

	r := idx.newRun(ctx, pc, tok)
	return r.finish(r.summarizeSource())
}

func (r *run) index() error {
	start := time.Now()
	if err := r.begin(); err != nil {
		return err
	}

	r.pc.Report(pipeline.Progress{Phase: pipeline.PhaseScan, Message: "scanning " + r.pc.SourcePath()})
	scan, err := Scan(r.pc.SourcePath(), r.idx.config.MaxFileSize)
	if err != nil {
		return fatal(pipeline.PhaseScan, err)
	}
	for path, readErr := range scan.Unreadable {
		_ = r.pc.RecordError(path, readErr, true)
	}
	_ = r.pc.SetFilesTotal(len(scan.Files))
	r.pc.Report(pipeline.Progress{
		Phase:   pipeline.PhaseScan,
		Current: len(scan.Files),
		Total:   len(scan.Files),
		Message: fmt.Sprintf("found %d files", len(scan.Files)),
	})
	if err := r.checkpoint(); err != nil {
		return err
	}

	plan, err := r.idx.Classify(r.ctx, r.pc.SourceID(), scan, r.opts.Force)
	if err != nil {
		return err
	}
	r.pc.Report(pipeline.Progress{
		Phase: pipeline.PhaseDiff,
		Total: len(plan.Actions),
		Message: fmt.Sprintf("%d added, %d modified, %d removed, %d unchanged",
			plan.Count(ActionAdd), plan.Count(ActionModify), plan.Count(ActionRemove), plan.Count(ActionSkip)),
	})

	if !r.opts.DryRun {
		if err := r.idx.sync.EnsureCollection(r.ctx, r.idx.embedder.Dimension()); err != nil {
			return r.interruptedOr(fatal(pipeline.PhaseStore, fmt.Errorf("ensure collection: %w", err)))
		}
	}

	for i, action := range plan.Actions {
		if err := r.checkpoint(); err != nil {
			return err
		}
		r.pc.Report(pipeline.Progress{
			Phase:       pipeline.PhaseChunk,
			Current:     i + 1,
			Total:       len(plan.Actions),
			CurrentFile: action.Path,
		})
		if err := r.apply(action); err != nil {
			return err
		}
	}

	if err := r.summarize(r.stored); err != nil {
		return err
	}
	if err := r.checkpoint(); err != nil {
		return err
	}
	if !r.opts.DryRun {
		if err := r.reconcile(); err != nil {
			return err
		}
	}

	c := r.pc.Counters()
	r.logger.Info("indexing complete",
		"files", c.FilesTotal,
		"added", c.FilesAdded,
		"modified", c.FilesModified,
		"removed", c.FilesRemoved,
		"skipped", c.FilesSkipped,
		"chunks", c.ChunksCreated,
		"summaries", c.SummariesGenerated,
		"duration", time.Since(start))
	return nil
}

// begin loads the source and marks it INDEXING.
func (r *run) begin() error {
	source, err := r.idx.storage.GetSource(r.ctx, r.pc.SourceID())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &types.NotFoundError{Kind: "source", ID: fmt.Sprint(r.pc.SourceID())}
		}
		return r.interruptedOr(fatal("setup", fmt.Errorf("load source: %w", err)))
	}
	r.source = source
	r.prevStatus = source.IndexingStatus
	if r.opts.DryRun {
		return nil
	}
	source.IndexingStatus = types.IndexingActive
	if err := r.idx.storage.UpdateSource(r.ctx, source); err != nil {
		return r.interruptedOr(fatal("setup", fmt.Errorf("mark source indexing: %w", err)))
	}
	return nil
}

// apply carries out one planned action. Only fatal, cancellation and
// context errors are returned; per-file failures are recorded.
func (r *run) apply(a FileAction) error {
	switch a.Kind {
	case ActionSkip:
		_ = r.pc.AddFilesProcessed(1)
		_ = r.pc.AddFilesSkipped(1)
		r.verbose("file unchanged", "path", a.Path)
		return nil
	case ActionRemove:
		return r.remove(a)
	default:
		_ = r.pc.AddFilesProcessed(1)
		return r.store(a)
	}
}

func (r *run) remove(a FileAction) error {
	if !r.opts.DryRun {
		sourceID := r.pc.SourceID()
		if err := r.idx.sync.RemoveFile(r.ctx, sourceID, a.Path); err != nil {
			return r.interruptedOr(fatal(pipeline.PhaseStore, err))
		}
		if err := r.idx.storage.RemoveFile(r.ctx, sourceID, a.Path); err != nil {
			return r.interruptedOr(fatal(pipeline.PhaseStore, fmt.Errorf("remove %s: %w", a.Path, err)))
		}
	}
	_ = r.pc.AddFilesRemoved(1)
	r.verbose("file removed", "path", a.Path)
	return nil
}

// store chunks, embeds and persists an added or modified file. A MODIFY that
// fails before the write leaves the previous chunks and vectors in place, so
// the next run sees the same hash mismatch and retries.
func (r *run) store(a FileAction) error {
	content, hash, err := readFile(*a.File)
	if err != nil {
		_ = r.pc.RecordError(a.Path, err, true)
		return nil
	}

	specs, err := r.idx.chunker.Chunk(a.Path, a.File.Language, types.NormalizeContent(content))
	if err != nil {
		_ = r.pc.RecordError(a.Path, fmt.Errorf("chunk: %w", err), true)
		return nil
	}
	chunks := r.buildChunks(a, specs)

	if r.opts.DryRun {
		r.countStored(a, len(chunks))
		return nil
	}

	var points []vectorstore.Point
	if len(chunks) > 0 {
		r.pc.Report(pipeline.Progress{Phase: pipeline.PhaseEmbed, Total: len(chunks), CurrentFile: a.Path})
		points, err = r.idx.embedChunks(r.ctx, chunks)
		if err != nil {
			if ierr := r.interrupted(); ierr != nil {
				return ierr
			}
			_ = r.pc.RecordError(a.Path, fmt.Errorf("embed: %w", err), true)
			return nil
		}
	}

	// No writes once cancellation has been observed.
	if err := r.checkpoint(); err != nil {
		return err
	}

	r.pc.Report(pipeline.Progress{Phase: pipeline.PhaseStore, Total: len(chunks), CurrentFile: a.Path})
	sourceID := r.pc.SourceID()
	if err := r.idx.sync.ReplaceFile(r.ctx, sourceID, a.Path, points); err != nil {
		return r.interruptedOr(fatal(pipeline.PhaseStore, err))
	}
	record := &types.FileRecord{
		SourceID:    sourceID,
		FilePath:    a.Path,
		ContentHash: hash,
		Size:        int64(len(content)),
		Language:    a.File.Language,
		LastIndexed: time.Now(),
	}
	if err := r.idx.storage.ReplaceFileChunks(r.ctx, record, chunks); err != nil {
		return r.interruptedOr(fatal(pipeline.PhaseStore, fmt.Errorf("store %s: %w", a.Path, err)))
	}

	r.stored = append(r.stored, chunks...)
	r.countStored(a, len(chunks))
	r.verbose("file indexed", "path", a.Path, "action", a.Kind, "chunks", len(chunks))
	return nil
}

func (r *run) countStored(a FileAction, chunks int) {
	_ = r.pc.AddChunks(chunks)
	if a.Kind == ActionAdd {
		_ = r.pc.AddFilesAdded(1)
	} else {
		_ = r.pc.AddFilesModified(1)
	}
}

func (r *run) buildChunks(a FileAction, specs []types.ChunkSpec) []*types.Chunk {
	sourceID := r.pc.SourceID()
	chunks := make([]*types.Chunk, 0, len(specs))
	for i, spec := range specs {
		c := &types.Chunk{
			SourceID:   sourceID,
			FilePath:   a.Path,
			ChunkIndex: i,
			PointID:    vectorsync.PointID(sourceID, a.Path, i),
			Content:    spec.Content,
			StartLine:  spec.StartLine,
			EndLine:    spec.EndLine,
			SymbolName: spec.SymbolName,
			ChunkType:  spec.Type,
			Language:   a.File.Language,
		}
		c.ComputeContentHash()
		c.ComputeTokenCount()
		chunks = append(chunks, c)
	}
	return chunks
}

// embedChunks embeds chunk contents and returns one point per chunk.
func (idx *Indexer) embedChunks(ctx context.Context, chunks []*types.Chunk) ([]vectorstore.Point, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	resp, err := idx.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(resp.Embeddings), len(chunks))
	}
	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorsync.PointFromChunk(c, resp.Embeddings[i].Vector)
	}
	return points, nil
}

// reconcile drops orphaned points and re-embeds chunks whose point is
// missing, then requires the point count to equal the chunk count.
func (r *run) reconcile() error {
	sourceID := r.pc.SourceID()
	r.pc.Report(pipeline.Progress{Phase: pipeline.PhaseReconcile, Message: "verifying vector index"})

	chunks, err := r.idx.storage.ListChunksBySource(r.ctx, sourceID)
	if err != nil {
		return r.interruptedOr(fatal(pipeline.PhaseReconcile, fmt.Errorf("list chunks: %w", err)))
	}
	expected := make([]string, len(chunks))
	for i, c := range chunks {
		expected[i] = c.PointID
	}

	repair := func(ctx context.Context, pointIDs []string) ([]vectorstore.Point, error) {
		missing, err := r.idx.storage.GetChunksByPointIDs(ctx, pointIDs)
		if err != nil {
			return nil, err
		}
		if len(missing) == 0 {
			return nil, nil
		}
		return r.idx.embedChunks(ctx, missing)
	}

	report, err := r.idx.sync.Reconcile(r.ctx, sourceID, expected, repair)
	if err != nil {
		return r.interruptedOr(fatal(pipeline.PhaseReconcile, err))
	}
	if report.Orphans > 0 || report.Missing > 0 {
		r.logger.Warn("vector index reconciled",
			"orphans", report.Orphans, "missing", report.Missing, "points", report.Final)
	}
	return nil
}

// finish freezes the pipeline context and settles the source status.
func (r *run) finish(err error) (pipeline.Result, error) {
	switch {
	case err == nil:
		r.settle(types.IndexingReady)
		return r.pc.Finish(true), nil
	case errors.Is(err, types.ErrCancelled):
		r.logger.Info("run cancelled")
		r.settle(r.restingStatus())
		return r.pc.Finish(false), err
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		r.logger.Warn("run interrupted", "error", err)
		_ = r.pc.RecordError("", err, false)
		r.settle(r.restingStatus())
		return r.pc.Finish(false), err
	default:
		r.logger.Error("run failed", "error", err)
		_ = r.pc.RecordError("", err, false)
		r.settle(types.IndexingError)
		return r.pc.Finish(false), err
	}
}

// restingStatus is the status left behind by a run that stopped early.
func (r *run) restingStatus() types.IndexingStatus {
	if r.prevStatus == "" || r.prevStatus == types.IndexingActive {
		return types.IndexingReady
	}
	return r.prevStatus
}

// settle refreshes the source counts and status. It runs after the run's
// context may have ended, so it uses a detached context.
func (r *run) settle(status types.IndexingStatus) {
	if r.source == nil || r.opts.DryRun {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 30*time.Second)
	defer cancel()

	sourceID := r.pc.SourceID()
	st, err := r.idx.storage.GetStatus(ctx, sourceID)
	if err != nil {
		r.logger.Error("failed to read source status", "error", err)
	} else {
		r.source.FileCount = st.FilesCount
		r.source.ChunkCount = st.ChunksCount
		r.source.SummaryCount = st.SummariesCount
	}
	r.source.IndexingStatus = status
	if status == types.IndexingReady {
		now := time.Now()
		r.source.LastIndexedAt = &now
	}
	if err := r.idx.storage.UpdateSource(ctx, r.source); err != nil {
		r.logger.Error("failed to update source", "error", err)
	}
}

// checkpoint rechecks the cancellation marker and returns types.ErrCancelled
// or the context error if the run must stop.
func (r *run) checkpoint() error {
	if r.tok == nil {
		return r.ctx.Err()
	}
	r.tok.CheckOnce()
	return r.tok.ThrowIfCancelled()
}

// interrupted reports why a failed call may have been aborted.
func (r *run) interrupted() error {
	if r.tok != nil {
		if r.tok.IsCancelled() {
			return types.ErrCancelled
		}
	}
	return r.ctx.Err()
}

// interruptedOr prefers the interruption cause over err.
func (r *run) interruptedOr(err error) error {
	if ierr := r.interrupted(); ierr != nil {
		return ierr
	}
	return err
}

// verbose logs at info level when the verbose option is set, debug otherwise.
func (r *run) verbose(msg string, args ...any) {
	level := slog.LevelDebug
	if r.opts.Verbose {
		level = slog.LevelInfo
	}
	r.logger.Log(r.ctx, level, msg, args...)
}
