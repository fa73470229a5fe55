package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

const testDimension = 16

// countingEmbedder wraps the local provider and records every embedded text.
type countingEmbedder struct {
	*embedder.LocalProvider

	mu      sync.Mutex
	texts   []string
	batches int
	// onBatch runs after each successful batch with the batch count
	onBatch func(batches int)
}

func newCountingEmbedder() *countingEmbedder {
	return &countingEmbedder{LocalProvider: embedder.NewLocalProvider(testDimension)}
}

func (e *countingEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	for _, text := range req.Texts {
		if strings.Contains(text, "FAIL_EMBED") {
			return nil, errors.New("embedding provider rejected input")
		}
	}
	resp, err := e.LocalProvider.GenerateBatch(ctx, req)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.texts = append(e.texts, req.Texts...)
	e.batches++
	n := e.batches
	hook := e.onBatch
	e.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return resp, nil
}

func (e *countingEmbedder) embedded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.texts)
}

func (e *countingEmbedder) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = nil
	e.batches = 0
}

// fakeGenerator counts summary calls per file path.
type fakeGenerator struct {
	mu    sync.Mutex
	calls map[string]int
	total int
	err   error
	// panicMsg, when set, makes Generate panic
	panicMsg string
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{calls: make(map[string]int)}
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panicMsg != "" {
		panic(g.panicMsg)
	}
	g.total++
	first, _, _ := strings.Cut(prompt, "\n")
	path := strings.TrimPrefix(first, "File: ")
	g.calls[path]++
	if g.err != nil {
		return "", g.err
	}
	return "summary of " + path, nil
}

func (g *fakeGenerator) Model() string { return "fake-model" }

func (g *fakeGenerator) callsFor(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[path]
}

func (g *fakeGenerator) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

func (g *fakeGenerator) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = make(map[string]int)
	g.total = 0
}

// failingUpserts makes every upsert fail, as an unreachable vector store would.
type failingUpserts struct {
	vectorstore.VectorStore
}

func (f failingUpserts) Upsert(context.Context, []vectorstore.Point) error {
	return errors.New("connection refused")
}

// flagChecker reports cancellation once the flag is set.
type flagChecker struct {
	flag atomic.Bool
}

func (c *flagChecker) IsCancellationRequested(context.Context, string) (bool, error) {
	return c.flag.Load(), nil
}

type harness struct {
	t       *testing.T
	root    string
	store   *storage.SQLiteStorage
	vectors vectorstore.VectorStore
	emb     *countingEmbedder
	gen     *fakeGenerator
	idx     *Indexer
	source  *types.Source
}

func newHarness(t *testing.T, configure ...func(*Deps, *Config)) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		t:       t,
		root:    t.TempDir(),
		store:   store,
		vectors: vectorstore.NewSQLiteStore(store.DB()),
		emb:     newCountingEmbedder(),
		gen:     newFakeGenerator(),
	}

	deps := Deps{
		Storage:   store,
		Embedder:  h.emb,
		Generator: h.gen,
	}
	cfg := Config{SummaryConcurrency: 2}
	for _, fn := range configure {
		fn(&deps, &cfg)
	}
	if deps.Sync == nil {
		deps.Sync = vectorsync.New(h.vectors, nil)
	}
	h.idx, err = New(deps, cfg)
	require.NoError(t, err)

	h.source = &types.Source{Path: h.root}
	require.NoError(t, store.CreateSource(context.Background(), h.source))
	return h
}

func (h *harness) write(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))
}

func (h *harness) remove(rel string) {
	h.t.Helper()
	require.NoError(h.t, os.Remove(filepath.Join(h.root, filepath.FromSlash(rel))))
}

func (h *harness) run(opts pipeline.Options) (pipeline.Result, error) {
	pc := pipeline.New(h.source.ID, h.root, opts, nil)
	return h.idx.Run(context.Background(), pc, nil)
}

func (h *harness) mustRun(opts pipeline.Options) pipeline.Result {
	h.t.Helper()
	result, err := h.run(opts)
	require.NoError(h.t, err)
	require.True(h.t, result.Success)
	return result
}

func (h *harness) chunkCount() int {
	h.t.Helper()
	n, err := h.store.CountChunksBySource(context.Background(), h.source.ID)
	require.NoError(h.t, err)
	return n
}

func (h *harness) pointCount() int {
	h.t.Helper()
	n, err := h.vectors.Count(context.Background(), vectorstore.Filter{SourceID: h.source.ID})
	require.NoError(h.t, err)
	return n
}

func (h *harness) summaryCount() int {
	h.t.Helper()
	n, err := h.store.CountGenerations(context.Background(), h.source.ID, types.GenerationSummary)
	require.NoError(h.t, err)
	return n
}

func goFile(pkg string, funcs ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n", pkg)
	for _, f := range funcs {
		b.WriteString("\n")
		b.WriteString(f)
		b.WriteString("\n")
	}
	return b.String()
}

func expectedChunks(t *testing.T, path, content string) int {
	t.Helper()
	specs, err := chunker.New().Chunk(path, chunker.DetectLanguage(path), []byte(content))
	require.NoError(t, err)
	return len(specs)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = New(Deps{Storage: store}, Config{})
	assert.Error(t, err)

	idx, err := New(Deps{
		Storage:  store,
		Sync:     vectorsync.New(vectorstore.NewSQLiteStore(store.DB()), nil),
		Embedder: embedder.NewLocalProvider(testDimension),
	}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSummaryConcurrency, idx.config.SummaryConcurrency)
	assert.Equal(t, int64(DefaultMaxFileSize), idx.config.MaxFileSize)
}

func TestRun_FirstIndex(t *testing.T) {
	h := newHarness(t)
	a := goFile("demo", "func A() int { return 1 }", "func B() int { return 2 }")
	h.write("a.go", a)
	h.write("docs/readme.md", "# Demo\n\nSome docs.\n")

	result := h.mustRun(pipeline.Options{})

	want := expectedChunks(t, "a.go", a) + expectedChunks(t, "docs/readme.md", "# Demo\n\nSome docs.\n")
	assert.Equal(t, 2, result.Counters.FilesTotal)
	assert.Equal(t, 2, result.Counters.FilesProcessed)
	assert.Equal(t, 2, result.Counters.FilesAdded)
	assert.Equal(t, want, result.Counters.ChunksCreated)
	assert.Equal(t, want, result.Counters.SummariesGenerated)
	assert.Empty(t, result.Errors)

	assert.Equal(t, want, h.chunkCount())
	assert.Equal(t, want, h.pointCount())
	assert.Equal(t, want, h.summaryCount())
	assert.Equal(t, want, h.emb.embedded())

	source, err := h.store.GetSource(context.Background(), h.source.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IndexingReady, source.IndexingStatus)
	assert.Equal(t, 2, source.FileCount)
	assert.Equal(t, want, source.ChunkCount)
	assert.Equal(t, want, source.SummaryCount)
	assert.NotNil(t, source.LastIndexedAt)
}

func TestRun_AddModifySkip(t *testing.T) {
	h := newHarness(t)
	a := goFile("demo", "func A() int { return 1 }")
	b := goFile("demo", "func B1() int { return 1 }", "func B2() int { return 2 }")
	h.write("a.go", a)
	h.write("b.go", b)
	h.mustRun(pipeline.Options{})

	h.emb.reset()
	h.gen.reset()

	// B's second function changes, C is new, A is untouched.
	b2 := goFile("demo", "func B1() int { return 1 }", "func B2() int { return 20 }")
	c := goFile("demo", "func C() string { return \"c\" }")
	h.write("b.go", b2)
	h.write("c.go", c)

	result := h.mustRun(pipeline.Options{})

	assert.Equal(t, 3, result.Counters.FilesProcessed)
	assert.Equal(t, 1, result.Counters.FilesAdded)
	assert.Equal(t, 1, result.Counters.FilesModified)
	assert.Equal(t, 0, result.Counters.FilesRemoved)
	assert.Equal(t, 1, result.Counters.FilesSkipped)
	assert.Equal(t, expectedChunks(t, "b.go", b2)+expectedChunks(t, "c.go", c), result.Counters.ChunksCreated)

	assert.Zero(t, h.gen.callsFor("a.go"), "unchanged file must not be summarized")
	for _, text := range h.emb.texts {
		assert.NotContains(t, text, "func A()", "unchanged file must not be embedded")
	}

	// Only the changed chunk of B misses the generation cache.
	assert.Equal(t, 1, h.gen.callsFor("b.go"))
	assert.Equal(t, 1, h.gen.callsFor("c.go"))
	assert.Equal(t, 2, result.Counters.SummariesGenerated)

	total := h.chunkCount()
	assert.Equal(t, 4, total)
	assert.Equal(t, total, h.pointCount())
	assert.Equal(t, total, h.summaryCount(), "stale summaries for B are pruned")
}

func TestRun_UnchangedSourceMakesNoProviderCalls(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}"))
	h.write("b.go", goFile("demo", "func B() {}"))
	h.mustRun(pipeline.Options{})

	h.emb.reset()
	h.gen.reset()
	result := h.mustRun(pipeline.Options{})

	assert.Equal(t, 2, result.Counters.FilesProcessed)
	assert.Equal(t, 2, result.Counters.FilesSkipped)
	assert.Zero(t, result.Counters.ChunksCreated)
	assert.Zero(t, h.emb.embedded())
	assert.Zero(t, h.gen.totalCalls())
}

func TestRun_LineEndingsDoNotChangeHash(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", "package demo\n\nfunc A() {}\n")
	h.mustRun(pipeline.Options{})

	h.write("a.go", "package demo\r\n\r\nfunc A() {}\r\n")
	result := h.mustRun(pipeline.Options{})
	assert.Equal(t, 1, result.Counters.FilesSkipped)
	assert.Zero(t, result.Counters.FilesModified)
}

func TestRun_RemoveFile(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}"))
	h.write("b.go", goFile("demo", "func B() {}", "func B2() {}"))
	h.mustRun(pipeline.Options{})

	h.remove("b.go")
	result := h.mustRun(pipeline.Options{})

	assert.Equal(t, 1, result.Counters.FilesRemoved)
	assert.Equal(t, 1, result.Counters.FilesProcessed)
	assert.Equal(t, 1, result.Counters.FilesSkipped)

	ctx := context.Background()
	_, err := h.store.GetFile(ctx, h.source.ID, "b.go")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := h.vectors.Count(ctx, vectorstore.Filter{SourceID: h.source.ID, FilePath: "b.go"})
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, 1, h.chunkCount())
	assert.Equal(t, 1, h.pointCount())
	assert.Equal(t, 1, h.summaryCount())
}

func TestRun_ForceReprocessesButReusesSummaries(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}", "func A2() {}"))
	h.mustRun(pipeline.Options{})

	h.emb.reset()
	h.gen.reset()
	result := h.mustRun(pipeline.Options{Force: true})

	assert.Equal(t, 1, result.Counters.FilesModified)
	assert.Equal(t, 2, result.Counters.ChunksCreated)
	assert.Equal(t, 2, h.emb.embedded())
	assert.Zero(t, h.gen.totalCalls(), "unchanged chunk hashes hit the generation cache")
	assert.Zero(t, result.Counters.SummariesGenerated)
	assert.Equal(t, 2, h.chunkCount())
	assert.Equal(t, 2, h.pointCount())
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness(t)
	content := goFile("demo", "func A() {}", "func B() {}")
	h.write("a.go", content)

	result := h.mustRun(pipeline.Options{DryRun: true})

	assert.Equal(t, 1, result.Counters.FilesAdded)
	assert.Equal(t, expectedChunks(t, "a.go", content), result.Counters.ChunksCreated)
	assert.Zero(t, h.emb.embedded())
	assert.Zero(t, h.gen.totalCalls())
	assert.Zero(t, h.chunkCount())
	assert.Zero(t, h.pointCount())

	source, err := h.store.GetSource(context.Background(), h.source.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IndexingPending, source.IndexingStatus)
}

func TestRun_SkipLLM(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}"))

	result := h.mustRun(pipeline.Options{SkipLLM: true})
	assert.Equal(t, 1, result.Counters.ChunksCreated)
	assert.Zero(t, result.Counters.SummariesGenerated)
	assert.Zero(t, h.gen.totalCalls())
	assert.Zero(t, h.summaryCount())
}

func TestRun_NoGeneratorSkipsSummaries(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Config) { d.Generator = nil })
	h.write("a.go", goFile("demo", "func A() {}"))

	result := h.mustRun(pipeline.Options{})
	assert.Equal(t, 1, result.Counters.ChunksCreated)
	assert.Zero(t, result.Counters.SummariesGenerated)
}

func TestRun_PerFileFailureIsRecoverable(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}"))
	h.write("b.go", goFile("demo", "// FAIL_EMBED\nfunc B() {}"))
	h.write("c.go", goFile("demo", "func C() {}"))

	result := h.mustRun(pipeline.Options{})

	assert.Equal(t, 3, result.Counters.FilesProcessed)
	assert.Equal(t, 2, result.Counters.FilesAdded)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "b.go", result.Errors[0].File)
	assert.True(t, result.Errors[0].Recoverable)

	_, err := h.store.GetFile(context.Background(), h.source.ID, "b.go")
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed file has no record so the next run retries it")
	assert.Equal(t, 2, h.chunkCount())
	assert.Equal(t, 2, h.pointCount())
}

func TestRun_FailedModifyKeepsPreviousState(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}"))
	h.mustRun(pipeline.Options{})

	h.write("a.go", goFile("demo", "// FAIL_EMBED\nfunc A() {}"))
	result := h.mustRun(pipeline.Options{})
	assert.Len(t, result.Errors, 1)
	assert.Zero(t, result.Counters.FilesModified)

	assert.Equal(t, 1, h.chunkCount())
	assert.Equal(t, 1, h.pointCount())

	// Still classified as modified on the next run
	h.write("a.go", goFile("demo", "func A() { _ = 1 }"))
	result = h.mustRun(pipeline.Options{})
	assert.Equal(t, 1, result.Counters.FilesModified)
}

func TestRun_VectorStoreFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	failing := vectorsync.New(failingUpserts{VectorStore: h.vectors}, nil)
	idx, err := New(Deps{Storage: h.store, Sync: failing, Embedder: h.emb, Generator: h.gen}, Config{})
	require.NoError(t, err)
	h.idx = idx

	h.write("a.go", goFile("demo", "func A() {}"))
	h.write("b.go", goFile("demo", "func B() {}"))

	result, err := h.run(pipeline.Options{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.False(t, result.Errors[len(result.Errors)-1].Recoverable)

	// The run stopped at the first file
	assert.Equal(t, 1, result.Counters.FilesProcessed)
	assert.Zero(t, h.chunkCount())
	assert.Zero(t, h.gen.totalCalls())

	source, err := h.store.GetSource(context.Background(), h.source.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IndexingError, source.IndexingStatus)
}

func TestRun_CancellationStopsWrites(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}"))
	h.write("b.go", goFile("demo", "func B() {}"))
	h.write("c.go", goFile("demo", "func C() {}"))

	checker := &flagChecker{}
	h.emb.onBatch = func(batches int) {
		if batches == 2 {
			checker.flag.Store(true)
		}
	}

	tok := cancel.New(context.Background(), "task-1", checker, time.Hour, nil)
	defer tok.Stop()

	pc := pipeline.New(h.source.ID, h.root, pipeline.Options{}, nil)
	result, err := h.idx.Run(context.Background(), pc, tok)

	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.False(t, result.Success)
	assert.Empty(t, result.Errors, "cancellation is not an error")
	assert.Equal(t, 1, result.Counters.FilesAdded)

	// b.go was embedded but never written
	_, err = h.store.GetFile(context.Background(), h.source.ID, "b.go")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, h.chunkCount())
	assert.Equal(t, 1, h.pointCount())
	assert.Zero(t, h.gen.totalCalls())
}

func TestRun_ParentContextInterrupts(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}"))

	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()

	tok := cancel.New(ctx, "task-1", &flagChecker{}, time.Hour, nil)
	defer tok.Stop()

	pc := pipeline.New(h.source.ID, h.root, pipeline.Options{}, nil)
	result, err := h.idx.Run(ctx, pc, tok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, types.ErrCancelled)
	assert.False(t, result.Success)
}

func TestRun_FatalProviderErrorStopsSummaries(t *testing.T) {
	h := newHarness(t, func(_ *Deps, c *Config) { c.SummaryConcurrency = 1 })
	h.gen.err = fmt.Errorf("%w: credit balance too low", llm.ErrFatalAPI)
	h.write("a.go", goFile("demo", "func A() {}", "func B() {}", "func C() {}"))

	result := h.mustRun(pipeline.Options{})

	assert.Equal(t, 1, h.gen.totalCalls())
	assert.Equal(t, 3, result.Counters.ChunksCreated)
	assert.Zero(t, result.Counters.SummariesGenerated)
	require.Len(t, result.Errors, 1)
	assert.True(t, result.Errors[0].Recoverable)
}

func TestRun_GeneratorPanicFailsRun(t *testing.T) {
	h := newHarness(t)
	h.gen.panicMsg = "provider client nil deref"
	h.write("a.go", goFile("demo", "func A() {}", "func B() {}"))

	result, err := h.run(pipeline.Options{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider client nil deref")
	assert.NotErrorIs(t, err, types.ErrCancelled)
	assert.False(t, result.Success)
	assert.Zero(t, h.summaryCount())
}

func TestRun_ReconcileRepairsVectorIndex(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}", "func B() {}"))
	h.mustRun(pipeline.Options{})

	ctx := context.Background()
	missing := vectorsync.PointID(h.source.ID, "a.go", 0)
	require.NoError(t, h.vectors.DeleteByIDs(ctx, []string{missing}))

	stray := make([]float32, testDimension)
	stray[0] = 1
	require.NoError(t, h.vectors.Upsert(ctx, []vectorstore.Point{{
		ID:      vectorsync.PointID(h.source.ID, "gone.go", 0),
		Vector:  stray,
		Payload: vectorstore.Payload{SourceID: h.source.ID, FilePath: "gone.go", ChunkType: "function", StartLine: 1, EndLine: 1},
	}}))

	h.mustRun(pipeline.Options{})

	points, err := h.vectors.Scroll(ctx, vectorstore.Filter{SourceID: h.source.ID}, 0)
	require.NoError(t, err)
	require.Len(t, points, 2)
	ids := []string{points[0].ID, points[1].ID}
	assert.Contains(t, ids, missing)
	for _, p := range points {
		assert.Equal(t, "a.go", p.Payload.FilePath)
	}
}

func TestRun_SourceBusy(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.idx.locks.TryAcquire(h.source.ID))
	defer h.idx.locks.Release(h.source.ID)

	result, err := h.run(pipeline.Options{})
	assert.ErrorIs(t, err, ErrSourceBusy)
	assert.False(t, result.Success)
}

func TestRun_UnknownSource(t *testing.T) {
	h := newHarness(t)
	pc := pipeline.New(999, h.root, pipeline.Options{}, nil)
	_, err := h.idx.Run(context.Background(), pc, nil)
	assert.True(t, types.IsNotFound(err))
}

func TestRun_ReportsProgress(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}"))
	h.write("b.go", goFile("demo", "func B() {}"))

	var mu sync.Mutex
	phases := make(map[string]int)
	var files []string
	pc := pipeline.New(h.source.ID, h.root, pipeline.Options{}, func(p pipeline.Progress) {
		mu.Lock()
		defer mu.Unlock()
		phases[p.Phase]++
		if p.Phase == pipeline.PhaseChunk {
			files = append(files, p.CurrentFile)
		}
	})
	_, err := h.idx.Run(context.Background(), pc, nil)
	require.NoError(t, err)

	for _, phase := range []string{pipeline.PhaseScan, pipeline.PhaseDiff, pipeline.PhaseChunk,
		pipeline.PhaseEmbed, pipeline.PhaseStore, pipeline.PhaseSummarize, pipeline.PhaseReconcile} {
		assert.Positive(t, phases[phase], phase)
	}
	assert.Equal(t, []string{"a.go", "b.go"}, files)
}

func TestRunSummaries(t *testing.T) {
	h := newHarness(t)
	h.write("a.go", goFile("demo", "func A() {}", "func B() {}"))
	h.mustRun(pipeline.Options{SkipLLM: true})
	require.Zero(t, h.summaryCount())

	pc := pipeline.New(h.source.ID, h.root, pipeline.Options{}, nil)
	result, err := h.idx.RunSummaries(context.Background(), pc, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Counters.SummariesGenerated)
	assert.Equal(t, 2, h.summaryCount())

	// Second pass is fully cached
	pc = pipeline.New(h.source.ID, h.root, pipeline.Options{}, nil)
	result, err = h.idx.RunSummaries(context.Background(), pc, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Counters.SummariesGenerated)
	assert.Equal(t, 2, h.gen.totalCalls())

	source, err := h.store.GetSource(context.Background(), h.source.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, source.SummaryCount)
	assert.Equal(t, types.IndexingReady, source.IndexingStatus)
}
