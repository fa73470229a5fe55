package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/gocontext-indexd/internal/embedder"
	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/internal/vectorstore"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

// SearchMode defines how search is performed
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"  // Vector + BM25 with RRF
	SearchModeVector  SearchMode = "vector"  // Vector similarity only
	SearchModeKeyword SearchMode = "keyword" // BM25 text search only
)

const (
	DefaultLimit       = 10
	MaxLimit           = 100
	DefaultRRFConstant = 60
	DefaultCacheSize   = 1000
	DefaultCacheTTL    = time.Hour
)

// Valid reports whether m is a known mode.
func (m SearchMode) Valid() bool {
	return m == SearchModeHybrid || m == SearchModeVector || m == SearchModeKeyword
}

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	SourceID int64
	Query    string
	Limit    int
	Mode     SearchMode
	// TokenLimit bounds the estimated size of the response. Zero disables it.
	TokenLimit  int
	UseCache    bool
	CacheTTL    time.Duration
	RRFConstant float64 // k value for Reciprocal Rank Fusion (default 60)
}

// SearchResponse contains search results and metadata
type SearchResponse struct {
	Results       []types.SearchResult
	TotalResults  int
	SearchMode    SearchMode
	Duration      time.Duration
	CacheHit      bool
	VectorResults int
	TextResults   int
	// TotalTokens is the estimated cost of Results.
	TotalTokens int
	// Truncated is set when TokenLimit dropped ranked results.
	Truncated bool
}

type cacheEntry struct {
	sourceID  int64
	response  *SearchResponse
	expiresAt time.Time
}

// Searcher coordinates search across the vector store and the full-text index
type Searcher struct {
	storage  storage.Storage
	vectors  vectorstore.VectorStore
	embedder embedder.Embedder
	logger   *slog.Logger

	cache   *lru.Cache[[32]byte, *cacheEntry]
	cacheMu sync.RWMutex
}

// NewSearcher creates a Searcher with an LRU response cache of DefaultCacheSize entries
func NewSearcher(store storage.Storage, vectors vectorstore.VectorStore, emb embedder.Embedder, logger *slog.Logger) *Searcher {
	cache, err := lru.New[[32]byte, *cacheEntry](DefaultCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		storage:  store,
		vectors:  vectors,
		embedder: emb,
		logger:   logger,
		cache:    cache,
	}
}

// Search runs the request against one source. When TokenLimit is set the
// ranked results are cut to fit it with Truncate.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	startTime := time.Now()

	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if req.Mode != SearchModeKeyword && (s.embedder == nil || s.vectors == nil) {
		return nil, fmt.Errorf("%s search needs an embedder and a vector store", req.Mode)
	}

	source, err := s.storage.GetSource(ctx, req.SourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &types.NotFoundError{Kind: "source", ID: strconv.FormatInt(req.SourceID, 10)}
		}
		return nil, fmt.Errorf("load source: %w", err)
	}
	// The last indexing time is part of the key, so a finished run
	// invalidates earlier answers for its source.
	key := computeQueryHash(req, source.LastIndexedAt)

	if req.UseCache {
		if cached := s.checkCache(key); cached != nil {
			cached.CacheHit = true
			cached.Duration = time.Since(startTime)
			return cached, nil
		}
	}

	var response *SearchResponse
	switch req.Mode {
	case SearchModeHybrid:
		response, err = s.hybridSearch(ctx, req)
	case SearchModeVector:
		response, err = s.vectorSearch(ctx, req)
	case SearchModeKeyword:
		response, err = s.keywordSearch(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	if req.TokenLimit > 0 {
		tr := Truncate(response.Results, req.TokenLimit)
		response.Results = tr.Results
		response.TotalTokens = tr.TotalTokens
		response.Truncated = tr.Truncated
	} else {
		response.TotalTokens = totalTokens(response.Results)
	}
	response.TotalResults = len(response.Results)
	response.SearchMode = req.Mode
	response.Duration = time.Since(startTime)

	if req.UseCache && len(response.Results) > 0 {
		s.storeInCache(key, req, response)
	}

	s.logger.Debug("search completed",
		"source_id", req.SourceID,
		"mode", req.Mode,
		"results", response.TotalResults,
		"truncated", response.Truncated,
		"duration", response.Duration)
	return response, nil
}

// rankedResult is a chunk with its relevance score and rank
type rankedResult struct {
	chunkID int64
	score   float64
	rank    int
}

// vectorHits embeds the query and resolves the nearest points to chunks.
// A source that was never indexed has no collection and yields no hits.
func (s *Searcher) vectorHits(ctx context.Context, req SearchRequest, limit int) ([]rankedResult, map[int64]*types.Chunk, error) {
	embedding, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: req.Query})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	points, err := s.vectors.Query(ctx, embedding.Vector, vectorstore.Filter{SourceID: req.SourceID}, limit)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return nil, map[int64]*types.Chunk{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("vector query: %w", err)
	}

	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	chunks, err := s.storage.GetChunksByPointIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve vector hits: %w", err)
	}
	byPoint := make(map[string]*types.Chunk, len(chunks))
	for _, c := range chunks {
		byPoint[c.PointID] = c
	}

	ranked := make([]rankedResult, 0, len(points))
	known := make(map[int64]*types.Chunk, len(chunks))
	for _, p := range points {
		c, ok := byPoint[p.ID]
		if !ok {
			// Point without a chunk row; the next reconcile removes it.
			continue
		}
		known[c.ID] = c
		ranked = append(ranked, rankedResult{chunkID: c.ID, score: p.Score, rank: len(ranked) + 1})
	}
	return ranked, known, nil
}

func (s *Searcher) textHits(ctx context.Context, req SearchRequest, limit int) ([]rankedResult, error) {
	textResults, err := s.storage.SearchText(ctx, req.SourceID, req.Query, limit)
	if err != nil {
		return nil, err
	}
	ranked := make([]rankedResult, len(textResults))
	for i, tr := range textResults {
		ranked[i] = rankedResult{chunkID: tr.ChunkID, score: tr.BM25Score, rank: i + 1}
	}
	return ranked, nil
}

// searchResult holds the outcome of one concurrent leg of a hybrid search
type searchResult struct {
	ranked []rankedResult
	chunks map[int64]*types.Chunk
	err    error
}

// hybridSearch combines vector and BM25 search using Reciprocal Rank Fusion
func (s *Searcher) hybridSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	vectorChan := make(chan searchResult, 1)
	textChan := make(chan searchResult, 1)

	go func() {
		var res searchResult
		res.ranked, res.chunks, res.err = s.vectorHits(ctx, req, req.Limit*2)
		vectorChan <- res
	}()
	go func() {
		var res searchResult
		res.ranked, res.err = s.textHits(ctx, req, req.Limit*2)
		textChan <- res
	}()

	var vectorRes, textRes searchResult
	var vectorDone, textDone bool
	for !vectorDone || !textDone {
		select {
		case vectorRes = <-vectorChan:
			vectorDone = true
		case textRes = <-textChan:
			textDone = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// One leg may fail
	if vectorRes.err != nil && textRes.err != nil {
		return nil, fmt.Errorf("both searches failed: vector=%w, text=%v", vectorRes.err, textRes.err)
	}
	if vectorRes.err != nil {
		s.logger.Warn("vector search failed, using text results", "error", vectorRes.err)
	}
	if textRes.err != nil {
		s.logger.Warn("text search failed, using vector results", "error", textRes.err)
	}

	fused := applyRRF(vectorRes.ranked, textRes.ranked, req.RRFConstant)
	results, err := s.fetchResults(ctx, fused, vectorRes.chunks, req.Limit)
	if err != nil {
		return nil, err
	}

	return &SearchResponse{
		Results:       results,
		VectorResults: len(vectorRes.ranked),
		TextResults:   len(textRes.ranked),
	}, nil
}

// vectorSearch performs only vector similarity search
func (s *Searcher) vectorSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	ranked, chunks, err := s.vectorHits(ctx, req, req.Limit)
	if err != nil {
		return nil, err
	}
	results, err := s.fetchResults(ctx, ranked, chunks, req.Limit)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{Results: results, VectorResults: len(ranked)}, nil
}

// keywordSearch performs only BM25 text search
func (s *Searcher) keywordSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	ranked, err := s.textHits(ctx, req, req.Limit)
	if err != nil {
		return nil, err
	}
	results, err := s.fetchResults(ctx, ranked, nil, req.Limit)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{Results: results, TextResults: len(ranked)}, nil
}

// applyRRF fuses two rankings with Reciprocal Rank Fusion:
// RRF(d) = Σ 1/(k + rank(d))
func applyRRF(vectorResults, textResults []rankedResult, k float64) []rankedResult {
	if k == 0 {
		k = DefaultRRFConstant
	}

	scores := make(map[int64]float64)
	for _, r := range vectorResults {
		scores[r.chunkID] += 1.0 / (k + float64(r.rank))
	}
	for _, r := range textResults {
		scores[r.chunkID] += 1.0 / (k + float64(r.rank))
	}

	results := make([]rankedResult, 0, len(scores))
	for chunkID, score := range scores {
		results = append(results, rankedResult{chunkID: chunkID, score: score})
	}
	sortRankedResults(results)
	for i := range results {
		results[i].rank = i + 1
	}
	return results
}

// fetchResults loads chunk data for the top ranked results. Chunks already
// resolved by the vector leg are reused.
func (s *Searcher) fetchResults(ctx context.Context, ranked []rankedResult, known map[int64]*types.Chunk, limit int) ([]types.SearchResult, error) {
	if limit > len(ranked) {
		limit = len(ranked)
	}

	results := make([]types.SearchResult, 0, limit)
	for _, rr := range ranked[:limit] {
		chunk, ok := known[rr.chunkID]
		if !ok {
			var err error
			chunk, err = s.storage.GetChunk(ctx, rr.chunkID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("load chunk %d: %w", rr.chunkID, err)
			}
		}

		results = append(results, types.SearchResult{
			ChunkID:        chunk.ID,
			PointID:        chunk.PointID,
			Rank:           len(results) + 1,
			RelevanceScore: rr.score,
			SymbolName:     chunk.SymbolName,
			ChunkType:      chunk.ChunkType,
			File: &types.FileInfo{
				Path:      chunk.FilePath,
				Language:  chunk.Language,
				StartLine: chunk.StartLine,
				EndLine:   chunk.EndLine,
			},
			Content: chunk.Content,
		})
	}
	return results, nil
}

func validateRequest(req *SearchRequest) error {
	if strings.TrimSpace(req.Query) == "" {
		return &types.ValidationError{Field: "query", Message: "cannot be empty"}
	}
	if req.SourceID <= 0 {
		return &types.ValidationError{Field: "source_id", Message: "must be positive"}
	}
	if req.TokenLimit < 0 {
		return &types.ValidationError{Field: "token_limit", Message: "cannot be negative"}
	}
	if req.Mode == "" {
		req.Mode = SearchModeHybrid
	}
	if !req.Mode.Valid() {
		return &types.ValidationError{Field: "mode", Message: "unsupported search mode " + string(req.Mode)}
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	if req.RRFConstant == 0 {
		req.RRFConstant = DefaultRRFConstant
	}
	if req.CacheTTL == 0 {
		req.CacheTTL = DefaultCacheTTL
	}
	return nil
}

func (s *Searcher) checkCache(key [32]byte) *SearchResponse {
	s.cacheMu.RLock()
	entry, found := s.cache.Get(key)
	if !found {
		s.cacheMu.RUnlock()
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		s.cacheMu.RUnlock()
		s.cacheMu.Lock()
		s.cache.Remove(key)
		s.cacheMu.Unlock()
		return nil
	}
	response := copySearchResponse(entry.response)
	s.cacheMu.RUnlock()
	return response
}

func (s *Searcher) storeInCache(key [32]byte, req SearchRequest, response *SearchResponse) {
	entry := &cacheEntry{
		sourceID:  req.SourceID,
		response:  copySearchResponse(response),
		expiresAt: time.Now().Add(req.CacheTTL),
	}
	s.cacheMu.Lock()
	s.cache.Add(key, entry)
	s.cacheMu.Unlock()
}

// copySearchResponse creates a deep copy of a SearchResponse
func copySearchResponse(src *SearchResponse) *SearchResponse {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Results = make([]types.SearchResult, len(src.Results))
	for i, result := range src.Results {
		dst.Results[i] = result
		// FileInfo holds only scalars, so a shallow copy is enough.
		if result.File != nil {
			fileCopy := *result.File
			dst.Results[i].File = &fileCopy
		}
	}
	return &dst
}

// computeQueryHash derives the cache key of a request
func computeQueryHash(req SearchRequest, indexedAt *time.Time) [32]byte {
	var data strings.Builder
	data.WriteString(req.Query)
	data.WriteString("|")
	data.WriteString(string(req.Mode))
	fmt.Fprintf(&data, "|%d|%d|%d|%g", req.SourceID, req.Limit, req.TokenLimit, req.RRFConstant)
	if indexedAt != nil {
		fmt.Fprintf(&data, "|%d", indexedAt.UnixNano())
	}
	return sha256.Sum256([]byte(data.String()))
}

// sortRankedResults orders by score descending, then chunk id for stability
func sortRankedResults(results []rankedResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].chunkID < results[j].chunkID
	})
}

// InvalidateCache drops cached responses for one source
func (s *Searcher) InvalidateCache(sourceID int64) int {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	removed := 0
	for _, key := range s.cache.Keys() {
		if entry, ok := s.cache.Peek(key); ok && entry.sourceID == sourceID {
			s.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// CacheLen returns the number of cached responses.
func (s *Searcher) CacheLen() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}
