// Package searcher implements code search over an indexed source, combining
// vector similarity and keyword matching.
//
// The searcher provides three search modes:
//   - Hybrid: vector + BM25 keyword search fused with RRF (default)
//   - Vector: semantic search against the vector store
//   - Keyword: BM25 full-text search only, no embedding call
//
// # Basic Usage
//
//	s := searcher.NewSearcher(store, vectors, emb, logger)
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    SourceID:   source.ID,
//	    Query:      "user authentication logic",
//	    Limit:      10,
//	    TokenLimit: 4000,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s:%d %s (%.3f)\n",
//	        r.Rank, r.File.Path, r.File.StartLine, r.SymbolName, r.RelevanceScore)
//	}
//
// # Reciprocal Rank Fusion (RRF)
//
// Hybrid mode runs both legs concurrently and merges them:
//
//	For each result r in vector_results:
//	    rrf_score[r.chunk_id] += 1 / (k + r.rank)
//
//	For each result r in keyword_results:
//	    rrf_score[r.chunk_id] += 1 / (k + r.rank)
//
//	Sort by rrf_score descending
//
// Where k = 60 unless the request sets RRFConstant. If one leg fails the
// other leg's ranking is used alone.
//
// # Token Budget
//
// A positive TokenLimit cuts the ranked list with Truncate. Each result costs
// types.EstimateTokens(content) plus types.ResultMetadataTokens, and the walk
// stops at the first result that would overflow the budget:
//
//	tr := searcher.Truncate(results, 100)
//	// tr.Results is a prefix of results, tr.TotalTokens <= 100
//	// tr.Truncated == (len(tr.Results) < len(results))
//
// # Caching
//
// Responses are cached in an LRU keyed by the request and the source's last
// indexing time, so a completed indexing run makes earlier entries
// unreachable. InvalidateCache drops a source's entries explicitly.
package searcher
