package types

// SearchResult represents a single search result with relevance information
type SearchResult struct {
	// Identification
	ChunkID int64
	PointID string
	Rank    int // Position in result set (1-based)

	// Scoring
	RelevanceScore float64 // Combined score from vector + BM25 + RRF

	// Metadata
	SymbolName string
	ChunkType  ChunkType
	File       *FileInfo
	Content    string
}

// FileInfo contains file metadata for a search result
type FileInfo struct {
	Path      string // Relative to source root
	Language  string
	StartLine int
	EndLine   int
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.ChunkID == 0 {
		return ErrInvalidChunkID
	}

	if sr.Rank < 1 {
		return ErrInvalidRank
	}

	if sr.RelevanceScore < 0 || sr.RelevanceScore > 1 {
		return ErrInvalidRelevanceScore
	}

	if sr.File == nil {
		return ErrMissingFileInfo
	}

	if sr.Content == "" {
		return ErrEmptyContent
	}

	return nil
}

// EstimatedTokens is the cost of returning this result to a token-limited caller.
func (sr *SearchResult) EstimatedTokens() int {
	return EstimateTokens(sr.Content) + ResultMetadataTokens
}
