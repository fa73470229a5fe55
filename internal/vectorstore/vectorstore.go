package vectorstore

import (
	"context"
	"errors"
)

var (
	// ErrCollectionNotFound is returned by writes and reads that need the
	// collection to exist. Deletes treat a missing collection as a no-op.
	ErrCollectionNotFound = errors.New("vector collection not found")
	// ErrEmptyFilter guards against an accidental delete of every point.
	ErrEmptyFilter = errors.New("filter must name a source")
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the collection dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Payload is the metadata stored alongside each point.
type Payload struct {
	SourceID    int64  `json:"source_id"`
	FilePath    string `json:"file_path"`
	ChunkIndex  int    `json:"chunk_index"`
	ContentHash string `json:"content_hash"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	SymbolName  string `json:"symbol_name,omitempty"`
	ChunkType   string `json:"chunk_type"`
	Language    string `json:"language,omitempty"`
}

// Point is one vector with its stable id and payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// ScoredPoint is a query hit. Score is cosine similarity, higher is better.
type ScoredPoint struct {
	Point
	Score float64
}

// Filter selects points by source and, optionally, by file path.
type Filter struct {
	SourceID int64
	FilePath string
}

func (f Filter) validate() error {
	if f.SourceID <= 0 {
		return ErrEmptyFilter
	}
	return nil
}

// VectorStore is an external similarity index keyed by stable point ids.
type VectorStore interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, dimension int) error
	// Upsert inserts or overwrites points by id.
	Upsert(ctx context.Context, points []Point) error
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteByFilter(ctx context.Context, filter Filter) error
	// Query returns ErrCollectionNotFound when the collection was never created.
	Query(ctx context.Context, vector []float32, filter Filter, limit int) ([]ScoredPoint, error)
	// Scroll lists points without scoring. limit <= 0 returns all matches.
	Scroll(ctx context.Context, filter Filter, limit int) ([]Point, error)
	Count(ctx context.Context, filter Filter) (int, error)
	Close() error
}
