package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

// HashAlgorithm names the digest used for file and chunk content hashes.
// It is part of the persisted format.
const HashAlgorithm = "sha256"

// Storage defines the interface for relational persistence of sources,
// files, chunks and generation cache entries.
type Storage interface {
	// Source operations
	CreateSource(ctx context.Context, source *types.Source) error
	GetSource(ctx context.Context, sourceID int64) (*types.Source, error)
	GetSourceByPath(ctx context.Context, path string) (*types.Source, error)
	ListSources(ctx context.Context) ([]*types.Source, error)
	UpdateSource(ctx context.Context, source *types.Source) error
	// DeleteSource drops the source row. Files, chunks and generation cache
	// entries cascade.
	DeleteSource(ctx context.Context, sourceID int64) error

	// File operations
	UpsertFile(ctx context.Context, file *types.FileRecord) error
	GetFile(ctx context.Context, sourceID int64, filePath string) (*types.FileRecord, error)
	ListFiles(ctx context.Context, sourceID int64) ([]*types.FileRecord, error)
	DeleteFile(ctx context.Context, fileID int64) error

	// ReplaceFileChunks atomically upserts the file record, replaces its
	// chunks, and prunes generation cache entries of that path whose
	// (chunk key, chunk hash) no longer matches a new chunk.
	ReplaceFileChunks(ctx context.Context, file *types.FileRecord, chunks []*types.Chunk) error
	// RemoveFile atomically drops the file record, its chunks and its
	// generation cache entries. Removing an unknown path is a no-op.
	RemoveFile(ctx context.Context, sourceID int64, filePath string) error

	// Chunk operations
	GetChunk(ctx context.Context, chunkID int64) (*types.Chunk, error)
	ListChunksByFile(ctx context.Context, fileID int64) ([]*types.Chunk, error)
	ListChunksBySource(ctx context.Context, sourceID int64) ([]*types.Chunk, error)
	GetChunksByPointIDs(ctx context.Context, pointIDs []string) ([]*types.Chunk, error)
	CountChunksBySource(ctx context.Context, sourceID int64) (int, error)
	SearchText(ctx context.Context, sourceID int64, query string, limit int) ([]TextResult, error)

	// Generation cache operations
	GetGeneration(ctx context.Context, chunkKey, generationType string, chunkHash [32]byte) (*types.GenerationCacheEntry, error)
	PutGeneration(ctx context.Context, entry *types.GenerationCacheEntry) error
	DeleteGenerationsByFile(ctx context.Context, sourceID int64, filePath string) (int, error)
	// PurgeStaleGenerations deletes entries whose chunk key and hash no
	// longer match any stored chunk of the source.
	PurgeStaleGenerations(ctx context.Context, sourceID int64) (int, error)
	CountGenerations(ctx context.Context, sourceID int64, generationType string) (int, error)

	// Status operations
	GetStatus(ctx context.Context, sourceID int64) (*SourceStatus, error)

	Close() error
}

// TextResult represents a result from full-text search
type TextResult struct {
	ChunkID   int64
	BM25Score float64
}

// SourceStatus contains statistics about an indexed source
type SourceStatus struct {
	Source         *types.Source
	FilesCount     int
	ChunksCount    int
	SummariesCount int
	IndexSizeMB    float64
	LastIndexedAt  *time.Time
	Health         HealthStatus
}

// HealthStatus represents the health of the index
type HealthStatus struct {
	DatabaseAccessible bool
	FTSIndexesBuilt    bool
}

// EnsureSource returns the source registered at path, creating a LOCAL
// source if none exists. created reports whether this call registered it.
func EnsureSource(ctx context.Context, store Storage, path string) (source *types.Source, created bool, err error) {
	source, err = store.GetSourceByPath(ctx, path)
	if err == nil {
		return source, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	source = &types.Source{Path: path, Type: types.SourceLocal}
	if err := store.CreateSource(ctx, source); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Lost a race with another registration.
			source, err = store.GetSourceByPath(ctx, path)
			return source, false, err
		}
		return nil, false, err
	}
	return source, true, nil
}
