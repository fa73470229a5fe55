package types

import (
	"encoding/hex"
	"time"
)

// SourceType describes where a source's files come from.
type SourceType string

const (
	SourceLocal      SourceType = "LOCAL"
	SourceRemote     SourceType = "REMOTE"
	SourceRepository SourceType = "REPOSITORY"
)

// IndexingStatus is the coarse state of a source's index.
type IndexingStatus string

const (
	IndexingPending IndexingStatus = "PENDING"
	IndexingActive  IndexingStatus = "INDEXING"
	IndexingReady   IndexingStatus = "READY"
	IndexingError   IndexingStatus = "ERROR"
)

// Source is an indexed codebase.
type Source struct {
	ID             int64
	Path           string // absolute root path on disk, unique
	Type           SourceType
	RemoteURL      string
	IndexingStatus IndexingStatus
	FileCount      int
	ChunkCount     int
	SummaryCount   int
	LastIndexedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FileRecord is the persisted state of one file of a source.
// ContentHash gates reprocessing across runs.
type FileRecord struct {
	ID          int64
	SourceID    int64
	FilePath    string // relative to the source root, slash separated
	ContentHash [32]byte
	Size        int64
	Language    string
	ChunkCount  int
	LastIndexed time.Time
}

// HashHex returns the hex form of the file's content hash.
func (f *FileRecord) HashHex() string {
	return hex.EncodeToString(f.ContentHash[:])
}
