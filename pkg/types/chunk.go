package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ChunkType represents the type of code chunk
type ChunkType string

const (
	ChunkFunction   ChunkType = "function"
	ChunkTypeDecl   ChunkType = "type"
	ChunkMethod     ChunkType = "method"
	ChunkPackage    ChunkType = "package"
	ChunkConstGroup ChunkType = "const_group"
	ChunkVarGroup   ChunkType = "var_group"
	ChunkBlock      ChunkType = "block"
)

// ChunkSpec is what a chunk producer emits for one span of a file.
type ChunkSpec struct {
	Type       ChunkType
	SymbolName string
	StartLine  int
	EndLine    int
	Content    string
}

// Chunk is a persisted span of a source file.
//
// Its stable identity is (SourceID, FilePath, ChunkIndex). PointID is derived
// from that triple and doubles as the vector point id and the generation cache key.
type Chunk struct {
	ID          int64
	SourceID    int64
	FileID      int64
	FilePath    string
	ChunkIndex  int
	PointID     string
	Content     string
	ContentHash [32]byte // SHA-256 of normalized content
	TokenCount  int
	StartLine   int
	EndLine     int
	SymbolName  string
	ChunkType   ChunkType
	Language    string
}

// ValidateContent checks if the chunk content is valid
func (c *Chunk) ValidateContent() error {
	if c.Content == "" {
		return errors.New("chunk content cannot be empty")
	}

	if c.StartLine <= 0 || c.EndLine <= 0 {
		return errors.New("line numbers must be positive")
	}

	if c.StartLine > c.EndLine {
		return errors.New("start line must be before or equal to end line")
	}

	return nil
}

// ValidateChunkType checks if the chunk type is valid
func (c *Chunk) ValidateChunkType() error {
	switch c.ChunkType {
	case ChunkFunction, ChunkTypeDecl, ChunkMethod, ChunkPackage, ChunkConstGroup, ChunkVarGroup, ChunkBlock:
		return nil
	default:
		return errors.New("invalid chunk type")
	}
}

// Validate performs comprehensive validation of the chunk
func (c *Chunk) Validate() error {
	if err := c.ValidateContent(); err != nil {
		return err
	}

	if err := c.ValidateChunkType(); err != nil {
		return err
	}

	if c.SourceID == 0 {
		return errors.New("source ID is required")
	}

	if c.PointID == "" {
		return errors.New("point ID is required")
	}

	var zeroHash [32]byte
	if c.ContentHash == zeroHash {
		return errors.New("content hash must be computed")
	}

	return nil
}

// ComputeTokenCount sets TokenCount from the shared estimate.
func (c *Chunk) ComputeTokenCount() int {
	c.TokenCount = EstimateTokens(c.Content)
	return c.TokenCount
}

// ComputeContentHash sets ContentHash from the chunk content.
func (c *Chunk) ComputeContentHash() {
	c.ContentHash = HashContent([]byte(c.Content))
}

// HashHex returns the hex form of the chunk's content hash.
func (c *Chunk) HashHex() string {
	return hex.EncodeToString(c.ContentHash[:])
}

// GenerationSummary is the generation type for per-chunk summaries.
const GenerationSummary = "summary"

// GenerationCacheEntry is a stored LLM output for one chunk version.
// At most one entry exists per (ChunkKey, GenerationType, ChunkHash).
type GenerationCacheEntry struct {
	ChunkKey       string
	SourceID       int64
	FilePath       string
	GenerationType string
	ChunkHash      [32]byte
	Output         string
	Model          string
	CreatedAt      time.Time
}

// NormalizeContent converts CRLF and lone CR line endings to LF.
// Everything else, trailing whitespace included, is kept as is.
func NormalizeContent(b []byte) []byte {
	if !bytes.ContainsRune(b, '\r') {
		return b
	}
	out := bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(out, []byte("\r"), []byte("\n"))
}

// HashContent returns the SHA-256 digest of the normalized bytes.
func HashContent(b []byte) [32]byte {
	return sha256.Sum256(NormalizeContent(b))
}
