package chunker

import (
	"fmt"
	"strings"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

const (
	// MaxTokensPerChunk is the target maximum token count per chunk.
	// Larger symbol chunks are split into line windows.
	MaxTokensPerChunk = 1000

	// DefaultWindowLines is the window size for files without a symbol parser.
	DefaultWindowLines = 60
)

// Producer turns one file into an ordered list of chunk specs.
type Producer interface {
	Chunk(filePath, language string, content []byte) ([]types.ChunkSpec, error)
}

// Chunker creates symbol-aligned chunks for Go and fixed line windows for
// everything else.
type Chunker struct {
	windowLines int
	maxTokens   int
}

// New creates a new Chunker instance
func New() *Chunker {
	return &Chunker{windowLines: DefaultWindowLines, maxTokens: MaxTokensPerChunk}
}

// NewWithLimits overrides the window size and token cap. Non-positive values keep defaults.
func NewWithLimits(windowLines, maxTokens int) *Chunker {
	c := New()
	if windowLines > 0 {
		c.windowLines = windowLines
	}
	if maxTokens > 0 {
		c.maxTokens = maxTokens
	}
	return c
}

// Chunk splits content into chunks ordered by start line. content should
// already be normalized to LF line endings. An empty or whitespace-only file
// yields no chunks.
func (c *Chunker) Chunk(filePath, language string, content []byte) ([]types.ChunkSpec, error) {
	if strings.TrimSpace(string(content)) == "" {
		return nil, nil
	}
	lines := strings.Split(string(content), "\n")
	// A trailing newline does not start another line
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var specs []types.ChunkSpec
	if language == LangGo {
		goSpecs, err := chunkGo(filePath, content, lines)
		if err != nil {
			// Unparseable Go is still indexed, just without symbol alignment
			specs = c.windows(lines, 1, len(lines), types.ChunkBlock, "")
		} else {
			specs = goSpecs
		}
	} else {
		specs = c.windows(lines, 1, len(lines), types.ChunkBlock, "")
	}

	out := make([]types.ChunkSpec, 0, len(specs))
	for _, s := range specs {
		if types.EstimateTokens(s.Content) <= c.maxTokens || s.EndLine == s.StartLine {
			out = append(out, s)
			continue
		}
		out = append(out, c.split(lines, s)...)
	}
	return out, nil
}

// windows cuts lines[start-1:end] into consecutive windows. Blank windows are dropped.
func (c *Chunker) windows(lines []string, start, end int, typ types.ChunkType, symbol string) []types.ChunkSpec {
	var specs []types.ChunkSpec
	for from := start; from <= end; from += c.windowLines {
		to := min(from+c.windowLines-1, end)
		content := joinLines(lines, from, to)
		if strings.TrimSpace(content) == "" {
			continue
		}
		specs = append(specs, types.ChunkSpec{
			Type:       typ,
			SymbolName: symbol,
			StartLine:  from,
			EndLine:    to,
			Content:    content,
		})
	}
	return specs
}

// split breaks an oversized chunk into windows that keep its type and symbol.
func (c *Chunker) split(lines []string, s types.ChunkSpec) []types.ChunkSpec {
	parts := c.windows(lines, s.StartLine, s.EndLine, s.Type, s.SymbolName)
	if len(parts) <= 1 {
		return []types.ChunkSpec{s}
	}
	for i := range parts {
		parts[i].SymbolName = fmt.Sprintf("%s#%d", s.SymbolName, i+1)
	}
	return parts
}

// joinLines returns the 1-based inclusive line range.
func joinLines(lines []string, from, to int) string {
	if from < 1 {
		from = 1
	}
	if to > len(lines) {
		to = len(lines)
	}
	if from > to {
		return ""
	}
	return strings.Join(lines[from-1:to], "\n")
}
