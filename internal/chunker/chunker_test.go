package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

const goSource = `package sample

import "fmt"

// Greeting is the default message.
const Greeting = "hi"

var (
	a = 1
	b = 2
)

// Server serves things.
type Server struct {
	Name string
}

// Start starts the server.
func (s *Server) Start() error {
	fmt.Println(Greeting)
	return nil
}

func Helper() {}
`

func TestChunk_GoDeclarations(t *testing.T) {
	specs, err := New().Chunk("sample.go", LangGo, []byte(goSource))
	require.NoError(t, err)
	require.Len(t, specs, 5)

	assert.Equal(t, types.ChunkConstGroup, specs[0].Type)
	assert.Equal(t, "Greeting", specs[0].SymbolName)
	assert.Equal(t, 5, specs[0].StartLine, "doc comment is included")
	assert.Equal(t, 6, specs[0].EndLine)

	assert.Equal(t, types.ChunkVarGroup, specs[1].Type)
	assert.Equal(t, "a", specs[1].SymbolName)
	assert.Equal(t, 8, specs[1].StartLine)
	assert.Equal(t, 11, specs[1].EndLine)

	assert.Equal(t, types.ChunkTypeDecl, specs[2].Type)
	assert.Equal(t, "Server", specs[2].SymbolName)
	assert.Contains(t, specs[2].Content, "// Server serves things.")

	assert.Equal(t, types.ChunkMethod, specs[3].Type)
	assert.Equal(t, "Server.Start", specs[3].SymbolName)
	assert.True(t, strings.HasPrefix(specs[3].Content, "// Start starts the server."))
	assert.True(t, strings.HasSuffix(specs[3].Content, "}"))

	assert.Equal(t, types.ChunkFunction, specs[4].Type)
	assert.Equal(t, "Helper", specs[4].SymbolName)
	assert.Equal(t, "func Helper() {}", specs[4].Content)
}

func TestChunk_GoPackageOnly(t *testing.T) {
	src := "// Package empty does nothing.\npackage empty\n\nimport _ \"embed\"\n"
	specs, err := New().Chunk("doc.go", LangGo, []byte(src))
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, types.ChunkPackage, specs[0].Type)
	assert.Equal(t, "empty", specs[0].SymbolName)
	assert.Equal(t, 1, specs[0].StartLine)
	assert.Equal(t, 4, specs[0].EndLine)
}

func TestChunk_GoSyntaxErrorFallsBackToWindows(t *testing.T) {
	src := "package broken\n\nfunc ( {\n"
	specs, err := New().Chunk("broken.go", LangGo, []byte(src))
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, types.ChunkBlock, specs[0].Type)
	assert.Equal(t, 3, specs[0].EndLine)
}

func TestChunk_GenericReceiver(t *testing.T) {
	src := "package g\n\ntype List[T any] struct{}\n\nfunc (l *List[T]) Len() int { return 0 }\n"
	specs, err := New().Chunk("g.go", LangGo, []byte(src))
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "List.Len", specs[1].SymbolName)
}

func TestChunk_LineWindows(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	specs, err := NewWithLimits(10, 0).Chunk("notes.py", "python", []byte(b.String()))
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, 1, specs[0].StartLine)
	assert.Equal(t, 10, specs[0].EndLine)
	assert.Equal(t, 21, specs[2].StartLine)
	assert.Equal(t, 25, specs[2].EndLine)
	assert.Equal(t, "line 21\nline 22\nline 23\nline 24\nline 25", specs[2].Content)
	for _, s := range specs {
		assert.Equal(t, types.ChunkBlock, s.Type)
	}
}

func TestChunk_BlankWindowsDropped(t *testing.T) {
	src := "a\n" + strings.Repeat("\n", 12) + "b\n"
	specs, err := NewWithLimits(5, 0).Chunk("x.txt", "", []byte(src))
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "a\n\n\n\n", specs[0].Content)
	assert.Equal(t, 14, specs[1].EndLine)
}

func TestChunk_EmptyFile(t *testing.T) {
	specs, err := New().Chunk("empty.go", LangGo, []byte("  \n\n"))
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestChunk_SplitsOversizedSymbols(t *testing.T) {
	var b strings.Builder
	b.WriteString("package big\n\nfunc Big() {\n")
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, "\tprintln(%q)\n", strings.Repeat("x", 40))
	}
	b.WriteString("}\n")

	specs, err := NewWithLimits(10, 100).Chunk("big.go", LangGo, []byte(b.String()))
	require.NoError(t, err)
	require.Greater(t, len(specs), 1)

	for i, s := range specs {
		assert.Equal(t, types.ChunkFunction, s.Type)
		assert.Equal(t, fmt.Sprintf("Big#%d", i+1), s.SymbolName)
	}
	assert.Equal(t, 3, specs[0].StartLine)
	assert.Equal(t, 34, specs[len(specs)-1].EndLine)
}

func TestChunk_Deterministic(t *testing.T) {
	c := New()
	first, err := c.Chunk("sample.go", LangGo, []byte(goSource))
	require.NoError(t, err)
	second, err := c.Chunk("sample.go", LangGo, []byte(goSource))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, LangGo, DetectLanguage("a/b/main.go"))
	assert.Equal(t, "typescript", DetectLanguage("App.TSX"))
	assert.Equal(t, "", DetectLanguage("image.png"))
	assert.True(t, IsSupported("x.py"))
	assert.False(t, IsSupported("Makefile"))
}
