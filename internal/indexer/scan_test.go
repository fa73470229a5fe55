package indexer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func scannedPaths(r *ScanResult) []string {
	paths := make([]string, len(r.Files))
	for i, f := range r.Files {
		paths[i] = f.Path
	}
	return paths
}

func TestScan_SkipsAndOrders(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"z.go":                       "package z\n",
		"a/b.go":                     "package a\n",
		"a/a.py":                     "print('hi')\n",
		"README.md":                  "# readme\n",
		"image.png":                  "not really a png",
		".hidden/secret.go":          "package hidden\n",
		".env.go":                    "package env\n",
		"vendor/dep/dep.go":          "package dep\n",
		"node_modules/pkg/x.js":      "module.exports = 1\n",
		"internal/data/blob.json":    "{\"a\":\x00}",
		"internal/big/big.go":        "package big\n// " + strings.Repeat("x", 64) + "\n",
		"internal/keep/keep_test.go": "package keep\n",
	})

	// big.go exceeds the cap and blob.json is binary
	result, err := Scan(root, 40)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"README.md",
		"a/a.py",
		"a/b.go",
		"internal/keep/keep_test.go",
		"z.go",
	}, scannedPaths(result))
	assert.Empty(t, result.Unreadable)

	for _, f := range result.Files {
		assert.Equal(t, filepath.Join(root, filepath.FromSlash(f.Path)), f.AbsPath)
		assert.NotZero(t, f.Size)
	}
	assert.Equal(t, "go", result.Files[2].Language)
	assert.Equal(t, "python", result.Files[1].Language)
}

func TestScan_HashIsLineEndingInsensitive(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"lf.go":   "package x\n\nfunc A() {}\n",
		"crlf.go": "package x\r\n\r\nfunc A() {}\r\n",
	})

	result, err := Scan(root, 0)
	require.NoError(t, err)
	require.Len(t, result.Files, 2)
	assert.Equal(t, result.Files[0].Hash, result.Files[1].Hash)
	assert.Equal(t, types.HashContent([]byte("package x\n\nfunc A() {}\n")), result.Files[0].Hash)
}

func TestScan_InvalidRoot(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "missing"), 0)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.go")
	require.NoError(t, os.WriteFile(file, []byte("package x\n"), 0o644))
	_, err = Scan(file, 0)
	assert.True(t, types.IsValidation(err))
}

func TestDiff(t *testing.T) {
	hash := func(s string) [32]byte { return types.HashContent([]byte(s)) }
	scan := &ScanResult{
		Files: []ScannedFile{
			{Path: "a.go", Hash: hash("a")},
			{Path: "b.go", Hash: hash("b2")},
			{Path: "c.go", Hash: hash("c")},
		},
		Unreadable: map[string]error{"locked.go": os.ErrPermission},
	}
	prior := []*types.FileRecord{
		{FilePath: "a.go", ContentHash: hash("a")},
		{FilePath: "b.go", ContentHash: hash("b")},
		{FilePath: "d.go", ContentHash: hash("d")},
		{FilePath: "locked.go", ContentHash: hash("l")},
	}

	tests := []struct {
		name  string
		force bool
		want  map[string]ActionKind
	}{
		{
			name: "incremental",
			want: map[string]ActionKind{
				"a.go": ActionSkip,
				"b.go": ActionModify,
				"c.go": ActionAdd,
				"d.go": ActionRemove,
			},
		},
		{
			name:  "force",
			force: true,
			want: map[string]ActionKind{
				"a.go": ActionModify,
				"b.go": ActionModify,
				"c.go": ActionAdd,
				"d.go": ActionRemove,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Diff(scan, prior, tt.force)

			got := make(map[string]ActionKind)
			var order []string
			for _, a := range plan.Actions {
				got[a.Path] = a.Kind
				order = append(order, a.Path)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []string{"a.go", "b.go", "c.go", "d.go"}, order)
			assert.Equal(t, 1, plan.Count(ActionRemove))
		})
	}
}

func TestDiff_ActionPayloads(t *testing.T) {
	scan := &ScanResult{Files: []ScannedFile{{Path: "new.go"}}}
	prior := []*types.FileRecord{{FilePath: "old.go"}}

	plan := Diff(scan, prior, false)
	require.Len(t, plan.Actions, 2)

	add := plan.Actions[0]
	assert.Equal(t, ActionAdd, add.Kind)
	assert.NotNil(t, add.File)
	assert.Nil(t, add.Prior)

	rm := plan.Actions[1]
	assert.Equal(t, ActionRemove, rm.Kind)
	assert.Nil(t, rm.File)
	assert.Equal(t, "old.go", rm.Prior.FilePath)
}

func TestSourceLocks(t *testing.T) {
	var locks sourceLocks
	assert.True(t, locks.TryAcquire(1))
	assert.False(t, locks.TryAcquire(1))
	assert.True(t, locks.TryAcquire(2))
	locks.Release(1)
	assert.True(t, locks.TryAcquire(1))
	locks.Release(99)
}
