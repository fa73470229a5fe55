package indexer

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/gocontext-indexd/internal/chunker"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

// DefaultMaxFileSize is the size cap applied when Config.MaxFileSize is unset.
const DefaultMaxFileSize = 1 << 20

// binarySniffLen is how much of a file is inspected for NUL bytes.
const binarySniffLen = 8000

var skippedDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
	"testdata":     true,
}

// ScannedFile is one indexable file found under a source root.
type ScannedFile struct {
	Path     string // relative to the root, slash separated
	AbsPath  string
	Size     int64
	Hash     [32]byte
	Language string
}

// ScanResult lists indexable files in path order. Unreadable holds paths
// that exist but could not be read; they are never classified as removed.
type ScanResult struct {
	Files      []ScannedFile
	Unreadable map[string]error
}

// Scan walks root and hashes every supported text file. Hidden directories,
// vendor, node_modules and testdata are skipped, as are binary files and
// files over maxSize. A maxSize <= 0 uses DefaultMaxFileSize.
func Scan(root string, maxSize int64) (*ScanResult, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}
	if !info.IsDir() {
		return nil, &types.ValidationError{Field: "path", Message: root + " is not a directory"}
	}

	result := &ScanResult{Unreadable: make(map[string]error)}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			if path == root {
				return err
			}
			result.Unreadable[rel] = err
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root && shouldSkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") || !chunker.IsSupported(path) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			result.Unreadable[rel] = err
			return nil
		}
		if fi.Size() > maxSize {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			result.Unreadable[rel] = err
			return nil
		}
		if isBinary(content) {
			return nil
		}

		result.Files = append(result.Files, ScannedFile{
			Path:     rel,
			AbsPath:  path,
			Size:     fi.Size(),
			Hash:     types.HashContent(content),
			Language: chunker.DetectLanguage(path),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Slice(result.Files, func(i, j int) bool {
		return result.Files[i].Path < result.Files[j].Path
	})
	return result, nil
}

func shouldSkipDir(name string) bool {
	return strings.HasPrefix(name, ".") || skippedDirs[name]
}

func isBinary(content []byte) bool {
	if len(content) > binarySniffLen {
		content = content[:binarySniffLen]
	}
	return bytes.IndexByte(content, 0) >= 0
}

// readFile reads a scanned file and returns its content and current hash.
func readFile(f ScannedFile) ([]byte, [32]byte, error) {
	fh, err := os.Open(f.AbsPath)
	if err != nil {
		return nil, [32]byte{}, &types.TransientIOError{Op: "open", Path: f.Path, Err: err}
	}
	defer func() { _ = fh.Close() }()

	content, err := io.ReadAll(fh)
	if err != nil {
		return nil, [32]byte{}, &types.TransientIOError{Op: "read", Path: f.Path, Err: err}
	}
	return content, types.HashContent(content), nil
}
