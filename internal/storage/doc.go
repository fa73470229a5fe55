// Package storage provides SQLite-based persistence for sources, files,
// chunks, generation cache entries and tasks.
//
// # Database Schema
//
// Tables created by the semver-gated migrations:
//   - sources: indexed codebases and their aggregate stats
//   - files: one row per (source, path) with the SHA-256 content hash
//   - chunks: spans of a file keyed by (file, chunk index) with a stable point id
//   - chunks_fts: FTS5 index over chunk content and symbol names
//   - generation_cache: LLM outputs keyed by (chunk key, generation type, chunk hash)
//
// Tables created by GORM AutoMigrate on the same connection:
//   - tasks: task lifecycle, counters and the cancellation marker
//   - task_logs: append-only task log lines
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStorage("~/.gocontext/index.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	tasks, err := storage.NewGormTaskStore(store.DB())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := tasks.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Atomic file updates
//
// ReplaceFileChunks upserts the file record, swaps its chunks and prunes
// stale generation cache entries in one transaction. Entries whose chunk key
// and hash still appear in the new chunk set survive, so unchanged chunks
// are never summarized twice. RemoveFile drops the file, its chunks and all
// of its cache entries.
//
// # Task claims
//
// ClaimTask is a single conditional UPDATE: the row must be PENDING, carry no
// cancellation marker, and its source must have no RUNNING task. Terminal
// writes are conditional on the task still being active and return
// ErrTaskNotActive otherwise.
//
// # Build Tags
//
// CGO Build (sqlite_vec tag) uses github.com/mattn/go-sqlite3:
//
//	CGO_ENABLED=1 go build -tags "sqlite_vec,fts5"
//
// Pure Go Build (default or purego tag) uses modernc.org/sqlite:
//
//	CGO_ENABLED=0 go build -tags "purego"
package storage
