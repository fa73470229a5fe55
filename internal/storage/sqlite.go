package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// BusyTimeout is how long a statement waits for another connection's write
// lock before failing.
const BusyTimeout = 5 * time.Second

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Wait for writers in other processes (serve and worker share the file)
	// instead of failing with SQLITE_BUSY.
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", BusyTimeout.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// are private to the connection that created them.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// DB exposes the underlying handle so the task store and the SQLite vector
// store can share the single connection.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// withTx runs fn inside a transaction. fn must only use the given querier:
// the pool holds one connection, so touching s.db inside fn would deadlock.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Source operations

const sourceColumns = `id, path, source_type, remote_url, indexing_status, file_count, chunk_count,
		       summary_count, last_indexed_at, created_at, updated_at`

func scanSource(row interface{ Scan(...interface{}) error }) (*types.Source, error) {
	var src types.Source
	var remoteURL sql.NullString
	var lastIndexedAt sql.NullTime
	err := row.Scan(
		&src.ID, &src.Path, &src.Type, &remoteURL, &src.IndexingStatus,
		&src.FileCount, &src.ChunkCount, &src.SummaryCount,
		&lastIndexedAt, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	src.RemoteURL = remoteURL.String
	if lastIndexedAt.Valid {
		t := lastIndexedAt.Time
		src.LastIndexedAt = &t
	}
	return &src, nil
}

func (s *SQLiteStorage) CreateSource(ctx context.Context, source *types.Source) error {
	if source.Type == "" {
		source.Type = types.SourceLocal
	}
	if source.IndexingStatus == "" {
		source.IndexingStatus = types.IndexingPending
	}
	query := `
		INSERT INTO sources (path, source_type, remote_url, indexing_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := s.db.ExecContext(ctx, query,
		source.Path, source.Type, source.RemoteURL, source.IndexingStatus, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("source %s: %w", source.Path, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create source: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	source.ID = id
	source.CreatedAt = now
	source.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) GetSource(ctx context.Context, sourceID int64) (*types.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, sourceID)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return src, err
}

func (s *SQLiteStorage) GetSourceByPath(ctx context.Context, path string) (*types.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE path = ?`, path)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return src, err
}

func (s *SQLiteStorage) ListSources(ctx context.Context) ([]*types.Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []*types.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *SQLiteStorage) UpdateSource(ctx context.Context, source *types.Source) error {
	query := `
		UPDATE sources
		SET remote_url = ?, indexing_status = ?, file_count = ?, chunk_count = ?,
		    summary_count = ?, last_indexed_at = ?, updated_at = ?
		WHERE id = ?
	`
	now := time.Now()
	var lastIndexedAt interface{}
	if source.LastIndexedAt != nil {
		lastIndexedAt = *source.LastIndexedAt
	}
	result, err := s.db.ExecContext(ctx, query,
		source.RemoteURL, source.IndexingStatus, source.FileCount, source.ChunkCount,
		source.SummaryCount, lastIndexedAt, now, source.ID)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	source.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) DeleteSource(ctx context.Context, sourceID int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// File operations

// upsertFileWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) upsertFileWithQuerier(ctx context.Context, q querier, file *types.FileRecord) error {
	query := `
		INSERT INTO files (source_id, file_path, content_hash, size_bytes, language,
		                   chunk_count, last_indexed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, file_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			language = excluded.language,
			chunk_count = excluded.chunk_count,
			last_indexed_at = excluded.last_indexed_at,
			updated_at = excluded.updated_at
		RETURNING id
	`
	now := time.Now()
	if file.LastIndexed.IsZero() {
		file.LastIndexed = now
	}
	err := q.QueryRowContext(ctx, query,
		file.SourceID, file.FilePath, file.ContentHash[:], file.Size, file.Language,
		file.ChunkCount, file.LastIndexed, now, now).Scan(&file.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertFile(ctx context.Context, file *types.FileRecord) error {
	return s.upsertFileWithQuerier(ctx, s.querier(), file)
}

const fileColumns = `id, source_id, file_path, content_hash, size_bytes, language, chunk_count, last_indexed_at`

func scanFile(row interface{ Scan(...interface{}) error }) (*types.FileRecord, error) {
	var file types.FileRecord
	var hashBlob []byte
	var language sql.NullString
	var lastIndexed sql.NullTime
	err := row.Scan(&file.ID, &file.SourceID, &file.FilePath, &hashBlob,
		&file.Size, &language, &file.ChunkCount, &lastIndexed)
	if err != nil {
		return nil, err
	}
	copy(file.ContentHash[:], hashBlob)
	file.Language = language.String
	if lastIndexed.Valid {
		file.LastIndexed = lastIndexed.Time
	}
	return &file, nil
}

func (s *SQLiteStorage) getFileWithQuerier(ctx context.Context, q querier, sourceID int64, filePath string) (*types.FileRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE source_id = ? AND file_path = ?`, sourceID, filePath)
	file, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return file, err
}

func (s *SQLiteStorage) GetFile(ctx context.Context, sourceID int64, filePath string) (*types.FileRecord, error) {
	return s.getFileWithQuerier(ctx, s.querier(), sourceID, filePath)
}

func (s *SQLiteStorage) ListFiles(ctx context.Context, sourceID int64) ([]*types.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE source_id = ? ORDER BY file_path`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []*types.FileRecord
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

func (s *SQLiteStorage) DeleteFile(ctx context.Context, fileID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", fileID)
	return err
}

// ReplaceFileChunks upserts the file, swaps its chunk set, and prunes stale
// generation cache entries in one transaction.
func (s *SQLiteStorage) ReplaceFileChunks(ctx context.Context, file *types.FileRecord, chunks []*types.Chunk) error {
	return s.withTx(ctx, func(q querier) error {
		file.ChunkCount = len(chunks)
		if err := s.upsertFileWithQuerier(ctx, q, file); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, "DELETE FROM chunks WHERE file_id = ?", file.ID); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}

		keep := make(map[string][32]byte, len(chunks))
		for _, chunk := range chunks {
			chunk.SourceID = file.SourceID
			chunk.FileID = file.ID
			chunk.FilePath = file.FilePath
			if err := s.insertChunkWithQuerier(ctx, q, chunk); err != nil {
				return err
			}
			keep[chunk.PointID] = chunk.ContentHash
		}

		_, err := s.pruneGenerationsWithQuerier(ctx, q, file.SourceID, file.FilePath, keep)
		return err
	})
}

func (s *SQLiteStorage) RemoveFile(ctx context.Context, sourceID int64, filePath string) error {
	return s.withTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx,
			"DELETE FROM generation_cache WHERE source_id = ? AND file_path = ?", sourceID, filePath); err != nil {
			return fmt.Errorf("failed to delete generations: %w", err)
		}
		if _, err := q.ExecContext(ctx,
			"DELETE FROM files WHERE source_id = ? AND file_path = ?", sourceID, filePath); err != nil {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		return nil
	})
}

// Chunk operations

// insertChunkWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) insertChunkWithQuerier(ctx context.Context, q querier, chunk *types.Chunk) error {
	query := `
		INSERT INTO chunks (source_id, file_id, file_path, chunk_index, point_id, content, content_hash,
		                    token_count, start_line, end_line, symbol_name, chunk_type, language, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err := q.QueryRowContext(ctx, query,
		chunk.SourceID, chunk.FileID, chunk.FilePath, chunk.ChunkIndex, chunk.PointID,
		chunk.Content, chunk.ContentHash[:], chunk.TokenCount, chunk.StartLine, chunk.EndLine,
		chunk.SymbolName, chunk.ChunkType, chunk.Language, time.Now()).Scan(&chunk.ID)
	if err != nil {
		return fmt.Errorf("failed to insert chunk %s#%d: %w", chunk.FilePath, chunk.ChunkIndex, err)
	}
	return nil
}

const chunkColumns = `id, source_id, file_id, file_path, chunk_index, point_id, content, content_hash,
		       token_count, start_line, end_line, symbol_name, chunk_type, language`

func scanChunk(row interface{ Scan(...interface{}) error }) (*types.Chunk, error) {
	var chunk types.Chunk
	var hashBlob []byte
	var symbolName, language sql.NullString
	var tokenCount sql.NullInt64
	err := row.Scan(
		&chunk.ID, &chunk.SourceID, &chunk.FileID, &chunk.FilePath, &chunk.ChunkIndex,
		&chunk.PointID, &chunk.Content, &hashBlob, &tokenCount,
		&chunk.StartLine, &chunk.EndLine, &symbolName, &chunk.ChunkType, &language,
	)
	if err != nil {
		return nil, err
	}
	copy(chunk.ContentHash[:], hashBlob)
	chunk.TokenCount = int(tokenCount.Int64)
	chunk.SymbolName = symbolName.String
	chunk.Language = language.String
	return &chunk, nil
}

func (s *SQLiteStorage) queryChunks(ctx context.Context, query string, args ...interface{}) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*types.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStorage) GetChunk(ctx context.Context, chunkID int64) (*types.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, chunkID)
	chunk, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return chunk, err
}

func (s *SQLiteStorage) ListChunksByFile(ctx context.Context, fileID int64) ([]*types.Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE file_id = ? ORDER BY chunk_index`, fileID)
}

func (s *SQLiteStorage) ListChunksBySource(ctx context.Context, sourceID int64) ([]*types.Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE source_id = ? ORDER BY file_path, chunk_index`, sourceID)
}

func (s *SQLiteStorage) GetChunksByPointIDs(ctx context.Context, pointIDs []string) ([]*types.Chunk, error) {
	if len(pointIDs) == 0 {
		return []*types.Chunk{}, nil
	}
	placeholders := make([]string, len(pointIDs))
	args := make([]interface{}, len(pointIDs))
	for i, id := range pointIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE point_id IN (` +
		strings.Join(placeholders, ",") + `) ORDER BY file_path, chunk_index`
	return s.queryChunks(ctx, query, args...)
}

func (s *SQLiteStorage) CountChunksBySource(ctx context.Context, sourceID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE source_id = ?", sourceID).Scan(&count)
	return count, err
}

func (s *SQLiteStorage) SearchText(ctx context.Context, sourceID int64, query string, limit int) ([]TextResult, error) {
	return searchText(ctx, s.db, sourceID, query, limit)
}

// Generation cache operations

func (s *SQLiteStorage) GetGeneration(ctx context.Context, chunkKey, generationType string, chunkHash [32]byte) (*types.GenerationCacheEntry, error) {
	query := `
		SELECT chunk_key, generation_type, chunk_hash, source_id, file_path, output, model, created_at
		FROM generation_cache
		WHERE chunk_key = ? AND generation_type = ? AND chunk_hash = ?
	`
	var entry types.GenerationCacheEntry
	var hashBlob []byte
	var model sql.NullString
	err := s.db.QueryRowContext(ctx, query, chunkKey, generationType, chunkHash[:]).Scan(
		&entry.ChunkKey, &entry.GenerationType, &hashBlob, &entry.SourceID,
		&entry.FilePath, &entry.Output, &model, &entry.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	copy(entry.ChunkHash[:], hashBlob)
	entry.Model = model.String
	return &entry, nil
}

func (s *SQLiteStorage) PutGeneration(ctx context.Context, entry *types.GenerationCacheEntry) error {
	query := `
		INSERT INTO generation_cache (chunk_key, generation_type, chunk_hash, source_id, file_path, output, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_key, generation_type, chunk_hash) DO UPDATE SET
			output = excluded.output,
			model = excluded.model,
			created_at = excluded.created_at
	`
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		entry.ChunkKey, entry.GenerationType, entry.ChunkHash[:], entry.SourceID,
		entry.FilePath, entry.Output, entry.Model, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store generation: %w", err)
	}
	return nil
}

// pruneGenerationsWithQuerier deletes entries of one file whose (key, hash)
// pair is not in keep.
func (s *SQLiteStorage) pruneGenerationsWithQuerier(ctx context.Context, q querier, sourceID int64, filePath string, keep map[string][32]byte) (int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT chunk_key, chunk_hash FROM generation_cache WHERE source_id = ? AND file_path = ?`,
		sourceID, filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read generations: %w", err)
	}

	type staleKey struct {
		key  string
		hash []byte
	}
	var stale []staleKey
	for rows.Next() {
		var key string
		var hashBlob []byte
		if err := rows.Scan(&key, &hashBlob); err != nil {
			_ = rows.Close()
			return 0, err
		}
		var h [32]byte
		copy(h[:], hashBlob)
		if want, ok := keep[key]; ok && want == h {
			continue
		}
		stale = append(stale, staleKey{key: key, hash: hashBlob})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	for _, sk := range stale {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM generation_cache WHERE chunk_key = ? AND chunk_hash = ?`, sk.key, sk.hash); err != nil {
			return 0, fmt.Errorf("failed to prune generation: %w", err)
		}
	}
	return len(stale), nil
}

func (s *SQLiteStorage) DeleteGenerationsByFile(ctx context.Context, sourceID int64, filePath string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM generation_cache WHERE source_id = ? AND file_path = ?", sourceID, filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to delete generations: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) PurgeStaleGenerations(ctx context.Context, sourceID int64) (int, error) {
	query := `
		DELETE FROM generation_cache
		WHERE source_id = ?
		AND NOT EXISTS (
			SELECT 1 FROM chunks c
			WHERE c.point_id = generation_cache.chunk_key
			AND c.content_hash = generation_cache.chunk_hash
		)
	`
	result, err := s.db.ExecContext(ctx, query, sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge generations: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) CountGenerations(ctx context.Context, sourceID int64, generationType string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM generation_cache WHERE source_id = ? AND generation_type = ?",
		sourceID, generationType).Scan(&count)
	return count, err
}

// Status operations

func (s *SQLiteStorage) GetStatus(ctx context.Context, sourceID int64) (*SourceStatus, error) {
	source, err := s.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	status := &SourceStatus{
		Source:        source,
		LastIndexedAt: source.LastIndexedAt,
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files WHERE source_id = ?", sourceID).Scan(&status.FilesCount)
	if err != nil {
		return nil, err
	}

	if status.ChunksCount, err = s.CountChunksBySource(ctx, sourceID); err != nil {
		return nil, err
	}

	if status.SummariesCount, err = s.CountGenerations(ctx, sourceID, types.GenerationSummary); err != nil {
		return nil, err
	}

	// Calculate database size
	var pageCount, pageSize int
	err = s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	if err == nil {
		_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		status.IndexSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	var ftsName string
	ftsErr := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='chunks_fts'").Scan(&ftsName)

	status.Health = HealthStatus{
		DatabaseAccessible: true,
		FTSIndexesBuilt:    ftsErr == nil,
	}

	return status, nil
}
