package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/gocontext-indexd/internal/storage"
)

// SQLiteStore keeps points in a vector_points table. It can share the
// relational store's *sql.DB or use a database of its own.
type SQLiteStore struct {
	db *sql.DB

	mu        sync.RWMutex
	dimension int
}

// NewSQLiteStore returns a store over db. The table is created lazily by
// EnsureCollection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const createPointsTable = `
CREATE TABLE IF NOT EXISTS vector_points (
    id TEXT PRIMARY KEY,
    source_id INTEGER NOT NULL,
    file_path TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    content_hash TEXT,
    start_line INTEGER,
    end_line INTEGER,
    symbol_name TEXT,
    chunk_type TEXT,
    language TEXT,
    dimension INTEGER NOT NULL,
    vector BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vector_points_source ON vector_points(source_id, file_path);
`

func (s *SQLiteStore) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}
	if _, err := s.db.ExecContext(ctx, createPointsTable); err != nil {
		return fmt.Errorf("failed to create vector collection: %w", err)
	}
	s.mu.Lock()
	s.dimension = dimension
	s.mu.Unlock()
	return nil
}

// exists reports whether the collection table has been created.
func (s *SQLiteStore) exists(ctx context.Context) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='vector_points'").Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	ok, err := s.exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCollectionNotFound
	}

	s.mu.RLock()
	dim := s.dimension
	s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO vector_points (id, source_id, file_path, chunk_index, content_hash, start_line,
		                           end_line, symbol_name, chunk_type, language, dimension, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id,
			file_path = excluded.file_path,
			chunk_index = excluded.chunk_index,
			content_hash = excluded.content_hash,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			symbol_name = excluded.symbol_name,
			chunk_type = excluded.chunk_type,
			language = excluded.language,
			dimension = excluded.dimension,
			vector = excluded.vector
	`
	for _, p := range points {
		if dim > 0 && len(p.Vector) != dim {
			return fmt.Errorf("point %s has %d dims, want %d: %w", p.ID, len(p.Vector), dim, ErrDimensionMismatch)
		}
		pl := p.Payload
		_, err := tx.ExecContext(ctx, query,
			p.ID, pl.SourceID, pl.FilePath, pl.ChunkIndex, pl.ContentHash, pl.StartLine,
			pl.EndLine, pl.SymbolName, pl.ChunkType, pl.Language, len(p.Vector), serializeVector(p.Vector))
		if err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ok, err := s.exists(ctx)
	if err != nil || !ok {
		return err
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := "DELETE FROM vector_points WHERE id IN (" + strings.Join(placeholders, ",") + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteByFilter(ctx context.Context, filter Filter) error {
	if err := filter.validate(); err != nil {
		return err
	}
	ok, err := s.exists(ctx)
	if err != nil || !ok {
		return err
	}

	where, args := filterClause(filter)
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vector_points WHERE "+where, args...); err != nil {
		return fmt.Errorf("failed to delete points by filter: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, vector []float32, filter Filter, limit int) ([]ScoredPoint, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []ScoredPoint{}, nil
	}
	ok, err := s.exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCollectionNotFound
	}

	// Use SQL-side distance when sqlite-vec is available
	if storage.VectorExtensionAvailable {
		return s.queryOptimized(ctx, vector, filter, limit)
	}
	return s.queryFallback(ctx, vector, filter, limit)
}

// queryOptimized uses sqlite-vec's vec_distance_cosine. It returns distance
// (lower is better) so it is converted to similarity.
func (s *SQLiteStore) queryOptimized(ctx context.Context, vector []float32, filter Filter, limit int) ([]ScoredPoint, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + pointColumns + `, 1.0 - vec_distance_cosine(vector, ?) AS similarity
		FROM vector_points WHERE dimension = ? AND ` + where + `
		ORDER BY similarity DESC LIMIT ?`
	args = append([]interface{}{serializeVector(vector), len(vector)}, args...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]ScoredPoint, 0, limit)
	for rows.Next() {
		var sp ScoredPoint
		if err := scanPoint(rows, &sp.Point, &sp.Score); err != nil {
			return nil, err
		}
		results = append(results, sp)
	}
	return results, rows.Err()
}

// queryFallback loads candidate vectors and ranks them in Go.
func (s *SQLiteStore) queryFallback(ctx context.Context, vector []float32, filter Filter, limit int) ([]ScoredPoint, error) {
	points, err := s.scroll(ctx, filter, 0)
	if err != nil {
		return nil, err
	}

	candidates := make([]ScoredPoint, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != len(vector) {
			continue // Dimension mismatch, skip
		}
		candidates = append(candidates, ScoredPoint{Point: p, Score: cosineSimilarity(vector, p.Vector)})
	}

	sortCandidates(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *SQLiteStore) Scroll(ctx context.Context, filter Filter, limit int) ([]Point, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	ok, err := s.exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Point{}, nil
	}
	return s.scroll(ctx, filter, limit)
}

func (s *SQLiteStore) scroll(ctx context.Context, filter Filter, limit int) ([]Point, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + pointColumns + ` FROM vector_points WHERE ` + where + ` ORDER BY file_path, chunk_index`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	points := make([]Point, 0)
	for rows.Next() {
		var p Point
		if err := scanPoint(rows, &p); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int, error) {
	if err := filter.validate(); err != nil {
		return 0, err
	}
	ok, err := s.exists(ctx)
	if err != nil || !ok {
		return 0, err
	}

	where, args := filterClause(filter)
	var count int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vector_points WHERE "+where, args...).Scan(&count)
	return count, err
}

// Close is a no-op; the *sql.DB belongs to the caller.
func (s *SQLiteStore) Close() error {
	return nil
}

const pointColumns = `id, source_id, file_path, chunk_index, content_hash, start_line, end_line,
		symbol_name, chunk_type, language, vector`

func scanPoint(rows *sql.Rows, p *Point, extra ...interface{}) error {
	var contentHash, symbolName, chunkType, language sql.NullString
	var startLine, endLine sql.NullInt64
	var blob []byte
	dest := []interface{}{
		&p.ID, &p.Payload.SourceID, &p.Payload.FilePath, &p.Payload.ChunkIndex, &contentHash,
		&startLine, &endLine, &symbolName, &chunkType, &language, &blob,
	}
	dest = append(dest, extra...)
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	p.Payload.ContentHash = contentHash.String
	p.Payload.StartLine = int(startLine.Int64)
	p.Payload.EndLine = int(endLine.Int64)
	p.Payload.SymbolName = symbolName.String
	p.Payload.ChunkType = chunkType.String
	p.Payload.Language = language.String
	p.Vector = deserializeVector(blob)
	return nil
}

func filterClause(f Filter) (string, []interface{}) {
	where := "source_id = ?"
	args := []interface{}{f.SourceID}
	if f.FilePath != "" {
		where += " AND file_path = ?"
		args = append(args, f.FilePath)
	}
	return where, args
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortCandidates sorts by score descending, breaking ties by id for stable output.
func sortCandidates(candidates []ScoredPoint) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
}
