package vectorstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// WebSocket upgrade needs HTTP/1.1; stop wss from negotiating HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// surrealTable holds one record per chunk point.
const surrealTable = "code_point"

// SurrealConfig holds SurrealDB connection configuration.
type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// SurrealStore is a VectorStore backed by a SurrealDB HNSW index.
type SurrealStore struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	logger *slog.Logger
}

// surrealPoint is the record shape stored in SurrealDB.
type surrealPoint struct {
	ID          *models.RecordID `json:"id,omitempty"`
	SourceID    int64            `json:"source_id"`
	FilePath    string           `json:"file_path"`
	ChunkIndex  int              `json:"chunk_index"`
	ContentHash string           `json:"content_hash"`
	StartLine   int              `json:"start_line"`
	EndLine     int              `json:"end_line"`
	SymbolName  string           `json:"symbol_name"`
	ChunkType   string           `json:"chunk_type"`
	Language    string           `json:"language"`
	Embedding   []float32        `json:"embedding"`
	Score       float64          `json:"score,omitempty"`
}

// NewSurrealStore connects with an auto-reconnecting WebSocket, signs in as
// root and selects the namespace and database.
func NewSurrealStore(ctx context.Context, cfg SurrealConfig, log *slog.Logger) (*SurrealStore, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())
	codec := surrealcbor.New()

	// gorillaws appends /rpc itself
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 1 * time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	log.Info("connecting to SurrealDB", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}

	if _, err := db.SignIn(ctx, surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("signin: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use: %w", err)
	}

	return &SurrealStore{conn: conn, db: db, logger: log}, nil
}

func (s *SurrealStore) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}
	// Dimension is a DDL literal and cannot be a parameter.
	schema := fmt.Sprintf(`
		DEFINE TABLE IF NOT EXISTS %[1]s SCHEMALESS;
		DEFINE INDEX IF NOT EXISTS %[1]s_source ON %[1]s FIELDS source_id, file_path;
		DEFINE INDEX IF NOT EXISTS %[1]s_embedding ON %[1]s FIELDS embedding HNSW DIMENSION %[2]d DIST COSINE TYPE F32;
	`, surrealTable, dimension)
	if _, err := surrealdb.Query[any](ctx, s.db, schema, nil); err != nil {
		return fmt.Errorf("define collection: %w", err)
	}
	return nil
}

func (s *SurrealStore) Upsert(ctx context.Context, points []Point) error {
	for _, p := range points {
		record := surrealPoint{
			SourceID:    p.Payload.SourceID,
			FilePath:    p.Payload.FilePath,
			ChunkIndex:  p.Payload.ChunkIndex,
			ContentHash: p.Payload.ContentHash,
			StartLine:   p.Payload.StartLine,
			EndLine:     p.Payload.EndLine,
			SymbolName:  p.Payload.SymbolName,
			ChunkType:   p.Payload.ChunkType,
			Language:    p.Payload.Language,
			Embedding:   p.Vector,
		}
		_, err := surrealdb.Query[any](ctx, s.db,
			`UPSERT type::record($tb, $id) CONTENT $data`,
			map[string]any{"tb": surrealTable, "id": p.ID, "data": record})
		if err != nil {
			return wrapSurrealError("upsert", err)
		}
	}
	return nil
}

func (s *SurrealStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := surrealdb.Query[any](ctx, s.db,
		`FOR $id IN $ids { DELETE type::record($tb, $id); }`,
		map[string]any{"tb": surrealTable, "ids": ids})
	if err := wrapSurrealError("delete by ids", err); err != nil && !errors.Is(err, ErrCollectionNotFound) {
		return err
	}
	return nil
}

func (s *SurrealStore) DeleteByFilter(ctx context.Context, filter Filter) error {
	if err := filter.validate(); err != nil {
		return err
	}
	where, vars := surrealWhere(filter)
	_, err := surrealdb.Query[any](ctx, s.db, `DELETE `+surrealTable+` WHERE `+where, vars)
	if err := wrapSurrealError("delete by filter", err); err != nil && !errors.Is(err, ErrCollectionNotFound) {
		return err
	}
	return nil
}

func (s *SurrealStore) Query(ctx context.Context, vector []float32, filter Filter, limit int) ([]ScoredPoint, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []ScoredPoint{}, nil
	}
	where, vars := surrealWhere(filter)
	vars["emb"] = vector

	// k is a literal in the KNN operator; ef=40 as for other HNSW lookups.
	sql := fmt.Sprintf(`
		SELECT *, vector::similarity::cosine(embedding, $emb) AS score
		FROM %s
		WHERE embedding <|%d,40|> $emb AND %s
		ORDER BY score DESC
	`, surrealTable, limit, where)

	results, err := surrealdb.Query[[]surrealPoint](ctx, s.db, sql, vars)
	if err != nil {
		return nil, wrapSurrealError("query", err)
	}
	if results == nil || len(*results) == 0 {
		return []ScoredPoint{}, nil
	}

	out := make([]ScoredPoint, 0, len((*results)[0].Result))
	for _, r := range (*results)[0].Result {
		out = append(out, ScoredPoint{Point: r.toPoint(), Score: r.Score})
	}
	return out, nil
}

func (s *SurrealStore) Scroll(ctx context.Context, filter Filter, limit int) ([]Point, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	where, vars := surrealWhere(filter)
	sql := `SELECT * FROM ` + surrealTable + ` WHERE ` + where + ` ORDER BY file_path, chunk_index`
	if limit > 0 {
		sql += ` LIMIT $limit`
		vars["limit"] = limit
	}

	results, err := surrealdb.Query[[]surrealPoint](ctx, s.db, sql, vars)
	if err != nil {
		err = wrapSurrealError("scroll", err)
		if errors.Is(err, ErrCollectionNotFound) {
			return []Point{}, nil
		}
		return nil, err
	}
	if results == nil || len(*results) == 0 {
		return []Point{}, nil
	}

	out := make([]Point, 0, len((*results)[0].Result))
	for _, r := range (*results)[0].Result {
		out = append(out, r.toPoint())
	}
	return out, nil
}

func (s *SurrealStore) Count(ctx context.Context, filter Filter) (int, error) {
	if err := filter.validate(); err != nil {
		return 0, err
	}
	where, vars := surrealWhere(filter)
	results, err := surrealdb.Query[[]struct {
		Count int `json:"count"`
	}](ctx, s.db, `SELECT count() AS count FROM `+surrealTable+` WHERE `+where+` GROUP ALL`, vars)
	if err != nil {
		err = wrapSurrealError("count", err)
		if errors.Is(err, ErrCollectionNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].Count, nil
}

func (s *SurrealStore) Close() error {
	s.logger.Info("closing SurrealDB connection")
	return s.conn.Close(context.Background())
}

func (r surrealPoint) toPoint() Point {
	var id string
	if r.ID != nil {
		if sid, ok := r.ID.ID.(string); ok {
			id = sid
		} else {
			id = fmt.Sprint(r.ID.ID)
		}
	}
	return Point{
		ID:     id,
		Vector: r.Embedding,
		Payload: Payload{
			SourceID:    r.SourceID,
			FilePath:    r.FilePath,
			ChunkIndex:  r.ChunkIndex,
			ContentHash: r.ContentHash,
			StartLine:   r.StartLine,
			EndLine:     r.EndLine,
			SymbolName:  r.SymbolName,
			ChunkType:   r.ChunkType,
			Language:    r.Language,
		},
	}
}

func surrealWhere(f Filter) (string, map[string]any) {
	where := "source_id = $source_id"
	vars := map[string]any{"source_id": f.SourceID}
	if f.FilePath != "" {
		where += " AND file_path = $file_path"
		vars["file_path"] = f.FilePath
	}
	return where, vars
}

// wrapSurrealError maps a missing table to ErrCollectionNotFound.
func wrapSurrealError(op string, err error) error {
	if err == nil {
		return nil
	}
	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := strings.ToLower(queryErr.Message)
		if strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found") {
			return fmt.Errorf("%s: %w", op, ErrCollectionNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
