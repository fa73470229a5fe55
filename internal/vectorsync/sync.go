// Package vectorsync keeps the vector index in lockstep with the relational
// chunk records.
//
// Point ids are UUIDv5 values derived from (sourceID, filePath, chunkIndex),
// so re-inserting a chunk overwrites in place. Every write for a path deletes
// that path's prior points first, and deleting a source clears its vectors
// before its relational rows.
package vectorsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/dshills/gocontext-indexd/internal/vectorstore"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

// ErrInconsistent is returned when reconciliation cannot bring the point
// count to the chunk count.
var ErrInconsistent = errors.New("vector index inconsistent with chunk records")

// pointNamespace scopes the UUIDv5 point ids.
var pointNamespace = uuid.MustParse("6f2d7a8e-2c43-5b9a-9a1e-3f4c0d1b7e55")

// PointID returns the stable point id for a chunk position.
func PointID(sourceID int64, filePath string, chunkIndex int) string {
	name := strconv.FormatInt(sourceID, 10) + "\x00" + filePath + "\x00" + strconv.Itoa(chunkIndex)
	return uuid.NewSHA1(pointNamespace, []byte(name)).String()
}

// PointFromChunk builds the point stored for a chunk.
func PointFromChunk(c *types.Chunk, vector []float32) vectorstore.Point {
	return vectorstore.Point{
		ID:     c.PointID,
		Vector: vector,
		Payload: vectorstore.Payload{
			SourceID:    c.SourceID,
			FilePath:    c.FilePath,
			ChunkIndex:  c.ChunkIndex,
			ContentHash: c.HashHex(),
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			SymbolName:  c.SymbolName,
			ChunkType:   string(c.ChunkType),
			Language:    c.Language,
		},
	}
}

// Synchronizer mirrors chunk writes into a VectorStore.
type Synchronizer struct {
	store  vectorstore.VectorStore
	logger *slog.Logger
}

// New creates a synchronizer.
func New(store vectorstore.VectorStore, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{store: store, logger: logger}
}

// Store returns the underlying vector store.
func (s *Synchronizer) Store() vectorstore.VectorStore {
	return s.store
}

// EnsureCollection prepares the index for vectors of the given dimension.
func (s *Synchronizer) EnsureCollection(ctx context.Context, dimension int) error {
	return s.store.EnsureCollection(ctx, dimension)
}

// ReplaceFile deletes every point of the path and then upserts points.
// An empty points slice leaves the path without vectors.
func (s *Synchronizer) ReplaceFile(ctx context.Context, sourceID int64, filePath string, points []vectorstore.Point) error {
	if err := s.store.DeleteByFilter(ctx, vectorstore.Filter{SourceID: sourceID, FilePath: filePath}); err != nil {
		return fmt.Errorf("delete vectors for %s: %w", filePath, err)
	}
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if p.Payload.SourceID != sourceID || p.Payload.FilePath != filePath {
			return fmt.Errorf("point %s belongs to %d:%s, not %d:%s", p.ID, p.Payload.SourceID, p.Payload.FilePath, sourceID, filePath)
		}
	}
	if err := s.store.Upsert(ctx, points); err != nil {
		return fmt.Errorf("upsert vectors for %s: %w", filePath, err)
	}
	return nil
}

// RemoveFile deletes every point of the path.
func (s *Synchronizer) RemoveFile(ctx context.Context, sourceID int64, filePath string) error {
	if err := s.store.DeleteByFilter(ctx, vectorstore.Filter{SourceID: sourceID, FilePath: filePath}); err != nil {
		return fmt.Errorf("delete vectors for %s: %w", filePath, err)
	}
	return nil
}

// DeleteSource removes all points of the source with one filtered delete and,
// only if that succeeds, calls dropRelational. A missing index is not an error.
func (s *Synchronizer) DeleteSource(ctx context.Context, sourceID int64, dropRelational func(ctx context.Context) error) error {
	err := s.store.DeleteByFilter(ctx, vectorstore.Filter{SourceID: sourceID})
	if err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return fmt.Errorf("delete vectors for source %d: %w", sourceID, err)
	}
	if dropRelational == nil {
		return nil
	}
	if err := dropRelational(ctx); err != nil {
		return fmt.Errorf("delete source %d records: %w", sourceID, err)
	}
	s.logger.Info("source deleted", "source_id", sourceID)
	return nil
}

// RepairFunc builds points for chunk point ids that have no vector.
type RepairFunc func(ctx context.Context, pointIDs []string) ([]vectorstore.Point, error)

// ReconcileReport summarizes one reconciliation.
type ReconcileReport struct {
	Expected int
	Orphans  int
	Missing  int
	Final    int
}

// Reconcile makes the source's points match expected, the point ids of its
// chunk records. Points not in expected are deleted; expected ids without a
// point are rebuilt with repair. The final count must equal len(expected).
func (s *Synchronizer) Reconcile(ctx context.Context, sourceID int64, expected []string, repair RepairFunc) (ReconcileReport, error) {
	report := ReconcileReport{Expected: len(expected)}
	filter := vectorstore.Filter{SourceID: sourceID}

	points, err := s.store.Scroll(ctx, filter, 0)
	if err != nil {
		return report, fmt.Errorf("list vectors: %w", err)
	}

	want := make(map[string]struct{}, len(expected))
	for _, id := range expected {
		want[id] = struct{}{}
	}
	have := make(map[string]struct{}, len(points))
	var orphans []string
	for _, p := range points {
		have[p.ID] = struct{}{}
		if _, ok := want[p.ID]; !ok {
			orphans = append(orphans, p.ID)
		}
	}
	var missing []string
	for _, id := range expected {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	report.Orphans = len(orphans)
	report.Missing = len(missing)

	if len(orphans) > 0 {
		s.logger.Warn("deleting orphaned vectors", "source_id", sourceID, "count", len(orphans))
		if err := s.store.DeleteByIDs(ctx, orphans); err != nil {
			return report, fmt.Errorf("delete orphaned vectors: %w", err)
		}
	}
	if len(missing) > 0 {
		s.logger.Warn("restoring missing vectors", "source_id", sourceID, "count", len(missing))
		if repair == nil {
			return report, fmt.Errorf("%w: %d vectors missing", ErrInconsistent, len(missing))
		}
		restored, err := repair(ctx, missing)
		if err != nil {
			return report, fmt.Errorf("rebuild missing vectors: %w", err)
		}
		if len(restored) > 0 {
			if err := s.store.Upsert(ctx, restored); err != nil {
				return report, fmt.Errorf("upsert restored vectors: %w", err)
			}
		}
	}

	final, err := s.store.Count(ctx, filter)
	if err != nil {
		return report, fmt.Errorf("count vectors: %w", err)
	}
	report.Final = final
	if final != len(expected) {
		return report, fmt.Errorf("%w: %d points, %d chunks", ErrInconsistent, final, len(expected))
	}
	return report, nil
}
