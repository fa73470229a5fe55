package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

var (
	// ErrTaskNotActive is returned when a conditional status write finds the
	// task already terminal (or, for finalization, not RUNNING).
	ErrTaskNotActive = errors.New("task is not active")
)

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	SourceID int64
	Status   types.TaskStatus
	Limit    int
}

// TaskStore is the durable record of task state.
//
// Status and counter writes are conditional updates so a terminal state is
// never overwritten. The cancellation marker is the only field callers other
// than the owning worker may set.
type TaskStore interface {
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error)
	NextPending(ctx context.Context, limit int) ([]*types.Task, error)

	// ClaimTask moves a PENDING task to RUNNING if no other task of the same
	// source is RUNNING. It reports whether this caller won the claim.
	ClaimTask(ctx context.Context, id, workerID string) (bool, error)
	UpdateProgress(ctx context.Context, id string, counters types.TaskCounters) error
	CompleteTask(ctx context.Context, id string, counters types.TaskCounters) error
	FailTask(ctx context.Context, id, message string, counters types.TaskCounters) error
	CancelTask(ctx context.Context, id string, counters types.TaskCounters) error
	// CancelRequestedPending moves PENDING tasks carrying the cancellation
	// marker to CANCELLED and returns how many moved.
	CancelRequestedPending(ctx context.Context) (int, error)

	RequestCancellation(ctx context.Context, id string) error
	IsCancellationRequested(ctx context.Context, id string) (bool, error)

	// HasActiveTask reports whether the source has a PENDING or RUNNING task.
	HasActiveTask(ctx context.Context, sourceID int64) (bool, error)

	AppendLog(ctx context.Context, entry *types.TaskLog) error
	ListLogs(ctx context.Context, taskID string, limit int) ([]*types.TaskLog, error)
}

// GormTaskStore implements TaskStore with GORM.
type GormTaskStore struct {
	db *gorm.DB
}

// NewGormTaskStore wraps an existing connection pool. Pass the *sql.DB of a
// SQLiteStorage so tasks and index data live in one database.
func NewGormTaskStore(conn *sql.DB) (*GormTaskStore, error) {
	db, err := gorm.Open(sqlite.New(sqlite.Config{Conn: conn}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	return &GormTaskStore{db: db}, nil
}

// Migrate creates or updates the task tables.
func (s *GormTaskStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&types.Task{}, &types.TaskLog{})
}

func (s *GormTaskStore) CreateTask(ctx context.Context, task *types.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = types.TaskPending
	}
	if task.SourceType == "" {
		task.SourceType = types.SourceLocal
	}
	if err := task.Validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(task).Error
}

func (s *GormTaskStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &types.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *GormTaskStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	q := s.db.WithContext(ctx).Model(&types.Task{})
	if filter.SourceID > 0 {
		q = q.Where("source_id = ?", filter.SourceID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var tasks []*types.Task
	err := q.Order("created_at DESC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

// NextPending returns claimable tasks, oldest first.
func (s *GormTaskStore) NextPending(ctx context.Context, limit int) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.WithContext(ctx).
		Where("status = ?", types.TaskPending).
		Where("cancel_requested = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (s *GormTaskStore) ClaimTask(ctx context.Context, id, workerID string) (bool, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ? AND status IN ? AND cancel_requested = ?", id, types.StatusesInto(types.TaskRunning), false).
		Where("NOT EXISTS (SELECT 1 FROM tasks AS running WHERE running.source_id = tasks.source_id AND running.status = ?)",
			types.TaskRunning).
		Updates(map[string]any{
			"status":     types.TaskRunning,
			"worker_id":  workerID,
			"started_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func counterUpdates(c types.TaskCounters) map[string]any {
	return map[string]any{
		"files_total":         c.FilesTotal,
		"files_processed":     c.FilesProcessed,
		"chunks_created":      c.ChunksCreated,
		"summaries_generated": c.SummariesGenerated,
	}
}

func (s *GormTaskStore) UpdateProgress(ctx context.Context, id string, counters types.TaskCounters) error {
	updates := counterUpdates(counters)
	updates["updated_at"] = time.Now()
	// Progress is only recorded by the worker that owns the run.
	return s.finalize(ctx, id, []types.TaskStatus{types.TaskRunning}, updates)
}

func (s *GormTaskStore) CompleteTask(ctx context.Context, id string, counters types.TaskCounters) error {
	return s.terminate(ctx, id, types.TaskCompleted, "", counters)
}

func (s *GormTaskStore) FailTask(ctx context.Context, id, message string, counters types.TaskCounters) error {
	return s.terminate(ctx, id, types.TaskFailed, message, counters)
}

func (s *GormTaskStore) CancelTask(ctx context.Context, id string, counters types.TaskCounters) error {
	return s.terminate(ctx, id, types.TaskCancelled, "", counters)
}

// terminate moves the task to status from any state allowed to reach it.
func (s *GormTaskStore) terminate(ctx context.Context, id string, status types.TaskStatus, message string, counters types.TaskCounters) error {
	now := time.Now()
	updates := counterUpdates(counters)
	updates["status"] = status
	updates["completed_at"] = now
	updates["updated_at"] = now
	if message != "" {
		updates["error_message"] = message
	}
	return s.finalize(ctx, id, types.StatusesInto(status), updates)
}

// finalize applies updates only while the task is in one of the from states.
func (s *GormTaskStore) finalize(ctx context.Context, id string, from []types.TaskStatus, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotActive
	}
	return nil
}

func (s *GormTaskStore) CancelRequestedPending(ctx context.Context) (int, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&types.Task{}).
		Where("status = ? AND cancel_requested = ?", types.TaskPending, true).
		Updates(map[string]any{
			"status":       types.TaskCancelled,
			"completed_at": now,
			"updated_at":   now,
		})
	return int(result.RowsAffected), result.Error
}

// RequestCancellation sets the marker on a non-terminal task. It never
// touches status; the owning worker or the poll loop observes the marker.
func (s *GormTaskStore) RequestCancellation(ctx context.Context, id string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ? AND status IN ?", id, []types.TaskStatus{types.TaskPending, types.TaskRunning}).
		Updates(map[string]any{
			"cancel_requested":    true,
			"cancel_requested_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return ErrTaskNotActive
	}
	return nil
}

func (s *GormTaskStore) IsCancellationRequested(ctx context.Context, id string) (bool, error) {
	var task types.Task
	err := s.db.WithContext(ctx).Select("cancel_requested").First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, &types.NotFoundError{Kind: "task", ID: id}
	}
	return task.CancelRequested, err
}

func (s *GormTaskStore) HasActiveTask(ctx context.Context, sourceID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.Task{}).
		Where("source_id = ? AND status IN ?", sourceID, []types.TaskStatus{types.TaskPending, types.TaskRunning}).
		Count(&count).Error
	return count > 0, err
}

func (s *GormTaskStore) AppendLog(ctx context.Context, entry *types.TaskLog) error {
	if entry.Level == "" {
		entry.Level = types.LogInfo
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormTaskStore) ListLogs(ctx context.Context, taskID string, limit int) ([]*types.TaskLog, error) {
	q := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var logs []*types.TaskLog
	err := q.Find(&logs).Error
	return logs, err
}
