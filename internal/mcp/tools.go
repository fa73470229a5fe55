package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/gocontext-indexd/internal/searcher"
	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/internal/vectorstore"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

// Tool error codes
const (
	ErrorCodeInvalidParams = "INVALID_PARAMS"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeSourceBusy    = "SOURCE_BUSY"
	ErrorCodeTaskNotActive = "TASK_NOT_ACTIVE"
	ErrorCodeInternal      = "INTERNAL_ERROR"
)

const (
	defaultLogLimit  = 20
	maxLogLimit      = 500
	defaultTaskLimit = 20
	maxTaskLimit     = 200
)

// ToolError is the error half of a tool response
type ToolError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response is the payload every tool returns
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ToolError  `json:"error,omitempty"`
}

func invalidParam(param, reason string) *ToolError {
	return &ToolError{
		Code:    ErrorCodeInvalidParams,
		Message: fmt.Sprintf("invalid %s: %s", param, reason),
		Details: map[string]interface{}{"param": param, "reason": reason},
	}
}

// handleIndexCodebase registers the source if needed and queues a task
func (s *Server) handleIndexCodebase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	path, terr := requireSourcePath(args)
	if terr != nil {
		return s.fail(terr), nil
	}

	taskType := types.TaskType(getStringDefault(args, "task_type", string(types.TaskIncremental)))
	if !taskType.Valid() {
		return s.fail(invalidParam("task_type", "unknown task type "+string(taskType))), nil
	}
	opts := types.IndexOptions{
		Verbose: getBoolDefault(args, "verbose", false),
		DryRun:  getBoolDefault(args, "dry_run", false),
		SkipLLM: getBoolDefault(args, "skip_llm", false),
		Force:   getBoolDefault(args, "force", false),
	}

	source, created, err := s.ensureSource(ctx, path)
	if err != nil {
		return s.failErr("index_codebase", err), nil
	}

	busy, err := s.tasks.HasActiveTask(ctx, source.ID)
	if err != nil {
		return s.failErr("index_codebase", err), nil
	}
	if busy {
		return s.fail(&ToolError{
			Code:    ErrorCodeSourceBusy,
			Message: "a task for this source is already pending or running",
			Details: map[string]interface{}{"source_id": source.ID},
		}), nil
	}

	task := &types.Task{
		SourceID:    source.ID,
		SourceType:  source.Type,
		TaskType:    taskType,
		TriggeredBy: types.TriggerWeb,
		Options:     opts,
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return s.failErr("index_codebase", err), nil
	}
	s.logger.Info("task queued", "task_id", task.ID, "source_id", source.ID, "task_type", taskType)

	return s.ok(map[string]interface{}{
		"task_id":        task.ID,
		"source_id":      source.ID,
		"source_created": created,
		"task_type":      task.TaskType,
		"status":         task.Status,
	}), nil
}

// handleGetTask returns one task with its most recent log lines
func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	id := getStringDefault(args, "task_id", "")
	if id == "" {
		return s.fail(invalidParam("task_id", "missing or empty")), nil
	}
	logLimit := getIntDefault(args, "log_limit", defaultLogLimit)
	if logLimit < 0 || logLimit > maxLogLimit {
		return s.fail(invalidParam("log_limit", fmt.Sprintf("must be between 0 and %d", maxLogLimit))), nil
	}

	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return s.failErr("get_task", err), nil
	}

	data := map[string]interface{}{"task": task}
	if logLimit > 0 {
		logs, err := s.tasks.ListLogs(ctx, id, logLimit)
		if err != nil {
			return s.failErr("get_task", err), nil
		}
		data["logs"] = logs
	}
	return s.ok(data), nil
}

// handleListTasks lists tasks, optionally for one source and status
func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	filter := storage.TaskFilter{Limit: getIntDefault(args, "limit", defaultTaskLimit)}
	if filter.Limit < 1 || filter.Limit > maxTaskLimit {
		return s.fail(invalidParam("limit", fmt.Sprintf("must be between 1 and %d", maxTaskLimit))), nil
	}
	if status := getStringDefault(args, "status", ""); status != "" {
		filter.Status = types.TaskStatus(status)
		if !filter.Status.Valid() {
			return s.fail(invalidParam("status", "unknown status "+status)), nil
		}
	}
	if raw := getStringDefault(args, "path", ""); raw != "" {
		source, terr := s.lookupSource(ctx, raw)
		if terr != nil {
			return s.fail(terr), nil
		}
		filter.SourceID = source.ID
	}

	tasks, err := s.tasks.ListTasks(ctx, filter)
	if err != nil {
		return s.failErr("list_tasks", err), nil
	}
	return s.ok(map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	}), nil
}

// handleCancelTask sets the cancellation marker on an active task
func (s *Server) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	id := getStringDefault(args, "task_id", "")
	if id == "" {
		return s.fail(invalidParam("task_id", "missing or empty")), nil
	}

	if err := s.tasks.RequestCancellation(ctx, id); err != nil {
		return s.failErr("cancel_task", err), nil
	}
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return s.failErr("cancel_task", err), nil
	}
	s.logger.Info("cancellation requested", "task_id", id, "status", task.Status)

	return s.ok(map[string]interface{}{
		"task_id":          id,
		"status":           task.Status,
		"cancel_requested": task.CancelRequested,
	}), nil
}

// handleSearchCode searches one indexed source
func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	raw := getStringDefault(args, "path", "")
	if raw == "" {
		return s.fail(invalidParam("path", "missing or empty")), nil
	}
	query := getStringDefault(args, "query", "")
	if query == "" {
		return s.fail(invalidParam("query", "missing or empty")), nil
	}

	limit := getIntDefault(args, "limit", searcher.DefaultLimit)
	if limit < 1 || limit > searcher.MaxLimit {
		return s.fail(invalidParam("limit", fmt.Sprintf("must be between 1 and %d", searcher.MaxLimit))), nil
	}
	tokenLimit := getIntDefault(args, "token_limit", 0)
	if tokenLimit < 0 {
		return s.fail(invalidParam("token_limit", "cannot be negative")), nil
	}
	mode := searcher.SearchMode(getStringDefault(args, "search_mode", string(searcher.SearchModeHybrid)))
	if !mode.Valid() {
		return s.fail(invalidParam("search_mode", "must be hybrid, vector or keyword")), nil
	}

	source, terr := s.lookupSource(ctx, raw)
	if terr != nil {
		return s.fail(terr), nil
	}

	resp, err := s.searcher.Search(ctx, searcher.SearchRequest{
		SourceID:   source.ID,
		Query:      query,
		Limit:      limit,
		Mode:       mode,
		TokenLimit: tokenLimit,
		UseCache:   true,
	})
	if err != nil {
		return s.failErr("search_code", err), nil
	}

	results := make([]map[string]interface{}, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = map[string]interface{}{
			"rank":            r.Rank,
			"relevance_score": r.RelevanceScore,
			"file":            r.File.Path,
			"language":        r.File.Language,
			"start_line":      r.File.StartLine,
			"end_line":        r.File.EndLine,
			"symbol":          r.SymbolName,
			"chunk_type":      r.ChunkType,
			"content":         r.Content,
		}
	}

	return s.ok(map[string]interface{}{
		"results":        results,
		"total_results":  resp.TotalResults,
		"total_tokens":   resp.TotalTokens,
		"truncated":      resp.Truncated,
		"search_mode":    resp.SearchMode,
		"cache_hit":      resp.CacheHit,
		"vector_results": resp.VectorResults,
		"text_results":   resp.TextResults,
		"duration_ms":    resp.Duration.Milliseconds(),
	}), nil
}

// handleGetStatus reports the indexing state of a source
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	path, terr := requireSourcePath(args)
	if terr != nil {
		return s.fail(terr), nil
	}

	source, err := s.storage.GetSourceByPath(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return s.ok(map[string]interface{}{
			"indexed": false,
			"path":    path,
			"message": "Source not registered. Use index_codebase to index it.",
		}), nil
	}
	if err != nil {
		return s.failErr("get_status", err), nil
	}

	status, err := s.storage.GetStatus(ctx, source.ID)
	if err != nil {
		return s.failErr("get_status", err), nil
	}
	points, err := s.sync.Store().Count(ctx, vectorstore.Filter{SourceID: source.ID})
	if err != nil {
		return s.failErr("get_status", err), nil
	}

	data := map[string]interface{}{
		"indexed": source.LastIndexedAt != nil,
		"source": map[string]interface{}{
			"id":              source.ID,
			"path":            source.Path,
			"type":            source.Type,
			"indexing_status": source.IndexingStatus,
			"last_indexed_at": formatTime(source.LastIndexedAt),
		},
		"statistics": map[string]interface{}{
			"files_count":     status.FilesCount,
			"chunks_count":    status.ChunksCount,
			"summaries_count": status.SummariesCount,
			"index_size_mb":   fmt.Sprintf("%.2f", status.IndexSizeMB),
		},
		"health": map[string]interface{}{
			"database_accessible": status.Health.DatabaseAccessible,
			"fts_indexes_built":   status.Health.FTSIndexesBuilt,
			"vector_points":       points,
			"consistent":          points == status.ChunksCount,
		},
	}

	latest, err := s.tasks.ListTasks(ctx, storage.TaskFilter{SourceID: source.ID, Limit: 1})
	if err != nil {
		return s.failErr("get_status", err), nil
	}
	if len(latest) > 0 {
		data["latest_task"] = latest[0]
	}
	return s.ok(data), nil
}

// handleDeleteSource removes vectors first, then the relational records
func (s *Server) handleDeleteSource(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	raw := getStringDefault(args, "path", "")
	if raw == "" {
		return s.fail(invalidParam("path", "missing or empty")), nil
	}
	source, terr := s.lookupSource(ctx, raw)
	if terr != nil {
		return s.fail(terr), nil
	}

	// A PENDING task would be claimed after the delete and write vectors
	// for a source that no longer exists.
	busy, err := s.tasks.HasActiveTask(ctx, source.ID)
	if err != nil {
		return s.failErr("delete_source", err), nil
	}
	if busy {
		return s.fail(&ToolError{
			Code:    ErrorCodeSourceBusy,
			Message: "cancel the pending or running task before deleting the source",
			Details: map[string]interface{}{"source_id": source.ID},
		}), nil
	}

	err = s.sync.DeleteSource(ctx, source.ID, func(ctx context.Context) error {
		return s.storage.DeleteSource(ctx, source.ID)
	})
	if err != nil {
		return s.failErr("delete_source", err), nil
	}
	s.searcher.InvalidateCache(source.ID)

	return s.ok(map[string]interface{}{
		"deleted":   true,
		"source_id": source.ID,
		"path":      source.Path,
	}), nil
}

// ensureSource returns the source registered at path, creating it if needed.
func (s *Server) ensureSource(ctx context.Context, path string) (*types.Source, bool, error) {
	source, created, err := storage.EnsureSource(ctx, s.storage, path)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("source registered", "source_id", source.ID, "path", path)
	}
	return source, created, nil
}

// lookupSource resolves a registered source by path without touching disk.
func (s *Server) lookupSource(ctx context.Context, raw string) (*types.Source, *ToolError) {
	if !filepath.IsAbs(raw) {
		return nil, invalidParam("path", ErrPathNotAbsolute.Error())
	}
	path := filepath.Clean(raw)
	source, err := s.storage.GetSourceByPath(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &ToolError{
			Code:    ErrorCodeNotFound,
			Message: "source not registered: " + path,
			Details: map[string]interface{}{"path": path},
		}
	}
	if err != nil {
		return nil, s.internal("lookup source", err)
	}
	return source, nil
}

// ok wraps data in a success response
func (s *Server) ok(data interface{}) *mcp.CallToolResult {
	return mcp.NewToolResultText(formatJSON(Response{Success: true, Data: data}))
}

// fail wraps a tool error in an error response
func (s *Server) fail(terr *ToolError) *mcp.CallToolResult {
	result := mcp.NewToolResultText(formatJSON(Response{Success: false, Error: terr}))
	result.IsError = true
	return result
}

// failErr classifies err. Internal errors are logged and replaced by a
// generic message.
func (s *Server) failErr(op string, err error) *mcp.CallToolResult {
	var terr *ToolError
	var validation *types.ValidationError
	var notFound *types.NotFoundError
	switch {
	case errors.As(err, &terr):
	case errors.As(err, &validation):
		terr = invalidParam(validation.Field, validation.Message)
	case errors.As(err, &notFound):
		terr = &ToolError{Code: ErrorCodeNotFound, Message: notFound.Error()}
	case errors.Is(err, storage.ErrNotFound):
		terr = &ToolError{Code: ErrorCodeNotFound, Message: "not found"}
	case errors.Is(err, storage.ErrTaskNotActive):
		terr = &ToolError{Code: ErrorCodeTaskNotActive, Message: "task is already in a terminal state"}
	default:
		terr = s.internal(op, err)
	}
	return s.fail(terr)
}

func (s *Server) internal(op string, err error) *ToolError {
	s.logger.Error("tool failed", "tool", op, "error", err)
	return &ToolError{Code: ErrorCodeInternal, Message: op + " failed"}
}

// requireSourcePath validates that args name an existing absolute directory
func requireSourcePath(args map[string]interface{}) (string, *ToolError) {
	raw := getStringDefault(args, "path", "")
	if raw == "" {
		return "", invalidParam("path", "missing or empty")
	}
	if err := validatePath(raw); err != nil {
		return "", invalidParam("path", err.Error())
	}
	return filepath.Clean(raw), nil
}

// validatePath checks if a path exists and is a readable directory
func validatePath(path string) error {
	if path == "" {
		return ErrPathRequired
	}
	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrPathNotReadable
	}
	_ = f.Close()
	return nil
}

func arguments(request mcp.CallToolRequest) map[string]interface{} {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return args
}

func formatTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// formatJSON formats a response as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":{"code":%q,"message":"response encoding failed"}}`, ErrorCodeInternal)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// Validation helpers

var (
	ErrPathRequired    = errors.New("path is required")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrNotDirectory    = errors.New("path is not a directory")
)
