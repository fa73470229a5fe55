package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/gocontext-indexd/internal/embedder"
	"github.com/dshills/gocontext-indexd/internal/searcher"
	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/internal/vectorstore"
	"github.com/dshills/gocontext-indexd/internal/vectorsync"
	"github.com/dshills/gocontext-indexd/pkg/types"
)

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

type decoded struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   *ToolError             `json:"error"`
}

type testServer struct {
	*Server
	store *storage.SQLiteStorage
	tasks *storage.GormTaskStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tasks, err := storage.NewGormTaskStore(store.DB())
	require.NoError(t, err)
	require.NoError(t, tasks.Migrate(context.Background()))

	vectors := vectorstore.NewSQLiteStore(store.DB())
	srv, err := NewServer(Deps{
		Storage:  store,
		Tasks:    tasks,
		Sync:     vectorsync.New(vectors, nil),
		Searcher: searcher.NewSearcher(store, vectors, embedder.NewLocalProvider(8), nil),
	})
	require.NoError(t, err)
	return &testServer{Server: srv, store: store, tasks: tasks}
}

func call(t *testing.T, h toolHandler, args map[string]interface{}) decoded {
	t.Helper()
	result, err := h(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Arguments: args},
	})
	require.NoError(t, err, "handlers report failures in the payload")
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)

	var text string
	switch c := result.Content[0].(type) {
	case mcp.TextContent:
		text = c.Text
	case *mcp.TextContent:
		text = c.Text
	default:
		t.Fatalf("unexpected content %T", c)
	}

	var out decoded
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, !out.Success, result.IsError)
	if out.Success {
		assert.Nil(t, out.Error)
	} else {
		require.NotNil(t, out.Error)
	}
	return out
}

func (s *testServer) index(t *testing.T, path string, extra map[string]interface{}) decoded {
	t.Helper()
	args := map[string]interface{}{"path": path}
	for k, v := range extra {
		args[k] = v
	}
	return call(t, s.handleIndexCodebase, args)
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)
}

func TestNewServer_RegistersTools(t *testing.T) {
	s := newTestServer(t)
	tools := s.MCPServer().ListTools()
	for _, name := range []string{"index_codebase", "get_task", "list_tasks", "cancel_task", "search_code", "get_status", "delete_source"} {
		assert.Contains(t, tools, name)
	}
}

func TestIndexCodebase(t *testing.T) {
	s := newTestServer(t)
	root := t.TempDir()

	out := s.index(t, root, map[string]interface{}{"task_type": "FULL_INDEX", "verbose": true})
	require.True(t, out.Success)
	assert.Equal(t, true, out.Data["source_created"])
	assert.Equal(t, "PENDING", out.Data["status"])
	assert.Equal(t, "FULL_INDEX", out.Data["task_type"])

	task, err := s.tasks.GetTask(context.Background(), out.Data["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, types.TriggerWeb, task.TriggeredBy)
	assert.True(t, task.Options.Verbose)

	// A second request while the first is pending is refused.
	busy := s.index(t, root, nil)
	require.False(t, busy.Success)
	assert.Equal(t, ErrorCodeSourceBusy, busy.Error.Code)

	// Once the task is terminal the source accepts new work and is reused.
	require.NoError(t, s.tasks.RequestCancellation(context.Background(), task.ID))
	_, err = s.tasks.CancelRequestedPending(context.Background())
	require.NoError(t, err)
	again := s.index(t, root, nil)
	require.True(t, again.Success)
	assert.Equal(t, false, again.Data["source_created"])
	assert.Equal(t, out.Data["source_id"], again.Data["source_id"])
}

func TestIndexCodebase_InvalidParams(t *testing.T) {
	s := newTestServer(t)
	root := t.TempDir()

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing path", map[string]interface{}{}},
		{"relative path", map[string]interface{}{"path": "relative/dir"}},
		{"missing directory", map[string]interface{}{"path": filepath.Join(root, "nope")}},
		{"unknown task type", map[string]interface{}{"path": root, "task_type": "EVERYTHING"}},
		{"wiki without llm", map[string]interface{}{"path": root, "task_type": "WIKI_GENERATE", "skip_llm": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := call(t, s.handleIndexCodebase, tt.args)
			require.False(t, out.Success)
			assert.Equal(t, ErrorCodeInvalidParams, out.Error.Code)
		})
	}
}

func TestGetTask(t *testing.T) {
	s := newTestServer(t)
	queued := s.index(t, t.TempDir(), nil)
	id := queued.Data["task_id"].(string)

	require.NoError(t, s.tasks.AppendLog(context.Background(), &types.TaskLog{TaskID: id, Level: types.LogInfo, Phase: "scan", Message: "found 3 files"}))

	out := call(t, s.handleGetTask, map[string]interface{}{"task_id": id})
	require.True(t, out.Success)
	task := out.Data["task"].(map[string]interface{})
	assert.Equal(t, id, task["id"])
	assert.Equal(t, "PENDING", task["status"])
	logs := out.Data["logs"].([]interface{})
	require.Len(t, logs, 1)
	assert.Equal(t, "found 3 files", logs[0].(map[string]interface{})["message"])

	noLogs := call(t, s.handleGetTask, map[string]interface{}{"task_id": id, "log_limit": float64(0)})
	require.True(t, noLogs.Success)
	assert.NotContains(t, noLogs.Data, "logs")

	missing := call(t, s.handleGetTask, map[string]interface{}{"task_id": "does-not-exist"})
	require.False(t, missing.Success)
	assert.Equal(t, ErrorCodeNotFound, missing.Error.Code)

	bad := call(t, s.handleGetTask, map[string]interface{}{})
	assert.Equal(t, ErrorCodeInvalidParams, bad.Error.Code)
}

func TestListTasks(t *testing.T) {
	s := newTestServer(t)
	a, b := t.TempDir(), t.TempDir()
	s.index(t, a, nil)
	s.index(t, b, nil)

	all := call(t, s.handleListTasks, map[string]interface{}{})
	require.True(t, all.Success)
	assert.Equal(t, float64(2), all.Data["count"])

	one := call(t, s.handleListTasks, map[string]interface{}{"path": a})
	require.True(t, one.Success)
	assert.Equal(t, float64(1), one.Data["count"])

	none := call(t, s.handleListTasks, map[string]interface{}{"status": "RUNNING"})
	require.True(t, none.Success)
	assert.Equal(t, float64(0), none.Data["count"])

	bad := call(t, s.handleListTasks, map[string]interface{}{"status": "SLEEPING"})
	assert.Equal(t, ErrorCodeInvalidParams, bad.Error.Code)

	unknown := call(t, s.handleListTasks, map[string]interface{}{"path": "/not/registered"})
	assert.Equal(t, ErrorCodeNotFound, unknown.Error.Code)
}

func TestCancelTask(t *testing.T) {
	s := newTestServer(t)
	queued := s.index(t, t.TempDir(), nil)
	id := queued.Data["task_id"].(string)

	out := call(t, s.handleCancelTask, map[string]interface{}{"task_id": id})
	require.True(t, out.Success)
	assert.Equal(t, true, out.Data["cancel_requested"])
	assert.Equal(t, "PENDING", out.Data["status"], "the worker performs the transition")

	_, err := s.tasks.CancelRequestedPending(context.Background())
	require.NoError(t, err)

	terminal := call(t, s.handleCancelTask, map[string]interface{}{"task_id": id})
	require.False(t, terminal.Success)
	assert.Equal(t, ErrorCodeTaskNotActive, terminal.Error.Code)

	missing := call(t, s.handleCancelTask, map[string]interface{}{"task_id": "nope"})
	assert.Equal(t, ErrorCodeNotFound, missing.Error.Code)
}

func TestSearchCode(t *testing.T) {
	s := newTestServer(t)
	root := t.TempDir()

	unregistered := call(t, s.handleSearchCode, map[string]interface{}{"path": root, "query": "auth"})
	require.False(t, unregistered.Success)
	assert.Equal(t, ErrorCodeNotFound, unregistered.Error.Code)

	s.index(t, root, nil)

	out := call(t, s.handleSearchCode, map[string]interface{}{
		"path":        root,
		"query":       "auth",
		"search_mode": "keyword",
		"token_limit": float64(500),
	})
	require.True(t, out.Success)
	assert.Empty(t, out.Data["results"])
	assert.Equal(t, false, out.Data["truncated"])
	assert.Equal(t, "keyword", out.Data["search_mode"])

	for name, args := range map[string]map[string]interface{}{
		"empty query":    {"path": root, "query": ""},
		"limit too high": {"path": root, "query": "x", "limit": float64(500)},
		"negative limit": {"path": root, "query": "x", "token_limit": float64(-1)},
		"bad mode":       {"path": root, "query": "x", "search_mode": "fuzzy"},
	} {
		bad := call(t, s.handleSearchCode, args)
		assert.Equal(t, ErrorCodeInvalidParams, bad.Error.Code, name)
	}
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(t)
	root := t.TempDir()

	before := call(t, s.handleGetStatus, map[string]interface{}{"path": root})
	require.True(t, before.Success)
	assert.Equal(t, false, before.Data["indexed"])

	s.index(t, root, nil)

	after := call(t, s.handleGetStatus, map[string]interface{}{"path": root})
	require.True(t, after.Success)
	assert.Equal(t, false, after.Data["indexed"], "no run has finished yet")
	source := after.Data["source"].(map[string]interface{})
	assert.Equal(t, root, source["path"])
	assert.Equal(t, "PENDING", source["indexing_status"])
	stats := after.Data["statistics"].(map[string]interface{})
	assert.Equal(t, float64(0), stats["chunks_count"])
	latest := after.Data["latest_task"].(map[string]interface{})
	assert.Equal(t, "INCREMENTAL", latest["task_type"])
	health := after.Data["health"].(map[string]interface{})
	assert.Equal(t, float64(0), health["vector_points"])
	assert.Equal(t, true, health["consistent"])

	// A vector with no matching chunk row makes the index inconsistent
	ctx := context.Background()
	vectors := s.sync.Store()
	require.NoError(t, vectors.EnsureCollection(ctx, 8))
	require.NoError(t, vectors.Upsert(ctx, []vectorstore.Point{{
		ID:      "stray",
		Vector:  []float32{1, 0, 0, 0, 0, 0, 0, 0},
		Payload: vectorstore.Payload{SourceID: int64(source["id"].(float64)), FilePath: "gone.go"},
	}}))

	drifted := call(t, s.handleGetStatus, map[string]interface{}{"path": root})
	require.True(t, drifted.Success)
	health = drifted.Data["health"].(map[string]interface{})
	assert.Equal(t, float64(1), health["vector_points"])
	assert.Equal(t, false, health["consistent"])
}

func TestDeleteSource(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	root := t.TempDir()
	queued := s.index(t, root, nil)
	id := queued.Data["task_id"].(string)

	// Refused while the task is still waiting for a worker
	pending := call(t, s.handleDeleteSource, map[string]interface{}{"path": root})
	require.False(t, pending.Success)
	assert.Equal(t, ErrorCodeSourceBusy, pending.Error.Code)
	_, err := s.store.GetSourceByPath(ctx, root)
	require.NoError(t, err)

	claimed, err := s.tasks.ClaimTask(ctx, id, "w1")
	require.NoError(t, err)
	require.True(t, claimed)

	busy := call(t, s.handleDeleteSource, map[string]interface{}{"path": root})
	require.False(t, busy.Success)
	assert.Equal(t, ErrorCodeSourceBusy, busy.Error.Code)

	require.NoError(t, s.tasks.CompleteTask(ctx, id, types.TaskCounters{}))

	out := call(t, s.handleDeleteSource, map[string]interface{}{"path": root})
	require.True(t, out.Success)
	assert.Equal(t, true, out.Data["deleted"])

	_, err = s.store.GetSourceByPath(ctx, root)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	again := call(t, s.handleDeleteSource, map[string]interface{}{"path": root})
	assert.Equal(t, ErrorCodeNotFound, again.Error.Code)
}

func TestFailErr_HidesInternalErrors(t *testing.T) {
	s := newTestServer(t)
	result := s.failErr("get_status", assert.AnError)
	require.True(t, result.IsError)

	text := result.Content[0].(mcp.TextContent).Text
	assert.NotContains(t, text, assert.AnError.Error())
	assert.Contains(t, text, ErrorCodeInternal)
}
