package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func pathProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

// indexCodebaseTool returns the tool definition for index_codebase
func indexCodebaseTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_codebase",
		Description: "Queue an indexing task for a codebase. Returns immediately with the task id; poll get_task for progress.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": pathProperty("Absolute path to the source root. The source is registered on first use."),
				"task_type": map[string]interface{}{
					"type":        "string",
					"description": "FULL_INDEX and REINDEX reprocess every file, INCREMENTAL only changed files, WIKI_GENERATE only regenerates summaries",
					"enum":        []string{"INCREMENTAL", "FULL_INDEX", "REINDEX", "WIKI_GENERATE"},
					"default":     "INCREMENTAL",
				},
				"force": map[string]interface{}{
					"type":        "boolean",
					"description": "Reprocess files even when their content hash is unchanged",
					"default":     false,
				},
				"dry_run": map[string]interface{}{
					"type":        "boolean",
					"description": "Scan, diff and chunk without writing anything",
					"default":     false,
				},
				"skip_llm": map[string]interface{}{
					"type":        "boolean",
					"description": "Skip summary generation",
					"default":     false,
				},
				"verbose": map[string]interface{}{
					"type":        "boolean",
					"description": "Record per-file progress in the task log",
					"default":     false,
				},
			},
			Required: []string{"path"},
		},
	}
}

// getTaskTool returns the tool definition for get_task
func getTaskTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_task",
		Description: "Get the status, counters and recent log lines of an indexing task",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"task_id": map[string]interface{}{
					"type":        "string",
					"description": "Task id returned by index_codebase",
				},
				"log_limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of log lines to include (0 omits logs)",
					"default":     20,
					"minimum":     0,
					"maximum":     500,
				},
			},
			Required: []string{"task_id"},
		},
	}
}

// listTasksTool returns the tool definition for list_tasks
func listTasksTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_tasks",
		Description: "List recent indexing tasks, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": pathProperty("Only tasks of the source at this path"),
				"status": map[string]interface{}{
					"type":        "string",
					"description": "Only tasks in this status",
					"enum":        []string{"PENDING", "RUNNING", "COMPLETED", "FAILED", "CANCELLED"},
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of tasks to return (1-200)",
					"default":     20,
					"minimum":     1,
					"maximum":     200,
				},
			},
		},
	}
}

// cancelTaskTool returns the tool definition for cancel_task
func cancelTaskTool() mcp.Tool {
	return mcp.Tool{
		Name:        "cancel_task",
		Description: "Request cancellation of a pending or running task. A running task stops at its next checkpoint.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"task_id": map[string]interface{}{
					"type":        "string",
					"description": "Task id to cancel",
				},
			},
			Required: []string{"task_id"},
		},
	}
}

// searchCodeTool returns the tool definition for search_code
func searchCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_code",
		Description: "Search an indexed codebase with natural language or keyword queries",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": pathProperty("Absolute path to an indexed source"),
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query (natural language or keywords)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"token_limit": map[string]interface{}{
					"type":        "integer",
					"description": "Cap on the estimated tokens of the returned results; lower-ranked results are dropped whole",
					"minimum":     0,
				},
				"search_mode": map[string]interface{}{
					"type":        "string",
					"description": "Search strategy: hybrid (vector + keyword), vector (semantic only), or keyword (BM25 only)",
					"enum":        []string{"hybrid", "vector", "keyword"},
					"default":     "hybrid",
				},
			},
			Required: []string{"path", "query"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Query indexing status and statistics for a source",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": pathProperty("Absolute path to the source root"),
			},
			Required: []string{"path"},
		},
	}
}

// deleteSourceTool returns the tool definition for delete_source
func deleteSourceTool() mcp.Tool {
	return mcp.Tool{
		Name:        "delete_source",
		Description: "Remove a source with its vectors, chunks and cached summaries. Refused while a task is running for it.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": pathProperty("Absolute path to the source root"),
			},
			Required: []string{"path"},
		},
	}
}
