// Package mcp implements the Model Context Protocol (MCP) server for the
// indexing daemon.
//
// The server exposes the task engine and search to AI coding assistants:
//   - index_codebase: register a source and queue an indexing task
//   - get_task: task status, counters and recent log lines
//   - list_tasks: recent tasks, filtered by source or status
//   - cancel_task: request cancellation of a pending or running task
//   - search_code: hybrid, vector or keyword search with an optional token budget
//   - get_status: source statistics and the latest task
//   - delete_source: drop a source's vectors, then its records
//
// Indexing is asynchronous. index_codebase only writes a PENDING task; a
// worker process (gocontext worker) claims and runs it.
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// # Responses
//
// Every tool answers with one text content holding a JSON envelope:
//
//	{"success": true, "data": {...}}
//	{"success": false, "error": {"code": "SOURCE_BUSY", "message": "..."}}
//
// Error codes are INVALID_PARAMS, NOT_FOUND, SOURCE_BUSY, TASK_NOT_ACTIVE and
// INTERNAL_ERROR. Internal failures are logged; the client only sees the
// tool name.
//
// # Tool: index_codebase
//
//	Request:
//	{
//	  "name": "index_codebase",
//	  "arguments": {
//	    "path": "/path/to/project",
//	    "task_type": "INCREMENTAL",
//	    "skip_llm": true
//	  }
//	}
//
//	Response:
//	{
//	  "success": true,
//	  "data": {
//	    "task_id": "5f0c...",
//	    "source_id": 1,
//	    "source_created": true,
//	    "task_type": "INCREMENTAL",
//	    "status": "PENDING"
//	  }
//	}
//
// A second request for a source that already has a pending or running task
// fails with SOURCE_BUSY.
//
// # Tool: search_code
//
//	Request:
//	{
//	  "name": "search_code",
//	  "arguments": {
//	    "path": "/path/to/project",
//	    "query": "user authentication logic",
//	    "limit": 10,
//	    "token_limit": 2000
//	  }
//	}
//
// The response lists results in rank order with total_tokens and truncated.
// When truncated is true, lower-ranked results were dropped whole to fit
// token_limit.
package mcp
