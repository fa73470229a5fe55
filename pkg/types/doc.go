// Package types provides shared type definitions for gocontext-indexd.
//
// It defines the task records driven by the worker, the source, file and
// chunk records written by the indexer, generation cache entries, and
// search results.
//
// # Tasks
//
// A Task moves through a small state machine:
//
//	PENDING -> RUNNING -> COMPLETED
//	                   -> FAILED
//	PENDING | RUNNING  -> CANCELLED
//
// Terminal states never change again. Use TaskStatus.CanTransition to check
// a move before writing it.
//
// # Content hashes
//
// Files and chunks are hashed with SHA-256 over normalized bytes (CRLF and CR
// become LF). The 32-byte digest is the persisted format and the basis of
// change detection between runs:
//
//	hash := types.HashContent(data)
//
// # Token estimates
//
// EstimateTokens is ceil(len/4). Chunk token counts and search-time budget
// truncation share it, and each search result carries ResultMetadataTokens
// of fixed overhead.
//
// # Errors
//
// ValidationError, NotFoundError, ProviderError and TransientIOError are
// classified with errors.As. ErrCancelled marks an observed cancellation and
// is never treated as a failure.
package types
