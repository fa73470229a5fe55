// Package indexer runs the incremental indexing pipeline for one source.
//
// # Basic Usage
//
//	idx, err := indexer.New(indexer.Deps{
//	    Storage:   store,
//	    Sync:      vectorsync.New(vectors, logger),
//	    Embedder:  emb,
//	    Generator: gen, // nil disables summaries
//	}, indexer.Config{})
//
//	pc := pipeline.New(source.ID, source.Path, pipeline.Options{}, onProgress)
//	result, err := idx.Run(ctx, pc, token)
//
// # Pipeline
//
// A run executes its phases in order:
//
//  1. Scan: walk the source root, skip hidden, vendor and binary files, hash each file
//  2. Diff: classify every path as ADD, MODIFY, SKIP or REMOVE against stored file records
//  3. Chunk, embed and store each changed file, in path order
//  4. Summarize: generate summaries for new chunks, gated by the generation cache
//  5. Reconcile: make the vector index match the stored chunks
//
// Content hashes are SHA-256 over the file bytes with CRLF and CR normalized
// to LF. A file whose hash is unchanged is skipped unless the force option is
// set; a skipped file costs no embedding and no summarization call.
//
// # Error Handling
//
// Failures reading, chunking or embedding one file are recorded with
// recoverable=true and the run moves on. Failures talking to the vector store
// or the relational store abort the run:
//
//	result, err := idx.Run(ctx, pc, token)
//	switch {
//	case errors.Is(err, types.ErrCancelled):
//	    // cancellation observed at a checkpoint
//	case indexer.IsFatal(err):
//	    // infrastructure failure, mark the task FAILED
//	}
//
// # Cancellation
//
// The run checks its cancel.Token between files and again before writing a
// file's vectors and chunks, so no write happens after a cancellation has
// been observed.
package indexer
