// Package embedder turns chunk content and search queries into vectors.
//
// Providers:
//   - jina and openai: OpenAI-compatible HTTP APIs, batched, retried with
//     exponential backoff. 4xx responses other than 429 are not retried.
//   - local: deterministic hash-derived vectors for offline runs and tests.
//
// Remote providers consult a Cache keyed by provider, model and the SHA-256
// of the text. NewCache gives an in-process LRU; RedisCache shares vectors
// across worker processes; TieredCache chains the two.
//
//	cache := &embedder.TieredCache{L1: embedder.NewCache(10000), L2: redisCache}
//	emb, err := embedder.New(embedder.Config{Provider: "jina", Cache: cache}, logger)
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
//
// Failures from a provider are returned as *types.ProviderError wrapping
// ErrProviderFailed.
package embedder
