package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

// fakeAPI serves an OpenAI-compatible embeddings endpoint.
type fakeAPI struct {
	mu        sync.Mutex
	calls     int
	batchLens []int
	failFirst int
	status    int
	dimension int
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls++
		call := f.calls
		f.mu.Unlock()

		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if call <= f.failFirst {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
			return
		}

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.batchLens = append(f.batchLens, len(req.Input))
		f.mu.Unlock()

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		// Return items in reverse order to check index sorting
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, f.dimension)
			vec[0] = float32(len(req.Input[i]))
			data = append(data, item{Embedding: vec, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "model": req.Model})
	}
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestProvider(t *testing.T, api *fakeAPI, cache Cache) *RemoteProvider {
	t.Helper()
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	p, err := NewRemoteProvider(RemoteConfig{
		Name:      "test",
		Endpoint:  server.URL,
		APIKey:    "test-key",
		Model:     "test-model",
		Dimension: api.dimension,
		Cache:     cache,
		Retry:     RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, err)
	return p
}

func TestRemoteProvider_Batch(t *testing.T) {
	api := &fakeAPI{dimension: 4}
	p := newTestProvider(t, api, nil)

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a", "bbb", "cc"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 3)
	assert.Equal(t, float32(1), resp.Embeddings[0].Vector[0])
	assert.Equal(t, float32(3), resp.Embeddings[1].Vector[0])
	assert.Equal(t, float32(2), resp.Embeddings[2].Vector[0])
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 1, api.callCount())
}

func TestRemoteProvider_SplitsLargeBatches(t *testing.T) {
	api := &fakeAPI{dimension: 2}
	p := newTestProvider(t, api, nil)

	texts := make([]string, MaxBatchSize*2+5)
	for i := range texts {
		texts[i] = "text"
	}
	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: texts})
	require.NoError(t, err)
	assert.Len(t, resp.Embeddings, len(texts))
	assert.Equal(t, []int{MaxBatchSize, MaxBatchSize, 5}, api.batchLens)
}

func TestRemoteProvider_Cache(t *testing.T) {
	api := &fakeAPI{dimension: 2}
	cache := NewCache(100)
	p := newTestProvider(t, api, cache)
	ctx := context.Background()

	_, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"one", "two"}})
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Size())

	// Only the uncached text is sent
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"one", "three", "two"}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, api.batchLens)
	assert.Equal(t, float32(5), resp.Embeddings[1].Vector[0])

	_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "one"})
	require.NoError(t, err)
	assert.Equal(t, 2, api.callCount())
}

func TestRemoteProvider_RetriesServerErrors(t *testing.T) {
	api := &fakeAPI{dimension: 2, failFirst: 2, status: http.StatusServiceUnavailable}
	p := newTestProvider(t, api, nil)

	_, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, 3, api.callCount())
}

func TestRemoteProvider_DoesNotRetryClientErrors(t *testing.T) {
	api := &fakeAPI{dimension: 2, failFirst: 10, status: http.StatusUnauthorized}
	p := newTestProvider(t, api, nil)

	_, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, 1, api.callCount())

	var perr *types.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "test", perr.Provider)
	assert.ErrorIs(t, err, ErrProviderFailed)
}

func TestRemoteProvider_RetriesRateLimit(t *testing.T) {
	api := &fakeAPI{dimension: 2, failFirst: 10, status: http.StatusTooManyRequests}
	p := newTestProvider(t, api, nil)

	_, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, 3, api.callCount())
}

func TestRemoteProvider_DimensionMismatch(t *testing.T) {
	api := &fakeAPI{dimension: 3}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()

	p, err := NewRemoteProvider(RemoteConfig{
		Name: "test", Endpoint: server.URL, APIKey: "test-key", Model: "m", Dimension: 8,
	})
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "x"})
	assert.Error(t, err)
	assert.Equal(t, 1, api.callCount())
}

func TestNewRemoteProvider_Validation(t *testing.T) {
	_, err := NewRemoteProvider(RemoteConfig{Name: "x", Endpoint: "http://x", Model: "m", Dimension: 2})
	assert.ErrorIs(t, err, ErrNoProviderEnabled)

	_, err = NewRemoteProvider(RemoteConfig{Name: "x", APIKey: "k", Model: "m", Dimension: 2})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRetryWithBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	t.Run("succeeds after failures", func(t *testing.T) {
		attempts := 0
		got, err := retryWithBackoff(context.Background(), cfg, func() (int, error) {
			attempts++
			if attempts < 3 {
				return 0, errors.New("transient")
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		attempts := 0
		_, err := retryWithBackoff(context.Background(), cfg, func() (int, error) {
			attempts++
			return 0, errors.New("down")
		})
		assert.EqualError(t, err, "down")
		assert.Equal(t, 4, attempts)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		attempts := 0
		_, err := retryWithBackoff(context.Background(), cfg, func() (int, error) {
			attempts++
			return 0, permanent(errors.New("bad request"))
		})
		assert.EqualError(t, err, "bad request")
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := retryWithBackoff(ctx, cfg, func() (int, error) {
			cancel()
			return 0, errors.New("transient")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
