package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"

	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultLocalModel  = "local-hash"

	JinaEndpoint   = "https://api.jina.ai/v1/embeddings"
	OpenAIEndpoint = "https://api.openai.com/v1/embeddings"

	JinaDimension   = 1024
	OpenAIDimension = 1536
	LocalDimension  = 384

	// MaxBatchSize is the most texts sent in one API request.
	MaxBatchSize = 100

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

// RemoteConfig configures an HTTP embedding provider speaking the
// OpenAI-compatible /v1/embeddings format.
type RemoteConfig struct {
	Name      string
	Endpoint  string
	APIKey    string
	Model     string
	Dimension int
	Cache     Cache
	Retry     RetryConfig
	Timeout   time.Duration
	Logger    *slog.Logger
}

// RemoteProvider implements Embedder over an OpenAI-compatible HTTP API.
// Jina and OpenAI share the request and response shape.
type RemoteProvider struct {
	cfg        RemoteConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemoteProvider validates cfg and creates the provider.
func NewRemoteProvider(cfg RemoteConfig) (*RemoteProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s api key not set", ErrNoProviderEnabled, cfg.Name)
	}
	if cfg.Endpoint == "" || cfg.Model == "" || cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: incomplete %s configuration", ErrInvalidInput, cfg.Name)
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("provider", cfg.Name),
	}, nil
}

// NewJinaProvider creates a Jina AI embedder
func NewJinaProvider(apiKey, model string, cache Cache, logger *slog.Logger) (*RemoteProvider, error) {
	if model == "" {
		model = DefaultJinaModel
	}
	return NewRemoteProvider(RemoteConfig{
		Name:      ProviderJina,
		Endpoint:  JinaEndpoint,
		APIKey:    apiKey,
		Model:     model,
		Dimension: JinaDimension,
		Cache:     cache,
		Logger:    logger,
	})
}

// NewOpenAIProvider creates an OpenAI embedder
func NewOpenAIProvider(apiKey, model string, cache Cache, logger *slog.Logger) (*RemoteProvider, error) {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return NewRemoteProvider(RemoteConfig{
		Name:      ProviderOpenAI,
		Endpoint:  OpenAIEndpoint,
		APIKey:    apiKey,
		Model:     model,
		Dimension: OpenAIDimension,
		Cache:     cache,
		Logger:    logger,
	})
}

func (p *RemoteProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

// GenerateBatch serves cached texts from the cache and sends the rest to the
// API in batches of at most MaxBatchSize.
func (p *RemoteProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	out := make([]*Embedding, len(req.Texts))
	var missing []int
	for i, text := range req.Texts {
		hash := ComputeHash(text)
		if p.cfg.Cache != nil {
			if vec, ok := p.cfg.Cache.Get(ctx, cacheKey(p.cfg.Name, p.cfg.Model, hash)); ok {
				out[i] = p.embedding(vec, hash)
				continue
			}
		}
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(missing))
		idx := missing[start:end]
		texts := make([]string, len(idx))
		for j, i := range idx {
			texts[j] = req.Texts[i]
		}

		vectors, err := retryWithBackoff(ctx, p.cfg.Retry, func() ([][]float32, error) {
			return p.callAPI(ctx, texts)
		})
		if err != nil {
			return nil, &types.ProviderError{Provider: p.cfg.Name, Op: "embed", Err: fmt.Errorf("%w: %v", ErrProviderFailed, err)}
		}

		for j, i := range idx {
			hash := ComputeHash(req.Texts[i])
			out[i] = p.embedding(vectors[j], hash)
			if p.cfg.Cache != nil {
				p.cfg.Cache.Set(ctx, cacheKey(p.cfg.Name, p.cfg.Model, hash), vectors[j])
			}
		}
		p.logger.Debug("embedded batch", "texts", len(texts))
	}

	return &BatchEmbeddingResponse{
		Embeddings: out,
		Provider:   p.cfg.Name,
		Model:      p.cfg.Model,
	}, nil
}

func (p *RemoteProvider) embedding(vec []float32, hash string) *Embedding {
	return &Embedding{
		Vector:    vec,
		Dimension: len(vec),
		Provider:  p.cfg.Name,
		Model:     p.cfg.Model,
		Hash:      hash,
	}
}

func (p *RemoteProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"input": texts,
		"model": p.cfg.Model,
	})
	if err != nil {
		return nil, permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
		// Client errors other than rate limiting will not succeed on retry
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, permanent(apiErr)
		}
		return nil, apiErr
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Data) != len(texts) {
		return nil, fmt.Errorf("api returned %d embeddings for %d texts", len(apiResp.Data), len(texts))
	}

	sort.Slice(apiResp.Data, func(i, j int) bool { return apiResp.Data[i].Index < apiResp.Data[j].Index })
	vectors := make([][]float32, len(apiResp.Data))
	for i, d := range apiResp.Data {
		if len(d.Embedding) != p.cfg.Dimension {
			return nil, permanent(fmt.Errorf("embedding %d has dimension %d, want %d", i, len(d.Embedding), p.cfg.Dimension))
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

func (p *RemoteProvider) Dimension() int   { return p.cfg.Dimension }
func (p *RemoteProvider) Provider() string { return p.cfg.Name }
func (p *RemoteProvider) Model() string    { return p.cfg.Model }

func (p *RemoteProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider derives deterministic pseudo-embeddings from a hash of the
// text. It needs no network and is used offline and in tests; vectors carry
// no semantic similarity.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates a local embedder. A dimension <= 0 selects LocalDimension.
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{dimension: dimension}
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Expand the text hash into dimension values by chaining SHA-256 blocks.
	vector := make([]float32, l.dimension)
	block := sha256.Sum256([]byte(req.Text))
	for i := 0; i < l.dimension; i++ {
		if i > 0 && i%8 == 0 {
			block = sha256.Sum256(block[:])
		}
		u := binary.LittleEndian.Uint32(block[(i%8)*4:])
		vector[i] = float32(u)/math.MaxUint32*2 - 1
	}

	return &Embedding{
		Vector:    NormalizeVector(vector),
		Dimension: l.dimension,
		Provider:  ProviderLocal,
		Model:     DefaultLocalModel,
		Hash:      ComputeHash(req.Text),
	}, nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      DefaultLocalModel,
	}, nil
}

func (l *LocalProvider) Dimension() int   { return l.dimension }
func (l *LocalProvider) Provider() string { return ProviderLocal }
func (l *LocalProvider) Model() string    { return DefaultLocalModel }
func (l *LocalProvider) Close() error     { return nil }
