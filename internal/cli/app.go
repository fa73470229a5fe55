package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dshills/gocontext-indexd/internal/config"
	"github.com/dshills/gocontext-indexd/internal/embedder"
	"github.com/dshills/gocontext-indexd/internal/indexer"
	"github.com/dshills/gocontext-indexd/internal/llm"
	"github.com/dshills/gocontext-indexd/internal/searcher"
	"github.com/dshills/gocontext-indexd/internal/storage"
	"github.com/dshills/gocontext-indexd/internal/vectorstore"
	"github.com/dshills/gocontext-indexd/internal/vectorsync"
)

// app holds the services shared by every command. Heavier collaborators
// (embedder, generator) are built on demand.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *storage.SQLiteStorage
	tasks   *storage.GormTaskStore
	vectors vectorstore.VectorStore
	sync    *vectorsync.Synchronizer

	embedder   embedder.Embedder
	redisCache *embedder.RedisCache
}

// openApp opens the database, migrates the task tables and connects the
// configured vector backend.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	store, err := storage.NewSQLiteStorage(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	a.tasks, err = storage.NewGormTaskStore(store.DB())
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if err := a.tasks.Migrate(ctx); err != nil {
		_ = a.close()
		return nil, fmt.Errorf("migrate task store: %w", err)
	}

	switch cfg.VectorBackend {
	case "surreal":
		a.vectors, err = vectorstore.NewSurrealStore(ctx, vectorstore.SurrealConfig{
			URL:       cfg.Surreal.URL,
			Namespace: cfg.Surreal.Namespace,
			Database:  cfg.Surreal.Database,
			Username:  cfg.Surreal.Username,
			Password:  cfg.Surreal.Password,
		}, logger)
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("connect vector store: %w", err)
		}
	default:
		a.vectors = vectorstore.NewSQLiteStore(store.DB())
	}
	a.sync = vectorsync.New(a.vectors, logger)

	logger.Debug("storage ready",
		"db_path", cfg.DBPath,
		"vector_backend", cfg.VectorBackend,
		"build_mode", storage.BuildMode,
		"driver", storage.DriverName)
	return a, nil
}

// embedderFor returns the configured embedder. Vectors are cached in an
// in-process LRU, backed by Redis when redis.addr is set.
func (a *app) embedderFor(ctx context.Context) (embedder.Embedder, error) {
	if a.embedder != nil {
		return a.embedder, nil
	}

	var cache embedder.Cache = embedder.NewCache(10000)
	if a.cfg.Redis.Addr != "" {
		rc, err := embedder.NewRedisCache(ctx, embedder.RedisConfig{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			TTL:      a.cfg.Redis.TTL,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect embedding cache: %w", err)
		}
		a.redisCache = rc
		cache = &embedder.TieredCache{L1: cache, L2: rc}
	}

	emb, err := embedder.New(embedder.Config{
		Provider: a.cfg.Embedding.Provider,
		APIKey:   a.cfg.Embedding.APIKey,
		Model:    a.cfg.Embedding.Model,
		Cache:    cache,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	a.embedder = emb
	return emb, nil
}

// generator returns the summary generator, or nil when llm.provider is unset.
func (a *app) generator() (llm.Generator, error) {
	if a.cfg.LLM.Provider == "" {
		return nil, nil
	}
	model, err := llm.NewModel(llm.Config{
		Provider:   a.cfg.LLM.Provider,
		Model:      a.cfg.LLM.Model,
		APIKey:     a.cfg.LLM.APIKey,
		OllamaHost: a.cfg.LLM.OllamaHost,
	})
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}
	return model, nil
}

func (a *app) newIndexer(ctx context.Context) (*indexer.Indexer, error) {
	emb, err := a.embedderFor(ctx)
	if err != nil {
		return nil, err
	}
	gen, err := a.generator()
	if err != nil {
		return nil, err
	}
	return indexer.New(indexer.Deps{
		Storage:   a.store,
		Sync:      a.sync,
		Embedder:  emb,
		Generator: gen,
		Logger:    a.logger,
	}, indexer.Config{
		SummaryConcurrency: a.cfg.Worker.SummaryConcurrency,
		SummaryMaxTokens:   a.cfg.LLM.MaxTokens,
	})
}

func (a *app) newSearcher(ctx context.Context) (*searcher.Searcher, error) {
	emb, err := a.embedderFor(ctx)
	if err != nil {
		return nil, err
	}
	return searcher.NewSearcher(a.store, a.vectors, emb, a.logger), nil
}

func (a *app) close() error {
	var errs []error
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.redisCache != nil {
		errs = append(errs, a.redisCache.Close())
	}
	if a.vectors != nil {
		errs = append(errs, a.vectors.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
