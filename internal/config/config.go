package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "GOCONTEXT_"

// Config holds all configuration values.
type Config struct {
	// DBPath is the SQLite database file. Empty means ~/.gocontext/indices/gocontext.db.
	DBPath string `env:"DB_PATH" yaml:"db_path"`

	// VectorBackend selects the vector store: "sqlite" or "surreal".
	VectorBackend string `env:"VECTOR_BACKEND, default=sqlite" yaml:"vector_backend"`

	Surreal   SurrealConfig   `env:", prefix=SURREAL_" yaml:"surreal"`
	Embedding EmbeddingConfig `env:", prefix=EMBEDDING_" yaml:"embedding"`
	LLM       LLMConfig       `env:", prefix=LLM_" yaml:"llm"`
	Redis     RedisConfig     `env:", prefix=REDIS_" yaml:"redis"`
	Worker    WorkerConfig    `env:", prefix=WORKER_" yaml:"worker"`
	Log       LogConfig       `env:", prefix=LOG_" yaml:"log"`

	// Schedule is a cron expression for periodic incremental indexing.
	// Empty disables the scheduler.
	Schedule string `env:"SCHEDULE" yaml:"schedule"`
}

// SurrealConfig holds SurrealDB connection settings.
type SurrealConfig struct {
	URL       string `env:"URL, default=ws://localhost:8000/rpc" yaml:"url"`
	Namespace string `env:"NAMESPACE, default=gocontext" yaml:"namespace"`
	Database  string `env:"DATABASE, default=index" yaml:"database"`
	Username  string `env:"USER, default=root" yaml:"username"`
	Password  string `env:"PASS, default=root" yaml:"password"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	// Provider is "jina", "openai" or "local". Empty picks by available key.
	Provider string `env:"PROVIDER" yaml:"provider"`
	APIKey   string `env:"API_KEY" yaml:"api_key"`
	Model    string `env:"MODEL" yaml:"model"`
}

// LLMConfig selects the summary generator.
type LLMConfig struct {
	// Provider is "openai", "anthropic" or "ollama". Empty disables summaries.
	Provider   string `env:"PROVIDER" yaml:"provider"`
	Model      string `env:"MODEL" yaml:"model"`
	APIKey     string `env:"API_KEY" yaml:"api_key"`
	OllamaHost string `env:"OLLAMA_HOST, default=http://localhost:11434" yaml:"ollama_host"`
	MaxTokens  int    `env:"MAX_TOKENS, default=256" yaml:"max_tokens"`
}

// RedisConfig enables the shared embedding cache when Addr is set.
type RedisConfig struct {
	Addr     string        `env:"ADDR" yaml:"addr"`
	Password string        `env:"PASSWORD" yaml:"password"`
	DB       int           `env:"DB" yaml:"db"`
	TTL      time.Duration `env:"TTL, default=168h" yaml:"ttl"`
}

// WorkerConfig tunes the task processor.
type WorkerConfig struct {
	PollInterval       time.Duration `env:"POLL_INTERVAL, default=2s" yaml:"poll_interval"`
	Concurrency        int           `env:"CONCURRENCY, default=2" yaml:"concurrency"`
	CancelPollInterval time.Duration `env:"CANCEL_POLL_INTERVAL, default=1s" yaml:"cancel_poll_interval"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT, default=30s" yaml:"shutdown_timeout"`
	SummaryConcurrency int           `env:"SUMMARY_CONCURRENCY, default=4" yaml:"summary_concurrency"`
}

// LogConfig controls logger output.
type LogConfig struct {
	File  string `env:"FILE, default=/tmp/gocontext.log" yaml:"file"`
	Level string `env:"LEVEL, default=INFO" yaml:"level"`
}

// Load reads an optional YAML file and then fills every field the file left
// unset from the environment, falling back to defaults.
func Load(ctx context.Context, path string) (*Config, error) {
	return load(ctx, path, envconfig.OsLookuper())
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	c, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := envconfig.ProcessWith(c, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".gocontext", "indices", "gocontext.db")
	}
	cfg.DBPath = expandHome(cfg.DBPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.VectorBackend {
	case "sqlite", "surreal":
	default:
		return fmt.Errorf("unknown vector backend %q (want sqlite or surreal)", c.VectorBackend)
	}
	switch c.LLM.Provider {
	case "", "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.CancelPollInterval <= 0 {
		return fmt.Errorf("worker poll intervals must be positive")
	}
	if c.Worker.SummaryConcurrency < 1 {
		c.Worker.SummaryConcurrency = 1
	}
	return nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() slog.Level {
	return parseLogLevel(c.Log.Level)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
