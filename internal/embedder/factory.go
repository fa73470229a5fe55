package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Environment variables consulted when Config.APIKey is empty.
const (
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
)

// Config holds embedder configuration
type Config struct {
	// Provider is jina, openai or local. Empty selects by available API key.
	Provider string
	APIKey   string
	Model    string
	// Cache, when set, backs the remote providers.
	Cache Cache
}

// New creates an embedder from cfg.
//
// Provider selection:
//  1. cfg.Provider when set
//  2. jina if JINA_API_KEY is set, then openai if OPENAI_API_KEY is set
//  3. local otherwise
func New(cfg Config, logger *slog.Logger) (Embedder, error) {
	provider := DetectProvider(cfg.Provider)
	switch provider {
	case ProviderJina:
		return NewJinaProvider(keyOrEnv(cfg.APIKey, EnvJinaAPIKey), cfg.Model, cfg.Cache, logger)
	case ProviderOpenAI:
		return NewOpenAIProvider(keyOrEnv(cfg.APIKey, EnvOpenAIAPIKey), cfg.Model, cfg.Cache, logger)
	case ProviderLocal:
		return NewLocalProvider(0), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// DetectProvider returns the provider New would use for the given explicit choice.
func DetectProvider(explicit string) string {
	if explicit != "" {
		return strings.ToLower(explicit)
	}
	if os.Getenv(EnvJinaAPIKey) != "" {
		return ProviderJina
	}
	if os.Getenv(EnvOpenAIAPIKey) != "" {
		return ProviderOpenAI
	}
	return ProviderLocal
}

func keyOrEnv(key, env string) string {
	if key != "" {
		return key
	}
	return os.Getenv(env)
}
