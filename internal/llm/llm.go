// Package llm generates per-chunk summaries with langchaingo-backed models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

// Supported providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// ErrFatalAPI marks provider errors that will not go away on retry
// (bad credentials, exhausted quota). Callers stop issuing requests.
var ErrFatalAPI = errors.New("fatal llm api error")

// GenerateOptions tunes one generation.
type GenerateOptions struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	Model() string
}

// Config selects and configures a provider.
type Config struct {
	Provider   string
	Model      string
	APIKey     string
	OllamaHost string
}

// Model wraps a langchaingo model.
type Model struct {
	llm       llms.Model
	provider  string
	modelName string
}

// NewModel creates an LLM model based on configuration.
func NewModel(cfg Config) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai api key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic api key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.Provider, err)
	}

	return NewFromLLM(model, cfg.Provider, cfg.Model), nil
}

// NewFromLLM wraps an existing langchaingo model.
func NewFromLLM(model llms.Model, provider, modelName string) *Model {
	return &Model{llm: model, provider: provider, modelName: modelName}
}

func (m *Model) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	var messages []llms.MessageContent
	if opts.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, opts.SystemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	var callOpts []llms.CallOption
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}

	response, err := m.llm.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return "", &types.ProviderError{Provider: m.provider, Op: "generate", Err: wrapFatalError(err)}
	}
	if len(response.Choices) == 0 {
		return "", &types.ProviderError{Provider: m.provider, Op: "generate", Err: errors.New("no response choices")}
	}
	return strings.TrimSpace(response.Choices[0].Content), nil
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

var fatalMarkers = []string{
	"credit balance",
	"quota exceeded",
	"billing",
	"invalid api key",
	"invalid x-api-key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func wrapFatalError(err error) error {
	if isFatalAPIError(err) {
		return fmt.Errorf("%w: %v", ErrFatalAPI, err)
	}
	return err
}
