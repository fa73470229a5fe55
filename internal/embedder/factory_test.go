package embedder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectProvider(t *testing.T) {
	t.Setenv(EnvJinaAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "")
	assert.Equal(t, ProviderLocal, DetectProvider(""))
	assert.Equal(t, ProviderOpenAI, DetectProvider("OpenAI"))

	t.Setenv(EnvOpenAIAPIKey, "sk")
	assert.Equal(t, ProviderOpenAI, DetectProvider(""))

	t.Setenv(EnvJinaAPIKey, "jk")
	assert.Equal(t, ProviderJina, DetectProvider(""))
}

func TestNew(t *testing.T) {
	t.Setenv(EnvJinaAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "")

	emb, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, emb.Provider())

	emb, err = New(Config{Provider: "jina", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderJina, emb.Provider())
	assert.Equal(t, JinaDimension, emb.Dimension())
	assert.Equal(t, DefaultJinaModel, emb.Model())

	emb, err = New(Config{Provider: "openai", APIKey: "k", Model: "text-embedding-3-large"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-large", emb.Model())

	// Key falls back to the environment
	t.Setenv(EnvOpenAIAPIKey, "env-key")
	_, err = New(Config{Provider: "openai"}, nil)
	require.NoError(t, err)

	_, err = New(Config{Provider: "jina"}, nil)
	assert.ErrorIs(t, err, ErrNoProviderEnabled)

	_, err = New(Config{Provider: "cohere"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}
