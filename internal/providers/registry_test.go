package providers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
)

func TestRegistry_Initialize(t *testing.T) {
	registry := NewRegistry()
	registry.Initialize()

	for _, kind := range []string{KindAnthropic, KindOpenAI, KindAggregator} {
		provider, ok := registry.Get(kind)
		require.True(t, ok, "provider %s should be registered", kind)
		assert.Equal(t, kind, provider.Name())
		assert.True(t, provider.SupportsStreaming())
	}

	assert.Len(t, registry.List(), 3)
}

func TestRegistry_ForConfig(t *testing.T) {
	registry := NewRegistry()
	registry.Initialize()

	tests := []struct {
		name     string
		provider config.Provider
		kind     string
	}{
		{
			name:     "explicit kind wins",
			provider: config.Provider{Kind: KindAnthropic, APIBase: "https://proxy.internal/v1/messages"},
			kind:     KindAnthropic,
		},
		{
			name:     "anthropic by domain",
			provider: config.Provider{APIBase: "https://api.anthropic.com/v1/messages"},
			kind:     KindAnthropic,
		},
		{
			name:     "openai by domain",
			provider: config.Provider{APIBase: "https://api.openai.com/v1/chat/completions"},
			kind:     KindOpenAI,
		},
		{
			name:     "aggregator by domain",
			provider: config.Provider{APIBase: "https://openrouter.ai/api/v1/chat/completions"},
			kind:     KindAggregator,
		},
		{
			name:     "unknown host defaults to openai dialect",
			provider: config.Provider{APIBase: "https://llm.corp.example/v1/chat/completions"},
			kind:     KindOpenAI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := registry.ForConfig(&tt.provider)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, provider.Name())
		})
	}
}

func TestRegistry_ForConfig_BadURL(t *testing.T) {
	registry := NewRegistry()
	registry.Initialize()

	_, err := registry.ForConfig(&config.Provider{APIBase: "://broken"})
	assert.Error(t, err)
}

func TestProviders_ApplyAuth(t *testing.T) {
	header := http.Header{}
	NewOpenAIProvider().ApplyAuth(header, "sk-1")
	assert.Equal(t, "Bearer sk-1", header.Get("Authorization"))

	header = http.Header{}
	NewAnthropicProvider().ApplyAuth(header, "sk-2")
	assert.Equal(t, "sk-2", header.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", header.Get("anthropic-version"))

	header = http.Header{}
	NewAggregatorProvider().ApplyAuth(header, "sk-3")
	assert.Equal(t, "Bearer sk-3", header.Get("Authorization"))
	assert.NotEmpty(t, header.Get("HTTP-Referer"))
}
