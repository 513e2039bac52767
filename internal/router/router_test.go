package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/wire"
)

func testConfig() *config.Config {
	return &config.Config{
		Providers: []config.Provider{
			{Name: "main", APIBase: "https://api.openai.com/v1/chat/completions", Models: []string{"gpt-4o", "gpt-4o-mini"}},
			{Name: "native", APIBase: "https://api.anthropic.com/v1/messages", Models: []string{"claude-sonnet-4"}},
		},
		Router: config.RouterConfig{
			Default: "main,gpt-4o",
			Aliases: map[string]string{
				"big":   "native,claude-sonnet-4",
				"small": "main,gpt-4o-mini",
			},
			Legacy: map[string]string{
				"claude-instant-1": "native,claude-sonnet-4",
			},
			LongContext:          "main,gpt-4o",
			LongContextThreshold: 60000,
		},
	}
}

func TestRouter_Resolve(t *testing.T) {
	r := New(testConfig())

	tests := []struct {
		name     string
		input    string
		provider string
		model    string
	}{
		{"alias", "big", "native", "claude-sonnet-4"},
		{"second alias", "small", "main", "gpt-4o-mini"},
		{"concrete id", "gpt-4o-mini", "main", "gpt-4o-mini"},
		{"legacy name", "claude-instant-1", "native", "claude-sonnet-4"},
		{"empty falls back to default", "", "main", "gpt-4o"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, res.Provider)
			assert.Equal(t, tt.model, res.Model)
		})
	}
}

func TestRouter_ResolveUnknown(t *testing.T) {
	r := New(testConfig())

	_, err := r.Resolve("does-not-exist")
	require.Error(t, err)

	var unknown *wire.UnknownModelError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "does-not-exist", unknown.Model)
}

func TestRouter_AliasToMissingProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Router.Aliases["broken"] = "ghost,model-x"

	_, err := New(cfg).Resolve("broken")
	assert.Error(t, err)
}

func TestRouter_Deterministic(t *testing.T) {
	r := New(testConfig())

	first, err := r.Resolve("big")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := r.Resolve("big")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRouter_ResolveForTokens(t *testing.T) {
	r := New(testConfig())

	res, err := r.ResolveForTokens("big", 10)
	require.NoError(t, err)
	assert.Equal(t, "native", res.Provider)

	res, err = r.ResolveForTokens("big", 70000)
	require.NoError(t, err)
	assert.Equal(t, "main", res.Provider)
	assert.Equal(t, "gpt-4o", res.Model)
}
