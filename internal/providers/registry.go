package providers

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/modelrelay/modelrelay/internal/config"
)

// Provider kinds, matching config.Provider.Kind.
const (
	KindAnthropic  = "anthropic"
	KindOpenAI     = "openai"
	KindAggregator = "aggregator"
)

// Provider translates between the public wire format and one upstream
// dialect. TransformRequest maps public to provider-bound; TransformResponse
// and TransformStream perform the inverse mapping for complete responses and
// for individual streaming chunks.
type Provider interface {
	Name() string
	SupportsStreaming() bool
	SupportsVision() bool
	TransformRequest(request []byte) ([]byte, error)
	TransformResponse(response []byte) ([]byte, error)
	TransformStream(chunk []byte, state *StreamState) ([]byte, error)
	IsStreaming(headers http.Header) bool
	ApplyAuth(header http.Header, apiKey string)
}

// Registry maps provider kinds to their translation implementations.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(provider Provider) {
	r.providers[provider.Name()] = provider
}

// Get retrieves a provider by kind name.
func (r *Registry) Get(name string) (Provider, bool) {
	provider, exists := r.providers[name]
	return provider, exists
}

// ForConfig resolves the translation implementation for a configured
// upstream, preferring the explicit kind and falling back to the API base
// domain.
func (r *Registry) ForConfig(pc *config.Provider) (Provider, error) {
	kind := pc.Kind
	if kind == "" {
		inferred, err := kindForDomain(pc.APIBase)
		if err != nil {
			return nil, err
		}
		kind = inferred
	}

	provider, ok := r.Get(kind)
	if !ok {
		return nil, fmt.Errorf("no provider implementation for kind %q", kind)
	}

	return provider, nil
}

// List returns all registered provider kind names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Initialize registers the built-in provider families.
func (r *Registry) Initialize() {
	r.Register(NewAnthropicProvider())
	r.Register(NewOpenAIProvider())
	r.Register(NewAggregatorProvider())
}

func kindForDomain(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("invalid API base URL: %w", err)
	}

	domain := strings.ToLower(u.Hostname())

	domainKindMap := map[string]string{
		"api.anthropic.com": KindAnthropic,
		"anthropic.com":     KindAnthropic,
		"api.openai.com":    KindOpenAI,
		"openai.com":        KindOpenAI,
		"openrouter.ai":     KindAggregator,
		"api.openrouter.ai": KindAggregator,
	}

	if kind, exists := domainKindMap[domain]; exists {
		return kind, nil
	}

	// Unknown hosts default to the OpenAI-compatible dialect; that is the
	// lingua franca of self-hosted and aggregator endpoints.
	return KindOpenAI, nil
}
