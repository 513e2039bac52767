package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AggregatorProvider targets multi-vendor routing layers (OpenRouter and
// compatible). The dialect is OpenAI-style with two differences: the request
// carries aggregator routing hints, and responses may include annotations
// and extended usage that must survive translation.
type AggregatorProvider struct {
	OpenAIProvider
	referer string
	title   string
}

func NewAggregatorProvider() *AggregatorProvider {
	return &AggregatorProvider{
		OpenAIProvider: OpenAIProvider{name: KindAggregator},
		referer:        "https://github.com/modelrelay/modelrelay",
		title:          "modelrelay",
	}
}

func (p *AggregatorProvider) ApplyAuth(header http.Header, apiKey string) {
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	// Aggregator attribution headers; optional but rate limits favor them.
	header.Set("HTTP-Referer", p.referer)
	header.Set("X-Title", p.title)
}

// TransformRequest extends the OpenAI-style mapping with aggregator routing
// preferences.
func (p *AggregatorProvider) TransformRequest(request []byte) ([]byte, error) {
	bound, err := p.OpenAIProvider.TransformRequest(request)
	if err != nil {
		return nil, err
	}

	var body map[string]any
	if err := json.Unmarshal(bound, &body); err != nil {
		return nil, fmt.Errorf("re-read aggregator request: %w", err)
	}

	// Ask the aggregator to account usage on the final chunk; without this
	// flag some routes omit token counts entirely.
	body["usage"] = map[string]any{"include": true}

	return json.Marshal(body)
}
