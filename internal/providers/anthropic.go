package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AnthropicProvider fronts upstreams that natively speak the public wire
// format. Translation is the identity in both directions; only auth differs.
type AnthropicProvider struct {
	name string
}

func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{name: KindAnthropic}
}

func (p *AnthropicProvider) Name() string            { return p.name }
func (p *AnthropicProvider) SupportsStreaming() bool { return true }
func (p *AnthropicProvider) SupportsVision() bool    { return true }

func (p *AnthropicProvider) IsStreaming(headers http.Header) bool {
	return IsStreamingHeaders(headers)
}

func (p *AnthropicProvider) ApplyAuth(header http.Header, apiKey string) {
	if apiKey != "" {
		header.Set("x-api-key", apiKey)
	}
	if header.Get("anthropic-version") == "" {
		header.Set("anthropic-version", "2023-06-01")
	}
}

func (p *AnthropicProvider) TransformRequest(request []byte) ([]byte, error) {
	return request, nil
}

func (p *AnthropicProvider) TransformResponse(response []byte) ([]byte, error) {
	return response, nil
}

// TransformStream re-frames the upstream event for the caller; the payload
// itself passes through untouched. The event is mirrored into the state
// machine so the relay's end-of-stream close fires only for truncated
// streams and usage keeps its monotonic floor.
func (p *AnthropicProvider) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(chunk, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal anthropic stream chunk: %w", err)
	}

	eventType, _ := raw["type"].(string)
	if eventType == "" {
		eventType = EventMessageDelta
	}

	p.trackEvent(eventType, raw, state)

	return FormatSSEEvent(eventType, raw), nil
}

func (p *AnthropicProvider) trackEvent(eventType string, raw map[string]any, state *StreamState) {
	switch eventType {
	case EventMessageStart:
		state.MessageStartSent = true
		if message, ok := raw["message"].(map[string]any); ok {
			if id, ok := message["id"].(string); ok {
				state.MessageID = id
			}
			raisePassthroughUsage(state, message["usage"])
		}
	case EventContentBlockStart:
		index := passthroughIndex(raw)
		blk, ok := state.ContentBlocks[index]
		if !ok {
			blk = &ContentBlockState{}
			state.ContentBlocks[index] = blk
		}
		if contentBlock, ok := raw["content_block"].(map[string]any); ok {
			blk.Type, _ = contentBlock["type"].(string)
		}
		blk.StartSent = true
	case EventContentBlockStop:
		if blk, ok := state.ContentBlocks[passthroughIndex(raw)]; ok {
			blk.StopSent = true
		}
	case EventMessageDelta:
		raisePassthroughUsage(state, raw["usage"])
	case EventMessageStop:
		state.MessageStopSent = true
	}
}

func passthroughIndex(raw map[string]any) int {
	index, _ := raw["index"].(float64)
	return int(index)
}

func raisePassthroughUsage(state *StreamState, v any) {
	usage, ok := v.(map[string]any)
	if !ok {
		return
	}
	input, _ := usage["input_tokens"].(float64)
	output, _ := usage["output_tokens"].(float64)
	state.RaiseUsage(int(input), int(output))
}
