package providers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/wire"
)

// OpenAIProvider translates between the public wire format and the OpenAI
// chat-completions dialect. It also serves generic OpenAI-compatible hosts.
type OpenAIProvider struct {
	name string
}

func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{name: KindOpenAI}
}

func (p *OpenAIProvider) Name() string            { return p.name }
func (p *OpenAIProvider) SupportsStreaming() bool { return true }
func (p *OpenAIProvider) SupportsVision() bool    { return true }

func (p *OpenAIProvider) IsStreaming(headers http.Header) bool {
	return IsStreamingHeaders(headers)
}

func (p *OpenAIProvider) ApplyAuth(header http.Header, apiKey string) {
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
}

// TransformRequest maps a public request body to the chat-completions shape:
// the system prompt becomes a leading system message, max_tokens becomes
// max_completion_tokens, tools become function specs, and content blocks are
// converted through the shared message converter.
func (p *OpenAIProvider) TransformRequest(request []byte) ([]byte, error) {
	req, err := wire.ParseRequest(request)
	if err != nil {
		return nil, err
	}

	messages, err := ToProviderMessages(req.Messages, p.name, p.SupportsVision())
	if err != nil {
		return nil, err
	}

	if system, err := req.SystemText(); err != nil {
		return nil, fmt.Errorf("system prompt: %w", err)
	} else if system != "" {
		messages = append([]map[string]any{{"role": "system", "content": system}}, messages...)
	}

	bound := map[string]any{
		"model":                 req.Model,
		"messages":              messages,
		"max_completion_tokens": req.MaxTokens,
	}
	if req.Temperature != nil {
		bound["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		bound["top_p"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		bound["stop"] = req.StopSequences
	}
	if len(req.Tools) > 0 {
		bound["tools"] = TransformToolDefinitions(req.Tools)
	}
	if req.Stream {
		bound["stream"] = true
		bound["stream_options"] = map[string]any{"include_usage": true}
	}

	return json.Marshal(bound)
}

// Provider-bound response structures (chat-completions dialect).
type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices,omitempty"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      json.RawMessage `json:"message,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	FinishReason *string         `json:"finish_reason,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TransformResponse maps a complete chat-completions response to the public
// response body.
func (p *OpenAIProvider) TransformResponse(response []byte) ([]byte, error) {
	var resp openAIResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal %s response: %w", p.name, err)
	}

	if resp.Error != nil {
		envelope := wire.NewErrorEnvelope(mapOpenAIErrorType(resp.Error.Type), resp.Error.Message)
		return json.Marshal(envelope)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s response has no choices", p.name)
	}

	choice := resp.Choices[0]
	rawMessage := choice.Message
	if rawMessage == nil {
		rawMessage = choice.Delta
	}
	if rawMessage == nil {
		return nil, fmt.Errorf("%s response choice has no message", p.name)
	}

	var message map[string]any
	if err := json.Unmarshal(rawMessage, &message); err != nil {
		return nil, fmt.Errorf("unmarshal %s message: %w", p.name, err)
	}

	content, err := AssistantContentToPublic(message)
	if err != nil {
		return nil, err
	}

	public := wire.Response{
		ID:      resp.ID,
		Type:    "message",
		Role:    wire.RoleAssistant,
		Model:   resp.Model,
		Content: content,
	}
	if choice.FinishReason != nil {
		public.StopReason = ConvertStopReason(*choice.FinishReason)
	}
	if resp.Usage != nil {
		public.Usage = wire.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return json.Marshal(public)
}

// TransformStream translates one provider delta chunk into zero or more
// public SSE events, driving the shared stream state machine.
func (p *OpenAIProvider) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(chunk, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal %s stream chunk: %w", p.name, err)
	}

	if state.ContentBlocks == nil {
		state.ContentBlocks = make(map[int]*ContentBlockState)
	}

	if id, ok := raw["id"].(string); ok && state.MessageID == "" {
		state.MessageID = id
	}
	if model, ok := raw["model"].(string); ok && state.Model == "" {
		state.Model = model
	}

	var events []byte

	if chunkUsage, ok := raw["usage"].(map[string]any); ok {
		input, _ := chunkUsage["prompt_tokens"].(float64)
		output, _ := chunkUsage["completion_tokens"].(float64)
		state.RaiseUsage(int(input), int(output))
	}

	choices, _ := raw["choices"].([]any)
	if len(choices) == 0 {
		return events, nil
	}
	firstChoice, ok := choices[0].(map[string]any)
	if !ok {
		return events, nil
	}

	events = append(events, state.emitMessageStart(p.startUsage(raw))...)

	if delta, ok := firstChoice["delta"].(map[string]any); ok {
		// Tool call deltas take precedence; providers do not mix text and
		// tool arguments in one chunk.
		if toolCalls, ok := delta["tool_calls"].([]any); ok {
			toolEvents, err := p.handleToolCalls(toolCalls, state)
			if err != nil {
				return nil, err
			}
			events = append(events, toolEvents...)
		} else if content, ok := delta["content"].(string); ok && content != "" {
			textEvents, err := p.handleTextContent(content, state)
			if err != nil {
				return nil, err
			}
			events = append(events, textEvents...)
		}
	}

	if reason, ok := firstChoice["finish_reason"].(string); ok && reason != "" {
		events = append(events, p.handleFinishReason(reason, raw, state)...)
	}

	return events, nil
}

func (p *OpenAIProvider) startUsage(firstChunk map[string]any) map[string]any {
	usage := map[string]any{
		"input_tokens":  0,
		"output_tokens": 1,
	}
	if chunkUsage, ok := firstChunk["usage"].(map[string]any); ok {
		for key, value := range MapUsage(chunkUsage) {
			usage[key] = value
		}
	}
	return usage
}

func (p *OpenAIProvider) handleTextContent(content string, state *StreamState) ([]byte, error) {
	textIndex := p.textBlockIndex(state)

	var events []byte
	events = append(events, state.emitBlockStart(textIndex, map[string]any{
		"type": "text",
		"text": "",
	})...)

	delta, err := state.emitTextDelta(textIndex, content)
	if err != nil {
		return nil, err
	}
	return append(events, delta...), nil
}

// textBlockIndex returns the index of the running text block, creating its
// slot on first use.
func (p *OpenAIProvider) textBlockIndex(state *StreamState) int {
	for index, block := range state.ContentBlocks {
		if block.Type == "text" {
			return index
		}
	}
	index := len(state.ContentBlocks)
	state.ContentBlocks[index] = &ContentBlockState{Type: "text"}
	return index
}

func (p *OpenAIProvider) handleToolCalls(toolCalls []any, state *StreamState) ([]byte, error) {
	var events []byte
	for _, raw := range toolCalls {
		call, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		callEvents, err := p.handleSingleToolCall(call, state)
		if err != nil {
			return nil, err
		}
		events = append(events, callEvents...)
	}
	return events, nil
}

// toolCallData holds the fields of one provider tool-call delta.
type toolCallData struct {
	Index        int
	HasIndex     bool
	ID           string
	FunctionName string
	Arguments    string
}

func parseToolCallData(call map[string]any) toolCallData {
	data := toolCallData{}

	if index, ok := call["index"].(float64); ok {
		data.Index = int(index)
		data.HasIndex = true
	}

	data.ID, _ = call["id"].(string)
	if function, ok := call["function"].(map[string]any); ok {
		data.FunctionName, _ = function["name"].(string)
		data.Arguments, _ = function["arguments"].(string)
	}

	return data
}

func (p *OpenAIProvider) handleSingleToolCall(call map[string]any, state *StreamState) ([]byte, error) {
	data := parseToolCallData(call)

	blockIndex := p.findOrCreateToolBlock(data, state)
	if blockIndex == -1 {
		// Argument delta arrived before any id-bearing chunk; nothing to
		// attach it to yet.
		return nil, nil
	}

	block := state.ContentBlocks[blockIndex]
	if data.FunctionName != "" {
		block.ToolName = data.FunctionName
	}

	var events []byte
	if !block.StartSent && block.ToolCallID != "" && block.ToolName != "" {
		events = append(events, state.emitBlockStart(blockIndex, map[string]any{
			"type":  "tool_use",
			"id":    ToolCallIDToPublic(block.ToolCallID),
			"name":  block.ToolName,
			"input": map[string]any{},
		})...)

		// Flush arguments that streamed in before the function name did.
		if block.Arguments != "" {
			delta, err := state.emitInputDelta(blockIndex, block.Arguments)
			if err != nil {
				return nil, err
			}
			events = append(events, delta...)
		}
	}

	if data.Arguments != "" && data.Arguments != block.Arguments {
		newPart := argumentsDelta(data.Arguments, block.Arguments)
		block.Arguments = accumulateArguments(block.Arguments, data.Arguments)

		if newPart != "" && block.StartSent {
			delta, err := state.emitInputDelta(blockIndex, newPart)
			if err != nil {
				return nil, err
			}
			events = append(events, delta...)
		}
	}

	return events, nil
}

func (p *OpenAIProvider) findOrCreateToolBlock(data toolCallData, state *StreamState) int {
	if data.HasIndex {
		for blockIndex, block := range state.ContentBlocks {
			if block.Type == "tool_use" && block.ToolCallIndex == data.Index {
				return blockIndex
			}
		}
	}
	if data.ID != "" {
		for blockIndex, block := range state.ContentBlocks {
			if block.Type == "tool_use" && block.ToolCallID == data.ID {
				return blockIndex
			}
		}
	}

	if data.ID == "" {
		return -1
	}

	blockIndex := len(state.ContentBlocks)
	state.ContentBlocks[blockIndex] = &ContentBlockState{
		Type:          "tool_use",
		ToolCallID:    data.ID,
		ToolCallIndex: data.Index,
		ToolName:      data.FunctionName,
	}
	return blockIndex
}

// argumentsDelta extracts the incremental suffix when the provider streams
// cumulative argument strings; fragment-style providers send disjoint parts.
func argumentsDelta(newArgs, oldArgs string) string {
	if len(newArgs) > len(oldArgs) && oldArgs != "" && newArgs[:len(oldArgs)] == oldArgs {
		return newArgs[len(oldArgs):]
	}
	return newArgs
}

func accumulateArguments(oldArgs, newArgs string) string {
	if len(newArgs) > len(oldArgs) && (oldArgs == "" || newArgs[:len(oldArgs)] == oldArgs) {
		return newArgs
	}
	return oldArgs + newArgs
}

func (p *OpenAIProvider) handleFinishReason(reason string, chunk map[string]any, state *StreamState) []byte {
	var usage map[string]any
	if chunkUsage, ok := chunk["usage"].(map[string]any); ok {
		usage = MapUsage(chunkUsage)
	} else if state.InputTokens > 0 || state.OutputTokens > 0 {
		// Reconcile from the monotonic floor when the final chunk carries
		// no usage of its own.
		usage = map[string]any{
			"input_tokens":  state.InputTokens,
			"output_tokens": state.OutputTokens,
		}
	}

	return state.emitFinish(ConvertStopReason(reason), usage)
}
