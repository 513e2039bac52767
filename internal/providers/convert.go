package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelrelay/modelrelay/internal/wire"
)

// Content conversion between the public block model and the OpenAI-style
// provider dialect. The mapping is information-preserving for text, image,
// tool_use and tool_result variants: ToPublicMessages(ToProviderMessages(m))
// reproduces m except for two allow-listed normalizations — assistant text
// blocks are re-joined into a single block, and tool ids move between the
// "toolu_" and "call_" prefixes.

// ToProviderMessages converts public messages to the provider-bound shape.
// Image content is rejected when the upstream lacks vision support; document
// content has no OpenAI-style representation at all.
func ToProviderMessages(messages []wire.Message, providerName string, vision bool) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(messages))

	for i, msg := range messages {
		switch msg.Role {
		case wire.RoleSystem:
			text, err := joinTextBlocks(msg.Content)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			out = append(out, map[string]any{"role": "system", "content": text})

		case wire.RoleAssistant:
			out = append(out, assistantToProvider(msg))

		case wire.RoleUser:
			converted, err := userToProvider(msg, providerName, vision)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			out = append(out, converted...)

		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}

	return out, nil
}

// assistantToProvider flattens assistant text into one content string and
// maps tool_use blocks to tool_calls.
func assistantToProvider(msg wire.Message) map[string]any {
	var (
		text      strings.Builder
		toolCalls []any
	)

	for _, block := range msg.Content {
		switch block.Type {
		case wire.BlockText:
			text.WriteString(block.Text)
		case wire.BlockToolUse:
			arguments := "{}"
			if block.Input != nil {
				if data, err := json.Marshal(block.Input); err == nil {
					arguments = string(data)
				}
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   ToolCallIDToProvider(block.ID),
				"type": "function",
				"function": map[string]any{
					"name":      block.Name,
					"arguments": arguments,
				},
			})
		}
	}

	converted := map[string]any{
		"role":    "assistant",
		"content": text.String(),
	}
	if len(toolCalls) > 0 {
		converted["tool_calls"] = toolCalls
	}

	return converted
}

// userToProvider emits tool messages for tool_result blocks followed by a
// user message carrying the remaining content.
func userToProvider(msg wire.Message, providerName string, vision bool) ([]map[string]any, error) {
	var (
		out   []map[string]any
		parts []map[string]any
	)
	textOnly := true

	for _, block := range msg.Content {
		switch block.Type {
		case wire.BlockToolResult:
			out = append(out, toolResultToProvider(block))

		case wire.BlockText:
			parts = append(parts, map[string]any{"type": "text", "text": block.Text})

		case wire.BlockImage:
			if !vision {
				return nil, &wire.CapabilityMismatchError{Provider: providerName, Capability: "image input"}
			}
			part, err := imageToProvider(block.Source)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
			textOnly = false

		case wire.BlockDocument:
			return nil, &wire.CapabilityMismatchError{Provider: providerName, Capability: "document input"}

		default:
			return nil, fmt.Errorf("unsupported content block type %q", block.Type)
		}
	}

	if len(parts) == 0 {
		return out, nil
	}

	userMsg := map[string]any{"role": "user"}
	if textOnly && len(parts) == 1 {
		userMsg["content"] = parts[0]["text"]
	} else {
		content := make([]any, len(parts))
		for i, part := range parts {
			content[i] = part
		}
		userMsg["content"] = content
	}

	return append(out, userMsg), nil
}

// toolResultToProvider maps a tool_result block to a tool-role message. The
// is_error flag rides along as an extra field; OpenAI-style endpoints ignore
// it and the inverse mapping restores it.
func toolResultToProvider(block wire.ContentBlock) map[string]any {
	var content string
	switch v := block.Content.(type) {
	case string:
		content = v
	case nil:
		content = ""
	default:
		if data, err := json.Marshal(v); err == nil {
			content = string(data)
		}
	}

	msg := map[string]any{
		"role":         "tool",
		"tool_call_id": ToolCallIDToProvider(block.ToolUseID),
		"content":      content,
	}
	if block.IsError {
		msg["is_error"] = true
	}

	return msg
}

func imageToProvider(source *wire.Source) (map[string]any, error) {
	var url string
	switch source.Type {
	case wire.SourceBase64:
		url = fmt.Sprintf("data:%s;base64,%s", source.MediaType, source.Data)
	case wire.SourceURL:
		url = source.URL
	default:
		return nil, fmt.Errorf("unsupported image source type %q", source.Type)
	}

	return map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": url},
	}, nil
}

// ToPublicMessages inverts ToProviderMessages. A run of tool-role messages
// and the user message that immediately follows collapse back into the
// single public user turn they came from.
func ToPublicMessages(messages []map[string]any) ([]wire.Message, error) {
	var out []wire.Message
	var pendingResults []wire.ContentBlock

	flush := func(extra []wire.ContentBlock) {
		if len(pendingResults) == 0 && len(extra) == 0 {
			return
		}
		content := append(pendingResults, extra...)
		out = append(out, wire.Message{Role: wire.RoleUser, Content: content})
		pendingResults = nil
	}

	for i, msg := range messages {
		role, _ := msg["role"].(string)

		switch role {
		case "tool":
			block, err := toolMessageToPublic(msg)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			pendingResults = append(pendingResults, block)

		case "user":
			blocks, err := userContentToPublic(msg["content"])
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			flush(blocks)

		case "assistant":
			flush(nil)
			blocks, err := AssistantContentToPublic(msg)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			out = append(out, wire.Message{Role: wire.RoleAssistant, Content: blocks})

		case "system":
			flush(nil)
			text, _ := msg["content"].(string)
			out = append(out, wire.Message{
				Role:    wire.RoleSystem,
				Content: []wire.ContentBlock{{Type: wire.BlockText, Text: text}},
			})

		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, role)
		}
	}
	flush(nil)

	return out, nil
}

func toolMessageToPublic(msg map[string]any) (wire.ContentBlock, error) {
	callID, _ := msg["tool_call_id"].(string)
	if callID == "" {
		return wire.ContentBlock{}, fmt.Errorf("tool message without tool_call_id")
	}

	block := wire.ContentBlock{
		Type:      wire.BlockToolResult,
		ToolUseID: ToolCallIDToPublic(callID),
	}
	if isError, ok := msg["is_error"].(bool); ok {
		block.IsError = isError
	}

	if content, ok := msg["content"].(string); ok {
		var structured any
		if json.Unmarshal([]byte(content), &structured) == nil {
			switch structured.(type) {
			case map[string]any, []any:
				block.Content = structured
				return block, nil
			}
		}
		block.Content = content
	}

	return block, nil
}

func userContentToPublic(content any) ([]wire.ContentBlock, error) {
	switch v := content.(type) {
	case string:
		return []wire.ContentBlock{{Type: wire.BlockText, Text: v}}, nil
	case []any:
		blocks := make([]wire.ContentBlock, 0, len(v))
		for _, raw := range v {
			part, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("malformed content part")
			}
			block, err := contentPartToPublic(part)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		}
		return blocks, nil
	default:
		return nil, fmt.Errorf("unsupported user content type %T", content)
	}
}

func contentPartToPublic(part map[string]any) (wire.ContentBlock, error) {
	partType, _ := part["type"].(string)

	switch partType {
	case "text":
		text, _ := part["text"].(string)
		return wire.ContentBlock{Type: wire.BlockText, Text: text}, nil

	case "image_url":
		imageURL, _ := part["image_url"].(map[string]any)
		url, _ := imageURL["url"].(string)
		source, err := imageSourceFromURL(url)
		if err != nil {
			return wire.ContentBlock{}, err
		}
		return wire.ContentBlock{Type: wire.BlockImage, Source: source}, nil

	default:
		return wire.ContentBlock{}, fmt.Errorf("unsupported content part type %q", partType)
	}
}

func imageSourceFromURL(url string) (*wire.Source, error) {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		mediaType, data, found := strings.Cut(rest, ";base64,")
		if !found {
			return nil, fmt.Errorf("malformed data URL")
		}
		return &wire.Source{Type: wire.SourceBase64, MediaType: mediaType, Data: data}, nil
	}
	return &wire.Source{Type: wire.SourceURL, URL: url}, nil
}

// AssistantContentToPublic converts a provider assistant message (complete,
// not a delta) to public content blocks.
func AssistantContentToPublic(msg map[string]any) ([]wire.ContentBlock, error) {
	var blocks []wire.ContentBlock

	if content, ok := msg["content"].(string); ok && content != "" {
		blocks = append(blocks, wire.ContentBlock{Type: wire.BlockText, Text: content})
	}

	toolCalls, _ := msg["tool_calls"].([]any)
	for _, raw := range toolCalls {
		call, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := call["id"].(string)
		function, _ := call["function"].(map[string]any)
		name, _ := function["name"].(string)
		arguments, _ := function["arguments"].(string)

		var input map[string]any
		if arguments != "" {
			if err := json.Unmarshal([]byte(arguments), &input); err != nil {
				return nil, fmt.Errorf("tool call %s: malformed arguments: %w", id, err)
			}
		}

		blocks = append(blocks, wire.ContentBlock{
			Type:  wire.BlockToolUse,
			ID:    ToolCallIDToPublic(id),
			Name:  name,
			Input: input,
		})
	}

	if len(blocks) == 0 {
		blocks = append(blocks, wire.ContentBlock{Type: wire.BlockText, Text: ""})
	}

	return blocks, nil
}
