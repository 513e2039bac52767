package providers

import (
	"fmt"
	"strings"

	"github.com/modelrelay/modelrelay/internal/wire"
)

const (
	// Tool call id prefixes on each side of the wire.
	publicToolIDPrefix   = "toolu_"
	providerToolIDPrefix = "call_"

	ContentTypeEventStream  = "text/event-stream"
	TransferEncodingChunked = "chunked"
)

// stopReasonMap translates OpenAI-style finish reasons to the public
// vocabulary.
var stopReasonMap = map[string]string{
	"stop":           wire.StopEndTurn,
	"length":         wire.StopMaxTokens,
	"tool_calls":     wire.StopToolUse,
	"function_call":  wire.StopToolUse,
	"content_filter": wire.StopSequence,
	"null":           wire.StopEndTurn,
	"":               wire.StopEndTurn,
}

// ConvertStopReason maps a provider finish reason to the public form.
func ConvertStopReason(reason string) *string {
	mapped, ok := stopReasonMap[reason]
	if !ok {
		mapped = wire.StopEndTurn
	}
	return &mapped
}

// ToolCallIDToPublic converts a provider tool call id to the public form.
// Already-public ids pass through unchanged so the mapping round-trips.
func ToolCallIDToPublic(id string) string {
	if strings.HasPrefix(id, publicToolIDPrefix) {
		return id
	}
	if rest, ok := strings.CutPrefix(id, providerToolIDPrefix); ok {
		return publicToolIDPrefix + rest
	}
	return publicToolIDPrefix + id
}

// ToolCallIDToProvider is the inverse of ToolCallIDToPublic.
func ToolCallIDToProvider(id string) string {
	if rest, ok := strings.CutPrefix(id, publicToolIDPrefix); ok {
		return providerToolIDPrefix + rest
	}
	return id
}

// MapUsage converts OpenAI-style usage accounting to the public field names.
func MapUsage(sourceUsage map[string]any) map[string]any {
	usage := make(map[string]any)

	if promptTokens, ok := sourceUsage["prompt_tokens"]; ok {
		usage["input_tokens"] = promptTokens
	}
	if completionTokens, ok := sourceUsage["completion_tokens"]; ok {
		usage["output_tokens"] = completionTokens
	}
	if promptDetails, ok := sourceUsage["prompt_tokens_details"].(map[string]any); ok {
		if cachedTokens, ok := promptDetails["cached_tokens"]; ok {
			usage["cache_read_input_tokens"] = cachedTokens
		}
	}

	return usage
}

// TransformToolDefinitions converts public tool definitions to OpenAI
// function specs, preserving required/optional markers and nesting: the
// input schema travels unmodified as the function parameters.
func TransformToolDefinitions(tools []wire.ToolDefinition) []map[string]any {
	specs := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		function := map[string]any{
			"name":       tool.Name,
			"parameters": tool.InputSchema,
		}
		if tool.Description != "" {
			function["description"] = tool.Description
		}
		specs = append(specs, map[string]any{
			"type":     "function",
			"function": function,
		})
	}
	return specs
}

// IsStreamingHeaders reports whether upstream response headers indicate an
// event stream.
func IsStreamingHeaders(headers map[string][]string) bool {
	for _, ct := range headers["Content-Type"] {
		if ct == ContentTypeEventStream || strings.Contains(ct, "stream") {
			return true
		}
	}
	for _, te := range headers["Transfer-Encoding"] {
		if te == TransferEncodingChunked {
			return true
		}
	}
	return false
}

// joinTextBlocks concatenates text blocks, rejecting any other variant.
func joinTextBlocks(blocks []wire.ContentBlock) (string, error) {
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type != wire.BlockText {
			return "", fmt.Errorf("expected text block, got %q", block.Type)
		}
		sb.WriteString(block.Text)
	}
	return sb.String(), nil
}

// mapOpenAIErrorType translates upstream error type names into the public
// error vocabulary.
func mapOpenAIErrorType(openaiType string) string {
	mapping := map[string]string{
		"invalid_request_error":    "invalid_request_error",
		"authentication_error":     "authentication_error",
		"permission_error":         "permission_error",
		"not_found_error":          "not_found_error",
		"rate_limit_error":         "rate_limit_error",
		"api_error":                "api_error",
		"overloaded_error":         "overloaded_error",
		"insufficient_quota_error": "billing_error",
	}

	if mapped, exists := mapping[openaiType]; exists {
		return mapped
	}
	return "api_error"
}
