// Package wire defines the public Messages API contract: the request and
// response bodies the gateway accepts and produces, the streaming event
// shapes, validation, and the typed error taxonomy surfaced to callers.
package wire

import (
	"encoding/json"
	"fmt"
)

// Roles accepted in a request message list.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Content block variant tags.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockDocument   = "document"
)

// Image source kinds.
const (
	SourceBase64 = "base64"
	SourceURL    = "url"
)

// Stop reasons emitted on terminal responses.
const (
	StopEndTurn       = "end_turn"
	StopMaxTokens     = "max_tokens"
	StopSequence      = "stop_sequence"
	StopToolUse       = "tool_use"
	StopMaxIterations = "max_iterations"
)

// Request is the public Messages API request body.
type Request struct {
	Model         string           `json:"model"`
	Messages      []Message        `json:"messages"`
	System        json.RawMessage  `json:"system,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UnmarshalJSON accepts both the block-array form and the plain-string
// shorthand the public API allows for message content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Role = raw.Role

	if len(raw.Content) == 0 {
		m.Content = nil
		return nil
	}

	if raw.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(raw.Content, &text); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: BlockText, Text: text}}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return err
	}
	m.Content = blocks

	return nil
}

// ContentBlock is the tagged union over all content variants. Fields are
// populated according to Type; unused fields stay zero and are omitted on
// the wire.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image / document
	Source *Source `json:"source,omitempty"`
	Title  string  `json:"title,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Source describes where image or document bytes come from.
type Source struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolDefinition declares a tool the model may invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage reports token accounting for a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage across continuation-loop iterations.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Response is the public non-streaming response body.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// ToolUses extracts the tool_use blocks of a response in emission order.
func (r *Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, block := range r.Content {
		if block.Type == BlockToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

// ParseRequest decodes a raw request body without validating it.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &ValidationError{Field: "body", Message: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return &req, nil
}

// SystemText flattens the system prompt, which the public API accepts either
// as a plain string or as an array of text blocks.
func (r *Request) SystemText() (string, error) {
	if len(r.System) == 0 {
		return "", nil
	}

	if r.System[0] == '"' {
		var text string
		if err := json.Unmarshal(r.System, &text); err != nil {
			return "", err
		}
		return text, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return "", err
	}

	var out string
	for i, block := range blocks {
		if block.Type != BlockText {
			return "", fmt.Errorf("system block %d: unsupported type %q", i, block.Type)
		}
		if i > 0 {
			out += "\n"
		}
		out += block.Text
	}

	return out, nil
}
