// Package tools implements local tool execution: a name-keyed registry of
// implementations, argument validation against each tool's declared schema,
// a security policy (path and command allow-lists, per-category rate limits
// and timeouts), and a coordinator that runs one model turn's tool calls.
package tools

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/modelrelay/modelrelay/internal/wire"
)

// Tool categories. Policy settings (rate limits, timeouts) key off these.
const (
	CategoryFile   = "file"
	CategorySearch = "search"
	CategorySystem = "system"
	CategoryWeb    = "web"
	CategoryTodo   = "todo"
)

// Handler is a typed tool implementation. Input arrives already validated
// against the tool's schema.
type Handler[T any] func(ctx context.Context, input T) (string, error)

// Tool is one registered implementation. The handler is type-erased; New
// wires the JSON decode step in front of the typed handler.
type Tool struct {
	Name        string
	Description string
	Category    string
	InputSchema map[string]any
	Handler     func(ctx context.Context, input json.RawMessage) (string, error)
}

// New builds a tool whose input schema is reflected from T. Field tags on T
// drive property names; non-pointer fields become required.
func New[T any](name, description, category string, handler Handler[T]) Tool {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	var zero T
	reflected := reflector.Reflect(zero)

	// Re-serialize the reflected schema into plain maps so the validator
	// and the wire types see ordinary JSON values.
	var properties map[string]any
	if raw, err := json.Marshal(reflected.Properties); err == nil {
		json.Unmarshal(raw, &properties)
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(reflected.Required) > 0 {
		schema["required"] = reflected.Required
	}

	return Tool{
		Name:        name,
		Description: description,
		Category:    category,
		InputSchema: schema,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var decoded T
			if err := json.Unmarshal(input, &decoded); err != nil {
				return "", err
			}
			return handler(ctx, decoded)
		},
	}
}

// Definition renders the tool in the public wire shape, for advertising the
// local tool set to a model.
func (t Tool) Definition() wire.ToolDefinition {
	return wire.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}

// Result is the outcome of one tool call. IsError results feed back to the
// model as failed tool results rather than aborting the conversation.
type Result struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Block renders the result as a public tool_result content block.
func (r Result) Block() wire.ContentBlock {
	return wire.ContentBlock{
		Type:      wire.BlockToolResult,
		ToolUseID: r.ToolUseID,
		Content:   r.Content,
		IsError:   r.IsError,
	}
}
