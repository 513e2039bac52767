package wire

import (
	"fmt"
	"strings"
)

// Provider-agnostic parameter bounds. Individual providers may be stricter;
// translation clamps where the upstream dialect requires it.
const (
	MaxTemperature = 2.0
	MaxImageBytes  = 20 << 20 // decoded base64 payload cap
)

var allowedImageMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ValidateRequest checks a parsed request against the public contract. It is
// a pure check: no coercion, no mutation. The first violation found is
// returned as a *ValidationError carrying the offending field path.
func ValidateRequest(req *Request) error {
	if req.Model == "" {
		return &ValidationError{Field: "model", Message: "field is required"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Field: "messages", Message: "at least one message is required"}
	}
	if req.MaxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Message: "must be a positive integer"}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > MaxTemperature) {
		return &ValidationError{
			Field:   "temperature",
			Message: fmt.Sprintf("must be between 0 and %g", MaxTemperature),
		}
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return &ValidationError{Field: "top_p", Message: "must be between 0 and 1"}
	}

	if err := validateTools(req.Tools); err != nil {
		return err
	}

	return validateMessages(req.Messages)
}

func validateTools(tools []ToolDefinition) error {
	seen := make(map[string]bool, len(tools))
	for i, tool := range tools {
		path := fmt.Sprintf("tools.%d", i)
		if tool.Name == "" {
			return &ValidationError{Field: path + ".name", Message: "field is required"}
		}
		if seen[tool.Name] {
			return &ValidationError{
				Field:   path + ".name",
				Message: fmt.Sprintf("duplicate tool name %q", tool.Name),
			}
		}
		seen[tool.Name] = true

		if tool.InputSchema == nil {
			return &ValidationError{Field: path + ".input_schema", Message: "field is required"}
		}
		if schemaType, ok := tool.InputSchema["type"].(string); ok && schemaType != "object" {
			return &ValidationError{
				Field:   path + ".input_schema.type",
				Message: "tool input schemas must describe an object",
			}
		}
	}

	return nil
}

func validateMessages(messages []Message) error {
	// Tool-result references must resolve to a tool_use id emitted earlier
	// in the same conversation.
	toolUseIDs := make(map[string]bool)

	wantRole := RoleUser
	for i, msg := range messages {
		path := fmt.Sprintf("messages.%d", i)

		switch msg.Role {
		case RoleUser, RoleAssistant:
			if msg.Role != wantRole {
				return &ValidationError{
					Field:   path + ".role",
					Message: fmt.Sprintf("expected %q, got %q: roles must alternate", wantRole, msg.Role),
				}
			}
			if wantRole == RoleUser {
				wantRole = RoleAssistant
			} else {
				wantRole = RoleUser
			}
		case RoleSystem:
			// System turns are stripped to the side channel during
			// translation and do not participate in alternation.
		default:
			return &ValidationError{
				Field:   path + ".role",
				Message: fmt.Sprintf("unknown role %q", msg.Role),
			}
		}

		if len(msg.Content) == 0 && msg.Role != RoleSystem {
			return &ValidationError{Field: path + ".content", Message: "content must not be empty"}
		}

		for j, block := range msg.Content {
			blockPath := fmt.Sprintf("%s.content.%d", path, j)
			if err := validateBlock(block, blockPath, toolUseIDs); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateBlock(block ContentBlock, path string, toolUseIDs map[string]bool) error {
	switch block.Type {
	case BlockText:
		// Empty text is tolerated; providers emit it.

	case BlockImage:
		return validateImageSource(block.Source, path)

	case BlockDocument:
		if block.Source == nil {
			return &ValidationError{Field: path + ".source", Message: "field is required"}
		}

	case BlockToolUse:
		if block.ID == "" {
			return &ValidationError{Field: path + ".id", Message: "field is required"}
		}
		if block.Name == "" {
			return &ValidationError{Field: path + ".name", Message: "field is required"}
		}
		toolUseIDs[block.ID] = true

	case BlockToolResult:
		if block.ToolUseID == "" {
			return &ValidationError{Field: path + ".tool_use_id", Message: "field is required"}
		}
		if !toolUseIDs[block.ToolUseID] {
			return &ValidationError{
				Field:   path + ".tool_use_id",
				Message: fmt.Sprintf("no preceding tool_use block with id %q", block.ToolUseID),
			}
		}

	case "":
		return &ValidationError{Field: path + ".type", Message: "field is required"}

	default:
		return &ValidationError{
			Field:   path + ".type",
			Message: fmt.Sprintf("unknown content block type %q", block.Type),
		}
	}

	return nil
}

func validateImageSource(source *Source, path string) error {
	if source == nil {
		return &ValidationError{Field: path + ".source", Message: "field is required"}
	}

	switch source.Type {
	case SourceBase64:
		if !allowedImageMediaTypes[source.MediaType] {
			return &ValidationError{
				Field:   path + ".source.media_type",
				Message: fmt.Sprintf("unsupported media type %q", source.MediaType),
			}
		}
		if source.Data == "" {
			return &ValidationError{Field: path + ".source.data", Message: "field is required"}
		}
		// Base64 expands by 4/3; compare against the encoded length.
		if len(source.Data) > MaxImageBytes/3*4 {
			return &ValidationError{Field: path + ".source.data", Message: "image exceeds size limit"}
		}
	case SourceURL:
		if source.URL == "" || !strings.HasPrefix(source.URL, "http") {
			return &ValidationError{Field: path + ".source.url", Message: "a http(s) URL is required"}
		}
	default:
		return &ValidationError{
			Field:   path + ".source.type",
			Message: fmt.Sprintf("unknown source type %q", source.Type),
		}
	}

	return nil
}
