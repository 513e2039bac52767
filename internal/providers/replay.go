package providers

import (
	"encoding/json"

	"github.com/modelrelay/modelrelay/internal/wire"
)

// ResponseToSSE renders a complete response as the equivalent ordered
// sequence of public streaming events. Used when the response was produced
// without a live upstream stream, such as after a tool conversation, but
// the caller asked for SSE.
func ResponseToSSE(resp *wire.Response) []byte {
	state := NewStreamState()
	state.MessageID = resp.ID
	state.Model = resp.Model

	var events []byte
	events = append(events, state.emitMessageStart(map[string]any{
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": 0,
	})...)

	for index, block := range resp.Content {
		switch block.Type {
		case wire.BlockToolUse:
			events = append(events, state.emitBlockStart(index, map[string]any{
				"type":  wire.BlockToolUse,
				"id":    block.ID,
				"name":  block.Name,
				"input": map[string]any{},
			})...)
			if arguments, err := json.Marshal(block.Input); err == nil {
				delta, err := state.emitInputDelta(index, string(arguments))
				if err == nil {
					events = append(events, delta...)
				}
			}
		default:
			events = append(events, state.emitBlockStart(index, map[string]any{
				"type": wire.BlockText,
				"text": "",
			})...)
			if block.Text != "" {
				delta, err := state.emitTextDelta(index, block.Text)
				if err == nil {
					events = append(events, delta...)
				}
			}
		}
		events = append(events, state.emitBlockStop(index)...)
	}

	events = append(events, state.emitFinish(resp.StopReason, map[string]any{
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	})...)

	return events
}
