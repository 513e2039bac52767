package providers

import (
	"encoding/json"
	"fmt"
)

// Public streaming event types.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
)

// StreamState is the per-stream translation state machine:
//
//	started -> block open(index) -> delta* -> block close(index) -> ... -> message_stop
//
// Open/close pairs are balanced and ordered by index; a delta for an
// unopened index is a protocol error. Usage counters are monotonic
// non-decreasing and are reconciled, not re-derived, at message_stop.
type StreamState struct {
	MessageStartSent bool
	MessageStopSent  bool
	MessageID        string
	Model            string

	// Content block tracking for multiple blocks (text, tool_use, etc.)
	ContentBlocks map[int]*ContentBlockState

	// Monotonic usage floor across the stream.
	InputTokens  int
	OutputTokens int
}

// ContentBlockState tracks one content block during streaming.
type ContentBlockState struct {
	Type      string // "text" or "tool_use"
	StartSent bool
	StopSent  bool

	// tool_use bookkeeping
	ToolCallID    string
	ToolCallIndex int // provider-side tool call index, tracked across chunks
	ToolName      string
	Arguments     string // accumulated arguments JSON
}

func NewStreamState() *StreamState {
	return &StreamState{
		ContentBlocks: make(map[int]*ContentBlockState),
	}
}

// FormatSSEEvent renders one event in SSE framing.
func FormatSSEEvent(eventType string, data any) []byte {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"error\":\"failed to marshal data\"}\n\n")
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", eventType, jsonData)
}

// block returns the tracked state for an index, or an error for a delta
// against an index that was never opened.
func (s *StreamState) block(index int) (*ContentBlockState, error) {
	blk, ok := s.ContentBlocks[index]
	if !ok || !blk.StartSent {
		return nil, fmt.Errorf("stream protocol error: delta for unopened content block %d", index)
	}
	if blk.StopSent {
		return nil, fmt.Errorf("stream protocol error: delta for closed content block %d", index)
	}
	return blk, nil
}

// RaiseUsage moves the monotonic usage floor upward, ignoring regressions
// reported by the upstream.
func (s *StreamState) RaiseUsage(input, output int) (int, int) {
	if input > s.InputTokens {
		s.InputTokens = input
	}
	if output > s.OutputTokens {
		s.OutputTokens = output
	}
	return s.InputTokens, s.OutputTokens
}

// emitMessageStart produces the message_start event once per stream.
func (s *StreamState) emitMessageStart(usage map[string]any) []byte {
	if s.MessageStartSent {
		return nil
	}
	s.MessageStartSent = true

	if usage == nil {
		usage = map[string]any{
			"input_tokens":  0,
			"output_tokens": 1,
		}
	}

	return FormatSSEEvent(EventMessageStart, map[string]any{
		"type": EventMessageStart,
		"message": map[string]any{
			"id":            s.MessageID,
			"type":          "message",
			"role":          "assistant",
			"model":         s.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	})
}

// emitBlockStart opens a content block at index.
func (s *StreamState) emitBlockStart(index int, contentBlock map[string]any) []byte {
	blk, ok := s.ContentBlocks[index]
	if !ok {
		blk = &ContentBlockState{Type: contentBlock["type"].(string)}
		s.ContentBlocks[index] = blk
	}
	if blk.StartSent {
		return nil
	}
	blk.StartSent = true

	return FormatSSEEvent(EventContentBlockStart, map[string]any{
		"type":          EventContentBlockStart,
		"index":         index,
		"content_block": contentBlock,
	})
}

// emitTextDelta appends text to an open text block.
func (s *StreamState) emitTextDelta(index int, text string) ([]byte, error) {
	if _, err := s.block(index); err != nil {
		return nil, err
	}

	return FormatSSEEvent(EventContentBlockDelta, map[string]any{
		"type":  EventContentBlockDelta,
		"index": index,
		"delta": map[string]any{
			"type": "text_delta",
			"text": text,
		},
	}), nil
}

// emitInputDelta appends partial tool-argument JSON to an open tool block.
func (s *StreamState) emitInputDelta(index int, partialJSON string) ([]byte, error) {
	if _, err := s.block(index); err != nil {
		return nil, err
	}

	return FormatSSEEvent(EventContentBlockDelta, map[string]any{
		"type":  EventContentBlockDelta,
		"index": index,
		"delta": map[string]any{
			"type":         "input_json_delta",
			"partial_json": partialJSON,
		},
	}), nil
}

// emitBlockStop closes one open block.
func (s *StreamState) emitBlockStop(index int) []byte {
	blk, ok := s.ContentBlocks[index]
	if !ok || !blk.StartSent || blk.StopSent {
		return nil
	}
	blk.StopSent = true

	return FormatSSEEvent(EventContentBlockStop, map[string]any{
		"type":  EventContentBlockStop,
		"index": index,
	})
}

// Finish closes any open blocks and emits the terminal events with the
// current usage floor. After a completed stream it emits nothing.
func (s *StreamState) Finish(stopReason *string) []byte {
	return s.emitFinish(stopReason, map[string]any{
		"input_tokens":  s.InputTokens,
		"output_tokens": s.OutputTokens,
	})
}

// emitFinish closes all open blocks in index order, emits message_delta with
// the reconciled stop reason and usage, then message_stop.
func (s *StreamState) emitFinish(stopReason *string, usage map[string]any) []byte {
	if s.MessageStopSent {
		return nil
	}
	s.MessageStopSent = true

	var events []byte
	for index := 0; index < len(s.ContentBlocks); index++ {
		events = append(events, s.emitBlockStop(index)...)
	}

	messageDelta := map[string]any{
		"type": EventMessageDelta,
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
	}
	if len(usage) > 0 {
		messageDelta["usage"] = usage
	}
	events = append(events, FormatSSEEvent(EventMessageDelta, messageDelta)...)
	events = append(events, FormatSSEEvent(EventMessageStop, map[string]any{
		"type": EventMessageStop,
	})...)

	return events
}
