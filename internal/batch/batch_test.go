package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRunner struct {
	run func(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

func (r *stubRunner) Run(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	return r.run(ctx, req)
}

func textResponse(text string) *wire.Response {
	return &wire.Response{
		ID:      "msg_1",
		Type:    "message",
		Role:    wire.RoleAssistant,
		Content: []wire.ContentBlock{{Type: wire.BlockText, Text: text}},
	}
}

func itemsOf(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{
			CustomID: fmt.Sprintf("item-%d", i+1),
			Params:   wire.Request{Model: "big", MaxTokens: 10},
		}
	}
	return items
}

// Five items where the third fails validation: the batch returns five
// results, four successes, one error result, and Run itself succeeds.
func TestCoordinator_ItemIsolation(t *testing.T) {
	runner := &stubRunner{run: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		if req.Metadata["fail"] == true {
			return nil, &wire.ValidationError{Field: "messages", Message: "must not be empty"}
		}
		return textResponse("ok"), nil
	}}

	items := itemsOf(5)
	items[2].Params.Metadata = map[string]any{"fail": true}

	coordinator := NewCoordinator(runner, 2, testLogger())
	results := coordinator.Run(context.Background(), items)

	require.Len(t, results, 5)
	for i, result := range results {
		assert.Equal(t, fmt.Sprintf("item-%d", i+1), result.CustomID)
		if i == 2 {
			assert.False(t, result.Succeeded())
			require.NotNil(t, result.Error)
			assert.Equal(t, wire.ErrTypeInvalidRequest, result.Error.Type)
			assert.Contains(t, result.Error.Error.Message, "messages")
			continue
		}
		assert.True(t, result.Succeeded(), "item %d should succeed", i+1)
		require.NotNil(t, result.Response)
	}
}

func TestCoordinator_OrderPreserved(t *testing.T) {
	runner := &stubRunner{run: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		// Later items finish first.
		delay := time.Duration(20-len(req.Model)) * 10 * time.Millisecond
		time.Sleep(delay)
		return textResponse(req.Model), nil
	}}

	items := []Item{
		{CustomID: "a", Params: wire.Request{Model: "m"}},
		{CustomID: "b", Params: wire.Request{Model: "mmmm"}},
		{CustomID: "c", Params: wire.Request{Model: "mmmmmmmm"}},
	}

	coordinator := NewCoordinator(runner, 3, testLogger())
	results := coordinator.Run(context.Background(), items)

	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].CustomID)
	assert.Equal(t, "m", results[0].Response.Content[0].Text)
	assert.Equal(t, "b", results[1].CustomID)
	assert.Equal(t, "c", results[2].CustomID)
}

func TestCoordinator_BoundedParallelism(t *testing.T) {
	var current, peak atomic.Int32
	var mu sync.Mutex

	runner := &stubRunner{run: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		now := current.Add(1)
		mu.Lock()
		if now > peak.Load() {
			peak.Store(now)
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return textResponse("ok"), nil
	}}

	coordinator := NewCoordinator(runner, 2, testLogger())
	results := coordinator.Run(context.Background(), itemsOf(6))

	require.Len(t, results, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCoordinator_PanicContained(t *testing.T) {
	runner := &stubRunner{run: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		if req.Metadata["panic"] == true {
			panic("boom")
		}
		return textResponse("ok"), nil
	}}

	items := itemsOf(2)
	items[0].Params.Metadata = map[string]any{"panic": true}

	coordinator := NewCoordinator(runner, 2, testLogger())
	results := coordinator.Run(context.Background(), items)

	require.Len(t, results, 2)
	assert.False(t, results[0].Succeeded())
	assert.True(t, results[1].Succeeded())
}

func TestCoordinator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &stubRunner{run: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		return textResponse("ok"), nil
	}}

	coordinator := NewCoordinator(runner, 1, testLogger())
	results := coordinator.Run(ctx, itemsOf(3))

	// Every item gets a result even when the batch was cancelled up front.
	require.Len(t, results, 3)
	for _, result := range results {
		assert.NotEmpty(t, result.CustomID)
	}
}
