package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/tools"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stackOptions struct {
	cacheEnabled bool
	toolRegistry *tools.Registry
	providerKind string
}

// newStack builds the handler pipeline against a stub upstream.
func newStack(t *testing.T, upstreamURL string, opts stackOptions) *Pipeline {
	t.Helper()

	kind := opts.providerKind
	if kind == "" {
		kind = providers.KindOpenAI
	}

	cfg := &config.Config{
		Providers: []config.Provider{{
			Name:    "openai",
			Kind:    kind,
			APIBase: upstreamURL,
			APIKey:  "sk-test",
			Models:  []string{"gpt-4o"},
		}},
		Router: config.RouterConfig{
			Default: "openai,gpt-4o",
			Aliases: map[string]string{"big": "openai,gpt-4o"},
		},
		Cache: config.CacheConfig{Enabled: opts.cacheEnabled, Capacity: 16},
	}
	if opts.toolRegistry != nil {
		cfg.Tools = config.ToolsConfig{Enabled: true}
	}

	manager := config.NewManager(t.TempDir())
	require.NoError(t, manager.Save(cfg))

	registry := providers.NewRegistry()
	registry.Initialize()

	responseCache, err := cache.New(cfg.Cache, testLogger())
	require.NoError(t, err)
	t.Cleanup(responseCache.Close)

	var executor *tools.Coordinator
	if opts.toolRegistry != nil {
		executor = tools.NewCoordinator(opts.toolRegistry, tools.NewPolicy(cfg.Tools), testLogger())
	}

	client := upstream.NewClient(config.UpstreamConfig{TimeoutSeconds: 5, MaxRetries: 1}, testLogger())

	return NewPipeline(manager, registry, client, responseCache, executor, testLogger())
}

func openAIText(text, finishReason string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{
			"message": {"role": "assistant", "content": %q},
			"finish_reason": %q
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5}
	}`, text, finishReason)
}

func postMessages(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	handler.ServeHTTP(recorder, request)
	return recorder
}

const simpleRequest = `{
	"model": "big",
	"max_tokens": 100,
	"messages": [{"role": "user", "content": "hello"}]
}`

func TestMessages_NonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var bound map[string]any
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &bound))
		// The alias resolved to the concrete provider model.
		assert.Equal(t, "gpt-4o", bound["model"])

		w.Write([]byte(openAIText("Hello there!", "stop")))
	}))
	defer server.Close()

	pipeline := newStack(t, server.URL, stackOptions{})
	handler := NewMessagesHandler(pipeline, testLogger())

	recorder := postMessages(t, handler, simpleRequest)
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp wire.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, wire.RoleAssistant, resp.Role)
	// The public response carries the requested model name.
	assert.Equal(t, "big", resp.Model)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "Hello there!", resp.Content[0].Text)
	assert.Equal(t, 10, resp.Usage.InputTokens)
}

func TestMessages_ValidationError(t *testing.T) {
	pipeline := newStack(t, "http://127.0.0.1:1", stackOptions{})
	handler := NewMessagesHandler(pipeline, testLogger())

	recorder := postMessages(t, handler, `{"model": "big", "max_tokens": 0, "messages": []}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var envelope wire.ErrorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	assert.Equal(t, "error", envelope.Type)
	assert.Equal(t, wire.ErrTypeInvalidRequest, envelope.Error.Type)
}

func TestMessages_UnknownModel(t *testing.T) {
	pipeline := newStack(t, "http://127.0.0.1:1", stackOptions{})
	handler := NewMessagesHandler(pipeline, testLogger())

	recorder := postMessages(t, handler, `{
		"model": "no-such-model",
		"max_tokens": 10,
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	require.Equal(t, http.StatusNotFound, recorder.Code)

	var envelope wire.ErrorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	assert.Equal(t, wire.ErrTypeNotFound, envelope.Error.Type)
}

func TestMessages_CapabilityMismatch(t *testing.T) {
	pipeline := newStack(t, "http://127.0.0.1:1", stackOptions{})
	handler := NewMessagesHandler(pipeline, testLogger())

	// The configured provider has no vision flag.
	recorder := postMessages(t, handler, `{
		"model": "big",
		"max_tokens": 10,
		"messages": [{"role": "user", "content": [
			{"type": "image", "source": {"type": "url", "url": "https://example.com/x.png"}}
		]}]
	}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var envelope wire.ErrorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	assert.Contains(t, envelope.Error.Message, "image input")
}

func TestMessages_UpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer server.Close()

	pipeline := newStack(t, server.URL, stackOptions{})
	handler := NewMessagesHandler(pipeline, testLogger())

	recorder := postMessages(t, handler, simpleRequest)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	var envelope wire.ErrorEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	assert.Equal(t, "error", envelope.Type)
}

func TestMessages_Streaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var bound map[string]any
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &bound))
		assert.Equal(t, true, bound["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"c1","model":"gpt-4o","choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"c1","model":"gpt-4o","choices":[{"delta":{"content":"lo"}}]}`,
			`{"id":"c1","model":"gpt-4o","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	pipeline := newStack(t, server.URL, stackOptions{})
	handler := NewMessagesHandler(pipeline, testLogger())

	recorder := postMessages(t, handler, `{
		"model": "big",
		"max_tokens": 100,
		"stream": true,
		"messages": [{"role": "user", "content": "hello"}]
	}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))

	output := recorder.Body.String()
	for _, event := range []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	} {
		assert.Contains(t, output, event)
	}
	assert.Contains(t, output, `"text":"Hel"`)
	assert.Contains(t, output, `"text":"lo"`)
	assert.Contains(t, output, `"stop_reason":"end_turn"`)
}

// Passthrough streaming: an anthropic-native upstream already emits the
// public event sequence, so the relay must not append its own close.
func TestMessages_AnthropicStreamPassthrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))

		w.Header().Set("Content-Type", "text/event-stream")
		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"gpt-4o","content":[],"usage":{"input_tokens":7,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, event := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.name, event.data)
		}
	}))
	defer server.Close()

	pipeline := newStack(t, server.URL, stackOptions{providerKind: providers.KindAnthropic})
	handler := NewMessagesHandler(pipeline, testLogger())

	recorder := postMessages(t, handler, `{
		"model": "big",
		"max_tokens": 100,
		"stream": true,
		"messages": [{"role": "user", "content": "hello"}]
	}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	output := recorder.Body.String()
	// The upstream's own terminal events pass through exactly once.
	assert.Equal(t, 1, strings.Count(output, "event: message_stop"))
	assert.Equal(t, 1, strings.Count(output, "event: message_delta"))
	assert.Contains(t, output, `"input_tokens":7`)
	assert.Contains(t, output, `"output_tokens":2`)
	assert.NotContains(t, output, `"output_tokens":0`)
}

// Full tool round trip through the HTTP surface: the model asks for a
// local tool, the gateway executes it and re-sends, the model answers.
func TestMessages_ToolConversation(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		switch calls.Add(1) {
		case 1:
			// The gateway advertises its local tool set upstream.
			var bound map[string]any
			require.NoError(t, json.Unmarshal(body, &bound))
			boundTools, ok := bound["tools"].([]any)
			require.True(t, ok)
			require.NotEmpty(t, boundTools)

			w.Write([]byte(`{
				"id": "chatcmpl-1",
				"model": "gpt-4o",
				"choices": [{
					"message": {
						"role": "assistant",
						"content": "",
						"tool_calls": [{
							"id": "call_1",
							"type": "function",
							"function": {"name": "lister", "arguments": "{\"path\":\"/tmp\"}"}
						}]
					},
					"finish_reason": "tool_calls"
				}],
				"usage": {"prompt_tokens": 10, "completion_tokens": 5}
			}`))
		case 2:
			// The tool result came back as a tool-role message.
			assert.Contains(t, string(body), "a.txt")
			w.Write([]byte(openAIText("The directory contains a.txt and b.txt.", "stop")))
		default:
			t.Errorf("unexpected upstream call %d", calls.Load())
		}
	}))
	defer server.Close()

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.New("lister", "lists a directory", tools.CategoryFile,
		func(ctx context.Context, input struct {
			Path string `json:"path"`
		}) (string, error) {
			assert.Equal(t, "/tmp", input.Path)
			return "a.txt\nb.txt", nil
		})))

	pipeline := newStack(t, server.URL, stackOptions{toolRegistry: registry})
	handler := NewMessagesHandler(pipeline, testLogger())

	recorder := postMessages(t, handler, simpleRequest)
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp wire.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "The directory contains a.txt and b.txt.", resp.Content[0].Text)
	require.NotNil(t, resp.StopReason)
	assert.Equal(t, wire.StopEndTurn, *resp.StopReason)

	// Two provider calls, usage accumulated across both.
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 20, resp.Usage.InputTokens)
	assert.Equal(t, 10, resp.Usage.OutputTokens)
}

// A client that brings its own tools gets tool_use back for client-side
// execution instead of local dispatch.
func TestMessages_ClientToolsPassThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "client_tool", "arguments": "{}"}
					}]
				},
				"finish_reason": "tool_calls"
			}]
		}`))
	}))
	defer server.Close()

	registry := tools.NewRegistry()
	pipeline := newStack(t, server.URL, stackOptions{toolRegistry: registry})
	handler := NewMessagesHandler(pipeline, testLogger())

	recorder := postMessages(t, handler, `{
		"model": "big",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [{"name": "client_tool", "input_schema": {"type": "object"}}]
	}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp wire.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.Len(t, resp.Content, 1)
	assert.Equal(t, wire.BlockToolUse, resp.Content[0].Type)
	require.NotNil(t, resp.StopReason)
	assert.Equal(t, wire.StopToolUse, *resp.StopReason)
}

func TestMessages_StreamReplayAfterTools(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte(`{
				"id": "chatcmpl-1",
				"model": "gpt-4o",
				"choices": [{
					"message": {
						"role": "assistant",
						"content": "",
						"tool_calls": [{
							"id": "call_1",
							"type": "function",
							"function": {"name": "echo", "arguments": "{\"id\":\"x\"}"}
						}]
					},
					"finish_reason": "tool_calls"
				}]
			}`))
			return
		}
		w.Write([]byte(openAIText("done", "stop")))
	}))
	defer server.Close()

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.New("echo", "echoes", tools.CategorySystem,
		func(ctx context.Context, input struct {
			ID string `json:"id"`
		}) (string, error) {
			return input.ID, nil
		})))

	pipeline := newStack(t, server.URL, stackOptions{toolRegistry: registry})
	handler := NewMessagesHandler(pipeline, testLogger())

	recorder := postMessages(t, handler, `{
		"model": "big",
		"max_tokens": 100,
		"stream": true,
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))

	output := recorder.Body.String()
	assert.Contains(t, output, "event: message_start")
	assert.Contains(t, output, `"text":"done"`)
	assert.Contains(t, output, "event: message_stop")
	// The whole tool conversation happened before the replayed stream.
	assert.Equal(t, int32(2), calls.Load())
}

func TestMessages_CacheShortCircuit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(openAIText("cached answer", "stop")))
	}))
	defer server.Close()

	pipeline := newStack(t, server.URL, stackOptions{cacheEnabled: true})
	handler := NewMessagesHandler(pipeline, testLogger())

	first := postMessages(t, handler, simpleRequest)
	require.Equal(t, http.StatusOK, first.Code)

	second := postMessages(t, handler, simpleRequest)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, int32(1), calls.Load())

	var resp wire.Response
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, "cached answer", resp.Content[0].Text)
}

func TestBatchHandler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(openAIText("ok", "stop")))
	}))
	defer server.Close()

	pipeline := newStack(t, server.URL, stackOptions{})
	handler := NewBatchHandler(pipeline, pipeline.config, testLogger())

	body := `{"requests": [
		{"custom_id": "a", "params": {"model": "big", "max_tokens": 10, "messages": [{"role": "user", "content": "1"}]}},
		{"custom_id": "b", "params": {"model": "big", "max_tokens": 0, "messages": []}},
		{"custom_id": "c", "params": {"model": "big", "max_tokens": 10, "messages": [{"role": "user", "content": "3"}]}}
	]}`

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/messages/batches", strings.NewReader(body))
	handler.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)

	var decoded struct {
		Results []struct {
			CustomID string              `json:"custom_id"`
			Response *wire.Response      `json:"response"`
			Error    *wire.ErrorEnvelope `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	require.Len(t, decoded.Results, 3)

	assert.Equal(t, "a", decoded.Results[0].CustomID)
	assert.NotNil(t, decoded.Results[0].Response)
	assert.Nil(t, decoded.Results[0].Error)

	assert.Equal(t, "b", decoded.Results[1].CustomID)
	assert.Nil(t, decoded.Results[1].Response)
	require.NotNil(t, decoded.Results[1].Error)
	assert.Equal(t, wire.ErrTypeInvalidRequest, decoded.Results[1].Error.Type)

	assert.Equal(t, "c", decoded.Results[2].CustomID)
	assert.NotNil(t, decoded.Results[2].Response)
}

func TestBatchHandler_EmptyBatch(t *testing.T) {
	pipeline := newStack(t, "http://127.0.0.1:1", stackOptions{})
	handler := NewBatchHandler(pipeline, pipeline.config, testLogger())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/messages/batches", strings.NewReader(`{"requests": []}`))
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
