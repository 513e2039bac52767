package handlers

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/wire"
)

// MessagesHandler serves the Messages endpoint: request in the public wire
// format, response either as one JSON body or as an SSE event stream.
type MessagesHandler struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

func NewMessagesHandler(pipeline *Pipeline, logger *slog.Logger) *MessagesHandler {
	return &MessagesHandler{pipeline: pipeline, logger: logger}
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, h.logger, &wire.ValidationError{Field: "method", Message: "only POST is supported"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, h.logger, &wire.ValidationError{Field: "body", Message: "failed to read request body"})
		return
	}

	req, err := wire.ParseRequest(body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if req.Stream {
		h.serveStream(w, r, req)
		return
	}

	resp, err := h.pipeline.Run(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}

// serveStream handles stream=true requests. When local tools are engaged
// the conversation runs to completion first and the final response is
// replayed as SSE; otherwise provider chunks are translated live.
func (h *MessagesHandler) serveStream(w http.ResponseWriter, r *http.Request, req *wire.Request) {
	ctx := r.Context()
	cfg := h.pipeline.config.Get()

	if cfg.Tools.Enabled && h.pipeline.executor != nil && len(req.Tools) == 0 {
		resp, err := h.pipeline.Run(ctx, req)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		setStreamHeaders(w)
		w.WriteHeader(http.StatusOK)
		w.Write(providers.ResponseToSSE(resp))
		flush(w)
		return
	}

	if err := wire.ValidateRequest(req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	resolved, err := h.pipeline.resolve(cfg, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	bound := *req
	bound.Model = resolved.model
	bound.Stream = true

	body, err := json.Marshal(&bound)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	providerBody, err := resolved.provider.TransformRequest(body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	stream, err := h.pipeline.client.Stream(ctx, resolved.providerConfig, resolved.provider, providerBody)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer stream.Body.Close()

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)

	h.relayStream(w, stream.Body, resolved.provider, req.Model)
}

// relayStream translates upstream chunks into public events line by line.
func (h *MessagesHandler) relayStream(w http.ResponseWriter, body io.Reader, provider providers.Provider, publicModel string) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	state := providers.NewStreamState()
	state.Model = publicModel

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		if line == "data: [DONE]" {
			break
		}

		if !strings.HasPrefix(line, "data: ") {
			// Upstream event-name lines; the translated output carries its
			// own event framing.
			continue
		}

		chunk := strings.TrimPrefix(line, "data: ")
		events, err := provider.TransformStream([]byte(chunk), state)
		if err != nil {
			h.logger.Error("Stream translation error", "error", err)
			continue
		}
		if len(events) > 0 {
			w.Write(events)
			flush(w)
		}
	}

	if err := scanner.Err(); err != nil {
		h.logger.Error("Stream read error", "error", err)
	}

	// A stream that ended without a terminal chunk still closes cleanly
	// for the client.
	if !state.MessageStopSent {
		reason := wire.StopEndTurn
		w.Write(state.Finish(&reason))
		flush(w)
	}

	h.logger.Info("Completed streaming response",
		"input_tokens", state.InputTokens,
		"output_tokens", state.OutputTokens,
	)
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
