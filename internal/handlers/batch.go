package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/batch"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/wire"
)

const maxBatchItems = 100

// BatchHandler serves the batch endpoint: a set of independent requests
// run through the full pipeline with bounded parallelism, answered with
// one result per item in input order.
type BatchHandler struct {
	pipeline *Pipeline
	config   *config.Manager
	logger   *slog.Logger
}

func NewBatchHandler(pipeline *Pipeline, configManager *config.Manager, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{
		pipeline: pipeline,
		config:   configManager,
		logger:   logger,
	}
}

type batchRequest struct {
	Requests []batch.Item `json:"requests"`
}

type batchResponse struct {
	Results []batch.Result `json:"results"`
}

func (h *BatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, h.logger, &wire.ValidationError{Field: "method", Message: "only POST is supported"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, h.logger, &wire.ValidationError{Field: "body", Message: "failed to read request body"})
		return
	}

	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, h.logger, &wire.ValidationError{Field: "body", Message: "malformed JSON: " + err.Error()})
		return
	}

	if len(req.Requests) == 0 {
		writeError(w, h.logger, &wire.ValidationError{Field: "requests", Message: "must not be empty"})
		return
	}
	if len(req.Requests) > maxBatchItems {
		writeError(w, h.logger, &wire.ValidationError{Field: "requests", Message: "too many items"})
		return
	}

	coordinator := batch.NewCoordinator(h.pipeline, h.config.Get().BatchParallelism(), h.logger)
	results := coordinator.Run(r.Context(), req.Requests)

	h.logger.Info("Batch completed", "items", len(results))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(batchResponse{Results: results}); err != nil {
		h.logger.Error("Failed to write batch response", "error", err)
	}
}
