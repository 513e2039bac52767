package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/wire"
)

// writeError serializes err in the uniform public envelope. Every surfaced
// failure uses this shape regardless of which component raised it.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := wire.StatusFor(err)
	envelope := wire.EnvelopeFor(err)

	logger.Error("Request failed",
		"status", status,
		"error_type", envelope.Error.Type,
		"error", err,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(envelope); encodeErr != nil {
		logger.Error("Failed to write error response", "error", encodeErr)
	}
}
