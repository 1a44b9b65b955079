package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kylebebak/search-engine/internal/ingestion"
	"github.com/kylebebak/search-engine/internal/ingestion/publisher"
	"github.com/kylebebak/search-engine/internal/ingestion/validator"
	apperrors "github.com/kylebebak/search-engine/pkg/errors"
	"github.com/kylebebak/search-engine/pkg/logger"
	"github.com/kylebebak/search-engine/pkg/middleware"
	"github.com/kylebebak/search-engine/pkg/tracing"
)

type Handler struct {
	publisher *publisher.Publisher
	logger    *slog.Logger
}

func New(pub *publisher.Publisher) *Handler {
	return &Handler{
		publisher: pub,
		logger:    slog.Default().With("component", "ingestion-handler"),
	}
}

// Ingest accepts {"key": ..., "content": ...} and queues the document for
// indexing. The document becomes searchable once the indexer commits the
// batch holding it.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "ingest", middleware.GetRequestID(r.Context()))
	defer span.Finish()
	log := logger.FromContext(ctx)
	var req ingestion.IngestEvent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ev, err := h.publisher.Ingest(ctx, req.Key, req.Content)
	if err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("ingestion failed", "key", req.Key, "error", err, "status_code", statusCode)
		h.writeError(w, statusCode, "ingestion failed")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"key":         ev.Key,
		"status":      "queued",
		"ingested_at": ev.IngestedAt,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
