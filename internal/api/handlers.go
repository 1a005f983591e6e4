package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/scannerops/callwatch/internal/calls"
	"github.com/scannerops/callwatch/internal/notify"
	"github.com/scannerops/callwatch/pkg/logger"
)

// Submitter feeds call records into the processing pipeline.
type Submitter interface {
	Submit(ctx context.Context, call *calls.CallRecord) error
}

// Handler holds the API handlers and their collaborators.
type Handler struct {
	pipeline Submitter
	queue    notify.QueueStore
	ledger   notify.LedgerStore
	registry RuleInvalidator
	logger   *logger.Logger
}

// RuleInvalidator triggers an asynchronous rule snapshot refresh.
type RuleInvalidator interface {
	Invalidate()
}

// NewHandler creates a new handler
func NewHandler(pipeline Submitter, queue notify.QueueStore, ledger notify.LedgerStore, registry RuleInvalidator, logger *logger.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		queue:    queue,
		ledger:   ledger,
		registry: registry,
		logger:   logger.Named("api-handler"),
	}
}

// SubmitCall ingests one transcribed call record and runs it through the
// pipeline synchronously.
func (h *Handler) SubmitCall(w http.ResponseWriter, r *http.Request) {
	var call calls.CallRecord
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid call record: "+err.Error())
		return
	}
	if call.Transcript == "" {
		h.respondError(w, http.StatusBadRequest, "transcript is required")
		return
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now().UTC()
	}
	if call.Origin == "" {
		call.Origin = calls.OriginDispatch
	}

	if err := h.pipeline.Submit(r.Context(), &call); err != nil {
		h.logger.Error("Failed to process submitted call",
			logger.String("call_id", call.ID),
			logger.Error(err),
		)
		h.respondError(w, http.StatusInternalServerError, "failed to process call")
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     call.ID,
		"status": "accepted",
	})
}

// GetLedger returns recent delivery outcomes, newest first.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			h.respondError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := h.ledger.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list ledger entries", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to list ledger entries")
		return
	}
	if entries == nil {
		entries = []notify.LedgerEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries)
}

// GetQueueDepth returns the number of notification items per status.
func (h *Handler) GetQueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		h.logger.Error("Failed to read queue depth", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to read queue depth")
		return
	}
	h.respondJSON(w, http.StatusOK, depth)
}

// InvalidateRules schedules a rule snapshot refresh.
func (h *Handler) InvalidateRules(w http.ResponseWriter, r *http.Request) {
	h.registry.Invalidate()
	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

// GetHealth returns a basic liveness response.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
