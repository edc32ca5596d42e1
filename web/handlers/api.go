package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/synapse/internal/brain"
	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// APIHandlers contains HTTP handlers for the dashboard REST API.
type APIHandlers struct {
	brain *brain.Brain
}

// NewAPIHandlers creates a new APIHandlers instance.
func NewAPIHandlers(b *brain.Brain) *APIHandlers {
	return &APIHandlers{brain: b}
}

// ListPatterns handles GET /api/patterns with optional kind, min_confidence,
// include_flagged and limit query parameters.
func (h *APIHandlers) ListPatterns(w http.ResponseWriter, r *http.Request) {
	opts := storage.PatternListOptions{
		Kind:           types.PatternKind(r.URL.Query().Get("kind")),
		MinConfidence:  parseFloat(r.URL.Query().Get("min_confidence"), 0),
		IncludeFlagged: r.URL.Query().Get("include_flagged") == "true",
		Limit:          parseInt(r.URL.Query().Get("limit"), 50),
	}

	patterns, err := h.brain.QueryPattern(r.Context(), "", opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list patterns", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"patterns": patterns,
		"total":    len(patterns),
	})
}

// GetPattern handles GET /api/patterns/{signature}.
func (h *APIHandlers) GetPattern(w http.ResponseWriter, r *http.Request) {
	signature := strings.TrimPrefix(r.URL.Path, "/api/patterns/")
	if signature == "" {
		respondError(w, http.StatusBadRequest, "signature is required", nil)
		return
	}

	patterns, err := h.brain.QueryPattern(r.Context(), signature, storage.PatternListOptions{})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "pattern not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get pattern", err)
		return
	}
	respondJSON(w, http.StatusOK, patterns[0])
}

// ListAnomalies handles GET /api/anomalies. Pass all=true to include
// reviewed records.
func (h *APIHandlers) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	unreviewedOnly := r.URL.Query().Get("all") != "true"

	anomalies, err := h.brain.StoreHandle().ListAnomalies(r.Context(), unreviewedOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list anomalies", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"total":     len(anomalies),
	})
}

// ReviewAnomaly handles POST /api/anomalies/{id}/review.
func (h *APIHandlers) ReviewAnomaly(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/anomalies/")
	id, ok := strings.CutSuffix(rest, "/review")
	if !ok || id == "" {
		respondError(w, http.StatusBadRequest, "anomaly id is required", nil)
		return
	}

	if err := h.brain.StoreHandle().MarkAnomalyReviewed(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "anomaly not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to mark anomaly reviewed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "reviewed": true})
}

// ListSnapshots handles GET /api/snapshots (metadata only).
func (h *APIHandlers) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.brain.StoreHandle().ListSnapshots(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list snapshots", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"snapshots": snaps,
		"total":     len(snaps),
	})
}

// RunAggregation handles POST /api/aggregate, starting a manual run.
func (h *APIHandlers) RunAggregation(w http.ResponseWriter, r *http.Request) {
	report, err := h.brain.RunAggregation(r.Context())
	if err != nil && report == nil {
		respondError(w, http.StatusInternalServerError, "aggregation failed", err)
		return
	}
	// Validation failures return the report with its rolled-back state; the
	// dashboard renders the failure from there.
	respondJSON(w, http.StatusOK, report)
}

// ListConversations handles GET /api/conversations with optional status,
// intent, keyword and limit filters.
func (h *APIHandlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := storage.ConversationQuery{
		Status:  types.ConversationStatus(r.URL.Query().Get("status")),
		Intent:  types.Intent(r.URL.Query().Get("intent")),
		Keyword: r.URL.Query().Get("keyword"),
		Limit:   parseInt(r.URL.Query().Get("limit"), 20),
	}

	convs, err := h.brain.StoreHandle().Query(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list conversations", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"total":         len(convs),
	})
}

// GetConversation handles GET /api/conversations/{id}.
func (h *APIHandlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	if id == "" {
		respondError(w, http.StatusBadRequest, "conversation id is required", nil)
		return
	}

	conv, err := h.brain.StoreHandle().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get conversation", err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// Stats handles GET /api/stats.
func (h *APIHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.brain.BrainStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to gather stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Health handles GET /api/health.
func (h *APIHandlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if _, err := h.brain.StoreHandle().Count(r.Context()); err != nil {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// respondJSON writes data as a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers already sent; log and move on.
		log.Printf("handlers: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]any{"error": err.Error()}
	}
	respondJSON(w, statusCode, errResp)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}
