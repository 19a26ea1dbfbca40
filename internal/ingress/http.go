package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	kerrors "github.com/harunnryd/karakuri/internal/errors"
)

const (
	EventsPath       = "/api/v1/events"
	ExternalIDHeader = "X-Event-ID"
)

type eventRequest struct {
	SourceID   string         `json:"source_id"`
	ExternalID string         `json:"external_id"`
	Data       map[string]any `json:"event_data"`
	Timestamp  *time.Time     `json:"timestamp"`
}

type eventResponse struct {
	Status               string   `json:"status"`
	EventID              string   `json:"event_id,omitempty"`
	TriggeredListenerIDs []string `json:"triggered_listener_ids,omitempty"`
	Error                string   `json:"error,omitempty"`
	Category             string   `json:"category,omitempty"`
}

// Handler serves POST /api/v1/events and POST /api/v1/events/{source}. The
// path form takes the source from the URL, the whole body as event_data and
// the external id from the X-Event-ID header.
type Handler struct {
	ingress  *Ingress
	mapper   kerrors.ErrorMapper
	maxBytes int64
}

func NewHandler(i *Ingress, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Handler{ingress: i, mapper: kerrors.NewDefaultErrorMapper(), maxBytes: maxBytes}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+EventsPath, h.handleEvents)
	mux.HandleFunc("POST "+EventsPath+"/{source}", h.handleEvents)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeJSON(w, http.StatusRequestEntityTooLarge, eventResponse{Status: "rejected", Error: "request body too large"})
			return
		}
		h.writeJSON(w, http.StatusBadRequest, eventResponse{Status: "rejected", Error: "unreadable request body"})
		return
	}

	sub, err := decodeSubmission(body, r.PathValue("source"), r.Header.Get(ExternalIDHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}

	rcpt, err := h.ingress.SubmitDetailed(r.Context(), sub)
	if err != nil {
		if errors.Is(err, kerrors.ErrDuplicateEvent) {
			// Idempotency: duplicates are acknowledged, not failed.
			h.writeJSON(w, http.StatusOK, eventResponse{Status: "duplicate"})
			return
		}
		if rcpt != nil {
			slog.Error("Event stored but matching failed", "event_id", rcpt.Event.ID, "error", err)
		}
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, eventResponse{
		Status:               "accepted",
		EventID:              rcpt.Event.ID,
		TriggeredListenerIDs: rcpt.Event.TriggeredListenerIDs,
	})
}

func decodeSubmission(body []byte, pathSource, externalID string) (Submission, error) {
	if pathSource != "" {
		var data map[string]any
		if err := json.Unmarshal(body, &data); err != nil {
			return Submission{}, kerrors.InvalidInput("event body must be a JSON object")
		}
		return Submission{SourceID: pathSource, ExternalID: externalID, Data: data}, nil
	}

	var req eventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return Submission{}, kerrors.InvalidInput("invalid request body")
	}
	sub := Submission{SourceID: req.SourceID, ExternalID: req.ExternalID, Data: req.Data}
	if req.Timestamp != nil {
		sub.Timestamp = *req.Timestamp
	}
	return sub, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := h.mapper.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Failed to submit event", "error", err)
	}
	h.writeJSON(w, status, eventResponse{Status: "rejected", Error: err.Error(), Category: h.mapper.Category(err)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}
