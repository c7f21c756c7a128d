package api

import (
	"net/http"
	"strings"

	"github.com/ayusman/markerpose/internal/store"
)

// SessionHandler serves recorded pose sessions.
type SessionHandler struct {
	store *store.Store
}

// NewSessionHandler creates a SessionHandler with the given store.
func NewSessionHandler(s *store.Store) *SessionHandler {
	return &SessionHandler{store: s}
}

// ServeHTTP routes /api/sessions and /api/sessions/{id}.
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions"), "/")

	if id == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.list(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.samples(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type sampleResponse struct {
	Seq         uint64     `json:"seq"`
	MarkerID    int        `json:"marker_id"`
	Rotation    [9]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation"`
	CapturedAt  string     `json:"captured_at"`
}

type sessionResponse struct {
	ID      string           `json:"id"`
	Samples []sampleResponse `json:"samples"`
}

func (h *SessionHandler) list(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.Samples().Sessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": sessions})
}

func (h *SessionHandler) samples(w http.ResponseWriter, r *http.Request, id string) {
	samples, err := h.store.Samples().BySession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if len(samples) == 0 {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	response := sessionResponse{ID: id, Samples: make([]sampleResponse, 0, len(samples))}
	for _, s := range samples {
		response.Samples = append(response.Samples, sampleResponse{
			Seq:         s.Seq,
			MarkerID:    s.MarkerID,
			Rotation:    s.Rotation,
			Translation: s.Translation,
			CapturedAt:  formatTime(s.CapturedAt),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *SessionHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.Samples().DeleteSession(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
