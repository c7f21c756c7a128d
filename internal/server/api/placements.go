package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ayusman/markerpose/internal/compose"
	"github.com/ayusman/markerpose/internal/store"
)

// PlacementActivator applies a stored placement to the running tracker.
type PlacementActivator interface {
	ActivatePlacement(id string) (*store.Placement, error)
}

// PlacementHandler handles HTTP requests for stored placements.
type PlacementHandler struct {
	store     *store.Store
	activator PlacementActivator
}

// NewPlacementHandler creates a PlacementHandler. activator may be nil, in
// which case activation only updates the store.
func NewPlacementHandler(s *store.Store, activator PlacementActivator) *PlacementHandler {
	return &PlacementHandler{store: s, activator: activator}
}

// ServeHTTP routes /api/placements, /api/placements/{id} and
// /api/placements/{id}/activate.
func (h *PlacementHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/placements")
	path = strings.Trim(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.create(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if id, ok := strings.CutSuffix(path, "/activate"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.activate(w, r, id)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, path)
	case http.MethodPut:
		h.update(w, r, path)
	case http.MethodDelete:
		h.delete(w, r, path)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// placementRequest carries optional fields; omitted vectors keep their
// current (or default) value.
type placementRequest struct {
	Name      string      `json:"name"`
	Scale     *[3]float64 `json:"scale"`
	Translate *[3]float64 `json:"translate"`
	Rotate    *[3]float64 `json:"rotate"`
}

func (req placementRequest) apply(p compose.Placement) compose.Placement {
	if req.Scale != nil {
		p.Scale = *req.Scale
	}
	if req.Translate != nil {
		p.Translate = *req.Translate
	}
	if req.Rotate != nil {
		p.Rotate = *req.Rotate
	}
	return p
}

type placementResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Scale     [3]float64 `json:"scale"`
	Translate [3]float64 `json:"translate"`
	Rotate    [3]float64 `json:"rotate"`
	Active    bool       `json:"active"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`
}

type listPlacementsResponse struct {
	Placements []placementResponse `json:"placements"`
}

func toPlacementResponse(p *store.Placement) placementResponse {
	return placementResponse{
		ID:        p.ID,
		Name:      p.Name,
		Scale:     p.Value.Scale,
		Translate: p.Value.Translate,
		Rotate:    p.Value.Rotate,
		Active:    p.Active,
		CreatedAt: formatTime(p.CreatedAt),
		UpdatedAt: formatTime(p.UpdatedAt),
	}
}

func (h *PlacementHandler) list(w http.ResponseWriter, r *http.Request) {
	placements, err := h.store.Placements().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list placements")
		return
	}

	response := listPlacementsResponse{Placements: make([]placementResponse, 0, len(placements))}
	for _, p := range placements {
		response.Placements = append(response.Placements, toPlacementResponse(p))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *PlacementHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	p, err := h.store.Placements().GetByID(id)
	if err != nil {
		h.storeError(w, err, "Failed to get placement")
		return
	}
	writeJSON(w, http.StatusOK, toPlacementResponse(p))
}

func (h *PlacementHandler) create(w http.ResponseWriter, r *http.Request) {
	var req placementRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	value := req.apply(compose.DefaultPlacement())
	if err := value.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if taken, err := h.nameTaken(req.Name, ""); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check placement name")
		return
	} else if taken {
		writeError(w, http.StatusConflict, "Placement name already exists")
		return
	}

	p := &store.Placement{ID: uuid.New().String(), Name: req.Name, Value: value}
	if err := h.store.Placements().Create(p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create placement")
		return
	}
	writeJSON(w, http.StatusCreated, toPlacementResponse(p))
}

func (h *PlacementHandler) update(w http.ResponseWriter, r *http.Request, id string) {
	p, err := h.store.Placements().GetByID(id)
	if err != nil {
		h.storeError(w, err, "Failed to get placement")
		return
	}

	var req placementRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if name := strings.TrimSpace(req.Name); name != "" && name != p.Name {
		if taken, err := h.nameTaken(name, id); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to check placement name")
			return
		} else if taken {
			writeError(w, http.StatusConflict, "Placement name already exists")
			return
		}
		p.Name = name
	}

	p.Value = req.apply(p.Value)
	if err := p.Value.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Placements().Update(p); err != nil {
		h.storeError(w, err, "Failed to update placement")
		return
	}

	// Re-apply an edited active placement so the tracker picks it up.
	if p.Active && h.activator != nil {
		if _, err := h.activator.ActivatePlacement(id); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to apply placement")
			return
		}
	}
	writeJSON(w, http.StatusOK, toPlacementResponse(p))
}

func (h *PlacementHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.Placements().Delete(id); err != nil {
		h.storeError(w, err, "Failed to delete placement")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PlacementHandler) activate(w http.ResponseWriter, r *http.Request, id string) {
	var (
		p   *store.Placement
		err error
	)
	if h.activator != nil {
		p, err = h.activator.ActivatePlacement(id)
	} else if err = h.store.Placements().Activate(id); err == nil {
		p, err = h.store.Placements().GetByID(id)
	}
	if err != nil {
		h.storeError(w, err, "Failed to activate placement")
		return
	}
	writeJSON(w, http.StatusOK, toPlacementResponse(p))
}

func (h *PlacementHandler) nameTaken(name, exceptID string) (bool, error) {
	placements, err := h.store.Placements().List()
	if err != nil {
		return false, err
	}
	for _, p := range placements {
		if p.Name == name && p.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func (h *PlacementHandler) storeError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Placement not found")
		return
	}
	writeError(w, http.StatusInternalServerError, message)
}
