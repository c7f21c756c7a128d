package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ayusman/markerpose/internal/plugin"
	"github.com/ayusman/markerpose/internal/store"
)

// PluginLookup resolves plugins by name.
type PluginLookup interface {
	Get(name string) (*plugin.Plugin, error)
}

// HookHandler handles HTTP requests for tracking hooks.
type HookHandler struct {
	store   *store.Store
	plugins PluginLookup
}

// NewHookHandler creates a HookHandler. When plugins is non-nil, hooks must
// name an installed plugin that supports the action.
func NewHookHandler(s *store.Store, plugins PluginLookup) *HookHandler {
	return &HookHandler{store: s, plugins: plugins}
}

// ServeHTTP routes /api/hooks and /api/hooks/{id}.
func (h *HookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/hooks")
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

	id := path
	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodPut:
		h.update(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type createHookRequest struct {
	Event      string          `json:"event"`
	MarkerID   *int            `json:"marker_id"`
	PluginName string          `json:"plugin_name"`
	ActionName string          `json:"action_name"`
	Config     json.RawMessage `json:"config"`
}

type updateHookRequest struct {
	Event      string          `json:"event"`
	MarkerID   *int            `json:"marker_id"`
	AnyMarker  bool            `json:"any_marker"`
	PluginName string          `json:"plugin_name"`
	ActionName string          `json:"action_name"`
	Config     json.RawMessage `json:"config"`
	Enabled    *bool           `json:"enabled"`
}

type hookResponse struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	MarkerID   *int            `json:"marker_id"`
	PluginName string          `json:"plugin_name"`
	ActionName string          `json:"action_name"`
	Config     json.RawMessage `json:"config"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  string          `json:"created_at"`
}

type listHooksResponse struct {
	Hooks []hookResponse `json:"hooks"`
}

func toHookResponse(hk *store.Hook) hookResponse {
	config := hk.Config
	if config == nil {
		config = json.RawMessage("{}")
	}
	return hookResponse{
		ID:         hk.ID,
		Event:      hk.Event,
		MarkerID:   hk.MarkerID,
		PluginName: hk.PluginName,
		ActionName: hk.ActionName,
		Config:     config,
		Enabled:    hk.Enabled,
		CreatedAt:  formatTime(hk.CreatedAt),
	}
}

func validEvent(event string) bool {
	return event == store.EventAcquired || event == store.EventLost
}

// checkPlugin returns a client-facing message when the binding is unusable.
func (h *HookHandler) checkPlugin(pluginName, actionName string) string {
	if h.plugins == nil {
		return ""
	}
	p, err := h.plugins.Get(pluginName)
	if errors.Is(err, plugin.ErrPluginNotFound) {
		return fmt.Sprintf("Plugin %q not installed", pluginName)
	}
	if err != nil {
		return "Failed to look up plugin"
	}
	if !p.Supports(actionName) {
		return fmt.Sprintf("Plugin %q does not support action %q", pluginName, actionName)
	}
	return ""
}

func (h *HookHandler) list(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.store.Hooks().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list hooks")
		return
	}

	response := listHooksResponse{Hooks: make([]hookResponse, 0, len(hooks))}
	for _, hk := range hooks {
		response.Hooks = append(response.Hooks, toHookResponse(hk))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *HookHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	hk, err := h.store.Hooks().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Hook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get hook")
		return
	}
	writeJSON(w, http.StatusOK, toHookResponse(hk))
}

func (h *HookHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createHookRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if !validEvent(req.Event) {
		writeError(w, http.StatusBadRequest, "event must be acquired or lost")
		return
	}
	if req.PluginName == "" {
		writeError(w, http.StatusBadRequest, "plugin_name is required")
		return
	}
	if req.ActionName == "" {
		writeError(w, http.StatusBadRequest, "action_name is required")
		return
	}
	if req.MarkerID != nil && *req.MarkerID < 0 {
		writeError(w, http.StatusBadRequest, "marker_id must not be negative")
		return
	}
	if msg := h.checkPlugin(req.PluginName, req.ActionName); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	config := req.Config
	if config == nil {
		config = json.RawMessage("{}")
	}

	hk := &store.Hook{
		ID:         uuid.New().String(),
		Event:      req.Event,
		MarkerID:   req.MarkerID,
		PluginName: req.PluginName,
		ActionName: req.ActionName,
		Config:     config,
		Enabled:    true,
	}
	if err := h.store.Hooks().Create(hk); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create hook")
		return
	}
	writeJSON(w, http.StatusCreated, toHookResponse(hk))
}

func (h *HookHandler) update(w http.ResponseWriter, r *http.Request, id string) {
	hk, err := h.store.Hooks().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Hook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get hook")
		return
	}

	var req updateHookRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Event != "" {
		if !validEvent(req.Event) {
			writeError(w, http.StatusBadRequest, "event must be acquired or lost")
			return
		}
		hk.Event = req.Event
	}
	switch {
	case req.AnyMarker:
		hk.MarkerID = nil
	case req.MarkerID != nil:
		if *req.MarkerID < 0 {
			writeError(w, http.StatusBadRequest, "marker_id must not be negative")
			return
		}
		hk.MarkerID = req.MarkerID
	}
	if req.PluginName != "" {
		hk.PluginName = req.PluginName
	}
	if req.ActionName != "" {
		hk.ActionName = req.ActionName
	}
	if req.Config != nil {
		hk.Config = req.Config
	}
	if req.Enabled != nil {
		hk.Enabled = *req.Enabled
	}
	if msg := h.checkPlugin(hk.PluginName, hk.ActionName); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := h.store.Hooks().Update(hk); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update hook")
		return
	}
	writeJSON(w, http.StatusOK, toHookResponse(hk))
}

func (h *HookHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.Hooks().Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Hook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete hook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
