package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ayusman/markerpose/internal/app"
	"github.com/ayusman/markerpose/internal/compose"
	"github.com/ayusman/markerpose/internal/convert"
)

const maxControlBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

// configError maps a validation failure to 400 and anything else to 500.
func configError(w http.ResponseWriter, err error) {
	var ce *convert.ConfigurationError
	if errors.As(err, &ce) {
		writeError(w, http.StatusBadRequest, ce.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

type statusResponse struct {
	Enabled  bool       `json:"enabled"`
	Running  bool       `json:"running"`
	Session  string     `json:"session"`
	Layout   LayoutInfo `json:"layout"`
	Stats    app.Stats  `json:"stats"`
	Seq      uint64     `json:"seq"`
	State    string     `json:"state"`
	MarkerID int        `json:"marker_id"`
	Held     bool       `json:"held"`
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a := s.config.App
	target := a.Target()
	resp := statusResponse{
		Enabled: a.IsEnabled(),
		Running: a.IsRunning(),
		Session: a.SessionID(),
		Layout: LayoutInfo{
			Target:     target.Name,
			Storage:    target.Layout.Storage.String(),
			Vectors:    target.Layout.Vectors.String(),
			Handedness: target.Handedness.String(),
		},
		Stats:    a.Stats(),
		State:    compose.Lost.String(),
		MarkerID: -1,
	}
	if u, ok := a.Last(); ok {
		resp.Seq = u.Frame.Seq
		resp.State = u.Frame.State.String()
		resp.MarkerID = u.Frame.MarkerID
		resp.Held = u.Frame.Held
	}
	writeJSON(w, http.StatusOK, resp)
}

type trackingRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleTracking handles GET and POST/PUT /api/tracking.
func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	a := s.config.App
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost, http.MethodPut:
		var req trackingRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Enabled == nil {
			writeError(w, http.StatusBadRequest, "enabled is required")
			return
		}
		if err := a.SetEnabled(*req.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": a.IsEnabled()})
}

// handlePlacement handles GET and PUT /api/placement, the live placement.
func (s *Server) handlePlacement(w http.ResponseWriter, r *http.Request) {
	a := s.config.App
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var p compose.Placement
		if !decodeBody(w, r, &p) {
			return
		}
		if err := a.SetPlacement(p); err != nil {
			configError(w, err)
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.Placement())
}

type nudgeRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
	DZ float64 `json:"dz"`
}

// handleNudge handles POST /api/placement/nudge.
func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req nudgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.config.App.Nudge(req.DX, req.DY, req.DZ))
}

type pluginResponse struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
}

// handlePlugins handles GET /api/plugins (list) and POST /api/plugins (rescan).
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	a := s.config.App
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if err := a.DiscoverPlugins(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := []pluginResponse{}
	if mgr := a.PluginManager(); mgr != nil {
		for _, p := range mgr.List() {
			resp = append(resp, pluginResponse{
				Name:        p.Manifest.Name,
				Version:     p.Manifest.Version,
				Description: p.Manifest.Description,
				Actions:     p.Manifest.Actions,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string][]pluginResponse{"plugins": resp})
}
