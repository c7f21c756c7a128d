// Package server provides the HTTP server: live transforms over WebSocket,
// the annotated camera stream, tracking control, and the REST API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ayusman/markerpose/internal/app"
	"github.com/ayusman/markerpose/internal/server/api"
	"github.com/ayusman/markerpose/internal/store"
)

// Config holds the server configuration. App and Store are optional; their
// routes are only registered when set.
type Config struct {
	StaticDir string
	Store     *store.Store
	App       *app.App
}

// Server represents the HTTP server for the markerpose application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time

	mu   sync.Mutex
	http *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if a := s.config.App; a != nil {
		s.mux.HandleFunc("/api/status", s.handleStatus)
		s.mux.HandleFunc("/api/tracking", s.handleTracking)
		s.mux.HandleFunc("/api/placement", s.handlePlacement)
		s.mux.HandleFunc("/api/placement/nudge", s.handleNudge)
		s.mux.HandleFunc("/api/plugins", s.handlePlugins)
		s.mux.Handle("/api/stream", NewStreamHandler(a))
		s.mux.HandleFunc("/api/frame", s.handleFrame)
		s.mux.Handle("/api/transforms", NewTransformsHandler(a))
	}

	if st := s.config.Store; st != nil {
		var activator api.PlacementActivator
		var plugins api.PluginLookup
		if s.config.App != nil {
			activator = s.config.App
			if mgr := s.config.App.PluginManager(); mgr != nil {
				plugins = mgr
			}
		}

		placements := api.NewPlacementHandler(st, activator)
		hooks := api.NewHookHandler(st, plugins)
		sessions := api.NewSessionHandler(st)

		s.mux.Handle("/api/placements", placements)
		s.mux.Handle("/api/placements/", placements)
		s.mux.Handle("/api/hooks", hooks)
		s.mux.Handle("/api/hooks/", hooks)
		s.mux.Handle("/api/sessions", sessions)
		s.mux.Handle("/api/sessions/", sessions)
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address and blocks
// until it fails or Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = hs
	s.mu.Unlock()

	err := hs.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops a server started with ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	hs := s.http
	s.mu.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Shutdown(ctx)
}
