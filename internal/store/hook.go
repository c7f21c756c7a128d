package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Hook events.
const (
	EventAcquired = "acquired"
	EventLost     = "lost"
)

// Hook binds a tracking transition to a plugin action.
type Hook struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	// MarkerID restricts the hook to one marker; nil matches any marker.
	MarkerID   *int            `json:"marker_id,omitempty"`
	PluginName string          `json:"plugin_name"`
	ActionName string          `json:"action_name"`
	Config     json.RawMessage `json:"config,omitempty"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
}

// HookRepository provides CRUD operations for tracking hooks.
type HookRepository struct {
	db *sql.DB
}

// Hooks returns the hook repository for this store.
func (s *Store) Hooks() *HookRepository {
	return &HookRepository{db: s.db}
}

const hookColumns = `id, event, marker_id, plugin_name, action_name, config, enabled, created_at`

func scanHook(row scanner) (*Hook, error) {
	h := &Hook{}
	var markerID sql.NullInt64
	var config string
	var enabled int

	if err := row.Scan(&h.ID, &h.Event, &markerID, &h.PluginName, &h.ActionName, &config, &enabled, &h.CreatedAt); err != nil {
		return nil, err
	}
	if markerID.Valid {
		id := int(markerID.Int64)
		h.MarkerID = &id
	}
	h.Config = json.RawMessage(config)
	h.Enabled = enabled != 0
	return h, nil
}

func nullMarker(id *int) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

// Create inserts a new hook into the database.
func (r *HookRepository) Create(h *Hook) error {
	h.CreatedAt = time.Now()

	config := h.Config
	if config == nil {
		config = json.RawMessage("{}")
	}

	_, err := r.db.Exec(
		`INSERT INTO hooks (`+hookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Event, nullMarker(h.MarkerID), h.PluginName, h.ActionName, string(config), h.Enabled, h.CreatedAt,
	)
	return err
}

// GetByID retrieves a hook by its ID.
func (r *HookRepository) GetByID(id string) (*Hook, error) {
	h, err := scanHook(r.db.QueryRow(`SELECT `+hookColumns+` FROM hooks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

// List retrieves all hooks from the database.
func (r *HookRepository) List() ([]*Hook, error) {
	return r.query(`SELECT ` + hookColumns + ` FROM hooks ORDER BY created_at DESC`)
}

// Matching returns the enabled hooks for an event on the given marker,
// including hooks that match any marker.
func (r *HookRepository) Matching(event string, markerID int) ([]*Hook, error) {
	return r.query(
		`SELECT `+hookColumns+` FROM hooks
		 WHERE enabled = 1 AND event = ? AND (marker_id IS NULL OR marker_id = ?)
		 ORDER BY created_at`,
		event, markerID,
	)
}

func (r *HookRepository) query(q string, args ...any) ([]*Hook, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []*Hook
	for rows.Next() {
		h, err := scanHook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, h)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return hooks, nil
}

// Update updates an existing hook in the database.
func (r *HookRepository) Update(h *Hook) error {
	config := h.Config
	if config == nil {
		config = json.RawMessage("{}")
	}

	enabled := 0
	if h.Enabled {
		enabled = 1
	}

	result, err := r.db.Exec(
		`UPDATE hooks SET event = ?, marker_id = ?, plugin_name = ?, action_name = ?, config = ?, enabled = ?
		 WHERE id = ?`,
		h.Event, nullMarker(h.MarkerID), h.PluginName, h.ActionName, string(config), enabled, h.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// Delete removes a hook from the database by its ID.
func (r *HookRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM hooks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}
