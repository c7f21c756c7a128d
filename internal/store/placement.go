package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/ayusman/markerpose/internal/compose"
)

// Placement is a named content placement profile.
type Placement struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Value     compose.Placement `json:"placement"`
	Active    bool              `json:"active"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// PlacementRepository provides CRUD operations for placement profiles.
type PlacementRepository struct {
	db *sql.DB
}

// Placements returns the placement repository for this store.
func (s *Store) Placements() *PlacementRepository {
	return &PlacementRepository{db: s.db}
}

const placementColumns = `id, name, scale_x, scale_y, scale_z, translate_x, translate_y, translate_z,
	rotate_x, rotate_y, rotate_z, active, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPlacement(row scanner) (*Placement, error) {
	p := &Placement{}
	v := &p.Value
	var active int
	err := row.Scan(&p.ID, &p.Name,
		&v.Scale[0], &v.Scale[1], &v.Scale[2],
		&v.Translate[0], &v.Translate[1], &v.Translate[2],
		&v.Rotate[0], &v.Rotate[1], &v.Rotate[2],
		&active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Active = active != 0
	return p, nil
}

// Create inserts a new placement profile. It is not activated.
func (r *PlacementRepository) Create(p *Placement) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Active = false

	v := p.Value
	_, err := r.db.Exec(
		`INSERT INTO placements (`+placementColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		p.ID, p.Name,
		v.Scale[0], v.Scale[1], v.Scale[2],
		v.Translate[0], v.Translate[1], v.Translate[2],
		v.Rotate[0], v.Rotate[1], v.Rotate[2],
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetByID retrieves a placement profile by its ID.
func (r *PlacementRepository) GetByID(id string) (*Placement, error) {
	p, err := scanPlacement(r.db.QueryRow(
		`SELECT `+placementColumns+` FROM placements WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Active returns the active placement profile, or ErrNotFound if none is.
func (r *PlacementRepository) Active() (*Placement, error) {
	p, err := scanPlacement(r.db.QueryRow(
		`SELECT `+placementColumns+` FROM placements WHERE active = 1 LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// List retrieves all placement profiles ordered by name.
func (r *PlacementRepository) List() ([]*Placement, error) {
	rows, err := r.db.Query(`SELECT ` + placementColumns + ` FROM placements ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var placements []*Placement
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, err
		}
		placements = append(placements, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return placements, nil
}

// Update updates the name and values of an existing placement profile.
func (r *PlacementRepository) Update(p *Placement) error {
	p.UpdatedAt = time.Now()

	v := p.Value
	result, err := r.db.Exec(
		`UPDATE placements SET name = ?,
			scale_x = ?, scale_y = ?, scale_z = ?,
			translate_x = ?, translate_y = ?, translate_z = ?,
			rotate_x = ?, rotate_y = ?, rotate_z = ?,
			updated_at = ?
		 WHERE id = ?`,
		p.Name,
		v.Scale[0], v.Scale[1], v.Scale[2],
		v.Translate[0], v.Translate[1], v.Translate[2],
		v.Rotate[0], v.Rotate[1], v.Rotate[2],
		p.UpdatedAt, p.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// Activate marks one profile active and every other profile inactive.
func (r *PlacementRepository) Activate(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`UPDATE placements SET active = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectRow(result); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE placements SET active = 0 WHERE id != ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// Delete removes a placement profile by its ID.
func (r *PlacementRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM placements WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

func expectRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
