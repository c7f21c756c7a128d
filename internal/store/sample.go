package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ayusman/markerpose/internal/pose"
)

// PoseSample is one recorded pose estimate.
type PoseSample struct {
	ID          int64      `json:"id"`
	SessionID   string     `json:"session_id"`
	Seq         uint64     `json:"seq"`
	MarkerID    int        `json:"marker_id"`
	Rotation    [9]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation"`
	CapturedAt  time.Time  `json:"captured_at"`
}

// Estimate returns the sample as a pose estimate without corners.
func (s PoseSample) Estimate() pose.Estimate {
	return pose.New(s.MarkerID, s.Rotation, s.Translation, [4]pose.Point2D{})
}

// SampleRepository stores recorded pose samples.
type SampleRepository struct {
	db *sql.DB
}

// Samples returns the sample repository for this store.
func (s *Store) Samples() *SampleRepository {
	return &SampleRepository{db: s.db}
}

// Record inserts the estimates accepted in one frame in a single transaction.
func (r *SampleRepository) Record(sessionID string, seq uint64, estimates []pose.Estimate) error {
	if len(estimates) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO pose_samples (session_id, seq, marker_id, rotation, tx, ty, tz, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, e := range estimates {
		rot, err := json.Marshal(e.Rotation())
		if err != nil {
			return err
		}
		t := e.Translation()
		if _, err := stmt.Exec(sessionID, int64(seq), e.MarkerID(), string(rot), t[0], t[1], t[2], now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// BySession retrieves the samples of a session in frame order.
func (r *SampleRepository) BySession(sessionID string) ([]PoseSample, error) {
	rows, err := r.db.Query(
		`SELECT id, session_id, seq, marker_id, rotation, tx, ty, tz, captured_at
		 FROM pose_samples
		 WHERE session_id = ?
		 ORDER BY seq, id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []PoseSample
	for rows.Next() {
		var s PoseSample
		var seq int64
		var rot string
		if err := rows.Scan(&s.ID, &s.SessionID, &seq, &s.MarkerID, &rot,
			&s.Translation[0], &s.Translation[1], &s.Translation[2], &s.CapturedAt); err != nil {
			return nil, err
		}
		s.Seq = uint64(seq)
		if err := json.Unmarshal([]byte(rot), &s.Rotation); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return samples, nil
}

// Sessions lists recorded session ids, most recent first.
func (r *SampleRepository) Sessions() ([]string, error) {
	rows, err := r.db.Query(
		`SELECT session_id FROM pose_samples GROUP BY session_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

// DeleteSession removes all samples of a session.
func (r *SampleRepository) DeleteSession(sessionID string) error {
	_, err := r.db.Exec(`DELETE FROM pose_samples WHERE session_id = ?`, sessionID)
	return err
}
