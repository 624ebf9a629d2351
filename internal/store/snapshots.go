package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TopSetRecord is a published top-set, stored as the exact JSON clients saw.
type TopSetRecord struct {
	ID          string
	ContestID   string
	GeneratedAt time.Time
	Body        []byte
}

func (s *Store) SaveTopSet(r *TopSetRecord) error {
	_, err := s.db.Exec(
		"INSERT INTO topsets (id, contest_id, generated_at, body) VALUES (?, ?, ?, ?)",
		r.ID, r.ContestID, nanos(r.GeneratedAt), string(r.Body),
	)
	if err != nil {
		return fmt.Errorf("save topset: %w", err)
	}
	return nil
}

// LatestTopSet returns the most recently generated top-set of a contest, or nil.
func (s *Store) LatestTopSet(contestID string) (*TopSetRecord, error) {
	var r TopSetRecord
	var generated int64
	var body string
	err := s.db.QueryRow(
		"SELECT id, contest_id, generated_at, body FROM topsets WHERE contest_id = ? ORDER BY generated_at DESC, id DESC LIMIT 1",
		contestID,
	).Scan(&r.ID, &r.ContestID, &generated, &body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest topset: %w", err)
	}
	r.GeneratedAt = fromNanos(generated)
	r.Body = []byte(body)
	return &r, nil
}
