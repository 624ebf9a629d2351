package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	ContestOpen   = "open"
	ContestClosed = "closed"
)

type Contest struct {
	ID       string
	Status   string
	OpenedAt time.Time
	ClosedAt *time.Time
}

// OpenContest registers a contest. Re-opening an open contest is a no-op.
func (s *Store) OpenContest(id string, at time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO contests (id, status, opened_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING",
		id, ContestOpen, nanos(at),
	)
	if err != nil {
		return fmt.Errorf("open contest: %w", err)
	}
	return nil
}

// CloseContest marks the contest closed and retires all of its questions.
func (s *Store) CloseContest(id string, at time.Time) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE contests SET status = ?, closed_at = ? WHERE id = ? AND status = ?",
			ContestClosed, nanos(at), id, ContestOpen,
		)
		if err != nil {
			return fmt.Errorf("close contest: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("contest %s not open", id)
		}
		if _, err := tx.Exec(
			"UPDATE questions SET status = ?, updated_at = ? WHERE contest_id = ? AND status != ?",
			string(StatusRetired), nanos(at), id, string(StatusRetired),
		); err != nil {
			return fmt.Errorf("retire questions: %w", err)
		}
		return nil
	})
}

func (s *Store) GetContest(id string) (*Contest, error) {
	var c Contest
	var opened int64
	var closed sql.NullInt64
	err := s.db.QueryRow("SELECT id, status, opened_at, closed_at FROM contests WHERE id = ?", id).
		Scan(&c.ID, &c.Status, &opened, &closed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contest: %w", err)
	}
	c.OpenedAt = fromNanos(opened)
	c.ClosedAt = fromNullNanos(closed)
	return &c, nil
}

func (s *Store) ListOpenContests() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM contests WHERE status = ? ORDER BY id", ContestOpen)
	if err != nil {
		return nil, fmt.Errorf("list contests: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contest: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
