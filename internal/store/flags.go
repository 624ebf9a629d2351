package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Flag is one anomaly signal raised against a voter.
type Flag struct {
	ID        int64
	ContestID string
	VoterID   string
	Signal    string
	Weight    float64
	Severity  float64
	CreatedAt time.Time
}

// RecordFlags appends flags in one transaction.
func (s *Store) RecordFlags(flags []Flag) error {
	if len(flags) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		for _, f := range flags {
			if _, err := tx.Exec(
				"INSERT INTO anomaly_flags (contest_id, voter_id, signal, weight, severity, created_at) VALUES (?, ?, ?, ?, ?, ?)",
				f.ContestID, f.VoterID, f.Signal, f.Weight, f.Severity, nanos(f.CreatedAt),
			); err != nil {
				return fmt.Errorf("record flag: %w", err)
			}
		}
		return nil
	})
}

// ListFlags returns the flags raised in a contest, oldest first.
func (s *Store) ListFlags(contestID string) ([]Flag, error) {
	rows, err := s.db.Query(
		"SELECT id, contest_id, voter_id, signal, weight, severity, created_at FROM anomaly_flags WHERE contest_id = ? ORDER BY id",
		contestID,
	)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var out []Flag
	for rows.Next() {
		var f Flag
		var created int64
		if err := rows.Scan(&f.ID, &f.ContestID, &f.VoterID, &f.Signal, &f.Weight, &f.Severity, &created); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		f.CreatedAt = fromNanos(created)
		out = append(out, f)
	}
	return out, rows.Err()
}
