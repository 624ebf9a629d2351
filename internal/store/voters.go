package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Voter is what the store knows about an account: its age and verification.
type Voter struct {
	ID         string
	Verified   bool
	CreatedAt  time.Time
	VerifiedAt *time.Time
}

// UpsertVoter records a voter. An existing row keeps its creation time so
// tenure cannot be reset by re-registering.
func (s *Store) UpsertVoter(v *Voter) error {
	var verifiedAt any
	if v.VerifiedAt != nil {
		verifiedAt = nanos(*v.VerifiedAt)
	}
	_, err := s.db.Exec(
		`INSERT INTO voters (id, verified, created_at, verified_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET verified = excluded.verified, verified_at = excluded.verified_at`,
		v.ID, boolToInt(v.Verified), nanos(v.CreatedAt), verifiedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert voter: %w", err)
	}
	return nil
}

func (s *Store) GetVoter(id string) (*Voter, error) {
	var v Voter
	var verified int
	var created int64
	var verifiedAt sql.NullInt64
	err := s.db.QueryRow("SELECT id, verified, created_at, verified_at FROM voters WHERE id = ?", id).
		Scan(&v.ID, &verified, &created, &verifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get voter: %w", err)
	}
	v.Verified = verified != 0
	v.CreatedAt = fromNanos(created)
	v.VerifiedAt = fromNullNanos(verifiedAt)
	return &v, nil
}
