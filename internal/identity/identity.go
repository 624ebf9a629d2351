// Package identity answers who a voter is and whether they may vote. The
// identity service issues the tokens; askrank only verifies them and keeps
// the facts it needs for anomaly scoring.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civicq/askrank/internal/store"
)

// ErrUnknownVoter is returned by Require for ids the directory has never seen.
var ErrUnknownVoter = errors.New("unknown voter")

type Voter struct {
	ID         string
	Verified   bool
	CreatedAt  time.Time
	VerifiedAt *time.Time
}

// Directory looks voters up. Lookup returns nil, nil for unknown ids.
type Directory interface {
	Lookup(ctx context.Context, voterID string) (*Voter, error)
}

// IsVerifiedVoter gates vote eligibility.
func IsVerifiedVoter(ctx context.Context, d Directory, voterID string) (bool, error) {
	v, err := d.Lookup(ctx, voterID)
	if err != nil {
		return false, err
	}
	return v != nil && v.Verified, nil
}

// StoreDirectory serves lookups from the local voters table, which is fed by
// verified tokens.
type StoreDirectory struct {
	store *store.Store
}

func NewStoreDirectory(s *store.Store) *StoreDirectory {
	return &StoreDirectory{store: s}
}

func (d *StoreDirectory) Lookup(ctx context.Context, voterID string) (*Voter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row, err := d.store.GetVoter(voterID)
	if err != nil {
		return nil, fmt.Errorf("lookup voter: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return &Voter{ID: row.ID, Verified: row.Verified, CreatedAt: row.CreatedAt, VerifiedAt: row.VerifiedAt}, nil
}

// Record stores what the identity service told us about a voter.
func (d *StoreDirectory) Record(v *Voter) error {
	return d.store.UpsertVoter(&store.Voter{ID: v.ID, Verified: v.Verified, CreatedAt: v.CreatedAt, VerifiedAt: v.VerifiedAt})
}

// Require returns the voter or ErrUnknownVoter.
func (d *StoreDirectory) Require(ctx context.Context, voterID string) (*Voter, error) {
	v, err := d.Lookup(ctx, voterID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrUnknownVoter
	}
	return v, nil
}
