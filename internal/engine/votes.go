package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/civicq/askrank/internal/identity"
	"github.com/civicq/askrank/internal/ledger"
	"github.com/civicq/askrank/internal/metrics"
)

type VoteRequest struct {
	VoterID     string `json:"-"`
	QuestionID  string `json:"-"`
	Value       int    `json:"value"`
	Key         string `json:"idempotency_key,omitempty"`
	LogicalTS   int64  `json:"logical_ts,omitempty"`
	Fingerprint string `json:"-"`
}

// Ack tells the client what the ledger did. A duplicate request gets the
// same ack as the original write, without error.
type Ack struct {
	Outcome   ledger.Outcome `json:"outcome"`
	Key       string         `json:"idempotency_key"`
	LogicalTS int64          `json:"logical_ts"`
}

// CastVote records, changes or (with value 0) retracts a vote. The write is
// durable when CastVote returns; the score and Top-Set follow asynchronously.
func (e *Engine) CastVote(ctx context.Context, r VoteRequest) (Ack, error) {
	if r.VoterID == "" {
		return Ack{}, invalid("voter", "required")
	}
	if r.QuestionID == "" {
		return Ack{}, invalid("question_id", "required")
	}
	if r.Value < -1 || r.Value > 1 {
		return Ack{}, invalid("value", "must be -1, 0 or 1")
	}
	if r.LogicalTS < 0 {
		return Ack{}, invalid("logical_ts", "must not be negative")
	}
	ok, err := identity.IsVerifiedVoter(ctx, e.dir, r.VoterID)
	if err != nil {
		return Ack{}, fmt.Errorf("check voter: %w", err)
	}
	if !ok {
		return Ack{}, ErrVoterNotEligible
	}

	res, err := e.ledger.Upsert(ctx, ledger.Request{
		VoterID:     r.VoterID,
		QuestionID:  r.QuestionID,
		Value:       r.Value,
		Key:         r.Key,
		LogicalTS:   r.LogicalTS,
		Fingerprint: r.Fingerprint,
	})
	switch {
	case errors.Is(err, ledger.ErrUnknownQuestion):
		return Ack{}, fmt.Errorf("question %s: %w", r.QuestionID, ErrNotFound)
	case errors.Is(err, ledger.ErrNotVotable):
		return Ack{}, invalid("question", "not open for voting")
	case errors.Is(err, ledger.ErrFutureTimestamp):
		return Ack{}, invalid("logical_ts", "too far ahead of server time")
	case errors.Is(err, ledger.ErrInvalidTimestamp):
		return Ack{}, invalid("logical_ts", "must not be negative")
	case errors.Is(err, ledger.ErrKeyReused):
		return Ack{}, invalid("idempotency_key", "already used for another vote")
	case err != nil:
		metrics.VotesTotal.WithLabelValues("error").Inc()
		return Ack{}, err
	}
	metrics.VotesTotal.WithLabelValues(string(res.Outcome)).Inc()
	return Ack{Outcome: res.Outcome, Key: res.Key, LogicalTS: res.LogicalTS}, nil
}

// RetractVote withdraws a vote. The row stays with value 0.
func (e *Engine) RetractVote(ctx context.Context, r VoteRequest) (Ack, error) {
	r.Value = 0
	return e.CastVote(ctx, r)
}
