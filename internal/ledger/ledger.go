// Package ledger is the durable record of who voted what. Cast, change and
// retract all collapse into one idempotent upsert keyed by (voter, question).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicq/askrank/internal/logger"
	"github.com/civicq/askrank/internal/score"
	"github.com/civicq/askrank/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrUnavailable means the write did not become durable. It is the only
	// ledger error a caller should retry.
	ErrUnavailable = errors.New("vote ledger unavailable")

	ErrInvalidValue    = errors.New("vote value must be -1, 0 or 1")
	ErrUnknownQuestion = errors.New("unknown question")
	ErrNotVotable      = errors.New("question is not open for voting")
	// ErrFutureTimestamp: a client logical timestamp ran further ahead of
	// server time than the allowed skew.
	ErrFutureTimestamp  = errors.New("logical timestamp too far ahead")
	ErrInvalidTimestamp = errors.New("logical timestamp must not be negative")
	// ErrKeyReused: the idempotency key was recorded for another vote.
	ErrKeyReused = errors.New("idempotency key belongs to another vote")
)

// DefaultMaxSkew is how far a client timestamp may run ahead of server time.
const DefaultMaxSkew = 10 * time.Minute

// Outcome is what the ledger did with a request.
type Outcome string

const (
	// Applied: the vote changed and an event was emitted.
	Applied Outcome = "applied"
	// Unchanged: the request repeated the current value.
	Unchanged Outcome = "unchanged"
	// Stale: a newer request for the same vote was already recorded.
	Stale Outcome = "stale"
	// Duplicate: the idempotency key was seen before; nothing happened.
	Duplicate Outcome = "duplicate"
)

// Request is one vote write. Key and LogicalTS are optional: an empty key is
// replaced by a fresh one and a zero LogicalTS by the ledger clock.
type Request struct {
	VoterID     string
	QuestionID  string
	Value       int
	Key         string
	LogicalTS   int64
	Fingerprint string
	At          time.Time
}

// Event describes an applied vote change. Old is nil for a first vote.
type Event struct {
	ContestID   string
	QuestionID  string
	VoterID     string
	Fingerprint string
	LogicalTS   int64
	Old         *score.Contribution
	New         score.Contribution
}

type Result struct {
	Outcome   Outcome
	Key       string
	LogicalTS int64
	ContestID string
}

// Sink receives applied events after they are durable.
type Sink interface {
	VoteApplied(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) VoteApplied(ctx context.Context, ev Event) { f(ctx, ev) }

// Tee fans an event out to several sinks in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) {
		for _, s := range sinks {
			if s != nil {
				s.VoteApplied(ctx, ev)
			}
		}
	})
}

type Ledger struct {
	store   *store.Store
	sink    Sink
	clock   *Clock
	now     func() time.Time
	maxSkew time.Duration
	log     *slog.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
		l.clock = NewClock(now)
	}
}

// WithMaxSkew bounds client logical timestamps to now+d.
func WithMaxSkew(d time.Duration) Option {
	return func(l *Ledger) { l.maxSkew = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func New(s *store.Store, sink Sink, opts ...Option) *Ledger {
	l := &Ledger{store: s, sink: sink, now: time.Now, maxSkew: DefaultMaxSkew}
	for _, o := range opts {
		o(l)
	}
	if l.clock == nil {
		l.clock = NewClock(l.now)
	}
	l.log = logger.Or(l.log)
	return l
}

// Cast records a first vote.
func (l *Ledger) Cast(ctx context.Context, r Request) (Result, error) { return l.Upsert(ctx, r) }

// Change replaces an existing vote.
func (l *Ledger) Change(ctx context.Context, r Request) (Result, error) { return l.Upsert(ctx, r) }

// Retract withdraws a vote. The row stays, with value 0.
func (l *Ledger) Retract(ctx context.Context, r Request) (Result, error) {
	r.Value = 0
	return l.Upsert(ctx, r)
}

// Upsert applies r in one transaction. Replays of a known key, stale
// requests and repeats of the current value leave the vote untouched.
func (l *Ledger) Upsert(ctx context.Context, r Request) (Result, error) {
	if r.Value < -1 || r.Value > 1 {
		return Result{}, ErrInvalidValue
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if r.Key == "" {
		r.Key = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = l.now()
	}
	switch {
	case r.LogicalTS < 0:
		return Result{}, ErrInvalidTimestamp
	case r.LogicalTS == 0:
		r.LogicalTS = l.clock.Next()
	case r.LogicalTS > r.At.Add(l.maxSkew).UnixNano():
		return Result{}, ErrFutureTimestamp
	default:
		l.clock.Observe(r.LogicalTS)
	}

	res := Result{Key: r.Key, LogicalTS: r.LogicalTS}
	var ev *Event
	err := l.store.WithVoteTx(func(tx *store.VoteTx) error {
		prior, err := tx.Request(r.Key)
		if err != nil {
			return err
		}
		if prior != nil {
			if prior.VoterID != r.VoterID || prior.QuestionID != r.QuestionID {
				return ErrKeyReused
			}
			res.Outcome = Duplicate
			res.LogicalTS = prior.LogicalTS
			return nil
		}

		contestID, status, err := tx.QuestionContest(r.QuestionID)
		if err != nil {
			return err
		}
		if contestID == "" {
			return ErrUnknownQuestion
		}
		if status != store.StatusActive && status != store.StatusMerged {
			return ErrNotVotable
		}
		res.ContestID = contestID

		cur, err := tx.Vote(r.VoterID, r.QuestionID)
		if err != nil {
			return err
		}
		res.Outcome, ev = decide(cur, r, contestID)

		switch res.Outcome {
		case Applied:
			v := &store.Vote{
				VoterID: r.VoterID, QuestionID: r.QuestionID, ContestID: contestID,
				Value: r.Value, Weight: ev.New.Weight, CastAt: r.At,
				LogicalTS: r.LogicalTS, RequestKey: r.Key, Fingerprint: r.Fingerprint,
			}
			if err := tx.PutVote(v); err != nil {
				return err
			}
		case Unchanged:
			if cur != nil {
				// Advance the ordering stamp only; the original cast time
				// keeps deciding decay.
				v := *cur
				v.LogicalTS, v.RequestKey = r.LogicalTS, r.Key
				if err := tx.PutVote(&v); err != nil {
					return err
				}
			}
		}
		return tx.RecordRequest(&store.VoteRequest{
			Key: r.Key, VoterID: r.VoterID, QuestionID: r.QuestionID, Value: r.Value,
			LogicalTS: r.LogicalTS, Outcome: string(res.Outcome), CreatedAt: l.now(),
		})
	})
	if err != nil {
		if errors.Is(err, ErrUnknownQuestion) || errors.Is(err, ErrNotVotable) || errors.Is(err, ErrKeyReused) {
			return Result{}, err
		}
		l.log.Error("vote write failed", "question", r.QuestionID, logger.Voter(r.VoterID), "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if ev != nil && l.sink != nil {
		l.sink.VoteApplied(ctx, *ev)
	}
	l.log.Debug("vote", "question", r.QuestionID, "outcome", res.Outcome, "ts", res.LogicalTS)
	return res, nil
}

// decide compares a request with the current vote. Last write wins by
// logical timestamp, then by idempotency key.
func decide(cur *store.Vote, r Request, contestID string) (Outcome, *Event) {
	if cur == nil {
		if r.Value == 0 {
			return Unchanged, nil
		}
		return Applied, &Event{
			ContestID: contestID, QuestionID: r.QuestionID, VoterID: r.VoterID,
			Fingerprint: r.Fingerprint, LogicalTS: r.LogicalTS,
			New: score.Contribution{Value: r.Value, Weight: 1, CastAt: r.At},
		}
	}
	if r.LogicalTS < cur.LogicalTS || (r.LogicalTS == cur.LogicalTS && r.Key < cur.RequestKey) {
		return Stale, nil
	}
	if r.Value == cur.Value {
		return Unchanged, nil
	}
	old := score.Contribution{Value: cur.Value, Weight: cur.Weight, CastAt: cur.CastAt}
	return Applied, &Event{
		ContestID: contestID, QuestionID: r.QuestionID, VoterID: r.VoterID,
		Fingerprint: r.Fingerprint, LogicalTS: r.LogicalTS,
		Old: &old,
		New: score.Contribution{Value: r.Value, Weight: cur.Weight, CastAt: r.At},
	}
}
