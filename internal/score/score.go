// Package score keeps the decayed, anomaly-weighted rank score of every
// question in a contest.
//
//	score(q) = Σ value × weight × 2^(−age/halfLife)
//
// Scores are signed and never clamped.
package score

import (
	"math"
	"sort"
	"time"
)

// Contribution is what one vote adds to its question before decay.
type Contribution struct {
	Value  int
	Weight float64
	CastAt time.Time
}

// Zero reports whether c contributes nothing (retracted or zero weight).
func (c Contribution) Zero() bool { return c.Value == 0 || c.Weight == 0 }

// Decay is the multiplier for a vote of the given age.
func Decay(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	return math.Exp2(-age.Seconds() / halfLife.Seconds())
}

// Score evaluates the formula directly over a question's votes.
func Score(votes []Contribution, now time.Time, halfLife time.Duration) float64 {
	var s float64
	for _, v := range votes {
		s += float64(v.Value) * v.Weight * Decay(now.Sub(v.CastAt), halfLife)
	}
	return s
}

// rebaseAfter bounds the exponent of stored accumulators.
const rebaseAfter = 64

// Board maintains per-question scores incrementally. Each accumulator holds
// Σ value × weight × 2^((castAt − epoch)/halfLife), so the score at any time t
// is acc × 2^(−(t − epoch)/halfLife) and applying a vote is a single add.
// Deltas commute: the final state does not depend on event order.
//
// A Board is owned by one contest shard and is not safe for concurrent use.
type Board struct {
	halfLife time.Duration
	epoch    time.Time
	acc      map[string]float64
}

func NewBoard(halfLife time.Duration, epoch time.Time) *Board {
	return &Board{halfLife: halfLife, epoch: epoch, acc: make(map[string]float64)}
}

func (b *Board) HalfLife() time.Duration { return b.halfLife }

func (b *Board) Epoch() time.Time { return b.epoch }

func (b *Board) term(c Contribution) float64 {
	if c.Zero() {
		return 0
	}
	if b.halfLife <= 0 {
		return float64(c.Value) * c.Weight
	}
	return float64(c.Value) * c.Weight * math.Exp2(c.CastAt.Sub(b.epoch).Seconds()/b.halfLife.Seconds())
}

// Apply replaces a vote's old contribution with its new one. old is nil for a
// first vote; next is nil when the vote disappears entirely.
func (b *Board) Apply(questionID string, old, next *Contribution) {
	if next != nil && b.halfLife > 0 && next.CastAt.Sub(b.epoch) > rebaseAfter*b.halfLife {
		b.Rebase(next.CastAt)
	}
	var delta float64
	if old != nil {
		delta -= b.term(*old)
	}
	if next != nil {
		delta += b.term(*next)
	}
	b.acc[questionID] += delta
}

// Track makes questionID known to the board with a zero score.
func (b *Board) Track(questionID string) {
	if _, ok := b.acc[questionID]; !ok {
		b.acc[questionID] = 0
	}
}

func (b *Board) Forget(questionID string) { delete(b.acc, questionID) }

func (b *Board) factor(now time.Time) float64 {
	if b.halfLife <= 0 {
		return 1
	}
	return math.Exp2(-now.Sub(b.epoch).Seconds() / b.halfLife.Seconds())
}

// Score returns the question's score at now.
func (b *Board) Score(questionID string, now time.Time) float64 {
	return b.acc[questionID] * b.factor(now)
}

// Sum returns the sum of the scores of ids at now: the score of a cluster is
// the sum over its members.
func (b *Board) Sum(ids []string, now time.Time) float64 {
	var s float64
	for _, id := range ids {
		s += b.acc[id]
	}
	return s * b.factor(now)
}

// Scores returns every tracked question's score at now.
func (b *Board) Scores(now time.Time) map[string]float64 {
	f := b.factor(now)
	out := make(map[string]float64, len(b.acc))
	for id, a := range b.acc {
		out[id] = a * f
	}
	return out
}

// IDs returns the tracked question ids in sorted order.
func (b *Board) IDs() []string {
	ids := make([]string, 0, len(b.acc))
	for id := range b.acc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rebase moves the epoch without changing any score.
func (b *Board) Rebase(epoch time.Time) {
	if b.halfLife > 0 {
		f := math.Exp2(b.epoch.Sub(epoch).Seconds() / b.halfLife.Seconds())
		for id := range b.acc {
			b.acc[id] *= f
		}
	}
	b.epoch = epoch
}

// Entry ties a contribution to its question for a full rebuild.
type Entry struct {
	QuestionID string
	Contribution
}

// Recompute discards the accumulators and rebuilds them from the ledger
// rows, correcting float drift and any reweighting that was not applied
// incrementally. Questions tracked before stay tracked.
func (b *Board) Recompute(epoch time.Time, entries []Entry) {
	ids := b.IDs()
	b.epoch = epoch
	b.acc = make(map[string]float64, len(ids))
	for _, id := range ids {
		b.acc[id] = 0
	}
	// Sum in a fixed order so two rebuilds give bit-identical results.
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].QuestionID != sorted[j].QuestionID {
			return sorted[i].QuestionID < sorted[j].QuestionID
		}
		return sorted[i].CastAt.Before(sorted[j].CastAt)
	})
	for _, e := range sorted {
		b.acc[e.QuestionID] += b.term(e.Contribution)
	}
}
