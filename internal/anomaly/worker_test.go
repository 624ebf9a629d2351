package anomaly

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/civicq/askrank/internal/ledger"
	"github.com/civicq/askrank/internal/moderation"
	"github.com/civicq/askrank/internal/store"
)

type reweighs struct {
	mu      sync.Mutex
	changes []store.WeightChange
}

func (r *reweighs) Reweighted(_ context.Context, _ string, changes []store.WeightChange) {
	r.mu.Lock()
	r.changes = append(r.changes, changes...)
	r.mu.Unlock()
}

type fixture struct {
	store  *store.Store
	worker *Worker
	ledger *ledger.Ledger
	out    *reweighs
}

// newFixture wires a ledger whose sink runs the worker inline, so every
// assertion sees the worker's effect.
func newFixture(t *testing.T, questions int) *fixture {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.OpenContest("c1", t0); err != nil {
		t.Fatalf("open contest: %v", err)
	}
	for i := 0; i < questions; i++ {
		err := s.CreateQuestion(&store.Question{
			ID: fmt.Sprintf("q%d", i), ContestID: "c1", Text: "question", SubmitterID: "s",
			Status: store.StatusActive, CreatedAt: t0,
		})
		if err != nil {
			t.Fatalf("create question: %v", err)
		}
	}
	out := &reweighs{}
	w := NewWorker(NewDetector(testConfig()), s, nil, moderation.NewStoreQueue(s, nil), out, WorkerConfig{})
	sink := ledger.SinkFunc(func(ctx context.Context, ev ledger.Event) { w.Process(ctx, ev) })
	return &fixture{store: s, worker: w, ledger: ledger.New(s, sink), out: out}
}

func TestCohortEscalatesAndReweighs(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	// 50 votes from 10 accounts on one device inside 3 seconds
	for i := 0; i < 50; i++ {
		_, err := f.ledger.Cast(ctx, ledger.Request{
			VoterID:     fmt.Sprintf("v%d", i%10),
			QuestionID:  fmt.Sprintf("q%d", i/10),
			Value:       1,
			Fingerprint: "fp-shared",
			At:          t0.Add(time.Duration(i) * 60 * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("cast %d: %v", i, err)
		}
	}

	votes, err := f.store.ListVotesByContest("c1")
	if err != nil {
		t.Fatalf("list votes: %v", err)
	}
	if len(votes) != 50 {
		t.Fatalf("votes = %d, want 50", len(votes))
	}
	for _, v := range votes {
		if v.Weight != 0.2 {
			t.Errorf("vote %s/%s weight = %v, want 0.2", v.VoterID, v.QuestionID, v.Weight)
		}
	}
	if len(f.out.changes) != 50 {
		t.Errorf("reweighted = %d, want 50", len(f.out.changes))
	}

	items, err := f.store.ListModerationItems(store.ItemOpen)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("moderation items = %d, want 1", len(items))
	}
	if items[0].Kind != string(moderation.AnomalyEscalation) {
		t.Errorf("kind = %q", items[0].Kind)
	}

	flags, err := f.store.ListFlags("c1")
	if err != nil {
		t.Fatalf("list flags: %v", err)
	}
	if len(flags) != 10 {
		t.Errorf("flags = %d, want one per account", len(flags))
	}
}

func TestWeightNeverIncreases(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	if _, err := f.ledger.Cast(ctx, ledger.Request{VoterID: "v1", QuestionID: "q0", Value: 1, At: t0}); err != nil {
		t.Fatalf("cast: %v", err)
	}
	f.worker.cap(ctx, "c1", []string{"v1"}, t0, 0.2)
	f.worker.cap(ctx, "c1", []string{"v1"}, t0, 0.5)

	v, err := f.store.GetVote("v1", "q0")
	if err != nil {
		t.Fatalf("get vote: %v", err)
	}
	if v.Weight != 0.2 {
		t.Errorf("weight = %v, want 0.2", v.Weight)
	}
	if len(f.out.changes) != 1 {
		t.Errorf("changes = %d, want 1", len(f.out.changes))
	}
}

func TestModeratedVotersNotRecapped(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()
	f.worker.Detector().Moderate("c1", []string{"r1"}, 1)

	for _, voter := range []string{"r1", "r2", "r3", "r4", "r5"} {
		for q := 0; q < 6; q++ {
			_, err := f.ledger.Cast(ctx, ledger.Request{
				VoterID: voter, QuestionID: fmt.Sprintf("q%d", q), Value: 1,
				At: t0.Add(time.Duration(q) * time.Hour),
			})
			if err != nil {
				t.Fatalf("cast: %v", err)
			}
		}
	}
	f.worker.SweepAll(ctx)

	votes, _ := f.store.ListVotesByContest("c1")
	for _, v := range votes {
		want := 0.2
		if v.VoterID == "r1" {
			want = 1
		}
		if v.Weight != want {
			t.Errorf("%s/%s weight = %v, want %v", v.VoterID, v.QuestionID, v.Weight, want)
		}
	}
	items, _ := f.store.ListModerationItems(store.ItemOpen)
	if len(items) != 1 {
		t.Errorf("moderation items = %d, want 1", len(items))
	}
}

func TestSweepReadsBallotsFromLedger(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	// cast with no worker attached, as before a restart
	l := ledger.New(f.store, ledger.SinkFunc(func(context.Context, ledger.Event) {}))
	for _, voter := range []string{"r1", "r2", "r3", "r4", "r5"} {
		for q := 0; q < 6; q++ {
			_, err := l.Cast(ctx, ledger.Request{
				VoterID: voter, QuestionID: fmt.Sprintf("q%d", q), Value: 1,
				At: t0.Add(time.Duration(q) * time.Hour),
			})
			if err != nil {
				t.Fatalf("cast: %v", err)
			}
		}
	}
	if got := f.worker.Detector().Contests(); len(got) != 0 {
		t.Fatalf("detector contests = %v, want none observed", got)
	}
	f.worker.SweepAll(ctx)

	votes, _ := f.store.ListVotesByContest("c1")
	if len(votes) != 30 {
		t.Fatalf("votes = %d, want 30", len(votes))
	}
	for _, v := range votes {
		if v.Weight != 0.2 {
			t.Errorf("%s/%s weight = %v, want 0.2", v.VoterID, v.QuestionID, v.Weight)
		}
	}
	if len(f.out.changes) != 30 {
		t.Errorf("reweighted = %d, want 30", len(f.out.changes))
	}
}

func TestFullQueueDrops(t *testing.T) {
	w := NewWorker(NewDetector(testConfig()), nil, nil, nil, nil, WorkerConfig{QueueSize: 1})
	w.VoteApplied(context.Background(), ledger.Event{ContestID: "c1"})
	w.VoteApplied(context.Background(), ledger.Event{ContestID: "c1"})
	if got := len(w.events); got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}
