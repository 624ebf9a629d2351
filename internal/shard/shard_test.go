package shard

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/civicq/askrank/internal/cluster"
	"github.com/civicq/askrank/internal/config"
	"github.com/civicq/askrank/internal/ledger"
	"github.com/civicq/askrank/internal/portfolio"
	"github.com/civicq/askrank/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

type env struct {
	store   *store.Store
	manager *Manager
	shard   *Shard
	ledger  *ledger.Ledger
}

func setup(t *testing.T, debounce time.Duration) *env {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.OpenContest("c1", t0); err != nil {
		t.Fatalf("open contest: %v", err)
	}

	opts := OptionsFrom(config.Default())
	opts.Debounce = debounce
	opts.Now = fixedNow
	m := NewManager(s, opts)
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	sh, err := m.Get("c1")
	if err != nil {
		t.Fatalf("get shard: %v", err)
	}
	return &env{store: s, manager: m, shard: sh, ledger: ledger.New(s, m, ledger.WithClock(fixedNow))}
}

// unit returns a 2-d unit vector at cosine sim to (1, 0).
func unit(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func (e *env) submit(t *testing.T, id, tag string, at time.Time, vec []float32, status store.QuestionStatus) cluster.Decision {
	t.Helper()
	q := &store.Question{
		ID: id, ContestID: "c1", Text: "text of " + id, Tags: []string{tag},
		SubmitterID: "sub", Status: status, Embedding: vec, CreatedAt: at,
	}
	if err := e.store.CreateQuestion(q); err != nil {
		t.Fatalf("create question: %v", err)
	}
	d, err := e.shard.Assign(context.Background(), q)
	if err != nil {
		t.Fatalf("assign %s: %v", id, err)
	}
	return d
}

func (e *env) vote(t *testing.T, voter, question string, value int) {
	t.Helper()
	if _, err := e.ledger.Cast(context.Background(), ledger.Request{VoterID: voter, QuestionID: question, Value: value}); err != nil {
		t.Fatalf("cast: %v", err)
	}
}

func (e *env) publish(t *testing.T) *portfolio.TopSet {
	t.Helper()
	ts, err := e.shard.Publish(context.Background())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return ts
}

func ids(ts *portfolio.TopSet) []string {
	out := make([]string, len(ts.Entries))
	for i, e := range ts.Entries {
		out[i] = e.QuestionID
	}
	return out
}

func TestAutoMergeMarksDuplicateMerged(t *testing.T) {
	e := setup(t, time.Hour)
	first := e.submit(t, "q1", "housing", t0, unit(1), store.StatusActive)
	second := e.submit(t, "q2", "housing", t0.Add(time.Second), unit(0.90), store.StatusActive)
	if second.Action != cluster.Merged || second.ClusterID != first.ClusterID {
		t.Fatalf("second = %+v, want merged into %s", second, first.ClusterID)
	}

	q2, _ := e.store.GetQuestion("q2")
	if q2.Status != store.StatusMerged || q2.ClusterID != first.ClusterID || q2.Canonical {
		t.Errorf("q2 = %s cluster %s canonical %v", q2.Status, q2.ClusterID, q2.Canonical)
	}
	q1, _ := e.store.GetQuestion("q1")
	if q1.Status != store.StatusActive || !q1.Canonical {
		t.Errorf("q1 = %s canonical %v", q1.Status, q1.Canonical)
	}

	e.vote(t, "v1", "q2", 1)
	ts := e.publish(t)
	if len(ts.Entries) != 1 || ts.Entries[0].QuestionID != "q1" {
		t.Fatalf("entries = %v, want [q1]", ids(ts))
	}
	// a vote on a merged duplicate counts for the cluster
	if ts.Entries[0].Score != 1 {
		t.Errorf("score = %v, want 1", ts.Entries[0].Score)
	}
}

func TestVotesOrderTopSet(t *testing.T) {
	e := setup(t, time.Hour)
	e.submit(t, "qa", "transit", t0, unit(1), store.StatusActive)
	e.submit(t, "qb", "schools", t0, unit(0), store.StatusActive)

	e.vote(t, "v1", "qa", 1)
	e.vote(t, "v1", "qb", 1)
	e.vote(t, "v2", "qb", 1)
	e.vote(t, "v3", "qa", -1)

	ts := e.publish(t)
	got := ids(ts)
	if len(got) != 2 || got[0] != "qb" || got[1] != "qa" {
		t.Fatalf("order = %v, want [qb qa]", got)
	}
	if ts.Entries[1].Score != 0 {
		t.Errorf("qa score = %v, want 0", ts.Entries[1].Score)
	}
	if e.shard.TopSet() != ts {
		t.Error("TopSet does not serve the published snapshot")
	}
	rec, err := e.store.LatestTopSet("c1")
	if err != nil || rec == nil || rec.ID != ts.ID {
		t.Errorf("persisted = %+v, %v", rec, err)
	}
}

func TestDebouncedPublish(t *testing.T) {
	e := setup(t, 20*time.Millisecond)
	ch, cancel := e.shard.Subscribe()
	defer cancel()

	e.submit(t, "qa", "transit", t0, unit(1), store.StatusActive)
	e.vote(t, "v1", "qa", 1)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ts := <-ch:
			if len(ts.Entries) == 1 && ts.Entries[0].Score == 1 {
				return
			}
		case <-deadline:
			t.Fatal("no snapshot with the vote was published")
		}
	}
}

func TestReweightLowersScore(t *testing.T) {
	e := setup(t, time.Hour)
	e.submit(t, "qa", "transit", t0, unit(1), store.StatusActive)
	e.vote(t, "v1", "qa", 1)

	changes, err := e.store.CapVoteWeights("c1", []string{"v1"}, time.Time{}, 0.2)
	if err != nil {
		t.Fatalf("cap: %v", err)
	}
	e.manager.Reweighted(context.Background(), "c1", changes)

	ts := e.publish(t)
	if got := ts.Entries[0].Score; math.Abs(got-0.2) > 1e-12 {
		t.Errorf("score = %v, want 0.2", got)
	}
}

func TestRecomputeDoesNotDoubleCount(t *testing.T) {
	e := setup(t, time.Hour)
	e.submit(t, "qa", "transit", t0, unit(1), store.StatusActive)

	// the write lands before the rebuild, its event after
	var held []ledger.Event
	l := ledger.New(e.store, ledger.SinkFunc(func(_ context.Context, ev ledger.Event) { held = append(held, ev) }), ledger.WithClock(fixedNow))
	if _, err := l.Cast(context.Background(), ledger.Request{VoterID: "v1", QuestionID: "qa", Value: 1}); err != nil {
		t.Fatalf("cast: %v", err)
	}
	if err := e.shard.Recompute(context.Background()); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	for _, ev := range held {
		e.shard.VoteApplied(context.Background(), ev)
	}

	ts := e.publish(t)
	if got := ts.Entries[0].Score; got != 1 {
		t.Errorf("score = %v, want 1", got)
	}
}

func TestConsolidateMergesAndPersists(t *testing.T) {
	e := setup(t, time.Hour)
	e.submit(t, "q1", "housing", t0, unit(1), store.StatusActive)
	d := e.submit(t, "q2", "housing", t0.Add(time.Second), unit(0.85), store.StatusActive)
	if d.Action != cluster.Review {
		t.Fatalf("q2 action = %s, want review", d.Action)
	}

	ctx := context.Background()
	if err := e.manager.SetThresholds(ctx, cluster.Thresholds{Merge: 0.84, Review: 0.80}); err != nil {
		t.Fatalf("set thresholds: %v", err)
	}
	n, err := e.manager.ConsolidateAll(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if n != 1 {
		t.Fatalf("merges = %d, want 1", n)
	}

	rows, err := e.store.ListClusters("c1")
	if err != nil {
		t.Fatalf("list clusters: %v", err)
	}
	if len(rows) != 1 || len(rows[0].Members) != 2 || rows[0].CanonicalID != "q1" {
		t.Fatalf("clusters = %+v", rows)
	}
	q2, _ := e.store.GetQuestion("q2")
	if q2.Status != store.StatusMerged {
		t.Errorf("q2 status = %s, want merged", q2.Status)
	}

	again, err := e.manager.ConsolidateAll(ctx)
	if err != nil || again != 0 {
		t.Errorf("second pass = %d, %v; want nothing to do", again, err)
	}
}

func TestConsolidateBusy(t *testing.T) {
	e := setup(t, time.Hour)
	e.shard.consolidating.Lock()
	defer e.shard.consolidating.Unlock()
	if _, err := e.shard.Consolidate(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestPendingCanonicalWaitsForActivation(t *testing.T) {
	e := setup(t, time.Hour)
	ctx := context.Background()
	e.submit(t, "q1", "housing", t0, unit(1), store.StatusPending)

	if ts := e.publish(t); len(ts.Entries) != 0 {
		t.Fatalf("entries = %v, want none while pending", ids(ts))
	}
	if err := e.shard.SetStatus(ctx, "q1", store.StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if ts := e.publish(t); len(ts.Entries) != 1 {
		t.Fatalf("entries = %v, want [q1]", ids(ts))
	}
}

func TestPendingEarliestMemberDoesNotHideCluster(t *testing.T) {
	e := setup(t, time.Hour)
	ctx := context.Background()
	e.submit(t, "spam", "housing", t0, unit(1), store.StatusPending)
	d := e.submit(t, "real", "housing", t0.Add(time.Second), unit(0.95), store.StatusActive)
	if d.Action != cluster.Merged {
		t.Fatalf("real = %v, want merged into the pending question's cluster", d.Action)
	}
	e.vote(t, "v1", "real", 1)
	e.vote(t, "v2", "real", 1)

	ts := e.publish(t)
	if len(ts.Entries) != 1 || ts.Entries[0].QuestionID != "real" || ts.Entries[0].Score != 2 {
		t.Fatalf("entries = %+v, want real with score 2", ts.Entries)
	}
	got, _ := e.store.GetQuestion("real")
	if got.Status != store.StatusActive || !got.Canonical {
		t.Errorf("real = %s canonical %v, want active canonical", got.Status, got.Canonical)
	}
	det, err := e.shard.Detail(ctx, "spam")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if det.CanonicalID != "real" {
		t.Errorf("canonical = %s, want real", det.CanonicalID)
	}

	if err := e.shard.SetStatus(ctx, "spam", store.StatusRetired); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if ts := e.publish(t); len(ts.Entries) != 1 || ts.Entries[0].QuestionID != "real" {
		t.Fatalf("entries = %v, want [real]", ids(ts))
	}
}

func TestActivatedEarlierQuestionLeads(t *testing.T) {
	e := setup(t, time.Hour)
	e.submit(t, "q1", "housing", t0, unit(1), store.StatusPending)
	e.submit(t, "q2", "housing", t0.Add(time.Second), unit(0.95), store.StatusActive)

	if err := e.shard.SetStatus(context.Background(), "q1", store.StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	q1, _ := e.store.GetQuestion("q1")
	q2, _ := e.store.GetQuestion("q2")
	if q1.Status != store.StatusActive || !q1.Canonical {
		t.Errorf("q1 = %s canonical %v, want active canonical", q1.Status, q1.Canonical)
	}
	if q2.Status != store.StatusMerged || q2.Canonical {
		t.Errorf("q2 = %s canonical %v, want merged", q2.Status, q2.Canonical)
	}
	if ts := e.publish(t); len(ts.Entries) != 1 || ts.Entries[0].QuestionID != "q1" {
		t.Fatalf("entries = %v, want [q1]", ids(ts))
	}
}

func TestActivatedDuplicateIsMerged(t *testing.T) {
	e := setup(t, time.Hour)
	e.submit(t, "q1", "housing", t0, unit(1), store.StatusActive)
	e.submit(t, "q2", "housing", t0.Add(time.Second), unit(0.95), store.StatusPending)

	q2, _ := e.store.GetQuestion("q2")
	if q2.Status != store.StatusPending {
		t.Fatalf("q2 status = %s, want pending until approved", q2.Status)
	}
	if err := e.shard.SetStatus(context.Background(), "q2", store.StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	q2, _ = e.store.GetQuestion("q2")
	if q2.Status != store.StatusMerged {
		t.Errorf("q2 status = %s, want merged", q2.Status)
	}
}

func TestRetiredCanonicalHandsOver(t *testing.T) {
	e := setup(t, time.Hour)
	ctx := context.Background()
	e.submit(t, "q1", "housing", t0, unit(1), store.StatusActive)
	e.submit(t, "q2", "housing", t0.Add(time.Second), unit(0.95), store.StatusActive)
	e.vote(t, "v1", "q1", 1)
	e.vote(t, "v2", "q2", 1)

	if err := e.shard.SetStatus(ctx, "q1", store.StatusRetired); err != nil {
		t.Fatalf("retire: %v", err)
	}
	ts := e.publish(t)
	if len(ts.Entries) != 1 || ts.Entries[0].QuestionID != "q2" || ts.Entries[0].Score != 1 {
		t.Fatalf("entries = %+v, want q2 with its own vote only", ts.Entries)
	}

	if err := e.shard.SetStatus(ctx, "q2", store.StatusRetired); err != nil {
		t.Fatalf("retire: %v", err)
	}
	rows, _ := e.store.ListClusters("c1")
	if len(rows) != 0 {
		t.Errorf("clusters = %d, want 0", len(rows))
	}
}

func TestDetail(t *testing.T) {
	e := setup(t, time.Hour)
	e.submit(t, "q1", "housing", t0, unit(1), store.StatusActive)
	e.submit(t, "q2", "housing", t0.Add(time.Second), unit(0.95), store.StatusActive)
	e.vote(t, "v1", "q2", 1)
	e.vote(t, "v2", "q1", -1)
	e.vote(t, "v3", "q1", -1)

	d, err := e.shard.Detail(context.Background(), "q2")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if d.CanonicalID != "q1" || len(d.Siblings) != 1 || d.Siblings[0] != "q1" {
		t.Errorf("detail = %+v", d)
	}
	if d.Score != 1 || d.ClusterScore != -1 {
		t.Errorf("scores = %v / %v, want 1 / -1", d.Score, d.ClusterScore)
	}
	if _, err := e.shard.Detail(context.Background(), "nope"); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("unknown err = %v", err)
	}
}

func TestReopenRestoresState(t *testing.T) {
	e := setup(t, time.Hour)
	first := e.submit(t, "q1", "housing", t0, unit(1), store.StatusActive)
	e.submit(t, "q2", "housing", t0.Add(time.Second), unit(0.95), store.StatusActive)
	e.submit(t, "q3", "parks", t0, unit(0), store.StatusActive)
	e.vote(t, "v1", "q2", 1)
	e.vote(t, "v2", "q3", 1)
	e.vote(t, "v3", "q3", 1)
	before := e.publish(t)

	e.manager.Close("c1")
	sh, err := e.manager.Open("c1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if ts := sh.TopSet(); ts == nil || ts.ID != before.ID {
		t.Fatalf("restored snapshot = %+v, want %s", ts, before.ID)
	}
	d, err := sh.Detail(context.Background(), "q2")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if d.ClusterID != first.ClusterID || d.ClusterScore != 1 {
		t.Errorf("detail = %+v", d)
	}
	after, err := sh.Publish(context.Background())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got, want := ids(after), ids(before); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("order after reopen = %v, want %v", got, want)
	}
}

func TestManagerRoutesUnknownContest(t *testing.T) {
	e := setup(t, time.Hour)
	// must not block or panic
	e.manager.VoteApplied(context.Background(), ledger.Event{ContestID: "nope"})
	e.manager.Reweighted(context.Background(), "nope", nil)
	if _, err := e.manager.Get("nope"); !errors.Is(err, ErrUnknownContest) {
		t.Errorf("err = %v", err)
	}
	if got := e.manager.Contests(); len(got) != 1 || got[0] != "c1" {
		t.Errorf("contests = %v", got)
	}
}

func TestCancelledCallIsNotQueued(t *testing.T) {
	e := setup(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := &store.Question{
		ID: "late", ContestID: "c1", Text: "late", Tags: []string{"parks"},
		SubmitterID: "sub", Status: store.StatusActive, Embedding: unit(1), CreatedAt: t0,
	}
	if err := e.store.CreateQuestion(q); err != nil {
		t.Fatalf("create question: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := e.shard.Assign(ctx, q); !errors.Is(err, context.Canceled) {
			t.Fatalf("assign err = %v, want context.Canceled", err)
		}
	}
	if _, err := e.shard.Detail(context.Background(), "late"); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("detail err = %v, want the question unplaced", err)
	}
	if rows, _ := e.store.ListClusters("c1"); len(rows) != 0 {
		t.Errorf("clusters = %d, want 0", len(rows))
	}
}

func TestSetThresholdsReportsUnreachedShards(t *testing.T) {
	e := setup(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	th := cluster.Thresholds{Merge: 0.84, Review: 0.80}

	err := e.manager.SetThresholds(ctx, th)
	if !errors.Is(err, context.Canceled) || !strings.Contains(err.Error(), "c1") {
		t.Fatalf("err = %v, want c1 left behind", err)
	}

	if err := e.store.OpenContest("c2", t0); err != nil {
		t.Fatalf("open contest: %v", err)
	}
	sh, err := e.manager.Open("c2")
	if err != nil {
		t.Fatalf("open shard: %v", err)
	}
	var got cluster.Thresholds
	if err := sh.call(context.Background(), func() error {
		got = sh.index.Thresholds()
		return nil
	}); err != nil {
		t.Fatalf("read thresholds: %v", err)
	}
	if got != th {
		t.Errorf("new shard thresholds = %+v, want %+v", got, th)
	}
}

func TestStoppedShard(t *testing.T) {
	e := setup(t, time.Hour)
	e.manager.Close("c1")
	if _, err := e.shard.Publish(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}
