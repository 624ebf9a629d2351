package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedQuestion(t *testing.T, s *Store, contest, id string, at time.Time) *Question {
	t.Helper()
	q := &Question{
		ID:          id,
		ContestID:   contest,
		Text:        "what about " + id,
		Tags:        []string{"housing", "rent"},
		SubmitterID: "v-sub",
		Status:      StatusActive,
		CreatedAt:   at,
	}
	if err := s.CreateQuestion(q); err != nil {
		t.Fatalf("create question: %v", err)
	}
	return q
}

// --- Questions ---

func TestCreateAndGetQuestion(t *testing.T) {
	s := openTestStore(t)
	if err := s.OpenContest("c1", t0); err != nil {
		t.Fatalf("open contest: %v", err)
	}
	q := seedQuestion(t, s, "c1", "q1", t0)
	if err := s.SetQuestionEmbedding(q.ID, []float32{0.6, 0.8}); err != nil {
		t.Fatalf("set embedding: %v", err)
	}

	got, err := s.GetQuestion("q1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil question")
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	if got.PrimaryTag() != "housing" {
		t.Errorf("primary tag = %q, want housing", got.PrimaryTag())
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, t0)
	}
	if len(got.Embedding) != 2 || got.Embedding[1] != 0.8 {
		t.Errorf("embedding = %v", got.Embedding)
	}
}

func TestGetQuestionNotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetQuestion("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestQuestionStatusTransitions(t *testing.T) {
	s := openTestStore(t)
	s.OpenContest("c1", t0)
	q := &Question{ID: "q1", ContestID: "c1", Text: "x", SubmitterID: "v", Status: StatusDraft, CreatedAt: t0}
	if err := s.CreateQuestion(q); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.UpdateQuestionStatus("q1", StatusActive, t0); err == nil {
		t.Fatal("draft -> active should be rejected")
	}
	for _, to := range []QuestionStatus{StatusPending, StatusActive, StatusMerged, StatusRetired} {
		if err := s.UpdateQuestionStatus("q1", to, t0); err != nil {
			t.Fatalf("-> %s: %v", to, err)
		}
	}
	if err := s.UpdateQuestionStatus("q1", StatusActive, t0); err == nil {
		t.Fatal("retired is terminal")
	}
}

func TestQuestionVersions(t *testing.T) {
	s := openTestStore(t)
	s.OpenContest("c1", t0)
	seedQuestion(t, s, "c1", "q1", t0)

	v, err := s.AddQuestionVersion("q1", "edited text", []string{"transit"}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("add version: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
	versions, err := s.ListQuestionVersions("q1")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions))
	}
	if versions[0].Text != "what about q1" || versions[1].Text != "edited text" {
		t.Errorf("versions = %q, %q", versions[0].Text, versions[1].Text)
	}
	got, _ := s.GetQuestion("q1")
	if got.Text != "edited text" || got.PrimaryTag() != "transit" {
		t.Errorf("current = %q %v", got.Text, got.Tags)
	}
}

// --- Contests ---

func TestCloseContestRetiresQuestions(t *testing.T) {
	s := openTestStore(t)
	s.OpenContest("c1", t0)
	seedQuestion(t, s, "c1", "q1", t0)
	seedQuestion(t, s, "c1", "q2", t0.Add(time.Second))

	if err := s.CloseContest("c1", t0.Add(time.Hour)); err != nil {
		t.Fatalf("close: %v", err)
	}
	qs, err := s.ListQuestionsByContest("c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, q := range qs {
		if q.Status != StatusRetired {
			t.Errorf("%s status = %s, want retired", q.ID, q.Status)
		}
	}
	if err := s.CloseContest("c1", t0); err == nil {
		t.Error("closing twice should fail")
	}
	open, _ := s.ListOpenContests()
	if len(open) != 0 {
		t.Errorf("open contests = %v", open)
	}
}

// --- Clusters ---

func TestSaveClusterMovesMembers(t *testing.T) {
	s := openTestStore(t)
	s.OpenContest("c1", t0)
	seedQuestion(t, s, "c1", "q1", t0)
	seedQuestion(t, s, "c1", "q2", t0.Add(time.Second))

	for _, c := range []*ClusterRow{
		{ID: "k1", ContestID: "c1", Centroid: []float32{1, 0}, CanonicalID: "q1", Members: []string{"q1"}, CreatedAt: t0},
		{ID: "k2", ContestID: "c1", Centroid: []float32{0, 1}, CanonicalID: "q2", Members: []string{"q2"}, CreatedAt: t0.Add(time.Second)},
	} {
		if err := s.SaveCluster(c, nil); err != nil {
			t.Fatalf("save %s: %v", c.ID, err)
		}
	}

	merged := &ClusterRow{ID: "k1", ContestID: "c1", Centroid: []float32{0.5, 0.5}, CanonicalID: "q1", Members: []string{"q1", "q2"}, CreatedAt: t0}
	if err := s.SaveCluster(merged, []string{"k2"}); err != nil {
		t.Fatalf("save merged: %v", err)
	}

	clusters, err := s.ListClusters("c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("clusters = %d, want 1", len(clusters))
	}
	if got := clusters[0].Members; len(got) != 2 || got[0] != "q1" || got[1] != "q2" {
		t.Errorf("members = %v", got)
	}
	q2, _ := s.GetQuestion("q2")
	if q2.ClusterID != "k1" || q2.Canonical {
		t.Errorf("q2 cluster=%s canonical=%v", q2.ClusterID, q2.Canonical)
	}
}

// --- Votes ---

func TestVoteTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	s.OpenContest("c1", t0)
	seedQuestion(t, s, "c1", "q1", t0)

	err := s.WithVoteTx(func(tx *VoteTx) error {
		if err := tx.PutVote(&Vote{VoterID: "v1", QuestionID: "q1", ContestID: "c1", Value: 1, Weight: 1, CastAt: t0, LogicalTS: 1, RequestKey: "k1"}); err != nil {
			return err
		}
		// value 5 violates the check constraint
		return tx.PutVote(&Vote{VoterID: "v2", QuestionID: "q1", ContestID: "c1", Value: 5, Weight: 1, CastAt: t0, LogicalTS: 1, RequestKey: "k2"})
	})
	if err == nil {
		t.Fatal("expected constraint error")
	}
	got, err := s.GetVote("v1", "q1")
	if err != nil {
		t.Fatalf("get vote: %v", err)
	}
	if got != nil {
		t.Errorf("first write should have rolled back, got %+v", got)
	}
}

func TestPutVoteKeepsWeight(t *testing.T) {
	s := openTestStore(t)
	s.OpenContest("c1", t0)
	seedQuestion(t, s, "c1", "q1", t0)

	put := func(value int, ts int64) {
		t.Helper()
		err := s.WithVoteTx(func(tx *VoteTx) error {
			return tx.PutVote(&Vote{VoterID: "v1", QuestionID: "q1", ContestID: "c1", Value: value, Weight: 1, CastAt: t0, LogicalTS: ts, RequestKey: "k"})
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	put(1, 1)
	if _, err := s.CapVoteWeights("c1", []string{"v1"}, t0, 0.2); err != nil {
		t.Fatalf("cap: %v", err)
	}
	put(-1, 2)

	got, _ := s.GetVote("v1", "q1")
	if got.Value != -1 {
		t.Errorf("value = %d, want -1", got.Value)
	}
	if got.Weight != 0.2 {
		t.Errorf("weight = %v, want 0.2 preserved", got.Weight)
	}
}

func TestCapVoteWeightsOnlyLowers(t *testing.T) {
	s := openTestStore(t)
	s.OpenContest("c1", t0)
	seedQuestion(t, s, "c1", "q1", t0)
	seedQuestion(t, s, "c1", "q2", t0)

	s.WithVoteTx(func(tx *VoteTx) error {
		tx.PutVote(&Vote{VoterID: "v1", QuestionID: "q1", ContestID: "c1", Value: 1, Weight: 0.1, CastAt: t0, LogicalTS: 1, RequestKey: "a"})
		return tx.PutVote(&Vote{VoterID: "v1", QuestionID: "q2", ContestID: "c1", Value: 1, Weight: 1, CastAt: t0, LogicalTS: 2, RequestKey: "b"})
	})

	changes, err := s.CapVoteWeights("c1", []string{"v1"}, t0, 0.5)
	if err != nil {
		t.Fatalf("cap: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	if changes[0].Vote.QuestionID != "q2" || changes[0].OldWeight != 1 || changes[0].Vote.Weight != 0.5 {
		t.Errorf("change = %+v", changes[0])
	}
	q1, _ := s.GetVote("v1", "q1")
	if q1.Weight != 0.1 {
		t.Errorf("q1 weight = %v, want 0.1 untouched", q1.Weight)
	}

	restored, err := s.SetVoteWeights("c1", []string{"v1"}, 1)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(restored) != 2 {
		t.Errorf("restored = %d, want 2", len(restored))
	}
}

func TestVoteRequestRecorded(t *testing.T) {
	s := openTestStore(t)
	err := s.WithVoteTx(func(tx *VoteTx) error {
		got, err := tx.Request("key-1")
		if err != nil || got != nil {
			t.Fatalf("request before record = %+v, %v", got, err)
		}
		return tx.RecordRequest(&VoteRequest{Key: "key-1", VoterID: "v1", QuestionID: "q1", Value: 1, LogicalTS: 7, Outcome: "applied", CreatedAt: t0})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	s.WithVoteTx(func(tx *VoteTx) error {
		got, err := tx.Request("key-1")
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if got == nil || got.Outcome != "applied" || got.LogicalTS != 7 {
			t.Errorf("request = %+v", got)
		}
		return nil
	})
}

// --- Moderation ---

func TestModerationItemLifecycle(t *testing.T) {
	s := openTestStore(t)
	it := &ModerationItem{ID: "m1", Kind: "duplicate_review", ContestID: "c1", SubjectID: "q2", Severity: 0.8, CreatedAt: t0}
	if err := s.CreateModerationItem(it); err != nil {
		t.Fatalf("create: %v", err)
	}
	open, err := s.ListModerationItems(ItemOpen)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].Payload != "{}" {
		t.Fatalf("open = %+v", open)
	}
	if err := s.ResolveModerationItem("m1", "approve", t0.Add(time.Minute)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.ResolveModerationItem("m1", "reject", t0); err == nil {
		t.Error("second resolve should fail")
	}
	got, _ := s.GetModerationItem("m1")
	if got.Status != ItemResolved || got.Decision != "approve" || got.ResolvedAt == nil {
		t.Errorf("item = %+v", got)
	}
}

// --- Voters, flags, snapshots ---

func TestVoterTenureSurvivesUpsert(t *testing.T) {
	s := openTestStore(t)
	s.UpsertVoter(&Voter{ID: "v1", CreatedAt: t0})
	verified := t0.Add(time.Hour)
	s.UpsertVoter(&Voter{ID: "v1", Verified: true, VerifiedAt: &verified, CreatedAt: t0.Add(48 * time.Hour)})

	got, err := s.GetVoter("v1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, t0)
	}
	if !got.Verified || got.VerifiedAt == nil || !got.VerifiedAt.Equal(verified) {
		t.Errorf("verification = %v %v", got.Verified, got.VerifiedAt)
	}
}

func TestRecordFlags(t *testing.T) {
	s := openTestStore(t)
	err := s.RecordFlags([]Flag{
		{ContestID: "c1", VoterID: "v1", Signal: "velocity", Weight: 0.2, Severity: 0.6, CreatedAt: t0},
		{ContestID: "c1", VoterID: "v2", Signal: "cohort", Weight: 0.2, Severity: 0.9, CreatedAt: t0},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	flags, err := s.ListFlags("c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(flags) != 2 || flags[1].Signal != "cohort" {
		t.Errorf("flags = %+v", flags)
	}
}

func TestLatestTopSet(t *testing.T) {
	s := openTestStore(t)
	if got, _ := s.LatestTopSet("c1"); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
	s.SaveTopSet(&TopSetRecord{ID: "a", ContestID: "c1", GeneratedAt: t0, Body: []byte(`{"n":1}`)})
	s.SaveTopSet(&TopSetRecord{ID: "b", ContestID: "c1", GeneratedAt: t0.Add(time.Second), Body: []byte(`{"n":2}`)})
	got, err := s.LatestTopSet("c1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.ID != "b" || string(got.Body) != `{"n":2}` {
		t.Errorf("latest = %s %s", got.ID, got.Body)
	}
}
