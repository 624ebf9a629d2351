package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/civicq/askrank/internal/config"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.AnomalyConfig {
	return config.Default().Anomaly
}

func vote(voter, question string, at time.Time) Vote {
	return Vote{ContestID: "c1", VoterID: voter, QuestionID: question, Value: 1, CastAt: at}
}

func TestVelocityFlagsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.VelocityBurst = 3
	cfg.VelocityPerMinute = 1
	d := NewDetector(cfg)

	var findings []Finding
	var last Verdict
	for i := 0; i < 6; i++ {
		last = d.Observe(vote("v1", fmt.Sprintf("q%d", i), t0.Add(time.Duration(i)*100*time.Millisecond)), nil)
		findings = append(findings, last.Findings...)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %+v, want one velocity finding", findings)
	}
	if findings[0].Signal != Velocity || findings[0].Escalate {
		t.Errorf("finding = %+v", findings[0])
	}
	if last.Weight != cfg.SuspiciousWeight {
		t.Errorf("weight = %v, want %v", last.Weight, cfg.SuspiciousWeight)
	}
	if got := d.Cap("c1", "v2"); got != 1 {
		t.Errorf("unrelated voter cap = %v", got)
	}
}

func TestVelocityRecoversAfterPause(t *testing.T) {
	cfg := testConfig()
	cfg.VelocityBurst = 2
	cfg.VelocityPerMinute = 60
	d := NewDetector(cfg)
	d.Observe(vote("v1", "q1", t0), nil)
	d.Observe(vote("v1", "q2", t0), nil)
	v := d.Observe(vote("v1", "q3", t0.Add(5*time.Second)), nil)
	if len(v.Findings) != 0 || v.Weight != 1 {
		t.Errorf("verdict = %+v, want clean", v)
	}
}

func TestDeviceCohort(t *testing.T) {
	d := NewDetector(testConfig()) // 5 accounts, 20 votes, 10s window
	var findings []Finding
	for i := 0; i < 50; i++ {
		v := vote(fmt.Sprintf("v%d", i%10), fmt.Sprintf("q%d", i/10), t0.Add(time.Duration(i)*60*time.Millisecond))
		v.Fingerprint = "fp-1"
		findings = append(findings, d.Observe(v, nil).Findings...)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	f := findings[0]
	if f.Signal != DeviceCohort || len(f.Voters) != 10 || !f.Escalate {
		t.Errorf("finding = %+v", f)
	}
	if !f.Since.Equal(t0) {
		t.Errorf("since = %v, want %v", f.Since, t0)
	}
	for i := 0; i < 10; i++ {
		if got := d.Cap("c1", fmt.Sprintf("v%d", i)); got != 0.2 {
			t.Errorf("v%d cap = %v", i, got)
		}
	}
}

func TestDeviceCohortOutsideWindow(t *testing.T) {
	d := NewDetector(testConfig())
	for i := 0; i < 50; i++ {
		v := vote(fmt.Sprintf("v%d", i%10), fmt.Sprintf("q%d", i), t0.Add(time.Duration(i)*time.Minute))
		v.Fingerprint = "fp-1"
		if got := d.Observe(v, nil); len(got.Findings) != 0 {
			t.Fatalf("vote %d flagged: %+v", i, got.Findings)
		}
	}
}

func TestGrowingCohortEscalatesOnce(t *testing.T) {
	d := NewDetector(testConfig())
	var escalations, findings int
	// one account at a time, so the cohort is found at 5 accounts and grows
	for i := 0; i < 40; i++ {
		v := vote(fmt.Sprintf("v%d", i/5), fmt.Sprintf("q%d", i%5), t0.Add(time.Duration(i)*100*time.Millisecond))
		v.Fingerprint = "fp-1"
		for _, f := range d.Observe(v, nil).Findings {
			findings++
			if f.Escalate {
				escalations++
			}
		}
	}
	if escalations != 1 {
		t.Errorf("escalations = %d, want 1", escalations)
	}
	if findings < 2 {
		t.Errorf("findings = %d, want the cohort reported again as it grew", findings)
	}
}

func TestNewAccountWeight(t *testing.T) {
	cfg := testConfig()
	d := NewDetector(cfg)
	v := d.Observe(vote("v1", "q1", t0), &Account{CreatedAt: t0.Add(-time.Hour)})
	if v.Weight != cfg.NewAccountWeight {
		t.Errorf("weight = %v, want %v", v.Weight, cfg.NewAccountWeight)
	}
	if len(v.Findings) != 1 || v.Findings[0].Escalate {
		t.Errorf("findings = %+v", v.Findings)
	}

	old := d.Observe(vote("v2", "q1", t0), &Account{CreatedAt: t0.Add(-30 * 24 * time.Hour)})
	if old.Weight != 1 {
		t.Errorf("established account weight = %v", old.Weight)
	}

	stale := t0.Add(-2 * 365 * 24 * time.Hour)
	s := d.Observe(vote("v3", "q1", t0), &Account{CreatedAt: stale, VerifiedAt: &stale})
	if s.Weight != cfg.NewAccountWeight {
		t.Errorf("stale verification weight = %v", s.Weight)
	}
}

func TestCapsOnlyGoDown(t *testing.T) {
	cfg := testConfig()
	cfg.VelocityBurst = 1
	cfg.VelocityPerMinute = 1
	d := NewDetector(cfg)
	d.Observe(vote("v1", "q1", t0), nil)
	d.Observe(vote("v1", "q2", t0), nil) // velocity: 0.2
	v := d.Observe(vote("v1", "q3", t0), &Account{CreatedAt: t0})
	// new-account weight 0.5 must not lift the 0.2 cap
	if v.Weight != 0.2 {
		t.Errorf("weight = %v, want 0.2", v.Weight)
	}
}

func TestWeightNeverZeroWithoutModeration(t *testing.T) {
	cfg := testConfig()
	cfg.SuspiciousWeight = cfg.MinWeight
	cfg.NewAccountWeight = cfg.MinWeight
	cfg.VelocityBurst = 1
	d := NewDetector(cfg)
	for i := 0; i < 30; i++ {
		v := vote(fmt.Sprintf("v%d", i%6), fmt.Sprintf("q%d", i), t0)
		v.Fingerprint = "fp"
		got := d.Observe(v, &Account{CreatedAt: t0})
		if got.Weight <= 0 {
			t.Fatalf("vote %d weight = %v", i, got.Weight)
		}
	}
	d.Moderate("c1", []string{"v1"}, 0)
	if got := d.Cap("c1", "v1"); got != 0 {
		t.Errorf("rejected cap = %v, want 0", got)
	}
	d.Moderate("c1", []string{"v2"}, 1)
	if got := d.Cap("c1", "v2"); got != 1 {
		t.Errorf("approved cap = %v, want 1", got)
	}
	if got := d.Unmoderated("c1", []string{"v1", "v2", "v3"}); len(got) != 1 || got[0] != "v3" {
		t.Errorf("unmoderated = %v", got)
	}
}

func TestJaccardSweep(t *testing.T) {
	d := NewDetector(testConfig()) // jaccard 0.8, 5 votes, 5 accounts
	ring := []string{"r1", "r2", "r3", "r4", "r5"}
	for _, v := range ring {
		for q := 0; q < 6; q++ {
			d.Observe(vote(v, fmt.Sprintf("q%d", q), t0.Add(time.Duration(q)*time.Hour)), nil)
		}
	}
	// an honest voter with a different ballot
	for q := 3; q < 9; q++ {
		d.Observe(vote("h1", fmt.Sprintf("q%d", q), t0), nil)
	}

	findings := d.Sweep("c1")
	if len(findings) != 1 {
		t.Fatalf("findings = %+v", findings)
	}
	f := findings[0]
	if f.Signal != VoteSetRing || fmt.Sprint(f.Voters) != fmt.Sprint(ring) || !f.Escalate {
		t.Errorf("finding = %+v", f)
	}
	if got := d.Cap("c1", "h1"); got != 1 {
		t.Errorf("honest voter cap = %v", got)
	}
	if again := d.Sweep("c1"); len(again) != 0 {
		t.Errorf("second sweep = %+v, want nothing new", again)
	}
}

func TestJaccardBelowCohortSize(t *testing.T) {
	d := NewDetector(testConfig())
	for _, v := range []string{"a", "b", "c", "d"} {
		for q := 0; q < 6; q++ {
			d.Observe(vote(v, fmt.Sprintf("q%d", q), t0.Add(time.Duration(q)*time.Hour)), nil)
		}
	}
	if got := d.Sweep("c1"); len(got) != 0 {
		t.Errorf("findings = %+v, want none for 4 accounts", got)
	}
}

func TestRetractLeavesBallot(t *testing.T) {
	d := NewDetector(testConfig())
	d.Observe(vote("v1", "q1", t0), nil)
	r := vote("v1", "q1", t0.Add(time.Hour))
	r.Value = 0
	d.Observe(r, nil)
	if n := len(d.contests["c1"].ballots["v1"]); n != 0 {
		t.Errorf("ballot size = %d, want 0", n)
	}
}

func TestJaccard(t *testing.T) {
	a := map[string]bool{"1": true, "2": true, "3": true}
	b := map[string]bool{"2": true, "3": true, "4": true}
	if got := jaccard(a, b); got != 0.5 {
		t.Errorf("jaccard = %v, want 0.5", got)
	}
}
