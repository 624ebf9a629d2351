// Package anomaly spots suspicious voting and lowers the weight of the
// affected votes. It never deletes a vote and never raises a weight; only a
// moderation decision can do that.
package anomaly

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/civicq/askrank/internal/config"
	"golang.org/x/time/rate"
)

// Signal names the rule that produced a finding.
type Signal string

const (
	Velocity     Signal = "velocity"
	DeviceCohort Signal = "device_cohort"
	VoteSetRing  Signal = "vote_set_similarity"
	NewAccount   Signal = "new_account"
)

// Vote is the part of a ledger event the detector looks at.
type Vote struct {
	ContestID   string
	VoterID     string
	QuestionID  string
	Value       int
	Fingerprint string
	CastAt      time.Time
}

// Account is what the directory knows about a voter. A nil account skips the
// tenure checks.
type Account struct {
	CreatedAt  time.Time
	VerifiedAt *time.Time
}

// Finding is a group of voters whose votes in a contest, cast at or after
// Since, should weigh at most Weight.
type Finding struct {
	ContestID string
	Signal    Signal
	Subject   string   // what the voters share: a voter, a device, a ring
	Voters    []string // sorted
	Weight    float64
	Severity  float64
	Since     time.Time
	Escalate  bool
}

// Key identifies the subject of a finding without exposing it.
func (f Finding) Key() string {
	h := sha256.Sum256([]byte(f.Subject))
	return string(f.Signal) + ":" + hex.EncodeToString(h[:6])
}

// Verdict is the detector's answer for one vote.
type Verdict struct {
	// Weight caps this vote. 1 means unaffected.
	Weight   float64
	Findings []Finding
}

type sample struct {
	voter string
	at    time.Time
}

type contestState struct {
	limiters  map[string]*rate.Limiter
	devices   map[string][]sample // fingerprint -> recent votes
	ballots   map[string]map[string]bool
	caps      map[string]float64 // voter -> current weight cap
	moderated map[string]float64 // voter -> weight set by a moderator
	reported  map[string]int     // finding key -> voters already reported
}

func newContestState() *contestState {
	return &contestState{
		limiters:  make(map[string]*rate.Limiter),
		devices:   make(map[string][]sample),
		ballots:   make(map[string]map[string]bool),
		caps:      make(map[string]float64),
		moderated: make(map[string]float64),
		reported:  make(map[string]int),
	}
}

// Detector keeps per-contest signal state. It is safe for concurrent use.
type Detector struct {
	mu       sync.Mutex
	cfg      config.AnomalyConfig
	contests map[string]*contestState
}

func NewDetector(cfg config.AnomalyConfig) *Detector {
	return &Detector{cfg: cfg, contests: make(map[string]*contestState)}
}

// SetConfig swaps the thresholds. Existing rate limiters keep their state
// and pick up the new limits.
func (d *Detector) SetConfig(cfg config.AnomalyConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	for _, st := range d.contests {
		for _, lim := range st.limiters {
			lim.SetLimit(d.perSecond())
			lim.SetBurst(cfg.VelocityBurst)
		}
	}
}

func (d *Detector) perSecond() rate.Limit {
	return rate.Limit(d.cfg.VelocityPerMinute / 60)
}

func (d *Detector) state(contestID string) *contestState {
	st, ok := d.contests[contestID]
	if !ok {
		st = newContestState()
		d.contests[contestID] = st
	}
	return st
}

// Forget drops all state of a retired contest.
func (d *Detector) Forget(contestID string) {
	d.mu.Lock()
	delete(d.contests, contestID)
	d.mu.Unlock()
}

// Contests lists the contests with state, sorted.
func (d *Detector) Contests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.contests))
	for id := range d.contests {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Observe evaluates the per-vote signals for v: velocity, shared device and
// account tenure. It returns new findings and the cap that applies to v.
func (d *Detector) Observe(v Vote, acct *Account) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(v.ContestID)

	d.trackBallot(st, v)

	var findings []Finding
	if f, ok := d.velocity(st, v); ok {
		findings = append(findings, f)
	}
	if f, ok := d.cohort(st, v); ok {
		findings = append(findings, f)
	}
	if f, ok := d.tenure(st, v, acct); ok {
		findings = append(findings, f)
	}

	var kept []Finding
	for _, f := range findings {
		if f, ok := d.report(st, f); ok {
			kept = append(kept, f)
		}
	}
	return Verdict{Weight: d.effective(st, v.VoterID), Findings: kept}
}

// report lowers the caps of f's voters and decides whether f is news. A
// subject is reported again only when more voters join it, and is escalated
// at most once.
func (d *Detector) report(st *contestState, f Finding) (Finding, bool) {
	d.lower(st, f)
	key := f.Key()
	prev := st.reported[key]
	if len(f.Voters) <= prev {
		return f, false
	}
	st.reported[key] = len(f.Voters)
	if prev > 0 {
		f.Escalate = false
	}
	return f, true
}

func (d *Detector) trackBallot(st *contestState, v Vote) {
	set := st.ballots[v.VoterID]
	if v.Value == 0 {
		if set != nil {
			delete(set, v.QuestionID)
		}
		return
	}
	if set == nil {
		set = make(map[string]bool)
		st.ballots[v.VoterID] = set
	}
	set[v.QuestionID] = true
}

// A single fast account is weak evidence on its own.
const velocitySeverity = 0.3

func (d *Detector) velocity(st *contestState, v Vote) (Finding, bool) {
	lim, ok := st.limiters[v.VoterID]
	if !ok {
		lim = rate.NewLimiter(d.perSecond(), d.cfg.VelocityBurst)
		st.limiters[v.VoterID] = lim
	}
	if lim.AllowN(v.CastAt, 1) {
		return Finding{}, false
	}
	return Finding{
		ContestID: v.ContestID,
		Signal:    Velocity,
		Subject:   v.VoterID,
		Voters:    []string{v.VoterID},
		Weight:    d.cfg.SuspiciousWeight,
		Severity:  velocitySeverity,
		Since:     v.CastAt,
		Escalate:  velocitySeverity >= d.cfg.EscalationSeverity,
	}, true
}

func (d *Detector) cohort(st *contestState, v Vote) (Finding, bool) {
	if v.Fingerprint == "" {
		return Finding{}, false
	}
	cutoff := v.CastAt.Add(-d.cfg.CohortWindow)
	window := st.devices[v.Fingerprint][:0]
	for _, s := range st.devices[v.Fingerprint] {
		if !s.at.Before(cutoff) {
			window = append(window, s)
		}
	}
	window = append(window, sample{voter: v.VoterID, at: v.CastAt})
	st.devices[v.Fingerprint] = window

	voters := make(map[string]bool)
	since := v.CastAt
	for _, s := range window {
		voters[s.voter] = true
		if s.at.Before(since) {
			since = s.at
		}
	}
	if len(voters) < d.cfg.CohortMinAccounts || len(window) < d.cfg.CohortMinVotes {
		return Finding{}, false
	}
	sev := d.severity(len(voters))
	return Finding{
		ContestID: v.ContestID,
		Signal:    DeviceCohort,
		Subject:   v.Fingerprint,
		Voters:    sortedKeys(voters),
		Weight:    d.cfg.SuspiciousWeight,
		Severity:  sev,
		Since:     since,
		Escalate:  sev >= d.cfg.EscalationSeverity,
	}, true
}

func (d *Detector) tenure(st *contestState, v Vote, acct *Account) (Finding, bool) {
	if acct == nil {
		return Finding{}, false
	}
	young := !acct.CreatedAt.IsZero() && v.CastAt.Sub(acct.CreatedAt) < d.cfg.NewAccountTenure
	stale := acct.VerifiedAt != nil && d.cfg.VerificationRecency > 0 &&
		v.CastAt.Sub(*acct.VerifiedAt) > d.cfg.VerificationRecency
	if !young && !stale {
		return Finding{}, false
	}
	return Finding{
		ContestID: v.ContestID,
		Signal:    NewAccount,
		Subject:   v.VoterID,
		Voters:    []string{v.VoterID},
		Weight:    d.cfg.NewAccountWeight,
		Since:     v.CastAt,
	}, true
}

// LoadBallots replaces a contest's vote sets with the given ledger rows, so
// the sweep sees votes cast before a restart or dropped from the queue.
// Retracted votes (value 0) are not part of a ballot.
func (d *Detector) LoadBallots(contestID string, votes []Vote) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(contestID)
	st.ballots = make(map[string]map[string]bool)
	for _, v := range votes {
		d.trackBallot(st, v)
	}
}

// Sweep runs the vote-set similarity check over a contest: voters whose sets
// of voted questions overlap by at least the Jaccard threshold are joined
// into cohorts, and cohorts of at least CohortMinAccounts are flagged.
func (d *Detector) Sweep(contestID string) []Finding {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.contests[contestID]
	if !ok {
		return nil
	}

	var voters []string
	for id, set := range st.ballots {
		if len(set) >= d.cfg.JaccardMinVotes {
			voters = append(voters, id)
		}
	}
	sort.Strings(voters)

	uf := newUnionFind(len(voters))
	for i := 0; i < len(voters); i++ {
		for j := i + 1; j < len(voters); j++ {
			if jaccard(st.ballots[voters[i]], st.ballots[voters[j]]) >= d.cfg.JaccardThreshold {
				uf.union(i, j)
			}
		}
	}

	groups := make(map[int][]string)
	for i, id := range voters {
		root := uf.find(i)
		groups[root] = append(groups[root], id)
	}
	var out []Finding
	for _, members := range groups {
		if len(members) < d.cfg.CohortMinAccounts {
			continue
		}
		sort.Strings(members)
		sev := d.severity(len(members))
		f := Finding{
			ContestID: contestID,
			Signal:    VoteSetRing,
			Subject:   strings.Join(members, "\x00"),
			Voters:    members,
			Weight:    d.cfg.SuspiciousWeight,
			Severity:  sev,
			Escalate:  sev >= d.cfg.EscalationSeverity,
		}
		if f, ok := d.report(st, f); ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Voters[0] < out[j].Voters[0] })
	return out
}

// Moderate records a moderator's weight for voters, overriding every
// automatic cap, including the floor. 1 clears suspicion; 0 voids the votes.
func (d *Detector) Moderate(contestID string, voters []string, weight float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(contestID)
	for _, v := range voters {
		st.moderated[v] = weight
		delete(st.caps, v)
	}
}

// Cap returns the weight cap currently applied to a voter's new votes.
func (d *Detector) Cap(contestID, voterID string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.contests[contestID]
	if !ok {
		return 1
	}
	return d.effective(st, voterID)
}

// floor clamps an automatic weight to MinWeight.
func (d *Detector) floor(w float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return math.Max(w, d.cfg.MinWeight)
}

// Unmoderated filters out voters whose weight a moderator has set.
func (d *Detector) Unmoderated(contestID string, voters []string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.contests[contestID]
	if !ok {
		return voters
	}
	out := make([]string, 0, len(voters))
	for _, v := range voters {
		if _, ok := st.moderated[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// lower applies a finding's weight to its voters. Caps only go down and never
// below MinWeight.
func (d *Detector) lower(st *contestState, f Finding) {
	w := math.Max(f.Weight, d.cfg.MinWeight)
	for _, v := range f.Voters {
		if _, ok := st.moderated[v]; ok {
			continue
		}
		if cur, ok := st.caps[v]; !ok || w < cur {
			st.caps[v] = w
		}
	}
}

func (d *Detector) effective(st *contestState, voter string) float64 {
	if w, ok := st.moderated[voter]; ok {
		return w
	}
	if w, ok := st.caps[voter]; ok {
		return w
	}
	return 1
}

// severity grows with cohort size: a cohort twice the minimum is certain.
func (d *Detector) severity(accounts int) float64 {
	min := d.cfg.CohortMinAccounts
	if min <= 0 {
		return 1
	}
	return math.Min(1, float64(accounts)/float64(2*min))
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for q := range a {
		if b[q] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
