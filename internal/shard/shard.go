// Package shard owns the mutable ranking state of one contest. Every change
// to a contest's clusters, scores and question pool runs on the shard's own
// goroutine; readers only ever see published, immutable Top-Sets.
package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/civicq/askrank/internal/cluster"
	"github.com/civicq/askrank/internal/config"
	"github.com/civicq/askrank/internal/ledger"
	"github.com/civicq/askrank/internal/logger"
	"github.com/civicq/askrank/internal/metrics"
	"github.com/civicq/askrank/internal/portfolio"
	"github.com/civicq/askrank/internal/score"
	"github.com/civicq/askrank/internal/store"
	"github.com/google/uuid"
)

var (
	ErrStopped         = errors.New("contest shard stopped")
	ErrBusy            = errors.New("consolidation already running for contest")
	ErrUnknownQuestion = errors.New("question not in contest pool")
)

// Options configure a shard.
type Options struct {
	Thresholds cluster.Thresholds
	HalfLife   time.Duration
	Policy     portfolio.Policy
	Debounce   time.Duration
	InboxSize  int
	Now        func() time.Time
	NewID      func() string
	Log        *slog.Logger
}

// OptionsFrom builds shard options from a validated configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Thresholds: cluster.Thresholds{Merge: cfg.Cluster.MergeThreshold, Review: cfg.Cluster.ReviewThreshold},
		HalfLife:   cfg.Score.HalfLife,
		Policy:     portfolio.PolicyFrom(cfg.Portfolio),
		Debounce:   cfg.Queue.Debounce,
		InboxSize:  cfg.Queue.InboxSize,
	}
}

func (o Options) withDefaults() Options {
	if o.InboxSize <= 0 {
		o.InboxSize = 1024
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	o.Log = logger.Or(o.Log)
	return o
}

// question is the shard's view of a pool member.
type question struct {
	id        string
	tag       string
	status    store.QuestionStatus
	createdAt time.Time
}

// seen is a ledger row as of the last rebuild.
type seen struct {
	ts     int64
	weight float64
}

// Shard serializes all ranking mutations of one contest.
type Shard struct {
	contestID string
	store     *store.Store
	opts      Options
	log       *slog.Logger

	inbox chan func()
	done  chan struct{}

	current       atomic.Pointer[portfolio.TopSet]
	consolidating sync.Mutex

	subMu sync.Mutex
	subs  map[chan *portfolio.TopSet]struct{}

	// Owned by the Run goroutine.
	index   *cluster.Index
	board   *score.Board
	pool    map[string]*question
	rebuilt map[string]seen
	dirty   bool
}

// New returns a shard for contestID. Call Load before Run.
func New(contestID string, s *store.Store, opts Options) *Shard {
	opts = opts.withDefaults()
	return &Shard{
		contestID: contestID,
		store:     s,
		opts:      opts,
		log:       opts.Log.With("contest", contestID),
		inbox:     make(chan func(), opts.InboxSize),
		done:      make(chan struct{}),
		subs:      make(map[chan *portfolio.TopSet]struct{}),
		index:     cluster.NewIndex(contestID, opts.Thresholds, opts.NewID),
		pool:      make(map[string]*question),
	}
}

func (s *Shard) ContestID() string { return s.contestID }

// Load rebuilds the shard's state from the store. It must run before Run;
// events queued meanwhile are reconciled against the rebuilt ledger state.
func (s *Shard) Load() error {
	contest, err := s.store.GetContest(s.contestID)
	if err != nil {
		return fmt.Errorf("load contest: %w", err)
	}
	if contest == nil {
		return fmt.Errorf("load contest %s: not found", s.contestID)
	}
	s.board = score.NewBoard(s.opts.HalfLife, contest.OpenedAt)

	qs, err := s.store.ListQuestionsByContest(s.contestID)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	vecs := make(map[string][]float32)
	for _, q := range qs {
		if q.Status == store.StatusRetired {
			continue
		}
		s.pool[q.ID] = newQuestion(q)
		s.board.Track(q.ID)
		vecs[q.ID] = q.Embedding
	}

	rows, err := s.store.ListClusters(s.contestID)
	if err != nil {
		return fmt.Errorf("load clusters: %w", err)
	}
	for _, r := range rows {
		var members []cluster.Member
		for _, qid := range r.Members {
			if q, ok := s.pool[qid]; ok {
				members = append(members, cluster.Member{QuestionID: qid, ContestID: s.contestID, CreatedAt: q.createdAt, Vec: vecs[qid]})
			}
		}
		if len(members) == 0 {
			continue
		}
		if err := s.index.Restore(r.ID, r.CreatedAt, members); err != nil {
			return err
		}
	}
	// Questions accepted but never placed, e.g. after a crash mid-submission.
	for _, q := range qs {
		if _, ok := s.pool[q.ID]; !ok {
			continue
		}
		if _, ok := s.index.ClusterOf(q.ID); !ok {
			if _, err := s.assign(q); err != nil {
				return fmt.Errorf("place question %s: %w", q.ID, err)
			}
		}
	}

	if err := s.rebuild(); err != nil {
		return err
	}
	rec, err := s.store.LatestTopSet(s.contestID)
	if err != nil {
		return fmt.Errorf("load topset: %w", err)
	}
	if rec != nil {
		var ts portfolio.TopSet
		if err := json.Unmarshal(rec.Body, &ts); err != nil {
			s.log.Warn("stored topset unreadable", "id", rec.ID, "error", err)
		} else {
			s.current.Store(&ts)
		}
	}
	s.dirty = true
	s.log.Info("shard loaded", "questions", len(s.pool), "clusters", s.index.Len())
	return nil
}

func newQuestion(q *store.Question) *question {
	return &question{id: q.ID, tag: q.PrimaryTag(), status: q.Status, createdAt: q.CreatedAt}
}

// Run processes the inbox until ctx is done. A dirty shard publishes a new
// Top-Set once the debounce window after the first change has passed.
func (s *Shard) Run(ctx context.Context) error {
	defer close(s.done)
	defer metrics.ShardQueueDepth.DeleteLabelValues(s.contestID)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if s.dirty && fire == nil {
			if s.opts.Debounce <= 0 {
				s.publish()
			} else {
				timer = time.NewTimer(s.opts.Debounce)
				fire = timer.C
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.inbox:
			metrics.ShardQueueDepth.WithLabelValues(s.contestID).Set(float64(len(s.inbox)))
			fn()
		case <-fire:
			fire = nil
			if s.dirty {
				s.publish()
			}
		}
	}
}

func (s *Shard) send(ctx context.Context, fn func()) error {
	// select picks at random among ready cases, so a done ctx must win
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// call runs fn on the shard goroutine and waits for its result.
func (s *Shard) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if err := s.send(ctx, func() { errc <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// Done is closed once Run has returned.
func (s *Shard) Done() <-chan struct{} { return s.done }

// TopSet returns the latest published snapshot, or nil before the first.
func (s *Shard) TopSet() *portfolio.TopSet { return s.current.Load() }

// Subscribe returns a channel that receives every new snapshot, starting
// with the current one. A slow reader only misses intermediate snapshots.
func (s *Shard) Subscribe() (<-chan *portfolio.TopSet, func()) {
	ch := make(chan *portfolio.TopSet, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	if ts := s.current.Load(); ts != nil {
		ch <- ts
	}
	s.subMu.Unlock()
	metrics.StreamSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			close(ch)
			s.subMu.Unlock()
			metrics.StreamSubscribers.Dec()
		})
	}
}

func (s *Shard) broadcast(ts *portfolio.TopSet) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ts:
			continue
		default:
		}
		// replace the snapshot the reader has not picked up yet
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ts:
		default:
		}
	}
}

// publish runs the allocator over the current pool and makes the result the
// served snapshot.
func (s *Shard) publish() {
	start := time.Now()
	now := s.opts.Now()
	ts := portfolio.Build(s.opts.NewID(), s.contestID, now, s.opts.Policy, s.candidates(now))
	s.dirty = false
	s.current.Store(ts)
	metrics.AllocatorRuns.Inc()
	metrics.AllocatorLatency.Observe(time.Since(start).Seconds())

	body, err := json.Marshal(ts)
	if err != nil {
		s.log.Error("encode topset", "error", err)
	} else if err := s.store.SaveTopSet(&store.TopSetRecord{
		ID: ts.ID, ContestID: s.contestID, GeneratedAt: ts.GeneratedAt, Body: body,
	}); err != nil {
		s.log.Error("persist topset", "id", ts.ID, "error", err)
	}
	s.broadcast(ts)
	s.log.Debug("topset published", "id", ts.ID, "entries", len(ts.Entries))
}

// candidates returns one candidate per cluster with a rankable member: its
// lead question scored with the sum over all members.
func (s *Shard) candidates(now time.Time) []portfolio.Candidate {
	var out []portfolio.Candidate
	for _, c := range s.index.Clusters() {
		canon := s.lead(c)
		if canon == nil {
			continue
		}
		out = append(out, portfolio.Candidate{
			QuestionID: canon.id,
			ClusterID:  c.ID,
			Tag:        canon.tag,
			Score:      s.board.Sum(c.MemberIDs(), now),
			CreatedAt:  canon.createdAt,
		})
	}
	return out
}

// eligible reports whether a canonical question in this status may be
// ranked. A merged question can be canonical once the question it merged
// under has been retired.
func eligible(st store.QuestionStatus) bool {
	return st == store.StatusActive || st == store.StatusMerged
}

// lead returns the first member in tie-break order that may be ranked. A
// pending or draft question never fronts a cluster, however early it was
// submitted.
func (s *Shard) lead(c *cluster.Cluster) *question {
	for _, m := range c.Members {
		if q := s.pool[m.QuestionID]; q != nil && eligible(q.status) {
			return q
		}
	}
	return nil
}

// canonicalID is the lead's id, or the tie-break canonical while no member
// may be ranked yet.
func (s *Shard) canonicalID(c *cluster.Cluster) string {
	if q := s.lead(c); q != nil {
		return q.id
	}
	return c.CanonicalID()
}

// rebuild recomputes every score from the ledger and remembers the rows it
// saw, so events already contained in them are not applied twice.
func (s *Shard) rebuild() error {
	votes, err := s.store.ListVotesByContest(s.contestID)
	if err != nil {
		return fmt.Errorf("load votes: %w", err)
	}
	entries := make([]score.Entry, 0, len(votes))
	s.rebuilt = make(map[string]seen, len(votes))
	for _, v := range votes {
		entries = append(entries, score.Entry{
			QuestionID:   v.QuestionID,
			Contribution: score.Contribution{Value: v.Value, Weight: v.Weight, CastAt: v.CastAt},
		})
		s.rebuilt[voteKey(v.VoterID, v.QuestionID)] = seen{ts: v.LogicalTS, weight: v.Weight}
	}
	s.board.Recompute(s.opts.Now(), entries)
	s.dirty = true
	return nil
}

func voteKey(voter, question string) string { return voter + "\x00" + question }

// persist writes a cluster and its membership, drops the absorbed clusters'
// rows, and settles member statuses.
func (s *Shard) persist(clusterID string, absorbed ...string) error {
	c := s.index.Cluster(clusterID)
	if c == nil {
		return fmt.Errorf("persist cluster %s: %w", clusterID, cluster.ErrUnknown)
	}
	row := &store.ClusterRow{
		ID:          c.ID,
		ContestID:   s.contestID,
		Centroid:    c.Centroid,
		CanonicalID: s.canonicalID(c),
		Members:     c.MemberIDs(),
		CreatedAt:   c.CreatedAt,
	}
	if err := s.store.SaveCluster(row, absorbed); err != nil {
		return err
	}
	return s.settle(c)
}

// settle marks active members other than the lead as merged. Pending
// members stay pending until a moderator activates them, and never count as
// the question the others merge under.
func (s *Shard) settle(c *cluster.Cluster) error {
	lead := s.lead(c)
	if lead == nil {
		return nil
	}
	var errs []error
	for _, m := range c.Members {
		q := s.pool[m.QuestionID]
		if q == nil || q == lead || q.status != store.StatusActive {
			continue
		}
		if err := s.store.UpdateQuestionStatus(q.id, store.StatusMerged, s.opts.Now()); err != nil {
			errs = append(errs, err)
			continue
		}
		q.status = store.StatusMerged
		s.log.Info("question merged", "question", q.id, "cluster", c.ID, "canonical", lead.id)
	}
	return errors.Join(errs...)
}

func (s *Shard) assign(q *store.Question) (cluster.Decision, error) {
	cur, err := s.store.GetQuestion(q.ID)
	if err != nil {
		return cluster.Decision{}, err
	}
	if cur != nil {
		q.Status, q.Tags = cur.Status, cur.Tags
	}
	if q.Status == store.StatusRetired {
		return cluster.Decision{}, fmt.Errorf("assign retired %s: %w", q.ID, ErrUnknownQuestion)
	}
	d, err := s.index.Assign(cluster.Member{
		QuestionID: q.ID, ContestID: q.ContestID, CreatedAt: q.CreatedAt, Vec: q.Embedding,
	})
	if err != nil {
		return d, err
	}
	s.pool[q.ID] = newQuestion(q)
	s.board.Track(q.ID)
	s.dirty = true
	metrics.SubmissionsTotal.WithLabelValues(d.Action.String()).Inc()
	return d, s.persist(d.ClusterID)
}

// Assign places a newly submitted question.
func (s *Shard) Assign(ctx context.Context, q *store.Question) (cluster.Decision, error) {
	var d cluster.Decision
	err := s.call(ctx, func() error {
		var err error
		d, err = s.assign(q)
		return err
	})
	return d, err
}

// Attach hands a deferred question its embedding.
func (s *Shard) Attach(ctx context.Context, questionID string, vec []float32) (cluster.Decision, error) {
	var d cluster.Decision
	err := s.call(ctx, func() error {
		var err error
		d, err = s.index.Attach(questionID, vec)
		if err != nil {
			return err
		}
		s.dirty = true
		metrics.SubmissionsTotal.WithLabelValues(d.Action.String()).Inc()
		if d.Absorbed != "" {
			return s.persist(d.ClusterID, d.Absorbed)
		}
		return s.persist(d.ClusterID)
	})
	return d, err
}

// MergeQuestion folds the cluster holding questionID into clusterID, or the
// other way round if that one is smaller. Used for moderator merge decisions.
func (s *Shard) MergeQuestion(ctx context.Context, questionID, clusterID string) (cluster.MergeResult, error) {
	var res cluster.MergeResult
	err := s.call(ctx, func() error {
		own, ok := s.index.ClusterOf(questionID)
		if !ok {
			return fmt.Errorf("merge %s: %w", questionID, ErrUnknownQuestion)
		}
		if own == clusterID {
			res = cluster.MergeResult{Survivor: own}
			return nil
		}
		var err error
		res, err = s.index.MergeClusters(own, clusterID)
		if err != nil {
			return err
		}
		s.dirty = true
		return s.persist(res.Survivor, res.Absorbed)
	})
	return res, err
}

// SetStatus moves a question along its lifecycle. A retired question leaves
// its cluster; an activated one becomes the lead if it is the earliest
// rankable member, and is merged straight away otherwise.
func (s *Shard) SetStatus(ctx context.Context, questionID string, to store.QuestionStatus) error {
	return s.call(ctx, func() error {
		if err := s.store.UpdateQuestionStatus(questionID, to, s.opts.Now()); err != nil {
			return err
		}
		q := s.pool[questionID]
		if q == nil {
			// not placed yet; assign reads the status back from the store
			return nil
		}
		q.status = to
		s.dirty = true

		cid, ok := s.index.ClusterOf(questionID)
		if !ok {
			return nil
		}
		if to == store.StatusRetired {
			delete(s.pool, questionID)
			s.board.Forget(questionID)
			_, dropped, err := s.index.Remove(questionID)
			if err != nil {
				return err
			}
			if dropped {
				return s.store.DeleteCluster(s.contestID, cid)
			}
		}
		// the lead may have changed, so rewrite the canonical flag too
		return s.persist(cid)
	})
}

// SetTags updates the tag a question is counted against after an edit.
func (s *Shard) SetTags(ctx context.Context, questionID string, tags []string) error {
	return s.call(ctx, func() error {
		q := s.pool[questionID]
		if q == nil {
			return fmt.Errorf("set tags of %s: %w", questionID, ErrUnknownQuestion)
		}
		tag := ""
		if len(tags) > 0 {
			tag = tags[0]
		}
		if q.tag != tag {
			q.tag = tag
			s.dirty = true
		}
		return nil
	})
}

// VoteApplied implements ledger.Sink. The delta is queued, never computed on
// the caller's goroutine.
func (s *Shard) VoteApplied(ctx context.Context, ev ledger.Event) {
	err := s.send(ctx, func() {
		if r, ok := s.rebuilt[voteKey(ev.VoterID, ev.QuestionID)]; ok && r.ts >= ev.LogicalTS {
			return
		}
		next := ev.New
		s.board.Apply(ev.QuestionID, ev.Old, &next)
		s.dirty = true
	})
	if err != nil {
		s.log.Warn("vote event lost until next recompute", "question", ev.QuestionID, "error", err)
	}
}

// Reweighted applies the score deltas of lowered (or moderated) weights.
func (s *Shard) Reweighted(ctx context.Context, changes []store.WeightChange) {
	err := s.send(ctx, func() {
		for _, c := range changes {
			v := c.Vote
			if r, ok := s.rebuilt[voteKey(v.VoterID, v.QuestionID)]; ok && r.ts == v.LogicalTS && r.weight == v.Weight {
				continue
			}
			old := score.Contribution{Value: v.Value, Weight: c.OldWeight, CastAt: v.CastAt}
			next := score.Contribution{Value: v.Value, Weight: v.Weight, CastAt: v.CastAt}
			s.board.Apply(v.QuestionID, &old, &next)
		}
		s.dirty = true
	})
	if err != nil {
		s.log.Warn("reweight lost until next recompute", "votes", len(changes), "error", err)
	}
}

// Recompute rebuilds all scores from the ledger.
func (s *Shard) Recompute(ctx context.Context) error {
	return s.call(ctx, s.rebuild)
}

// Publish runs the allocator now instead of waiting for the debounce timer.
func (s *Shard) Publish(ctx context.Context) (*portfolio.TopSet, error) {
	var ts *portfolio.TopSet
	err := s.call(ctx, func() error {
		s.publish()
		ts = s.current.Load()
		return nil
	})
	return ts, err
}

// SetThresholds changes the similarity cut-offs for later assignments.
func (s *Shard) SetThresholds(ctx context.Context, th cluster.Thresholds) error {
	return s.call(ctx, func() error {
		s.index.SetThresholds(th)
		return nil
	})
}

// Consolidate merges near-duplicate clusters. The plan is computed from a
// snapshot off the shard goroutine, then applied on it, re-checking each
// merge. Only one consolidation per contest runs at a time.
func (s *Shard) Consolidate(ctx context.Context) ([]cluster.MergeResult, error) {
	if !s.consolidating.TryLock() {
		return nil, ErrBusy
	}
	defer s.consolidating.Unlock()

	var snap *cluster.Snapshot
	var threshold float64
	if err := s.call(ctx, func() error {
		snap = s.index.Snapshot()
		threshold = s.index.Thresholds().Merge
		return nil
	}); err != nil {
		return nil, err
	}

	plan := cluster.PlanConsolidation(snap, threshold)
	if len(plan) == 0 {
		return nil, nil
	}

	var done []cluster.MergeResult
	err := s.call(ctx, func() error {
		done = s.index.Apply(plan, threshold)
		if len(done) == 0 {
			return nil
		}
		s.dirty = true

		// A survivor may itself be absorbed later in the plan; write each
		// final cluster once with everything it swallowed.
		into := make(map[string]string, len(done))
		for _, r := range done {
			into[r.Absorbed] = r.Survivor
		}
		absorbed := make(map[string][]string)
		for _, r := range done {
			final := r.Survivor
			for {
				next, ok := into[final]
				if !ok {
					break
				}
				final = next
			}
			absorbed[final] = append(absorbed[final], r.Absorbed)
		}
		var errs []error
		for id, gone := range absorbed {
			if err := s.persist(id, gone...); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	metrics.ConsolidationMerges.Add(float64(len(done)))
	if len(done) > 0 {
		s.log.Info("consolidated", "planned", len(plan), "merged", len(done))
	}
	return done, err
}

// Detail is the shard's part of a question detail view.
type Detail struct {
	ClusterID    string
	CanonicalID  string
	Siblings     []string // other members, canonical first
	Score        float64
	ClusterScore float64
}

// Detail describes a question's cluster and scores at now.
func (s *Shard) Detail(ctx context.Context, questionID string) (Detail, error) {
	var d Detail
	err := s.call(ctx, func() error {
		cid, ok := s.index.ClusterOf(questionID)
		if !ok {
			return fmt.Errorf("detail %s: %w", questionID, ErrUnknownQuestion)
		}
		c := s.index.Cluster(cid)
		now := s.opts.Now()
		d = Detail{
			ClusterID:    cid,
			CanonicalID:  s.canonicalID(c),
			Score:        s.board.Score(questionID, now),
			ClusterScore: s.board.Sum(c.MemberIDs(), now),
		}
		for _, id := range c.MemberIDs() {
			if id != questionID {
				d.Siblings = append(d.Siblings, id)
			}
		}
		return nil
	})
	return d, err
}
