package anomaly

import (
	"context"
	"log/slog"
	"time"

	"github.com/civicq/askrank/internal/identity"
	"github.com/civicq/askrank/internal/ledger"
	"github.com/civicq/askrank/internal/logger"
	"github.com/civicq/askrank/internal/metrics"
	"github.com/civicq/askrank/internal/moderation"
	"github.com/civicq/askrank/internal/store"
)

// Reweigher is told about votes whose weight the worker lowered, so scores
// can follow.
type Reweigher interface {
	Reweighted(ctx context.Context, contestID string, changes []store.WeightChange)
}

// Worker runs the detector off the vote stream. Vote acknowledgement never
// waits for it: events are queued and a full queue drops the event. The
// periodic sweep reads ballots back from the ledger, so a dropped event is
// lost to the per-vote signals only.
type Worker struct {
	det    *Detector
	store  *store.Store
	dir    identity.Directory
	queue  moderation.Queue
	out    Reweigher
	events chan ledger.Event
	sweep  time.Duration
	log    *slog.Logger
}

type WorkerConfig struct {
	QueueSize     int
	SweepInterval time.Duration
	Log           *slog.Logger
}

func NewWorker(det *Detector, s *store.Store, dir identity.Directory, q moderation.Queue, out Reweigher, cfg WorkerConfig) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Worker{
		det:    det,
		store:  s,
		dir:    dir,
		queue:  q,
		out:    out,
		events: make(chan ledger.Event, cfg.QueueSize),
		sweep:  cfg.SweepInterval,
		log:    logger.Or(cfg.Log),
	}
}

func (w *Worker) Detector() *Detector { return w.det }

// VoteApplied implements ledger.Sink.
func (w *Worker) VoteApplied(_ context.Context, ev ledger.Event) {
	select {
	case w.events <- ev:
	default:
		metrics.AnomalyDropped.Inc()
		w.log.Warn("anomaly queue full, event dropped", "contest", ev.ContestID, "question", ev.QuestionID)
	}
}

// Run consumes events until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if w.sweep > 0 {
		t := time.NewTicker(w.sweep)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.events:
			w.Process(ctx, ev)
		case <-tick:
			w.SweepAll(ctx)
		}
	}
}

// Process inspects one applied vote and acts on what the detector finds.
func (w *Worker) Process(ctx context.Context, ev ledger.Event) {
	var acct *Account
	if w.dir != nil {
		v, err := w.dir.Lookup(ctx, ev.VoterID)
		if err != nil {
			w.log.Warn("voter lookup failed", logger.Voter(ev.VoterID), "error", err)
		} else if v != nil {
			acct = &Account{CreatedAt: v.CreatedAt, VerifiedAt: v.VerifiedAt}
		}
	}

	verdict := w.det.Observe(Vote{
		ContestID:   ev.ContestID,
		VoterID:     ev.VoterID,
		QuestionID:  ev.QuestionID,
		Value:       ev.New.Value,
		Fingerprint: ev.Fingerprint,
		CastAt:      ev.New.CastAt,
	}, acct)

	for _, f := range verdict.Findings {
		w.act(ctx, f)
	}
	if ev.New.Value != 0 && verdict.Weight < ev.New.Weight {
		w.cap(ctx, ev.ContestID, []string{ev.VoterID}, ev.New.CastAt, verdict.Weight)
	}
}

// SweepAll runs the vote-set similarity check on every open contest, over
// the ballots as the ledger holds them.
func (w *Worker) SweepAll(ctx context.Context) {
	ids, err := w.store.ListOpenContests()
	if err != nil {
		w.log.Error("sweep: list contests failed", "error", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := w.loadBallots(id); err != nil {
			w.log.Error("sweep: load ballots failed", "contest", id, "error", err)
			continue
		}
		for _, f := range w.det.Sweep(id) {
			w.act(ctx, f)
		}
	}
}

func (w *Worker) loadBallots(contestID string) error {
	rows, err := w.store.ListVotesByContest(contestID)
	if err != nil {
		return err
	}
	votes := make([]Vote, 0, len(rows))
	for _, r := range rows {
		votes = append(votes, Vote{ContestID: r.ContestID, VoterID: r.VoterID, QuestionID: r.QuestionID, Value: r.Value, CastAt: r.CastAt})
	}
	w.det.LoadBallots(contestID, votes)
	return nil
}

func (w *Worker) act(ctx context.Context, f Finding) {
	metrics.AnomalyFindings.WithLabelValues(string(f.Signal)).Inc()
	w.log.Info("anomaly finding", "contest", f.ContestID, "signal", f.Signal, "subject", f.Key(),
		"voters", len(f.Voters), "severity", f.Severity, "weight", f.Weight)

	now := time.Now()
	flags := make([]store.Flag, 0, len(f.Voters))
	for _, v := range f.Voters {
		flags = append(flags, store.Flag{
			ContestID: f.ContestID, VoterID: v, Signal: string(f.Signal),
			Weight: f.Weight, Severity: f.Severity, CreatedAt: now,
		})
	}
	if err := w.store.RecordFlags(flags); err != nil {
		w.log.Error("record flags failed", "contest", f.ContestID, "error", err)
	}

	w.cap(ctx, f.ContestID, w.det.Unmoderated(f.ContestID, f.Voters), f.Since, w.det.floor(f.Weight))

	if !f.Escalate || w.queue == nil {
		return
	}
	_, err := w.queue.Push(ctx, moderation.Item{
		Kind:      moderation.AnomalyEscalation,
		ContestID: f.ContestID,
		SubjectID: f.Key(),
		Severity:  f.Severity,
		Payload: map[string]any{
			"signal": string(f.Signal),
			"voters": f.Voters,
			"weight": f.Weight,
			"since":  f.Since,
		},
	})
	if err != nil {
		w.log.Error("escalation failed", "contest", f.ContestID, "subject", f.Key(), "error", err)
		return
	}
	metrics.AnomalyEscalations.Inc()
}

func (w *Worker) cap(ctx context.Context, contestID string, voters []string, since time.Time, weight float64) {
	changes, err := w.store.CapVoteWeights(contestID, voters, since, weight)
	if err != nil {
		w.log.Error("reweight failed", "contest", contestID, "error", err)
		return
	}
	if len(changes) > 0 && w.out != nil {
		w.out.Reweighted(ctx, contestID, changes)
	}
}
