// Package engine is the public face of askrank: question submission, voting,
// Top-Set reads, moderation decisions and the contest lifecycle. It wires the
// ledger, the contest shards, the anomaly detector and the embedding provider
// together; it holds no ranking state of its own.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/civicq/askrank/internal/anomaly"
	"github.com/civicq/askrank/internal/cluster"
	"github.com/civicq/askrank/internal/config"
	"github.com/civicq/askrank/internal/embedding"
	"github.com/civicq/askrank/internal/identity"
	"github.com/civicq/askrank/internal/ledger"
	"github.com/civicq/askrank/internal/logger"
	"github.com/civicq/askrank/internal/moderation"
	"github.com/civicq/askrank/internal/shard"
	"github.com/civicq/askrank/internal/store"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrContestNotOpen   = errors.New("contest is not open")
	ErrVoterNotEligible = errors.New("voter is not eligible to vote")
	ErrAlreadyResolved  = errors.New("moderation item already resolved")
)

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Deps are the collaborators of an Engine. Embedder may be nil, in which case
// every question goes to manual cluster assignment after the retries.
type Deps struct {
	Store     *store.Store
	Shards    *shard.Manager
	Ledger    *ledger.Ledger
	Directory identity.Directory
	Embedder  embedding.Embedder
	Queue     *moderation.StoreQueue
	Detector  *anomaly.Detector
	Embedding config.EmbeddingConfig
	// HalfLife scores questions of closed contests in GetQuestionDetail.
	HalfLife time.Duration
	// AutoActivate skips the approval step: new questions start active.
	AutoActivate bool
	Now          func() time.Time
	Log          *slog.Logger
}

// contestTasks tracks the background work of one contest so it can be
// cancelled when the contest closes.
type contestTasks struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Engine struct {
	store    *store.Store
	shards   *shard.Manager
	ledger   *ledger.Ledger
	dir      identity.Directory
	embedder embedding.Embedder
	queue    *moderation.StoreQueue
	detector *anomaly.Detector
	embedCfg config.EmbeddingConfig
	halfLife time.Duration
	auto     bool
	now      func() time.Time
	log      *slog.Logger

	mu    sync.Mutex
	tasks map[string]*contestTasks
}

func New(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{
		store:    d.Store,
		shards:   d.Shards,
		ledger:   d.Ledger,
		dir:      d.Directory,
		embedder: d.Embedder,
		queue:    d.Queue,
		detector: d.Detector,
		embedCfg: d.Embedding,
		halfLife: d.HalfLife,
		auto:     d.AutoActivate,
		now:      d.Now,
		log:      logger.Or(d.Log),
		tasks:    make(map[string]*contestTasks),
	}
}

// contest returns the task group of an open contest, creating it on first use.
func (e *Engine) contest(contestID string) *contestTasks {
	e.mu.Lock()
	defer e.mu.Unlock()
	ct, ok := e.tasks[contestID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		ct = &contestTasks{ctx: ctx, cancel: cancel}
		e.tasks[contestID] = ct
	}
	return ct
}

// retire cancels a contest's background tasks and waits for them.
func (e *Engine) retire(contestID string) {
	e.mu.Lock()
	ct, ok := e.tasks[contestID]
	delete(e.tasks, contestID)
	e.mu.Unlock()
	if ok {
		ct.cancel()
		ct.wg.Wait()
	}
}

// Close cancels every background task and waits for them.
func (e *Engine) Close() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.retire(id)
	}
}

// OpenContest starts accepting questions and votes for a contest.
func (e *Engine) OpenContest(ctx context.Context, contestID string) error {
	if contestID == "" {
		return invalid("contest_id", "required")
	}
	c, err := e.store.GetContest(contestID)
	if err != nil {
		return err
	}
	if c != nil && c.Status == store.ContestClosed {
		return fmt.Errorf("reopen %s: %w", contestID, ErrContestNotOpen)
	}
	if err := e.store.OpenContest(contestID, e.now()); err != nil {
		return err
	}
	if _, err := e.shards.Open(contestID); err != nil {
		return err
	}
	e.contest(contestID)
	e.log.Info("contest opened", "contest", contestID)
	return nil
}

// CloseContest retires a contest: pending embedding work is cancelled, the
// shard stops, and every question of the contest is retired. The last
// Top-Set stays readable.
func (e *Engine) CloseContest(ctx context.Context, contestID string) error {
	c, err := e.store.GetContest(contestID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("contest %s: %w", contestID, ErrNotFound)
	}
	if c.Status != store.ContestOpen {
		return fmt.Errorf("close %s: %w", contestID, ErrContestNotOpen)
	}
	e.retire(contestID)
	e.shards.Close(contestID)
	if err := e.store.CloseContest(contestID, e.now()); err != nil {
		return err
	}
	if e.detector != nil {
		e.detector.Forget(contestID)
	}
	e.log.Info("contest closed", "contest", contestID)
	return nil
}

// Resume restarts embedding for questions left without a vector by a
// previous run. The shards must already be started.
func (e *Engine) Resume(ctx context.Context) error {
	for _, id := range e.shards.Contests() {
		qs, err := e.store.ListQuestionsByContest(id)
		if err != nil {
			return err
		}
		n := 0
		for _, q := range qs {
			if q.Embedding == nil && q.Status != store.StatusRetired {
				e.startEmbed(q, true)
				n++
			}
		}
		if n > 0 {
			e.log.Info("embedding resumed", "contest", id, "questions", n)
		}
	}
	return nil
}

// Consolidate runs the batch cluster consolidation over all open contests.
func (e *Engine) Consolidate(ctx context.Context) (int, error) {
	return e.shards.ConsolidateAll(ctx)
}

// Recompute rebuilds every open contest's scores from the ledger.
func (e *Engine) Recompute(ctx context.Context) error {
	return e.shards.RecomputeAll(ctx)
}

// Reconfigure applies hot-reloaded settings.
func (e *Engine) Reconfigure(ctx context.Context, soft config.Soft) {
	th := cluster.Thresholds{Merge: soft.Cluster.MergeThreshold, Review: soft.Cluster.ReviewThreshold}
	if err := e.shards.SetThresholds(ctx, th); err != nil {
		e.log.Warn("thresholds not applied everywhere", "merge", th.Merge, "review", th.Review, "error", err)
	}
	if e.detector != nil {
		e.detector.SetConfig(soft.Anomaly)
	}
}

func (e *Engine) shard(contestID string) (*shard.Shard, error) {
	sh, err := e.shards.Get(contestID)
	if errors.Is(err, shard.ErrUnknownContest) {
		return nil, fmt.Errorf("contest %s: %w", contestID, ErrContestNotOpen)
	}
	return sh, err
}
