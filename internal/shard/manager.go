package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/civicq/askrank/internal/cluster"
	"github.com/civicq/askrank/internal/ledger"
	"github.com/civicq/askrank/internal/logger"
	"github.com/civicq/askrank/internal/store"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotStarted     = errors.New("shard manager not started")
	ErrUnknownContest = errors.New("contest has no running shard")
)

type running struct {
	shard  *Shard
	cancel context.CancelFunc
}

// Manager runs one shard per open contest and routes events to them.
type Manager struct {
	store *store.Store
	opts  Options
	log   *slog.Logger

	mu     sync.RWMutex
	ctx    context.Context
	group  *errgroup.Group
	shards map[string]*running
}

func NewManager(s *store.Store, opts Options) *Manager {
	return &Manager{
		store:  s,
		opts:   opts,
		log:    logger.Or(opts.Log),
		shards: make(map[string]*running),
	}
}

// Start opens a shard for every open contest. Shards stop when ctx is done;
// Wait returns once they have.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.group, m.ctx = errgroup.WithContext(ctx)
	m.mu.Unlock()

	ids, err := m.store.ListOpenContests()
	if err != nil {
		return fmt.Errorf("list open contests: %w", err)
	}
	for _, id := range ids {
		if _, err := m.Open(id); err != nil {
			return err
		}
	}
	m.log.Info("shards started", "contests", len(ids))
	return nil
}

// Wait blocks until every shard has stopped.
func (m *Manager) Wait() error {
	m.mu.RLock()
	g := m.group
	m.mu.RUnlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// Open starts the shard of a contest, loading its state. Opening a running
// contest returns the existing shard.
func (m *Manager) Open(contestID string) (*Shard, error) {
	m.mu.Lock()
	if m.group == nil {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	if r, ok := m.shards[contestID]; ok {
		m.mu.Unlock()
		return r.shard, nil
	}
	sh := New(contestID, m.store, m.opts)
	r := &running{shard: sh}
	// Registered before loading so that vote events from this point on are
	// queued; Load reconciles them with what it reads.
	m.shards[contestID] = r
	m.mu.Unlock()

	if err := sh.Load(); err != nil {
		m.mu.Lock()
		delete(m.shards, contestID)
		m.mu.Unlock()
		return nil, fmt.Errorf("open shard %s: %w", contestID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shards[contestID] != r {
		// closed while loading
		return nil, fmt.Errorf("%s: %w", contestID, ErrUnknownContest)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	r.cancel = cancel
	m.group.Go(func() error { return sh.Run(ctx) })
	return sh, nil
}

// Close stops a contest's shard. Its last snapshot stays in the store.
func (m *Manager) Close(contestID string) {
	m.mu.Lock()
	r, ok := m.shards[contestID]
	delete(m.shards, contestID)
	m.mu.Unlock()
	if ok && r.cancel != nil {
		r.cancel()
		<-r.shard.done
	}
}

// Get returns the running shard of a contest.
func (m *Manager) Get(contestID string) (*Shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.shards[contestID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", contestID, ErrUnknownContest)
	}
	return r.shard, nil
}

// Contests lists the running contests, sorted.
func (m *Manager) Contests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.shards))
	for id := range m.shards {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// VoteApplied implements ledger.Sink.
func (m *Manager) VoteApplied(ctx context.Context, ev ledger.Event) {
	sh, err := m.Get(ev.ContestID)
	if err != nil {
		m.log.Warn("vote for contest without shard", "contest", ev.ContestID, "question", ev.QuestionID)
		return
	}
	sh.VoteApplied(ctx, ev)
}

// Reweighted implements anomaly.Reweigher.
func (m *Manager) Reweighted(ctx context.Context, contestID string, changes []store.WeightChange) {
	sh, err := m.Get(contestID)
	if err != nil {
		return
	}
	sh.Reweighted(ctx, changes)
}

// SetThresholds pushes new similarity cut-offs to every shard. Shards opened
// later start with them even if some running shard could not be reached; the
// error names each contest left on the old cut-offs.
func (m *Manager) SetThresholds(ctx context.Context, th cluster.Thresholds) error {
	m.mu.Lock()
	m.opts.Thresholds = th
	m.mu.Unlock()
	return m.each(ctx, func(ctx context.Context, sh *Shard) error {
		return sh.SetThresholds(ctx, th)
	})
}

// ConsolidateAll runs consolidation on every contest in parallel. A contest
// whose previous consolidation is still running is skipped.
func (m *Manager) ConsolidateAll(ctx context.Context) (int, error) {
	var mu sync.Mutex
	total := 0
	err := m.each(ctx, func(ctx context.Context, sh *Shard) error {
		done, err := sh.Consolidate(ctx)
		if errors.Is(err, ErrBusy) {
			m.log.Info("consolidation still running, skipped", "contest", sh.ContestID())
			return nil
		}
		mu.Lock()
		total += len(done)
		mu.Unlock()
		return err
	})
	return total, err
}

// RecomputeAll rebuilds every contest's scores from the ledger.
func (m *Manager) RecomputeAll(ctx context.Context) error {
	return m.each(ctx, func(ctx context.Context, sh *Shard) error {
		return sh.Recompute(ctx)
	})
}

// PublishAll publishes a fresh Top-Set for every contest now, without
// waiting for the debounce window.
func (m *Manager) PublishAll(ctx context.Context) error {
	return m.each(ctx, func(ctx context.Context, sh *Shard) error {
		_, err := sh.Publish(ctx)
		return err
	})
}

// each runs fn on every shard concurrently and joins the errors.
func (m *Manager) each(ctx context.Context, fn func(context.Context, *Shard) error) error {
	m.mu.RLock()
	shards := make([]*Shard, 0, len(m.shards))
	for _, r := range m.shards {
		shards = append(shards, r.shard)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(8)
	var mu sync.Mutex
	var errs []error
	for _, sh := range shards {
		g.Go(func() error {
			if err := fn(ctx, sh); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("contest %s: %w", sh.ContestID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
