// Package cron runs askrank's batch jobs (cluster consolidation, score
// recompute) on standard 5-field cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/civicq/askrank/internal/logger"
)

var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// Schedule is a parsed cron expression.
type Schedule struct {
	expr  string
	sched robfig.Schedule
}

// Parse validates a standard 5-field cron expression:
// minute hour day-of-month month day-of-week. Descriptors such as @daily
// are accepted too.
func Parse(expr string) (*Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: %w", err)
	}
	return &Schedule{expr: expr, sched: s}, nil
}

// Next returns the next fire time strictly after from, in from's location.
func (s *Schedule) Next(from time.Time) time.Time {
	return s.sched.Next(from)
}

func (s *Schedule) String() string { return s.expr }

// Job is a batch task. It gets a context that is cancelled when the
// scheduler stops.
type Job func(ctx context.Context) error

// Scheduler fires jobs in one timezone. A run that is still going when its
// next fire time comes makes that fire a no-op.
type Scheduler struct {
	cron *robfig.Cron
	loc  *time.Location
	log  *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	names  map[string]robfig.EntryID
}

func New(timezone string, log *slog.Logger) (*Scheduler, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	log = logger.Or(log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: robfig.New(
			robfig.WithLocation(loc),
			robfig.WithParser(parser),
			robfig.WithChain(robfig.SkipIfStillRunning(robfig.DiscardLogger)),
		),
		loc:    loc,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		names:  make(map[string]robfig.EntryID),
	}, nil
}

// Add schedules job under name, replacing an earlier job of that name. An
// empty spec disables the job.
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.names[name]; ok {
		s.cron.Remove(id)
		delete(s.names, name)
	}
	if spec == "" {
		s.log.Info("job disabled", "job", name)
		return nil
	}
	if _, err := Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.names[name] = id
	s.log.Info("job scheduled", "job", name, "cron", spec, "timezone", s.loc.String())
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	start := time.Now()
	s.log.Info("job started", "job", name)
	if err := job(s.ctx); err != nil {
		s.log.Error("job failed", "job", name, "error", err, "took", time.Since(start))
		return
	}
	s.log.Info("job finished", "job", name, "took", time.Since(start))
}

// Next reports when a job fires next, or the zero time for an unknown job.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.names[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Run starts the scheduler and stops it when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}
