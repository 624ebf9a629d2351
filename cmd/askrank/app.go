package main

import (
	"context"
	"fmt"

	"github.com/civicq/askrank/internal/anomaly"
	"github.com/civicq/askrank/internal/config"
	"github.com/civicq/askrank/internal/embedding"
	"github.com/civicq/askrank/internal/engine"
	"github.com/civicq/askrank/internal/identity"
	"github.com/civicq/askrank/internal/ledger"
	"github.com/civicq/askrank/internal/logger"
	"github.com/civicq/askrank/internal/moderation"
	"github.com/civicq/askrank/internal/ntfy"
	"github.com/civicq/askrank/internal/shard"
	"github.com/civicq/askrank/internal/store"
)

// loadConfig reads the config and sets up logging from it.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

// app is the wired process: votes flow ledger -> (shards, anomaly worker),
// reweights flow worker -> shards.
type app struct {
	cfg      *config.Config
	store    *store.Store
	dir      *identity.StoreDirectory
	queue    *moderation.StoreQueue
	shards   *shard.Manager
	detector *anomaly.Detector
	worker   *anomaly.Worker
	ledger   *ledger.Ledger
	engine   *engine.Engine
}

// newApp opens the database and wires the components. The embedder is
// optional: without one, questions fall back to manual cluster assignment.
func newApp(cfg *config.Config, emb embedding.Embedder) (*app, error) {
	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log := logger.Log

	a := &app{cfg: cfg, store: s}
	a.dir = identity.NewStoreDirectory(s)
	a.queue = moderation.NewStoreQueue(s, log)
	if cfg.Notify.Topic != "" {
		a.queue.SetNotifier(ntfy.New(cfg.Notify.Topic, cfg.Notify.Token, cfg.Notify.Kinds, log))
	}

	opts := shard.OptionsFrom(cfg)
	opts.Log = log
	a.shards = shard.NewManager(s, opts)

	a.detector = anomaly.NewDetector(cfg.Anomaly)
	a.worker = anomaly.NewWorker(a.detector, s, a.dir, a.queue, a.shards, anomaly.WorkerConfig{
		QueueSize:     cfg.Queue.InboxSize,
		SweepInterval: cfg.Anomaly.SweepInterval,
		Log:           log,
	})
	a.ledger = ledger.New(s, ledger.Tee(a.shards, a.worker), ledger.WithLogger(log))

	a.engine = engine.New(engine.Deps{
		Store:        s,
		Shards:       a.shards,
		Ledger:       a.ledger,
		Directory:    a.dir,
		Embedder:     emb,
		Queue:        a.queue,
		Detector:     a.detector,
		Embedding:    cfg.Embedding,
		HalfLife:     cfg.Score.HalfLife,
		AutoActivate: cfg.Moderation.AutoActivate,
		Log:          log,
	})
	return a, nil
}

// start loads every open contest into its shard.
func (a *app) start(ctx context.Context) error {
	return a.shards.Start(ctx)
}

func (a *app) close() {
	a.engine.Close()
	a.store.Close()
}

// newEmbedder builds the configured provider, or returns nil with a warning.
func newEmbedder(cfg config.EmbeddingConfig) embedding.Embedder {
	emb, err := embedding.New(cfg)
	if err != nil {
		logger.Log.Warn("no embedding provider, questions will need manual cluster assignment", "error", err)
		return nil
	}
	logger.Log.Info("embedding provider", "name", emb.Name(), "dims", emb.Dims())
	return emb
}
