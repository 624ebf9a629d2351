package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Soft is the subset of configuration that may change while the server runs.
// Portfolio settings are deliberately absent: they are fixed at startup.
type Soft struct {
	Cluster ClusterConfig
	Anomaly AnomalyConfig
}

// SoftOf extracts the hot-reloadable settings from c.
func SoftOf(c *Config) Soft {
	return Soft{Cluster: c.Cluster, Anomaly: c.Anomaly}
}

// Watch re-reads path whenever it changes and hands the soft settings to fn.
// Reloads that fail to parse or validate are logged and skipped; the previous
// settings stay in effect. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(Soft)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace files by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Coalesce bursts of writes from a single save.
			pending = time.After(200 * time.Millisecond)
		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload rejected", "path", path, "error", err)
				continue
			}
			log.Info("config reloaded", "path", path,
				"merge_threshold", cfg.Cluster.MergeThreshold,
				"review_threshold", cfg.Cluster.ReviewThreshold)
			fn(SoftOf(cfg))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}
