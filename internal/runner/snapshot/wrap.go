package snapshot

import (
	"context"
	"log/slog"

	"github.com/bakkerme/repology-notify/internal/core"
)

// SourceWrapper records every fetched snapshot, or replays a recorded one
// instead of fetching.
type SourceWrapper struct {
	core.Source
	logger   *slog.Logger
	snapshot *core.SnapshotConfig
}

func (w *SourceWrapper) SnapshotConfig() *core.SnapshotConfig {
	return w.snapshot
}

func (w *SourceWrapper) Fetch(ctx context.Context) ([]core.PackageStatus, error) {
	if w.snapshot.Restore {
		statuses, err := Load(w.snapshot.Path)
		if err != nil {
			return nil, err
		}
		w.logger.Info("snapshot restored", "source", w.Source.Name(), "path", w.snapshot.Path, "statuses", len(statuses))
		return statuses, nil
	}
	statuses, err := w.Source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if w.snapshot.Snapshot {
		if err := Save(w.snapshot.Path, w.Source.Name(), statuses); err != nil {
			// The fetch itself succeeded; a failed recording does not fail the cycle.
			w.logger.Warn("snapshot save failed", "source", w.Source.Name(), "path", w.snapshot.Path, "error", err)
		}
	}
	return statuses, nil
}

func WrapSource(logger *slog.Logger, source core.Source, cfg *core.SnapshotConfig) core.Source {
	if source == nil {
		return nil
	}
	if cfg == nil || (!cfg.Snapshot && !cfg.Restore) {
		return source
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceWrapper{Source: source, logger: logger, snapshot: cfg}
}
