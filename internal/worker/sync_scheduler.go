package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	possync "github.com/hyperengineering/possync/internal/sync"
)

// SyncEngine is the engine surface the scheduler drives.
// Implemented by sync.Engine.
type SyncEngine interface {
	CheckHealth(ctx context.Context) bool
	RefreshCounts(ctx context.Context) (int, error)
	Sync(ctx context.Context) (*possync.Result, error)
}

// SyncScheduler runs automatic sync cycles on a fixed interval and serves
// manual triggers.
type SyncScheduler struct {
	engine   SyncEngine
	interval time.Duration
	trigger  chan struct{}
}

// NewSyncScheduler creates a scheduler ticking at interval.
func NewSyncScheduler(engine SyncEngine, interval time.Duration) *SyncScheduler {
	return &SyncScheduler{
		engine:   engine,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a manual sync. It never blocks; a trigger arriving while
// one is already queued is merged with it.
func (s *SyncScheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run starts the scheduler loop. Ticks once immediately, then on each
// interval. Blocks until ctx is cancelled.
func (s *SyncScheduler) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-scheduler",
		"action", "worker_started",
		"interval", s.interval.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-scheduler",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.trigger:
			s.runSync(ctx, "manual")
		}
	}
}

// tick syncs only when the backend is reachable and something is dirty.
func (s *SyncScheduler) tick(ctx context.Context) {
	if !s.engine.CheckHealth(ctx) {
		return
	}

	pending, err := s.engine.RefreshCounts(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("failed to count unsynced rows",
			"component", "worker",
			"worker", "sync-scheduler",
			"action", "count_failed",
			"error", err,
		)
		return
	}
	if pending == 0 {
		return
	}

	s.runSync(ctx, "scheduled")
}

func (s *SyncScheduler) runSync(ctx context.Context, reason string) {
	_, err := s.engine.Sync(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Graceful shutdown
	case errors.Is(err, possync.ErrSyncInProgress),
		errors.Is(err, possync.ErrServerUnreachable),
		errors.Is(err, possync.ErrNotConfigured):
		slog.Debug("sync skipped",
			"component", "worker",
			"worker", "sync-scheduler",
			"action", "sync_skipped",
			"reason", reason,
			"error", err,
		)
	default:
		slog.Warn("sync failed",
			"component", "worker",
			"worker", "sync-scheduler",
			"action", "sync_failed",
			"reason", reason,
			"error", err,
		)
	}
}
