package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/possync/internal/id"
	"github.com/hyperengineering/possync/internal/store"
)

// LeaseTTL bounds how long a crashed process can keep others from syncing.
// A running cycle renews the lease before each collection.
const LeaseTTL = 2 * time.Minute

var (
	// ErrSyncInProgress is returned when a sync cycle is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNotConfigured is returned when no remote backend is configured.
	ErrNotConfigured = errors.New("remote backend not configured")

	// ErrServerUnreachable is returned when the health check fails.
	ErrServerUnreachable = errors.New("remote backend unreachable")

	// ErrMigrationPending is returned until the legacy id migration pass
	// has completed successfully.
	ErrMigrationPending = errors.New("legacy id migration has not completed")
)

// Result summarizes one sync cycle.
type Result struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	Collections []CollectionResult
	Unsynced    int // rows still dirty after the cycle
}

// Pushed returns the number of rows created or updated remotely.
func (r *Result) Pushed() int {
	n := 0
	for _, c := range r.Collections {
		n += c.Created + c.Updated
	}
	return n
}

// Deleted returns the number of rows deleted remotely and purged locally.
func (r *Result) Deleted() int {
	n := 0
	for _, c := range r.Collections {
		n += c.Deleted
	}
	return n
}

// Pulled returns the number of remote records applied locally.
func (r *Result) Pulled() int {
	n := 0
	for _, c := range r.Collections {
		n += c.Pulled
	}
	return n
}

// Failed returns the number of rows that failed and remain for retry.
func (r *Result) Failed() int {
	n := 0
	for _, c := range r.Collections {
		n += c.Failed
	}
	return n
}

// Status is a point-in-time view of the engine for UIs and the CLI.
type Status struct {
	IsSyncing      bool                `json:"isSyncing"`
	IsServerOnline bool                `json:"isServerOnline"`
	LastSync       time.Time           `json:"lastSync"`
	Unsynced       map[store.Table]int `json:"unsynced"`
	Total          int                 `json:"total"`
}

// Engine orchestrates sync cycles over every collection.
type Engine struct {
	local  LocalStore
	remote Remote
	bus    *EventBus
	now    func() time.Time
	owner  string // sync lease holder name, unique per engine

	syncing  atomic.Bool
	online   atomic.Bool
	migrated atomic.Bool

	mu       gosync.RWMutex
	lastSync time.Time
	unsynced map[store.Table]int
}

// NewEngine creates an Engine. A nil bus gets a private EventBus.
func NewEngine(local LocalStore, remote Remote, bus *EventBus) *Engine {
	if bus == nil {
		bus = NewEventBus()
	}
	return &Engine{
		local:    local,
		remote:   remote,
		bus:      bus,
		now:      time.Now,
		owner:    id.MustGenerate(),
		unsynced: make(map[store.Table]int),
	}
}

// Bus returns the event bus the engine emits on.
func (e *Engine) Bus() *EventBus {
	return e.bus
}

// SetClock overrides the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// acquireLease claims the database-wide sync lease. It returns
// ErrSyncInProgress when another engine or process holds it.
func (e *Engine) acquireLease(ctx context.Context) error {
	ok, err := e.local.AcquireLease(ctx, e.owner, LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire sync lease: %w", err)
	}
	if !ok {
		return ErrSyncInProgress
	}
	return nil
}

func (e *Engine) releaseLease(ctx context.Context) {
	if err := e.local.ReleaseLease(context.WithoutCancel(ctx), e.owner); err != nil {
		slog.Warn("failed to release sync lease",
			"component", "sync",
			"action", "release_lease",
			"error", err,
		)
	}
}

// Prepare runs the legacy id migration pass and loads persisted state.
// Sync refuses to run until Prepare has succeeded once. The migration runs
// under the sync lease; ErrSyncInProgress means another process is syncing
// the same database and Prepare should be retried.
func (e *Engine) Prepare(ctx context.Context) (*store.MigrationReport, error) {
	if err := e.acquireLease(ctx); err != nil {
		return nil, err
	}
	report, err := e.local.MigrateLegacyIDs(ctx)
	e.releaseLease(ctx)
	if err != nil {
		slog.Error("legacy id migration failed",
			"component", "sync",
			"action", "migration_failed",
			"error", err,
		)
		return nil, fmt.Errorf("migrate legacy ids: %w", err)
	}
	e.migrated.Store(true)

	if report.Total() > 0 {
		slog.Info("legacy ids migrated",
			"component", "sync",
			"action", "migration_completed",
			"renamed", report.Total(),
			"references_updated", report.ReferencesUpdated,
		)
	}

	last, err := e.local.LastSync(ctx)
	if err != nil {
		return report, fmt.Errorf("load last sync: %w", err)
	}
	e.mu.Lock()
	e.lastSync = last
	e.mu.Unlock()

	if _, err := e.RefreshCounts(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// CheckHealth probes the remote backend, updates the online flag and emits
// EventServerStatusChanged when it flips.
func (e *Engine) CheckHealth(ctx context.Context) bool {
	online := false
	if e.remote.Configured() {
		err := e.remote.Health(ctx)
		if err != nil {
			slog.Debug("health check failed",
				"component", "sync",
				"action", "health_check",
				"error", err,
			)
		}
		online = err == nil
	}

	if e.online.Swap(online) != online {
		slog.Info("server status changed",
			"component", "sync",
			"action", "server_status_changed",
			"online", online,
		)
		e.bus.Emit(Event{Type: EventServerStatusChanged, Timestamp: e.now(), Online: online})
	}
	return online
}

// Sync runs one full cycle: push then pull for every collection in
// dependency order. Per-record and per-collection failures are logged and
// counted in the Result; only the guard conditions return an error.
// ErrSyncInProgress covers both a cycle already running in this engine and
// the sync lease being held by another process on the same database.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	if !e.remote.Configured() {
		return nil, ErrNotConfigured
	}
	if !e.migrated.Load() {
		return nil, ErrMigrationPending
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	if err := e.acquireLease(ctx); err != nil {
		return nil, err
	}
	defer e.releaseLease(ctx)

	if !e.CheckHealth(ctx) {
		return nil, ErrServerUnreachable
	}

	lastSync, err := e.local.LastSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last sync: %w", err)
	}

	res := &Result{StartedAt: e.now()}
	e.bus.Emit(Event{Type: EventSyncStarted, Timestamp: res.StartedAt})

	slog.Info("sync started",
		"component", "sync",
		"action", "sync_started",
		"last_sync", lastSync,
	)

	for _, coll := range Collections {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := e.acquireLease(ctx); err != nil {
			slog.Error("sync lease lost",
				"component", "sync",
				"action", "lease_lost",
				"collection", coll.Remote,
				"error", err,
			)
			return nil, err
		}
		res.Collections = append(res.Collections, syncCollection(ctx, e.local, e.remote, coll, lastSync))
	}

	// The next pull starts from this cycle's start so remote writes that
	// landed while the cycle ran are fetched again; LWW makes the overlap
	// harmless.
	if err := e.local.SetLastSync(ctx, res.StartedAt); err != nil {
		slog.Error("failed to persist last sync",
			"component", "sync",
			"action", "persist_last_sync",
			"error", err,
		)
	} else {
		e.mu.Lock()
		e.lastSync = res.StartedAt
		e.mu.Unlock()
	}

	total, err := e.RefreshCounts(ctx)
	if err != nil {
		slog.Warn("failed to recount unsynced rows",
			"component", "sync",
			"action", "count_unsynced",
			"error", err,
		)
	}
	res.Unsynced = total
	res.FinishedAt = e.now()

	slog.Info("sync completed",
		"component", "sync",
		"action", "sync_completed",
		"pushed", res.Pushed(),
		"deleted", res.Deleted(),
		"pulled", res.Pulled(),
		"failed", res.Failed(),
		"unsynced", res.Unsynced,
		"duration_ms", res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	)

	e.bus.Emit(Event{Type: EventSyncCompleted, Timestamp: res.FinishedAt, Result: res})
	return res, nil
}

// RefreshCounts recomputes per-table unsynced counts and returns the total.
func (e *Engine) RefreshCounts(ctx context.Context) (int, error) {
	counts := make(map[store.Table]int, len(Collections))
	total := 0
	for _, coll := range Collections {
		n, err := e.local.UnsyncedCount(ctx, coll.Table)
		if err != nil {
			return 0, fmt.Errorf("count unsynced %s: %w", coll.Table, err)
		}
		counts[coll.Table] = n
		total += n
	}

	e.mu.Lock()
	e.unsynced = counts
	e.mu.Unlock()
	return total, nil
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Status{
		IsSyncing:      e.syncing.Load(),
		IsServerOnline: e.online.Load(),
		LastSync:       e.lastSync,
		Unsynced:       make(map[store.Table]int, len(e.unsynced)),
	}
	for t, n := range e.unsynced {
		s.Unsynced[t] = n
		s.Total += n
	}
	return s
}
