package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/possync/internal/pos"
	"github.com/hyperengineering/possync/internal/snapshot"
	possync "github.com/hyperengineering/possync/internal/sync"
	"github.com/hyperengineering/possync/internal/worker"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync scheduler and background workers until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded", "version", Version)

	// 3. Initialize store (migrations, WAL mode)
	st, err := openLocal(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("store close error", "error", err)
		}
	}()

	// 4. Sync engine; the legacy id pass must finish before any sync
	bus := possync.NewEventBus()
	engine, err := newEngine(ctx, cfg, st, bus)
	if err != nil {
		return err
	}
	if err := prepareEngine(ctx, engine.Prepare, prepareRetry); err != nil {
		return err
	}
	if cfg.Remote.URL == "" {
		slog.Warn("remote.url not set, running offline only", "component", "cli")
	}

	// 5. Projections refresh after every completed sync
	svc := pos.NewService(st)
	if err := svc.Refresh(ctx); err != nil {
		return err
	}
	svc.Subscribe(bus)

	scheduler := worker.NewSyncScheduler(engine, time.Duration(cfg.Sync.Interval))

	// Reconnecting triggers an immediate cycle instead of waiting for the
	// next tick.
	bus.Subscribe(func(evt possync.Event) {
		if evt.Online {
			scheduler.Trigger()
		}
	}, possync.EventServerStatusChanged)

	// 6. Worker lifecycle
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync", scheduler.Run)

	if cfg.Backup.Interval > 0 {
		uploader, err := snapshot.NewUploader(cfg.Backup)
		if err != nil {
			return err
		}
		backups := worker.NewBackupWorker(st, uploader, cfg.Backup.Dir, time.Duration(cfg.Backup.Interval))
		startWorker(ctx, &wg, "backup", backups.Run)
	}

	// 7. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 8. Wait for workers to complete
	wg.Wait()

	slog.Info("shutdown complete")
	return nil
}
