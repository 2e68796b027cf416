package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hyperengineering/possync/internal/snapshot"
)

// BackupStore defines the store operations needed by the backup worker.
// Implemented by store.SQLiteStore.
type BackupStore interface {
	GenerateSnapshot(ctx context.Context, dest string) error
	DeviceID(ctx context.Context) (string, error)
}

// BackupResult describes one completed backup.
type BackupResult struct {
	Path     string
	Key      string
	Uploaded bool
	URL      string // pre-signed download URL when uploaded
}

// BackupWorker writes periodic copies of the local database and uploads
// them when remote storage is configured.
type BackupWorker struct {
	store    BackupStore
	uploader snapshot.Uploader
	dir      string
	interval time.Duration
	now      func() time.Time
}

// NewBackupWorker creates a backup worker. A nil uploader keeps backups local.
func NewBackupWorker(store BackupStore, uploader snapshot.Uploader, dir string, interval time.Duration) *BackupWorker {
	if uploader == nil {
		uploader = &snapshot.NoopUploader{}
	}
	return &BackupWorker{
		store:    store,
		uploader: uploader,
		dir:      dir,
		interval: interval,
		now:      time.Now,
	}
}

// Run starts the worker loop. Backs up on each interval; the first backup
// waits one interval so startup stays light.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup",
		"action", "worker_started",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			if _, err := w.Backup(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("backup failed",
					"component", "worker",
					"worker", "backup",
					"action", "backup_failed",
					"error", err,
				)
			}
		}
	}
}

// Backup writes one backup file and uploads it. Upload failures are logged
// but not returned: the local copy remains valid.
func (w *BackupWorker) Backup(ctx context.Context) (*BackupResult, error) {
	deviceID, err := w.store.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}

	at := w.now()
	key := snapshot.ObjectKey(deviceID, at)
	res := &BackupResult{
		Path: filepath.Join(w.dir, filepath.Base(key)),
		Key:  key,
	}

	if err := w.store.GenerateSnapshot(ctx, res.Path); err != nil {
		return nil, fmt.Errorf("generate backup: %w", err)
	}

	slog.Info("backup written",
		"component", "worker",
		"worker", "backup",
		"action", "backup_written",
		"path", res.Path,
	)

	if _, ok := w.uploader.(*snapshot.NoopUploader); ok {
		return res, nil
	}

	if err := w.uploader.Upload(ctx, key, res.Path); err != nil {
		slog.Warn("backup upload failed",
			"component", "worker",
			"worker", "backup",
			"action", "backup_upload_failed",
			"key", key,
			"error", err,
		)
		return res, nil
	}
	res.Uploaded = true

	url, _, err := w.uploader.PresignedURL(ctx, key)
	switch {
	case err == nil:
		res.URL = url
	case !errors.Is(err, snapshot.ErrNotConfigured):
		slog.Warn("failed to presign backup url",
			"component", "worker",
			"worker", "backup",
			"action", "backup_presign_failed",
			"key", key,
			"error", err,
		)
	}

	slog.Info("backup uploaded",
		"component", "worker",
		"worker", "backup",
		"action", "backup_uploaded",
		"key", key,
	)
	return res, nil
}
