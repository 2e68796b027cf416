package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/possync/internal/config"
	"github.com/hyperengineering/possync/internal/remote"
	"github.com/hyperengineering/possync/internal/store"
	possync "github.com/hyperengineering/possync/internal/sync"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "possync",
	Short:         "possync - offline-first point-of-sale sync engine",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides POSSYNC_CONFIG_PATH; must exist)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateIDsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(productCmd)
	rootCmd.AddCommand(customerCmd)
}

// loadConfig loads configuration from --config when given, otherwise from
// the default search path, and installs the logger.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))
	return cfg, nil
}

// newLogger builds the process logger from the log config.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openLocal opens the local database.
func openLocal(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	slog.Debug("store initialized", "component", "cli", "path", cfg.Database.Path)
	return st, nil
}

// newEngine wires a sync engine over st. The remote client carries this
// database's device id.
func newEngine(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, bus *possync.EventBus) (*possync.Engine, error) {
	deviceID, err := st.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	client := remote.New(cfg.Remote.URL, remote.Options{
		APIKey:        cfg.Remote.APIKey,
		DeviceID:      deviceID,
		HealthTimeout: time.Duration(cfg.Sync.HealthTimeout),
		PerPage:       cfg.Sync.PerPage,
	})
	return possync.NewEngine(st, client, bus), nil
}

// prepareRetry is how often run retries Prepare while another process holds
// the sync lease.
const prepareRetry = time.Second

// prepareEngine runs the legacy id pass, waiting out another process that
// holds the sync lease on the same database.
func prepareEngine(ctx context.Context, prepare func(context.Context) (*store.MigrationReport, error), retry time.Duration) error {
	for {
		_, err := prepare(ctx)
		if !errors.Is(err, possync.ErrSyncInProgress) {
			return err
		}
		slog.Info("sync lease held elsewhere, waiting", "component", "cli", "action", "prepare_wait")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
