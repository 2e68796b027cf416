package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/possync/internal/api"
	"github.com/hyperengineering/possync/internal/store"
	possync "github.com/hyperengineering/possync/internal/sync"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference collection backend",
	Long:  "Serve the remote collection API from a local SQLite database, for development and testing without an external backend.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 3. Initialize backend store
	db, err := store.NewBackendStore(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Server.DBPath)

	// 4. Initialize HTTP router
	collections := make([]string, len(possync.Collections))
	for i, c := range possync.Collections {
		collections[i] = c.Remote
	}
	handler := api.NewHandler(db, cfg.Server.APIKey, Version, collections)
	router := api.NewRouter(handler)
	if cfg.Server.APIKey == "" {
		slog.Warn("server API key not set, collection endpoints are unauthenticated", "component", "cli")
	}

	// 5. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 6. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 7. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 8. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
