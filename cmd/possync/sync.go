package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Args:  cobra.NoArgs,
	RunE:  runSyncOnce,
}

// collectionSummary is the JSON shape of one collection's outcome.
type collectionSummary struct {
	Collection string `json:"collection"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Deleted    int    `json:"deleted"`
	Pulled     int    `json:"pulled"`
	Skipped    int    `json:"skipped"`
	Stale      int    `json:"stale"`
	Failed     int    `json:"failed"`
	PushError  string `json:"push_error,omitempty"`
	PullError  string `json:"pull_error,omitempty"`
}

func runSyncOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openLocal(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := newEngine(ctx, cfg, st, nil)
	if err != nil {
		return err
	}
	if _, err := engine.Prepare(ctx); err != nil {
		return err
	}

	res, err := engine.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	summaries := make([]collectionSummary, len(res.Collections))
	for i, c := range res.Collections {
		summaries[i] = collectionSummary{
			Collection: c.Collection,
			Created:    c.Created,
			Updated:    c.Updated,
			Deleted:    c.Deleted,
			Pulled:     c.Pulled,
			Skipped:    c.Skipped,
			Stale:      c.Stale,
			Failed:     c.Failed,
			PushError:  errString(c.PushErr),
			PullError:  errString(c.PullErr),
		}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"started_at":  res.StartedAt,
			"duration_ms": res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
			"collections": summaries,
			"unsynced":    res.Unsynced,
		})
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "COLLECTION\tCREATED\tUPDATED\tDELETED\tPULLED\tSKIPPED\tFAILED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			s.Collection, s.Created, s.Updated, s.Deleted, s.Pulled, s.Skipped, s.Failed+s.Stale)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\nSynced in %s, %d unsynced remaining.\n",
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond), res.Unsynced)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
