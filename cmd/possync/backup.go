package main

import (
	"context"
	"fmt"

	"github.com/hyperengineering/possync/internal/snapshot"
	"github.com/hyperengineering/possync/internal/worker"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a snapshot of the local database and upload it if storage is configured",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openLocal(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}
	res, err := worker.NewBackupWorker(st, uploader, cfg.Backup.Dir, 0).Backup(ctx)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"path":     res.Path,
			"key":      res.Key,
			"uploaded": res.Uploaded,
			"url":      res.URL,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Snapshot written to %s\n", res.Path)
	if res.Uploaded {
		fmt.Fprintf(out, "Uploaded as %s\n", res.Key)
		if res.URL != "" {
			fmt.Fprintf(out, "Download: %s\n", res.URL)
		}
	}
	return nil
}
