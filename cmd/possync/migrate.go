package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/possync/internal/id"
	"github.com/hyperengineering/possync/internal/store"
	possync "github.com/hyperengineering/possync/internal/sync"
	"github.com/spf13/cobra"
)

var migrateIDsCmd = &cobra.Command{
	Use:   "migrate-ids",
	Short: "Rewrite legacy record ids to canonical ids",
	Long:  "Rewrite every local row whose id is not canonical, cascading the new id through foreign keys and the cost price type setting. Safe to run repeatedly.",
	Args:  cobra.NoArgs,
	RunE:  runMigrateIDs,
}

func runMigrateIDs(cmd *cobra.Command, args []string) error {
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

	owner := id.MustGenerate()
	ok, err := st.AcquireLease(ctx, owner, possync.LeaseTTL)
	if err != nil {
		return fmt.Errorf("migrate ids: %w", err)
	}
	if !ok {
		return fmt.Errorf("migrate ids: %w", possync.ErrSyncInProgress)
	}
	report, err := st.MigrateLegacyIDs(ctx)
	if relErr := st.ReleaseLease(ctx, owner); relErr != nil {
		slog.Warn("failed to release sync lease", "component", "cli", "error", relErr)
	}
	if err != nil {
		return fmt.Errorf("migrate ids: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"renamed":            report.Renamed,
			"total":              report.Total(),
			"references_updated": report.ReferencesUpdated,
			"cost_type_updated":  report.CostTypeUpdated,
		})
	}

	out := cmd.OutOrStdout()
	if report.Total() == 0 {
		fmt.Fprintln(out, "No legacy ids found.")
		return nil
	}
	w := newTabWriter(out)
	fmt.Fprintln(w, "TABLE\tRENAMED")
	for _, t := range tablesInOrder() {
		if n := report.Renamed[t]; n > 0 {
			fmt.Fprintf(w, "%s\t%d\n", t, n)
		}
	}
	w.Flush()
	fmt.Fprintf(out, "\nRenamed %d rows, updated %d references.\n", report.Total(), report.ReferencesUpdated)
	return nil
}

// tablesInOrder lists the local tables in sync order.
func tablesInOrder() []store.Table {
	tables := make([]store.Table, len(possync.Collections))
	for i, c := range possync.Collections {
		tables[i] = c.Table
	}
	return tables
}
