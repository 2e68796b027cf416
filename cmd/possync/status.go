package main

import (
	"context"
	"fmt"
	"time"

	possync "github.com/hyperengineering/possync/internal/sync"
	"github.com/spf13/cobra"
)

var statusOffline bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show unsynced counts, last sync time and server reachability",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// statusReport is the JSON shape of possync status.
type statusReport struct {
	possync.Status
	DeviceID string `json:"deviceId"`
	Remote   string `json:"remote"`
}

func init() {
	statusCmd.Flags().BoolVar(&statusOffline, "offline", false,
		"Skip the server health check")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	engine, err := newEngine(ctx, cfg, st, nil)
	if err != nil {
		return err
	}
	if _, err := engine.RefreshCounts(ctx); err != nil {
		return err
	}
	if !statusOffline {
		engine.CheckHealth(ctx)
	}

	report := statusReport{Status: engine.Status(), Remote: cfg.Remote.URL}
	if report.LastSync, err = st.LastSync(ctx); err != nil {
		return err
	}
	if report.DeviceID, err = st.DeviceID(ctx); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), report)
	}

	out := cmd.OutOrStdout()
	remoteState := "offline"
	switch {
	case cfg.Remote.URL == "":
		remoteState = "not configured"
	case statusOffline:
		remoteState = "not checked"
	case report.IsServerOnline:
		remoteState = "online"
	}
	lastSync := "never"
	if !report.LastSync.IsZero() {
		lastSync = report.LastSync.Local().Format(time.DateTime)
	}

	fmt.Fprintf(out, "Device:     %s\n", report.DeviceID)
	fmt.Fprintf(out, "Remote:     %s (%s)\n", valueOrDash(cfg.Remote.URL), remoteState)
	fmt.Fprintf(out, "Last sync:  %s\n", lastSync)
	fmt.Fprintf(out, "Unsynced:   %d\n\n", report.Total)

	w := newTabWriter(out)
	fmt.Fprintln(w, "TABLE\tUNSYNCED")
	for _, t := range tablesInOrder() {
		fmt.Fprintf(w, "%s\t%d\n", t, report.Unsynced[t])
	}
	return w.Flush()
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
