// wristwake runs the watch power manager: it turns the display on and off
// from wrist motion, tilt and user input, streams orientation to a
// companion app and keeps usage statistics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"wristwake/internal/config"
	"wristwake/internal/logging"
	"wristwake/internal/stats"
)

var version = "dev"

func main() {
	if err := fang.Execute(context.Background(), newRootCmd()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "wristwake",
		Short:        "Smartwatch display power manager",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./wristwake.yaml", "Path to YAML config")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the power manager until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runDaemon(ctx, configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print persisted usage statistics as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printStats(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, "wristwake")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer rt.Close()
	return rt.Run(ctx)
}

type statsReport struct {
	Boots            uint32  `json:"boots"`
	BootID           string  `json:"boot_id"`
	WakeupTime       string  `json:"wakeup_time"`
	DisplayOffTime   string  `json:"display_off_time"`
	UptimeSum        string  `json:"uptime_sum"`
	UpdatedAt        string  `json:"updated_at,omitempty"`
	DisplayOnPercent float64 `json:"display_on_percent"`
}

func printStats(ctx context.Context, configPath string, w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	store, closeStore, err := openStatsStore(cfg.Stats)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := store.Load(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report(rec))
}

func report(rec stats.Record) statsReport {
	r := statsReport{
		Boots:          rec.Boots,
		BootID:         rec.BootID,
		WakeupTime:     rec.WakeupTime.String(),
		DisplayOffTime: rec.DisplayOffTime.String(),
		UptimeSum:      rec.UptimeSum.String(),
	}
	if !rec.UpdatedAt.IsZero() {
		r.UpdatedAt = rec.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if total := rec.WakeupTime + rec.DisplayOffTime; total > 0 {
		r.DisplayOnPercent = 100 * float64(rec.WakeupTime) / float64(total)
	}
	return r
}
