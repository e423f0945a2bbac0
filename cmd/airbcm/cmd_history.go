package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"airbcm/cmd/airbcm/ui"
	"airbcm/internal/history"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historySimID string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent deployment runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		store, err := history.Open(filepath.Join(cfg.LogDir(), history.FileName))
		if err != nil {
			return err
		}
		defer store.Close()

		var runs []history.Run
		if historySimID != "" {
			runs, err = store.ForSimulation(ctx, historySimID)
		} else {
			runs, err = store.Recent(ctx, historyLimit)
		}
		if err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), runs, time.Now())
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().StringVar(&historySimID, "sim-id", "", "Only runs for this simulation")
}

func printHistory(w io.Writer, runs []history.Run, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No deployments recorded")
		return
	}
	t := ui.NewSimpleTable("Deployments", "Started", "Status", "Simulation", "BCM", "Last step", "Duration")
	for _, r := range runs {
		status := r.Status
		if r.Resumed {
			status += " (resumed)"
		}
		dur := "-"
		if d := r.Duration(); d > 0 {
			dur = d.Round(time.Second).String()
		}
		t.AddRow(humanize.RelTime(r.StartedAt, now, "ago", "from now"), status,
			orDash(r.SimulationName), orDash(r.BCMVersion), orDash(r.LastStep), dur)
	}
	fmt.Fprintln(w, t.View(styles))

	for _, r := range runs {
		if r.Status == history.StatusFailed && r.Error != "" {
			fmt.Fprintln(w, styles.Muted.Render(fmt.Sprintf("%s  %s", r.ID[:min(8, len(r.ID))], r.Error)))
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var clearProgressCmd = &cobra.Command{
	Use:   "clear-progress",
	Short: "Remove the saved deployment checkpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t := tracker()
		out := cmd.OutOrStdout()
		if !t.Exists() {
			fmt.Fprintf(out, "No checkpoint at %s\n", t.Path())
			return nil
		}
		unlock, err := t.Lock()
		if err != nil {
			return err
		}
		defer unlock()
		if err := t.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(out, styles.OK("Cleared "+t.Path()))
		return nil
	},
}
