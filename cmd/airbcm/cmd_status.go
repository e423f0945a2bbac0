package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"airbcm/internal/progress"

	"github.com/spf13/cobra"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved deployment checkpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		t := tracker()
		printStatus(out, t.Path(), t.State())
		if !statusWatch {
			return nil
		}

		ctx, cancel := signalContext()
		defer cancel()
		fmt.Fprintln(out, styles.Muted.Render("Watching for changes (Ctrl+C to stop)"))
		return t.Watch(ctx, func(state map[string]any) {
			fmt.Fprintln(out, styles.Divider.Render(strings.Repeat("─", 40)))
			printStatus(out, t.Path(), state)
		})
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Keep printing the checkpoint as it changes")
}

// statusKeys are shown first, in this order; anything else follows sorted.
var statusKeys = []string{
	"simulation_name", "simulation_id", "bcm_version", "bcm_node_name",
	"ssh_host", "ssh_port", "ssh_config_file", "bootstrap_method",
}

func printStatus(w io.Writer, path string, state map[string]any) {
	last, _ := state["last_step"].(string)
	if last == "" {
		fmt.Fprintf(w, "No deployment in progress (%s)\n", path)
		return
	}
	idx := progress.Index(progress.Step(last))
	fmt.Fprintln(w, styles.Header.Render("Deployment checkpoint"))
	fmt.Fprintf(w, "  File:         %s\n", path)
	fmt.Fprintf(w, "  Last step:    %s (%d/%d)\n", last, idx+1, len(progress.Steps))
	if ts, _ := state["last_updated"].(string); ts != "" {
		fmt.Fprintf(w, "  Last updated: %s\n", ts)
	}

	seen := map[string]bool{"last_step": true, "last_updated": true, "default_password": true}
	for _, k := range statusKeys {
		if v, ok := state[k]; ok {
			fmt.Fprintf(w, "  %-22s %v\n", k+":", v)
		}
		seen[k] = true
	}
	var rest []string
	for k := range state {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(w, "  %-22s %v\n", k+":", state[k])
	}

	if last == string(progress.StepCompleted) {
		fmt.Fprintln(w, styles.OK("Deployment completed"))
	} else if idx+1 < len(progress.Steps) {
		fmt.Fprintf(w, "  Next step:    %s (airbcm deploy --resume)\n", progress.Steps[idx+1])
	}
}
