package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"airbcm/internal/deploy"
	"airbcm/internal/history"
	"airbcm/internal/logging"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var deployOpts deploy.Options

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Create a simulation and install BCM on its head node",
	Long: `Runs the full deployment: pick the BCM ISO, create (or adopt) the
simulation, assign cloud-init, start it, wait for the head node, configure SSH,
upload the ISO and run the installer, then apply post-install features.

Examples:
  airbcm deploy
  airbcm deploy --topology topologies/lab --bcm-version 11 --non-interactive
  airbcm deploy --resume
  airbcm deploy --sim-id <uuid> --secondary bcm-02`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

func init() {
	f := deployCmd.Flags()
	f.StringVarP(&deployOpts.TopologyPath, "topology", "t", "", "Topology directory or JSON file (default: paths.topology)")
	f.StringVar(&deployOpts.SimID, "sim-id", "", "Install onto an existing simulation instead of creating one")
	f.StringVar(&deployOpts.Primary, "primary", "", "Head node hostname in the existing simulation")
	f.StringVar(&deployOpts.Secondary, "secondary", "", "Install as the secondary head node on this hostname")
	f.StringVar(&deployOpts.Name, "name", "", "Simulation name (default: <YYYYMM><seq>-BCM-Lab)")
	f.StringVar(&deployOpts.BCMVersion, "bcm-version", "", "BCM major (10, 11) or full version")
	f.BoolVarP(&deployOpts.NonInteractive, "non-interactive", "y", false, "Use defaults instead of prompting")
	f.BoolVar(&deployOpts.Resume, "resume", false, "Continue from the saved checkpoint")
	f.BoolVar(&deployOpts.SkipInstall, "skip-install", false, "Stop after the head node is reachable")
	f.BoolVar(&deployOpts.SkipCloudInit, "skip-cloud-init", false, "Set passwords over SSH instead of cloud-init")
	f.BoolVar(&deployOpts.SkipSSHService, "skip-ssh-service", false, "Do not create the SSH service")
	f.BoolVar(&deployOpts.KeepProgress, "keep-progress", false, "Keep the checkpoint after a non-interactive success")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	opts := deployOpts
	if opts.TopologyPath == "" {
		opts.TopologyPath = cfg.Paths.Topology
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, styles.Banner("NVIDIA Air BCM Deployment"))
	fmt.Fprintf(out, "API: %s\n", cfg.API.URL)

	api, err := newAPI(ctx)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	fmt.Fprintln(out, styles.OK("Authenticated as "+cfg.API.Username))

	var hist *history.Store
	if h, err := history.Open(filepath.Join(cfg.LogDir(), history.FileName)); err != nil {
		logging.StoreWarn("History ledger unavailable: %v", err)
	} else {
		hist = h
		defer hist.Close()
	}

	runID := uuid.NewString()
	conn, err := deploy.NewSSHConnector(cfg, logging.Audit(runID))
	if err != nil {
		return fmt.Errorf("failed to load SSH private key: %w", err)
	}
	api.SetAudit(logging.Audit(runID))

	var prompter deploy.Prompter
	if !opts.NonInteractive {
		prompter = newTermPrompter(os.Stdin, out)
	}
	d, err := deploy.New(deploy.Config{
		Settings:  cfg,
		Options:   opts,
		API:       api,
		Connector: conn,
		Prompter:  prompter,
		Progress:  tracker(),
		History:   hist,
		Out:       out,
		RunID:     runID,
	})
	if err != nil {
		return err
	}

	sum, err := d.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(out, sum)
	return nil
}

// summaryMarkdown is rendered through glamour at the end of a deployment.
func summaryMarkdown(s *deploy.Summary) string {
	var b strings.Builder
	b.WriteString("# Deployment complete\n\n")
	b.WriteString("| | |\n|---|---|\n")
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "| %s | `%s` |\n", k, v)
		}
	}
	row("Simulation", s.SimulationName)
	row("Simulation ID", s.SimulationID)
	row("BCM version", s.BCMVersion)
	row("Head node", s.NodeName)
	row("Internalnet", s.Internalnet)
	row("Head node IP", s.InternalnetIP)
	row("Password", s.Password)
	row("Bootstrap", s.BootstrapMethod)
	row("Duration", s.Duration.Round(time.Second).String())
	row("Run ID", s.RunID)

	if cmdline := s.SSHCommand(); cmdline != "" {
		fmt.Fprintf(&b, "\n## Connect\n\n```\n%s\n```\n", cmdline)
	}
	if s.InstallSkipped {
		b.WriteString("\nBCM installation was skipped (`--skip-install`).\n")
	} else {
		fmt.Fprintf(&b, "\nBase View: `https://%s` (user `root`)\n", s.InternalnetIP)
	}
	if s.FeatureErrors != "" {
		fmt.Fprintf(&b, "\nSome post-install features had errors: %s\n", s.FeatureErrors)
	}
	if !s.ProgressCleared {
		b.WriteString("\nThe checkpoint was kept; `airbcm clear-progress` removes it.\n")
	}
	return b.String()
}

func printSummary(w io.Writer, s *deploy.Summary) {
	md := summaryMarkdown(s)
	style := "light"
	if styles.Theme.IsDark {
		style = "dark"
	}
	r, err := glamour.NewTermRenderer(glamour.WithStylePath(style), glamour.WithWordWrap(100))
	if err == nil {
		if rendered, err := r.Render(md); err == nil {
			fmt.Fprint(w, rendered)
			return
		}
	}
	fmt.Fprint(w, md)
}
