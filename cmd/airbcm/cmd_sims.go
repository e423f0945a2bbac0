package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"airbcm/cmd/airbcm/ui"
	"airbcm/internal/air"
	"airbcm/internal/deploy"

	"github.com/spf13/cobra"
)

var (
	simID      string
	simName    string
	deleteDry  bool
	infoRawJob string
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a simulation by ID or name",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		api, err := newAPI(ctx)
		if err != nil {
			return err
		}
		sim, err := resolveSimulation(ctx, api)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		label := fmt.Sprintf("%s (%s, %s)", sim.DisplayName(), sim.ID, sim.State)
		if deleteDry {
			fmt.Fprintln(out, styles.Info.Render("Would delete "+label))
			return nil
		}
		if err := api.DeleteSimulation(ctx, sim.ID); err != nil {
			return err
		}
		fmt.Fprintln(out, styles.OK("Deleted "+label))
		return nil
	},
}

var simInfoCmd = &cobra.Command{
	Use:   "sim-info",
	Short: "Show a simulation with its nodes, services and jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		api, err := newAPI(ctx)
		if err != nil {
			return err
		}
		sim, err := resolveSimulation(ctx, api)
		if err != nil {
			return err
		}
		return printSimInfo(ctx, cmd.OutOrStdout(), api, sim)
	},
}

func init() {
	for _, c := range []*cobra.Command{deleteCmd, simInfoCmd} {
		c.Flags().StringVar(&simID, "sim-id", "", "Simulation ID")
		c.Flags().StringVar(&simName, "sim-name", "", "Simulation title or name")
		c.MarkFlagsMutuallyExclusive("sim-id", "sim-name")
		c.MarkFlagsOneRequired("sim-id", "sim-name")
	}
	deleteCmd.Flags().BoolVar(&deleteDry, "dry-run", false, "Show what would be deleted")
	simInfoCmd.Flags().StringVar(&infoRawJob, "job", "", "Also dump the raw v1 job with this ID")
}

// resolveSimulation looks the simulation up by --sim-id or --sim-name.
func resolveSimulation(ctx context.Context, api *air.Client) (*air.Simulation, error) {
	switch {
	case simID != "":
		return api.GetSimulation(ctx, simID)
	case simName != "":
		return api.FindSimulationByName(ctx, simName)
	}
	return nil, errors.Join(deploy.ErrInvalidOptions, errors.New("one of --sim-id or --sim-name is required"))
}

func printSimInfo(ctx context.Context, w io.Writer, api *air.Client, sim *air.Simulation) error {
	fmt.Fprintln(w, styles.Header.Render(sim.DisplayName()))
	fmt.Fprintf(w, "  ID:      %s\n", sim.ID)
	fmt.Fprintf(w, "  State:   %s\n", sim.State)
	if sim.Created != "" {
		fmt.Fprintf(w, "  Created: %s\n", sim.Created)
	}
	fmt.Fprintln(w)

	nodes, err := api.ListNodes(ctx, sim.ID)
	if err != nil {
		return err
	}
	nt := ui.NewSimpleTable("Nodes", "Name", "State", "ID")
	for _, n := range nodes {
		nt.AddRow(n.Name, n.State, n.ID)
	}
	fmt.Fprintln(w, nt.View(styles))

	// Services and jobs are informational; a failure there should not hide
	// the node list.
	if services, err := api.ListServicesV1(ctx, sim.ID); err != nil {
		fmt.Fprintln(w, styles.Warn("services: "+err.Error()))
	} else {
		st := ui.NewSimpleTable("Services", "Name", "Node", "Interface", "Port", "External")
		for _, s := range services {
			ext := ""
			if s.Host != "" {
				ext = s.Host + ":" + strconv.Itoa(s.SrcPort)
			}
			st.AddRow(s.Name, s.NodeName, s.Interface, strconv.Itoa(s.DestPort), ext)
		}
		fmt.Fprintln(w, st.View(styles))
	}

	if jobs, err := api.ListJobs(ctx, sim.ID); err != nil {
		fmt.Fprintln(w, styles.Warn("jobs: "+err.Error()))
	} else {
		jt := ui.NewSimpleTable("Jobs", "Category", "State", "ID")
		for _, j := range jobs {
			jt.AddRow(j.Category, j.State, j.ID)
		}
		fmt.Fprintln(w, jt.View(styles))
	}

	if infoRawJob != "" {
		raw := api.GetJobV1(ctx, infoRawJob)
		fmt.Fprintf(w, "Job %s: HTTP %d\n", infoRawJob, raw.StatusCode)
		switch {
		case raw.Error != "":
			fmt.Fprintln(w, styles.Fail(raw.Error))
		case raw.JSON != nil:
			fmt.Fprintf(w, "%v\n", raw.JSON)
		default:
			fmt.Fprintln(w, raw.Text)
		}
	}
	return nil
}
