package main

import (
	"fmt"
	"io"

	"airbcm/cmd/airbcm/ui"
	"airbcm/internal/air"

	"github.com/spf13/cobra"
)

var (
	ucDelete bool
	ucKeep   string
)

var userconfigsCmd = &cobra.Command{
	Use:   "userconfigs",
	Short: "List UserConfigs and clean up duplicates and test leftovers",
	Long: `Lists the cloud-init UserConfigs of the account. The first config named
--keep is kept; later copies of any name and configs left behind by tests
are marked for deletion. Nothing is deleted without --delete.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		api, err := newAPI(ctx)
		if err != nil {
			return err
		}
		cfgs, err := api.ListUserConfigs(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		plan := air.PlanCleanup(cfgs, ucKeep)
		printCleanupPlan(out, plan, len(cfgs))

		victims := plan.Delete()
		if len(victims) == 0 || !ucDelete {
			if len(victims) > 0 {
				fmt.Fprintf(out, "\nRe-run with --delete to remove %d config(s).\n", len(victims))
			}
			return nil
		}

		failed := 0
		for _, uc := range victims {
			if err := api.DeleteUserConfig(ctx, uc.ID); err != nil {
				fmt.Fprintln(out, styles.Fail(fmt.Sprintf("%s (%s): %v", uc.Name, uc.ID, err)))
				failed++
				continue
			}
			fmt.Fprintln(out, styles.OK(fmt.Sprintf("Deleted %s (%s)", uc.Name, uc.ID)))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deletions failed", failed, len(victims))
		}
		return nil
	},
}

func init() {
	userconfigsCmd.Flags().BoolVar(&ucDelete, "delete", false, "Delete duplicates and test configs")
	userconfigsCmd.Flags().StringVar(&ucKeep, "keep", air.UserConfigName, "Name of the config to keep")
}

func printCleanupPlan(w io.Writer, plan air.CleanupPlan, total int) {
	t := ui.NewSimpleTable(fmt.Sprintf("UserConfigs (%d)", total), "Action", "Name", "Kind", "ID")
	if plan.Keep != nil {
		t.AddRow("keep", plan.Keep.Name, plan.Keep.Kind, plan.Keep.ID)
	}
	for _, uc := range plan.Duplicates {
		t.AddRow("duplicate", uc.Name, uc.Kind, uc.ID)
	}
	for _, uc := range plan.Tests {
		t.AddRow("test", uc.Name, uc.Kind, uc.ID)
	}
	for _, uc := range plan.Others {
		t.AddRow("", uc.Name, uc.Kind, uc.ID)
	}
	if view := t.View(styles); view != "" {
		fmt.Fprintln(w, view)
	} else {
		fmt.Fprintln(w, "No UserConfigs found")
	}
}
