package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"airbcm/internal/logging"
	"airbcm/internal/topology"

	"github.com/spf13/cobra"
)

// errValidation marks a validate run that found errors; the reports were
// already printed.
var errValidation = errors.New("topology validation failed")

var validateCmd = &cobra.Command{
	Use:   "validate <topology>...",
	Short: "Check topology files before deploying them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		failed := 0
		for _, arg := range args {
			path := arg
			if file, _ := topology.ResolvePath(arg); file != "" {
				path = file
			}
			r := topology.Validate(path)
			printReport(out, r)
			if !r.OK() {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%w: %d of %d file(s) have errors", errValidation, failed, len(args))
		}
		return nil
	},
}

func printReport(w io.Writer, r *topology.Report) {
	title := r.Path
	if r.Title != "" {
		title = fmt.Sprintf("%s (%s)", r.Path, r.Title)
	}
	fmt.Fprintln(w, styles.Header.Render(title))
	if r.Nodes > 0 || r.Links > 0 {
		fmt.Fprintf(w, "  %d nodes, %d links\n", r.Nodes, r.Links)
	}
	for _, s := range r.Info {
		fmt.Fprintln(w, "  "+styles.Muted.Render(s))
	}
	for _, s := range r.Warnings {
		fmt.Fprintln(w, "  "+styles.Warn(s))
	}
	for _, s := range r.Errors {
		fmt.Fprintln(w, "  "+styles.Fail(s))
	}
	if r.OK() {
		fmt.Fprintln(w, "  "+styles.OK("valid"))
	}
	fmt.Fprintln(w)
}

var (
	convertOutput   string
	convertBCMMAC   string
	convertNoBCMMAC bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <file.dot>",
	Short: "Convert a DOT topology export into topology.json",
	Long: `Converts a DOT topology into the JSON import format with OOB disabled,
fake nodes removed and an outbound link on the BCM head node.

Without -o the JSON is written next to the input with a .json extension.
Use "-o -" to print it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timer := logging.StartTimer(logging.CategoryTopology, "convert")
		defer timer.Stop()

		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()

		mac := convertBCMMAC
		if convertNoBCMMAC {
			mac = ""
		}
		res, err := topology.ConvertDOT(in, mac)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		target := convertOutput
		if target == "" {
			target = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".json"
		}
		if target == "-" {
			return res.Topology.WriteJSON(out)
		}

		f, err := os.Create(target)
		if err != nil {
			return err
		}
		if err := res.Topology.WriteJSON(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}

		fmt.Fprintln(out, styles.OK(fmt.Sprintf("Wrote %s (%d nodes, %d links)",
			target, len(res.Topology.Content.Nodes), len(res.Topology.Content.Links))))
		if res.HeadNode != "" {
			fmt.Fprintf(out, "  BCM head node: %s\n", res.HeadNode)
		}
		if res.AddedOutbound {
			fmt.Fprintf(out, "  Added outbound link on %s:eth0\n", res.HeadNode)
		}
		if mac != "" && res.HeadNode != "" {
			fmt.Fprintf(out, "  Outbound MAC: %s\n", mac)
		}
		for _, w := range res.Warnings {
			fmt.Fprintln(out, "  "+styles.Warn(w))
		}
		return nil
	},
}

func init() {
	f := convertCmd.Flags()
	f.StringVarP(&convertOutput, "output", "o", "", "Output file (\"-\" for stdout)")
	f.StringVar(&convertBCMMAC, "bcm-mac", topology.DefaultBCMMAC, "MAC pinned on the head node's outbound interface")
	f.BoolVar(&convertNoBCMMAC, "no-bcm-mac", false, "Do not pin a MAC on the outbound interface")
	convertCmd.MarkFlagsMutuallyExclusive("bcm-mac", "no-bcm-mac")
}
