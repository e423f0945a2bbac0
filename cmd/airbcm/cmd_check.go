package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"airbcm/internal/config"
	"airbcm/internal/iso"
	"airbcm/internal/remote"
	"airbcm/internal/shell"

	"github.com/spf13/cobra"
)

var errPreflight = errors.New("preflight checks failed")

// checkResult is one preflight line.
type checkResult struct {
	Name string
	OK   bool
	Warn bool
	Msg  string
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify credentials, SSH keys, ISOs and local tools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		results := preflight(cfg)
		return reportPreflight(cmd.OutOrStdout(), results)
	},
}

// preflight runs the local checks that do not need the network.
func preflight(c *config.Config) []checkResult {
	var out []checkResult
	add := func(name string, ok bool, msg string) {
		out = append(out, checkResult{Name: name, OK: ok, Msg: msg})
	}

	env := []struct{ name, value string }{
		{"AIR_API_TOKEN", c.API.Token},
		{"AIR_USERNAME", c.API.Username},
		{"BCM_PRODUCT_KEY", c.BCM.ProductKey},
	}
	for _, e := range env {
		if config.IsPlaceholder(e.value) {
			add(e.name, false, "not set or still the sample value")
		} else {
			add(e.name, true, "set")
		}
	}
	if c.BCM.AdminEmail == "" || config.IsPlaceholder(c.BCM.AdminEmail) {
		out = append(out, checkResult{Name: "BCM_ADMIN_EMAIL", OK: true, Warn: true, Msg: "not set, using " + c.AdminEmail()})
	}

	if _, err := remote.LoadSigner(c.PrivateKeyPath()); err != nil {
		add("SSH private key", false, err.Error())
	} else {
		add("SSH private key", true, c.PrivateKeyPath())
	}
	if _, err := c.ReadPublicKey(); err != nil {
		add("SSH public key", false, err.Error())
	} else {
		add("SSH public key", true, c.PublicKeyPath())
	}

	dir := config.ExpandPath(c.Paths.ISODir)
	cat, err := iso.Scan(dir)
	switch {
	case err != nil:
		add("BCM ISOs", false, err.Error())
	case cat.Empty():
		add("BCM ISOs", false, "no bcm-10/bcm-11 ISOs in "+dir)
	default:
		var names []string
		for _, img := range cat.All() {
			names = append(names, img.Version)
		}
		add("BCM ISOs", true, strings.Join(names, ", "))
	}

	if missing := shell.MissingTools("rsync", "ssh"); len(missing) > 0 {
		add("Local tools", false, "missing on PATH: "+strings.Join(missing, ", "))
	} else {
		add("Local tools", true, "rsync, ssh")
	}
	return out
}

func reportPreflight(w io.Writer, results []checkResult) error {
	failed := 0
	for _, r := range results {
		line := fmt.Sprintf("%-16s %s", r.Name, r.Msg)
		switch {
		case !r.OK:
			failed++
			fmt.Fprintln(w, styles.Fail(line))
		case r.Warn:
			fmt.Fprintln(w, styles.Warn(line))
		default:
			fmt.Fprintln(w, styles.OK(line))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d problem(s)", errPreflight, failed)
	}
	fmt.Fprintln(w, "\nReady to deploy.")
	return nil
}
