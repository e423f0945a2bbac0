package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"airbcm/cmd/airbcm/ui"
	"airbcm/internal/air"
	"airbcm/internal/config"
	"airbcm/internal/deploy"
	"airbcm/internal/history"
	"airbcm/internal/progress"
	"airbcm/internal/shell"
	"airbcm/internal/topology"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func init() {
	styles = ui.NewStyles(ui.LightTheme())
}

// execute runs the root command with a throwaway config rooted in dir.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			f.Changed = false
			_ = f.Value.Set(f.DefValue)
		})
	}
	cfgFile := filepath.Join(dir, "airbcm.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(fmt.Sprintf("paths:\n  log_dir: %s\n", filepath.Join(dir, "logs"))), 0644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", cfgFile, "--env", filepath.Join(dir, "none.env")}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

const labDOT = `graph "CLI Lab" {
  "bcm-01" [ function="server" memory="16384" os="generic/ubuntu2404" cpu="8"]
  "leaf01" [ function="leaf" os="cumulus-vx-5.9.1"]
  "node001" [ os="pxe" boot="network"]
  "bcm-01":"eth1" -- "leaf01":"swp1"
  "node001":"eth0" -- "leaf01":"swp2"
}`

func TestConvertThenValidate(t *testing.T) {
	dir := t.TempDir()
	dot := filepath.Join(dir, "lab.dot")
	require.NoError(t, os.WriteFile(dot, []byte(labDOT), 0644))

	out, err := execute(t, dir, "convert", dot)
	require.NoError(t, err, out)
	assert.Contains(t, out, "BCM head node: bcm-01")
	assert.Contains(t, out, "Added outbound link on bcm-01:eth0")
	assert.Contains(t, out, "Outbound MAC: "+topology.DefaultBCMMAC)

	jsonPath := filepath.Join(dir, "lab.json")
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"outbound"`)

	out, err = execute(t, dir, "validate", jsonPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "BCM outbound interface: bcm-01:eth0")
	assert.Contains(t, out, "valid")
}

func TestConvertNoMACToStdout(t *testing.T) {
	dir := t.TempDir()
	dot := filepath.Join(dir, "lab.dot")
	require.NoError(t, os.WriteFile(dot, []byte(labDOT), 0644))

	out, err := execute(t, dir, "convert", dot, "-o", "-", "--no-bcm-mac")
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "CLI Lab"`)
	assert.NotContains(t, out, "48:b0:2d")
	assert.NoFileExists(t, filepath.Join(dir, "lab.json"))
}

func TestValidateReportsErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"format":"JSON","title":"x","content":{"nodes":{"leaf01":{}},"links":[]}}`), 0644))

	out, err := execute(t, dir, "validate", bad, filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errValidation)
	assert.Contains(t, err.Error(), "2 of 2")
	assert.Contains(t, out, "No BCM node found")
	assert.Contains(t, out, "File not found")
	assert.Equal(t, 1, exitCode(err))
}

func TestStatusAndClearProgress(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No deployment in progress")

	tr := progress.Open(filepath.Join(dir, "logs"))
	require.NoError(t, tr.Complete(progress.StepSimulationLoaded, map[string]any{
		"simulation_name":  "202603001-BCM-Lab",
		"default_password": "secret",
		"zz_extra":         "tail",
	}))

	out, err = execute(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "simulation_loaded")
	assert.Contains(t, out, "202603001-BCM-Lab")
	assert.Contains(t, out, "zz_extra")
	assert.Contains(t, out, "Next step:    ssh_enabled")
	assert.NotContains(t, out, "secret")

	out, err = execute(t, dir, "clear-progress")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared")
	assert.False(t, progress.Open(filepath.Join(dir, "logs")).Exists())
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No deployments recorded")

	store, err := history.Open(filepath.Join(dir, "logs", history.FileName))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Start(ctx, &history.Run{ID: "run-aaaaaaaa-1", StartedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, store.Update(ctx, "run-aaaaaaaa-1", "sim-1", "202603001-BCM-Lab", "10.30.0"))
	require.NoError(t, store.Finish(ctx, "run-aaaaaaaa-1", history.StatusFailed, "ssh_enabled", errors.New("no SSH service")))
	require.NoError(t, store.Close())

	out, err = execute(t, dir, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "202603001-BCM-Lab")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "run-aaaa  no SSH service")
}

func TestPrintHistory(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printHistory(&buf, []history.Run{{
		ID:         "abc",
		StartedAt:  now.Add(-2 * time.Hour),
		FinishedAt: now.Add(-2*time.Hour + 95*time.Second),
		Status:     history.StatusSucceeded,
		Resumed:    true,
	}}, now)
	out := buf.String()
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "succeeded (resumed)")
	assert.Contains(t, out, "1m35s")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 2, exitCode(errors.Join(deploy.ErrInvalidOptions, errors.New("bad flag"))))
	assert.Equal(t, 130, exitCode(fmt.Errorf("waiting: %w", context.Canceled)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestHints(t *testing.T) {
	assert.Len(t, hints(fmt.Errorf("login: %w", air.ErrUnauthorized)), 2)
	assert.Contains(t, hints(progress.ErrLocked)[0], "LOCAL_NAMESPACE")

	dns := &net.DNSError{Name: "air-inside.nvidia.com", Err: "no such host"}
	h := hints(fmt.Errorf("dial: %w", dns))
	require.Len(t, h, 1)
	assert.Contains(t, h[0], "air-inside.nvidia.com")

	assert.Nil(t, hints(errors.New("other")))
}

func TestPrintErrorInterrupted(t *testing.T) {
	var buf bytes.Buffer
	printError(&buf, context.Canceled)
	assert.Contains(t, buf.String(), "airbcm deploy --resume")
}

func TestSummaryMarkdown(t *testing.T) {
	md := summaryMarkdown(&deploy.Summary{
		SimulationName: "202603001-BCM-Lab",
		SimulationID:   "sim-1",
		BCMVersion:     "10.30.0",
		NodeName:       "bcm-01",
		SSHConfigFile:  "/tmp/ssh.conf",
		InternalnetIP:  "192.168.200.254",
		Duration:       90*time.Second + 400*time.Millisecond,
	})
	assert.Contains(t, md, "| Simulation | `202603001-BCM-Lab` |")
	assert.Contains(t, md, "| Duration | `1m30s` |")
	assert.Contains(t, md, "ssh -F /tmp/ssh.conf air-bcm-01")
	assert.Contains(t, md, "https://192.168.200.254")
	assert.Contains(t, md, "clear-progress")
	assert.NotContains(t, md, "| Password |")

	md = summaryMarkdown(&deploy.Summary{InstallSkipped: true, ProgressCleared: true})
	assert.Contains(t, md, "--skip-install")
	assert.NotContains(t, md, "Base View")
	assert.NotContains(t, md, "clear-progress")
	assert.NotContains(t, md, "post-install features")

	md = summaryMarkdown(&deploy.Summary{FeatureErrors: "post-install features failed: 1 action(s) reported errors"})
	assert.Contains(t, md, "Some post-install features had errors: post-install features failed")
}

func writeKeyPair(t *testing.T, dir string) (string, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "test")
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	privPath := filepath.Join(dir, "id_ed25519")
	pubPath := privPath + ".pub"
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(block), 0600))
	require.NoError(t, os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshPub), 0644))
	return privPath, pubPath
}

func TestPreflight(t *testing.T) {
	orig := shell.LookPath
	defer func() { shell.LookPath = orig }()

	dir := t.TempDir()
	privPath, pubPath := writeKeyPair(t, dir)
	isoDir := filepath.Join(dir, "iso")
	require.NoError(t, os.MkdirAll(isoDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(isoDir, "bcm-10.30.0-ubuntu2404.iso"), []byte("iso"), 0644))

	c := config.DefaultConfig()
	c.API.Token = "tok"
	c.API.Username = "me@example.com"
	c.BCM.ProductKey = "123456-789012-345678"
	c.SSH.PrivateKey = privPath
	c.SSH.PublicKey = pubPath
	c.Paths.ISODir = isoDir

	shell.LookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	var buf bytes.Buffer
	require.NoError(t, reportPreflight(&buf, preflight(c)))
	assert.Contains(t, buf.String(), "10.30.0")
	assert.Contains(t, buf.String(), "Ready to deploy")

	c.API.Token = "your_api_token_here"
	c.Paths.ISODir = filepath.Join(dir, "empty")
	shell.LookPath = func(name string) (string, error) {
		if name == "rsync" {
			return "", exec.ErrNotFound
		}
		return "/usr/bin/" + name, nil
	}
	buf.Reset()
	err := reportPreflight(&buf, preflight(c))
	require.ErrorIs(t, err, errPreflight)
	assert.Contains(t, err.Error(), "3 problem(s)")
	assert.Contains(t, buf.String(), "AIR_API_TOKEN")
	assert.Contains(t, buf.String(), "missing on PATH: rsync")
	assert.True(t, strings.Contains(buf.String(), "no bcm-10/bcm-11 ISOs"))
}

func TestPrompter(t *testing.T) {
	var out bytes.Buffer
	p := &termPrompter{in: bufio.NewReader(strings.NewReader("\nmy-sim\n\nn\n")), out: &out}

	pw, err := p.Password("Nvidia1234!")
	require.NoError(t, err)
	assert.Empty(t, pw)

	name, err := p.SimulationName("202603001-BCM-Lab")
	require.NoError(t, err)
	assert.Equal(t, "my-sim", name)

	node, err := p.ChooseHeadNode([]string{"bcm-01", "bcm-02"})
	require.NoError(t, err)
	assert.Equal(t, "bcm-01", node)

	ok, err := p.Confirm("Clear progress?", true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.Confirm("Again?", true)
	assert.Error(t, err)
}

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{"deploy", "status", "delete", "validate", "convert", "userconfigs",
		"sim-info", "history", "clear-progress", "check"}
	got := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		got[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, got[name], name)
	}

	var c *cobra.Command
	for _, sub := range rootCmd.Commands() {
		if sub.Name() == "delete" {
			c = sub
		}
	}
	require.NotNil(t, c)
	assert.NotNil(t, c.Flags().Lookup("dry-run"))
}
