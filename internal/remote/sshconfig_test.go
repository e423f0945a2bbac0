package remote

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSSHConfigPath(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, filepath.Join(dir, "bcm-air-01"), ResolveSSHConfigPath("", dir, "bcm air 01", "abc"))
	assert.Equal(t, "/tmp/cfg/bcm-air-01.conf",
		ResolveSSHConfigPath("/tmp/cfg/{simulation_name_slug}.conf", dir, "bcm air 01", "abc"))
	assert.Equal(t, "/tmp/cfg/abc/bcm air 01",
		ResolveSSHConfigPath("/tmp/cfg/{simulation_id}/{simulation_name}", dir, "bcm air 01", "abc"))

	// Trailing separator and existing directories get the slug appended.
	assert.Equal(t, "/tmp/cfg/x/bcm-01", ResolveSSHConfigPath("/tmp/cfg/x/", dir, "bcm-01", "abc"))
	existing := filepath.Join(dir, "configs")
	require.NoError(t, os.Mkdir(existing, 0700))
	assert.Equal(t, filepath.Join(existing, "bcm-01"), ResolveSSHConfigPath(existing, dir, "bcm-01", "abc"))
}

func TestWriteSSHConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bcm-01")
	e := Entry{
		SimulationName: "bcm-01",
		SimulationID:   "sim-123",
		NodeName:       "bcm-headnode",
		Host:           "worker07.air.example.com",
		Port:           22015,
		IdentityFile:   "/home/me/.ssh/id_rsa",
		Password:       "S3cret",
		Generated:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, WriteSSHConfig(path, e))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "# NVIDIA Air Simulation SSH Configuration\n# Simulation: bcm-01\n# Simulation ID: sim-123\n# Generated: 2025-03-01 10:00:00\n"))
	assert.Contains(t, text, "# Password configured via cloud-init: S3cret")
	assert.Contains(t, text, "Host air-bcm-headnode\n  HostName worker07.air.example.com\n  Port 22015\n  User ubuntu\n")
	assert.Contains(t, text, "# Alias for convenience\nHost bcm\n")
	assert.Equal(t, 2, strings.Count(text, "IdentityFile /home/me/.ssh/id_rsa"))
	assert.Equal(t, 2, strings.Count(text, "UserKnownHostsFile /dev/null"))

	assert.Error(t, WriteSSHConfig(path, Entry{NodeName: "x"}))
}
