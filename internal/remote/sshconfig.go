package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"airbcm/internal/config"
	"airbcm/internal/logging"
)

// Entry is the content of a generated ssh_config file.
type Entry struct {
	SimulationName string
	SimulationID   string
	NodeName       string
	Host           string
	Port           int
	IdentityFile   string
	Password       string
	Generated      time.Time
}

// HostAlias is the primary Host pattern written for the head node.
func (e Entry) HostAlias() string {
	return "air-" + e.NodeName
}

// Slug turns a simulation name into a file name.
func Slug(name string) string {
	return strings.ReplaceAll(name, " ", "-")
}

// ResolveSSHConfigPath picks where the ssh_config file goes. override may
// contain {simulation_name}, {simulation_name_slug} and {simulation_id}; a
// trailing separator or an existing directory gets the slug appended. An
// empty override yields <dir>/<slug>.
func ResolveSSHConfigPath(override, dir, simName, simID string) string {
	slug := Slug(simName)
	raw := config.ExpandPath(strings.TrimSpace(override))
	if raw == "" {
		return filepath.Join(dir, slug)
	}
	resolved := strings.NewReplacer(
		"{simulation_name_slug}", slug,
		"{simulation_name}", simName,
		"{simulation_id}", simID,
	).Replace(raw)

	if strings.HasSuffix(resolved, string(os.PathSeparator)) || strings.HasSuffix(resolved, "/") {
		return filepath.Join(resolved, slug)
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return filepath.Join(resolved, slug)
	}
	return resolved
}

// RenderSSHConfig returns the ssh_config text for e.
func RenderSSHConfig(e Entry) string {
	if e.Generated.IsZero() {
		e.Generated = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# NVIDIA Air Simulation SSH Configuration\n")
	fmt.Fprintf(&b, "# Simulation: %s\n", e.SimulationName)
	fmt.Fprintf(&b, "# Simulation ID: %s\n", e.SimulationID)
	fmt.Fprintf(&b, "# Generated: %s\n", e.Generated.Format("2006-01-02 15:04:05"))
	b.WriteString("#\n")
	b.WriteString("# SSH service is configured directly on the BCM head node.\n")
	fmt.Fprintf(&b, "# Password configured via cloud-init: %s\n\n", e.Password)

	writeHost(&b, e.HostAlias(), e)
	b.WriteString("\n# Alias for convenience\n")
	writeHost(&b, "bcm", e)
	return b.String()
}

func writeHost(b *strings.Builder, alias string, e Entry) {
	fmt.Fprintf(b, "Host %s\n", alias)
	fmt.Fprintf(b, "  HostName %s\n", e.Host)
	fmt.Fprintf(b, "  Port %d\n", e.Port)
	fmt.Fprintf(b, "  User %s\n", DefaultBootstrapUser)
	b.WriteString("  PreferredAuthentications publickey,password\n")
	if e.IdentityFile != "" {
		fmt.Fprintf(b, "  IdentityFile %s\n", e.IdentityFile)
	}
	b.WriteString("  StrictHostKeyChecking no\n")
	b.WriteString("  UserKnownHostsFile /dev/null\n")
}

// WriteSSHConfig writes e to path with mode 0600, creating parent dirs.
func WriteSSHConfig(path string, e Entry) error {
	if e.Host == "" || e.Port == 0 {
		return fmt.Errorf("ssh service endpoint not known yet")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create ssh config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(RenderSSHConfig(e)), 0600); err != nil {
		return fmt.Errorf("failed to write ssh config: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0600); err != nil {
		return err
	}
	logging.Remote("SSH config written to %s (%s -> %s:%d)", path, e.HostAlias(), e.Host, e.Port)
	return nil
}
