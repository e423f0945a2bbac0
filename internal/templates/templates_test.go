package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderCloudInit(t *testing.T) {
	tmpl, err := LoadCloudInitTemplate("")
	require.NoError(t, err)
	require.Contains(t, tmpl, PublicKeyPlaceholder)

	out := RenderCloudInit(tmpl, "ssh-ed25519 AAAA me@host\n", "S3cret!")
	assert.NotContains(t, out, PublicKeyPlaceholder)
	assert.NotContains(t, out, PasswordPlaceholder)
	assert.Contains(t, out, "ssh-ed25519 AAAA me@host")
	assert.Contains(t, out, "password: S3cret!")
	assert.True(t, strings.HasPrefix(out, "#cloud-config"))
}

func TestLoadCloudInitTemplateFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ci.yaml")
	require.NoError(t, os.WriteFile(p, []byte("custom {PASSWORD}"), 0644))
	got, err := LoadCloudInitTemplate(p)
	require.NoError(t, err)
	assert.Equal(t, "custom {PASSWORD}", got)

	fallback, err := LoadCloudInitTemplate(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Contains(t, fallback, "#cloud-config")
}

func TestRenderInstallScript(t *testing.T) {
	tmpl := strings.Join([]string{
		"PW=__PASSWORD__",
		"KEY=__PRODUCT_KEY__",
		"MAJOR=__BCM_VERSION__",
		"FULL=__BCM_FULL_VERSION__",
		"MAIL=__ADMIN_EMAIL__",
		"EXT=__EXTERNAL_INTERFACE__",
		"MGMT=__MANAGEMENT_INTERFACE__",
		"IP=__INTERNALNET_IP__",
		"BASE=__INTERNALNET_BASE__",
		"LEN=__INTERNALNET_PREFIXLEN__",
	}, "\n")

	out := RenderInstallScript(tmpl, InstallParams{
		Password:             "pw",
		ProductKey:           "123-456",
		Version:              "11.30.0",
		AdminEmail:           "root@localhost",
		ExternalInterface:    "eth0",
		ManagementInterface:  "eth1",
		InternalnetIP:        "192.168.200.254",
		InternalnetBase:      "192.168.200.0",
		InternalnetPrefixLen: 24,
	})
	assert.Equal(t, strings.Join([]string{
		"PW=pw",
		"KEY=123-456",
		"MAJOR=11",
		"FULL=11.30.0",
		"MAIL=root@localhost",
		"EXT=eth0",
		"MGMT=eth1",
		"IP=192.168.200.254",
		"BASE=192.168.200.0",
		"LEN=24",
	}, "\n"), out)

	empty := RenderInstallScript("[__INTERNALNET_PREFIXLEN__]", InstallParams{})
	assert.Equal(t, "[]", empty)
}

func TestBootstrapScript(t *testing.T) {
	script, err := BootstrapScript("bcm-01", "it's", "ssh-rsa AAA user")
	require.NoError(t, err)

	assert.Contains(t, script, "hostnamectl set-hostname 'bcm-01'")
	assert.Contains(t, script, `echo 'ubuntu:it'\''s' | sudo chpasswd`)
	assert.Contains(t, script, `echo 'root:it'\''s' | sudo chpasswd`)
	assert.Contains(t, script, "PermitRootLogin yes")
	assert.Contains(t, script, "echo 'ssh-rsa AAA user' >> ~/.ssh/authorized_keys")
	assert.Contains(t, script, "sudo tee -a /root/.ssh/authorized_keys")
	assert.Contains(t, script, "127.0.1.1 bcm-01")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(script), `echo "SETUP_COMPLETE"`))

	nokey, err := BootstrapScript("bcm-01", "pw", "")
	require.NoError(t, err)
	assert.Contains(t, nokey, "skipping key setup")
	assert.NotContains(t, nokey, "authorized_keys")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", ShellQuote("plain"))
	assert.Equal(t, `'a'\''b'`, ShellQuote("a'b"))
}
