// Package templates renders the files shipped to simulation nodes: the
// cloud-init user data, the BCM install script and the SSH bootstrap script.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"airbcm/internal/logging"
)

//go:embed assets
var assets embed.FS

// Placeholders understood by the cloud-init template.
const (
	PublicKeyPlaceholder = "YOUR_SSH_PUBLIC_KEY_HERE"
	PasswordPlaceholder  = "{PASSWORD}"
)

// LoadCloudInitTemplate reads path, falling back to the built-in template
// when the file does not exist.
func LoadCloudInitTemplate(path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read cloud-init template: %w", err)
		}
		logging.DeployDebug("Cloud-init template %s not found, using built-in", path)
	}
	data, err := assets.ReadFile("assets/cloud-init-password.yaml")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RenderCloudInit substitutes the public key and password placeholders.
func RenderCloudInit(tmpl, publicKey, password string) string {
	return strings.NewReplacer(
		PublicKeyPlaceholder, strings.TrimSpace(publicKey),
		PasswordPlaceholder, password,
	).Replace(tmpl)
}

// InstallParams fill the __NAME__ placeholders of the install script.
type InstallParams struct {
	Password             string
	ProductKey           string
	Version              string // full version, e.g. 10.30.0
	AdminEmail           string
	ExternalInterface    string
	ManagementInterface  string
	InternalnetIP        string
	InternalnetBase      string
	InternalnetPrefixLen int
}

// Major returns the major part of Version.
func (p InstallParams) Major() string {
	major, _, _ := strings.Cut(p.Version, ".")
	return major
}

// RenderInstallScript substitutes every install placeholder. Empty values
// render as empty strings.
func RenderInstallScript(tmpl string, p InstallParams) string {
	prefix := ""
	if p.InternalnetPrefixLen > 0 {
		prefix = strconv.Itoa(p.InternalnetPrefixLen)
	}
	return strings.NewReplacer(
		"__PASSWORD__", p.Password,
		"__PRODUCT_KEY__", p.ProductKey,
		"__BCM_FULL_VERSION__", p.Version,
		"__BCM_VERSION__", p.Major(),
		"__ADMIN_EMAIL__", p.AdminEmail,
		"__EXTERNAL_INTERFACE__", p.ExternalInterface,
		"__MANAGEMENT_INTERFACE__", p.ManagementInterface,
		"__INTERNALNET_IP__", p.InternalnetIP,
		"__INTERNALNET_BASE__", p.InternalnetBase,
		"__INTERNALNET_PREFIXLEN__", prefix,
	).Replace(tmpl)
}

var bootstrapTmpl = template.Must(template.New("bootstrap.sh.tmpl").
	Funcs(template.FuncMap{"quote": ShellQuote}).
	ParseFS(assets, "assets/bootstrap.sh.tmpl"))

// BootstrapScript renders the first-login setup script: hostname, passwords
// for ubuntu and root, root SSH login, authorized keys and an ssh restart.
// Its last line of output is SETUP_COMPLETE.
func BootstrapScript(hostname, password, publicKey string) (string, error) {
	var buf bytes.Buffer
	err := bootstrapTmpl.Execute(&buf, struct {
		Hostname  string
		Password  string
		PublicKey string
	}{hostname, password, strings.TrimSpace(publicKey)})
	if err != nil {
		return "", fmt.Errorf("failed to render bootstrap script: %w", err)
	}
	return buf.String(), nil
}

// SetupCompleteMarker is echoed by the bootstrap script on success.
const SetupCompleteMarker = "SETUP_COMPLETE"

// ShellQuote wraps s in single quotes for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
