package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL      = "https://air.nvidia.com"
	InternalAPIURL     = "https://air-inside.nvidia.com"
	DefaultPassword    = "Nvidia1234!"
	DefaultInternalnet = "192.168.200.0/24"
)

// Config holds all airbcm configuration.
type Config struct {
	// Namespace separates on-disk artifacts (logs, progress, ssh configs)
	// across different .env files.
	Namespace string `yaml:"namespace"`

	API      APIConfig      `yaml:"api"`
	SSH      SSHConfig      `yaml:"ssh"`
	BCM      BCMConfig      `yaml:"bcm"`
	Paths    PathsConfig    `yaml:"paths"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig configures the simulation platform client.
type APIConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	Retries   int     `yaml:"retries"`
}

// SSHConfig configures key material and the generated ssh_config location.
type SSHConfig struct {
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`
	// ConfigFile may contain {simulation_name}, {simulation_name_slug}
	// and {simulation_id} placeholders, or name a directory.
	ConfigFile string `yaml:"config_file"`
}

// BCMConfig configures the head node install.
type BCMConfig struct {
	ProductKey           string `yaml:"product_key"`
	AdminEmail           string `yaml:"admin_email"`
	DefaultPassword      string `yaml:"default_password"`
	InternalnetInterface string `yaml:"internalnet_interface"`
	InternalnetNetwork   string `yaml:"internalnet_network"`
}

// PathsConfig locates local inputs.
type PathsConfig struct {
	ISODir            string `yaml:"iso_dir"`
	InstallScript     string `yaml:"install_script"`
	CloudInitTemplate string `yaml:"cloud_init_template"`
	PatchesDir        string `yaml:"patches_dir"`
	Topology          string `yaml:"topology"`
	LogDir            string `yaml:"log_dir"`
	SSHDir            string `yaml:"ssh_dir"`
}

// TimeoutsConfig holds duration strings for the orchestrator's waits.
type TimeoutsConfig struct {
	HTTP           string `yaml:"http"`
	SimulationLoad string `yaml:"simulation_load"`
	LoadPoll       string `yaml:"load_poll"`
	NodeReady      string `yaml:"node_ready"`
	NodePoll       string `yaml:"node_poll"`
	Reboot         string `yaml:"reboot"`
	SSHProbe       string `yaml:"ssh_probe"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			URL:       DefaultAPIURL,
			RateLimit: 5,
			Burst:     1,
			Retries:   3,
		},
		SSH: SSHConfig{
			PrivateKey: "~/.ssh/id_rsa",
			PublicKey:  "~/.ssh/id_rsa.pub",
		},
		BCM: BCMConfig{
			DefaultPassword:    DefaultPassword,
			InternalnetNetwork: DefaultInternalnet,
		},
		Paths: PathsConfig{
			ISODir:            ".iso",
			InstallScript:     "scripts/bcm_install.sh",
			CloudInitTemplate: "sample-configs/cloud-init-password.yaml.example",
			PatchesDir:        "scripts/patches",
			Topology:          "topologies/default",
		},
		Timeouts: TimeoutsConfig{
			HTTP:           "30s",
			SimulationLoad: "300s",
			LoadPoll:       "5s",
			NodeReady:      "900s",
			NodePoll:       "10s",
			Reboot:         "900s",
			SSHProbe:       "90s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set in the environment win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	setIf := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}

	setIf(&c.API.URL, "AIR_API_URL")
	setIf(&c.API.Token, "AIR_API_TOKEN")
	setIf(&c.API.Username, "AIR_USERNAME")

	setIf(&c.SSH.PrivateKey, "SSH_PRIVATE_KEY")
	setIf(&c.SSH.PublicKey, "SSH_PUBLIC_KEY")
	setIf(&c.SSH.ConfigFile, "AIR_SSH_CONFIG_FILE", "BCM_SSH_CONFIG_FILE")

	setIf(&c.BCM.ProductKey, "BCM_PRODUCT_KEY")
	setIf(&c.BCM.AdminEmail, "BCM_ADMIN_EMAIL")
	setIf(&c.BCM.InternalnetInterface, "BCM_INTERNALNET_IF")
	setIf(&c.BCM.InternalnetNetwork, "BCM_INTERNALNET_NW")

	setIf(&c.Namespace, "LOCAL_NAMESPACE")

	if os.Getenv("DEBUG") != "" {
		c.Logging.Level = "debug"
	}
}

// ResolveAPIURL picks the API base URL.
// Priority: explicit flag > internal site > configured/env URL > default.
// Trailing slashes and /api/v1 or /api/v2 suffixes are stripped.
func (c *Config) ResolveAPIURL(flagURL string, internal bool) string {
	url := c.API.URL
	switch {
	case flagURL != "":
		url = flagURL
	case internal:
		url = InternalAPIURL
	case url == "":
		url = DefaultAPIURL
	}
	return NormalizeAPIURL(url)
}

// NormalizeAPIURL strips trailing slashes and an /api/vN suffix.
func NormalizeAPIURL(url string) string {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	url = strings.TrimSuffix(url, "/api/v2")
	url = strings.TrimSuffix(url, "/api/v1")
	return url
}

// AdminEmail returns the BCM admin email, defaulting to the Air username.
func (c *Config) AdminEmail() string {
	if c.BCM.AdminEmail != "" {
		return c.BCM.AdminEmail
	}
	return c.API.Username
}

// LogDir returns the namespaced log directory (.logs or .logs/<ns>).
func (c *Config) LogDir() string {
	base := c.Paths.LogDir
	if base == "" {
		base = ".logs"
	}
	if ns := strings.TrimSpace(c.Namespace); ns != "" {
		return filepath.Join(ExpandPath(base), ns)
	}
	return ExpandPath(base)
}

// SSHDir returns the namespaced directory for generated ssh_config files.
func (c *Config) SSHDir() string {
	base := c.Paths.SSHDir
	if base == "" {
		base = ".ssh"
	}
	if ns := strings.TrimSpace(c.Namespace); ns != "" {
		return filepath.Join(ExpandPath(base), ns)
	}
	return ExpandPath(base)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// PrivateKeyPath returns the expanded private key path.
func (c *Config) PrivateKeyPath() string { return ExpandPath(c.SSH.PrivateKey) }

// PublicKeyPath returns the expanded public key path.
func (c *Config) PublicKeyPath() string { return ExpandPath(c.SSH.PublicKey) }

// ReadPublicKey returns the trimmed public key contents.
func (c *Config) ReadPublicKey() (string, error) {
	data, err := os.ReadFile(c.PublicKeyPath())
	if err != nil {
		return "", fmt.Errorf("SSH public key not found: %s: %w", c.PublicKeyPath(), err)
	}
	return strings.TrimSpace(string(data)), nil
}

// GetHTTPTimeout returns the per-request HTTP timeout.
func (c *Config) GetHTTPTimeout() time.Duration {
	return parseDuration(c.Timeouts.HTTP, 30*time.Second)
}

// GetSimulationLoadTimeout returns how long to wait for LOADED.
func (c *Config) GetSimulationLoadTimeout() time.Duration {
	return parseDuration(c.Timeouts.SimulationLoad, 300*time.Second)
}

// GetLoadPollInterval returns the simulation state poll interval.
func (c *Config) GetLoadPollInterval() time.Duration {
	return parseDuration(c.Timeouts.LoadPoll, 5*time.Second)
}

// GetNodeReadyTimeout returns how long to wait for the head node.
func (c *Config) GetNodeReadyTimeout() time.Duration {
	return parseDuration(c.Timeouts.NodeReady, 900*time.Second)
}

// GetNodePollInterval returns the node state poll interval.
func (c *Config) GetNodePollInterval() time.Duration {
	return parseDuration(c.Timeouts.NodePoll, 10*time.Second)
}

// GetRebootTimeout returns how long to wait for SSH after a reboot.
func (c *Config) GetRebootTimeout() time.Duration {
	return parseDuration(c.Timeouts.Reboot, 900*time.Second)
}

// GetSSHProbeTimeout returns how long to wait for password SSH to accept.
func (c *Config) GetSSHProbeTimeout() time.Duration {
	return parseDuration(c.Timeouts.SSHProbe, 90*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate checks the settings every deploy needs.
func (c *Config) Validate() error {
	if c.API.Token == "" {
		return fmt.Errorf("AIR_API_TOKEN not configured (set it in .env or the environment)")
	}
	if c.API.Username == "" {
		return fmt.Errorf("AIR_USERNAME not configured (set it in .env or the environment)")
	}
	if _, err := os.Stat(c.PublicKeyPath()); err != nil {
		return fmt.Errorf("SSH public key not found: %s (update SSH_PUBLIC_KEY)", c.PublicKeyPath())
	}
	if _, err := netip.ParsePrefix(strings.TrimSpace(c.BCM.InternalnetNetwork)); err != nil {
		return fmt.Errorf("invalid BCM_INTERNALNET_NW %q: %w", c.BCM.InternalnetNetwork, err)
	}
	return nil
}

// placeholders are the sample values shipped in env.example.
var placeholders = map[string]bool{
	"your_api_token_here":   true,
	"your_email@nvidia.com": true,
	"your_product_key_here": true,
	"your_token_here":       true,
}

// IsPlaceholder reports whether v is empty or still a sample value.
func IsPlaceholder(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || placeholders[v]
}
