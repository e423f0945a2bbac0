package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DEFAULTS AND PERSISTENCE
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AIR_API_URL", "AIR_API_TOKEN", "AIR_USERNAME", "SSH_PRIVATE_KEY", "SSH_PUBLIC_KEY",
		"AIR_SSH_CONFIG_FILE", "BCM_SSH_CONFIG_FILE", "BCM_PRODUCT_KEY", "BCM_ADMIN_EMAIL",
		"BCM_INTERNALNET_IF", "BCM_INTERNALNET_NW", "LOCAL_NAMESPACE", "DEBUG",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BCM.DefaultPassword != "Nvidia1234!" {
		t.Errorf("expected default password Nvidia1234!, got %s", cfg.BCM.DefaultPassword)
	}
	if cfg.BCM.InternalnetNetwork != "192.168.200.0/24" {
		t.Errorf("expected internalnet 192.168.200.0/24, got %s", cfg.BCM.InternalnetNetwork)
	}
	if cfg.Paths.Topology != "topologies/default" {
		t.Errorf("expected topology topologies/default, got %s", cfg.Paths.Topology)
	}
	if cfg.API.URL != DefaultAPIURL {
		t.Errorf("expected API URL %s, got %s", DefaultAPIURL, cfg.API.URL)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "nested", "airbcm.yaml")

	cfg := DefaultConfig()
	cfg.API.Username = "lab@example.com"
	cfg.BCM.ProductKey = "123-456"
	cfg.Timeouts.NodeReady = "20m"

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lab@example.com", loaded.API.Username)
	assert.Equal(t, "123-456", loaded.BCM.ProductKey)
	assert.Equal(t, 20*time.Minute, loaded.GetNodeReadyTimeout())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Paths, cfg.Paths)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unterminated"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("BCM_PRODUCT_KEY")
	os.Unsetenv("LOCAL_NAMESPACE")

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("BCM_PRODUCT_KEY=from-dotenv\nLOCAL_NAMESPACE=internal\n"), 0644))

	require.NoError(t, LoadDotEnv(envPath))
	t.Cleanup(func() {
		os.Unsetenv("BCM_PRODUCT_KEY")
		os.Unsetenv("LOCAL_NAMESPACE")
	})

	cfg, err := Load(filepath.Join(dir, "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.BCM.ProductKey)
	assert.Equal(t, filepath.Join(".logs", "internal"), cfg.LogDir())

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
	assert.NoError(t, LoadDotEnv(""))
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

func TestResolveAPIURL(t *testing.T) {
	tests := []struct {
		name     string
		cfgURL   string
		flagURL  string
		internal bool
		want     string
	}{
		{"default", "", "", false, "https://air.nvidia.com"},
		{"configured", "https://air.example.com/", "", false, "https://air.example.com"},
		{"internal beats configured", "https://air.example.com", "", true, InternalAPIURL},
		{"flag beats internal", "https://air.example.com", "https://flag.example.com/api/v2/", true, "https://flag.example.com"},
		{"strips v1", "https://air.example.com/api/v1", "", false, "https://air.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.API.URL = tt.cfgURL
			assert.Equal(t, tt.want, cfg.ResolveAPIURL(tt.flagURL, tt.internal))
		})
	}
}

func TestNamespacedDirs(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ".logs", cfg.LogDir())
	assert.Equal(t, ".ssh", cfg.SSHDir())

	cfg.Namespace = "external"
	assert.Equal(t, filepath.Join(".logs", "external"), cfg.LogDir())
	assert.Equal(t, filepath.Join(".ssh", "external"), cfg.SSHDir())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".ssh/id_rsa"), ExpandPath("~/.ssh/id_rsa"))
	assert.Equal(t, "/abs/path", ExpandPath("/abs/path"))
	assert.Equal(t, "rel/~x", ExpandPath("rel/~x"))
}

func TestAdminEmailFallsBackToUsername(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Username = "user@example.com"
	assert.Equal(t, "user@example.com", cfg.AdminEmail())

	cfg.BCM.AdminEmail = "admin@example.com"
	assert.Equal(t, "admin@example.com", cfg.AdminEmail())
}

func TestTimeoutFallbacks(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 30*time.Second, cfg.GetHTTPTimeout())
	assert.Equal(t, 300*time.Second, cfg.GetSimulationLoadTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetLoadPollInterval())
	assert.Equal(t, 900*time.Second, cfg.GetNodeReadyTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetNodePollInterval())
	assert.Equal(t, 900*time.Second, cfg.GetRebootTimeout())

	cfg.Timeouts.HTTP = "not-a-duration"
	assert.Equal(t, 30*time.Second, cfg.GetHTTPTimeout())
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	dir := t.TempDir()
	pub := filepath.Join(dir, "id.pub")
	require.NoError(t, os.WriteFile(pub, []byte("ssh-ed25519 AAAA test\n"), 0644))

	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.API.Token = "tok"
		cfg.API.Username = "u@example.com"
		cfg.SSH.PublicKey = pub
		return cfg
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.API.Token = ""
	assert.ErrorContains(t, cfg.Validate(), "AIR_API_TOKEN")

	cfg = valid()
	cfg.API.Username = ""
	assert.ErrorContains(t, cfg.Validate(), "AIR_USERNAME")

	cfg = valid()
	cfg.SSH.PublicKey = filepath.Join(dir, "missing.pub")
	assert.ErrorContains(t, cfg.Validate(), "public key")

	cfg = valid()
	cfg.BCM.InternalnetNetwork = "not-a-cidr"
	assert.ErrorContains(t, cfg.Validate(), "BCM_INTERNALNET_NW")

	key, err := valid().ReadPublicKey()
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519 AAAA test", key)
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, IsPlaceholder(""))
	assert.True(t, IsPlaceholder("your_product_key_here"))
	assert.True(t, IsPlaceholder("  your_api_token_here "))
	assert.False(t, IsPlaceholder("real-value"))
}

func TestLoggingOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Namespace = "ns"
	cfg.Logging.Format = "json"
	cfg.Logging.Categories = map[string]bool{"api": false}

	opts := cfg.LoggingOptions(true)
	assert.Equal(t, filepath.Join(".logs", "ns"), opts.Dir)
	assert.Equal(t, "debug", opts.Level)
	assert.True(t, opts.JSONFormat)
	assert.False(t, cfg.Logging.IsCategoryEnabled("api"))
	assert.True(t, cfg.Logging.IsCategoryEnabled("deploy"))
}
