package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_API(t *testing.T) {
	t.Run("credentials from environment", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("AIR_API_TOKEN", "tok")
		t.Setenv("AIR_USERNAME", "me@example.com")
		t.Setenv("AIR_API_URL", "https://air.example.com")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "tok", cfg.API.Token)
		assert.Equal(t, "me@example.com", cfg.API.Username)
		assert.Equal(t, "https://air.example.com", cfg.API.URL)
	})

	t.Run("empty env leaves yaml values", func(t *testing.T) {
		clearEnv(t)

		cfg := &Config{API: APIConfig{Token: "from-yaml"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "from-yaml", cfg.API.Token)
	})
}

func TestEnvOverrides_SSHConfigFile(t *testing.T) {
	t.Run("AIR_SSH_CONFIG_FILE wins", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("AIR_SSH_CONFIG_FILE", "~/.ssh/air/{simulation_name_slug}.conf")
		t.Setenv("BCM_SSH_CONFIG_FILE", "/ignored")

		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "~/.ssh/air/{simulation_name_slug}.conf", cfg.SSH.ConfigFile)
	})

	t.Run("BCM_SSH_CONFIG_FILE fallback", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("BCM_SSH_CONFIG_FILE", "/tmp/bcm.conf")

		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "/tmp/bcm.conf", cfg.SSH.ConfigFile)
	})
}

func TestEnvOverrides_BCM(t *testing.T) {
	clearEnv(t)
	t.Setenv("BCM_PRODUCT_KEY", "key")
	t.Setenv("BCM_ADMIN_EMAIL", "admin@example.com")
	t.Setenv("BCM_INTERNALNET_IF", "eth2")
	t.Setenv("BCM_INTERNALNET_NW", " 10.10.0.0/16 ")
	t.Setenv("LOCAL_NAMESPACE", "internal")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "key", cfg.BCM.ProductKey)
	assert.Equal(t, "admin@example.com", cfg.BCM.AdminEmail)
	assert.Equal(t, "eth2", cfg.BCM.InternalnetInterface)
	assert.Equal(t, "10.10.0.0/16", cfg.BCM.InternalnetNetwork)
	assert.Equal(t, "internal", cfg.Namespace)
}

func TestEnvOverrides_DebugRaisesLevel(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEBUG", "1")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	assert.Equal(t, "debug", cfg.Logging.Level)
}
