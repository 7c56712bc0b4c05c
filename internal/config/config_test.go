package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Run("loads default values when file does not exist", func(t *testing.T) {
		os.Clearenv()

		// Non-existent file — setDefaults() values must apply.
		cfg, err := Load(filepath.Join(tmpDir, "missing.yaml"))

		require.NoError(t, err)
		assert.Equal(t, 20*time.Second, cfg.Connect.Timeout)
		assert.Equal(t, 120*time.Second, cfg.Connect.InteractiveTimeout)
		assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)
		assert.Equal(t, "gbk", cfg.Sftp.FallbackEncoding)
	})

	t.Run("loads values from YAML file", func(t *testing.T) {
		os.Clearenv()

		yamlContent := `
connect:
  timeout: 5s
sftp:
  fallback_encoding: "latin1"
watch:
  poll_interval: 2s
`
		err := os.WriteFile(configPath, []byte(yamlContent), 0644)
		require.NoError(t, err)

		cfg, err := Load(configPath)

		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.Connect.Timeout)
		assert.Equal(t, "latin1", cfg.Sftp.FallbackEncoding)
		assert.Equal(t, 2*time.Second, cfg.Watch.PollInterval)
		// Untouched keys keep their defaults.
		assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)
	})

	t.Run("environment variables override file values", func(t *testing.T) {
		os.Clearenv()

		yamlContent := `
connect:
  timeout: 5s
`
		err := os.WriteFile(configPath, []byte(yamlContent), 0644)
		require.NoError(t, err)

		os.Setenv("NETCATTY_CONNECT_TIMEOUT", "9s")
		os.Setenv("NETCATTY_FALLBACK_ENCODING", "big5")

		cfg, err := Load(configPath)

		require.NoError(t, err)
		// Env timeout (9s) must win over file timeout (5s).
		assert.Equal(t, 9*time.Second, cfg.Connect.Timeout)
		// Env encoding must win over the default.
		assert.Equal(t, "big5", cfg.Sftp.FallbackEncoding)
	})

	t.Run("returns error on invalid YAML", func(t *testing.T) {
		os.Clearenv()

		err := os.WriteFile(configPath, []byte("connect: timeout: [invalid yaml"), 0644)
		require.NoError(t, err)

		_, err = Load(configPath)
		assert.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 20*time.Second, cfg.Connect.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Connect.PromptTTL)
	assert.Equal(t, 16*1024, cfg.Terminal.FlushThreshold)
	assert.NotEmpty(t, cfg.Sftp.ServerPaths)
	assert.NotEmpty(t, cfg.Keys.Names)
}
