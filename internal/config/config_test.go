package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Service.Host)
	assert.Equal(t, 8430, cfg.Service.Port)
	assert.Equal(t, "ask", cfg.Build.Policy)
	assert.Equal(t, 1, cfg.Run.MaxRecoveryRetries)
	assert.Equal(t, 60, cfg.Run.SimulatorNotRespondingCode)
	assert.Equal(t, 10*time.Second, cfg.TerminateTimeout())
	assert.Equal(t, time.Second, cfg.BootPollInterval())
	assert.Equal(t, 5*time.Second, cfg.KillGrace())
}

func TestLoad_OverridesAndEnvExpansion(t *testing.T) {
	t.Setenv("LAUNCHPAD_TEST_HELPER", "/opt/helper.sh")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
service:
  port: 9000
  data_dir: /tmp/launchpad-test
run:
  terminate_timeout: 3s
  boot_poll_interval: 250ms
  abort_on_device_failure: true
build:
  policy: always
debug_wait:
  script: ${LAUNCHPAD_TEST_HELPER}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Service.Port)
	assert.Equal(t, "/tmp/launchpad-test", cfg.Service.DataDir)
	assert.Equal(t, 3*time.Second, cfg.TerminateTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.BootPollInterval())
	assert.True(t, cfg.Run.AbortOnDeviceFailure)
	assert.Equal(t, "always", cfg.Build.Policy)
	assert.Equal(t, "/opt/helper.sh", cfg.DebugWait.Script)
	// untouched sections keep defaults
	assert.Equal(t, "127.0.0.1", cfg.Service.Host)
	assert.Equal(t, 1, cfg.Run.MaxRecoveryRetries)
}

func TestLoad_TildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  data_dir: ~/lp-data\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "lp-data"), cfg.Service.DataDir)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad yaml", content: "service: [\n"},
		{name: "bad duration", content: "run:\n  terminate_timeout: soon\n"},
		{name: "bad policy", content: "build:\n  policy: sometimes\n"},
		{name: "negative retries", content: "run:\n  max_recovery_retries: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Service.DataDir = dir
	cfg.Run.StreamLogs = true
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.Run.StreamLogs)
	assert.Equal(t, dir, loaded.Service.DataDir)
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Service.DataDir = t.TempDir()

	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.SessionsDir(), cfg.TerminalsDir(), filepath.Dir(cfg.LogPath())} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(cfg.Service.DataDir, "launchpad.pid"), cfg.PIDPath())
}
