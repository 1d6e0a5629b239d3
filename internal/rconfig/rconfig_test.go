package rconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, "@every 10s", cfg.OrphanSweepCron)
	assert.Equal(t, 9090, cfg.MetricsPort)
}

func TestLoad_FileValuesOverrideDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vkrunner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device_id: dev-1
control_plane_url: wss://example.test/runner
lease_ttl: 45s
metrics_port: 9999
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", cfg.DeviceID)
	assert.Equal(t, "wss://example.test/runner", cfg.ControlPlaneURL)
	assert.Equal(t, 45*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 9999, cfg.MetricsPort)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vkrunner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`device_id: from-file`), 0600))

	t.Setenv("VK_DEVICE_ID", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.DeviceID)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())

	cfg.DeviceID = "dev-1"
	assert.Error(t, cfg.Validate())

	cfg.ControlPlaneURL = "wss://example.test/runner"
	assert.NoError(t, cfg.Validate())
}
