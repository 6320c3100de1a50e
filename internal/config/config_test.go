package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("device:\n  host: 10.0.0.5\n  password: creality\n"))
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Device.Host)
	assert.Equal(t, 22, cfg.Device.Port)
	assert.Equal(t, 7125, cfg.Device.MoonrakerPort)
	assert.Equal(t, "root", cfg.Device.User)
	assert.Equal(t, 15*time.Second, cfg.Device.ConnectTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Device.KeepaliveInterval.Std())
	assert.Equal(t, "main", cfg.Install.Branch)
	assert.Equal(t, 30*time.Minute, cfg.Install.FeatureTimeout.Std())
	assert.Equal(t, "./printer-backup", cfg.Backup.Dir)
}

func TestParseFullConfig(t *testing.T) {
	data := `
device:
  host: printer.local
  port: 2222
  moonraker_port: 7126
  user: admin
  password: secret
  connect_timeout: 5s
  keepalive_interval: 30s
install:
  bootstrap_archive: /tmp/bootstrap.tar.gz
  repo_url: https://example.com/improvements.git
  branch: develop
  feature_timeout: 45m
backup:
  dir: /var/backups/printer
`
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, 2222, cfg.Device.Port)
	assert.Equal(t, 7126, cfg.Device.MoonrakerPort)
	assert.Equal(t, "admin", cfg.Device.User)
	assert.Equal(t, 5*time.Second, cfg.Device.ConnectTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Device.KeepaliveInterval.Std())
	assert.Equal(t, "/tmp/bootstrap.tar.gz", cfg.Install.BootstrapArchive)
	assert.Equal(t, "develop", cfg.Install.Branch)
	assert.Equal(t, 45*time.Minute, cfg.Install.FeatureTimeout.Std())
	assert.Equal(t, "/var/backups/printer", cfg.Backup.Dir)
}

func TestParseMissingHost(t *testing.T) {
	_, err := Parse([]byte("device:\n  password: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device.host is required")
}

func TestParsePortOutOfRange(t *testing.T) {
	_, err := Parse([]byte("device:\n  host: h\n  port: 70000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse([]byte("device:\n  host: h\n  connect_timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printerup.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  host: 10.1.1.1\n"), 0o644))

	cfg, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", cfg.Device.Host)
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}
