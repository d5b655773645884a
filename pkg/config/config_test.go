package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Default_ShouldPassValidation(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func Test_Validate_ShouldRejectNegativeCaps(t *testing.T) {
	cfg := Default()
	cfg.ResourceManager.MaxUploadUnchoked = -1
	assert.Error(t, Validate(cfg))
}

func Test_Validate_ShouldRejectZeroUDPTries(t *testing.T) {
	cfg := Default()
	cfg.Tracker.UDPTries = 0
	assert.Error(t, Validate(cfg))
}

func Test_Validate_ShouldRejectMissingLogConfig(t *testing.T) {
	cfg := Default()
	cfg.Log = nil
	assert.Error(t, Validate(cfg))
}

func Test_Load_ShouldDecodeAndValidateFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	contents := `
resourceManager:
  maxUploadUnchoked: 4
  maxDownloadUnchoked: 0
tracker:
  udpTries: 4
  udpTimeout: 10s
  dhtPermitted: true
log:
  level: warn
  outputPaths:
    - stdout
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.ResourceManager.MaxUploadUnchoked)
	assert.True(t, cfg.Tracker.DHTPermitted)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func Test_Load_ShouldErrorOnMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
