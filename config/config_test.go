package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/tpm-vault/fsutil"
	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, BackendTPM2, c.SealBackend)
	assert.Equal(t, "ext4", c.FSType)
	assert.Equal(t, "/dev/mapper", c.MapperDir)
	assert.Equal(t, "error", c.Log.Level)
	assert.Equal(t, 100*fsutil.MiB, c.DefaultSizeBytes())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
seal_backend: fapi
keystore_dir: /srv/keystore
fs_type: xfs
default_size: 1G
log:
  json: true
  level: debug
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendFAPI, c.SealBackend)
	assert.Equal(t, "/srv/keystore", c.KeystoreDir)
	assert.Equal(t, "xfs", c.FSType)
	assert.Equal(t, fsutil.GiB, c.DefaultSizeBytes())
	assert.True(t, c.Log.JSON)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "tpm-vault", c.Log.Service)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "seal_backend: fapi\nlog:\n  level: info\n")
	t.Setenv("TPM_VAULT_SEAL_BACKEND", "tpm2")
	t.Setenv("TPM_VAULT_LOG_LEVEL", "warn")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendTPM2, c.SealBackend)
	assert.Equal(t, "warn", c.Log.Level)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, "seal_backend: pkcs11\n"))
	assert.True(t, errors.Is(err, interfaces.ErrInvalidInput))

	_, err = Load(writeConfig(t, "default_size: lots\n"))
	assert.True(t, errors.Is(err, interfaces.ErrInvalidInput))
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "seal_backend: [unterminated\n"))
	assert.Error(t, err)
}
