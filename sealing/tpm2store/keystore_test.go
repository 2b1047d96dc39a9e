package tpm2store

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeystoreLayout(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeystore(dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "file://"+dir, ks.LocationURI())

	for _, sub := range []string{"HS/SRK", "policy"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeystore(dir, testLogger())
	require.NoError(t, err)

	assert.False(t, ks.Has("/HS/SRK/seal_alpha"))
	_, err = ks.Get("/HS/SRK/seal_alpha")
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))

	require.NoError(t, ks.Put("/HS/SRK/seal_alpha", []byte("one")))
	assert.True(t, ks.Has("/HS/SRK/seal_alpha"))

	info, err := os.Stat(filepath.Join(dir, "HS", "SRK", "seal_alpha.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, ks.Put("/HS/SRK/seal_alpha", []byte("two")))
	got, err := ks.Get("/HS/SRK/seal_alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	entries, err := os.ReadDir(filepath.Join(dir, "HS", "SRK"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, ks.Delete("/HS/SRK/seal_alpha"))
	assert.False(t, ks.Has("/HS/SRK/seal_alpha"))
	assert.True(t, errors.Is(ks.Delete("/HS/SRK/seal_alpha"), interfaces.ErrNotFound))
}

func TestKeystorePutIfAbsent(t *testing.T) {
	ks, err := NewKeystore(t.TempDir(), testLogger())
	require.NoError(t, err)

	written, err := ks.PutIfAbsent("/policy/tpm_vault_pcr", []byte("first"))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = ks.PutIfAbsent("/policy/tpm_vault_pcr", []byte("second"))
	require.NoError(t, err)
	assert.False(t, written)

	got, err := ks.Get("/policy/tpm_vault_pcr")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestKeystoreRejectsEscapingPaths(t *testing.T) {
	ks, err := NewKeystore(t.TempDir(), testLogger())
	require.NoError(t, err)

	for _, p := range []string{"", "/", "/HS/../../etc/passwd"} {
		err := ks.Put(p, []byte("x"))
		assert.True(t, errors.Is(err, interfaces.ErrInvalidInput), "path %q", p)
	}
}
