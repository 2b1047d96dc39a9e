package luks

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/tpm-vault/cmdrun"
	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestCryptsetup(t *testing.T) (*Cryptsetup, *cmdrun.MockRunner, string) {
	runner := new(cmdrun.MockRunner)
	mapperDir := t.TempDir()
	return New(runner, mapperDir, slog.New(slog.NewTextHandler(io.Discard, nil))), runner, mapperDir
}

func TestFormatPassesKeyOnStdin(t *testing.T) {
	c, runner, _ := newTestCryptsetup(t)
	key := make([]byte, 64)
	for i := range key {
		key[i] = byte(i)
	}

	runner.On("Run", key, "cryptsetup", []string{
		"luksFormat", "--type", "luks2", "--batch-mode", "--key-file", "-", "--key-size", "512", "/dev/loop0",
	}).Return([]byte(nil), nil).Once()

	require.NoError(t, c.Format("/dev/loop0", key))
	runner.AssertExpectations(t)
}

func TestFormatRejectsEmptyKey(t *testing.T) {
	c, runner, _ := newTestCryptsetup(t)
	err := c.Format("/dev/loop0", nil)
	assert.True(t, errors.Is(err, interfaces.ErrInvalidKeySize))
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestFormatFailureDoesNotLeakKey(t *testing.T) {
	c, runner, _ := newTestCryptsetup(t)
	key := []byte("super-secret-key-material-000000")

	runner.On("Run", key, "cryptsetup", mock.Anything).Return([]byte(nil), &cmdrun.ToolError{
		Tool: "cryptsetup", Args: []string{"luksFormat"}, ExitCode: 1, Stderr: "Device /dev/loop0 is in use.",
	}).Once()

	err := c.Format("/dev/loop0", key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrExternalTool))
	assert.NotContains(t, err.Error(), string(key))
}

func TestOpenAndClose(t *testing.T) {
	c, runner, mapperDir := newTestCryptsetup(t)
	key := []byte("0123456789abcdef")

	runner.On("Run", key, "cryptsetup", []string{
		"open", "--type", "luks2", "--key-file", "-", "/dev/loop0", "tpm-vault-alpha",
	}).Run(func(args mock.Arguments) {
		require.NoError(t, os.WriteFile(filepath.Join(mapperDir, "tpm-vault-alpha"), nil, 0600))
	}).Return([]byte(nil), nil).Once()

	require.NoError(t, c.Open("/dev/loop0", "tpm-vault-alpha", key))
	assert.True(t, c.IsOpen("tpm-vault-alpha"))
	assert.Equal(t, filepath.Join(mapperDir, "tpm-vault-alpha"), c.MapperPath("tpm-vault-alpha"))

	err := c.Open("/dev/loop0", "tpm-vault-alpha", key)
	assert.True(t, errors.Is(err, interfaces.ErrAlreadyOpen))

	runner.On("Run", []byte(nil), "cryptsetup", []string{"close", "tpm-vault-alpha"}).Run(func(args mock.Arguments) {
		require.NoError(t, os.Remove(filepath.Join(mapperDir, "tpm-vault-alpha")))
	}).Return([]byte(nil), nil).Once()

	require.NoError(t, c.Close("tpm-vault-alpha"))
	assert.False(t, c.IsOpen("tpm-vault-alpha"))

	// closing again is a no-op
	require.NoError(t, c.Close("tpm-vault-alpha"))
	runner.AssertExpectations(t)
}

func TestMetadataRoundTrip(t *testing.T) {
	c, runner, _ := newTestCryptsetup(t)
	md := interfaces.ContainerMetadata{
		Vault:     "alpha",
		KeyBits:   512,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	var imported []byte
	runner.On("Run", mock.Anything, "cryptsetup", []string{"token", "import", "--token-id", "1", "/dev/loop0"}).
		Run(func(args mock.Arguments) {
			imported = args.Get(0).([]byte)
		}).Return([]byte(nil), nil).Once()

	require.NoError(t, c.WriteMetadata("/dev/loop0", md))
	require.NotNil(t, imported)
	assert.Contains(t, string(imported), `"type":"user"`)

	runner.On("Run", []byte(nil), "cryptsetup", []string{"token", "export", "--token-id", "1", "/srv/alpha.img"}).
		Return(imported, nil).Once()

	got, err := c.ReadMetadata("/srv/alpha.img")
	require.NoError(t, err)
	assert.Equal(t, md.Vault, got.Vault)
	assert.Equal(t, md.KeyBits, got.KeyBits)
	assert.True(t, md.CreatedAt.Equal(got.CreatedAt))
	runner.AssertExpectations(t)
}

func TestReadMetadataMissingUserData(t *testing.T) {
	c, runner, _ := newTestCryptsetup(t)
	runner.On("Run", []byte(nil), "cryptsetup", mock.Anything).
		Return([]byte(`{"type":"user","keyslots":[],"user_data":{}}`), nil).Once()

	_, err := c.ReadMetadata("/dev/loop0")
	assert.Error(t, err)
}
