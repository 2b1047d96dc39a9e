package fsutil

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruteri/tpm-vault/cmdrun"
	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestOS(t *testing.T, mounts string) (*OS, *cmdrun.MockRunner) {
	runner := new(cmdrun.MockRunner)
	mountsFile := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mountsFile, []byte(mounts), 0600))
	return New(runner, "", slog.New(slog.NewTextHandler(io.Discard, nil))).WithMountsFile(mountsFile), runner
}

func TestAllocateImage(t *testing.T) {
	o, _ := newTestOS(t, "")
	path := filepath.Join(t.TempDir(), "alpha.img")

	require.NoError(t, o.AllocateImage(path, 2*MiB))
	assert.True(t, o.ImageExists(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, 2*MiB, info.Size())
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	err = o.AllocateImage(path, MiB)
	assert.True(t, errors.Is(err, interfaces.ErrAlreadyExists))

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, 2*MiB, info.Size(), "existing image untouched")

	require.NoError(t, o.RemoveImage(path))
	assert.False(t, o.ImageExists(path))
	assert.True(t, errors.Is(o.RemoveImage(path), interfaces.ErrNotFound))
}

func TestAllocateImageRejectsBadSize(t *testing.T) {
	o, _ := newTestOS(t, "")
	path := filepath.Join(t.TempDir(), "alpha.img")
	assert.True(t, errors.Is(o.AllocateImage(path, 0), interfaces.ErrInvalidInput))
	assert.False(t, o.ImageExists(path))
}

func TestZeroFill(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, zeroFill(&sb, zeroChunk+17))
	assert.Equal(t, zeroChunk+17, sb.Len())
}

func TestImageExistsIgnoresDirectories(t *testing.T) {
	o, _ := newTestOS(t, "")
	assert.False(t, o.ImageExists(t.TempDir()))
}

func TestIsMounted(t *testing.T) {
	mounts := strings.Join([]string{
		"proc /proc proc rw,nosuid 0 0",
		"/dev/mapper/tpm-vault-alpha /srv/vaults/alpha ext4 rw,relatime 0 0",
		`/dev/mapper/tpm-vault-my\040vault /srv/my\040vaults/my\040vault ext4 rw 0 0`,
	}, "\n")
	o, _ := newTestOS(t, mounts)

	assert.True(t, o.IsMounted("/srv/vaults/alpha"))
	assert.True(t, o.IsMounted("/srv/vaults/alpha/"))
	assert.True(t, o.IsMounted("/srv/my vaults/my vault"))
	assert.False(t, o.IsMounted("/srv/vaults"))
	assert.False(t, o.IsMounted("/srv/vaults/alpha2"))
}

func TestIsMountedMissingTable(t *testing.T) {
	o, _ := newTestOS(t, "")
	o.WithMountsFile(filepath.Join(t.TempDir(), "absent"))
	assert.False(t, o.IsMounted("/"))
}

func TestUnescapeOctal(t *testing.T) {
	assert.Equal(t, "a b", unescapeOctal(`a\040b`))
	assert.Equal(t, "a\tb", unescapeOctal(`a\011b`))
	assert.Equal(t, `a\b`, unescapeOctal(`a\134b`))
	assert.Equal(t, `trailing\04`, unescapeOctal(`trailing\04`))
	assert.Equal(t, "plain", unescapeOctal("plain"))
}

func TestMakeFilesystemAndMount(t *testing.T) {
	o, runner := newTestOS(t, "")
	mp := filepath.Join(t.TempDir(), "alpha")

	runner.On("Run", []byte(nil), "mkfs.ext4", []string{"-q", "/dev/mapper/tpm-vault-alpha"}).Return([]byte(nil), nil).Once()
	runner.On("Run", []byte(nil), "mount", []string{"/dev/mapper/tpm-vault-alpha", mp}).Return([]byte(nil), nil).Once()

	require.NoError(t, o.MakeFilesystem("/dev/mapper/tpm-vault-alpha"))
	require.NoError(t, o.Mount("/dev/mapper/tpm-vault-alpha", mp))

	info, err := os.Stat(mp)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	runner.AssertExpectations(t)
}

func TestUnmount(t *testing.T) {
	o, runner := newTestOS(t, "/dev/mapper/x /srv/vaults/alpha ext4 rw 0 0\n")

	require.NoError(t, o.Unmount("/srv/vaults/beta"))
	runner.AssertNotCalled(t, "Run", mock.Anything, "umount", mock.Anything)

	runner.On("Run", []byte(nil), "umount", []string{"/srv/vaults/alpha"}).
		Return([]byte(nil), &cmdrun.ToolError{Tool: "umount", ExitCode: 32, Stderr: "target is busy"}).Once()
	err := o.Unmount("/srv/vaults/alpha")
	assert.True(t, errors.Is(err, interfaces.ErrExternalTool))
}
