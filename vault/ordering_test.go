package vault

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/ruteri/tpm-vault/vaulttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSet struct {
	secrets    *vaulttest.MockSecretStore
	containers *vaulttest.MockContainerManager
	loops      *vaulttest.MockLoopAttacher
	fs         *vaulttest.MockFilesystem
}

func (m mockSet) assertExpectations(t *testing.T) {
	m.secrets.AssertExpectations(t)
	m.containers.AssertExpectations(t)
	m.loops.AssertExpectations(t)
	m.fs.AssertExpectations(t)
}

func newMockVault(t *testing.T) (*Orchestrator, mockSet, string) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	m := mockSet{
		secrets:    new(vaulttest.MockSecretStore),
		containers: new(vaulttest.MockContainerManager),
		loops:      new(vaulttest.MockLoopAttacher),
		fs:         new(vaulttest.MockFilesystem),
	}
	m.secrets.On("Provision").Return(interfaces.ErrAlreadyProvisioned).Once()

	o, err := New(Config{WorkDir: dir}, Dependencies{
		Secrets:    m.secrets,
		Containers: m.containers,
		Loops:      m.loops,
		FS:         m.fs,
		Rand:       bytes.NewReader(bytes.Repeat([]byte{0x42}, KeySize)),
		Privileged: func() bool { return true },
	}, testLogger())
	require.NoError(t, err)
	return o, m, dir
}

func TestCreateSealFailureUndoesInOrder(t *testing.T) {
	o, m, dir := newMockVault(t)
	image := filepath.Join(dir, "alpha.img")
	sealErr := errors.New("seal failed")

	mock.InOrder(
		m.fs.On("ImageExists", image).Return(false).Once(),
		m.fs.On("AllocateImage", image, testSize).Return(nil).Once(),
		m.loops.On("Attach", image).Return("/dev/loop7", nil).Once(),
		m.containers.On("Format", "/dev/loop7", mock.Anything).Return(nil).Once(),
		m.containers.On("Open", "/dev/loop7", "tpm-vault-alpha", mock.Anything).Return(nil).Once(),
		m.fs.On("MakeFilesystem", "/dev/mapper/tpm-vault-alpha").Return(nil).Once(),
		m.containers.On("Close", "tpm-vault-alpha").Return(nil).Once(),
		m.loops.On("Detach", "/dev/loop7").Return(nil).Once(),
		m.secrets.On("Seal", "alpha", mock.Anything).Return(sealErr).Once(),
		m.containers.On("IsOpen", "tpm-vault-alpha").Return(false).Once(),
		m.fs.On("ImageExists", image).Return(true).Once(),
		m.fs.On("RemoveImage", image).Return(nil).Once(),
	)

	err := o.Create("alpha", testSize)
	assert.True(t, errors.Is(err, sealErr))
	m.assertExpectations(t)
	m.loops.AssertNumberOfCalls(t, "Detach", 1)
}

func TestCreatePassesGeneratedKey(t *testing.T) {
	o, m, dir := newMockVault(t)
	image := filepath.Join(dir, "alpha.img")
	want := bytes.Repeat([]byte{0x42}, KeySize)

	var formatted, sealed []byte
	m.fs.On("ImageExists", image).Return(false).Once()
	m.fs.On("AllocateImage", image, testSize).Return(nil).Once()
	m.loops.On("Attach", image).Return("/dev/loop0", nil).Once()
	m.containers.On("Format", "/dev/loop0", mock.Anything).Run(func(args mock.Arguments) {
		formatted = append([]byte(nil), args.Get(1).([]byte)...)
	}).Return(nil).Once()
	m.containers.On("Open", "/dev/loop0", "tpm-vault-alpha", mock.Anything).Return(nil).Once()
	m.fs.On("MakeFilesystem", "/dev/mapper/tpm-vault-alpha").Return(nil).Once()
	m.containers.On("Close", "tpm-vault-alpha").Return(nil).Once()
	m.loops.On("Detach", "/dev/loop0").Return(nil).Once()
	m.secrets.On("Seal", "alpha", mock.Anything).Run(func(args mock.Arguments) {
		sealed = append([]byte(nil), args.Get(1).([]byte)...)
	}).Return(nil).Once()

	require.NoError(t, o.Create("alpha", testSize))
	assert.Equal(t, want, formatted)
	assert.Equal(t, want, sealed)
	m.assertExpectations(t)
}

func TestCreateShortEntropy(t *testing.T) {
	o, m, dir := newMockVault(t)
	o.rand = bytes.NewReader(make([]byte, 10))
	m.fs.On("ImageExists", filepath.Join(dir, "alpha.img")).Return(false).Once()

	err := o.Create("alpha", testSize)
	assert.Error(t, err)
	m.fs.AssertNotCalled(t, "AllocateImage", mock.Anything, mock.Anything)
}

func TestOpenMountFailureUndoesInOrder(t *testing.T) {
	o, m, dir := newMockVault(t)
	image := filepath.Join(dir, "alpha.img")
	mountErr := errors.New("mount failed")

	mock.InOrder(
		m.fs.On("ImageExists", image).Return(true).Once(),
		m.containers.On("IsOpen", "tpm-vault-alpha").Return(false).Once(),
		m.secrets.On("Unseal", "alpha").Return(bytes.Repeat([]byte{7}, KeySize), nil).Once(),
		m.loops.On("Attach", image).Return("/dev/loop3", nil).Once(),
		m.containers.On("Open", "/dev/loop3", "tpm-vault-alpha", mock.Anything).Return(nil).Once(),
		m.fs.On("Mount", "/dev/mapper/tpm-vault-alpha", filepath.Join(dir, "alpha")).Return(mountErr).Once(),
		m.containers.On("IsOpen", "tpm-vault-alpha").Return(true).Once(),
		m.containers.On("Close", "tpm-vault-alpha").Return(errors.New("close failed")).Once(),
		m.loops.On("Detach", "/dev/loop3").Return(nil).Once(),
	)

	err := o.Open("alpha")
	assert.True(t, errors.Is(err, mountErr))
	assert.NotContains(t, err.Error(), "close failed")
	m.assertExpectations(t)
}

func TestCloseFindBindingFailure(t *testing.T) {
	o, m, dir := newMockVault(t)
	image := filepath.Join(dir, "alpha.img")
	findErr := errors.New("losetup -j failed")

	m.fs.On("Unmount", filepath.Join(dir, "alpha")).Return(nil).Once()
	m.containers.On("Close", "tpm-vault-alpha").Return(nil).Once()
	m.loops.On("FindBinding", image).Return("", findErr).Once()

	err := o.Close("alpha")
	assert.True(t, errors.Is(err, findErr))
	m.loops.AssertNotCalled(t, "Detach", mock.Anything)
	m.assertExpectations(t)
}
