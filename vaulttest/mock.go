package vaulttest

import (
	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockSecretStore mocks the SecretStore interface
type MockSecretStore struct {
	mock.Mock
}

// Provision mocks the Provision method
func (m *MockSecretStore) Provision() error {
	args := m.Called()
	return args.Error(0)
}

// Seal mocks the Seal method
func (m *MockSecretStore) Seal(name string, data []byte) error {
	args := m.Called(name, data)
	return args.Error(0)
}

// Unseal mocks the Unseal method
func (m *MockSecretStore) Unseal(name string) ([]byte, error) {
	args := m.Called(name)
	var data []byte
	if v := args.Get(0); v != nil {
		data = v.([]byte)
	}
	return data, args.Error(1)
}

// Remove mocks the Remove method
func (m *MockSecretStore) Remove(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

// Exists mocks the Exists method
func (m *MockSecretStore) Exists(name string) bool {
	args := m.Called(name)
	return args.Bool(0)
}

// MockContainerManager mocks the ContainerManager interface
type MockContainerManager struct {
	mock.Mock
}

// Format mocks the Format method
func (m *MockContainerManager) Format(device string, key []byte) error {
	args := m.Called(device, key)
	return args.Error(0)
}

// Open mocks the Open method
func (m *MockContainerManager) Open(device, mapperName string, key []byte) error {
	args := m.Called(device, mapperName, key)
	return args.Error(0)
}

// Close mocks the Close method
func (m *MockContainerManager) Close(mapperName string) error {
	args := m.Called(mapperName)
	return args.Error(0)
}

// IsOpen mocks the IsOpen method
func (m *MockContainerManager) IsOpen(mapperName string) bool {
	args := m.Called(mapperName)
	return args.Bool(0)
}

// MapperPath returns /dev/mapper/<mapperName> without recording a call.
func (m *MockContainerManager) MapperPath(mapperName string) string {
	return mapperDir + "/" + mapperName
}

// MockLoopAttacher mocks the LoopAttacher interface
type MockLoopAttacher struct {
	mock.Mock
}

// Attach mocks the Attach method
func (m *MockLoopAttacher) Attach(path string) (string, error) {
	args := m.Called(path)
	return args.String(0), args.Error(1)
}

// Detach mocks the Detach method
func (m *MockLoopAttacher) Detach(device string) error {
	args := m.Called(device)
	return args.Error(0)
}

// FindBinding mocks the FindBinding method
func (m *MockLoopAttacher) FindBinding(path string) (string, error) {
	args := m.Called(path)
	return args.String(0), args.Error(1)
}

// ListAll mocks the ListAll method
func (m *MockLoopAttacher) ListAll() ([]interfaces.LoopBinding, error) {
	args := m.Called()
	var bindings []interfaces.LoopBinding
	if v := args.Get(0); v != nil {
		bindings = v.([]interfaces.LoopBinding)
	}
	return bindings, args.Error(1)
}

// MockFilesystem mocks the Filesystem interface
type MockFilesystem struct {
	mock.Mock
}

// ImageExists mocks the ImageExists method
func (m *MockFilesystem) ImageExists(path string) bool {
	args := m.Called(path)
	return args.Bool(0)
}

// AllocateImage mocks the AllocateImage method
func (m *MockFilesystem) AllocateImage(path string, size int64) error {
	args := m.Called(path, size)
	return args.Error(0)
}

// RemoveImage mocks the RemoveImage method
func (m *MockFilesystem) RemoveImage(path string) error {
	args := m.Called(path)
	return args.Error(0)
}

// MakeFilesystem mocks the MakeFilesystem method
func (m *MockFilesystem) MakeFilesystem(device string) error {
	args := m.Called(device)
	return args.Error(0)
}

// Mount mocks the Mount method
func (m *MockFilesystem) Mount(device, mountPoint string) error {
	args := m.Called(device, mountPoint)
	return args.Error(0)
}

// Unmount mocks the Unmount method
func (m *MockFilesystem) Unmount(mountPoint string) error {
	args := m.Called(mountPoint)
	return args.Error(0)
}

// IsMounted mocks the IsMounted method
func (m *MockFilesystem) IsMounted(mountPoint string) bool {
	args := m.Called(mountPoint)
	return args.Bool(0)
}
