package interfaces

// SecretStore seals small opaque blobs to the secure element under a PCR policy.
type SecretStore interface {
	// Provision prepares the storage hierarchy. Returns ErrAlreadyProvisioned
	// when it was already done.
	Provision() error

	// Seal stores data (at most 128 bytes) under name, replacing any previous
	// secret. The PCR policy is imported on first use.
	Seal(name string, data []byte) error

	// Unseal returns the sealed bytes. It returns ErrNotFound when nothing was
	// ever sealed under name and ErrPolicyMismatch when the platform state drifted.
	Unseal(name string) ([]byte, error)

	// Remove deletes the sealed secret, or returns ErrNotFound.
	Remove(name string) error

	// Exists reports whether a secret is sealed under name. It never fails.
	Exists(name string) bool
}

// ContainerManager formats and opens encrypted containers keyed by raw bytes.
type ContainerManager interface {
	// Format destructively initializes a fresh container on device.
	// The key length determines the cipher key size.
	Format(device string, key []byte) error

	// Open exposes the plaintext device under mapperName. Returns ErrAlreadyOpen
	// if a mapping with that name exists.
	Open(device, mapperName string, key []byte) error

	// Close removes the mapping. Closing a mapping that is not open is a no-op.
	Close(mapperName string) error

	// IsOpen reports whether a mapping exists for mapperName.
	IsOpen(mapperName string) bool

	// MapperPath returns the device path of the plaintext mapping.
	MapperPath(mapperName string) string
}

// ContainerMetadataStore is optionally implemented by a ContainerManager that
// can keep metadata inside the container header.
type ContainerMetadataStore interface {
	WriteMetadata(device string, md ContainerMetadata) error
	ReadMetadata(device string) (ContainerMetadata, error)
}

// LoopAttacher binds regular files to loop block devices.
type LoopAttacher interface {
	// Attach binds path to a loop device, reusing an existing binding for the
	// same resolved file.
	Attach(path string) (string, error)

	// Detach removes the binding of device. Returns ErrNotFound if it has none.
	Detach(device string) error

	// FindBinding returns the device bound to path, or "" if there is none.
	FindBinding(path string) (string, error)

	// ListAll enumerates every loop binding on the system.
	ListAll() ([]LoopBinding, error)
}

// Filesystem covers the image-file and mount operations around a vault.
type Filesystem interface {
	ImageExists(path string) bool
	AllocateImage(path string, size int64) error
	RemoveImage(path string) error
	MakeFilesystem(device string) error
	Mount(device, mountPoint string) error
	Unmount(mountPoint string) error
	IsMounted(mountPoint string) bool
}
