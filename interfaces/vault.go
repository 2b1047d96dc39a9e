package interfaces

import "time"

// LoopBinding relates a loop block device to the regular file backing it.
// Bindings are owned by the kernel, not by this process.
type LoopBinding struct {
	Device      string
	BackingFile string
}

// VaultInfo describes a vault that is currently open and mounted.
type VaultInfo struct {
	Name         string
	ImagePath    string
	LoopDevice   string
	MapperDevice string
	MountPoint   string
}

// VaultState is the lifecycle state of a vault as observed from the OS.
type VaultState int

const (
	// StateAbsent means no image file exists for the vault name.
	StateAbsent VaultState = iota
	// StateCreated means the image exists and nothing is attached.
	StateCreated
	// StateAttached means a loop binding exists for the image.
	StateAttached
	// StateContainerOpen means the encrypted container mapping is open.
	StateContainerOpen
	// StateMounted means the mapping is open and mounted at the vault's mount point.
	StateMounted
	// StateWiped means the image exists but its sealed secret is gone for good.
	StateWiped
)

// String returns the state name.
func (s VaultState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateCreated:
		return "created"
	case StateAttached:
		return "attached"
	case StateContainerOpen:
		return "container-open"
	case StateMounted:
		return "mounted"
	case StateWiped:
		return "wiped"
	default:
		return "unknown"
	}
}

// ContainerMetadata is informational data stored inside the encrypted container header.
type ContainerMetadata struct {
	Vault     string    `json:"vault"`
	KeyBits   int       `json:"key_bits"`
	CreatedAt time.Time `json:"created_at"`
}

// VaultStatus is a point-in-time report of a single vault.
type VaultStatus struct {
	VaultInfo
	State    VaultState
	Sealed   bool
	Metadata *ContainerMetadata
}
