// Package interfaces defines the contracts between the vault orchestrator and
// the system facilities it drives, separating interface definitions from
// implementations.
//
// # Collaborators
//
// SecretStore: seals small blobs to the TPM under a PCR policy
// (implemented by sealing/tpm2store and sealing/fapistore).
//
// ContainerManager and ContainerMetadataStore: LUKS2 containers keyed by raw
// bytes (implemented by luks).
//
// LoopAttacher: loop device bindings for image files (implemented by loopdev).
//
// Filesystem: image allocation, mkfs and mounts (implemented by fsutil).
//
// # Types and errors
//
// VaultInfo, VaultStatus and VaultState describe vaults as observed from the
// OS. Every failure wraps one of the sentinel errors in this package, and the
// orchestrator reports them as *OpError.
package interfaces
