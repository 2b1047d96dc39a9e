package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned when creating a vault whose image file is already present.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned when a vault image, sealed secret or loop binding does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyOpen is returned when a container mapping already exists for a mapper name.
	ErrAlreadyOpen = errors.New("already open")

	// ErrInvalidKeySize is returned when unsealed key material has an unexpected length.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrPolicyMismatch is returned when the platform state (PCR values) differs from the
	// state the secret was sealed against. Unsealing is permanently denied.
	ErrPolicyMismatch = errors.New("platform state changed, unsealing denied by PCR policy")

	// ErrNotProvisioned is returned when the secure element has no storage hierarchy to seal under.
	ErrNotProvisioned = errors.New("secure element not provisioned")

	// ErrAlreadyProvisioned is returned by SecretStore.Provision when there is nothing to do.
	// Callers treat it as success.
	ErrAlreadyProvisioned = errors.New("secure element already provisioned")

	// ErrExternalTool is returned when an external tool exits non-zero or produces unexpected output.
	ErrExternalTool = errors.New("external tool failure")

	// ErrPermissionDenied is returned when the process lacks administrative privileges.
	ErrPermissionDenied = errors.New("permission denied: administrative privileges required")

	// ErrInvalidInput is returned for malformed names, sizes or oversized seal payloads.
	ErrInvalidInput = errors.New("invalid input")
)

// OpError records a failed vault operation together with the vault it targeted.
type OpError struct {
	Op    string
	Vault string
	Err   error
}

func (e *OpError) Error() string {
	if e.Vault == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Vault, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
