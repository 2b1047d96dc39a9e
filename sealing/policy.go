package sealing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruteri/tpm-vault/interfaces"
)

// MaxPayload is the largest secret a sealed data object can hold.
const MaxPayload = 128

// SealPrefix is the hierarchy path sealed vault secrets live under.
const SealPrefix = "/HS/SRK/seal_"

// PCRPolicy describes a policy that binds a sealed object to PCR values.
type PCRPolicy struct {
	Path        string
	Bank        string
	PCRs        []int
	Description string
}

// DefaultPolicy is the policy every vault secret is sealed under.
var DefaultPolicy = PCRPolicy{
	Path:        "/policy/tpm_vault_pcr",
	Bank:        "sha256",
	PCRs:        []int{0, 7},
	Description: "PCR policy for tpm-vault (sha256:0,7)",
}

// SealPath returns the hierarchy path of the secret sealed for vault name.
func SealPath(name string) string {
	return SealPrefix + name
}

// ValidatePayload checks that data fits in a sealed object.
func ValidatePayload(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty seal payload: %w", interfaces.ErrInvalidInput)
	}
	if len(data) > MaxPayload {
		return fmt.Errorf("seal payload of %d bytes exceeds %d: %w", len(data), MaxPayload, interfaces.ErrInvalidInput)
	}
	return nil
}

// ValidateName rejects names that would escape the seal path.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return fmt.Errorf("invalid seal name %q: %w", name, interfaces.ErrInvalidInput)
	}
	return nil
}

// JSON renders the policy in the tss2 FAPI policy language. The PCR values
// are taken from the platform at seal time.
func (p PCRPolicy) JSON() ([]byte, error) {
	type currentPCRs struct {
		Hash string `json:"hash"`
		PCRs []int  `json:"pcrSelect"`
	}
	type element struct {
		Type         string        `json:"type"`
		CurrentBanks []currentPCRs `json:"currentPCRandBanks"`
	}
	doc := struct {
		Description string    `json:"description"`
		Policy      []element `json:"policy"`
	}{
		Description: p.Description,
		Policy: []element{{
			Type:         "POLICYPCR",
			CurrentBanks: []currentPCRs{{Hash: "TPM2_ALG_" + strings.ToUpper(p.Bank), PCRs: p.PCRs}},
		}},
	}
	return json.Marshal(doc)
}
