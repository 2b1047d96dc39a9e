package tpm2store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/ruteri/tpm-vault/sealing"
)

const blobVersion = 1

// SealedBlob is the on-disk form of a sealed secret.
type SealedBlob struct {
	V            int    `json:"v"`
	Name         string `json:"name"`
	Policy       string `json:"policy"`
	PCRBank      string `json:"pcr_bank"`
	PCRs         []int  `json:"pcrs"`
	PolicyDigest []byte `json:"policy_digest"`
	Priv         []byte `json:"priv"`
	Pub          []byte `json:"pub"`
}

// Store implements interfaces.SecretStore.
type Store struct {
	tpm            Sealer
	keys           *Keystore
	policy         sealing.PCRPolicy
	policyImported bool
	log            *slog.Logger
}

// New returns a Store sealing through tpm and persisting into keys.
func New(tpm Sealer, keys *Keystore, log *slog.Logger) *Store {
	return &Store{
		tpm:    tpm,
		keys:   keys,
		policy: sealing.DefaultPolicy,
		log:    log,
	}
}

// Provision creates the SRK. Returns ErrAlreadyProvisioned if it exists.
func (s *Store) Provision() error {
	created, err := s.tpm.Provision()
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	if !created {
		return interfaces.ErrAlreadyProvisioned
	}
	return nil
}

// Seal seals data for name under the PCR policy, replacing any previous secret.
func (s *Store) Seal(name string, data []byte) error {
	if err := sealing.ValidateName(name); err != nil {
		return err
	}
	if err := sealing.ValidatePayload(data); err != nil {
		return err
	}
	if err := s.ensurePolicy(); err != nil {
		return err
	}

	blob, err := s.tpm.Seal(s.policy, data)
	if err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	blob.V = blobVersion
	blob.Name = name
	blob.Policy = s.policy.Path
	blob.PCRBank = s.policy.Bank
	blob.PCRs = s.policy.PCRs

	raw, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	if err := s.keys.Put(sealing.SealPath(name), raw); err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}

	s.log.Debug("sealed secret", slog.String("path", sealing.SealPath(name)))
	return nil
}

// Unseal returns the secret sealed for name.
func (s *Store) Unseal(name string) ([]byte, error) {
	if err := sealing.ValidateName(name); err != nil {
		return nil, err
	}

	raw, err := s.keys.Get(sealing.SealPath(name))
	if err != nil {
		return nil, err
	}
	var blob SealedBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("corrupt sealed blob for %s: %w", name, err)
	}
	if blob.V != blobVersion {
		return nil, fmt.Errorf("sealed blob for %s has unsupported version %d", name, blob.V)
	}

	data, err := s.tpm.Unseal(&blob)
	if err != nil {
		if errors.Is(err, interfaces.ErrPolicyMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("unseal %s: %w", name, err)
	}
	return data, nil
}

// Remove deletes the secret sealed for name.
func (s *Store) Remove(name string) error {
	if err := sealing.ValidateName(name); err != nil {
		return err
	}
	return s.keys.Delete(sealing.SealPath(name))
}

// Exists reports whether a secret is sealed for name.
func (s *Store) Exists(name string) bool {
	if sealing.ValidateName(name) != nil {
		return false
	}
	return s.keys.Has(sealing.SealPath(name))
}

// ensurePolicy imports the PCR policy into the keystore once per Store.
func (s *Store) ensurePolicy() error {
	if s.policyImported {
		return nil
	}
	doc, err := s.policy.JSON()
	if err != nil {
		return err
	}
	written, err := s.keys.PutIfAbsent(s.policy.Path, doc)
	if err != nil {
		return fmt.Errorf("failed to import PCR policy: %w", err)
	}
	if written {
		s.log.Info("imported PCR policy", slog.String("path", s.policy.Path))
	}
	s.policyImported = true
	return nil
}
