// Package fapistore implements interfaces.SecretStore with the tss2 FAPI
// command-line tools (tpm2-tss-engine / tpm2-tools tss2_* commands).
//
// FAPI keeps its own keystore, so this backend holds no state beyond
// remembering that the PCR policy was imported.
package fapistore

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tpm-vault/cmdrun"
	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/ruteri/tpm-vault/sealing"
)

const listRoot = "/HS/SRK"

var (
	alreadyProvisionedMarkers = []string{"already provisioned", "already_provisioned"}
	alreadyExistsMarkers      = []string{"already exists", "path_already_exists"}
	notFoundMarkers           = []string{"path not found", "path_not_found", "key not found", "key_not_found", "no such file"}
	policyMarkers             = []string{
		"authorization failed", "authorization_failed",
		"policy unknown", "policy_unknown",
		"policy_fail", "policy check failed",
	}
)

// Store implements interfaces.SecretStore.
type Store struct {
	run            cmdrun.Runner
	policy         sealing.PCRPolicy
	policyImported bool
	log            *slog.Logger
}

// New returns a Store driving the tss2 tools through run.
func New(run cmdrun.Runner, log *slog.Logger) *Store {
	return &Store{run: run, policy: sealing.DefaultPolicy, log: log}
}

// Provision runs tss2_provision. Returns ErrAlreadyProvisioned if FAPI says so.
func (s *Store) Provision() error {
	if _, err := s.run.Run(nil, "tss2_provision"); err != nil {
		if stderrContains(err, alreadyProvisionedMarkers) {
			return interfaces.ErrAlreadyProvisioned
		}
		return fmt.Errorf("provision: %w", err)
	}
	return nil
}

// Seal replaces the object at the vault's seal path with a new sealed object.
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

	path := sealing.SealPath(name)
	if _, err := s.run.Run(nil, "tss2_delete", "--path", path); err != nil {
		s.log.Debug("no previous sealed object", slog.String("path", path))
	}

	_, err := s.run.Run(data, "tss2_createseal",
		"--path", path,
		"--type", "noDa",
		"--policyPath", s.policy.Path,
		"--authValue", "",
		"--data", "-")
	if err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	return nil
}

// Unseal returns the secret sealed for name.
func (s *Store) Unseal(name string) ([]byte, error) {
	if err := sealing.ValidateName(name); err != nil {
		return nil, err
	}
	out, err := s.run.Run(nil, "tss2_unseal", "--path", sealing.SealPath(name), "--data", "-")
	if err != nil {
		return nil, classify("unseal "+name, err)
	}
	return out, nil
}

// Remove deletes the sealed object of name.
func (s *Store) Remove(name string) error {
	if err := sealing.ValidateName(name); err != nil {
		return err
	}
	if _, err := s.run.Run(nil, "tss2_delete", "--path", sealing.SealPath(name)); err != nil {
		return classify("remove "+name, err)
	}
	return nil
}

// Exists reports whether FAPI lists a sealed object for name.
func (s *Store) Exists(name string) bool {
	if sealing.ValidateName(name) != nil {
		return false
	}
	out, err := s.run.Run(nil, "tss2_list", "--searchPath", listRoot, "--pathList", "-")
	if err != nil {
		return false
	}
	want := sealing.SealPath(name)
	for _, p := range strings.Split(strings.TrimSpace(string(out)), ":") {
		// entries carry the profile prefix, e.g. /P_ECCP256SHA256/HS/SRK/seal_alpha
		if strings.HasSuffix(p, want) {
			return true
		}
	}
	return false
}

func (s *Store) ensurePolicy() error {
	if s.policyImported {
		return nil
	}
	doc, err := s.policy.JSON()
	if err != nil {
		return err
	}
	if _, err := s.run.Run(doc, "tss2_import", "--path", s.policy.Path, "--importData", "-"); err != nil {
		if !stderrContains(err, alreadyExistsMarkers) {
			return fmt.Errorf("failed to import PCR policy: %w", err)
		}
	}
	s.policyImported = true
	return nil
}

// classify maps a failed tss2 invocation onto the error taxonomy.
func classify(op string, err error) error {
	var toolErr *cmdrun.ToolError
	if !errors.As(err, &toolErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case stderrContains(err, notFoundMarkers):
		return fmt.Errorf("%s: %w", op, interfaces.ErrNotFound)
	case stderrContains(err, policyMarkers):
		return fmt.Errorf("%s: %w", op, interfaces.ErrPolicyMismatch)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func stderrContains(err error, markers []string) bool {
	stderr := strings.ToLower(cmdrun.Stderr(err))
	if stderr == "" {
		return false
	}
	for _, m := range markers {
		if strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}
