package tpm2store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/ruteri/tpm-vault/sealing"
)

// DefaultSRKHandle is the persistent handle of the storage root key.
const DefaultSRKHandle = tpmutil.Handle(0x81000001)

// Sealer is the TPM-facing half of Store.
type Sealer interface {
	// Provision creates the storage root key. It reports false if the key
	// already existed.
	Provision() (bool, error)
	Seal(policy sealing.PCRPolicy, data []byte) (*SealedBlob, error)
	Unseal(blob *SealedBlob) ([]byte, error)
}

var srkTemplate = tpm2.Public{
	Type:    tpm2.AlgECC,
	NameAlg: tpm2.AlgSHA256,
	Attributes: tpm2.FlagDecrypt |
		tpm2.FlagRestricted |
		tpm2.FlagFixedTPM |
		tpm2.FlagFixedParent |
		tpm2.FlagSensitiveDataOrigin |
		tpm2.FlagUserWithAuth |
		tpm2.FlagNoDA,
	ECCParameters: &tpm2.ECCParams{
		Symmetric: &tpm2.SymScheme{
			Alg:     tpm2.AlgAES,
			KeyBits: 128,
			Mode:    tpm2.AlgCFB,
		},
		CurveID: tpm2.CurveNISTP256,
	},
}

// TPM seals data under a persistent SRK using PCR policy sessions.
type TPM struct {
	devicePath string
	srk        tpmutil.Handle
	log        *slog.Logger
}

// NewTPM returns a TPM sealer. An empty devicePath probes the usual
// character devices on every operation.
func NewTPM(devicePath string, log *slog.Logger) *TPM {
	return &TPM{devicePath: devicePath, srk: DefaultSRKHandle, log: log}
}

// Provision creates the SRK and persists it at its well-known handle.
func (t *TPM) Provision() (bool, error) {
	rw, err := openTPM(t.devicePath)
	if err != nil {
		return false, err
	}
	defer rw.Close()

	if t.hasSRK(rw) {
		return false, nil
	}

	handle, _, err := tpm2.CreatePrimary(rw,
		tpm2.HandleOwner,
		tpm2.PCRSelection{},
		"",
		"",
		srkTemplate)
	if err != nil {
		return false, fmt.Errorf("create SRK failed: %w", err)
	}
	defer tpm2.FlushContext(rw, handle)

	if err := tpm2.EvictControl(rw, "", tpm2.HandleOwner, handle, t.srk); err != nil {
		return false, fmt.Errorf("persisting SRK at 0x%x failed: %w", t.srk, err)
	}

	t.log.Info("provisioned storage root key", slog.String("handle", fmt.Sprintf("0x%x", uint32(t.srk))))
	return true, nil
}

// Seal binds data to the current values of the policy's PCRs.
func (t *TPM) Seal(policy sealing.PCRPolicy, data []byte) (*SealedBlob, error) {
	sel, err := pcrSelection(policy)
	if err != nil {
		return nil, err
	}

	rw, err := openTPM(t.devicePath)
	if err != nil {
		return nil, err
	}
	defer rw.Close()

	if !t.hasSRK(rw) {
		return nil, interfaces.ErrNotProvisioned
	}

	session, digest, err := policyPCRSession(rw, sel, tpm2.SessionTrial)
	if err != nil {
		return nil, err
	}
	// only the digest is needed for sealing
	if err := tpm2.FlushContext(rw, session); err != nil {
		return nil, fmt.Errorf("flushing session handle %v failed: %w", session, err)
	}

	priv, pub, err := tpm2.Seal(rw, t.srk, "", "", digest, data)
	if err != nil {
		return nil, fmt.Errorf("sealing into TPM failed: %w", err)
	}

	return &SealedBlob{
		PolicyDigest: digest,
		Priv:         priv,
		Pub:          pub,
	}, nil
}

// Unseal recovers the data in blob if the PCRs still hold the values it was
// sealed against.
func (t *TPM) Unseal(blob *SealedBlob) ([]byte, error) {
	sel, err := pcrSelection(sealing.PCRPolicy{Bank: blob.PCRBank, PCRs: blob.PCRs})
	if err != nil {
		return nil, err
	}

	rw, err := openTPM(t.devicePath)
	if err != nil {
		return nil, err
	}
	defer rw.Close()

	if !t.hasSRK(rw) {
		return nil, interfaces.ErrNotProvisioned
	}

	handle, _, err := tpm2.Load(rw, t.srk, "", blob.Pub, blob.Priv)
	if err != nil {
		return nil, fmt.Errorf("loading sealed object into TPM failed: %w", err)
	}
	defer tpm2.FlushContext(rw, handle)

	session, digest, err := policyPCRSession(rw, sel, tpm2.SessionPolicy)
	if err != nil {
		return nil, err
	}
	defer tpm2.FlushContext(rw, session)

	if len(blob.PolicyDigest) > 0 && !bytes.Equal(digest, blob.PolicyDigest) {
		return nil, interfaces.ErrPolicyMismatch
	}

	data, err := tpm2.UnsealWithSession(rw, session, handle, "")
	if err != nil {
		if isPolicyFailure(err) {
			return nil, interfaces.ErrPolicyMismatch
		}
		return nil, fmt.Errorf("UnsealWithSession failed: %w", err)
	}
	return data, nil
}

func (t *TPM) hasSRK(rw io.ReadWriter) bool {
	_, _, _, err := tpm2.ReadPublic(rw, t.srk)
	return err == nil
}

// policyPCRSession starts a session of sessionType and extends it with
// PolicyPCR over sel. The caller owns the returned session handle.
func policyPCRSession(rw io.ReadWriter, sel tpm2.PCRSelection, sessionType tpm2.SessionType) (session tpmutil.Handle, digest []byte, err error) {
	session, _, err = tpm2.StartAuthSession(
		rw,
		/*tpmkey=*/ tpm2.HandleNull,
		/*bindkey=*/ tpm2.HandleNull,
		/*nonceCaller=*/ make([]byte, 16),
		/*encryptedSalt=*/ nil,
		/*sessionType=*/ sessionType,
		/*symmetric=*/ tpm2.AlgNull,
		/*authHash=*/ tpm2.AlgSHA256)
	if err != nil {
		return tpm2.HandleNull, nil, fmt.Errorf("StartAuthSession failed: %w", err)
	}
	defer func() {
		if err != nil {
			tpm2.FlushContext(rw, session)
		}
	}()

	if err = tpm2.PolicyPCR(rw, session, nil, sel); err != nil {
		return tpm2.HandleNull, nil, fmt.Errorf("PolicyPCR failed: %w", err)
	}

	digest, err = tpm2.PolicyGetDigest(rw, session)
	if err != nil {
		return tpm2.HandleNull, nil, fmt.Errorf("PolicyGetDigest failed: %w", err)
	}
	return session, digest, nil
}

func pcrSelection(policy sealing.PCRPolicy) (tpm2.PCRSelection, error) {
	var alg tpm2.Algorithm
	switch policy.Bank {
	case "sha1":
		alg = tpm2.AlgSHA1
	case "sha256", "":
		alg = tpm2.AlgSHA256
	case "sha384":
		alg = tpm2.AlgSHA384
	default:
		return tpm2.PCRSelection{}, fmt.Errorf("unsupported PCR bank %q: %w", policy.Bank, interfaces.ErrInvalidInput)
	}
	if len(policy.PCRs) == 0 {
		return tpm2.PCRSelection{}, fmt.Errorf("empty PCR selection: %w", interfaces.ErrInvalidInput)
	}
	return tpm2.PCRSelection{Hash: alg, PCRs: policy.PCRs}, nil
}

func isPolicyFailure(err error) bool {
	var sessErr tpm2.SessionError
	if errors.As(err, &sessErr) {
		return sessErr.Code == tpm2.RCPolicyFail
	}
	var tpmErr tpm2.Error
	if errors.As(err, &tpmErr) {
		return tpmErr.Code == tpm2.RCPolicyFail
	}
	return false
}
