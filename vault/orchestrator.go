package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/tpm-vault/fsutil"
	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/ruteri/tpm-vault/platform"
	"github.com/ruteri/tpm-vault/sealing"
	"github.com/ruteri/tpm-vault/securebuf"
)

const (
	// KeySize is the master key length in bytes.
	KeySize = 64
	// DefaultSize is the image size used when none is given.
	DefaultSize = 100 * fsutil.MiB
	// MinImageSize leaves room for the 16 MiB LUKS2 header and a filesystem.
	MinImageSize = 32 * fsutil.MiB

	DefaultMapperPrefix = "tpm-vault-"
	DefaultImageSuffix  = ".img"
)

// Config controls naming and sizing of vaults.
type Config struct {
	WorkDir      string
	KeySize      int
	MapperPrefix string
	ImageSuffix  string
	MinImageSize int64
}

// Dependencies are the collaborators the orchestrator drives.
type Dependencies struct {
	Secrets    interfaces.SecretStore
	Containers interfaces.ContainerManager
	Loops      interfaces.LoopAttacher
	FS         interfaces.Filesystem

	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
	// Privileged defaults to platform.IsRoot.
	Privileged func() bool
}

// Orchestrator sequences vault operations across the collaborators.
type Orchestrator struct {
	cfg        Config
	secrets    interfaces.SecretStore
	containers interfaces.ContainerManager
	loops      interfaces.LoopAttacher
	fs         interfaces.Filesystem
	rand       io.Reader
	log        *slog.Logger
}

// New checks privileges, provisions the secret store and returns an
// Orchestrator rooted at cfg.WorkDir.
func New(cfg Config, deps Dependencies, log *slog.Logger) (*Orchestrator, error) {
	if deps.Secrets == nil || deps.Containers == nil || deps.Loops == nil || deps.FS == nil {
		return nil, errors.New("vault: missing dependency")
	}
	if deps.Privileged == nil {
		deps.Privileged = platform.IsRoot
	}
	if deps.Rand == nil {
		deps.Rand = rand.Reader
	}
	if !deps.Privileged() {
		return nil, interfaces.ErrPermissionDenied
	}

	if cfg.KeySize == 0 {
		cfg.KeySize = KeySize
	}
	if cfg.KeySize > sealing.MaxPayload {
		return nil, fmt.Errorf("key size %d exceeds sealable payload: %w", cfg.KeySize, interfaces.ErrInvalidKeySize)
	}
	if cfg.MapperPrefix == "" {
		cfg.MapperPrefix = DefaultMapperPrefix
	}
	if cfg.ImageSuffix == "" {
		cfg.ImageSuffix = DefaultImageSuffix
	}
	if cfg.MinImageSize == 0 {
		cfg.MinImageSize = MinImageSize
	}
	workDir, err := resolveDir(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	cfg.WorkDir = workDir

	if err := deps.Secrets.Provision(); err != nil && !errors.Is(err, interfaces.ErrAlreadyProvisioned) {
		return nil, &interfaces.OpError{Op: "provision", Err: err}
	}

	return &Orchestrator{
		cfg:        cfg,
		secrets:    deps.Secrets,
		containers: deps.Containers,
		loops:      deps.Loops,
		fs:         deps.FS,
		rand:       deps.Rand,
		log:        log,
	}, nil
}

// WorkDir returns the resolved directory vaults live in.
func (o *Orchestrator) WorkDir() string {
	return o.cfg.WorkDir
}

// Create makes a new vault of size bytes and seals its master key.
// Nothing is left behind if any step fails.
func (o *Orchestrator) Create(name string, size int64) (err error) {
	const op = "create"
	if err := ValidateName(name); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	if size < o.cfg.MinImageSize {
		return &interfaces.OpError{Op: op, Vault: name, Err: fmt.Errorf("size %s is below the minimum of %s: %w",
			fsutil.FormatSize(size), fsutil.FormatSize(o.cfg.MinImageSize), interfaces.ErrInvalidInput)}
	}

	p := o.paths(name)
	if o.fs.ImageExists(p.image) {
		return &interfaces.OpError{Op: op, Vault: name, Err: fmt.Errorf("%s: %w", p.image, interfaces.ErrAlreadyExists)}
	}

	key, err := securebuf.Random(o.cfg.KeySize, o.rand)
	if err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: fmt.Errorf("generate master key: %w", err)}
	}
	defer key.Destroy()

	if err := o.fs.AllocateImage(p.image, size); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}

	var device string
	defer func() {
		if err != nil {
			o.rollbackCreate(name, p, device)
		}
	}()

	device, err = o.loops.Attach(p.image)
	if err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	if err = o.containers.Format(device, key.Bytes()); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	if ms, ok := o.containers.(interfaces.ContainerMetadataStore); ok {
		md := interfaces.ContainerMetadata{Vault: name, KeyBits: key.Len() * 8, CreatedAt: time.Now().UTC()}
		if err = ms.WriteMetadata(device, md); err != nil {
			return &interfaces.OpError{Op: op, Vault: name, Err: err}
		}
	}
	if err = o.containers.Open(device, p.mapper, key.Bytes()); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	if err = o.fs.MakeFilesystem(p.mapperPath); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	if err = o.containers.Close(p.mapper); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	if err = o.loops.Detach(device); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	device = ""

	if err = o.secrets.Seal(name, key.Bytes()); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}

	o.log.Info("vault created", slog.String("vault", name), slog.String("image", p.image), slog.String("size", fsutil.FormatSize(size)))
	return nil
}

func (o *Orchestrator) rollbackCreate(name string, p vaultPaths, device string) {
	if o.containers.IsOpen(p.mapper) {
		if err := o.containers.Close(p.mapper); err != nil {
			o.log.Warn("rollback: could not close container", slog.String("vault", name), "err", err)
		}
	}
	if device != "" {
		if err := o.loops.Detach(device); err != nil {
			o.log.Warn("rollback: could not detach loop device", slog.String("vault", name), slog.String("device", device), "err", err)
		}
	}
	if o.fs.ImageExists(p.image) {
		if err := o.fs.RemoveImage(p.image); err != nil {
			o.log.Warn("rollback: could not remove image", slog.String("vault", name), slog.String("image", p.image), "err", err)
		}
	}
}

// Open unseals the master key and mounts the vault at its mount point.
func (o *Orchestrator) Open(name string) (err error) {
	const op = "open"
	if err := ValidateName(name); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}

	p := o.paths(name)
	if !o.fs.ImageExists(p.image) {
		return &interfaces.OpError{Op: op, Vault: name, Err: fmt.Errorf("%s: %w", p.image, interfaces.ErrNotFound)}
	}
	if o.containers.IsOpen(p.mapper) {
		return &interfaces.OpError{Op: op, Vault: name, Err: interfaces.ErrAlreadyOpen}
	}

	unsealed, err := o.secrets.Unseal(name)
	if err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	if len(unsealed) != o.cfg.KeySize {
		n := len(unsealed)
		securebuf.Wipe(unsealed)
		return &interfaces.OpError{Op: op, Vault: name, Err: fmt.Errorf("got %d bytes, want %d: %w", n, o.cfg.KeySize, interfaces.ErrInvalidKeySize)}
	}
	key := securebuf.FromBytes(unsealed)
	defer key.Destroy()

	var device string
	defer func() {
		if err != nil {
			o.rollbackOpen(name, p, device)
		}
	}()

	device, err = o.loops.Attach(p.image)
	if err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	if err = o.containers.Open(device, p.mapper, key.Bytes()); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	if err = o.fs.Mount(p.mapperPath, p.mountPoint); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}

	o.log.Info("vault opened", slog.String("vault", name), slog.String("device", device), slog.String("mountPoint", p.mountPoint))
	return nil
}

func (o *Orchestrator) rollbackOpen(name string, p vaultPaths, device string) {
	if o.containers.IsOpen(p.mapper) {
		if err := o.containers.Close(p.mapper); err != nil {
			o.log.Warn("rollback: could not close container", slog.String("vault", name), "err", err)
		}
	}
	if device != "" {
		if err := o.loops.Detach(device); err != nil {
			o.log.Warn("rollback: could not detach loop device", slog.String("vault", name), slog.String("device", device), "err", err)
		}
	}
}

// Close unmounts the vault, closes its mapping and detaches its loop device.
// Every step runs even if an earlier one failed; the first failure is returned.
func (o *Orchestrator) Close(name string) error {
	const op = "close"
	if err := ValidateName(name); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	p := o.paths(name)

	var firstErr error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		o.log.Debug("close step failed", slog.String("vault", name), slog.String("step", step), "err", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	record("unmount", o.fs.Unmount(p.mountPoint))
	record("close container", o.containers.Close(p.mapper))

	device, err := o.loops.FindBinding(p.image)
	if err != nil {
		record("find loop device", err)
	} else if device != "" {
		record("detach loop device", o.loops.Detach(device))
	}

	if firstErr != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: firstErr}
	}
	o.log.Info("vault closed", slog.String("vault", name))
	return nil
}

// List reports the vaults of the working directory that are open and mounted.
func (o *Orchestrator) List() ([]interfaces.VaultInfo, error) {
	bindings, err := o.loops.ListAll()
	if err != nil {
		return nil, &interfaces.OpError{Op: "list", Err: err}
	}

	seen := make(map[string]bool)
	var vaults []interfaces.VaultInfo
	for _, b := range bindings {
		if filepath.Dir(b.BackingFile) != o.cfg.WorkDir {
			continue
		}
		base := filepath.Base(b.BackingFile)
		if !strings.HasSuffix(base, o.cfg.ImageSuffix) {
			continue
		}
		name := strings.TrimSuffix(base, o.cfg.ImageSuffix)
		if ValidateName(name) != nil || seen[name] {
			continue
		}

		p := o.paths(name)
		if !o.containers.IsOpen(p.mapper) || !o.fs.IsMounted(p.mountPoint) {
			continue
		}
		seen[name] = true
		vaults = append(vaults, interfaces.VaultInfo{
			Name:         name,
			ImagePath:    b.BackingFile,
			LoopDevice:   b.Device,
			MapperDevice: p.mapperPath,
			MountPoint:   p.mountPoint,
		})
	}

	sort.Slice(vaults, func(i, j int) bool { return vaults[i].Name < vaults[j].Name })
	return vaults, nil
}

// Wipe destroys the sealed master key. The image stays on disk but can
// never be opened again.
func (o *Orchestrator) Wipe(name string) error {
	const op = "wipe"
	if err := ValidateName(name); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	if err := o.secrets.Remove(name); err != nil {
		return &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	o.log.Info("vault wiped", slog.String("vault", name))
	return nil
}

// Status probes the OS and the secret store for the state of a single vault.
func (o *Orchestrator) Status(name string) (interfaces.VaultStatus, error) {
	const op = "status"
	if err := ValidateName(name); err != nil {
		return interfaces.VaultStatus{}, &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	p := o.paths(name)

	st := interfaces.VaultStatus{
		VaultInfo: interfaces.VaultInfo{
			Name:         name,
			ImagePath:    p.image,
			MapperDevice: p.mapperPath,
			MountPoint:   p.mountPoint,
		},
		Sealed: o.secrets.Exists(name),
	}
	if !o.fs.ImageExists(p.image) {
		st.State = interfaces.StateAbsent
		return st, nil
	}

	device, err := o.loops.FindBinding(p.image)
	if err != nil {
		return st, &interfaces.OpError{Op: op, Vault: name, Err: err}
	}
	st.LoopDevice = device

	isOpen := o.containers.IsOpen(p.mapper)
	switch {
	case isOpen && o.fs.IsMounted(p.mountPoint):
		st.State = interfaces.StateMounted
	case isOpen:
		st.State = interfaces.StateContainerOpen
	case device != "":
		st.State = interfaces.StateAttached
	case !st.Sealed:
		st.State = interfaces.StateWiped
	default:
		st.State = interfaces.StateCreated
	}

	if ms, ok := o.containers.(interfaces.ContainerMetadataStore); ok {
		md, err := ms.ReadMetadata(p.image)
		if err != nil {
			o.log.Debug("no container metadata", slog.String("vault", name), "err", err)
		} else {
			st.Metadata = &md
		}
	}
	return st, nil
}

func resolveDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
