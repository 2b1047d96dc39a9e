package vaulttest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/ruteri/tpm-vault/sealing"
)

const mapperDir = "/dev/mapper"

type sealedSecret struct {
	data     []byte
	pcrState string
}

// Host is a fake machine implementing every vault collaborator.
type Host struct {
	mu sync.Mutex

	loops     map[string]string // device -> backing file
	nextLoop  int
	mappings  map[string]string // mapper name -> device
	keys      map[string][]byte // backing file -> container key
	metadata  map[string]interfaces.ContainerMetadata
	mkfsDone  map[string]bool // backing file -> filesystem created
	mounts    map[string]string
	secrets   map[string]sealedSecret
	pcrState  string
	provision bool

	failures map[string]error
	once     map[string]error
	calls    []string

	// Keys holds every key slice handed to the host, as passed. Tests use it
	// to check that callers zeroed their copies afterwards.
	Keys [][]byte
	// Unsealed holds every slice returned from Unseal.
	Unsealed [][]byte
}

// NewHost returns an empty, unprovisioned host.
func NewHost() *Host {
	return &Host{
		loops:    make(map[string]string),
		mappings: make(map[string]string),
		keys:     make(map[string][]byte),
		metadata: make(map[string]interfaces.ContainerMetadata),
		mkfsDone: make(map[string]bool),
		mounts:   make(map[string]string),
		secrets:  make(map[string]sealedSecret),
		pcrState: "boot-0",
		failures: make(map[string]error),
		once:     make(map[string]error),
	}
}

// Loops, Containers, Secrets and FS return views of h implementing each
// collaborator interface.
func (h *Host) Loops() interfaces.LoopAttacher { return hostLoops{h} }
func (h *Host) Containers() interfaces.ContainerManager { return hostContainers{h} }
func (h *Host) Secrets() interfaces.SecretStore { return hostSecrets{h} }
func (h *Host) FS() interfaces.Filesystem { return hostFS{h} }

// Fail makes method (e.g. "Loops.Attach", "Containers.Format") return err
// until cleared with Fail(method, nil).
func (h *Host) Fail(method string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, method)
		return
	}
	h.failures[method] = err
}

// FailOnce makes only the next call of method return err.
func (h *Host) FailOnce(method string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.once[method] = err
}

// SetPCRState changes the simulated platform measurements.
func (h *Host) SetPCRState(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pcrState = state
}

// Calls returns the methods invoked so far, in order.
func (h *Host) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// ResetCalls clears the call log.
func (h *Host) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// Bindings returns all loop bindings sorted by device.
func (h *Host) Bindings() []interfaces.LoopBinding {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bindingsLocked()
}

// OpenMappings returns the names of all open mappings.
func (h *Host) OpenMappings() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for name := range h.mappings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MountPoints returns all mounted paths.
func (h *Host) MountPoints() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var points []string
	for mp := range h.mounts {
		points = append(points, mp)
	}
	sort.Strings(points)
	return points
}

// HasFilesystem reports whether mkfs ran on the container behind image.
func (h *Host) HasFilesystem(image string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mkfsDone[image]
}

// AddBinding creates a loop binding as if another process had attached file.
func (h *Host) AddBinding(file string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.newLoopLocked(file)
}

// AddMapping opens a mapping as if another process had done it.
func (h *Host) AddMapping(mapper, device string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mappings[mapper] = device
}

// AddMount records a mount as if another process had mounted device.
func (h *Host) AddMount(device, mountPoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts[filepath.Clean(mountPoint)] = device
}

// SealRaw stores data under name without any size checks.
func (h *Host) SealRaw(name string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.secrets[name] = sealedSecret{data: append([]byte(nil), data...), pcrState: h.pcrState}
}

func (h *Host) enter(method string) error {
	h.calls = append(h.calls, method)
	if err, ok := h.once[method]; ok {
		delete(h.once, method)
		return err
	}
	return h.failures[method]
}

func (h *Host) bindingsLocked() []interfaces.LoopBinding {
	out := make([]interfaces.LoopBinding, 0, len(h.loops))
	for dev, file := range h.loops {
		out = append(out, interfaces.LoopBinding{Device: dev, BackingFile: file})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

func (h *Host) newLoopLocked(file string) string {
	dev := fmt.Sprintf("/dev/loop%d", h.nextLoop)
	h.nextLoop++
	h.loops[dev] = file
	return dev
}

func (h *Host) bindingForLocked(file string) string {
	for _, b := range h.bindingsLocked() {
		if b.BackingFile == file {
			return b.Device
		}
	}
	return ""
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

type hostLoops struct{ h *Host }

func (l hostLoops) Attach(path string) (string, error) {
	l.h.mu.Lock()
	defer l.h.mu.Unlock()
	if err := l.h.enter("Loops.Attach"); err != nil {
		return "", err
	}
	file, err := resolve(path)
	if err != nil {
		return "", fmt.Errorf("attach %s: %w", path, interfaces.ErrNotFound)
	}
	if dev := l.h.bindingForLocked(file); dev != "" {
		return dev, nil
	}
	return l.h.newLoopLocked(file), nil
}

func (l hostLoops) Detach(device string) error {
	l.h.mu.Lock()
	defer l.h.mu.Unlock()
	if err := l.h.enter("Loops.Detach"); err != nil {
		return err
	}
	if _, ok := l.h.loops[device]; !ok {
		return fmt.Errorf("detach %s: %w", device, interfaces.ErrNotFound)
	}
	delete(l.h.loops, device)
	return nil
}

func (l hostLoops) FindBinding(path string) (string, error) {
	l.h.mu.Lock()
	defer l.h.mu.Unlock()
	if err := l.h.enter("Loops.FindBinding"); err != nil {
		return "", err
	}
	file, err := resolve(path)
	if err != nil {
		return "", nil
	}
	return l.h.bindingForLocked(file), nil
}

func (l hostLoops) ListAll() ([]interfaces.LoopBinding, error) {
	l.h.mu.Lock()
	defer l.h.mu.Unlock()
	if err := l.h.enter("Loops.ListAll"); err != nil {
		return nil, err
	}
	return l.h.bindingsLocked(), nil
}

type hostContainers struct{ h *Host }

func (c hostContainers) Format(device string, key []byte) error {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	c.h.Keys = append(c.h.Keys, key)
	if err := c.h.enter("Containers.Format"); err != nil {
		return err
	}
	file, ok := c.h.loops[device]
	if !ok {
		return fmt.Errorf("format %s: no such device: %w", device, interfaces.ErrExternalTool)
	}
	c.h.keys[file] = append([]byte(nil), key...)
	delete(c.h.mkfsDone, file)
	delete(c.h.metadata, file)
	return nil
}

func (c hostContainers) Open(device, mapperName string, key []byte) error {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	c.h.Keys = append(c.h.Keys, key)
	if err := c.h.enter("Containers.Open"); err != nil {
		return err
	}
	if _, ok := c.h.mappings[mapperName]; ok {
		return fmt.Errorf("open %s: %w", mapperName, interfaces.ErrAlreadyOpen)
	}
	file, ok := c.h.loops[device]
	if !ok {
		return fmt.Errorf("open %s: no such device: %w", device, interfaces.ErrExternalTool)
	}
	want, ok := c.h.keys[file]
	if !ok || !bytes.Equal(want, key) {
		return fmt.Errorf("open %s: no key available with this passphrase: %w", device, interfaces.ErrExternalTool)
	}
	c.h.mappings[mapperName] = device
	return nil
}

func (c hostContainers) Close(mapperName string) error {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if err := c.h.enter("Containers.Close"); err != nil {
		return err
	}
	delete(c.h.mappings, mapperName)
	return nil
}

func (c hostContainers) IsOpen(mapperName string) bool {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	_, ok := c.h.mappings[mapperName]
	return ok
}

func (c hostContainers) MapperPath(mapperName string) string {
	return mapperDir + "/" + mapperName
}

func (c hostContainers) WriteMetadata(device string, md interfaces.ContainerMetadata) error {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if err := c.h.enter("Containers.WriteMetadata"); err != nil {
		return err
	}
	file, ok := c.h.loops[device]
	if !ok {
		return fmt.Errorf("token import %s: %w", device, interfaces.ErrExternalTool)
	}
	c.h.metadata[file] = md
	return nil
}

func (c hostContainers) ReadMetadata(device string) (interfaces.ContainerMetadata, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if err := c.h.enter("Containers.ReadMetadata"); err != nil {
		return interfaces.ContainerMetadata{}, err
	}
	file := device
	if backing, ok := c.h.loops[device]; ok {
		file = backing
	} else if resolved, err := resolve(device); err == nil {
		file = resolved
	}
	md, ok := c.h.metadata[file]
	if !ok {
		return interfaces.ContainerMetadata{}, fmt.Errorf("token export %s: %w", device, interfaces.ErrExternalTool)
	}
	return md, nil
}

// mapperDeviceFileLocked returns the image behind an open mapper path.
func (h *Host) mapperDeviceFileLocked(mapperPath string) (string, bool) {
	name := filepath.Base(mapperPath)
	dev, ok := h.mappings[name]
	if !ok {
		return "", false
	}
	file, ok := h.loops[dev]
	return file, ok
}

type hostSecrets struct{ h *Host }

func (s hostSecrets) Provision() error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if err := s.h.enter("Secrets.Provision"); err != nil {
		return err
	}
	if s.h.provision {
		return interfaces.ErrAlreadyProvisioned
	}
	s.h.provision = true
	return nil
}

func (s hostSecrets) Seal(name string, data []byte) error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.Keys = append(s.h.Keys, data)
	if err := s.h.enter("Secrets.Seal"); err != nil {
		return err
	}
	if !s.h.provision {
		return interfaces.ErrNotProvisioned
	}
	if err := sealing.ValidatePayload(data); err != nil {
		return err
	}
	s.h.secrets[name] = sealedSecret{data: append([]byte(nil), data...), pcrState: s.h.pcrState}
	return nil
}

func (s hostSecrets) Unseal(name string) ([]byte, error) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if err := s.h.enter("Secrets.Unseal"); err != nil {
		return nil, err
	}
	secret, ok := s.h.secrets[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sealing.SealPath(name), interfaces.ErrNotFound)
	}
	if secret.pcrState != s.h.pcrState {
		return nil, interfaces.ErrPolicyMismatch
	}
	out := append([]byte(nil), secret.data...)
	s.h.Unsealed = append(s.h.Unsealed, out)
	return out, nil
}

func (s hostSecrets) Remove(name string) error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if err := s.h.enter("Secrets.Remove"); err != nil {
		return err
	}
	if _, ok := s.h.secrets[name]; !ok {
		return fmt.Errorf("%s: %w", sealing.SealPath(name), interfaces.ErrNotFound)
	}
	delete(s.h.secrets, name)
	return nil
}

func (s hostSecrets) Exists(name string) bool {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	_, ok := s.h.secrets[name]
	return ok
}

type hostFS struct{ h *Host }

func (f hostFS) ImageExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (f hostFS) AllocateImage(path string, size int64) error {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if err := f.h.enter("FS.AllocateImage"); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s: %w", path, interfaces.ErrAlreadyExists)
	} else if err != nil {
		return err
	}
	defer file.Close()
	if err := file.Truncate(size); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func (f hostFS) RemoveImage(path string) error {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if err := f.h.enter("FS.RemoveImage"); err != nil {
		return err
	}
	if resolved, err := resolve(path); err == nil {
		delete(f.h.keys, resolved)
		delete(f.h.mkfsDone, resolved)
		delete(f.h.metadata, resolved)
	}
	return os.Remove(path)
}

func (f hostFS) MakeFilesystem(device string) error {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if err := f.h.enter("FS.MakeFilesystem"); err != nil {
		return err
	}
	file, ok := f.h.mapperDeviceFileLocked(device)
	if !ok {
		return fmt.Errorf("mkfs %s: no such device: %w", device, interfaces.ErrExternalTool)
	}
	f.h.mkfsDone[file] = true
	return nil
}

func (f hostFS) Mount(device, mountPoint string) error {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if err := f.h.enter("FS.Mount"); err != nil {
		return err
	}
	file, ok := f.h.mapperDeviceFileLocked(device)
	if !ok {
		return fmt.Errorf("mount %s: special device does not exist: %w", device, interfaces.ErrExternalTool)
	}
	if !f.h.mkfsDone[file] {
		return fmt.Errorf("mount %s: wrong fs type: %w", device, interfaces.ErrExternalTool)
	}
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return err
	}
	f.h.mounts[filepath.Clean(mountPoint)] = device
	return nil
}

func (f hostFS) Unmount(mountPoint string) error {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if err := f.h.enter("FS.Unmount"); err != nil {
		return err
	}
	delete(f.h.mounts, filepath.Clean(mountPoint))
	return nil
}

func (f hostFS) IsMounted(mountPoint string) bool {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	_, ok := f.h.mounts[filepath.Clean(mountPoint)]
	return ok
}
