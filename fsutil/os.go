package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/ruteri/tpm-vault/cmdrun"
	"github.com/ruteri/tpm-vault/interfaces"
	"golang.org/x/sys/unix"
)

// DefaultFSType is the filesystem created inside new vaults.
const DefaultFSType = "ext4"

const zeroChunk = 1 << 20

// OS implements interfaces.Filesystem against the running system.
type OS struct {
	run        cmdrun.Runner
	fsType     string
	mountsFile string
	log        *slog.Logger
}

// New returns an OS filesystem. An empty fsType means DefaultFSType.
func New(run cmdrun.Runner, fsType string, log *slog.Logger) *OS {
	if fsType == "" {
		fsType = DefaultFSType
	}
	return &OS{run: run, fsType: fsType, mountsFile: DefaultMountsFile, log: log}
}

// WithMountsFile makes IsMounted read path instead of the kernel mount table.
func (o *OS) WithMountsFile(path string) *OS {
	o.mountsFile = path
	return o
}

// ImageExists reports whether path is an existing regular file.
func (o *OS) ImageExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// AllocateImage creates path with exactly size bytes of backing storage.
// The file must not exist. On failure the partial file is removed.
func (o *OS) AllocateImage(path string, size int64) (err error) {
	if size <= 0 {
		return fmt.Errorf("image size %d: %w", size, interfaces.ErrInvalidInput)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s: %w", path, interfaces.ErrAlreadyExists)
	} else if err != nil {
		return fmt.Errorf("could not create image: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	if ferr := unix.Fallocate(int(f.Fd()), 0, 0, size); ferr != nil {
		o.log.Debug("fallocate unavailable, zero-filling image", slog.String("path", path), "err", ferr)
		if err = zeroFill(f, size); err != nil {
			return fmt.Errorf("could not allocate image: %w", err)
		}
	}

	if err = f.Sync(); err != nil {
		return fmt.Errorf("could not sync image: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("could not close image: %w", err)
	}
	return nil
}

func zeroFill(w io.Writer, size int64) error {
	buf := make([]byte, zeroChunk)
	for size > 0 {
		n := int64(len(buf))
		if size < n {
			n = size
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		size -= n
	}
	return nil
}

// RemoveImage deletes the image file.
func (o *OS) RemoveImage(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, interfaces.ErrNotFound)
	}
	return err
}

// MakeFilesystem creates a fresh filesystem on device.
func (o *OS) MakeFilesystem(device string) error {
	if _, err := o.run.Run(nil, "mkfs."+o.fsType, "-q", device); err != nil {
		return fmt.Errorf("could not create filesystem: %w", err)
	}
	return nil
}

// Mount mounts device at mountPoint, creating the directory if needed.
func (o *OS) Mount(device, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("could not create mount point: %w", err)
	}
	if _, err := o.run.Run(nil, "mount", device, mountPoint); err != nil {
		return fmt.Errorf("could not mount filesystem: %w", err)
	}
	return nil
}

// Unmount unmounts mountPoint. Nothing happens if it is not mounted.
func (o *OS) Unmount(mountPoint string) error {
	if !o.IsMounted(mountPoint) {
		return nil
	}
	if _, err := o.run.Run(nil, "umount", mountPoint); err != nil {
		return fmt.Errorf("could not unmount filesystem: %w", err)
	}
	return nil
}

// IsMounted checks if a mountpoint is currently mounted.
func (o *OS) IsMounted(mountPoint string) bool {
	f, err := os.Open(o.mountsFile)
	if err != nil {
		return false
	}
	defer f.Close()

	points, err := mountPoints(f)
	if err != nil {
		o.log.Debug("could not parse mount table", slog.String("path", o.mountsFile), "err", err)
	}
	return containsMountPoint(points, mountPoint)
}
