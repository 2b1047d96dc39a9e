// Package loopdev binds image files to loop block devices using losetup(8).
package loopdev

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ruteri/tpm-vault/cmdrun"
	"github.com/ruteri/tpm-vault/interfaces"
)

const deletedSuffix = " (deleted)"

// Losetup implements interfaces.LoopAttacher.
type Losetup struct {
	run cmdrun.Runner
	log *slog.Logger
}

// New returns a Losetup that invokes the tool through run.
func New(run cmdrun.Runner, log *slog.Logger) *Losetup {
	return &Losetup{run: run, log: log}
}

// Attach binds path to the first free loop device, or returns the device
// already bound to it.
func (l *Losetup) Attach(path string) (string, error) {
	abs, err := resolve(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("attach %s: %w", path, interfaces.ErrNotFound)
		}
		return "", fmt.Errorf("attach %s: %w", path, err)
	}

	existing, err := l.FindBinding(abs)
	if err != nil {
		return "", err
	}
	if existing != "" {
		l.log.Debug("reusing loop binding", slog.String("file", abs), slog.String("device", existing))
		return existing, nil
	}

	out, err := l.run.Run(nil, "losetup", "--find", "--show", abs)
	if err != nil {
		return "", fmt.Errorf("attach %s: %w", abs, err)
	}
	device := strings.TrimSpace(string(out))
	if !strings.HasPrefix(device, "/dev/loop") {
		return "", fmt.Errorf("attach %s: unexpected losetup output %q: %w", abs, device, interfaces.ErrExternalTool)
	}

	l.log.Debug("attached loop device", slog.String("file", abs), slog.String("device", device))
	return device, nil
}

// Detach releases device. It returns ErrNotFound if device has no binding.
func (l *Losetup) Detach(device string) error {
	bindings, err := l.ListAll()
	if err != nil {
		return err
	}
	found := false
	for _, b := range bindings {
		if b.Device == device {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("detach %s: %w", device, interfaces.ErrNotFound)
	}

	if _, err := l.run.Run(nil, "losetup", "-d", device); err != nil {
		return fmt.Errorf("detach %s: %w", device, err)
	}
	return nil
}

// FindBinding returns the loop device bound to path, or "" when there is none.
func (l *Losetup) FindBinding(path string) (string, error) {
	abs, err := resolve(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	out, err := l.run.Run(nil, "losetup", "-j", abs)
	if err != nil {
		return "", fmt.Errorf("query binding of %s: %w", abs, err)
	}
	return parseAssociated(out), nil
}

// ListAll enumerates every loop device that has a backing file.
func (l *Losetup) ListAll() ([]interfaces.LoopBinding, error) {
	out, err := l.run.Run(nil, "losetup", "--list", "--json", "--output", "NAME,BACK-FILE")
	if err != nil {
		return nil, fmt.Errorf("list loop devices: %w", err)
	}
	bindings, err := parseList(out)
	if err != nil {
		return nil, fmt.Errorf("list loop devices: %w: %w", interfaces.ErrExternalTool, err)
	}
	return bindings, nil
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// parseAssociated extracts the device from `losetup -j` output of the form
// "/dev/loop0: [2049]:1234 (/path/to/file)".
func parseAssociated(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i := strings.Index(line, ":"); i > 0 {
			return line[:i]
		}
	}
	return ""
}

type listOutput struct {
	LoopDevices []struct {
		Name     string  `json:"name"`
		BackFile *string `json:"back-file"`
	} `json:"loopdevices"`
}

func parseList(out []byte) ([]interfaces.LoopBinding, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	var parsed listOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, err
	}

	bindings := make([]interfaces.LoopBinding, 0, len(parsed.LoopDevices))
	for _, d := range parsed.LoopDevices {
		if d.BackFile == nil || *d.BackFile == "" {
			continue
		}
		bindings = append(bindings, interfaces.LoopBinding{
			Device:      d.Name,
			BackingFile: strings.TrimSuffix(*d.BackFile, deletedSuffix),
		})
	}
	return bindings, nil
}
