//go:build linux

package tpm2store

import (
	"fmt"
	"io"

	"github.com/google/go-tpm/legacy/tpm2"
)

var devicePaths = []string{"/dev/tpmrm0", "/dev/tpm0"}

// openTPM opens path, or the resource manager and then the raw device when
// path is empty.
func openTPM(path string) (io.ReadWriteCloser, error) {
	paths := devicePaths
	if path != "" {
		paths = []string{path}
	}

	var lastErr error
	for _, p := range paths {
		rwc, err := tpm2.OpenTPM(p)
		if err == nil {
			return rwc, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no TPM device found: %w", lastErr)
}
