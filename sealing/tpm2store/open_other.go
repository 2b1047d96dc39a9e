//go:build !linux

package tpm2store

import (
	"errors"
	"io"
)

func openTPM(string) (io.ReadWriteCloser, error) {
	return nil, errors.New("TPM access is only supported on linux")
}
