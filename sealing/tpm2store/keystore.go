package tpm2store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/tpm-vault/interfaces"
)

// DefaultKeystoreDir is where sealed blobs are kept unless configured otherwise.
const DefaultKeystoreDir = "/var/lib/tpm-vault/keystore"

const blobExt = ".json"

// Keystore keeps sealed blobs and imported policies as files, one per
// hierarchy path. A path such as /HS/SRK/seal_alpha is stored at
// <baseDir>/HS/SRK/seal_alpha.json.
type Keystore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewKeystore creates the keystore layout under baseDir if it does not exist.
func NewKeystore(baseDir string, log *slog.Logger) (*Keystore, error) {
	if baseDir == "" {
		baseDir = DefaultKeystoreDir
	}
	for _, sub := range []string{"HS/SRK", "policy"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0700); err != nil {
			return nil, fmt.Errorf("failed to create keystore directory: %w", err)
		}
	}

	return &Keystore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Get reads the object stored at path. Returns ErrNotFound if there is none.
func (k *Keystore) Get(path string) ([]byte, error) {
	filePath, err := k.filePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, interfaces.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	k.log.Debug("Fetched object from keystore",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Put stores data at path, replacing any previous object. The write is atomic.
func (k *Keystore) Put(path string, data []byte) error {
	filePath, err := k.filePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-"+filepath.Base(filePath))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to store %s: %w", path, err)
	}

	k.log.Debug("Stored object in keystore", slog.String("path", filePath))
	return nil
}

// PutIfAbsent stores data at path unless an object is already there.
// It reports whether data was written.
func (k *Keystore) PutIfAbsent(path string, data []byte) (bool, error) {
	if k.Has(path) {
		return false, nil
	}
	if err := k.Put(path, data); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the object at path. Returns ErrNotFound if there is none.
func (k *Keystore) Delete(path string) error {
	filePath, err := k.filePath(path)
	if err != nil {
		return err
	}
	err = os.Remove(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, interfaces.ErrNotFound)
	}
	return err
}

// Has reports whether an object exists at path.
func (k *Keystore) Has(path string) bool {
	filePath, err := k.filePath(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(filePath)
	return err == nil && info.Mode().IsRegular()
}

// LocationURI returns the URI that identifies this keystore.
func (k *Keystore) LocationURI() string {
	return k.locationURI
}

func (k *Keystore) filePath(path string) (string, error) {
	rel := filepath.Clean("/" + path)
	if rel == "/" || strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid keystore path %q: %w", path, interfaces.ErrInvalidInput)
	}
	return filepath.Join(k.baseDir, rel+blobExt), nil
}
