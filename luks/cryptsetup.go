package luks

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ruteri/tpm-vault/cmdrun"
	"github.com/ruteri/tpm-vault/interfaces"
)

// TokenIDMetadata is the LUKS2 token slot holding vault metadata.
const TokenIDMetadata = "1"

// DefaultMapperDir is where device-mapper exposes named mappings.
const DefaultMapperDir = "/dev/mapper"

// Token is a LUKS2 token as accepted by `cryptsetup token import`.
type Token struct {
	Type     string            `json:"type"`
	Keyslots []string          `json:"keyslots"`
	UserData map[string]string `json:"user_data"`
}

// Cryptsetup implements interfaces.ContainerManager and
// interfaces.ContainerMetadataStore.
type Cryptsetup struct {
	run       cmdrun.Runner
	mapperDir string
	log       *slog.Logger
}

// New returns a Cryptsetup. An empty mapperDir means DefaultMapperDir.
func New(run cmdrun.Runner, mapperDir string, log *slog.Logger) *Cryptsetup {
	if mapperDir == "" {
		mapperDir = DefaultMapperDir
	}
	return &Cryptsetup{run: run, mapperDir: mapperDir, log: log}
}

// Format initializes a LUKS2 container on device. All previous content is lost.
func (c *Cryptsetup) Format(device string, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("format %s: %w", device, interfaces.ErrInvalidKeySize)
	}
	keyBits := strconv.Itoa(len(key) * 8)
	_, err := c.run.Run(key, "cryptsetup", "luksFormat",
		"--type", "luks2", "--batch-mode", "--key-file", "-", "--key-size", keyBits, device)
	if err != nil {
		return fmt.Errorf("could not format %s: %w", device, err)
	}
	c.log.Debug("formatted container", slog.String("device", device), slog.String("keyBits", keyBits))
	return nil
}

// Open maps the container on device to mapperName.
func (c *Cryptsetup) Open(device, mapperName string, key []byte) error {
	if c.IsOpen(mapperName) {
		return fmt.Errorf("open %s: %w", mapperName, interfaces.ErrAlreadyOpen)
	}
	_, err := c.run.Run(key, "cryptsetup", "open", "--type", "luks2", "--key-file", "-", device, mapperName)
	if err != nil {
		return fmt.Errorf("could not open %s as %s: %w", device, mapperName, err)
	}
	return nil
}

// Close removes the mapping. A mapping that is not open is left alone.
func (c *Cryptsetup) Close(mapperName string) error {
	if !c.IsOpen(mapperName) {
		return nil
	}
	if _, err := c.run.Run(nil, "cryptsetup", "close", mapperName); err != nil {
		return fmt.Errorf("could not close %s: %w", mapperName, err)
	}
	return nil
}

// IsOpen reports whether the device-mapper node for mapperName exists.
func (c *Cryptsetup) IsOpen(mapperName string) bool {
	_, err := os.Stat(c.MapperPath(mapperName))
	return err == nil
}

// MapperPath returns the path of the plaintext device for mapperName.
func (c *Cryptsetup) MapperPath(mapperName string) string {
	return filepath.Join(c.mapperDir, mapperName)
}

// WriteMetadata stores md as a user token in the header of device.
func (c *Cryptsetup) WriteMetadata(device string, md interfaces.ContainerMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}
	token := Token{
		Type:     "user",
		Keyslots: []string{},
		UserData: map[string]string{
			"metadata": string(data),
		},
	}
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return err
	}

	if _, err := c.run.Run(tokenJSON, "cryptsetup", "token", "import", "--token-id", TokenIDMetadata, device); err != nil {
		return fmt.Errorf("could not write metadata to %s: %w", device, err)
	}
	return nil
}

// ReadMetadata loads the metadata token from device. device may also be the
// image file itself.
func (c *Cryptsetup) ReadMetadata(device string) (interfaces.ContainerMetadata, error) {
	out, err := c.run.Run(nil, "cryptsetup", "token", "export", "--token-id", TokenIDMetadata, device)
	if err != nil {
		return interfaces.ContainerMetadata{}, fmt.Errorf("could not export LUKS token: %w", err)
	}

	var token Token
	if err := json.Unmarshal(out, &token); err != nil {
		return interfaces.ContainerMetadata{}, fmt.Errorf("could not unmarshal LUKS token: %w", err)
	}
	data, ok := token.UserData["metadata"]
	if !ok {
		return interfaces.ContainerMetadata{}, errors.New("luks token metadata is empty")
	}

	var md interfaces.ContainerMetadata
	if err := json.Unmarshal([]byte(data), &md); err != nil {
		return interfaces.ContainerMetadata{}, fmt.Errorf("could not parse vault metadata: %w", err)
	}
	return md, nil
}
