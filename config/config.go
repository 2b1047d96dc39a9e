// Package config loads optional tpm-vault settings from a YAML file and
// TPM_VAULT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/ruteri/tpm-vault/fsutil"
	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/ruteri/tpm-vault/sealing/tpm2store"
	"github.com/spf13/viper"
)

// DefaultPath is read when no --config flag is given. A missing file is fine.
const DefaultPath = "/etc/tpm-vault/config.yaml"

const (
	BackendTPM2 = "tpm2"
	BackendFAPI = "fapi"
)

// Config holds every setting of the CLI.
type Config struct {
	WorkDir     string `mapstructure:"workdir"`
	SealBackend string `mapstructure:"seal_backend"`
	TPMDevice   string `mapstructure:"tpm_device"`
	KeystoreDir string `mapstructure:"keystore_dir"`
	FSType      string `mapstructure:"fs_type"`
	MapperDir   string `mapstructure:"mapper_dir"`
	DefaultSize string `mapstructure:"default_size"`

	Log LogConfig `mapstructure:"log"`
}

type LogConfig struct {
	JSON    bool   `mapstructure:"json"`
	Debug   bool   `mapstructure:"debug"`
	Level   string `mapstructure:"level"`
	Service string `mapstructure:"service"`
}

var defaults = map[string]any{
	"workdir":      "",
	"seal_backend": BackendTPM2,
	"tpm_device":   "",
	"keystore_dir": tpm2store.DefaultKeystoreDir,
	"fs_type":      fsutil.DefaultFSType,
	"mapper_dir":   "/dev/mapper",
	"default_size": "100M",
	"log.json":     false,
	"log.debug":    false,
	"log.level":    "error",
	"log.service":  "tpm-vault",
}

// Load reads path (if it exists) on top of the defaults, then applies
// environment overrides such as TPM_VAULT_SEAL_BACKEND or TPM_VAULT_LOG_LEVEL.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("TPM_VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv alone does not reach keys during Unmarshal
	for key := range defaults {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("unable to bind env var %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var nfErr viper.ConfigFileNotFoundError
			if !errors.As(err, &nfErr) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("could not read config %s: %w", path, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values that would otherwise only fail deep inside a command.
func (c *Config) Validate() error {
	switch c.SealBackend {
	case BackendTPM2, BackendFAPI:
	default:
		return fmt.Errorf("unknown seal backend %q: %w", c.SealBackend, interfaces.ErrInvalidInput)
	}
	if _, err := fsutil.ParseSize(c.DefaultSize); err != nil {
		return fmt.Errorf("default_size: %w", err)
	}
	return nil
}

// DefaultSizeBytes returns DefaultSize parsed. Validate must have succeeded.
func (c *Config) DefaultSizeBytes() int64 {
	n, _ := fsutil.ParseSize(c.DefaultSize)
	return n
}
