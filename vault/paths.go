package vault

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/ruteri/tpm-vault/interfaces"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateName rejects names that cannot be used as a file name, a mapper
// name and a seal path component at once.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid vault name %q: %w", name, interfaces.ErrInvalidInput)
	}
	return nil
}

type vaultPaths struct {
	image      string
	mountPoint string
	mapper     string
	mapperPath string
}

func (o *Orchestrator) paths(name string) vaultPaths {
	mapper := o.cfg.MapperPrefix + name
	return vaultPaths{
		image:      filepath.Join(o.cfg.WorkDir, name+o.cfg.ImageSuffix),
		mountPoint: filepath.Join(o.cfg.WorkDir, name),
		mapper:     mapper,
		mapperPath: o.containers.MapperPath(mapper),
	}
}
