package flags

import (
	"flag"
	"path/filepath"
	"testing"

	"github.com/ruteri/tpm-vault/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func newContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range append(append([]cli.Flag{}, VaultFlags...), CommonFlags...) {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	return cfg
}

func TestApplyOverridesOnlyExplicitFlags(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.FSType = "xfs"

	cCtx := newContext(t, "--seal-backend", "fapi", "--workdir", "/srv/vaults")
	require.NoError(t, ApplyOverrides(cCtx, cfg))

	assert.Equal(t, config.BackendFAPI, cfg.SealBackend)
	assert.Equal(t, "/srv/vaults", cfg.WorkDir)
	assert.Equal(t, "xfs", cfg.FSType)
}

func TestApplyOverridesValidates(t *testing.T) {
	cfg := loadDefaults(t)
	cCtx := newContext(t, "--seal-backend", "pkcs11")
	assert.Error(t, ApplyOverrides(cCtx, cfg))
}
