package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/tpm-vault/common"
	"github.com/ruteri/tpm-vault/config"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the process logger from cfg, letting explicitly set flags win.
func SetupLogger(cCtx *cli.Context, cfg *config.Config) (log *slog.Logger) {
	logJSON := cfg.Log.JSON
	if cCtx.IsSet(LogJsonFlag.Name) {
		logJSON = cCtx.Bool(LogJsonFlag.Name)
	}
	logDebug := cfg.Log.Debug
	if cCtx.IsSet(LogDebugFlag.Name) {
		logDebug = cCtx.Bool(LogDebugFlag.Name)
	}
	logLevel := cfg.Log.Level
	if cCtx.IsSet(LogLevelFlag.Name) {
		logLevel = cCtx.String(LogLevelFlag.Name)
	}
	logService := cfg.Log.Service
	if cCtx.IsSet("log-service") {
		logService = cCtx.String("log-service")
	}
	logUID := cCtx.Bool(LogUidFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Level:   logLevel,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ApplyOverrides copies explicitly set global flags over the loaded configuration.
func ApplyOverrides(cCtx *cli.Context, cfg *config.Config) error {
	overrides := []struct {
		flag string
		dst  *string
	}{
		{WorkDirFlag.Name, &cfg.WorkDir},
		{SealBackendFlag.Name, &cfg.SealBackend},
		{TPMDeviceFlag.Name, &cfg.TPMDevice},
		{KeystoreDirFlag.Name, &cfg.KeystoreDir},
		{FSTypeFlag.Name, &cfg.FSType},
	}
	for _, o := range overrides {
		if cCtx.IsSet(o.flag) {
			*o.dst = cCtx.String(o.flag)
		}
	}
	return cfg.Validate()
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Value:   config.DefaultPath,
	EnvVars: []string{"TPM_VAULT_CONFIG"},
	Usage:   "path to YAML configuration file, a missing file is ignored",
}

var WorkDirFlag = &cli.StringFlag{
	Name:    "workdir",
	EnvVars: []string{"TPM_VAULT_WORKDIR"},
	Usage:   "directory holding vault images and mount points (default: current directory)",
}

var SealBackendFlag = &cli.StringFlag{
	Name:    "seal-backend",
	EnvVars: []string{"TPM_VAULT_SEAL_BACKEND"},
	Usage:   "secure element backend: tpm2 (direct TPM access) or fapi (tss2 tools)",
}

var TPMDeviceFlag = &cli.StringFlag{
	Name:    "tpm-device",
	EnvVars: []string{"TPM_VAULT_TPM_DEVICE"},
	Usage:   "TPM character device (default: /dev/tpmrm0, then /dev/tpm0)",
}

var KeystoreDirFlag = &cli.StringFlag{
	Name:    "keystore-dir",
	EnvVars: []string{"TPM_VAULT_KEYSTORE_DIR"},
	Usage:   "directory for sealed objects of the tpm2 backend",
}

var FSTypeFlag = &cli.StringFlag{
	Name:    "fs-type",
	EnvVars: []string{"TPM_VAULT_FS_TYPE"},
	Usage:   "filesystem created inside new vaults",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogLevelFlag = &cli.StringFlag{
	Name:  "log-level",
	Value: "error",
	Usage: "minimum log level: debug, info, warn or error",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogLevelFlag,
}

var VaultFlags = []cli.Flag{
	ConfigFlag,
	WorkDirFlag,
	SealBackendFlag,
	TPMDeviceFlag,
	KeystoreDirFlag,
	FSTypeFlag,
}
