package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/ruteri/tpm-vault/cmd/flags"
	"github.com/ruteri/tpm-vault/cmdrun"
	"github.com/ruteri/tpm-vault/config"
	"github.com/ruteri/tpm-vault/fsutil"
	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/ruteri/tpm-vault/loopdev"
	"github.com/ruteri/tpm-vault/luks"
	"github.com/ruteri/tpm-vault/platform"
	"github.com/ruteri/tpm-vault/sealing/fapistore"
	"github.com/ruteri/tpm-vault/sealing/tpm2store"
	"github.com/ruteri/tpm-vault/vault"
	"github.com/urfave/cli/v2"
)

var flagYes = &cli.BoolFlag{
	Name:  "yes",
	Usage: "do not ask for confirmation",
}

// vaultService is the part of *vault.Orchestrator the commands use.
type vaultService interface {
	WorkDir() string
	Create(name string, size int64) error
	Open(name string) error
	Close(name string) error
	List() ([]interfaces.VaultInfo, error)
	Wipe(name string) error
	Status(name string) (interfaces.VaultStatus, error)
}

type command struct {
	stdin       io.Reader
	stdout      io.Writer
	interactive func() bool
	isRoot      func() bool

	cfg  *config.Config
	log  *slog.Logger
	open func(cfg *config.Config, log *slog.Logger) (vaultService, error)
}

func main() {
	c := &command{
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		interactive: func() bool { return isTerminal(os.Stdin) },
		isRoot:      platform.IsRoot,
		open:        newOrchestrator,
	}

	if err := c.app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tpm-vault: %v\n", err)
		os.Exit(1)
	}
}

func (c *command) app() *cli.App {
	return &cli.App{
		Name:           "tpm-vault",
		Usage:          "TPM-sealed encrypted vaults",
		Writer:         c.stdout,
		Flags:          appFlags(),
		Before:         c.before,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "create a vault (size like 512M or 2G, default 100M)",
				ArgsUsage: "<name> [size]",
				Action:    c.create,
			},
			{
				Name:      "open",
				Usage:     "unseal the key, open and mount a vault",
				ArgsUsage: "<name>",
				Action:    c.openVault,
			},
			{
				Name:      "close",
				Usage:     "unmount and close a vault",
				ArgsUsage: "<name>",
				Action:    c.close,
			},
			{
				Name:   "list",
				Usage:  "list open vaults of the working directory",
				Action: c.list,
			},
			{
				Name:      "status",
				Usage:     "show the state of a vault",
				ArgsUsage: "<name>",
				Action:    c.status,
			},
			{
				Name:      "wipe",
				Usage:     "destroy the sealed key of a vault, irreversibly",
				ArgsUsage: "<name>",
				Flags:     []cli.Flag{flagYes},
				Action:    c.wipe,
			},
		},
	}
}

func appFlags() []cli.Flag {
	f := make([]cli.Flag, 0, len(flags.VaultFlags)+len(flags.CommonFlags)+1)
	f = append(f, flags.VaultFlags...)
	f = append(f, flags.CommonFlags...)
	return append(f, flags.LogServiceFlagFn("tpm-vault"))
}

func (c *command) before(cCtx *cli.Context) error {
	if !c.isRoot() {
		return interfaces.ErrPermissionDenied
	}

	cfg, err := config.Load(cCtx.String(flags.ConfigFlag.Name))
	if err != nil {
		return err
	}
	if err := flags.ApplyOverrides(cCtx, cfg); err != nil {
		return err
	}
	c.cfg = cfg
	c.log = flags.SetupLogger(cCtx, cfg)

	if err := platform.DisableCoreDumps(); err != nil {
		c.log.Warn("could not disable core dumps", "err", err)
	}
	if err := platform.DisableDumpable(); err != nil {
		c.log.Warn("could not mark process non-dumpable", "err", err)
	}
	return nil
}

func newOrchestrator(cfg *config.Config, log *slog.Logger) (vaultService, error) {
	run := cmdrun.NewOSRunner(log)

	var secrets interfaces.SecretStore
	switch cfg.SealBackend {
	case config.BackendFAPI:
		secrets = fapistore.New(run, log)
	default:
		keys, err := tpm2store.NewKeystore(cfg.KeystoreDir, log)
		if err != nil {
			return nil, err
		}
		secrets = tpm2store.New(tpm2store.NewTPM(cfg.TPMDevice, log), keys, log)
	}

	return vault.New(vault.Config{WorkDir: cfg.WorkDir}, vault.Dependencies{
		Secrets:    secrets,
		Containers: luks.New(run, cfg.MapperDir, log),
		Loops:      loopdev.New(run, log),
		FS:         fsutil.New(run, cfg.FSType, log),
	}, log)
}

func nameArg(cCtx *cli.Context) (string, error) {
	if cCtx.NArg() < 1 {
		return "", fmt.Errorf("missing vault name: %w", interfaces.ErrInvalidInput)
	}
	return cCtx.Args().First(), nil
}

func (c *command) create(cCtx *cli.Context) error {
	name, err := nameArg(cCtx)
	if err != nil {
		return err
	}
	size := c.cfg.DefaultSizeBytes()
	if cCtx.NArg() > 1 {
		if size, err = fsutil.ParseSize(cCtx.Args().Get(1)); err != nil {
			return err
		}
	}

	v, err := c.open(c.cfg, c.log)
	if err != nil {
		return err
	}
	if err := v.Create(name, size); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Created vault %q (%s)\n", name, fsutil.FormatSize(size))
	return nil
}

func (c *command) openVault(cCtx *cli.Context) error {
	name, err := nameArg(cCtx)
	if err != nil {
		return err
	}
	v, err := c.open(c.cfg, c.log)
	if err != nil {
		return err
	}
	if err := v.Open(name); err != nil {
		if errors.Is(err, interfaces.ErrPolicyMismatch) {
			c.log.Error("platform state changed since the vault was sealed", slog.String("vault", name))
		}
		return err
	}
	st, err := v.Status(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Opened vault %q at %s\n", name, st.MountPoint)
	return nil
}

func (c *command) close(cCtx *cli.Context) error {
	name, err := nameArg(cCtx)
	if err != nil {
		return err
	}
	v, err := c.open(c.cfg, c.log)
	if err != nil {
		return err
	}
	if err := v.Close(name); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Closed vault %q\n", name)
	return nil
}

func (c *command) list(cCtx *cli.Context) error {
	v, err := c.open(c.cfg, c.log)
	if err != nil {
		return err
	}
	vaults, err := v.List()
	if err != nil {
		return err
	}
	if len(vaults) == 0 {
		fmt.Fprintf(c.stdout, "No open vaults in %s\n", v.WorkDir())
		return nil
	}

	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIMAGE\tLOOP\tMAPPER\tMOUNT")
	for _, vi := range vaults {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", vi.Name, vi.ImagePath, vi.LoopDevice, vi.MapperDevice, vi.MountPoint)
	}
	return w.Flush()
}

func (c *command) status(cCtx *cli.Context) error {
	name, err := nameArg(cCtx)
	if err != nil {
		return err
	}
	v, err := c.open(c.cfg, c.log)
	if err != nil {
		return err
	}
	st, err := v.Status(name)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", st.Name)
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	fmt.Fprintf(w, "Sealed key:\t%t\n", st.Sealed)
	fmt.Fprintf(w, "Image:\t%s\n", st.ImagePath)
	if st.LoopDevice != "" {
		fmt.Fprintf(w, "Loop device:\t%s\n", st.LoopDevice)
	}
	if st.State >= interfaces.StateContainerOpen && st.State != interfaces.StateWiped {
		fmt.Fprintf(w, "Mapper:\t%s\n", st.MapperDevice)
	}
	if st.State == interfaces.StateMounted {
		fmt.Fprintf(w, "Mounted at:\t%s\n", st.MountPoint)
	}
	if st.Metadata != nil {
		fmt.Fprintf(w, "Key bits:\t%d\n", st.Metadata.KeyBits)
		fmt.Fprintf(w, "Created:\t%s\n", st.Metadata.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return w.Flush()
}

func (c *command) wipe(cCtx *cli.Context) error {
	name, err := nameArg(cCtx)
	if err != nil {
		return err
	}
	if !cCtx.Bool(flagYes.Name) {
		ok, err := confirmWipe(c.stdin, c.stdout, c.interactive(), name)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(c.stdout, "Aborted")
			return nil
		}
	}

	v, err := c.open(c.cfg, c.log)
	if err != nil {
		return err
	}
	if err := v.Wipe(name); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Wiped vault %q. Its image can no longer be opened.\n", name)
	return nil
}
