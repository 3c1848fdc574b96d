package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/hadron-io/nbd"
	"github.com/ilyakaznacheev/cleanenv"
)

func init() {
	commands = append(commands, &serveCmd{})
}

// serveConfig is loaded from an optional TOML file, overridden by
// environment variables and then by command line flags.
type serveConfig struct {
	Addr        string `toml:"addr" env:"NBD_ADDR" env-default:"localhost:10809" env-description:"Address to listen on."`
	Unix        bool   `toml:"unix" env:"NBD_UNIX" env-default:"false" env-description:"Treat addr as a unix domain socket path."`
	Export      string `toml:"export" env:"NBD_EXPORT" env-default:"default" env-description:"Name of the export."`
	Description string `toml:"description" env:"NBD_DESCRIPTION" env-default:"" env-description:"Human-readable description of the export."`
	File        string `toml:"file" env:"NBD_FILE" env-default:"disk.img" env-description:"Backing file for the export."`
	SizeMB      uint64 `toml:"size" env:"NBD_SIZE" env-default:"256" env-description:"Export size in MiB."`
	ReadOnly    bool   `toml:"read_only" env:"NBD_READONLY" env-default:"false" env-description:"Serve the export read-only."`
	Mem         bool   `toml:"mem" env:"NBD_MEM" env-default:"false" env-description:"Serve from memory instead of a file. Contents are lost on exit."`
}

type serveCmd struct {
	configPath string
	cfg        serveConfig
}

func (cmd *serveCmd) Name() string {
	return "serve"
}

func (cmd *serveCmd) Synopsis() string {
	return "serve a file as a network block device"
}

func (cmd *serveCmd) Usage() string {
	return `Usage: nbd serve [-config <path>] [flags]

Serve a file (or an in-memory scratch buffer) as a network block device.
Settings come from the config file, then environment variables, then flags.
`
}

func (cmd *serveCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.configPath, "config", "/etc/nbd/config.toml", "Path to config file. Ignored if it does not exist")
	fs.StringVar(&cmd.cfg.Addr, "addr", "", "Address to listen on")
	fs.BoolVar(&cmd.cfg.Unix, "unix", false, "Treat -addr as a unix domain socket path")
	fs.StringVar(&cmd.cfg.Export, "export", "", "Name of the export")
	fs.StringVar(&cmd.cfg.File, "file", "", "Backing file for the export")
	fs.Uint64Var(&cmd.cfg.SizeMB, "size", 0, "Export size in MiB")
	fs.BoolVar(&cmd.cfg.ReadOnly, "read-only", false, "Serve the export read-only")
	fs.BoolVar(&cmd.cfg.Mem, "mem", false, "Serve from memory instead of a file")
}

// loadConfig resolves the effective configuration: file and environment
// first, with any flag the user explicitly set taking precedence.
func (cmd *serveCmd) loadConfig(fs *flag.FlagSet) error {
	flags := cmd.cfg
	if _, err := os.Stat(cmd.configPath); err == nil {
		if err := cleanenv.ReadConfig(cmd.configPath, &cmd.cfg); err != nil {
			return err
		}
	} else if err := cleanenv.ReadEnv(&cmd.cfg); err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cmd.cfg.Addr = flags.Addr
		case "unix":
			cmd.cfg.Unix = flags.Unix
		case "export":
			cmd.cfg.Export = flags.Export
		case "file":
			cmd.cfg.File = flags.File
		case "size":
			cmd.cfg.SizeMB = flags.SizeMB
		case "read-only":
			cmd.cfg.ReadOnly = flags.ReadOnly
		case "mem":
			cmd.cfg.Mem = flags.Mem
		}
	})
	return nil
}

func (cmd *serveCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	logger := newLogger()
	if fs.NArg() != 0 {
		logger.Error().Msg(cmd.Usage())
		return subcommands.ExitUsageError
	}
	if err := cmd.loadConfig(fs); err != nil {
		logger.Error().Err(err).Msg("loading configuration")
		return subcommands.ExitFailure
	}
	size := cmd.cfg.SizeMB << 20

	var (
		ex  nbd.Export
		err error
	)
	if cmd.cfg.Mem {
		ex = nbd.Export{
			Name:        cmd.cfg.Export,
			Description: cmd.cfg.Description,
			ReadOnly:    cmd.cfg.ReadOnly,
			Store:       nbd.NewMemStore(size),
		}
	} else {
		var st *nbd.FileStore
		st, err = nbd.OpenFileStore(cmd.cfg.File, size, cmd.cfg.ReadOnly)
		if err != nil {
			logger.Error().Err(err).Msg("opening backing file")
			return subcommands.ExitFailure
		}
		defer st.Close()
		var bs *nbd.BlockSizeConstraints
		if fi, err := os.Stat(cmd.cfg.File); err == nil {
			bs = blockSize(fi)
		}
		ex = nbd.Export{
			Name:        cmd.cfg.Export,
			Description: cmd.cfg.Description,
			ReadOnly:    cmd.cfg.ReadOnly,
			BlockSizes:  bs,
			Store:       st,
		}
	}

	srv, err := nbd.NewServer(ex)
	if err != nil {
		logger.Error().Err(err).Msg("invalid export")
		return subcommands.ExitFailure
	}
	srv.SetLogger(logger)

	network := "tcp"
	if cmd.cfg.Unix {
		network = "unix"
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx, network, cmd.cfg.Addr); err != nil {
		logger.Error().Err(err).Msg("server failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
