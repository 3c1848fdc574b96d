//go:build linux

package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"github.com/hadron-io/nbd/nbdioctl"
	"github.com/hadron-io/nbd/nbdnl"
)

func init() {
	commands = append(commands, &discCmd{})
}

type discCmd struct {
	index indexFlag
}

func (cmd *discCmd) Name() string {
	return "disc"
}

func (cmd *discCmd) Synopsis() string {
	return "disconnect an NBD device"
}

func (cmd *discCmd) Usage() string {
	return `Usage: nbd disc <device>
       nbd disc -index <n>

Disconnect an NBD device, either by device node path (via the ioctl
interface) or by device number (via netlink). Disconnecting a device that
is not connected is a no-op.
`
}

func (cmd *discCmd) SetFlags(fs *flag.FlagSet) {
	cmd.index.def = "none"
	fs.Var(&cmd.index, "index", "Number of the NBD device to disconnect via netlink")
}

func (cmd *discCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	logger := newLogger()
	switch {
	case cmd.index.set && fs.NArg() == 0:
		if err := nbdnl.Disconnect(cmd.index.val); err != nil {
			logger.Error().Err(err).Msg("disconnect failed")
			return subcommands.ExitFailure
		}
	case !cmd.index.set && fs.NArg() == 1:
		dev, err := nbdioctl.Open(fs.Arg(0))
		if err != nil {
			logger.Error().Err(err).Msg("opening device node")
			return subcommands.ExitFailure
		}
		defer dev.Close()
		if err := dev.Disconnect(); err != nil {
			logger.Error().Err(err).Msg("disconnect failed")
			return subcommands.ExitFailure
		}
	default:
		logger.Error().Msg(cmd.Usage())
		return subcommands.ExitUsageError
	}
	return subcommands.ExitSuccess
}
