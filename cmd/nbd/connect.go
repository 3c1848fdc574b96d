//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"github.com/hadron-io/nbd"
	"github.com/hadron-io/nbd/nbdioctl"
	"github.com/oklog/run"
)

func init() {
	commands = append(commands, &connectCmd{})
}

type connectCmd struct {
	addr    string
	unix    bool
	export  string
	netlink bool
}

func (cmd *connectCmd) Name() string {
	return "connect"
}

func (cmd *connectCmd) Synopsis() string {
	return "connect a remote export to an NBD device node"
}

func (cmd *connectCmd) Usage() string {
	return `Usage: nbd connect -addr <addr> [-unix] [-export <name>] [<device>]

Negotiate with an NBD server and bind the export to a kernel block device.

By default the device node given as argument (/dev/nbd0 if omitted) is set
up through the ioctl interface, and connect stays in the foreground until
the device is disconnected ("nbd disc <device>", or SIGINT/SIGTERM). With
-netlink the kernel picks a device itself, the chosen path is printed, and
connect returns immediately.

Opening the device node requires privilege; run under sudo or arrange
device permissions beforehand.
`
}

func (cmd *connectCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.addr, "addr", "localhost:10809", "Address of the server")
	fs.BoolVar(&cmd.unix, "unix", false, "Treat -addr as a unix domain socket path")
	fs.StringVar(&cmd.export, "export", "", "Export to use. If not provided, the server's default is used")
	fs.BoolVar(&cmd.netlink, "netlink", false, "Configure the device over netlink instead of ioctls")
}

func (cmd *connectCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	logger := newLogger()
	if fs.NArg() > 1 {
		logger.Error().Msg(cmd.Usage())
		return subcommands.ExitUsageError
	}
	device := "/dev/nbd0"
	if fs.NArg() == 1 {
		device = fs.Arg(0)
	}

	network := "tcp"
	if cmd.unix {
		network = "unix"
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := new(net.Dialer).DialContext(dialCtx, network, cmd.addr)
	if err != nil {
		logger.Error().Err(err).Msg("dialing server")
		return subcommands.ExitFailure
	}
	defer c.Close()

	var sock *os.File
	switch c := c.(type) {
	case *net.TCPConn:
		sock, err = c.File()
	case *net.UnixConn:
		sock, err = c.File()
	default:
		err = errors.New("unknown connection type")
	}
	if err != nil {
		logger.Error().Err(err).Msg("getting socket file descriptor")
		return subcommands.ExitFailure
	}
	defer sock.Close()

	cl, err := nbd.ClientHandshake(c)
	if err != nil {
		logger.Error().Err(err).Msg("handshake failed")
		return subcommands.ExitFailure
	}
	exp, err := cl.ExportName(cmd.export)
	if err != nil {
		logger.Error().Err(err).Msg("negotiation failed")
		return subcommands.ExitFailure
	}
	logger.Debug().
		Str("export", cmd.export).
		Uint64("size", exp.Size).
		Bool("read_only", exp.ReadOnly).
		Msg("negotiated export")

	if cmd.netlink {
		n, err := nbd.Configure(exp, sock)
		if err != nil {
			logger.Error().Err(err).Msg("configuring device")
			return subcommands.ExitFailure
		}
		fmt.Printf("/dev/nbd%d\n", n)
		return subcommands.ExitSuccess
	}

	d, err := nbdioctl.Open(device)
	if err != nil {
		logger.Error().Err(err).Msg("opening device node")
		return subcommands.ExitFailure
	}
	defer d.Close()
	var dev nbd.Binding = d

	var blockSize uint32
	if exp.BlockSizes != nil {
		blockSize = exp.BlockSizes.Preferred
	}

	// Attach blocks for the lifetime of the device, so it gets its own
	// actor; the signal handler shares the group and triggers Disconnect
	// from a second goroutine, which is the only way to unblock Attach.
	var g run.Group
	g.Add(func() error {
		return dev.Attach(sock, exp.Size, blockSize, exp.Flags)
	}, func(error) {
		if err := dev.Disconnect(); err != nil {
			logger.Warn().Err(err).Msg("disconnecting device")
		}
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	fmt.Println(device)
	err = g.Run()
	var sig run.SignalError
	if err != nil && !errors.As(err, &sig) {
		logger.Error().Err(err).Msg("device failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
