//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/google/subcommands"
	"github.com/hadron-io/nbd"
	"golang.org/x/sys/unix"
)

func init() {
	commands = append(commands, &loCmd{})
}

type loCmd struct{}

func (cmd *loCmd) Name() string {
	return "lo"
}

func (cmd *loCmd) Synopsis() string {
	return "provide a file locally as a block device"
}

func (cmd *loCmd) Usage() string {
	return `Usage: nbd lo <file>

Provide a file locally as a block device, without a network in between. An
NBD device node is chosen automatically and its path printed to stdout.

As a special feature, SIGUSR1 toggles write-protection: while protected,
every write is denied with EPERM. This is useful for testing the
crash-resilience of applications on a filesystem built on the device -
toggle protection, unmount, toggle back, remount, and check which
invariants survived the simulated crash.
`
}

func (cmd *loCmd) SetFlags(fs *flag.FlagSet) {}

func (cmd *loCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	logger := newLogger()
	if fs.NArg() != 1 {
		logger.Error().Msg(cmd.Usage())
		return subcommands.ExitUsageError
	}

	fi, err := os.Stat(fs.Arg(0))
	if err != nil {
		logger.Error().Err(err).Msg("inspecting file")
		return subcommands.ExitFailure
	}
	st, err := nbd.OpenFileStore(fs.Arg(0), uint64(fi.Size()), false)
	if err != nil {
		logger.Error().Err(err).Msg("opening file")
		return subcommands.ExitFailure
	}
	defer st.Close()

	d := &protectable{Store: st}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	go func() {
		for range ch {
			if d.toggle() {
				logger.Info().Msg("SIGUSR1 received, device is write-protected")
			} else {
				logger.Info().Msg("SIGUSR1 received, device is read-write")
			}
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, wait, err := nbd.Loopback(ctx, d, false)
	if err != nil {
		logger.Error().Err(err).Msg("setting up loopback device")
		return subcommands.ExitFailure
	}
	fmt.Printf("/dev/nbd%d\n", idx)
	if err := wait(); err != nil {
		logger.Error().Err(err).Msg("device failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// protectable wraps a Store with a write-protect switch toggled from the
// signal handler.
type protectable struct {
	nbd.Store
	protected atomic.Bool
}

// toggle flips write-protection and reports the new state.
func (p *protectable) toggle() bool {
	for {
		old := p.protected.Load()
		if p.protected.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (p *protectable) WriteAt(b []byte, offset int64) (int, error) {
	if p.protected.Load() {
		return 0, nbd.Errorf(nbd.EPERM, "device is write-protected")
	}
	return p.Store.WriteAt(b, offset)
}
