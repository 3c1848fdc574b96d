//go:build linux

// Copyright 2024 The nbd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nbd

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/hadron-io/nbd/nbdnl"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Configure hands the given sockets to the kernel NBD driver via netlink,
// binding them to a device node. socks must be connected to the same server
// and already be in transmission phase. It returns the device number chosen
// by the kernel; /dev/nbdX is then usable as a block device until
// nbdnl.Disconnect is called.
//
// This is a Linux-only API.
func Configure(e Export, socks ...*os.File) (uint32, error) {
	var opts []nbdnl.ConnectOption
	if e.BlockSizes != nil {
		opts = append(opts, nbdnl.WithBlockSize(uint64(e.BlockSizes.Preferred)))
	}
	return nbdnl.Connect(nbdnl.IndexAny, socks, e.Size, 0, nbdnl.ServerFlags(e.Flags), opts...)
}

// Loopback serves st on a private socketpair and connects the other end to a
// kernel NBD device, so that a userspace Store becomes a local block device.
// It returns the device number the kernel chose. wait blocks until ctx is
// cancelled or serving fails, then disconnects the device and reports any
// error from either side.
//
// This is a Linux-only API.
func Loopback(ctx context.Context, st Store, readOnly bool) (idx uint32, wait func() error, err error) {
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, nil, err
	}
	exp := Export{
		Size:       st.Size(),
		ReadOnly:   readOnly,
		BlockSizes: &defaultBlockSizes,
		Store:      st,
	}
	exp.Flags = exp.flags()

	kernel, server := os.NewFile(uintptr(sp[0]), "kernel"), os.NewFile(uintptr(sp[1]), "server")
	serverc, err := net.FileConn(server)
	server.Close()
	if err != nil {
		kernel.Close()
		return 0, nil, err
	}

	idx, err = Configure(exp, kernel)
	if err != nil {
		kernel.Close()
		serverc.Close()
		return 0, nil, err
	}

	var eg errgroup.Group
	eg.Go(func() error {
		return serve(ctx, serverc, connParameters{Export: exp, BlockSizes: defaultBlockSizes}, zerolog.Nop())
	})
	wait = func() error {
		err := eg.Wait()
		// Cancelling ctx is the intended way to stop a loopback device, so
		// don't treat it as a failure.
		if err == context.Canceled || err == context.DeadlineExceeded {
			err = nil
		}
		if e := nbdnl.Disconnect(idx); e != nil && err == nil {
			err = fmt.Errorf("disconnecting device: %w", e)
		}
		if e := kernel.Close(); e != nil && err == nil {
			err = fmt.Errorf("closing kernel socket: %w", e)
		}
		if e := serverc.Close(); e != nil && err == nil {
			err = fmt.Errorf("closing server socket: %w", e)
		}
		return err
	}
	return idx, wait, nil
}
