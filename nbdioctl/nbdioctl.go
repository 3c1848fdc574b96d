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

// Package nbdioctl controls the Linux NBD driver through its legacy ioctl
// interface on a /dev/nbdX device node.
//
// The driver is configured with a short sequence of ioctls (socket, block
// size, device size, flags) and then driven by NBD_DO_IT, which does not
// return for the operational lifetime of the device: while it is blocked the
// kernel itself speaks the transmission phase of the NBD protocol over the
// socket. Disconnect must therefore be issued from a different goroutine
// than the one blocked in Attach.
//
// Opening the device node requires sufficient privilege; this package
// assumes the process already has it.
package nbdioctl

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NBD ioctl request numbers, from <linux/nbd.h>.
const (
	ioctlSetSock       = 0xab00
	ioctlSetBlockSize  = 0xab01
	ioctlSetSize       = 0xab02
	ioctlDoIt          = 0xab03
	ioctlClearSock     = 0xab04
	ioctlClearQueue    = 0xab05
	ioctlSetSizeBlocks = 0xab07
	ioctlDisconnect    = 0xab08
	ioctlSetTimeout    = 0xab09
	ioctlSetFlags      = 0xab0a
)

// Device is an open NBD device node.
type Device struct {
	f *os.File
}

// Open opens the NBD device node at path (e.g. /dev/nbd0).
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening nbd device: %w", err)
	}
	return &Device{f: f}, nil
}

// Close closes the device node. It does not disconnect a running device.
func (d *Device) Close() error { return d.f.Close() }

func (d *Device) ioctl(req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// Attach binds sock to the device and runs it. sock must be in transmission
// phase with a server exporting size bytes; flags are the negotiated
// transmission flags and are passed through to the kernel. Attach blocks
// until the device is disconnected (see Disconnect) or the transport fails,
// and releases the kernel-side queue and socket before returning. A failure
// during setup is unwound by clearing the socket again, so no partial device
// state stays bound.
func (d *Device) Attach(sock *os.File, size uint64, blockSize uint32, flags uint16) error {
	if blockSize == 0 {
		blockSize = 4096
	}
	if err := d.ioctl(ioctlSetSock, sock.Fd()); err != nil {
		return fmt.Errorf("NBD_SET_SOCK: %w", err)
	}
	if err := d.setup(size, blockSize, flags); err != nil {
		d.ioctl(ioctlClearSock, 0)
		return err
	}
	// Blocks for the lifetime of the device. The kernel returns from DO_IT
	// with 0 after an orderly disconnect and with an error when the
	// transport failed underneath it.
	runErr := d.ioctl(ioctlDoIt, 0)
	d.ioctl(ioctlClearQueue, 0)
	d.ioctl(ioctlClearSock, 0)
	if runErr != nil {
		return fmt.Errorf("NBD_DO_IT: %w", runErr)
	}
	return nil
}

func (d *Device) setup(size uint64, blockSize uint32, flags uint16) error {
	if err := d.ioctl(ioctlSetBlockSize, uintptr(blockSize)); err != nil {
		return fmt.Errorf("NBD_SET_BLKSIZE: %w", err)
	}
	if err := d.ioctl(ioctlSetSizeBlocks, uintptr(size/uint64(blockSize))); err != nil {
		return fmt.Errorf("NBD_SET_SIZE_BLOCKS: %w", err)
	}
	if err := d.ioctl(ioctlSetFlags, uintptr(flags)); err != nil {
		return fmt.Errorf("NBD_SET_FLAGS: %w", err)
	}
	return nil
}

// Disconnect asks the kernel to disconnect the device: the driver sends a
// disconnect request to its peer and the pending Attach unblocks. Disconnect
// must be called from a different goroutine than Attach, which cannot run
// anything else while blocked.
func (d *Device) Disconnect() error {
	if err := d.ioctl(ioctlDisconnect, 0); err != nil {
		return fmt.Errorf("NBD_DISCONNECT: %w", err)
	}
	return nil
}

// SetTimeout sets the kernel-side request timeout for the device. It only
// has an effect before Attach.
func (d *Device) SetTimeout(seconds uint32) error {
	if err := d.ioctl(ioctlSetTimeout, uintptr(seconds)); err != nil {
		return fmt.Errorf("NBD_SET_TIMEOUT: %w", err)
	}
	return nil
}
