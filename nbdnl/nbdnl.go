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

// Package nbdnl controls the Linux NBD driver over generic netlink.
//
// It binds sockets that are already in the transmission phase of the NBD
// protocol to /dev/nbdX device nodes, disconnects them, and queries device
// status. Unlike the legacy ioctl interface (package nbdioctl), the netlink
// interface does not block a thread for the lifetime of the device and can
// let the kernel pick a free device number.
package nbdnl

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

const (
	familyName = "nbd"
	version    = 1
)

// IndexAny lets the kernel choose a suitable device number, creating a new
// device if needed.
const IndexAny = ^uint32(0)

// Generic netlink commands of the nbd family.
const (
	_ = iota
	cmdConnect
	cmdDisconnect
	cmdReconfigure
	_ // link-dead, no longer used by the kernel
	cmdStatus
)

// Top-level attributes of the nbd family.
const (
	_ = iota
	attrIndex
	attrSizeBytes
	attrBlockSizeBytes
	attrTimeout
	attrServerFlags
	attrClientFlags
	attrSockets
	attrDeadconnTimeout
	attrDeviceList
)

// conn is the shared netlink connection, lazily dialed on first use.
var conn struct {
	mu     sync.Mutex
	c      *genetlink.Conn
	family uint16
}

func dial() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.c == nil {
		c, err := genetlink.Dial(nil)
		if err != nil {
			return err
		}
		conn.c = c
	}
	if conn.family == 0 {
		fam, err := conn.c.GetFamily(familyName)
		if err != nil {
			return err
		}
		if fam.Version < version {
			return fmt.Errorf("kernel does not support nbd-netlink v%d", version)
		}
		conn.family = fam.ID
	}
	return nil
}

// ConnectOption is an optional setting for Connect.
type ConnectOption func(e *netlink.AttributeEncoder)

// WithBlockSize sets the block size the kernel uses for the device.
func WithBlockSize(n uint64) ConnectOption {
	return func(e *netlink.AttributeEncoder) {
		e.Uint64(attrBlockSizeBytes, n)
	}
}

// WithTimeout sets the request timeout for the device.
func WithTimeout(d time.Duration) ConnectOption {
	return func(e *netlink.AttributeEncoder) {
		e.Uint64(attrTimeout, uint64(d/time.Second))
	}
}

// WithDeadconnTimeout sets how long the kernel waits before it considers the
// server unreachable.
func WithDeadconnTimeout(d time.Duration) ConnectOption {
	return func(e *netlink.AttributeEncoder) {
		e.Uint64(attrDeadconnTimeout, uint64(d/time.Second))
	}
}

// ClientFlags configure the behavior of the in-kernel NBD client.
type ClientFlags uint64

const (
	// FlagDestroyOnDisconnect deletes the device node on disconnect.
	FlagDestroyOnDisconnect ClientFlags = 1 << iota
	// FlagDisconnectOnClose disconnects when the last opener closes.
	FlagDisconnectOnClose
)

// ServerFlags describe what the serving side supports. They mirror the
// transmission flags negotiated in the NBD handshake.
type ServerFlags uint64

const (
	FlagHasFlags     ServerFlags = 1 << 0
	FlagReadOnly     ServerFlags = 1 << 1
	FlagSendFlush    ServerFlags = 1 << 2
	FlagSendFUA      ServerFlags = 1 << 3
	FlagSendTrim     ServerFlags = 1 << 5
	FlagCanMulticonn ServerFlags = 1 << 8
)

// Connect binds socks to NBD device number idx. The sockets must be in
// transmission phase. If idx is IndexAny, the kernel picks (or creates) a
// device. The chosen device number is returned.
func Connect(idx uint32, socks []*os.File, size uint64, cf ClientFlags, sf ServerFlags, opts ...ConnectOption) (uint32, error) {
	if err := dial(); err != nil {
		return 0, err
	}

	e := netlink.NewAttributeEncoder()
	if idx != IndexAny {
		e.Uint32(attrIndex, idx)
	}
	e.Uint64(attrSizeBytes, size)
	buf, err := encodeSockList(socks)
	if err != nil {
		return 0, err
	}
	e.Bytes(attrSockets, buf)
	e.Uint64(attrClientFlags, uint64(cf))
	e.Uint64(attrServerFlags, uint64(sf))
	for _, o := range opts {
		o(e)
	}
	body, err := e.Encode()
	if err != nil {
		return 0, err
	}
	msgs, err := conn.c.Execute(genetlink.Message{
		Header: genetlink.Header{Command: cmdConnect},
		Data:   body,
	}, conn.family, netlink.Request)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		d, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return 0, err
		}
		for d.Next() {
			if d.Type() == attrIndex {
				idx = d.Uint32()
			}
		}
		if err := d.Err(); err != nil {
			return 0, err
		}
	}
	if idx == IndexAny {
		return 0, errors.New("no device index returned by kernel")
	}
	return idx, nil
}

// Disconnect tells the kernel to disconnect device number idx.
func Disconnect(idx uint32) error {
	if err := dial(); err != nil {
		return err
	}

	e := netlink.NewAttributeEncoder()
	e.Uint32(attrIndex, idx)
	body, err := e.Encode()
	if err != nil {
		return err
	}
	// nbd_genl_disconnect sends no reply of its own, so ask the transport
	// for an ack to learn about errors.
	_, err = conn.c.Execute(genetlink.Message{
		Header: genetlink.Header{Command: cmdDisconnect},
		Data:   body,
	}, conn.family, netlink.Request|netlink.Acknowledge)
	return err
}

func encodeSockList(socks []*os.File) ([]byte, error) {
	const sockItem = 1
	e := netlink.NewAttributeEncoder()
	for _, s := range socks {
		fd := uint32(s.Fd())
		e.Do(sockItem, func() ([]byte, error) {
			const sockFD = 1
			e := netlink.NewAttributeEncoder()
			e.Uint32(sockFD, fd)
			return e.Encode()
		})
	}
	return e.Encode()
}

// DeviceStatus is the status of one NBD device.
type DeviceStatus struct {
	Index     uint32
	Connected bool
}

// Status returns the status of device number idx.
func Status(idx uint32) (DeviceStatus, error) {
	li, err := status(idx)
	if err != nil {
		return DeviceStatus{}, err
	}
	i := sort.Search(len(li), func(i int) bool {
		return li[i].Index >= idx
	})
	if i < len(li) && li[i].Index == idx {
		return li[i], nil
	}
	return DeviceStatus{}, errors.New("device not found")
}

// StatusAll lists all NBD devices and their status, sorted by device number.
func StatusAll() ([]DeviceStatus, error) {
	return status(IndexAny)
}

func status(idx uint32) ([]DeviceStatus, error) {
	if err := dial(); err != nil {
		return nil, err
	}

	e := netlink.NewAttributeEncoder()
	e.Uint32(attrIndex, idx)
	body, err := e.Encode()
	if err != nil {
		return nil, err
	}
	msgs, err := conn.c.Execute(genetlink.Message{
		Header: genetlink.Header{Command: cmdStatus},
		Data:   body,
	}, conn.family, netlink.Request)
	if err != nil {
		return nil, err
	}

	var out []DeviceStatus
	for _, m := range msgs {
		d, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return nil, err
		}
		for d.Next() {
			if d.Type() != attrDeviceList {
				continue
			}
			li, err := decodeDeviceList(d.Bytes())
			if err != nil {
				return nil, err
			}
			out = append(out, li...)
		}
		if err := d.Err(); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func decodeDeviceList(b []byte) ([]DeviceStatus, error) {
	const deviceItem = 1
	var li []DeviceStatus
	d, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return nil, err
	}
	for d.Next() {
		if d.Type() != deviceItem {
			continue
		}
		it, err := decodeDevice(d.Bytes())
		if err != nil {
			return nil, err
		}
		li = append(li, it)
	}
	return li, d.Err()
}

func decodeDevice(b []byte) (DeviceStatus, error) {
	const (
		deviceIndex = iota + 1
		deviceConnected
	)
	var it DeviceStatus
	d, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return it, err
	}
	for d.Next() {
		switch d.Type() {
		case deviceIndex:
			it.Index = d.Uint32()
		case deviceConnected:
			it.Connected = d.Uint8() != 0
		}
	}
	return it, d.Err()
}
