// Package nbd implements the Network Block Device (NBD) protocol.
//
// You can find a full description of the protocol at
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md
//
// The protocol has two phases. During the handshake phase client and server
// negotiate capabilities and select an export; during the transmission phase
// block commands (read, write, flush, trim) and their replies are exchanged.
// This package implements both sides of the handshake, the server side of
// the transmission phase, and (on Linux) the plumbing to hand a negotiated
// socket to the kernel NBD driver so the export appears as /dev/nbdX.
//
// A Server serves one or more Exports, each backed by a Store such as
// FileStore or MemStore. The client side of the handshake is done with the
// Client type; its ExportName and Go methods finish negotiation, after which
// the socket can be passed to the nbdioctl or nbdnl packages for kernel
// binding. Loopback combines both halves to expose a Store as a local block
// device without a network in between.
package nbd
