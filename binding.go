package nbd

import "os"

// Binding attaches a socket that is in transmission phase to the operating
// system's block-device layer. Attach blocks for the operational lifetime of
// the device and Disconnect, called from another goroutine, is the only way
// to unblock it. On Linux the nbdioctl package provides the kernel-backed
// implementation; tests and non-kernel targets can substitute their own.
type Binding interface {
	Attach(sock *os.File, size uint64, blockSize uint32, flags uint16) error
	Disconnect() error
}
