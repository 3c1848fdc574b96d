package nbd

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startSession runs a server on one end of a pipe and returns the client end
// together with the eventual result of Serve.
func startSession(t *testing.T, exports ...Export) (net.Conn, <-chan error) {
	t.Helper()
	srv, err := NewServer(exports...)
	require.NoError(t, err)
	cc, sc := net.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(context.Background(), sc)
		sc.Close()
	}()
	t.Cleanup(func() { cc.Close() })
	return cc, errc
}

func awaitServe(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish in time")
		return nil
	}
}

func TestHandshakeExportName(t *testing.T) {
	cc, _ := startSession(t,
		Export{Name: "first", Store: NewMemStore(1000)},
		Export{Name: "second", Store: NewMemStore(2000)},
	)
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	ex, err := cl.ExportName("second")
	require.NoError(t, err)
	require.Equal(t, uint64(2000), ex.Size)
	require.False(t, ex.ReadOnly)
	require.NotZero(t, ex.Flags&FlagHasFlags)
	require.NotZero(t, ex.Flags&FlagSendFlush)
	require.NotZero(t, ex.Flags&FlagSendTrim)
}

func TestHandshakeDefaultExport(t *testing.T) {
	cc, _ := startSession(t,
		Export{Name: "first", Store: NewMemStore(1000)},
		Export{Name: "second", Store: NewMemStore(2000)},
	)
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	ex, err := cl.ExportName("")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), ex.Size)
}

func TestHandshakeReadOnlyExport(t *testing.T) {
	cc, _ := startSession(t, Export{Name: "ro", ReadOnly: true, Store: NewMemStore(1000)})
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	ex, err := cl.ExportName("ro")
	require.NoError(t, err)
	require.True(t, ex.ReadOnly)
	require.NotZero(t, ex.Flags&FlagReadOnly)
}

func TestHandshakeUnknownExport(t *testing.T) {
	cc, errc := startSession(t, Export{Name: "only", Store: NewMemStore(1000)})
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	_, err = cl.ExportName("missing")
	require.Error(t, err)
	require.Error(t, awaitServe(t, errc))

	// the server hung up without entering the transmission phase
	cc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = cc.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestHandshakeList(t *testing.T) {
	cc, _ := startSession(t,
		Export{Name: "alpha", Store: NewMemStore(1000)},
		Export{Name: "beta", Description: "scratch", Store: NewMemStore(1000)},
	)
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	list, err := cl.List()
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, list)

	// negotiation is still open after a LIST
	ex, err := cl.ExportName("beta")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), ex.Size)
}

func TestHandshakeAbort(t *testing.T) {
	cc, errc := startSession(t, Export{Name: "only", Store: NewMemStore(1000)})
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	require.NoError(t, cl.Abort())
	require.Error(t, awaitServe(t, errc))
}

func TestHandshakeInfo(t *testing.T) {
	bs := &BlockSizeConstraints{Min: 512, Preferred: 4096, Max: 1 << 20}
	cc, _ := startSession(t, Export{
		Name:        "disk",
		Description: "a disk",
		Store:       NewMemStore(4096),
		BlockSizes:  bs,
	})
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	ex, err := cl.Info("disk")
	require.NoError(t, err)
	require.Equal(t, "disk", ex.Name)
	require.Equal(t, "a disk", ex.Description)
	require.Equal(t, uint64(4096), ex.Size)
	require.Equal(t, bs, ex.BlockSizes)

	// INFO does not end negotiation
	require.NoError(t, cl.Abort())
}

func TestHandshakeGo(t *testing.T) {
	cc, _ := startSession(t, Export{Name: "disk", Store: NewMemStore(4096)})
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	ex, err := cl.Go("disk")
	require.NoError(t, err)
	require.Equal(t, uint64(4096), ex.Size)
	require.NotZero(t, ex.Flags&FlagHasFlags)
}

func TestHandshakeGoUnknownExport(t *testing.T) {
	cc, _ := startSession(t, Export{Name: "only", Store: NewMemStore(1000)})
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	_, err = cl.Go("missing")
	require.Error(t, err)
}

func TestHandshakeUnknownOptionContinues(t *testing.T) {
	cc, _ := startSession(t, Export{Name: "only", Store: NewMemStore(1000)})
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)

	// hand-rolled option the server has never heard of
	err = do(cc, func(e *encoder) {
		e.writeUint64(optMagic)
		e.writeUint32(0x8888)
		e.writeUint32(0)

		if m := e.uint64(); m != repMagic {
			t.Errorf("reply magic = 0x%x", m)
		}
		if code := e.uint32(); code != 0x8888 {
			t.Errorf("replied to option 0x%x", code)
		}
		if typ := optErrno(e.uint32()); typ != errUnsup {
			t.Errorf("reply type = %v, want errUnsup", typ)
		}
		if l := e.uint32(); l != 0 {
			e.discard(l)
		}
	})
	require.NoError(t, err)

	// the option loop survived the unknown option
	ex, err := cl.ExportName("only")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), ex.Size)
}

func TestHandshakePaddingWithoutNoZeroes(t *testing.T) {
	cc, _ := startSession(t, Export{Name: "only", Store: NewMemStore(1000)})

	// a client that only knows fixed newstyle gets the legacy 124-byte
	// padding after the export info
	err := do(cc, func(e *encoder) {
		if m := e.uint64(); m != nbdMagic {
			t.Errorf("hello magic = 0x%x", m)
		}
		if m := e.uint64(); m != optMagic {
			t.Errorf("option magic = 0x%x", m)
		}
		e.uint16() // server flags
		e.writeUint32(flagFixedNewstyle)
		encodeOption(e, &optExportName{name: "only"})

		if size := e.uint64(); size != 1000 {
			t.Errorf("size = %d, want 1000", size)
		}
		if flags := e.uint16(); flags&FlagHasFlags == 0 {
			t.Errorf("flags = 0x%x, missing FlagHasFlags", flags)
		}
		pad := make([]byte, 124)
		e.read(pad)
		if !bytes.Equal(pad, make([]byte, 124)) {
			t.Errorf("padding is not all zero: %x", pad)
		}
	})
	require.NoError(t, err)

	// the connection is in transmission phase after the padding
	rep := xmit(t, cc, &request{typ: cmdFlush, handle: 1}, 0)
	require.Zero(t, rep.errno)
}

func TestHandshakeMalformedInfoContinues(t *testing.T) {
	cc, _ := startSession(t, Export{Name: "only", Store: NewMemStore(1000)})
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)

	// an INFO whose declared item count disagrees with the payload length:
	// empty name, three items announced, only one present
	err = do(cc, func(e *encoder) {
		e.writeUint64(optMagic)
		e.writeUint32(cOptInfo)
		e.writeUint32(8)
		e.writeUint32(0) // name length
		e.writeUint16(3) // item count
		e.writeUint16(cInfoExport)

		if m := e.uint64(); m != repMagic {
			t.Errorf("reply magic = 0x%x", m)
		}
		if code := e.uint32(); code != cOptInfo {
			t.Errorf("replied to option %d", code)
		}
		if typ := optErrno(e.uint32()); typ != errInvalid {
			t.Errorf("reply type = %v, want errInvalid", typ)
		}
		if l := e.uint32(); l != 0 {
			e.discard(l)
		}
	})
	require.NoError(t, err)

	// the stream is still at an option boundary
	list, err := cl.List()
	require.NoError(t, err)
	require.Equal(t, []string{"only"}, list)
}

func TestClientExportNameWithoutFlags(t *testing.T) {
	cc, sc := net.Pipe()
	t.Cleanup(func() { cc.Close() })

	// a server that answers export selection with empty transmission flags
	go func() {
		defer sc.Close()
		do(sc, func(e *encoder) {
			e.writeUint64(nbdMagic)
			e.writeUint64(optMagic)
			e.writeUint16(flagDefaults)
			e.uint32() // client flags
			if m := e.uint64(); m != optMagic {
				t.Errorf("option magic = 0x%x", m)
			}
			e.uint32() // option code
			e.discard(e.uint32())
			e.writeUint64(500)
			e.writeUint16(0)
		})
	}()

	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	ex, err := cl.ExportName("legacy")
	require.NoError(t, err)
	require.Equal(t, uint64(500), ex.Size)
	require.Zero(t, ex.Flags)
	require.False(t, ex.ReadOnly)
}

func TestNewServerRejectsBadExports(t *testing.T) {
	_, err := NewServer()
	require.Error(t, err)
	_, err = NewServer(Export{Name: "nostore"})
	require.Error(t, err)
	_, err = NewServer(
		Export{Name: "dup", Store: NewMemStore(100)},
		Export{Name: "dup", Store: NewMemStore(100)},
	)
	require.Error(t, err)
	_, err = NewServer(Export{Name: "toobig", Size: 200, Store: NewMemStore(100)})
	require.Error(t, err)
	_, err = NewServer(Export{
		Name:       "unaligned",
		Store:      NewMemStore(1000),
		BlockSizes: &BlockSizeConstraints{Min: 512, Preferred: 512, Max: 4096},
	})
	require.Error(t, err)
}
