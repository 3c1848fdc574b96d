package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire-protocol constants. All integers on the wire are big-endian.
const (
	nbdMagic         = 0x4e42444d41474943 // "NBDMAGIC", first server hello magic
	optMagic         = 0x49484156454F5054 // "IHAVEOPT", newstyle negotiation magic
	repMagic         = 0x3e889045565a9    // option reply magic
	reqMagic         = 0x25609513         // transmission request magic
	simpleReplyMagic = 0x67446698         // transmission reply magic

	// handshake flags, advertised by the server and echoed by the client
	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1
	flagDefaults      = flagFixedNewstyle | flagNoZeroes

	// limits enforced while decoding to bound allocations
	maxOptionLength = 4 << 10
	maxWriteLength  = 32 << 20
)

// Transmission flags describe the capabilities of an export. They are sent to
// the client at the end of negotiation and must match what the serving side
// is actually willing to do.
const (
	FlagHasFlags    uint16 = 1 << 0
	FlagReadOnly    uint16 = 1 << 1
	FlagSendFlush   uint16 = 1 << 2
	FlagSendFUA     uint16 = 1 << 3
	FlagRotational  uint16 = 1 << 4
	FlagSendTrim    uint16 = 1 << 5
	FlagCanMulticon uint16 = 1 << 8
)

// Transmission commands.
const (
	cmdRead  = 0
	cmdWrite = 1
	cmdDisc  = 2
	cmdFlush = 3
	cmdTrim  = 4
)

// Errno is an error code suitable to be sent over the wire. It corresponds to
// syscall.Errno for the listed values, which are the only ones specified by
// the protocol and therefore the only ones safe to send to arbitrary peers.
type Errno uint32

const (
	EPERM     Errno = 1
	EIO       Errno = 5
	ENOMEM    Errno = 12
	EINVAL    Errno = 22
	ENOSPC    Errno = 28
	EOVERFLOW Errno = 75
	ENOTSUP   Errno = 95
	ESHUTDOWN Errno = 108
)

var errnoStr = map[Errno]string{
	EPERM:     "operation not permitted",
	EIO:       "input/output error",
	ENOMEM:    "cannot allocate memory",
	EINVAL:    "invalid argument",
	ENOSPC:    "no space left on device",
	EOVERFLOW: "value too large for defined data type",
	ENOTSUP:   "operation not supported",
	ESHUTDOWN: "cannot send after transport endpoint shutdown",
}

func (e Errno) Error() string {
	if msg, ok := errnoStr[e]; ok {
		return msg
	}
	return fmt.Sprintf("NBD_ERROR(%d)", uint32(e))
}

// Errno returns e.
func (e Errno) Errno() Errno { return e }

// Error combines the normal error interface with an Errno method returning an
// NBD error number. Errors returned by a Store should implement Error;
// otherwise EIO is assumed when a reply has to be sent.
type Error interface {
	error
	Errno() Errno
}

type errf struct {
	errno Errno
	error
}

func (e errf) Errno() Errno { return e.errno }

// Errorf returns an error implementing Error, reporting code from Errno.
func Errorf(code Errno, format string, v ...any) Error {
	if len(v) > 0 {
		return errf{code, fmt.Errorf(format, v...)}
	}
	return errf{code, errors.New(format)}
}

// wireErrno extracts the protocol error code to send for err. Storage errors
// carry their own code via the Error interface; everything else is reported
// as a generic I/O failure.
func wireErrno(err error) Errno {
	var coded Error
	if errors.As(err, &coded) {
		return coded.Errno()
	}
	return EIO
}

// request is one transmission-phase command frame. data is only present on
// the wire for cmdWrite.
type request struct {
	flags  uint16
	typ    uint16
	handle uint64
	offset uint64
	length uint32
	data   []byte
}

func (r *request) encode(e *encoder) {
	e.writeUint32(reqMagic)
	e.writeUint16(r.flags)
	e.writeUint16(r.typ)
	e.writeUint64(r.handle)
	e.writeUint64(r.offset)
	e.writeUint32(r.length)
	if r.typ == cmdWrite {
		e.write(r.data)
	}
}

// decode reads one request frame. A wrong magic means the stream is no longer
// at a frame boundary and is fatal via e.check. Oversized or overflowing
// requests are survivable: decode consumes the frame and returns an Error for
// the session to report back on r.handle.
func (r *request) decode(e *encoder) Error {
	if m := e.uint32(); m != reqMagic {
		e.check(fmt.Errorf("invalid request magic 0x%x", m))
	}
	r.flags = e.uint16()
	r.typ = e.uint16()
	r.handle = e.uint64()
	r.offset = e.uint64()
	r.length = e.uint32()
	r.data = nil
	if r.offset&(1<<63) != 0 {
		if r.typ == cmdWrite {
			e.discard(r.length)
		}
		return EOVERFLOW
	}
	if r.typ != cmdWrite {
		return nil
	}
	if r.length > maxWriteLength {
		e.discard(r.length)
		return EOVERFLOW
	}
	buf := make([]byte, r.length)
	e.read(buf)
	r.data = buf
	return nil
}

// simpleReply is one transmission-phase reply frame. The payload is only
// present for a successful read; length tells decode how much to expect.
type simpleReply struct {
	errno  uint32
	handle uint64
	data   []byte

	length uint32
}

func (r *simpleReply) encode(e *encoder) {
	e.writeUint32(simpleReplyMagic)
	e.writeUint32(r.errno)
	e.writeUint64(r.handle)
	e.write(r.data)
}

func (r *simpleReply) decode(e *encoder) {
	if m := e.uint32(); m != simpleReplyMagic {
		e.check(fmt.Errorf("invalid reply magic 0x%x", m))
	}
	r.errno = e.uint32()
	r.handle = e.uint64()
	r.data = nil
	if r.errno == 0 && r.length > 0 {
		buf := make([]byte, r.length)
		e.read(buf)
		r.data = buf
	}
}

// do wraps rw for easy en-/decoding of binary data. It creates an *encoder
// and calls f with it. Errors are propagated by panic/recover, so e must not
// be handed to a different goroutine.
func do(rw io.ReadWriter, f func(e *encoder)) (err error) {
	sentinel := new(uint8)
	defer func() {
		if v := recover(); v != nil && v != sentinel {
			panic(v)
		}
	}()
	check := func(e error) {
		if e != nil {
			err = e
			panic(sentinel)
		}
	}
	f(&encoder{rw, nil, check})
	return err
}

// encoder provides helper methods for de-/encoding binary data. On failure it
// calls check, which is expected to panic. If buf is non-nil, writes append
// to buf instead of going to rw, so that nested messages can be sized before
// being written out.
type encoder struct {
	rw    io.ReadWriter
	buf   []byte
	check func(error)
}

func (e *encoder) write(b []byte) {
	if e.buf != nil {
		e.buf = append(e.buf, b...)
		return
	}
	if len(b) == 0 {
		// net.Pipe blocks zero-length writes until the peer reads
		return
	}
	_, err := e.rw.Write(b)
	e.check(err)
}

func (e *encoder) writeString(s string) {
	if e.buf != nil {
		e.buf = append(e.buf, s...)
		return
	}
	if len(s) == 0 {
		return
	}
	var err error
	if sw, ok := e.rw.(io.StringWriter); ok {
		_, err = sw.WriteString(s)
	} else {
		_, err = e.rw.Write([]byte(s))
	}
	e.check(err)
}

// writeZeroes writes n zero bytes, used for the reserved padding after export
// selection.
func (e *encoder) writeZeroes(n int) {
	var zero [128]byte
	for n > 0 {
		c := n
		if c > len(zero) {
			c = len(zero)
		}
		e.write(zero[:c])
		n -= c
	}
}

func (e *encoder) read(b []byte) {
	_, err := io.ReadFull(e.rw, b)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	e.check(err)
}

func (e *encoder) discard(n uint32) {
	buf := make([]byte, 512)
	for n > 0 {
		if n < uint32(len(buf)) {
			buf = buf[:n]
		}
		e.read(buf)
		n -= uint32(len(buf))
	}
}

func (e *encoder) uint16() uint16 {
	var b [2]byte
	e.read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func (e *encoder) uint32() uint32 {
	var b [4]byte
	e.read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (e *encoder) uint64() uint64 {
	var b [8]byte
	e.read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (e *encoder) writeUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.write(b[:])
}

func (e *encoder) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.write(b[:])
}

func (e *encoder) writeUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.write(b[:])
}
