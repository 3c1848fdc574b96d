package nbd

import (
	"errors"
	"fmt"
)

// Negotiation option codes sent by the client.
const (
	cOptExportName = 1
	cOptAbort      = 2
	cOptList       = 3
	cOptStartTLS   = 5
	cOptInfo       = 6
	cOptGo         = 7
)

// Negotiation reply codes. Error replies have the high bit set.
const (
	cRepAck    = 1
	cRepServer = 2
	cRepInfo   = 3
)

// optErrno is the error space of option replies. It shares the reply-code
// field with cRepAck and friends, distinguished by the high bit.
type optErrno uint32

const (
	_ optErrno = (1 << 31) + iota
	errUnsup
	errPolicy
	errInvalid
	errPlatform
	errTLSReqd
	errUnknownExport
	errShutdown
	errBlockSizeReqd
	errTooBig
)

var optErrnoStr = map[optErrno]string{
	errUnsup:         "unsupported option",
	errPolicy:        "forbidden by policy",
	errInvalid:       "invalid option request",
	errPlatform:      "not supported on this platform",
	errTLSReqd:       "TLS required",
	errUnknownExport: "unknown export",
	errShutdown:      "server is shutting down",
	errBlockSizeReqd: "block size negotiation required",
	errTooBig:        "request too large",
}

func (e optErrno) String() string {
	if s, ok := optErrnoStr[e]; ok {
		return s
	}
	return fmt.Sprintf("NBD_REP_ERR(%d)", uint32(e)&^(1<<31))
}

type optionRequest interface {
	code() uint32
	encode(*encoder)
	decode(*encoder, uint32) optErrno
}

// decodeOption reads one option request from the client. An unknown option
// code is not fatal: the payload is consumed and errUnsup returned, so the
// option loop can answer and continue.
func decodeOption(e *encoder) (uint32, optionRequest, optErrno) {
	if m := e.uint64(); m != optMagic {
		e.check(fmt.Errorf("invalid option magic 0x%x", m))
	}
	option := e.uint32()
	length := e.uint32()
	if length > maxOptionLength {
		e.discard(length)
		return option, nil, errTooBig
	}
	var o optionRequest
	switch option {
	case cOptExportName:
		o = new(optExportName)
	case cOptAbort:
		o = new(optAbort)
	case cOptList:
		o = new(optList)
	case cOptInfo:
		o = &optInfo{}
	case cOptGo:
		o = &optInfo{done: true}
	default:
		e.discard(length)
		return option, nil, errUnsup
	}
	return option, o, o.decode(e, length)
}

// encodeOption writes one option request, buffering the payload to size it.
func encodeOption(e *encoder, o optionRequest) {
	e.writeUint64(optMagic)
	e.writeUint32(o.code())
	e.buf = []byte{}
	o.encode(e)
	var buf []byte
	buf, e.buf = e.buf, nil
	e.writeUint32(uint32(len(buf)))
	e.write(buf)
}

// optExportName selects an export and terminates negotiation. Its payload is
// the raw export name, with no further structure.
type optExportName struct {
	name string
}

func (o *optExportName) code() uint32 { return cOptExportName }

func (o *optExportName) encode(e *encoder) {
	e.writeString(o.name)
}

func (o *optExportName) decode(e *encoder, l uint32) optErrno {
	name := make([]byte, l)
	e.read(name)
	o.name = string(name)
	return 0
}

type optAbort struct{}

func (o *optAbort) code() uint32    { return cOptAbort }
func (o *optAbort) encode(*encoder) {}
func (o *optAbort) decode(e *encoder, l uint32) optErrno {
	if l != 0 {
		return errInvalid
	}
	return 0
}

type optList struct{}

func (o *optList) code() uint32    { return cOptList }
func (o *optList) encode(*encoder) {}
func (o *optList) decode(e *encoder, l uint32) optErrno {
	if l != 0 {
		return errInvalid
	}
	return 0
}

// optInfo carries NBD_OPT_INFO and, with done set, NBD_OPT_GO. Both name an
// export and list the info items the client wants; GO additionally ends the
// handshake on success.
type optInfo struct {
	done bool
	name string
	reqs []uint16
}

func (o *optInfo) code() uint32 {
	if o.done {
		return cOptGo
	}
	return cOptInfo
}

func (o *optInfo) encode(e *encoder) {
	e.writeUint32(uint32(len(o.name)))
	e.writeString(o.name)
	e.writeUint16(uint16(len(o.reqs)))
	for _, r := range o.reqs {
		e.writeUint16(r)
	}
}

func (o *optInfo) decode(e *encoder, l uint32) optErrno {
	if l < 6 {
		e.discard(l)
		return errInvalid
	}
	nlen := e.uint32()
	if nlen > l-6 {
		e.discard(l - 4)
		return errInvalid
	}
	name := make([]byte, nlen)
	e.read(name)
	o.name = string(name)
	nreqs := e.uint16()
	if (l-nlen-6)%2 != 0 || (l-nlen-6)/2 != uint32(nreqs) {
		e.discard(l - nlen - 6)
		return errInvalid
	}
	for ; nreqs > 0; nreqs-- {
		o.reqs = append(o.reqs, e.uint16())
	}
	return 0
}

type optionReply interface {
	code() uint32
	encode(*encoder)
	decode(*encoder, uint32)
}

// encodeReply writes one option reply for option, buffering the payload to
// determine its length.
func encodeReply(e *encoder, option uint32, reply optionReply) {
	e.writeUint64(repMagic)
	e.writeUint32(option)
	e.writeUint32(reply.code())
	e.buf = []byte{}
	reply.encode(e)
	var buf []byte
	buf, e.buf = e.buf, nil
	e.writeUint32(uint32(len(buf)))
	e.write(buf)
}

type repAck struct{}

func (r *repAck) code() uint32    { return cRepAck }
func (r *repAck) encode(*encoder) {}
func (r *repAck) decode(e *encoder, l uint32) {
	if l != 0 {
		e.check(errors.New("invalid ack reply"))
	}
}

// repServer is one entry of a LIST reply, naming a single export.
type repServer struct {
	name    string
	details string
}

func (r *repServer) code() uint32 { return cRepServer }

func (r *repServer) encode(e *encoder) {
	e.writeUint32(uint32(len(r.name)))
	e.writeString(r.name)
	e.writeString(r.details)
}

func (r *repServer) decode(e *encoder, l uint32) {
	if l < 4 {
		e.check(errors.New("invalid server reply"))
	}
	nlen := e.uint32()
	if nlen > l-4 {
		e.check(errors.New("invalid server reply"))
	}
	b := make([]byte, l-4)
	e.read(b)
	r.name = string(b[:nlen])
	r.details = string(b[nlen:])
}

// repError is an option error reply with an optional human-readable message.
type repError struct {
	errno optErrno
	msg   string
}

func (r *repError) code() uint32 { return uint32(r.errno) }

func (r *repError) encode(e *encoder) {
	e.writeString(r.msg)
}

func (r *repError) decode(e *encoder, l uint32) {
	if l > maxOptionLength {
		e.check(errors.New("error message too large"))
	}
	b := make([]byte, l)
	e.read(b)
	r.msg = string(b)
}

func (r *repError) Error() string {
	if r.msg != "" {
		return r.msg
	}
	return r.errno.String()
}

// Info item codes carried in cRepInfo replies.
const (
	cInfoExport      = 0
	cInfoName        = 1
	cInfoDescription = 2
	cInfoBlockSize   = 3
)

// decodeInfo reads one cRepInfo payload. Unknown info items are skipped and
// reported as nil, which the client ignores.
func decodeInfo(e *encoder, l uint32) optionReply {
	if l < 2 {
		e.check(errors.New("short info reply"))
	}
	var rep optionReply
	switch code := e.uint16(); code {
	case cInfoExport:
		rep = new(infoExport)
	case cInfoName:
		rep = new(infoName)
	case cInfoDescription:
		rep = new(infoDescription)
	case cInfoBlockSize:
		rep = new(infoBlockSize)
	default:
		e.discard(l - 2)
		return nil
	}
	rep.decode(e, l-2)
	return rep
}

type infoExport struct {
	size  uint64
	flags uint16
}

func (r *infoExport) code() uint32 { return cRepInfo }

func (r *infoExport) encode(e *encoder) {
	e.writeUint16(cInfoExport)
	e.writeUint64(r.size)
	e.writeUint16(r.flags)
}

func (r *infoExport) decode(e *encoder, l uint32) {
	if l != 10 {
		e.check(errors.New("invalid length for export info"))
	}
	r.size = e.uint64()
	r.flags = e.uint16()
}

type infoName struct {
	name string
}

func (r *infoName) code() uint32 { return cRepInfo }

func (r *infoName) encode(e *encoder) {
	e.writeUint16(cInfoName)
	e.writeString(r.name)
}

func (r *infoName) decode(e *encoder, l uint32) {
	if l > maxOptionLength {
		e.check(errors.New("name too large"))
	}
	b := make([]byte, l)
	e.read(b)
	r.name = string(b)
}

type infoDescription struct {
	description string
}

func (r *infoDescription) code() uint32 { return cRepInfo }

func (r *infoDescription) encode(e *encoder) {
	e.writeUint16(cInfoDescription)
	e.writeString(r.description)
}

func (r *infoDescription) decode(e *encoder, l uint32) {
	if l > maxOptionLength {
		e.check(errors.New("description too large"))
	}
	b := make([]byte, l)
	e.read(b)
	r.description = string(b)
}

type infoBlockSize struct {
	min       uint32
	preferred uint32
	max       uint32
}

func (r *infoBlockSize) code() uint32 { return cRepInfo }

func (r *infoBlockSize) encode(e *encoder) {
	e.writeUint16(cInfoBlockSize)
	e.writeUint32(r.min)
	e.writeUint32(r.preferred)
	e.writeUint32(r.max)
}

func (r *infoBlockSize) decode(e *encoder, l uint32) {
	if l != 12 {
		e.check(errors.New("invalid length for block size info"))
	}
	r.min = e.uint32()
	r.preferred = e.uint32()
	r.max = e.uint32()
}
