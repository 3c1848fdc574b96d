package nbd

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var requestCmp = cmp.AllowUnexported(request{})

func TestRequestRoundTrip(t *testing.T) {
	tests := []request{
		{typ: cmdRead, handle: 1, offset: 0, length: 100},
		{typ: cmdRead, handle: 0xdeadbeefcafe, offset: 1 << 32, length: 4096},
		{typ: cmdWrite, handle: 42, offset: 200, length: 3, data: []byte{0xab, 0xab, 0xab}},
		{typ: cmdFlush, handle: 7},
		{typ: cmdTrim, handle: 8, offset: 512, length: 512},
		{typ: cmdDisc, handle: 9},
	}
	for _, want := range tests {
		var buf bytes.Buffer
		if err := do(&buf, func(e *encoder) { want.encode(e) }); err != nil {
			t.Fatalf("encoding %v: %v", want, err)
		}
		var got request
		err := do(&buf, func(e *encoder) {
			if errno := got.decode(e); errno != nil {
				t.Errorf("decode returned errno %v", errno)
			}
		})
		if err != nil {
			t.Fatalf("decoding %v: %v", want, err)
		}
		if diff := cmp.Diff(want, got, requestCmp); diff != "" {
			t.Errorf("request did not survive round trip (-want +got):\n%s", diff)
		}
	}
}

func TestReplyRoundTrip(t *testing.T) {
	tests := []simpleReply{
		{errno: 0, handle: 3, data: []byte("abcd"), length: 4},
		{errno: uint32(EIO), handle: 17, length: 0},
		{errno: 0, handle: 1, length: 0},
	}
	for _, want := range tests {
		var buf bytes.Buffer
		if err := do(&buf, func(e *encoder) { want.encode(e) }); err != nil {
			t.Fatalf("encoding %v: %v", want, err)
		}
		got := simpleReply{length: want.length}
		if err := do(&buf, func(e *encoder) { got.decode(e) }); err != nil {
			t.Fatalf("decoding %v: %v", want, err)
		}
		if diff := cmp.Diff(want, got, cmp.AllowUnexported(simpleReply{})); diff != "" {
			t.Errorf("reply did not survive round trip (-want +got):\n%s", diff)
		}
	}
}

func TestRequestDecodeRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(0x12345678))
	buf.Write(make([]byte, 24))
	var req request
	err := do(&buf, func(e *encoder) { req.decode(e) })
	if err == nil {
		t.Fatal("decoding a request with a corrupt magic succeeded")
	}
}

func TestReplyDecodeRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(reqMagic)) // request magic, not reply magic
	buf.Write(make([]byte, 12))
	var rep simpleReply
	err := do(&buf, func(e *encoder) { rep.decode(e) })
	if err == nil {
		t.Fatal("decoding a reply with a corrupt magic succeeded")
	}
}

func TestRequestDecodeOverflowingOffset(t *testing.T) {
	// A write whose offset has the sign bit set must be consumed whole and
	// reported as EOVERFLOW, leaving the stream at the next frame boundary.
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(reqMagic))
	binary.Write(&buf, binary.BigEndian, uint16(0))
	binary.Write(&buf, binary.BigEndian, uint16(cmdWrite))
	binary.Write(&buf, binary.BigEndian, uint64(99))
	binary.Write(&buf, binary.BigEndian, uint64(1<<63))
	binary.Write(&buf, binary.BigEndian, uint32(16))
	buf.Write(make([]byte, 16))
	next := request{typ: cmdFlush, handle: 100}
	if err := do(&buf, func(e *encoder) { next.encode(e) }); err != nil {
		t.Fatal(err)
	}

	var req request
	var errno Error
	err := do(&buf, func(e *encoder) { errno = req.decode(e) })
	if err != nil {
		t.Fatalf("overflowing write was fatal to the stream: %v", err)
	}
	if errno == nil || errno.Errno() != EOVERFLOW {
		t.Errorf("overflowing write returned %v, want EOVERFLOW", errno)
	}
	if req.handle != 99 {
		t.Errorf("handle = %d, want 99", req.handle)
	}
	err = do(&buf, func(e *encoder) { errno = req.decode(e) })
	if err != nil || errno != nil {
		t.Fatalf("stream not at a frame boundary after discard: %v, %v", err, errno)
	}
	if req.typ != cmdFlush || req.handle != 100 {
		t.Errorf("followup request = %+v, want the flush with handle 100", req)
	}
}

func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		err  error
		want Errno
	}{
		{Errorf(EINVAL, "out of range"), EINVAL},
		{Errorf(EPERM, "read-only"), EPERM},
		{ENOTSUP, ENOTSUP},
		{bytes.ErrTooLarge, EIO},
	}
	for _, tc := range tests {
		if got := wireErrno(tc.err); got != tc.want {
			t.Errorf("wireErrno(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
