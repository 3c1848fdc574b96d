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
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Server serves a set of exports to NBD clients. The first export acts as
// the default for clients that select the empty name.
type Server struct {
	exports []Export
	log     zerolog.Logger
}

// NewServer validates the given exports and returns a Server serving them.
// Use SetLogger to get per-connection logging; by default nothing is logged.
func NewServer(exports ...Export) (*Server, error) {
	if len(exports) == 0 {
		return nil, errors.New("no exports to serve")
	}
	seen := make(map[string]bool, len(exports))
	for i := range exports {
		ex := &exports[i]
		if err := ex.validate(); err != nil {
			return nil, err
		}
		if seen[ex.Name] {
			return nil, fmt.Errorf("duplicate export name %q", ex.Name)
		}
		seen[ex.Name] = true
	}
	return &Server{exports: exports, log: zerolog.Nop()}, nil
}

// SetLogger makes the server log connection lifecycle and errors to l.
func (s *Server) SetLogger(l zerolog.Logger) { s.log = l }

// ListenAndServe listens on the given network/address and serves every
// accepted connection on its own goroutine. A connection's fatal error ends
// only that connection; the accept loop keeps running until ctx is cancelled
// or the listener fails. ListenAndServe waits for in-flight connections
// before returning.
func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	l, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	// Unblock Accept when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-done:
		}
	}()

	s.log.Info().Str("addr", addr).Msg("listening")
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			remote := c.RemoteAddr().String()
			s.log.Debug().Str("remote", remote).Msg("client connected")
			if err := s.Serve(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn().Str("remote", remote).Err(err).Msg("connection ended with error")
			} else {
				s.log.Debug().Str("remote", remote).Msg("client disconnected")
			}
			c.Close()
		}()
	}
}

// Serve runs the handshake and then the transmission phase for a single
// connection. It returns when the client disconnects, ctx is cancelled, or a
// fatal error occurs. Storage errors are not fatal: they are reported to the
// client and the session continues.
func (s *Server) Serve(ctx context.Context, c net.Conn) error {
	parms, err := serverHandshake(c, s.exports)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	s.log.Debug().Str("export", parms.Export.Name).Msg("entering transmission phase")
	return serve(ctx, c, parms, s.log)
}

// serve is the transmission-phase session loop: decode one request, validate
// it, dispatch to the store, reply, repeat. Requests on a connection are
// handled strictly sequentially.
func serve(ctx context.Context, c net.Conn, p connParameters, log zerolog.Logger) error {
	ex := &p.Export
	return do(wrapConn(ctx, c), func(e *encoder) {
		var req request
		for {
			if err := req.decode(e); err != nil {
				respondErr(e, req.handle, err)
				continue
			}
			switch req.typ {
			case cmdRead:
				if req.length == 0 {
					respondErr(e, req.handle, EINVAL)
					continue
				}
				if err := checkBounds(ex, req.offset, req.length); err != nil {
					respondErr(e, req.handle, err)
					continue
				}
				buf := make([]byte, req.length)
				if _, err := ex.Store.ReadAt(buf, int64(req.offset)); err != nil {
					respondErr(e, req.handle, err)
					continue
				}
				(&simpleReply{0, req.handle, buf, 0}).encode(e)
			case cmdWrite:
				if req.length == 0 {
					respondErr(e, req.handle, EINVAL)
					continue
				}
				if ex.ReadOnly {
					respondErr(e, req.handle, EPERM)
					continue
				}
				if err := checkBounds(ex, req.offset, req.length); err != nil {
					respondErr(e, req.handle, err)
					continue
				}
				if _, err := ex.Store.WriteAt(req.data, int64(req.offset)); err != nil {
					respondErr(e, req.handle, err)
					continue
				}
				(&simpleReply{0, req.handle, nil, 0}).encode(e)
			case cmdFlush:
				if req.length != 0 || req.offset != 0 {
					respondErr(e, req.handle, EINVAL)
					continue
				}
				if err := ex.Store.Sync(); err != nil {
					respondErr(e, req.handle, err)
					continue
				}
				(&simpleReply{0, req.handle, nil, 0}).encode(e)
			case cmdTrim:
				if ex.ReadOnly {
					respondErr(e, req.handle, EPERM)
					continue
				}
				tr, ok := ex.Store.(Trimmer)
				if !ok {
					respondErr(e, req.handle, ENOTSUP)
					continue
				}
				if err := checkBounds(ex, req.offset, req.length); err != nil {
					respondErr(e, req.handle, err)
					continue
				}
				if err := tr.Trim(req.offset, req.length); err != nil {
					respondErr(e, req.handle, err)
					continue
				}
				(&simpleReply{0, req.handle, nil, 0}).encode(e)
			case cmdDisc:
				// Disconnect is one-way: no reply, flush what we have, done.
				if req.offset != 0 || req.length != 0 {
					log.Debug().Uint64("offset", req.offset).Uint32("length", req.length).Msg("disconnect request carried a range")
				}
				if err := ex.Store.Sync(); err != nil {
					log.Warn().Err(err).Msg("final sync on disconnect failed")
				}
				return
			default:
				respondErr(e, req.handle, ENOTSUP)
			}
		}
	})
}

// checkBounds validates a request range against the export size. Violations
// are protocol-level errors answered with EINVAL, never clamped.
func checkBounds(ex *Export, offset uint64, length uint32) Error {
	if offset > ex.Size || uint64(length) > ex.Size-offset {
		return Errorf(EINVAL, "request range [%d, %d) outside export of size %d", offset, offset+uint64(length), ex.Size)
	}
	return nil
}

// respondErr sends an error reply for handle carrying the wire code of err.
func respondErr(e *encoder, handle uint64, err error) {
	rep := simpleReply{
		errno:  uint32(wireErrno(err)),
		handle: handle,
	}
	rep.encode(e)
}

// ctxRW wraps a net.Conn to provide cancellation. It sets a low-ish deadline
// on each read/write call; when the call times out it checks whether ctx is
// done and otherwise retries.
type ctxRW struct {
	ctx   context.Context
	c     net.Conn
	hasDL bool
	dl    time.Time
}

func wrapConn(ctx context.Context, c net.Conn) io.ReadWriter {
	dl, ok := ctx.Deadline()
	return &ctxRW{ctx, c, ok, dl}
}

// maybeIgnore turns a timeout that is not a cancellation into a nil error so
// the caller retries.
func (rw *ctxRW) maybeIgnore(err error) error {
	if e := rw.ctx.Err(); e != nil {
		return e
	}
	if to, ok := err.(interface{ Timeout() bool }); ok && to.Timeout() {
		return nil
	}
	return err
}

func (rw *ctxRW) setDeadline() {
	dl := time.Now().Add(100 * time.Millisecond)
	if rw.hasDL && dl.After(rw.dl) {
		dl = rw.dl
	}
	rw.c.SetDeadline(dl)
}

// Read implements io.Reader. It returns ctx.Err() if the context was
// cancelled.
func (rw *ctxRW) Read(p []byte) (n int, err error) {
	var m int
	err = rw.ctx.Err()
	for err == nil && n < len(p) {
		rw.setDeadline()
		m, err = rw.c.Read(p[n:])
		n += m
		if err == nil {
			return n, err
		}
		err = rw.maybeIgnore(err)
	}
	return n, err
}

// Write implements io.Writer. It returns ctx.Err() if the context was
// cancelled.
func (rw *ctxRW) Write(p []byte) (n int, err error) {
	var m int
	err = rw.ctx.Err()
	for err == nil && n < len(p) {
		rw.setDeadline()
		m, err = rw.c.Write(p[n:])
		n += m
		err = rw.maybeIgnore(err)
	}
	return n, err
}
