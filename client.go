package nbd

import (
	"errors"
	"fmt"
	"io"
)

// Client performs the client role of the NBD handshake and can be used to
// query what a server exports. It only covers the negotiation phase: after a
// successful ExportName or Go the connection is in transmission phase and the
// socket is typically handed to the kernel (see the nbdioctl and nbdnl
// packages).
type Client struct {
	rw       io.ReadWriter
	noZeroes bool
	closed   bool
}

// ClientHandshake starts the client side of the handshake over rw: it reads
// the server hello, verifies both magics, and answers with the client flags.
// Failures are NegotiationError-like and leave rw unusable.
func ClientHandshake(rw io.ReadWriter) (*Client, error) {
	cl := &Client{rw: rw}
	err := do(rw, func(e *encoder) {
		if m := e.uint64(); m != nbdMagic {
			e.check(fmt.Errorf("invalid hello magic 0x%x from server", m))
		}
		if m := e.uint64(); m != optMagic {
			e.check(fmt.Errorf("invalid option magic 0x%x from server", m))
		}
		serverFlags := e.uint16()
		if serverFlags&flagFixedNewstyle == 0 {
			e.check(errors.New("server does not support fixed newstyle negotiation"))
		}
		clientFlags := uint32(flagFixedNewstyle)
		if serverFlags&flagNoZeroes != 0 {
			clientFlags |= flagNoZeroes
			cl.noZeroes = true
		}
		e.writeUint32(clientFlags)
	})
	if err != nil {
		return nil, err
	}
	return cl, nil
}

func (c *Client) checkClosed(e *encoder) {
	if c.closed {
		e.check(errors.New("use of closed client"))
	}
}

// recv receives one option reply for the option identified by code.
func (c *Client) recv(e *encoder, code uint32) optionReply {
	c.checkClosed(e)
	if m := e.uint64(); m != repMagic {
		e.check(fmt.Errorf("invalid reply magic 0x%x from server", m))
	}
	if got := e.uint32(); got != code {
		e.check(fmt.Errorf("server replied to option %d, expected %d", got, code))
	}
	typ := e.uint32()
	length := e.uint32()
	var rep optionReply
	switch typ {
	case cRepAck:
		rep = new(repAck)
	case cRepServer:
		rep = new(repServer)
	case cRepInfo:
		return decodeInfo(e, length)
	default:
		if typ&(1<<31) != 0 {
			rep = &repError{errno: optErrno(typ)}
			rep.decode(e, length)
			e.check(rep.(error))
		}
		e.check(fmt.Errorf("unknown reply type 0x%x", typ))
		return nil
	}
	rep.decode(e, length)
	return rep
}

// ExportName selects the export with the given name and terminates
// negotiation. On success it returns the export's size and capability flags
// as advertised by the server; the connection is then in transmission phase.
// An empty name selects the server's default export. c must not be used
// after ExportName returns.
func (c *Client) ExportName(name string) (Export, error) {
	var ex Export
	err := do(c.rw, func(e *encoder) {
		c.checkClosed(e)
		encodeOption(e, &optExportName{name: name})
		c.closed = true
		// EXPORT_NAME is answered with export info directly, not with an
		// option reply. A server that does not know the export sends an
		// error reply instead, so peek at the magic to tell them apart.
		switch m := e.uint64(); m {
		case repMagic:
			e.uint32() // echoed option code
			code := e.uint32()
			length := e.uint32()
			if code&(1<<31) == 0 {
				e.check(fmt.Errorf("unexpected reply type 0x%x to export selection", code))
			}
			rep := &repError{errno: optErrno(code)}
			rep.decode(e, length)
			e.check(fmt.Errorf("export %q refused: %w", name, rep))
		default:
			ex.Name = name
			ex.Size = m
		}
		// Old servers may leave the flags empty instead of announcing them
		// with FlagHasFlags; an export without capabilities is still usable.
		flags := e.uint16()
		ex.Flags = flags
		ex.ReadOnly = flags&FlagReadOnly != 0
		if !c.noZeroes {
			e.discard(124)
		}
	})
	return ex, err
}

// Abort ends the handshake without selecting an export. c must not be used
// after Abort returns.
func (c *Client) Abort() error {
	return do(c.rw, func(e *encoder) {
		c.checkClosed(e)
		encodeOption(e, &optAbort{})
		rep := c.recv(e, cOptAbort)
		c.closed = true
		if _, ok := rep.(*repAck); !ok {
			e.check(errors.New("invalid reply to abort request"))
		}
	})
}

// List returns the names of the exports the server is providing.
func (c *Client) List() ([]string, error) {
	var list []string
	err := do(c.rw, func(e *encoder) {
		c.checkClosed(e)
		encodeOption(e, &optList{})
		for {
			switch rep := c.recv(e, cOptList).(type) {
			case *repAck:
				return
			case *repServer:
				list = append(list, rep.name)
			default:
				e.check(errors.New("invalid reply to list request"))
			}
		}
	})
	return list, err
}

// info sends NBD_OPT_INFO, or NBD_OPT_GO if done is set, and collects the
// export details the server returns.
func (c *Client) info(exportName string, done bool) (Export, error) {
	var ex Export
	err := do(c.rw, func(e *encoder) {
		c.checkClosed(e)
		reqs := []uint16{cInfoExport, cInfoName, cInfoDescription, cInfoBlockSize}
		encodeOption(e, &optInfo{done, exportName, reqs})
		code := uint32(cOptInfo)
		if done {
			code = cOptGo
		}
		for {
			switch rep := c.recv(e, code).(type) {
			case nil:
				// unknown info item, skipped
			case *repAck:
				return
			case *infoExport:
				ex.Size = rep.size
				ex.Flags = rep.flags
				ex.ReadOnly = rep.flags&FlagReadOnly != 0
			case *infoName:
				ex.Name = rep.name
			case *infoDescription:
				ex.Description = rep.description
			case *infoBlockSize:
				ex.BlockSizes = &BlockSizeConstraints{
					Min:       rep.min,
					Preferred: rep.preferred,
					Max:       rep.max,
				}
			default:
				e.check(errors.New("invalid reply to info request"))
			}
		}
	})
	return ex, err
}

// Info requests details about the export identified by exportName without
// ending negotiation. An empty name queries the default export.
func (c *Client) Info(exportName string) (Export, error) {
	return c.info(exportName, false)
}

// Go terminates the handshake by opening the export identified by
// exportName, like ExportName but with the richer GO option that can report
// errors without killing the connection. c must not be used after Go
// returns.
func (c *Client) Go(exportName string) (Export, error) {
	ex, err := c.info(exportName, true)
	c.closed = true
	return ex, err
}
