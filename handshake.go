package nbd

import (
	"errors"
	"fmt"
	"io"
)

// Export is a named, sized block range offered by a server.
type Export struct {
	Name        string
	Description string
	// Size of the export in bytes. Zero means the full size of the store.
	// Must be a multiple of the minimum block size if block size
	// constraints are set.
	Size uint64
	// ReadOnly rejects writes and trims with EPERM and advertises the
	// export as read-only during negotiation.
	ReadOnly   bool
	BlockSizes *BlockSizeConstraints
	Store      Store

	// Flags is the raw transmission-flags field of the export. The client
	// side of the handshake fills it in from what the server advertised;
	// when serving, flags are derived from the store instead.
	Flags uint16
}

// BlockSizeConstraints optionally specifies the block sizes a client should
// use with a given export.
type BlockSizeConstraints struct {
	Min       uint32
	Preferred uint32
	Max       uint32
}

var defaultBlockSizes = BlockSizeConstraints{1, 4096, 0xffffffff}

// validate checks the export invariants before it is served.
func (ex *Export) validate() error {
	if ex.Store == nil {
		return fmt.Errorf("export %q has no store", ex.Name)
	}
	if ex.Size == 0 {
		ex.Size = ex.Store.Size()
	}
	if ex.Size > ex.Store.Size() {
		return fmt.Errorf("export %q is %d bytes but its store only holds %d", ex.Name, ex.Size, ex.Store.Size())
	}
	if bs := ex.BlockSizes; bs != nil && bs.Min > 0 && ex.Size%uint64(bs.Min) != 0 {
		return fmt.Errorf("export %q size %d is not a multiple of its minimum block size %d", ex.Name, ex.Size, bs.Min)
	}
	return nil
}

// flags derives the transmission flags advertised for this export from the
// capabilities of its store.
func (ex *Export) flags() uint16 {
	f := FlagHasFlags | FlagSendFlush
	if ex.ReadOnly {
		f |= FlagReadOnly
	}
	if _, ok := ex.Store.(Trimmer); ok {
		f |= FlagSendTrim
	}
	return f
}

// connParameters is the negotiated state a connection carries into the
// transmission phase.
type connParameters struct {
	Export     Export
	BlockSizes BlockSizeConstraints
	// noZeroes records that the client asked to omit the legacy 124-byte
	// padding after export selection.
	noZeroes bool
}

// errNegotiationDone signals that the option loop completed and the
// connection proceeds to the transmission phase.
var errNegotiationDone = errors.New("negotiation done")

// serverHandshake performs the server role of the handshake: hello, client
// flags, then the option loop until the client selects an export or the
// exchange fails. A non-nil error means the connection must be closed
// without entering the transmission phase.
func serverHandshake(rw io.ReadWriter, exp []Export) (connParameters, error) {
	parms := connParameters{
		BlockSizes: defaultBlockSizes,
	}
	err := do(rw, func(e *encoder) {
		e.writeUint64(nbdMagic)
		e.writeUint64(optMagic)
		e.writeUint16(flagDefaults)

		clientFlags := e.uint32()
		if clientFlags&flagFixedNewstyle == 0 {
			e.check(errors.New("client does not support fixed newstyle negotiation"))
		}
		if clientFlags & ^uint32(flagDefaults) != 0 {
			e.check(fmt.Errorf("unknown client flags 0x%x", clientFlags))
		}
		parms.noZeroes = clientFlags&flagNoZeroes != 0

		for {
			code, o, errno := decodeOption(e)
			if errno != 0 {
				encodeReply(e, code, &repError{errno, ""})
				continue
			}
			switch o := o.(type) {
			case *optExportName:
				ex, ok := findExport(o.name, exp)
				if !ok {
					// EXPORT_NAME is terminal: there is no recovery within
					// this connection once the name does not match.
					encodeReply(e, code, &repError{errUnknownExport, fmt.Sprintf("no export named %q", o.name)})
					e.check(fmt.Errorf("client requested unknown export %q", o.name))
				}
				parms.Export = ex
				e.writeUint64(ex.Size)
				e.writeUint16(ex.flags())
				if !parms.noZeroes {
					e.writeZeroes(124)
				}
				e.check(errNegotiationDone)
			case *optAbort:
				encodeReply(e, code, &repAck{})
				e.check(errors.New("client aborted negotiation"))
			case *optList:
				for _, ex := range exp {
					encodeReply(e, code, &repServer{ex.Name, ex.Description})
				}
				encodeReply(e, code, &repAck{})
			case *optInfo:
				ex, ok := findExport(o.name, exp)
				if !ok {
					encodeReply(e, code, &repError{errUnknownExport, fmt.Sprintf("no export named %q", o.name)})
					continue
				}
				encodeReply(e, code, &infoExport{ex.Size, ex.flags()})
				for _, r := range o.reqs {
					switch r {
					case cInfoExport:
						// already sent
					case cInfoName:
						encodeReply(e, code, &infoName{ex.Name})
					case cInfoDescription:
						encodeReply(e, code, &infoDescription{ex.Description})
					case cInfoBlockSize:
						if ex.BlockSizes == nil {
							break
						}
						if o.done {
							parms.BlockSizes = *ex.BlockSizes
						}
						encodeReply(e, code, &infoBlockSize{
							ex.BlockSizes.Min,
							ex.BlockSizes.Preferred,
							ex.BlockSizes.Max,
						})
					}
				}
				encodeReply(e, code, &repAck{})
				if o.done {
					parms.Export = ex
					e.check(errNegotiationDone)
				}
			}
		}
	})
	if err == errNegotiationDone {
		err = nil
	}
	return parms, err
}

// findExport searches exp for an export with the given name. An empty name
// selects the first export, the protocol's notion of a default.
func findExport(name string, exp []Export) (Export, bool) {
	if len(exp) > 0 && name == "" {
		return exp[0], true
	}
	for _, e := range exp {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}
