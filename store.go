package nbd

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Store is the backing storage for an export. Offsets and lengths are bounds
// checked by the serving session before dispatch, but implementations must
// validate again and fail with an EINVAL-carrying Error when a range falls
// outside the store.
//
// A Store may be shared by several connections serving the same export, so
// implementations must serialize access: a read or write must never observe
// a concurrent write half-applied.
type Store interface {
	io.ReaderAt
	io.WriterAt
	// Sync blocks until all previous writes have reached persistent storage.
	Sync() error
	// Size returns the fixed size of the store in bytes.
	Size() uint64
}

// Trimmer is implemented by stores that can discard a byte range. A trimmed
// range reads back as zeroes.
type Trimmer interface {
	Trim(offset uint64, length uint32) error
}

// checkStoreRange is the shared defense-in-depth bounds check for stores.
func checkStoreRange(size uint64, off int64, n int) Error {
	if off < 0 || uint64(off) > size || uint64(n) > size-uint64(off) {
		return Errorf(EINVAL, "range [%d, %d) outside store of size %d", off, off+int64(n), size)
	}
	return nil
}

// FileStore serves an export from a fixed-size region at the start of an
// underlying file. Byte i of the export is byte i of the file; there is no
// header or metadata. All operations hold a store-wide lock, so concurrent
// connections are serialized rather than interleaved.
type FileStore struct {
	mu       sync.Mutex
	f        *os.File
	size     uint64
	readOnly bool
}

// OpenFileStore opens (creating if necessary) the file at path and sizes it
// to serve an export of size bytes. A file that is already large enough keeps
// its content; a shorter file is extended with zeroes.
func OpenFileStore(path string, size uint64, readOnly bool) (*FileStore, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening backing file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if uint64(fi.Size()) < size {
		if readOnly {
			f.Close()
			return nil, fmt.Errorf("backing file %q is %d bytes, need %d", path, fi.Size(), size)
		}
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("sizing backing file: %w", err)
		}
	}
	return &FileStore{f: f, size: size, readOnly: readOnly}, nil
}

func (s *FileStore) ReadAt(p []byte, off int64) (int, error) {
	if err := checkStoreRange(s.size, off, len(p)); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.f.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	if err != nil {
		return n, Errorf(EIO, "read at %d: %v", off, err)
	}
	return n, nil
}

func (s *FileStore) WriteAt(p []byte, off int64) (int, error) {
	if s.readOnly {
		return 0, Errorf(EPERM, "store is read-only")
	}
	if err := checkStoreRange(s.size, off, len(p)); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.f.WriteAt(p, off)
	if err != nil {
		return n, Errorf(EIO, "write at %d: %v", off, err)
	}
	return n, nil
}

func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		return Errorf(EIO, "sync: %v", err)
	}
	return nil
}

// Trim zero-fills the given range. Writing explicit zeroes keeps reads after
// trim reproducible on every backing filesystem.
func (s *FileStore) Trim(offset uint64, length uint32) error {
	if s.readOnly {
		return Errorf(EPERM, "store is read-only")
	}
	if err := checkStoreRange(s.size, int64(offset), int(length)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	zero := make([]byte, 64<<10)
	off := int64(offset)
	for length > 0 {
		n := len(zero)
		if uint32(n) > length {
			n = int(length)
		}
		if _, err := s.f.WriteAt(zero[:n], off); err != nil {
			return Errorf(EIO, "trim at %d: %v", off, err)
		}
		off += int64(n)
		length -= uint32(n)
	}
	return nil
}

func (s *FileStore) Size() uint64 { return s.size }

func (s *FileStore) Close() error { return s.f.Close() }

// MemStore is a Store backed by a byte slice. It is mainly useful for tests
// and for serving scratch devices that need no persistence.
type MemStore struct {
	mu  sync.Mutex
	buf []byte
}

// NewMemStore returns a zero-initialized in-memory store of size bytes.
func NewMemStore(size uint64) *MemStore {
	return &MemStore{buf: make([]byte, size)}
}

func (s *MemStore) ReadAt(p []byte, off int64) (int, error) {
	if err := checkStoreRange(uint64(len(s.buf)), off, len(p)); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copy(p, s.buf[off:]), nil
}

func (s *MemStore) WriteAt(p []byte, off int64) (int, error) {
	if err := checkStoreRange(uint64(len(s.buf)), off, len(p)); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copy(s.buf[off:], p), nil
}

func (s *MemStore) Sync() error { return nil }

func (s *MemStore) Trim(offset uint64, length uint32) error {
	if err := checkStoreRange(uint64(len(s.buf)), int64(offset), int(length)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := offset; i < offset+uint64(length); i++ {
		s.buf[i] = 0
	}
	return nil
}

func (s *MemStore) Size() uint64 { return uint64(len(s.buf)) }
