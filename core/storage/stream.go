package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/loamdb/loam/core/dberr"
)

// Stream is the backing-store contract: a seekable, extendable byte stream.
// Sync must not return until previously written bytes are durable on the
// underlying medium.
type Stream interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Truncate(size int64) error
	Size() (int64, error)
	Close() error
}

// fileStream backs a Stream with an operating system file.
type fileStream struct {
	f *os.File
}

// OpenFileStream opens or creates the file at path.
func OpenFileStream(path string, readOnly bool) (Stream, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", dberr.ErrIO, path, err)
	}
	return &fileStream{f: f}, nil
}

func (s *fileStream) ReadAt(p []byte, off int64) (int, error)  { return s.f.ReadAt(p, off) }
func (s *fileStream) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }
func (s *fileStream) Sync() error                              { return s.f.Sync() }
func (s *fileStream) Truncate(size int64) error                { return s.f.Truncate(size) }
func (s *fileStream) Close() error                             { return s.f.Close() }

func (s *fileStream) Size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", dberr.ErrIO, err)
	}
	return fi.Size(), nil
}

// MemoryStream keeps the whole file in memory. It backs tests and, through
// its fault hooks, crash simulations: FailAfterWrites makes every write
// beyond the budget fail, FailSync makes the next Sync fail once.
type MemoryStream struct {
	mu   sync.Mutex
	data []byte

	writesLeft int
	limited    bool
	failSync   bool
}

func NewMemoryStream() *MemoryStream { return &MemoryStream{} }

// FailAfterWrites arms the fault hook: after n more successful WriteAt
// calls, every write fails with an i/o error.
func (m *MemoryStream) FailAfterWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limited = true
	m.writesLeft = n
}

// FailNextSync makes the next Sync call fail once.
func (m *MemoryStream) FailNextSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSync = true
}

// Snapshot copies the current content, emulating what would survive a crash.
func (m *MemoryStream) Snapshot() *MemoryStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &MemoryStream{data: append([]byte(nil), m.data...)}
}

func (m *MemoryStream) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryStream) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limited {
		if m.writesLeft <= 0 {
			return 0, fmt.Errorf("%w: simulated write failure", dberr.ErrIO)
		}
		m.writesLeft--
	}
	if need := off + int64(len(p)); need > int64(len(m.data)) {
		grown := make([]byte, need)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *MemoryStream) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSync {
		m.failSync = false
		return fmt.Errorf("%w: simulated sync failure", dberr.ErrIO)
	}
	return nil
}

func (m *MemoryStream) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < int64(len(m.data)) {
		m.data = m.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, m.data)
		m.data = grown
	}
	return nil
}

func (m *MemoryStream) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func (m *MemoryStream) Close() error { return nil }
