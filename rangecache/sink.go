package rangecache

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Sink is the backing store a Stream materializes fetched bytes into.
type Sink interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// MemorySink keeps fetched bytes in fixed-size chunks allocated on first
// write, so memory follows the bytes fetched rather than the highest offset.
type MemorySink struct {
	mu        sync.RWMutex
	chunkSize int64
	chunks    map[int64][]byte
	size      int64
}

// NewMemorySink creates an empty memory sink with DefaultPageSize chunks.
func NewMemorySink() *MemorySink {
	return NewMemorySinkSize(DefaultPageSize)
}

// NewMemorySinkSize creates an empty memory sink whose chunks are chunkSize
// bytes. Streams use their page size.
func NewMemorySinkSize(chunkSize int64) *MemorySink {
	if chunkSize <= 0 {
		chunkSize = DefaultPageSize
	}
	return &MemorySink{chunkSize: chunkSize, chunks: make(map[int64][]byte)}
}

// WriteAt writes p at off, allocating the chunks it touches.
func (m *MemorySink) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("rangecache: negative offset %d", off)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.chunks == nil {
		return 0, os.ErrClosed
	}
	written := 0
	for written < len(p) {
		pos := off + int64(written)
		idx, within := pos/m.chunkSize, pos%m.chunkSize
		chunk, ok := m.chunks[idx]
		if !ok {
			chunk = make([]byte, m.chunkSize)
			m.chunks[idx] = chunk
		}
		written += copy(chunk[within:], p[written:])
	}
	m.size = max(m.size, off+int64(written))
	return written, nil
}

// ReadAt reads len(p) bytes at off. Ranges never written read as zeros.
func (m *MemorySink) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 {
		return 0, fmt.Errorf("rangecache: negative offset %d", off)
	}
	if off >= m.size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), m.size-off)
	read := int64(0)
	for read < want {
		pos := off + read
		idx, within := pos/m.chunkSize, pos%m.chunkSize
		n := min(m.chunkSize-within, want-read)
		dst := p[read : read+n]
		if chunk, ok := m.chunks[idx]; ok {
			copy(dst, chunk[within:within+n])
		} else {
			clear(dst)
		}
		read += n
	}
	if int(read) < len(p) {
		return int(read), io.EOF
	}
	return int(read), nil
}

// Allocated returns the bytes held by allocated chunks.
func (m *MemorySink) Allocated() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.chunks)) * m.chunkSize
}

// Close releases the chunks.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.chunks = nil
	m.size = 0
	m.mu.Unlock()
	return nil
}

// FileSink stores fetched bytes in an unlinked-on-close temporary file, for
// content too large to hold in memory.
type FileSink struct {
	f *os.File
}

// NewFileSink creates a temporary file in dir (the system default when empty).
func NewFileSink(dir string) (*FileSink, error) {
	f, err := os.CreateTemp(dir, "mountkit-range-*")
	if err != nil {
		return nil, fmt.Errorf("rangecache: create temp sink: %w", err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *FileSink) WriteAt(p []byte, off int64) (int, error) {
	return s.f.WriteAt(p, off)
}

// Close closes and removes the temporary file.
func (s *FileSink) Close() error {
	name := s.f.Name()
	err := s.f.Close()
	if rmErr := os.Remove(name); rmErr != nil && err == nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	return err
}

var (
	_ Sink = (*MemorySink)(nil)
	_ Sink = (*FileSink)(nil)
)
