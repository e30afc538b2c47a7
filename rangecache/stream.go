// Package rangecache turns a source that can only be read in byte ranges
// into a seekable stream, fetching each page at most once.
package rangecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gobeaver/mountkit"
)

var (
	// ErrLengthUnknown is returned by Seek(io.SeekEnd) when the source never
	// reported its length.
	ErrLengthUnknown = errors.New("rangecache: stream length unknown")

	// ErrClosed is returned by operations on a closed Stream.
	ErrClosed = errors.New("rangecache: stream closed")

	errFetchOverflow = errors.New("rangecache: fetch wrote past requested range")
)

// FetchRequest describes one gap fill.
type FetchRequest struct {
	Offset int64
	Length int64

	// Dst receives the bytes for [Offset, Offset+Length) in order.
	Dst io.Writer

	// SetLength reports the authoritative total length. Only the first
	// report is kept. It must be called before Fetch returns.
	SetLength func(n int64)

	// Observe is called by the fetcher after a successful transfer.
	Observe func(offset, n int64)
}

// Fetcher fills a gap of a Stream. Writing fewer than Length bytes without
// an error means the source ended.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (int64, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req FetchRequest) (int64, error)

func (f FetcherFunc) Fetch(ctx context.Context, req FetchRequest) (int64, error) {
	return f(ctx, req)
}

// Stream is a random-access view over a Fetcher. One mutex serializes the
// page bitmap, the sink and fetches, so a Stream may be shared, but it is
// meant to serve a single reader.
type Stream struct {
	mu sync.Mutex

	ctx      context.Context
	fetcher  Fetcher
	pages    *PageStore
	sink     Sink
	observer func(offset, n int64)
	name     string

	length      int64
	lengthKnown bool

	pos    int64
	closed bool
}

// Option configures a Stream.
type Option func(*streamOptions)

type streamOptions struct {
	pageSize int64
	sink     Sink
	length   int64
	observer func(offset, n int64)
	name     string
}

// WithPageSize sets the page size. It must be a power of two.
func WithPageSize(n int64) Option {
	return func(o *streamOptions) {
		o.pageSize = n
	}
}

// WithSink sets the backing sink. The Stream closes it.
func WithSink(s Sink) Option {
	return func(o *streamOptions) {
		o.sink = s
	}
}

// WithLength seeds a length already known from metadata.
func WithLength(n int64) Option {
	return func(o *streamOptions) {
		o.length = n
	}
}

// WithObserver sets the callback handed to every fetch.
func WithObserver(fn func(offset, n int64)) Option {
	return func(o *streamOptions) {
		o.observer = fn
	}
}

// WithName labels the stream in errors, typically with its source URL.
func WithName(name string) Option {
	return func(o *streamOptions) {
		o.name = name
	}
}

// New creates a Stream. ctx bounds the fetches issued by Read and Seek;
// ReadAtContext takes its own context.
func New(ctx context.Context, fetcher Fetcher, opts ...Option) (*Stream, error) {
	if fetcher == nil {
		return nil, errors.New("rangecache: nil fetcher")
	}
	o := streamOptions{pageSize: DefaultPageSize, length: -1}
	for _, opt := range opts {
		opt(&o)
	}

	pages, err := NewPageStore(o.pageSize)
	if err != nil {
		return nil, err
	}
	if o.sink == nil {
		o.sink = NewMemorySinkSize(o.pageSize)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s := &Stream{
		ctx:      ctx,
		fetcher:  fetcher,
		pages:    pages,
		sink:     o.sink,
		observer: o.observer,
		name:     o.name,
		length:   -1,
	}
	if o.length >= 0 {
		s.setLength(o.length)
	}
	return s, nil
}

// Length returns the stream length and whether it is known yet.
func (s *Stream) Length() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length, s.lengthKnown
}

// Pages exposes the page store, for inspection.
func (s *Stream) Pages() *PageStore {
	return s.pages
}

// Read reads from the current position. It returns fewer bytes without an
// error when the end of the stream falls inside p.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.readAt(s.ctx, p, s.pos)
	s.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt implements io.ReaderAt using the Stream's context.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	return s.ReadAtContext(s.ctx, p, off)
}

// ReadAtContext reads len(p) bytes at off, fetching missing pages first.
// Following io.ReaderAt, a read clipped by the end of the stream returns
// io.EOF with the bytes that were available.
func (s *Stream) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAt(ctx, p, off)
}

func (s *Stream) readAt(ctx context.Context, p []byte, off int64) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("rangecache: negative offset %d: %w", off, mountkit.ErrInvalidRange)
	}
	if len(p) == 0 {
		return 0, nil
	}

	want := int64(len(p))
	if s.lengthKnown {
		if off >= s.length {
			return 0, io.EOF
		}
		want = min(want, s.length-off)
	}

	for _, gap := range s.pages.FindGaps(off, want) {
		if s.lengthKnown {
			if gap.Offset >= s.length {
				break
			}
			gap.Length = min(gap.Length, s.length-gap.Offset)
		}
		ended, err := s.fill(ctx, gap)
		if err != nil {
			return 0, err
		}
		if ended {
			break
		}
	}

	// A fetch may have just revealed the length.
	if s.lengthKnown {
		if off >= s.length {
			return 0, io.EOF
		}
		want = min(want, s.length-off)
	}

	covered := s.pages.CachedPrefix(off, want)
	if covered == 0 {
		if !s.lengthKnown {
			// The source ended before off without telling us where.
			return 0, io.EOF
		}
		return 0, fmt.Errorf("rangecache: %s: no bytes available at %d: %w", s.label(), off, io.ErrUnexpectedEOF)
	}

	n, err := s.sink.ReadAt(p[:covered], off)
	if int64(n) < covered {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return n, fmt.Errorf("rangecache: %s: cached range [%d,%d) unreadable: %w: %w",
			s.label(), off, off+covered, mountkit.ErrCacheCorruption, err)
	}

	switch {
	case covered == int64(len(p)):
		return n, nil
	case !s.lengthKnown || off+covered >= s.length:
		return n, io.EOF
	default:
		// Length known but the source delivered less than it promised.
		return n, fmt.Errorf("rangecache: %s: short read at %d: %w", s.label(), off+covered, io.ErrUnexpectedEOF)
	}
}

// fill fetches one gap and marks the pages it completed. ended reports that
// the source ran out inside the gap. A response shorter than asked for is
// continued from where it stopped while the known length says more bytes
// exist, since some servers cap the size of a 206 body.
func (s *Stream) fill(ctx context.Context, gap Gap) (ended bool, err error) {
	var got int64
	for got < gap.Length {
		if err := ctx.Err(); err != nil {
			s.pages.MarkCached(gap.Offset, got)
			return false, err
		}

		rest := Gap{Offset: gap.Offset + got, Length: gap.Length - got}
		if s.lengthKnown {
			rest.Length = min(rest.Length, s.length-rest.Offset)
			if rest.Length <= 0 {
				break
			}
		}
		n, err := s.fetchGap(ctx, rest)
		if err != nil {
			// Whole pages delivered by earlier rounds stay cached.
			s.pages.MarkCached(gap.Offset, got)
			return false, s.fetchError(rest, err)
		}
		got += n
		if n < rest.Length && (n == 0 || !s.lengthKnown || gap.Offset+got >= s.length) {
			break
		}
	}

	if got < gap.Length {
		ended = true
		if !s.lengthKnown && (got > 0 || s.endsAt(gap.Offset)) {
			s.setLength(gap.Offset + got)
		}
	}
	s.pages.MarkCached(gap.Offset, got)
	return ended, nil
}

// fetchGap issues one fetch for gap and returns the bytes that reached the sink.
func (s *Stream) fetchGap(ctx context.Context, gap Gap) (int64, error) {
	dst := &gapWriter{w: io.NewOffsetWriter(s.sink, gap.Offset), remaining: gap.Length}
	_, err := s.fetcher.Fetch(ctx, FetchRequest{
		Offset:    gap.Offset,
		Length:    gap.Length,
		Dst:       dst,
		SetLength: s.setLength,
		Observe:   s.observe,
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return 0, err
	}
	return dst.written, nil
}

// endsAt reports whether an empty fetch at off pins the length to off:
// either off is zero or the page before it is complete.
func (s *Stream) endsAt(off int64) bool {
	if off == 0 {
		return true
	}
	return s.pages.IsCached(off/s.pages.PageSize() - 1)
}

func (s *Stream) fetchError(gap Gap, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		mountkit.IsTransport(err) || mountkit.IsAuth(err) {
		return fmt.Errorf("rangecache: fetch %s [%d,%d): %w", s.label(), gap.Offset, gap.End(), err)
	}
	return &mountkit.TransportError{Op: "fetch", URL: s.label(), Err: err}
}

func (s *Stream) setLength(n int64) {
	if s.lengthKnown || n < 0 {
		return
	}
	s.length = n
	s.lengthKnown = true
	s.pages.SetLimit(n)
}

func (s *Stream) observe(offset, n int64) {
	if s.observer != nil {
		s.observer(offset, n)
	}
}

func (s *Stream) label() string {
	if s.name == "" {
		return "stream"
	}
	return s.name
}

// Seek sets the position for the next Read. Seeking relative to the end
// fetches the first page when the length is not known yet.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		if !s.lengthKnown {
			if err := s.probe(); err != nil {
				return 0, err
			}
		}
		if !s.lengthKnown {
			return 0, ErrLengthUnknown
		}
		abs = s.length + offset
	default:
		return 0, fmt.Errorf("rangecache: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("rangecache: negative position %d: %w", abs, mountkit.ErrInvalidRange)
	}
	s.pos = abs
	return abs, nil
}

func (s *Stream) probe() error {
	for _, gap := range s.pages.FindGaps(0, 1) {
		if _, err := s.fill(s.ctx, gap); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the sink. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.sink.Close()
}

// gapWriter bounds a fetch to its gap and counts what landed in the sink.
type gapWriter struct {
	w         io.Writer
	remaining int64
	written   int64
}

func (g *gapWriter) Write(p []byte) (int, error) {
	if g.remaining <= 0 {
		return 0, errFetchOverflow
	}
	var overflow bool
	if int64(len(p)) > g.remaining {
		p = p[:g.remaining]
		overflow = true
	}
	n, err := g.w.Write(p)
	g.written += int64(n)
	g.remaining -= int64(n)
	if err == nil && overflow {
		err = errFetchOverflow
	}
	return n, err
}

var (
	_ io.ReadSeekCloser = (*Stream)(nil)
	_ io.ReaderAt       = (*Stream)(nil)
)
