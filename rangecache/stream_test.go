package rangecache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/mountkit"
)

// sliceFetcher serves data and records every request.
type sliceFetcher struct {
	data         []byte
	reportLength bool
	err          error
	calls        []Gap
}

func (f *sliceFetcher) Fetch(_ context.Context, req FetchRequest) (int64, error) {
	f.calls = append(f.calls, Gap{Offset: req.Offset, Length: req.Length})
	if f.err != nil {
		return 0, f.err
	}
	if f.reportLength {
		req.SetLength(int64(len(f.data)))
	}
	if req.Offset >= int64(len(f.data)) {
		return 0, nil
	}
	end := min(req.Offset+req.Length, int64(len(f.data)))
	n, err := req.Dst.Write(f.data[req.Offset:end])
	req.Observe(req.Offset, int64(n))
	return int64(n), err
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newTestStream(t *testing.T, f Fetcher, opts ...Option) *Stream {
	t.Helper()
	s, err := New(context.Background(), f, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCachedRangeDoesNotFetchAgain(t *testing.T) {
	data := testData(100)
	f := &sliceFetcher{data: data, reportLength: true}
	s := newTestStream(t, f, WithPageSize(16))

	buf := make([]byte, 40)
	n, err := s.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, data[:40], buf)
	assert.Equal(t, []Gap{{Offset: 0, Length: 48}}, f.calls)

	_, err = s.ReadAt(buf, 0)
	require.NoError(t, err)
	_, err = s.ReadAt(buf[:8], 8)
	require.NoError(t, err)
	assert.Len(t, f.calls, 1)
}

func TestOneFetchPerUncachedRun(t *testing.T) {
	data := testData(100)
	f := &sliceFetcher{data: data, reportLength: true}
	s := newTestStream(t, f, WithPageSize(16))

	page := make([]byte, 16)
	_, err := s.ReadAt(page, 0)
	require.NoError(t, err)
	_, err = s.ReadAt(page, 32)
	require.NoError(t, err)
	require.Len(t, f.calls, 2)

	buf := make([]byte, 64)
	n, err := s.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
	assert.Equal(t, data[:64], buf)
	assert.Equal(t, []Gap{{0, 16}, {32, 16}, {16, 16}, {48, 16}}, f.calls)
}

func TestZeroLengthReadNeverFetches(t *testing.T) {
	f := &sliceFetcher{data: testData(10)}
	s := newTestStream(t, f)

	n, err := s.ReadAt(nil, 5)
	assert.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Read([]byte{})
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.calls)
}

func TestReadPastKnownLengthClips(t *testing.T) {
	data := testData(100)
	f := &sliceFetcher{data: data}
	s := newTestStream(t, f, WithPageSize(16), WithLength(100))

	buf := make([]byte, 50)
	n, err := s.ReadAt(buf, 80)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, data[80:], buf[:n])
	for _, c := range f.calls {
		assert.LessOrEqual(t, c.End(), int64(100), "fetch beyond known length")
	}

	_, err = s.Seek(80, io.SeekStart)
	require.NoError(t, err)
	n, err = s.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = s.Read(buf)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)

	n, err = s.ReadAt(buf, 500)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)
}

func TestShortFetchLatchesLength(t *testing.T) {
	data := testData(100)
	f := &sliceFetcher{data: data}
	s := newTestStream(t, f, WithPageSize(64))

	buf := make([]byte, 200)
	n, err := s.ReadAt(buf, 0)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data, buf[:n])

	length, known := s.Length()
	assert.True(t, known)
	assert.Equal(t, int64(100), length)
	assert.Equal(t, 2, s.Pages().CachedPages(), "tail page completes at the latched length")
}

func TestEmptyFetchAfterFullPagesLatchesLength(t *testing.T) {
	data := testData(32)
	f := &sliceFetcher{data: data}
	s := newTestStream(t, f, WithPageSize(16))

	_, err := s.ReadAt(make([]byte, 32), 0)
	require.NoError(t, err)

	n, err := s.ReadAt(make([]byte, 16), 32)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)

	length, known := s.Length()
	assert.True(t, known)
	assert.Equal(t, int64(32), length)
}

func TestLengthLatchesOnce(t *testing.T) {
	f := FetcherFunc(func(_ context.Context, req FetchRequest) (int64, error) {
		req.SetLength(100)
		req.SetLength(50)
		n, err := req.Dst.Write(make([]byte, req.Length))
		return int64(n), err
	})
	s := newTestStream(t, f, WithPageSize(16))

	_, err := s.ReadAt(make([]byte, 16), 0)
	require.NoError(t, err)

	length, known := s.Length()
	assert.True(t, known)
	assert.Equal(t, int64(100), length)
}

func TestFetchFailureLeavesPagesUnmarked(t *testing.T) {
	data := testData(64)
	f := &sliceFetcher{data: data, reportLength: true, err: errors.New("connection reset")}
	s := newTestStream(t, f, WithPageSize(16))

	buf := make([]byte, 32)
	_, err := s.ReadAt(buf, 0)
	require.Error(t, err)
	assert.True(t, mountkit.IsTransport(err))
	assert.Zero(t, s.Pages().CachedPages())

	f.err = nil
	n, err := s.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, data[:32], buf)
	assert.Len(t, f.calls, 2)
}

func TestPartialWriteBeforeFailureStaysUnmarked(t *testing.T) {
	f := FetcherFunc(func(_ context.Context, req FetchRequest) (int64, error) {
		n, _ := req.Dst.Write(make([]byte, req.Length/2))
		return int64(n), &mountkit.TransportError{Op: "GET", URL: "http://example.invalid", Err: io.ErrUnexpectedEOF}
	})
	s := newTestStream(t, f, WithPageSize(16))

	_, err := s.ReadAt(make([]byte, 32), 0)
	require.Error(t, err)
	assert.True(t, mountkit.IsTransport(err))
	assert.Zero(t, s.Pages().CachedPages())
}

func TestEarlierGapsSurviveLaterFailure(t *testing.T) {
	data := testData(64)
	calls := 0
	f := FetcherFunc(func(_ context.Context, req FetchRequest) (int64, error) {
		calls++
		if calls == 3 {
			return 0, errors.New("boom")
		}
		n, err := req.Dst.Write(data[req.Offset : req.Offset+req.Length])
		return int64(n), err
	})
	s := newTestStream(t, f, WithPageSize(16), WithLength(64))

	_, err := s.ReadAt(make([]byte, 16), 16)
	require.NoError(t, err)

	// Gaps are [0,16) and [32,64); the second fetch fails.
	_, err = s.ReadAt(make([]byte, 64), 0)
	require.Error(t, err)
	assert.True(t, s.Pages().IsCached(0))
	assert.False(t, s.Pages().IsCached(2))
}

func TestCancellationPropagates(t *testing.T) {
	f := &sliceFetcher{data: testData(32)}
	s := newTestStream(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ReadAtContext(ctx, make([]byte, 8), 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.calls)
}

func TestCancellationDuringFetchLeavesPagesUnmarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := FetcherFunc(func(_ context.Context, req FetchRequest) (int64, error) {
		n, err := req.Dst.Write(make([]byte, req.Length))
		cancel()
		return int64(n), err
	})
	s := newTestStream(t, f, WithPageSize(16))

	_, err := s.ReadAtContext(ctx, make([]byte, 16), 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.Pages().CachedPages())
}

func TestCappedResponsesAreContinued(t *testing.T) {
	data := testData(100)
	var offsets []int64
	f := FetcherFunc(func(_ context.Context, req FetchRequest) (int64, error) {
		offsets = append(offsets, req.Offset)
		req.SetLength(int64(len(data)))
		end := min(req.Offset+10, req.Offset+req.Length, int64(len(data)))
		n, err := req.Dst.Write(data[req.Offset:end])
		return int64(n), err
	})
	s := newTestStream(t, f, WithPageSize(64))

	buf := make([]byte, 64)
	n, err := s.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
	assert.Equal(t, data[:64], buf)
	assert.Equal(t, []int64{0, 10, 20, 30, 40, 50, 60}, offsets)

	got, err := io.ReadAll(io.NewSectionReader(s, 0, 100))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStalledSourceWithKnownLengthFails(t *testing.T) {
	calls := 0
	f := FetcherFunc(func(_ context.Context, req FetchRequest) (int64, error) {
		calls++
		if req.Offset == 0 {
			n, err := req.Dst.Write(make([]byte, 4))
			return int64(n), err
		}
		return 0, nil
	})
	s := newTestStream(t, f, WithPageSize(16), WithLength(64))

	_, err := s.ReadAt(make([]byte, 16), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, 2, calls)
}

type brokenSink struct {
	*MemorySink
}

func (brokenSink) ReadAt([]byte, int64) (int, error) {
	return 0, errors.New("disk gone")
}

func TestUnreadableCachedPageIsCorruption(t *testing.T) {
	f := &sliceFetcher{data: testData(32), reportLength: true}
	s := newTestStream(t, f, WithPageSize(16), WithSink(brokenSink{NewMemorySink()}))

	_, err := s.ReadAt(make([]byte, 16), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, mountkit.ErrCacheCorruption)
	assert.Equal(t, "cache_corruption", mountkit.ErrorClass(err))
}

func TestSeekEndProbesLength(t *testing.T) {
	data := testData(100)
	f := &sliceFetcher{data: data, reportLength: true}
	s := newTestStream(t, f, WithPageSize(16))

	pos, err := s.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(90), pos)
	assert.Equal(t, []Gap{{Offset: 0, Length: 16}}, f.calls)

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data[90:], got)
}

func TestSeekEndUnknownLength(t *testing.T) {
	f := &sliceFetcher{data: testData(1000)}
	s := newTestStream(t, f, WithPageSize(16))

	_, err := s.Seek(0, io.SeekEnd)
	assert.ErrorIs(t, err, ErrLengthUnknown)
}

func TestSeekRejectsNegativePosition(t *testing.T) {
	s := newTestStream(t, &sliceFetcher{data: testData(8)}, WithLength(8))

	_, err := s.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, mountkit.ErrInvalidRange)

	_, err = s.Seek(0, 42)
	assert.Error(t, err)
}

func TestSequentialReadAll(t *testing.T) {
	data := testData(1000)
	f := &sliceFetcher{data: data}
	s := newTestStream(t, f, WithPageSize(64))

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestObserverReceivesFetches(t *testing.T) {
	type event struct{ offset, n int64 }
	var events []event
	f := &sliceFetcher{data: testData(40), reportLength: true}
	s := newTestStream(t, f, WithPageSize(16), WithObserver(func(offset, n int64) {
		events = append(events, event{offset, n})
	}))

	_, err := s.ReadAt(make([]byte, 8), 20)
	require.NoError(t, err)
	assert.Equal(t, []event{{16, 16}}, events)
}

func TestClosedStream(t *testing.T) {
	s, err := New(context.Background(), &sliceFetcher{data: testData(8)})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)

	_, err = New(context.Background(), &sliceFetcher{}, WithPageSize(1000))
	assert.Error(t, err)
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	data := testData(100)
	f := &sliceFetcher{data: data, reportLength: true}
	s := newTestStream(t, f, WithPageSize(32), WithSink(sink))

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	require.NoError(t, s.Close())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file removed on close")
}

func TestMemorySinkSparseWrites(t *testing.T) {
	m := NewMemorySink()
	_, err := m.WriteAt([]byte("world"), 6)
	require.NoError(t, err)
	_, err = m.WriteAt([]byte("hello "), 0)
	require.NoError(t, err)

	buf := make([]byte, 11)
	n, err := m.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hello world", string(buf))

	n, err = m.ReadAt(buf, 8)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 3, n)
}

// patternFetcher serves byte(offset % 251) for any offset without holding
// the content.
type patternFetcher struct {
	calls []Gap
}

func (f *patternFetcher) Fetch(_ context.Context, req FetchRequest) (int64, error) {
	f.calls = append(f.calls, Gap{Offset: req.Offset, Length: req.Length})
	buf := make([]byte, 4096)
	var n int64
	for n < req.Length {
		chunk := buf[:min(int64(len(buf)), req.Length-n)]
		for i := range chunk {
			chunk[i] = byte((req.Offset + n + int64(i)) % 251)
		}
		w, err := req.Dst.Write(chunk)
		n += int64(w)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestReadNearEndOfLargeStreamAllocatesOnePage(t *testing.T) {
	const size = int64(1 << 30)
	sink := NewMemorySinkSize(DefaultPageSize)
	f := &patternFetcher{}
	s := newTestStream(t, f, WithLength(size), WithSink(sink))

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	p := make([]byte, 16)
	n, err := s.ReadAt(p, size-16)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	runtime.ReadMemStats(&after)

	for i, b := range p {
		assert.Equal(t, byte((size-16+int64(i))%251), b)
	}
	assert.Equal(t, []Gap{{Offset: size - DefaultPageSize, Length: DefaultPageSize}}, f.calls)
	assert.Equal(t, DefaultPageSize, sink.Allocated())
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20), "allocation must not follow the read offset")
}

func TestMemorySinkUnwrittenChunksReadAsZeros(t *testing.T) {
	m := NewMemorySinkSize(8)
	_, err := m.WriteAt([]byte("xy"), 20)
	require.NoError(t, err)
	assert.Equal(t, int64(8), m.Allocated())

	buf := make([]byte, 22)
	n, err := m.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 22, n)
	assert.Equal(t, append(make([]byte, 20), 'x', 'y'), buf)

	require.NoError(t, m.Close())
	_, err = m.WriteAt([]byte("z"), 0)
	assert.ErrorIs(t, err, os.ErrClosed)
}
