package rangecache

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gobeaver/mountkit"
)

// Sink kinds accepted by HTTPOpener.
const (
	SinkMemory = "memory"
	SinkFile   = "file"
)

// HTTPOpener opens Remote nodes as Streams over an HTTPFetcher.
type HTTPOpener struct {
	Client  *http.Client
	Header  http.Header
	Backend string

	PageSize int64
	Sink     string // SinkMemory (default) or SinkFile
	TempDir  string

	// URLFunc overrides the node URL, for locations that must be re-signed.
	URLFunc func(ctx context.Context, node mountkit.FileNode) (string, error)

	// Observer receives (url, offset, bytes) after every fetch.
	Observer func(url string, offset, n int64)
}

// NewHTTPOpener builds an opener from the library configuration.
func NewHTTPOpener(cfg *mountkit.Config, client *http.Client) *HTTPOpener {
	o := &HTTPOpener{Client: client}
	if cfg == nil {
		return o
	}
	o.PageSize = cfg.PageSize
	o.Sink = cfg.CacheSink
	o.TempDir = cfg.TempDir
	if cfg.UserAgent != "" {
		o.Header = http.Header{"User-Agent": []string{cfg.UserAgent}}
	}
	return o
}

// OpenContent implements mountkit.ContentOpener.
func (o *HTTPOpener) OpenContent(ctx context.Context, node mountkit.FileNode) (io.ReadSeekCloser, error) {
	if node.Source.Kind != mountkit.SourceRemote {
		return nil, fmt.Errorf("rangecache: %s is a %s node: %w", node.Path, node.Source.Kind, mountkit.ErrNoContent)
	}

	fetcher := &HTTPFetcher{
		Client:  o.Client,
		URL:     node.Source.URL,
		Header:  o.Header,
		Backend: o.Backend,
	}
	if o.URLFunc != nil {
		fetcher.URLFunc = func(ctx context.Context) (string, error) {
			return o.URLFunc(ctx, node)
		}
	}

	sink, err := o.newSink()
	if err != nil {
		return nil, err
	}

	opts := []Option{WithSink(sink), WithName(node.Source.URL)}
	if o.PageSize > 0 {
		opts = append(opts, WithPageSize(o.PageSize))
	}
	if node.SizeKnown() {
		opts = append(opts, WithLength(node.Size))
	}
	if o.Observer != nil {
		url := node.Source.URL
		opts = append(opts, WithObserver(func(offset, n int64) {
			o.Observer(url, offset, n)
		}))
	}

	stream, err := New(ctx, fetcher, opts...)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	return stream, nil
}

func (o *HTTPOpener) newSink() (Sink, error) {
	switch o.Sink {
	case "", SinkMemory:
		return NewMemorySinkSize(o.PageSize), nil
	case SinkFile:
		return NewFileSink(o.TempDir)
	default:
		return nil, fmt.Errorf("rangecache: unknown sink kind %q", o.Sink)
	}
}

var _ mountkit.ContentOpener = (*HTTPOpener)(nil)
