package rangecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/mountkit"
)

var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          64,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewHTTPClient returns a client over a clone of the shared tuned transport.
// Zero values keep the defaults.
func NewHTTPClient(timeout time.Duration, maxIdleConns int) *http.Client {
	transport := defaultTransport.Clone()
	if maxIdleConns > 0 {
		transport.MaxIdleConns = maxIdleConns
		transport.MaxIdleConnsPerHost = max(maxIdleConns/4, 2)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// HTTPFetcher fills gaps with byte-range GET requests.
type HTTPFetcher struct {
	Client *http.Client

	// URL is the resource location. URLFunc, when set, is asked for the
	// location before every request, for URLs that expire.
	URL     string
	URLFunc func(ctx context.Context) (string, error)

	Header http.Header

	// Backend names the source in AuthError.
	Backend string

	mu           sync.Mutex
	contentType  string
	lastModified time.Time
	inspected    bool
}

// Inspection returns the Content-Type and Last-Modified captured from the
// first successful response. finished is false until one arrived.
func (f *HTTPFetcher) Inspection() (contentType string, lastModified time.Time, finished bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contentType, f.lastModified, f.inspected
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (int64, error) {
	target, err := f.location(ctx)
	if err != nil {
		return 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, &mountkit.TransportError{Op: "GET", URL: target, Err: err}
	}
	for key, values := range f.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.Offset, req.Offset+req.Length-1))

	client := f.Client
	if client == nil {
		client = sharedClient()
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, &mountkit.TransportError{Op: "GET", URL: target, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, size, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || start != req.Offset {
			return 0, &mountkit.TransportError{
				Op:         "GET",
				URL:        target,
				StatusCode: resp.StatusCode,
				Reason:     fmt.Sprintf("unexpected Content-Range %q for offset %d", resp.Header.Get("Content-Range"), req.Offset),
				Err:        err,
			}
		}
		if size >= 0 && req.SetLength != nil {
			req.SetLength(size)
		}

	case http.StatusOK:
		if req.Offset != 0 {
			return 0, &mountkit.TransportError{
				Op:         "GET",
				URL:        target,
				StatusCode: resp.StatusCode,
				Reason:     "server ignored Range request",
			}
		}
		if resp.ContentLength >= 0 && req.SetLength != nil {
			req.SetLength(resp.ContentLength)
		}

	case http.StatusRequestedRangeNotSatisfiable:
		_, _, size, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || size < 0 {
			return 0, mountkit.StatusError(f.Backend, "GET", target, resp)
		}
		if req.SetLength != nil {
			req.SetLength(size)
		}
		return 0, nil

	default:
		return 0, mountkit.StatusError(f.Backend, "GET", target, resp)
	}

	f.inspect(resp)

	n, err := io.CopyN(req.Dst, resp.Body, req.Length)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &mountkit.TransportError{Op: "read body", URL: target, Err: err}
	}
	if req.Observe != nil {
		req.Observe(req.Offset, n)
	}
	return n, nil
}

func (f *HTTPFetcher) location(ctx context.Context) (string, error) {
	if f.URLFunc == nil {
		if f.URL == "" {
			return "", errors.New("rangecache: fetcher has no URL")
		}
		return f.URL, nil
	}
	return f.URLFunc(ctx)
}

func (f *HTTPFetcher) inspect(resp *http.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inspected {
		return
	}
	f.inspected = true
	f.contentType = resp.Header.Get("Content-Type")
	if t, ok := parseLastModified(resp.Header.Get("Last-Modified")); ok {
		f.lastModified = t
	}
}

// parseContentRange parses "bytes start-end/size", "bytes start-end/*" and
// "bytes */size". Unknown parts are returned as -1.
func parseContentRange(v string) (start, end, size int64, err error) {
	start, end, size = -1, -1, -1

	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return start, end, size, fmt.Errorf("invalid Content-Range %q", v)
	}
	rng, total, ok := strings.Cut(spec, "/")
	if !ok {
		return start, end, size, fmt.Errorf("invalid Content-Range %q", v)
	}

	if total != "*" {
		if size, err = strconv.ParseInt(total, 10, 64); err != nil || size < 0 {
			return -1, -1, -1, fmt.Errorf("invalid Content-Range size %q", total)
		}
	}
	if rng == "*" {
		return start, end, size, nil
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return -1, -1, -1, fmt.Errorf("invalid Content-Range %q", v)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return -1, -1, -1, fmt.Errorf("invalid Content-Range start %q", first)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil || end < start {
		return -1, -1, -1, fmt.Errorf("invalid Content-Range end %q", last)
	}
	return start, end, size, nil
}

const utcTimeFormat = "Mon, 02 Jan 2006 15:04:05 UTC"

// parseLastModified accepts RFC 1123 dates with a GMT or UTC zone.
func parseLastModified(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(utcTimeFormat, v); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

var (
	sharedOnce sync.Once
	sharedHTTP *http.Client
)

// sharedClient is used by fetchers and openers built without a client.
func sharedClient() *http.Client {
	sharedOnce.Do(func() {
		sharedHTTP = NewHTTPClient(0, 0)
	})
	return sharedHTTP
}

var _ Fetcher = (*HTTPFetcher)(nil)
