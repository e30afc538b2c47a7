package mountkit

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors
var (
	ErrNotFound        = errors.New("not found")
	ErrNotDir          = errors.New("not a directory")
	ErrIsDir           = errors.New("is a directory")
	ErrNotSupported    = errors.New("operation not supported")
	ErrNotAllowed      = errors.New("operation not allowed")
	ErrInvalidSpec     = errors.New("invalid tree spec")
	ErrInvalidRange    = errors.New("invalid byte range")
	ErrCacheCorruption = errors.New("cache corruption")
	ErrNoContent       = errors.New("node has no content source")
)

// PathError records an error and the operation and path that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// TransportError is a network or API failure talking to a backend.
// It is never retried by the core.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int // 0 when no response was received
	Reason     string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Reason != "":
		return fmt.Sprintf("%s %s: %d %s", e.Op, e.URL, e.StatusCode, e.Reason)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d", e.Op, e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError reports an expired or invalid backend credential. Callers may
// refresh credentials and retry once.
type AuthError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: authentication failed: %d %s", e.Backend, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Backend, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// StatusError builds the error for a non-success HTTP status: AuthError for
// 401/403, TransportError otherwise.
func StatusError(backend, op, url string, resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Backend: backend, StatusCode: resp.StatusCode}
	}
	return &TransportError{
		Op:         op,
		URL:        url,
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
	}
}

// reasonPhrase extracts the reason from a status line such as "404 Not Found".
func reasonPhrase(resp *http.Response) string {
	prefix := fmt.Sprintf("%d ", resp.StatusCode)
	if len(resp.Status) > len(prefix) && resp.Status[:len(prefix)] == prefix {
		return resp.Status[len(prefix):]
	}
	return http.StatusText(resp.StatusCode)
}

// IsNotFound reports whether err indicates an absent path.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransport reports whether err is a backend transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuth reports whether err is a backend authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ErrorClass names the taxonomy bucket of err for logs and metrics.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsNotFound(err):
		return "not_found"
	case IsAuth(err):
		return "auth"
	case IsTransport(err):
		return "transport"
	case errors.Is(err, ErrCacheCorruption):
		return "cache_corruption"
	default:
		return "other"
	}
}
