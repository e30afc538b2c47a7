// Package httpapi serves the mount namespace over plain HTTP: files with
// Range support, directories as HTML or JSON listings.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/mountkit"
	"github.com/gobeaver/mountkit/rangecache"
)

// Server is the browse front-end over a Registry.
type Server struct {
	reg    *mountkit.Registry
	logger *zap.Logger
}

// New creates a browse server. A nil logger disables logging.
func New(reg *mountkit.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{reg: reg, logger: logger}
}

// Handler returns the HTTP handler. Only GET and HEAD are served.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /_mounts", s.handleMounts)
	mux.HandleFunc("GET /", s.handleNode)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "GET, HEAD")
		sendError(w, r, http.StatusMethodNotAllowed, "read-only namespace")
	})
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mounts": len(s.reg.Mounts())})
}

type mountJSON struct {
	Prefix   string `json:"prefix"`
	Provider string `json:"provider"`
}

func (s *Server) handleMounts(w http.ResponseWriter, r *http.Request) {
	regs := s.reg.Mounts()
	out := make([]mountJSON, 0, len(regs))
	for _, reg := range regs {
		out = append(out, mountJSON{Prefix: reg.Prefix, Provider: providerName(reg.Provider)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	p := mountkit.NormalizePath(r.URL.Path)
	node := s.reg.Resolve(r.Context(), p)
	if !node.Exists {
		sendError(w, r, http.StatusNotFound, "not found: "+p)
		return
	}
	if node.IsDirectory {
		s.serveDirectory(w, r, p)
		return
	}
	s.serveFile(w, r, node)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, node mountkit.FileNode) {
	logger := s.logger.With(zap.String("path", node.Path), zap.Stringer("source", node.Source.Kind))

	rs, err := mountkit.OpenRead(r.Context(), node)
	if err != nil {
		s.contentError(w, r, logger, err)
		return
	}
	defer rs.Close()

	if node.ETag != "" {
		w.Header().Set("ETag", quoteETag(node.ETag))
	}
	if node.ContentType != "" {
		w.Header().Set("Content-Type", node.ContentType)
	}

	// ServeContent seeks to the end to learn the size; a failure there is
	// the first contact with a remote backend and maps to a gateway error.
	if _, err := rs.Seek(0, io.SeekEnd); err != nil {
		if errors.Is(err, rangecache.ErrLengthUnknown) {
			s.streamWhole(w, r, logger, rs)
			return
		}
		s.contentError(w, r, logger, err)
		return
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		s.contentError(w, r, logger, err)
		return
	}
	if node.Source.Kind == mountkit.SourceRemote && node.Size > 0 && r.Header.Get("Range") == "" && r.Method != http.MethodHead {
		var probe [1]byte
		if _, err := io.ReadFull(rs, probe[:]); err != nil {
			s.contentError(w, r, logger, err)
			return
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			s.contentError(w, r, logger, err)
			return
		}
	}

	http.ServeContent(w, r, node.Name, node.LastModified, rs)
}

// streamWhole sends content whose length cannot be determined, without
// Range support.
func (s *Server) streamWhole(w http.ResponseWriter, r *http.Request, logger *zap.Logger, rs io.ReadSeeker) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		s.contentError(w, r, logger, err)
		return
	}
	w.Header().Set("Accept-Ranges", "none")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rs); err != nil {
		logger.Warn("content stream interrupted", zap.Error(err))
	}
}

func (s *Server) contentError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := statusFor(err)
	logger.Warn("content unavailable",
		zap.Int("status", status),
		zap.String("error_class", mountkit.ErrorClass(err)),
		zap.Error(err),
	)
	sendError(w, r, status, http.StatusText(status))
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case mountkit.IsNotFound(err):
		return http.StatusNotFound
	case mountkit.IsAuth(err), mountkit.IsTransport(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, mountkit.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, mountkit.ErrIsDir), errors.Is(err, mountkit.ErrNoContent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type entryJSON struct {
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	IsDir        bool       `json:"is_dir"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	ETag         string     `json:"etag,omitempty"`
	ContentType  string     `json:"content_type,omitempty"`
}

type listingJSON struct {
	Path    string      `json:"path"`
	Glob    string      `json:"glob,omitempty"`
	Entries []entryJSON `json:"entries"`
}

func (s *Server) serveDirectory(w http.ResponseWriter, r *http.Request, p string) {
	q := r.URL.Query()
	pattern := q.Get("glob")

	var entries []mountkit.FileNode
	if pattern != "" {
		found, err := mountkit.Find(r.Context(), s.reg, p, mountkit.Glob(pattern), q.Get("recursive") != "")
		if err != nil {
			sendError(w, r, statusFor(err), err.Error())
			return
		}
		entries = found
	} else {
		listing := s.reg.ListDirectory(r.Context(), p)
		if !listing.Exists {
			sendError(w, r, http.StatusNotFound, "not found: "+p)
			return
		}
		entries = listing.Entries
	}

	out := listingJSON{Path: p, Glob: pattern, Entries: make([]entryJSON, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, toEntryJSON(e))
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, out)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := listingTemplate.Execute(w, listingPage{listingJSON: out, Parent: parentLink(p)}); err != nil {
		s.logger.Warn("render listing", zap.String("path", p), zap.Error(err))
	}
}

func toEntryJSON(n mountkit.FileNode) entryJSON {
	e := entryJSON{
		Name:        n.Name,
		Path:        n.Path,
		IsDir:       n.IsDirectory,
		Size:        n.Size,
		ETag:        n.ETag,
		ContentType: n.ContentType,
	}
	if !n.LastModified.IsZero() {
		t := n.LastModified.UTC()
		e.LastModified = &t
	}
	return e
}

func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("format") == "json" {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

func parentLink(p string) string {
	if p == "/" {
		return ""
	}
	return mountkit.ParentPath(p)
}

func quoteETag(tag string) string {
	if strings.HasPrefix(tag, `"`) || strings.HasPrefix(tag, `W/"`) {
		return tag
	}
	return `"` + tag + `"`
}

func providerName(p mountkit.Provider) string {
	if u, ok := p.(interface{ Unwrap() mountkit.Provider }); ok {
		p = u.Unwrap()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", p), "*")
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

type errorJSON struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	if wantsJSON(r) {
		writeJSON(w, code, errorJSON{Error: message, Code: code})
		return
	}
	http.Error(w, message, code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type listingPage struct {
	listingJSON
	Parent string
}

var listingTemplate = template.Must(template.New("listing").Funcs(template.FuncMap{
	"size": func(e entryJSON) string {
		if e.IsDir || e.Size < 0 {
			return "-"
		}
		return humanSize(e.Size)
	},
}).Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<table>
<tr><th>Name</th><th>Size</th><th>Modified</th></tr>
{{if .Parent}}<tr><td><a href="{{.Parent}}">..</a></td><td></td><td></td></tr>
{{end}}{{range .Entries}}<tr><td><a href="{{.Path}}">{{.Name}}{{if .IsDir}}/{{end}}</a></td><td>{{size .}}</td><td>{{with .LastModified}}{{.Format "2006-01-02 15:04"}}{{end}}</td></tr>
{{end}}</table>
</body></html>
`))
