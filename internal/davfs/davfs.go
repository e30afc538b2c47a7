// Package davfs exposes a Registry as a read-only WebDAV file system.
package davfs

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/gobeaver/mountkit"
)

// FS implements webdav.FileSystem over a Registry. Every mutating call
// fails with os.ErrPermission.
type FS struct {
	reg *mountkit.Registry
}

var _ webdav.FileSystem = (*FS)(nil)

// New returns a WebDAV file system over reg.
func New(reg *mountkit.Registry) *FS {
	return &FS{reg: reg}
}

// writeMethods never reach the file system.
var writeMethods = map[string]bool{
	http.MethodPut:    true,
	http.MethodDelete: true,
	"MKCOL":           true,
	"MOVE":            true,
	"COPY":            true,
	"PROPPATCH":       true,
}

// NewHandler creates the WebDAV handler mounted under prefix.
func NewHandler(reg *mountkit.Registry, prefix string, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	dav := &webdav.Handler{
		FileSystem: New(reg),
		LockSystem: webdav.NewMemLS(),
		Prefix:     prefix,
		Logger: func(r *http.Request, err error) {
			if err != nil && !os.IsNotExist(err) {
				logger.Warn("webdav request failed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("error_class", mountkit.ErrorClass(err)),
					zap.Error(err),
				)
			}
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if writeMethods[r.Method] {
			http.Error(w, "read-only namespace", http.StatusForbidden)
			return
		}
		dav.ServeHTTP(w, r)
	})
}

// Mkdir implements webdav.FileSystem.
func (*FS) Mkdir(context.Context, string, os.FileMode) error {
	return os.ErrPermission
}

// RemoveAll implements webdav.FileSystem.
func (*FS) RemoveAll(context.Context, string) error {
	return os.ErrPermission
}

// Rename implements webdav.FileSystem.
func (*FS) Rename(context.Context, string, string) error {
	return os.ErrPermission
}

// Stat implements webdav.FileSystem.
func (f *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	node := f.reg.Resolve(ctx, name)
	if !node.Exists {
		return nil, os.ErrNotExist
	}
	return fileInfo{node: node}, nil
}

// OpenFile implements webdav.FileSystem. Only read-only opens succeed.
func (f *FS) OpenFile(ctx context.Context, name string, flag int, _ os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	node := f.reg.Resolve(ctx, name)
	if !node.Exists {
		return nil, os.ErrNotExist
	}
	return &file{fs: f, ctx: ctx, node: node}, nil
}

// file implements webdav.File. Content is opened on first Read or Seek.
type file struct {
	fs   *FS
	ctx  context.Context
	node mountkit.FileNode

	rs      io.ReadSeekCloser
	entries []fs.FileInfo
	listed  bool
	dirPos  int
}

var _ webdav.File = (*file)(nil)

func (f *file) open() error {
	if f.rs != nil {
		return nil
	}
	if f.node.IsDirectory {
		return &fs.PathError{Op: "read", Path: f.node.Path, Err: mountkit.ErrIsDir}
	}
	rs, err := mountkit.OpenRead(f.ctx, f.node)
	if err != nil {
		return err
	}
	f.rs = rs
	return nil
}

func (f *file) Read(p []byte) (int, error) {
	if err := f.open(); err != nil {
		return 0, err
	}
	return f.rs.Read(p)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	if f.node.IsDirectory {
		return 0, nil
	}
	if err := f.open(); err != nil {
		return 0, err
	}
	return f.rs.Seek(offset, whence)
}

func (f *file) Write([]byte) (int, error) {
	return 0, os.ErrPermission
}

func (f *file) Close() error {
	if f.rs == nil {
		return nil
	}
	err := f.rs.Close()
	f.rs = nil
	return err
}

// Readdir follows os.File semantics: count <= 0 returns everything, a
// positive count pages through the listing and ends with io.EOF.
func (f *file) Readdir(count int) ([]fs.FileInfo, error) {
	if !f.node.IsDirectory {
		return nil, &fs.PathError{Op: "readdir", Path: f.node.Path, Err: mountkit.ErrNotDir}
	}
	if !f.listed {
		listing := f.fs.reg.ListDirectory(f.ctx, f.node.Path)
		if !listing.Exists {
			return nil, os.ErrNotExist
		}
		f.entries = make([]fs.FileInfo, 0, len(listing.Entries))
		for _, e := range listing.Entries {
			f.entries = append(f.entries, fileInfo{node: e})
		}
		f.listed = true
	}

	rest := f.entries[f.dirPos:]
	if count <= 0 {
		f.dirPos = len(f.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if count > len(rest) {
		count = len(rest)
	}
	f.dirPos += count
	return rest[:count], nil
}

func (f *file) Stat() (fs.FileInfo, error) {
	return fileInfo{node: f.node}, nil
}

// fileInfo adapts a FileNode to fs.FileInfo. It also carries the node's
// ETag and content type to the WebDAV handler.
type fileInfo struct {
	node mountkit.FileNode
}

var (
	_ webdav.ETager       = fileInfo{}
	_ webdav.ContentTyper = fileInfo{}
)

func (fi fileInfo) Name() string {
	if fi.node.Path == "/" {
		return "/"
	}
	return fi.node.Name
}

// Size reports zero for directories and for files whose size is unknown.
func (fi fileInfo) Size() int64 {
	if fi.node.IsDirectory || fi.node.Size < 0 {
		return 0
	}
	return fi.node.Size
}

func (fi fileInfo) Mode() fs.FileMode {
	if fi.node.IsDirectory {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

func (fi fileInfo) ModTime() time.Time { return fi.node.LastModified }
func (fi fileInfo) IsDir() bool        { return fi.node.IsDirectory }
func (fi fileInfo) Sys() any           { return fi.node }

func (fi fileInfo) ETag(context.Context) (string, error) {
	if fi.node.ETag == "" {
		return "", webdav.ErrNotImplemented
	}
	if fi.node.ETag[0] == '"' {
		return fi.node.ETag, nil
	}
	return `"` + fi.node.ETag + `"`, nil
}

func (fi fileInfo) ContentType(context.Context) (string, error) {
	if fi.node.ContentType == "" {
		return "", webdav.ErrNotImplemented
	}
	return fi.node.ContentType, nil
}
