// Package local serves a directory of the host filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gobeaver/mountkit"
)

// Provider resolves paths against a root directory. Symlinks are followed
// only while they stay below the root.
type Provider struct {
	root   string
	logger *zap.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger for watch errors.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a provider rooted at root, which must be an existing directory.
func New(root string, opts ...Option) (*Provider, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("local root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local root %s: %w", root, mountkit.ErrNotDir)
	}

	p := &Provider{root: absRoot, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Root returns the absolute root directory.
func (p *Provider) Root() string {
	return p.root
}

// ResolveFile implements mountkit.Provider.
func (p *Provider) ResolveFile(ctx context.Context, relPath string) (mountkit.FileNode, error) {
	select {
	case <-ctx.Done():
		return mountkit.FileNode{}, ctx.Err()
	default:
	}

	relPath = mountkit.NormalizePath(relPath)
	fullPath, err := p.fullPath("resolve", relPath)
	if err != nil {
		return mountkit.FileNode{}, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return mountkit.FileNode{}, statError("resolve", relPath, err)
	}

	node := p.node(relPath, fullPath, info)
	if !info.IsDir() {
		node.ContentType = getContentType(fullPath)
	}
	return node, nil
}

// ResolveDirectory implements mountkit.Provider.
func (p *Provider) ResolveDirectory(ctx context.Context, relPath string) (mountkit.DirectoryListing, error) {
	select {
	case <-ctx.Done():
		return mountkit.DirectoryListing{}, ctx.Err()
	default:
	}

	relPath = mountkit.NormalizePath(relPath)
	fullPath, err := p.fullPath("list", relPath)
	if err != nil {
		return mountkit.DirectoryListing{}, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return mountkit.DirectoryListing{}, statError("list", relPath, err)
	}
	if !info.IsDir() {
		return mountkit.DirectoryListing{}, &mountkit.PathError{Op: "list", Path: relPath, Err: mountkit.ErrNotDir}
	}

	dirEntries, err := os.ReadDir(fullPath)
	if err != nil {
		return mountkit.DirectoryListing{}, &mountkit.PathError{Op: "list", Path: relPath, Err: err}
	}

	entries := make([]mountkit.FileNode, 0, len(dirEntries))
	for _, de := range dirEntries {
		childRel := mountkit.JoinPath(relPath, de.Name())
		childFull := filepath.Join(fullPath, de.Name())

		if de.Type()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(childFull)
			if err != nil || !isPathUnderRoot(p.root, target) {
				continue
			}
		}
		childInfo, err := os.Stat(childFull)
		if err != nil {
			// Vanished or unreadable since ReadDir
			continue
		}

		node := p.node(childRel, childFull, childInfo)
		if !childInfo.IsDir() {
			node.ContentType = mountkit.GuessContentType(childFull, nil)
		}
		entries = append(entries, node)
	}

	return mountkit.DirectoryListing{Path: relPath, Exists: true, Entries: entries}, nil
}

func (p *Provider) node(relPath, fullPath string, info os.FileInfo) mountkit.FileNode {
	node := mountkit.FileNode{
		Name:         mountkit.BaseName(relPath),
		Path:         relPath,
		IsDirectory:  info.IsDir(),
		Exists:       true,
		Size:         -1,
		LastModified: info.ModTime().UTC(),
		Source:       mountkit.Physical(fullPath),
	}
	if !info.IsDir() {
		node.Size = info.Size()
		node.ETag = mountkit.StatETag(fullPath, info.Size(), info.ModTime())
	}
	return node
}

// fullPath maps a relative VirtualPath to the host path, rejecting paths
// that leave the root through symlinks.
func (p *Provider) fullPath(op, relPath string) (string, error) {
	fullPath := filepath.Join(p.root, filepath.FromSlash(strings.TrimPrefix(relPath, "/")))
	if !isPathUnderRoot(p.root, fullPath) {
		return "", &mountkit.PathError{Op: op, Path: relPath, Err: mountkit.ErrNotAllowed}
	}

	resolved, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &mountkit.PathError{Op: op, Path: relPath, Err: mountkit.ErrNotFound}
		}
		return "", &mountkit.PathError{Op: op, Path: relPath, Err: err}
	}
	if !isPathUnderRoot(p.root, resolved) {
		return "", &mountkit.PathError{Op: op, Path: relPath, Err: mountkit.ErrNotAllowed}
	}
	return resolved, nil
}

func statError(op, relPath string, err error) error {
	if os.IsNotExist(err) {
		return &mountkit.PathError{Op: op, Path: relPath, Err: mountkit.ErrNotFound}
	}
	return &mountkit.PathError{Op: op, Path: relPath, Err: err}
}

// Watch implements mountkit.CanWatch. The token fires once on the first
// filesystem event below relPath, or beside it when relPath is a file.
func (p *Provider) Watch(ctx context.Context, relPath string) (mountkit.ChangeToken, error) {
	relPath = mountkit.NormalizePath(relPath)
	fullPath, err := p.fullPath("watch", relPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, statError("watch", relPath, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &mountkit.PathError{Op: "watch", Path: relPath, Err: err}
	}

	watchPath := fullPath
	if !info.IsDir() {
		watchPath = filepath.Dir(fullPath)
	}
	if err := watcher.Add(watchPath); err != nil {
		watcher.Close()
		return nil, &mountkit.PathError{Op: "watch", Path: relPath, Err: err}
	}
	if info.IsDir() {
		_ = filepath.WalkDir(watchPath, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() && path != watchPath {
				if err := watcher.Add(path); err != nil {
					p.logger.Debug("watch subdirectory failed", zap.String("path", path), zap.Error(err))
				}
			}
			return nil
		})
	}

	token := mountkit.NewCallbackChangeToken()
	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !info.IsDir() && event.Name != fullPath {
					continue
				}
				token.SignalChange()
				return // Token is spent after first change
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("filesystem watch error", zap.String("root", p.root), zap.String("path", relPath), zap.Error(err))
			}
		}
	}()

	return token, nil
}

// isPathUnderRoot checks if a path is under a given root directory
func isPathUnderRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// getContentType tries the extension first, then sniffs the file header.
func getContentType(path string) string {
	if ct := mountkit.GuessContentType(path, nil); ct != mountkit.MIMETypeOctetStream {
		return ct
	}

	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return mountkit.GuessContentType(path, buffer[:n])
}

var (
	_ mountkit.Provider = (*Provider)(nil)
	_ mountkit.CanWatch = (*Provider)(nil)
)
