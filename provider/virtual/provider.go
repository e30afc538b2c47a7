package virtual

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/mountkit"
	"github.com/gobeaver/mountkit/rangecache"
)

// Provider serves an immutable Tree.
type Provider struct {
	tree *Tree
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	opener  mountkit.ContentOpener
	modTime time.Time
	logger  *zap.Logger
}

// WithOpener sets the opener for url leaves. The default is an HTTP range
// cache opener on the shared client.
func WithOpener(o mountkit.ContentOpener) Option {
	return func(opts *options) {
		opts.opener = o
	}
}

// WithModTime stamps every node with t.
func WithModTime(t time.Time) Option {
	return func(opts *options) {
		opts.modTime = t
	}
}

// WithLogger sets the logger used to report skipped declarations.
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// New builds a provider over roots.
func New(roots []NodeSpec, opts ...Option) *Provider {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.opener == nil {
		o.opener = &rangecache.HTTPOpener{}
	}

	tree := Build("/", roots, BuildOptions{Opener: o.opener, ModTime: o.modTime})
	if tree.Skipped > 0 {
		o.logger.Debug("skipped invalid tree nodes", zap.Int("count", tree.Skipped))
	}
	return &Provider{tree: tree}
}

// FromSettings builds a provider from the settings of a "virtual:" mount.
func FromSettings(settings string, opts ...Option) (*Provider, error) {
	roots, err := DecodeSettings(settings)
	if err != nil {
		return nil, err
	}
	return New(roots, opts...), nil
}

// Tree returns the flattened tree.
func (p *Provider) Tree() *Tree {
	return p.tree
}

// ResolveFile implements mountkit.Provider.
func (p *Provider) ResolveFile(_ context.Context, relPath string) (mountkit.FileNode, error) {
	node, ok := p.tree.Lookup(relPath)
	if !ok {
		return mountkit.FileNode{}, &mountkit.PathError{Op: "resolve", Path: relPath, Err: mountkit.ErrNotFound}
	}
	return node, nil
}

// ResolveDirectory implements mountkit.Provider.
func (p *Provider) ResolveDirectory(_ context.Context, relPath string) (mountkit.DirectoryListing, error) {
	relPath = mountkit.NormalizePath(relPath)
	entries, ok := p.tree.List(relPath)
	if !ok {
		if _, exists := p.tree.Lookup(relPath); exists {
			return mountkit.DirectoryListing{}, &mountkit.PathError{Op: "list", Path: relPath, Err: mountkit.ErrNotDir}
		}
		return mountkit.DirectoryListing{}, &mountkit.PathError{Op: "list", Path: relPath, Err: mountkit.ErrNotFound}
	}
	return mountkit.DirectoryListing{Path: relPath, Exists: true, Entries: entries}, nil
}

// Watch implements mountkit.CanWatch. A tree never changes.
func (p *Provider) Watch(_ context.Context, relPath string) (mountkit.ChangeToken, error) {
	if _, ok := p.tree.Lookup(relPath); !ok {
		return nil, &mountkit.PathError{Op: "watch", Path: relPath, Err: mountkit.ErrNotFound}
	}
	return mountkit.NeverChangeToken{}, nil
}

var (
	_ mountkit.Provider = (*Provider)(nil)
	_ mountkit.CanWatch = (*Provider)(nil)
)
