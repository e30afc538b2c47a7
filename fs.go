package mountkit

import (
	"context"
	"io"
	"time"
)

// SourceKind identifies where the bytes of a FileNode come from.
type SourceKind int

const (
	// SourceSynthetic marks directory-only nodes with no content.
	SourceSynthetic SourceKind = iota
	// SourceEmbedded marks content carried in memory by the node itself.
	SourceEmbedded
	// SourcePhysical marks content stored on the local disk.
	SourcePhysical
	// SourceRemote marks content fetched through a backend handle.
	SourceRemote
)

func (k SourceKind) String() string {
	switch k {
	case SourceSynthetic:
		return "synthetic"
	case SourceEmbedded:
		return "embedded"
	case SourcePhysical:
		return "physical"
	case SourceRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ContentSource is a tagged variant describing how to obtain a node's bytes.
// Only the fields belonging to Kind are meaningful.
type ContentSource struct {
	Kind SourceKind

	// Data holds the literal bytes of an Embedded source.
	Data []byte

	// DiskPath is the host path of a Physical source.
	DiskPath string

	// URL and Opener describe a Remote source. Opener may be nil when the
	// node is metadata only.
	URL    string
	Opener ContentOpener
}

// Synthetic returns the source of a directory that exists only in the namespace.
func Synthetic() ContentSource {
	return ContentSource{Kind: SourceSynthetic}
}

// Embedded returns a source carrying data in memory.
func Embedded(data []byte) ContentSource {
	return ContentSource{Kind: SourceEmbedded, Data: data}
}

// Physical returns a source backed by a file or directory on disk.
func Physical(diskPath string) ContentSource {
	return ContentSource{Kind: SourcePhysical, DiskPath: diskPath}
}

// Remote returns a source read through opener from url.
func Remote(url string, opener ContentOpener) ContentSource {
	return ContentSource{Kind: SourceRemote, URL: url, Opener: opener}
}

// FileNode is the metadata of one file or directory in the virtual namespace.
type FileNode struct {
	Name         string
	Path         string
	IsDirectory  bool
	Exists       bool
	Size         int64 // -1 when unknown
	LastModified time.Time
	ETag         string
	ContentType  string
	Source       ContentSource
}

// NotFound returns the sentinel node for a path that does not resolve.
func NotFound(p string) FileNode {
	p = NormalizePath(p)
	return FileNode{
		Name:   BaseName(p),
		Path:   p,
		Size:   -1,
		Source: Synthetic(),
	}
}

// DirectoryNode returns an existing synthetic directory node at p.
func DirectoryNode(p string, modTime time.Time) FileNode {
	p = NormalizePath(p)
	return FileNode{
		Name:         BaseName(p),
		Path:         p,
		IsDirectory:  true,
		Exists:       true,
		Size:         -1,
		LastModified: modTime,
		Source:       Synthetic(),
	}
}

// SizeKnown reports whether Size carries a real byte count.
func (n FileNode) SizeKnown() bool {
	return !n.IsDirectory && n.Size >= 0
}

// DirectoryListing holds the children of a directory path.
// A missing directory has Exists == false and no entries.
type DirectoryListing struct {
	Path    string
	Exists  bool
	Entries []FileNode
}

// MissingDirectory returns the NotFound sentinel listing for p.
func MissingDirectory(p string) DirectoryListing {
	return DirectoryListing{Path: NormalizePath(p)}
}

// Find returns the entry named name, if present.
func (l DirectoryListing) Find(name string) (FileNode, bool) {
	for _, e := range l.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return FileNode{}, false
}

// ============================================================================
// Provider Contract
// ============================================================================

// Provider resolves paths below one mount point against a storage backend.
// Paths passed to a Provider are VirtualPaths relative to the mount root,
// so "/" names the mount itself. Nodes returned carry the same relative paths;
// the Registry rebases them under the mount prefix.
//
// An absent path is reported with an error matching ErrNotFound.
type Provider interface {
	ResolveFile(ctx context.Context, relPath string) (FileNode, error)
	ResolveDirectory(ctx context.Context, relPath string) (DirectoryListing, error)
}

// ContentOpener opens the bytes behind a Remote node.
type ContentOpener interface {
	OpenContent(ctx context.Context, node FileNode) (io.ReadSeekCloser, error)
}

// ContentOpenerFunc adapts a function to ContentOpener.
type ContentOpenerFunc func(ctx context.Context, node FileNode) (io.ReadSeekCloser, error)

// OpenContent calls f.
func (f ContentOpenerFunc) OpenContent(ctx context.Context, node FileNode) (io.ReadSeekCloser, error) {
	return f(ctx, node)
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// CanWatch indicates the provider can signal changes below a path.
type CanWatch interface {
	Watch(ctx context.Context, relPath string) (ChangeToken, error)
}

// ChangeToken propagates notifications that a change has occurred.
type ChangeToken interface {
	// HasChanged reports whether a change has occurred.
	HasChanged() bool

	// ActiveChangeCallbacks reports whether the token proactively raises
	// callbacks. If false, consumers must poll HasChanged.
	ActiveChangeCallbacks() bool

	// RegisterChangeCallback registers a callback invoked when the entry
	// changes. The returned function unregisters it.
	RegisterChangeCallback(callback func()) (unregister func())
}
