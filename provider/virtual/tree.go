package virtual

import (
	"sort"
	"strings"
	"time"

	"github.com/gobeaver/mountkit"
)

// Dedup priorities. When two declarations produce the same path the higher
// priority wins; equal priorities keep the first declaration.
const (
	prioritySynthesized = iota // intermediate directory of a "a/b/c" name
	priorityDirectory          // node declared with children
	priorityRemote
	priorityEmbedded
)

// BuildOptions controls how leaves are materialized.
type BuildOptions struct {
	// Opener reads Remote leaves.
	Opener mountkit.ContentOpener

	// ModTime is stamped on every node.
	ModTime time.Time
}

// Tree is the flattened form of a tree document.
type Tree struct {
	Prefix   string
	Nodes    map[string]mountkit.FileNode
	Children map[string][]string

	// Skipped counts declarations dropped as invalid.
	Skipped int
}

type entry struct {
	node     mountkit.FileNode
	priority int
}

type builder struct {
	opts    BuildOptions
	entries map[string]entry
	skipped int
}

// Build flattens roots into a path map under prefix. Nodes with neither
// children, content nor url are skipped together with their subtree.
func Build(prefix string, roots []NodeSpec, opts BuildOptions) *Tree {
	prefix = mountkit.NormalizePath(prefix)
	if opts.ModTime.IsZero() {
		opts.ModTime = time.Now().UTC()
	}

	b := &builder{opts: opts, entries: make(map[string]entry)}
	b.put(mountkit.DirectoryNode(prefix, opts.ModTime), priorityDirectory)
	for _, spec := range roots {
		b.add(prefix, spec)
	}

	t := &Tree{
		Prefix:   prefix,
		Nodes:    make(map[string]mountkit.FileNode, len(b.entries)),
		Children: make(map[string][]string),
		Skipped:  b.skipped,
	}
	for p, e := range b.entries {
		t.Nodes[p] = e.node
	}
	t.link()
	return t
}

func (b *builder) add(parent string, spec NodeSpec) {
	segments := splitName(spec.Name)
	if segments == nil {
		b.skipped++
		return
	}

	var priority int
	switch {
	case spec.IsDirectory():
		priority = priorityDirectory
	case spec.Content != nil:
		priority = priorityEmbedded
	case spec.URL != "":
		priority = priorityRemote
	default:
		b.skipped++
		return
	}

	dir := parent
	for _, seg := range segments[:len(segments)-1] {
		dir = mountkit.JoinPath(dir, seg)
		b.put(mountkit.DirectoryNode(dir, b.opts.ModTime), prioritySynthesized)
	}
	p := mountkit.JoinPath(dir, segments[len(segments)-1])

	switch priority {
	case priorityDirectory:
		b.put(mountkit.DirectoryNode(p, b.opts.ModTime), priorityDirectory)
		for _, child := range spec.Children {
			b.add(p, child)
		}
	case priorityEmbedded:
		b.put(b.embedded(p, []byte(*spec.Content)), priorityEmbedded)
	case priorityRemote:
		b.put(b.remote(p, spec.URL), priorityRemote)
	}
}

func (b *builder) put(node mountkit.FileNode, priority int) {
	if cur, ok := b.entries[node.Path]; ok && cur.priority >= priority {
		return
	}
	b.entries[node.Path] = entry{node: node, priority: priority}
}

func (b *builder) embedded(p string, data []byte) mountkit.FileNode {
	return mountkit.FileNode{
		Name:         mountkit.BaseName(p),
		Path:         p,
		Exists:       true,
		Size:         int64(len(data)),
		LastModified: b.opts.ModTime,
		ETag:         mountkit.ContentETag(data),
		ContentType:  mountkit.GuessContentType(p, data),
		Source:       mountkit.Embedded(data),
	}
}

func (b *builder) remote(p, url string) mountkit.FileNode {
	return mountkit.FileNode{
		Name:         mountkit.BaseName(p),
		Path:         p,
		Exists:       true,
		Size:         -1,
		LastModified: b.opts.ModTime,
		ContentType:  mountkit.GuessContentType(p, nil),
		Source:       mountkit.Remote(url, b.opts.Opener),
	}
}

// link fills Children, dropping nodes stranded below a file.
func (t *Tree) link() {
	paths := make([]string, 0, len(t.Nodes))
	for p := range t.Nodes {
		paths = append(paths, p)
	}
	// Parents sort before their children.
	sort.Strings(paths)

	for _, p := range paths {
		if p == t.Prefix {
			continue
		}
		parent, ok := t.Nodes[mountkit.ParentPath(p)]
		if !ok || !parent.IsDirectory {
			delete(t.Nodes, p)
			continue
		}
		t.Children[parent.Path] = append(t.Children[parent.Path], mountkit.BaseName(p))
	}
}

// Lookup returns the node at p.
func (t *Tree) Lookup(p string) (mountkit.FileNode, bool) {
	node, ok := t.Nodes[mountkit.NormalizePath(p)]
	return node, ok
}

// List returns the children of the directory at p, sorted by name.
func (t *Tree) List(p string) ([]mountkit.FileNode, bool) {
	p = mountkit.NormalizePath(p)
	dir, ok := t.Nodes[p]
	if !ok || !dir.IsDirectory {
		return nil, false
	}
	names := t.Children[p]
	out := make([]mountkit.FileNode, 0, len(names))
	for _, name := range names {
		out = append(out, t.Nodes[mountkit.JoinPath(p, name)])
	}
	return out, true
}

// splitName splits a declared name into path segments. Names that are
// empty or climb out of their parent yield nil.
func splitName(name string) []string {
	name = strings.ReplaceAll(name, "\\", "/")
	var segments []string
	for _, seg := range strings.Split(name, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return nil
		}
		segments = append(segments, seg)
	}
	return segments
}
