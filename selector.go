package mountkit

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// NodeSelector filters nodes while walking the namespace.
//
// Example:
//
//	// All ISO images below /mirror
//	nodes, err := mountkit.Find(ctx, reg, "/mirror", mountkit.Glob("*.iso"), true)
//
//	// Immediate children only
//	nodes, err := mountkit.Find(ctx, reg, "/", mountkit.All(), false)
type NodeSelector interface {
	// Match returns true if the node should be included in results.
	Match(node *FileNode) bool

	// TraverseDescendants returns true if the directory's children should
	// be visited. Only called for directories.
	TraverseDescendants(node *FileNode) bool
}

// Find walks the listings below root and returns the files matching
// selector. Directories that no longer resolve are skipped, as are
// directories that lead back to one of their own ancestors through a
// symlink. When ctx ends during the walk, Find returns its error instead of
// partial results.
func Find(ctx context.Context, reg *Registry, root string, selector NodeSelector, recursive bool) ([]FileNode, error) {
	if selector == nil {
		selector = All()
	}

	listing := reg.ListDirectory(ctx, root)
	if !listing.Exists {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &PathError{Op: "find", Path: NormalizePath(root), Err: ErrNotFound}
	}

	w := &walker{reg: reg, selector: selector, recursive: recursive, ancestors: make(map[string]struct{})}
	if node := reg.Resolve(ctx, root); node.Exists {
		w.ancestors[dirKey(&node)] = struct{}{}
	}
	if err := w.walk(ctx, listing); err != nil {
		return nil, err
	}
	return w.results, nil
}

type walker struct {
	reg       *Registry
	selector  NodeSelector
	recursive bool
	ancestors map[string]struct{}
	results   []FileNode
}

// dirKey identifies a directory by its resolved host path when it has one,
// and by its VirtualPath otherwise.
func dirKey(dir *FileNode) string {
	if dir.Source.Kind == SourcePhysical && dir.Source.DiskPath != "" {
		if resolved, err := filepath.EvalSymlinks(dir.Source.DiskPath); err == nil {
			return "disk:" + resolved
		}
		return "disk:" + dir.Source.DiskPath
	}
	return "path:" + dir.Path
}

func (w *walker) walk(ctx context.Context, listing DirectoryListing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for i := range listing.Entries {
		node := &listing.Entries[i]
		if !node.IsDirectory {
			if w.selector.Match(node) {
				w.results = append(w.results, *node)
			}
			continue
		}
		if !w.recursive || !w.selector.TraverseDescendants(node) {
			continue
		}
		key := dirKey(node)
		if _, cycle := w.ancestors[key]; cycle {
			continue
		}
		child := w.reg.ListDirectory(ctx, node.Path)
		if !child.Exists {
			// A cancelled listing is contained as missing.
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		w.ancestors[key] = struct{}{}
		err := w.walk(ctx, child)
		delete(w.ancestors, key)
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

type allSelector struct{}

func (allSelector) Match(*FileNode) bool               { return true }
func (allSelector) TraverseDescendants(*FileNode) bool { return true }

// All returns a selector that matches every file.
func All() NodeSelector {
	return allSelector{}
}

type globSelector struct {
	g      glob.Glob
	byPath bool
}

// Glob creates a selector matching file names against a glob pattern.
// Patterns containing "/" are matched against the full path, with "*"
// stopping at separators and "**" crossing them.
//
//	Glob("*.iso")                // any .iso file
//	Glob("/mirror/**/SHA256SUMS") // checksum files anywhere below /mirror
//	Glob("{README,LICENSE}*")
//
// An invalid pattern matches nothing.
func Glob(pattern string) NodeSelector {
	byPath := strings.Contains(pattern, "/")
	var g glob.Glob
	var err error
	if byPath {
		g, err = glob.Compile(pattern, '/')
	} else {
		g, err = glob.Compile(pattern)
	}
	if err != nil {
		return funcSelector{
			matchFn:    func(*FileNode) bool { return false },
			traverseFn: func(*FileNode) bool { return false },
		}
	}
	return &globSelector{g: g, byPath: byPath}
}

func (s *globSelector) Match(node *FileNode) bool {
	if s.byPath {
		return s.g.Match(node.Path)
	}
	return s.g.Match(node.Name)
}

func (s *globSelector) TraverseDescendants(*FileNode) bool {
	return true
}

type depthSelector struct {
	maxDepth int
	basePath string
}

// Depth limits matches and traversal to maxDepth levels below basePath.
// Depth 1 = immediate children only.
func Depth(maxDepth int, basePath string) NodeSelector {
	return &depthSelector{
		maxDepth: maxDepth,
		basePath: NormalizePath(basePath),
	}
}

func (s *depthSelector) depth(p string) int {
	return len(SplitPath(p)) - len(SplitPath(s.basePath))
}

func (s *depthSelector) Match(node *FileNode) bool {
	return s.depth(node.Path) <= s.maxDepth
}

func (s *depthSelector) TraverseDescendants(node *FileNode) bool {
	return s.depth(node.Path) < s.maxDepth
}

type andSelector struct {
	selectors []NodeSelector
}

// And matches only if all selectors match.
func And(selectors ...NodeSelector) NodeSelector {
	return &andSelector{selectors: selectors}
}

func (s *andSelector) Match(node *FileNode) bool {
	for _, sel := range s.selectors {
		if !sel.Match(node) {
			return false
		}
	}
	return true
}

func (s *andSelector) TraverseDescendants(node *FileNode) bool {
	for _, sel := range s.selectors {
		if !sel.TraverseDescendants(node) {
			return false
		}
	}
	return true
}

type orSelector struct {
	selectors []NodeSelector
}

// Or matches if any selector matches.
func Or(selectors ...NodeSelector) NodeSelector {
	return &orSelector{selectors: selectors}
}

func (s *orSelector) Match(node *FileNode) bool {
	for _, sel := range s.selectors {
		if sel.Match(node) {
			return true
		}
	}
	return false
}

func (s *orSelector) TraverseDescendants(node *FileNode) bool {
	for _, sel := range s.selectors {
		if sel.TraverseDescendants(node) {
			return true
		}
	}
	return false
}

type notSelector struct {
	selector NodeSelector
}

// Not inverts a selector's match result.
func Not(selector NodeSelector) NodeSelector {
	return &notSelector{selector: selector}
}

func (s *notSelector) Match(node *FileNode) bool {
	return !s.selector.Match(node)
}

func (s *notSelector) TraverseDescendants(*FileNode) bool {
	return true
}

type funcSelector struct {
	matchFn    func(*FileNode) bool
	traverseFn func(*FileNode) bool
}

// FuncSelector creates a selector from a custom match function.
//
//	FuncSelector(func(n *mountkit.FileNode) bool {
//	    return n.SizeKnown() && n.Size > 1<<30
//	})
func FuncSelector(fn func(*FileNode) bool) NodeSelector {
	return funcSelector{
		matchFn:    fn,
		traverseFn: func(*FileNode) bool { return true },
	}
}

func (s funcSelector) Match(node *FileNode) bool               { return s.matchFn(node) }
func (s funcSelector) TraverseDescendants(node *FileNode) bool { return s.traverseFn(node) }
