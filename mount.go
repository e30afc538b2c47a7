package mountkit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMountNotFound is returned when no mount point matches the prefix
	ErrMountNotFound = errors.New("no mount point found for path")
	// ErrMountExists is returned when trying to mount at an existing prefix
	ErrMountExists = errors.New("mount point already exists")
	// ErrEmptyMountPath is returned when the mount prefix is empty
	ErrEmptyMountPath = errors.New("mount path cannot be empty")
	// ErrNilProvider is returned when trying to mount a nil provider
	ErrNilProvider = errors.New("provider cannot be nil")
)

// Registration binds a provider to a mount prefix. A registration is
// immutable; replacing a provider means removing and adding it again.
type Registration struct {
	Prefix   string
	Provider Provider
}

// snapshot is an immutable view of the registry. A new one is built on every
// change and swapped in atomically.
type snapshot struct {
	// ancestors holds synthetic directories for every proper ancestor of a
	// prefix that is not itself a prefix.
	ancestors map[string]FileNode
	// children maps a directory path to the mount points and synthetic
	// directories directly below it.
	children map[string][]FileNode
	// registrations are ordered longest prefix first.
	registrations []Registration
}

// owner returns the registration whose prefix is the longest ancestor of p.
func (s *snapshot) owner(p string) (Registration, bool) {
	for _, reg := range s.registrations {
		if IsAncestorPath(reg.Prefix, p) {
			return reg, true
		}
	}
	return Registration{}, false
}

// Registry resolves virtual paths across mounted providers. Readers never
// block: every lookup works on one consistent snapshot, and writers replace
// the snapshot wholesale.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[snapshot]

	logger    *zap.Logger
	onFailure func(prefix, path string, err error)
	now       func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used to report contained provider failures.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithFailureHook sets a callback invoked for every contained provider
// failure. NotFound results are not failures.
func WithFailureHook(fn func(prefix, path string, err error)) RegistryOption {
	return func(r *Registry) {
		r.onFailure = fn
	}
}

// WithClock overrides the time source used for synthetic directories.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry. The root directory always exists.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	s, _ := buildSnapshot(nil, r.now())
	r.current.Store(s)
	return r
}

// RegisterProvider mounts p at prefix.
//
// Example:
//
//	reg.RegisterProvider("/local", localProvider)
//	reg.RegisterProvider("/cloud", s3Provider)
//	reg.RegisterProvider("/cloud/archive", archiveProvider) // nested mounts supported
func (r *Registry) RegisterProvider(prefix string, p Provider) error {
	if prefix == "" {
		return ErrEmptyMountPath
	}
	if p == nil {
		return ErrNilProvider
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	regs := make([]Registration, 0, len(old.registrations)+1)
	regs = append(regs, old.registrations...)
	regs = append(regs, Registration{Prefix: prefix, Provider: p})

	s, err := buildSnapshot(regs, r.now())
	if err != nil {
		return err
	}
	r.current.Store(s)
	return nil
}

// Unregister removes the mounts at the given prefixes in one step. Unknown
// prefixes are reported with ErrMountNotFound after the known ones are removed.
func (r *Registry) Unregister(prefixes ...string) error {
	drop := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		drop[NormalizePath(p)] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	regs := make([]Registration, 0, len(old.registrations))
	for _, reg := range old.registrations {
		if drop[reg.Prefix] {
			delete(drop, reg.Prefix)
			continue
		}
		regs = append(regs, reg)
	}

	s, err := buildSnapshot(regs, r.now())
	if err != nil {
		return err
	}
	r.current.Store(s)

	if len(drop) > 0 {
		missing := make([]string, 0, len(drop))
		for p := range drop {
			missing = append(missing, p)
		}
		sort.Strings(missing)
		return fmt.Errorf("%w: %v", ErrMountNotFound, missing)
	}
	return nil
}

// Reconfigure replaces every registration at once. On error the current
// configuration is left untouched.
func (r *Registry) Reconfigure(regs []Registration) error {
	for _, reg := range regs {
		if reg.Prefix == "" {
			return ErrEmptyMountPath
		}
		if reg.Provider == nil {
			return fmt.Errorf("%w: %s", ErrNilProvider, reg.Prefix)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := buildSnapshot(regs, r.now())
	if err != nil {
		return err
	}
	r.current.Store(s)
	return nil
}

// Mounts returns the current registrations, longest prefix first.
func (r *Registry) Mounts() []Registration {
	s := r.current.Load()
	out := make([]Registration, len(s.registrations))
	copy(out, s.registrations)
	return out
}

// Resolve returns the node at p, or the NotFound sentinel. Provider failures
// are logged and reported as NotFound.
func (r *Registry) Resolve(ctx context.Context, p string) FileNode {
	p = NormalizePath(p)
	s := r.current.Load()

	if node, ok := s.ancestors[p]; ok {
		return node
	}

	reg, ok := s.owner(p)
	if !ok {
		return NotFound(p)
	}

	rel := TrimPrefixPath(reg.Prefix, p)
	var node FileNode
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		node, err = reg.Provider.ResolveFile(ctx, rel)
		return err
	})
	if err != nil {
		r.contain(reg, "resolve", p, err)
		return NotFound(p)
	}
	if !node.Exists {
		return NotFound(p)
	}
	return rebase(reg.Prefix, node)
}

// ListDirectory returns the children of p, or the NotFound sentinel listing.
// Mount points below p are listed as synthetic directories and take
// precedence over provider entries with the same name.
func (r *Registry) ListDirectory(ctx context.Context, p string) DirectoryListing {
	p = NormalizePath(p)
	s := r.current.Load()

	_, exists := s.ancestors[p]
	var entries []FileNode

	if reg, ok := s.owner(p); ok {
		rel := TrimPrefixPath(reg.Prefix, p)
		var listing DirectoryListing
		err := r.guard(ctx, func(ctx context.Context) error {
			var err error
			listing, err = reg.Provider.ResolveDirectory(ctx, rel)
			return err
		})
		switch {
		case err != nil:
			r.contain(reg, "list", p, err)
		case listing.Exists:
			exists = true
			entries = make([]FileNode, 0, len(listing.Entries))
			for _, e := range listing.Entries {
				entries = append(entries, rebase(reg.Prefix, e))
			}
		}
	}

	if !exists {
		return MissingDirectory(p)
	}

	return DirectoryListing{
		Path:    p,
		Exists:  true,
		Entries: mergeEntries(entries, s.children[p]),
	}
}

// Watch returns a token signalled when content below p changes, for
// providers that support it.
func (r *Registry) Watch(ctx context.Context, p string) (ChangeToken, error) {
	p = NormalizePath(p)
	s := r.current.Load()

	reg, ok := s.owner(p)
	if !ok {
		return nil, &PathError{Op: "watch", Path: p, Err: ErrMountNotFound}
	}
	watcher, ok := reg.Provider.(CanWatch)
	if !ok {
		return nil, &PathError{Op: "watch", Path: p, Err: ErrNotSupported}
	}
	return watcher.Watch(ctx, TrimPrefixPath(reg.Prefix, p))
}

// guard runs a provider call, converting panics into errors so one broken
// provider cannot take down the caller.
func (r *Registry) guard(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("provider panic: %v", v)
		}
	}()
	return fn(ctx)
}

// contain logs a provider failure. Auth and transport failures are logged
// at error level so operators can tell them apart from plain bugs.
func (r *Registry) contain(reg Registration, op, p string, err error) {
	if IsNotFound(err) || errors.Is(err, ErrNotDir) {
		return
	}

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("prefix", reg.Prefix),
		zap.String("path", p),
		zap.String("error_class", ErrorClass(err)),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.logger.Debug("provider call abandoned", fields...)
	case IsAuth(err), IsTransport(err):
		r.logger.Error("provider backend failure", fields...)
	default:
		r.logger.Warn("provider failure", fields...)
	}

	if r.onFailure != nil {
		r.onFailure(reg.Prefix, p, err)
	}
}

// rebase moves a provider-relative node under its mount prefix.
func rebase(prefix string, node FileNode) FileNode {
	node.Path = JoinPath(prefix, node.Path)
	node.Name = BaseName(node.Path)
	return node
}

// mergeEntries combines provider entries with mount point entries. Mount
// points win on name collisions. The result is sorted by name.
func mergeEntries(entries, mounts []FileNode) []FileNode {
	if len(mounts) == 0 {
		sortNodes(entries)
		return entries
	}

	taken := make(map[string]bool, len(mounts))
	out := make([]FileNode, 0, len(entries)+len(mounts))
	for _, m := range mounts {
		taken[m.Name] = true
		out = append(out, m)
	}
	for _, e := range entries {
		if !taken[e.Name] {
			out = append(out, e)
		}
	}
	sortNodes(out)
	return out
}

func sortNodes(nodes []FileNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Name < nodes[j].Name
	})
}

// buildSnapshot validates regs and derives the ancestor directories.
func buildSnapshot(regs []Registration, now time.Time) (*snapshot, error) {
	s := &snapshot{
		ancestors:     make(map[string]FileNode),
		children:      make(map[string][]FileNode),
		registrations: make([]Registration, 0, len(regs)),
	}

	prefixes := make(map[string]bool, len(regs))
	for _, reg := range regs {
		if reg.Provider == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilProvider, reg.Prefix)
		}
		prefix := NormalizePath(reg.Prefix)
		if prefixes[prefix] {
			return nil, fmt.Errorf("%w: %s", ErrMountExists, prefix)
		}
		prefixes[prefix] = true
		s.registrations = append(s.registrations, Registration{Prefix: prefix, Provider: reg.Provider})
	}

	// Longest prefix first; prefixes are unique so the order is total.
	sort.Slice(s.registrations, func(i, j int) bool {
		a, b := s.registrations[i].Prefix, s.registrations[j].Prefix
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})

	if !prefixes["/"] {
		s.ancestors["/"] = DirectoryNode("/", now)
	}

	seen := make(map[string]bool)
	addChild := func(p string) {
		if p == "/" || seen[p] {
			return
		}
		seen[p] = true
		parent := ParentPath(p)
		s.children[parent] = append(s.children[parent], DirectoryNode(p, now))
	}

	for _, reg := range s.registrations {
		for _, a := range ancestorsOf(reg.Prefix) {
			if !prefixes[a] {
				if _, ok := s.ancestors[a]; !ok {
					s.ancestors[a] = DirectoryNode(a, now)
				}
			}
			addChild(a)
		}
		addChild(reg.Prefix)
	}

	for p := range s.children {
		sortNodes(s.children[p])
	}
	return s, nil
}
