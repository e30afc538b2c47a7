// Package github serves the file tree of a GitHub repository at one ref.
// Listings come from the Git trees API; file content is read from the raw
// host in byte ranges.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/mountkit"
	"github.com/gobeaver/mountkit/rangecache"
)

const (
	DefaultAPIURL = "https://api.github.com"
	DefaultRawURL = "https://raw.githubusercontent.com"
)

// Config holds the settings for a repository mount.
type Config struct {
	Owner string
	Repo  string
	Ref   string // branch, tag or commit; empty selects the default branch

	Token  string
	APIURL string
	RawURL string

	Client *http.Client
	Cache  mountkit.Cache
	TTLs   mountkit.TTLTiers

	// Opener reads file content. The default is a range cache opener that
	// sends the token.
	Opener mountkit.ContentOpener

	Logger *zap.Logger

	OnCacheHit  func(key string)
	OnCacheMiss func(key string)
}

// ParseSettings parses "owner/repo[@ref]".
func ParseSettings(settings string) (owner, repo, ref string, err error) {
	s := strings.TrimSpace(settings)
	if at := strings.LastIndex(s, "@"); at >= 0 {
		s, ref = s[:at], s[at+1:]
		if ref == "" {
			return "", "", "", fmt.Errorf("github: empty ref in %q", settings)
		}
	}
	owner, repo, ok := strings.Cut(strings.Trim(s, "/"), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", "", fmt.Errorf("github: settings %q are not owner/repo[@ref]", settings)
	}
	return owner, strings.TrimSuffix(repo, ".git"), ref, nil
}

// Provider resolves paths against a cached copy of the repository tree.
type Provider struct {
	cfg    Config
	client *http.Client
	opener mountkit.ContentOpener
	logger *zap.Logger

	refs  *mountkit.TTLCache[string]
	trees *mountkit.TTLCache[*repoIndex]
}

// New creates a provider for cfg.
func New(cfg Config) (*Provider, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.RawURL == "" {
		cfg.RawURL = DefaultRawURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.RawURL = strings.TrimRight(cfg.RawURL, "/")
	if cfg.TTLs == (mountkit.TTLTiers{}) {
		cfg.TTLs = mountkit.DefaultTTLs()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	client := cfg.Client
	if client == nil {
		client = rangecache.NewHTTPClient(0, 0)
	}

	opener := cfg.Opener
	if opener == nil {
		header := http.Header{}
		if cfg.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.Token)
		}
		opener = &rangecache.HTTPOpener{Client: client, Header: header, Backend: "github"}
	}

	prefix := fmt.Sprintf("github:%s/%s:", cfg.Owner, cfg.Repo)
	ttlOpts := []mountkit.TTLCacheOption{
		mountkit.WithCacheHitCallback(cfg.OnCacheHit),
		mountkit.WithCacheMissCallback(cfg.OnCacheMiss),
	}

	return &Provider{
		cfg:    cfg,
		client: client,
		opener: opener,
		logger: cfg.Logger,
		refs:   mountkit.NewTTLCache[string](cfg.Cache, prefix+"ref:", ttlOpts...),
		trees:  mountkit.NewTTLCache[*repoIndex](cfg.Cache, prefix+"tree:", ttlOpts...),
	}, nil
}

// ResolveFile implements mountkit.Provider.
func (p *Provider) ResolveFile(ctx context.Context, relPath string) (mountkit.FileNode, error) {
	idx, err := p.index(ctx)
	if err != nil {
		return mountkit.FileNode{}, err
	}
	relPath = mountkit.NormalizePath(relPath)
	node, ok := idx.nodes[relPath]
	if !ok {
		return mountkit.FileNode{}, &mountkit.PathError{Op: "resolve", Path: relPath, Err: mountkit.ErrNotFound}
	}
	return node, nil
}

// ResolveDirectory implements mountkit.Provider.
func (p *Provider) ResolveDirectory(ctx context.Context, relPath string) (mountkit.DirectoryListing, error) {
	idx, err := p.index(ctx)
	if err != nil {
		return mountkit.DirectoryListing{}, err
	}
	relPath = mountkit.NormalizePath(relPath)
	dir, ok := idx.nodes[relPath]
	if !ok {
		return mountkit.DirectoryListing{}, &mountkit.PathError{Op: "list", Path: relPath, Err: mountkit.ErrNotFound}
	}
	if !dir.IsDirectory {
		return mountkit.DirectoryListing{}, &mountkit.PathError{Op: "list", Path: relPath, Err: mountkit.ErrNotDir}
	}

	names := idx.children[relPath]
	entries := make([]mountkit.FileNode, 0, len(names))
	for _, name := range names {
		entries = append(entries, idx.nodes[mountkit.JoinPath(relPath, name)])
	}
	return mountkit.DirectoryListing{Path: relPath, Exists: true, Entries: entries}, nil
}

// index returns the cached tree for the configured ref.
func (p *Provider) index(ctx context.Context) (*repoIndex, error) {
	ref, err := p.ref(ctx)
	if err != nil {
		return nil, err
	}
	return p.trees.GetOrFetch(ctx, ref, p.cfg.TTLs.Listing, func(ctx context.Context) (*repoIndex, error) {
		return p.fetchTree(ctx, ref)
	})
}

func (p *Provider) ref(ctx context.Context) (string, error) {
	if p.cfg.Ref != "" {
		return p.cfg.Ref, nil
	}
	return p.refs.GetOrFetch(ctx, "default", p.cfg.TTLs.PathID, func(ctx context.Context) (string, error) {
		var repo struct {
			DefaultBranch string `json:"default_branch"`
		}
		endpoint := fmt.Sprintf("%s/repos/%s/%s", p.cfg.APIURL, url.PathEscape(p.cfg.Owner), url.PathEscape(p.cfg.Repo))
		if err := p.getJSON(ctx, endpoint, &repo); err != nil {
			return "", err
		}
		if repo.DefaultBranch == "" {
			return "", &mountkit.TransportError{Op: "GET", URL: endpoint, Reason: "repository has no default branch"}
		}
		return repo.DefaultBranch, nil
	})
}

type treeResponse struct {
	SHA       string      `json:"sha"`
	Tree      []treeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"` // blob, tree or commit
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

func (p *Provider) fetchTree(ctx context.Context, ref string) (*repoIndex, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1",
		p.cfg.APIURL, url.PathEscape(p.cfg.Owner), url.PathEscape(p.cfg.Repo), escapeSegments(ref))

	var tree treeResponse
	if err := p.getJSON(ctx, endpoint, &tree); err != nil {
		return nil, err
	}
	if tree.Truncated {
		p.logger.Warn("github tree listing truncated",
			zap.String("repo", p.cfg.Owner+"/"+p.cfg.Repo),
			zap.String("ref", ref),
			zap.Int("entries", len(tree.Tree)))
	}
	return p.buildIndex(ref, tree.Tree, time.Now().UTC()), nil
}

func (p *Provider) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &mountkit.TransportError{Op: "GET", URL: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &mountkit.TransportError{Op: "GET", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &mountkit.PathError{Op: "GET", Path: endpoint, Err: mountkit.ErrNotFound}
	case resp.StatusCode != http.StatusOK:
		return mountkit.StatusError("github", "GET", endpoint, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &mountkit.TransportError{Op: "decode", URL: endpoint, Err: err}
	}
	return nil
}

type repoIndex struct {
	nodes    map[string]mountkit.FileNode
	children map[string][]string
}

func (p *Provider) buildIndex(ref string, entries []treeEntry, fetched time.Time) *repoIndex {
	idx := &repoIndex{
		nodes:    map[string]mountkit.FileNode{"/": mountkit.DirectoryNode("/", fetched)},
		children: make(map[string][]string),
	}

	addDir := func(dir string) {
		for d := dir; d != "/"; d = mountkit.ParentPath(d) {
			if _, ok := idx.nodes[d]; ok {
				return
			}
			idx.nodes[d] = mountkit.DirectoryNode(d, fetched)
		}
	}

	for _, e := range entries {
		filePath := mountkit.NormalizePath(e.Path)
		if filePath == "/" {
			continue
		}
		switch e.Type {
		case "tree":
			addDir(filePath)
		case "blob":
			addDir(mountkit.ParentPath(filePath))
			idx.nodes[filePath] = mountkit.FileNode{
				Name:         mountkit.BaseName(filePath),
				Path:         filePath,
				Exists:       true,
				Size:         e.Size,
				LastModified: fetched,
				ETag:         `"` + e.SHA + `"`,
				ContentType:  mountkit.GuessContentType(filePath, nil),
				Source:       mountkit.Remote(p.rawURL(ref, filePath), p.opener),
			}
		default:
			// Submodule commits have no content here.
		}
	}

	for nodePath := range idx.nodes {
		if nodePath == "/" {
			continue
		}
		parent := mountkit.ParentPath(nodePath)
		idx.children[parent] = append(idx.children[parent], mountkit.BaseName(nodePath))
	}
	for _, names := range idx.children {
		sort.Strings(names)
	}
	return idx
}

// rawURL is the download location of filePath at ref.
func (p *Provider) rawURL(ref, filePath string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", p.cfg.RawURL,
		url.PathEscape(p.cfg.Owner), url.PathEscape(p.cfg.Repo), escapeSegments(ref),
		escapeSegments(strings.TrimPrefix(filePath, "/")))
}

// escapeSegments escapes each "/"-separated segment of s, keeping the
// separators. Branch names such as "release/1.x" stay multi-segment.
func escapeSegments(s string) string {
	segments := strings.Split(s, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

var _ mountkit.Provider = (*Provider)(nil)
