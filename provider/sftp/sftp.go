// Package sftp serves a directory tree on a remote host over SFTP.
//
// The provider holds one SSH connection and redials it when it drops. It
// implements mountkit.CredentialRefresher so a CachingProvider in front of
// it reconnects before fetching on a miss.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/gobeaver/mountkit"
)

// DialFunc opens an SFTP session. The closer releases the transport under
// the client, if any.
type DialFunc func(ctx context.Context) (*sftp.Client, io.Closer, error)

// Config holds SFTP connection configuration.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key
	// KnownHostsFile verifies the host key. When empty any host key is
	// accepted and a warning is logged on every dial.
	KnownHostsFile string
	BasePath       string
	DialTimeout    time.Duration

	// Dial replaces the SSH dialer.
	Dial DialFunc

	Logger *zap.Logger
}

// session is one live connection.
type session struct {
	client *sftp.Client
	closer io.Closer
	dead   chan struct{}
}

func (s *session) alive() bool {
	select {
	case <-s.dead:
		return false
	default:
		return true
	}
}

func (s *session) close() error {
	var errs []error
	if err := s.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Provider resolves paths below BasePath on the remote host.
type Provider struct {
	cfg      Config
	basePath string
	origin   string // sftp://user@host:port
	dial     DialFunc
	logger   *zap.Logger

	mu      sync.Mutex
	current *session
	dials   int
}

// New creates a provider and opens the first connection.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Host == "" && cfg.Dial == nil {
		return nil, fmt.Errorf("sftp: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Provider{
		cfg:      cfg,
		basePath: path.Clean("/" + cfg.BasePath),
		logger:   cfg.Logger,
		dial:     cfg.Dial,
	}
	origin := &url.URL{Scheme: "sftp", Host: cfg.Host + ":" + strconv.Itoa(cfg.Port)}
	if cfg.Username != "" {
		origin.User = url.User(cfg.Username)
	}
	p.origin = origin.String()
	if p.dial == nil {
		p.dial = p.dialSSH
	}

	if _, err := p.client(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Origin returns the sftp:// URL of the host.
func (p *Provider) Origin() string {
	return p.origin
}

// client returns the live client, redialing when the connection dropped.
func (p *Provider) client(ctx context.Context) (*sftp.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil && p.current.alive() {
		return p.current.client, nil
	}
	if err := p.reconnectLocked(ctx); err != nil {
		return nil, err
	}
	return p.current.client, nil
}

func (p *Provider) reconnectLocked(ctx context.Context) error {
	if p.current != nil {
		_ = p.current.close()
		p.current = nil
	}

	client, closer, err := p.dial(ctx)
	if err != nil {
		return mapSFTPError("connect", p.origin, err)
	}
	p.dials++

	s := &session{client: client, closer: closer, dead: make(chan struct{})}
	go func() {
		err := client.Wait()
		close(s.dead)
		p.logger.Debug("sftp connection closed", zap.String("origin", p.origin), zap.Error(err))
	}()
	p.current = s
	if p.dials > 1 {
		p.logger.Info("sftp reconnected", zap.String("origin", p.origin), zap.Int("dials", p.dials))
	}
	return nil
}

// CredentialsExpired implements mountkit.CredentialRefresher. A dropped
// connection counts as expired.
func (p *Provider) CredentialsExpired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current == nil || !p.current.alive()
}

// RefreshCredentials implements mountkit.CredentialRefresher by redialing.
func (p *Provider) RefreshCredentials(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnectLocked(ctx)
}

// Close closes the connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	err := p.current.close()
	p.current = nil
	return err
}

// ResolveFile implements mountkit.Provider.
func (p *Provider) ResolveFile(ctx context.Context, relPath string) (mountkit.FileNode, error) {
	if err := ctx.Err(); err != nil {
		return mountkit.FileNode{}, err
	}
	relPath = mountkit.NormalizePath(relPath)

	client, err := p.client(ctx)
	if err != nil {
		return mountkit.FileNode{}, err
	}
	fullPath := p.fullPath(relPath)
	info, err := client.Stat(fullPath)
	if err != nil {
		return mountkit.FileNode{}, mapSFTPError("resolve", relPath, err)
	}
	return p.node(relPath, fullPath, info), nil
}

// ResolveDirectory implements mountkit.Provider. Symlinks are resolved on
// the server; dangling ones are skipped.
func (p *Provider) ResolveDirectory(ctx context.Context, relPath string) (mountkit.DirectoryListing, error) {
	if err := ctx.Err(); err != nil {
		return mountkit.DirectoryListing{}, err
	}
	relPath = mountkit.NormalizePath(relPath)

	client, err := p.client(ctx)
	if err != nil {
		return mountkit.DirectoryListing{}, err
	}
	fullPath := p.fullPath(relPath)

	info, err := client.Stat(fullPath)
	if err != nil {
		return mountkit.DirectoryListing{}, mapSFTPError("list", relPath, err)
	}
	if !info.IsDir() {
		return mountkit.DirectoryListing{}, &mountkit.PathError{Op: "list", Path: relPath, Err: mountkit.ErrNotDir}
	}

	infos, err := client.ReadDir(fullPath)
	if err != nil {
		return mountkit.DirectoryListing{}, mapSFTPError("list", relPath, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	entries := make([]mountkit.FileNode, 0, len(infos))
	for _, fi := range infos {
		childRel := mountkit.JoinPath(relPath, fi.Name())
		childFull := path.Join(fullPath, fi.Name())
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := client.Stat(childFull)
			if err != nil {
				continue
			}
			fi = target
		}
		entries = append(entries, p.node(childRel, childFull, fi))
	}
	return mountkit.DirectoryListing{Path: relPath, Exists: true, Entries: entries}, nil
}

// OpenContent implements mountkit.ContentOpener for nodes of this provider.
func (p *Provider) OpenContent(ctx context.Context, node mountkit.FileNode) (io.ReadSeekCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(node.Source.URL)
	if err != nil || u.Scheme != "sftp" {
		return nil, &mountkit.PathError{Op: "open", Path: node.Path, Err: mountkit.ErrNoContent}
	}

	client, err := p.client(ctx)
	if err != nil {
		return nil, err
	}
	f, err := client.Open(u.Path)
	if err != nil {
		return nil, mapSFTPError("open", node.Path, err)
	}
	return f, nil
}

func (p *Provider) node(relPath, fullPath string, info os.FileInfo) mountkit.FileNode {
	node := mountkit.FileNode{
		Name:         mountkit.BaseName(relPath),
		Path:         relPath,
		IsDirectory:  info.IsDir(),
		Exists:       true,
		Size:         -1,
		LastModified: info.ModTime().UTC(),
		Source:       mountkit.Synthetic(),
	}
	if info.IsDir() {
		return node
	}
	node.Size = info.Size()
	node.ETag = mountkit.StatETag(p.origin+fullPath, info.Size(), info.ModTime())
	node.ContentType = mountkit.GuessContentType(fullPath, nil)
	node.Source = mountkit.Remote(p.origin+(&url.URL{Path: fullPath}).EscapedPath(), p)
	return node
}

// fullPath joins the base path and a normalized relative path. Normalized
// paths carry no ".." segments, so the result never leaves the base.
func (p *Provider) fullPath(relPath string) string {
	return path.Join(p.basePath, relPath)
}

// mapSFTPError maps SFTP and SSH errors to the mountkit taxonomy.
func mapSFTPError(op, p string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), mountkit.IsAuth(err):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return &mountkit.PathError{Op: op, Path: p, Err: mountkit.ErrNotFound}
	case errors.Is(err, fs.ErrPermission):
		return &mountkit.PathError{Op: op, Path: p, Err: mountkit.ErrNotAllowed}
	case strings.Contains(err.Error(), "unable to authenticate"):
		return &mountkit.AuthError{Backend: "sftp", Err: err}
	default:
		return &mountkit.TransportError{Op: op, URL: p, Err: err}
	}
}

var (
	_ mountkit.Provider            = (*Provider)(nil)
	_ mountkit.ContentOpener       = (*Provider)(nil)
	_ mountkit.CredentialRefresher = (*Provider)(nil)
)
