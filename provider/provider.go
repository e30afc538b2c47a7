// Package provider builds mountkit providers from "{protocol}:{settings}"
// source strings.
//
// The protocol table is fixed at compile time:
//
//	fs:<path>                          local directory
//	virtual:<yaml, json or base64>     declarative tree
//	github:<owner>/<repo>[@ref]        repository tree
//	s3:<bucket>[/prefix]               object storage
//	sftp:[user@]host[:port][/path]     remote server
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/gobeaver/mountkit"
	"github.com/gobeaver/mountkit/provider/github"
	"github.com/gobeaver/mountkit/provider/local"
	"github.com/gobeaver/mountkit/provider/s3"
	"github.com/gobeaver/mountkit/provider/sftp"
	"github.com/gobeaver/mountkit/provider/virtual"
	"github.com/gobeaver/mountkit/rangecache"
)

// Deps carries the shared services handed to every constructor.
type Deps struct {
	Config     *mountkit.Config
	Cache      mountkit.Cache
	HTTPClient *http.Client
	Logger     *zap.Logger

	// OnCacheHit and OnCacheMiss observe metadata cache lookups.
	OnCacheHit  func(key string)
	OnCacheMiss func(key string)
	// OnFetch observes every range fetch of a remote stream.
	OnFetch func(url string, offset, n int64)
}

// Constructor builds a provider from the settings part of a source string.
type Constructor func(ctx context.Context, settings string, deps Deps) (mountkit.Provider, error)

var constructors = map[string]Constructor{
	"fs":      newLocal,
	"virtual": newVirtual,
	"github":  newGitHub,
	"s3":      newS3,
	"sftp":    newSFTP,
}

// Protocols returns the supported protocol names, sorted.
func Protocols() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse splits a source string into protocol and settings.
func Parse(source string) (protocol, settings string, err error) {
	protocol, settings, ok := strings.Cut(source, ":")
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	if !ok || protocol == "" {
		return "", "", fmt.Errorf("provider: source %q is not protocol:settings", source)
	}
	if _, known := constructors[protocol]; !known {
		return "", "", fmt.Errorf("provider: unknown protocol %q (supported: %s)", protocol, strings.Join(Protocols(), ", "))
	}
	return protocol, settings, nil
}

// New builds the provider described by source.
func New(ctx context.Context, source string, deps Deps) (mountkit.Provider, error) {
	protocol, settings, err := Parse(source)
	if err != nil {
		return nil, err
	}
	deps = deps.withDefaults()

	p, err := constructors[protocol](ctx, settings, deps)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", protocol, err)
	}
	deps.Logger.Debug("provider created", zap.String("protocol", protocol))
	return p, nil
}

// Close releases the resources held by p, if any.
func Close(p mountkit.Provider) error {
	if closer, ok := p.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (d Deps) withDefaults() Deps {
	if d.Config == nil {
		d.Config = &mountkit.Config{}
	}
	if d.Cache == nil {
		d.Cache = mountkit.SharedCache()
	}
	if d.HTTPClient == nil {
		d.HTTPClient = rangecache.NewHTTPClient(d.Config.HTTPTimeout(), d.Config.HTTPMaxIdleConns)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// opener is the range cache opener shared by URL-backed providers.
func (d Deps) opener(backend string) *rangecache.HTTPOpener {
	o := rangecache.NewHTTPOpener(d.Config, d.HTTPClient)
	o.Backend = backend
	o.Observer = d.OnFetch
	return o
}

func newLocal(_ context.Context, settings string, deps Deps) (mountkit.Provider, error) {
	if strings.TrimSpace(settings) == "" {
		return nil, fmt.Errorf("fs: path is required")
	}
	return local.New(settings, local.WithLogger(deps.Logger))
}

func newVirtual(_ context.Context, settings string, deps Deps) (mountkit.Provider, error) {
	return virtual.FromSettings(settings,
		virtual.WithOpener(deps.opener("virtual")),
		virtual.WithLogger(deps.Logger),
	)
}

func newGitHub(_ context.Context, settings string, deps Deps) (mountkit.Provider, error) {
	owner, repo, ref, err := github.ParseSettings(settings)
	if err != nil {
		return nil, err
	}

	opener := deps.opener("github")
	if deps.Config.GitHubToken != "" {
		if opener.Header == nil {
			opener.Header = http.Header{}
		}
		opener.Header.Set("Authorization", "Bearer "+deps.Config.GitHubToken)
	}

	return github.New(github.Config{
		Owner:       owner,
		Repo:        repo,
		Ref:         ref,
		Token:       deps.Config.GitHubToken,
		APIURL:      deps.Config.GitHubBaseURL,
		RawURL:      deps.Config.GitHubRawURL,
		Client:      deps.HTTPClient,
		Cache:       deps.Cache,
		TTLs:        deps.Config.TTLs(),
		Opener:      opener,
		Logger:      deps.Logger,
		OnCacheHit:  deps.OnCacheHit,
		OnCacheMiss: deps.OnCacheMiss,
	})
}

func newS3(ctx context.Context, settings string, deps Deps) (mountkit.Provider, error) {
	bucket, prefix, err := s3.ParseSettings(settings)
	if err != nil {
		return nil, err
	}
	client, err := s3.NewClient(ctx, deps.Config)
	if err != nil {
		return nil, err
	}
	return s3.New(s3.Config{
		Bucket:      bucket,
		Prefix:      prefix,
		Client:      client,
		HTTPClient:  deps.HTTPClient,
		PageSize:    deps.Config.PageSize,
		Sink:        deps.Config.CacheSink,
		TempDir:     deps.Config.TempDir,
		Cache:       deps.Cache,
		TTLs:        deps.Config.TTLs(),
		Logger:      deps.Logger,
		OnCacheHit:  deps.OnCacheHit,
		OnCacheMiss: deps.OnCacheMiss,
	})
}

func newSFTP(ctx context.Context, settings string, deps Deps) (mountkit.Provider, error) {
	cfg, err := sftp.ConfigFromSettings(settings, deps.Config)
	if err != nil {
		return nil, err
	}
	cfg.DialTimeout = deps.Config.HTTPTimeout()
	cfg.Logger = deps.Logger

	p, err := sftp.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ttls := deps.Config.TTLs()
	return mountkit.NewCachingProvider(p, "sftp:"+p.Origin()+cfg.BasePath+":",
		mountkit.WithCache(deps.Cache),
		mountkit.WithItemTTL(ttls.Item),
		mountkit.WithListingTTL(ttls.Listing),
		mountkit.WithRefresher(p),
		mountkit.WithCacheCallbacks(deps.OnCacheHit, deps.OnCacheMiss),
	), nil
}
