// Package s3 serves the objects of an S3 bucket, optionally below a key
// prefix. Keys ending in "/" and shared key prefixes appear as directories.
// Content is read through presigned GET URLs over the range cache stream.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/gobeaver/mountkit"
	"github.com/gobeaver/mountkit/rangecache"
)

// API is the subset of *s3.Client used by the provider.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Presigner is the subset of *s3.PresignClient used by the provider.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config holds the settings for a bucket mount.
type Config struct {
	Bucket string
	Prefix string

	Client    API
	Presigner Presigner

	// HTTPClient downloads presigned URLs.
	HTTPClient *http.Client
	// PageSize, Sink and TempDir tune the range cache stream.
	PageSize int64
	Sink     string
	TempDir  string

	Cache mountkit.Cache
	TTLs  mountkit.TTLTiers

	Logger *zap.Logger

	OnCacheHit  func(key string)
	OnCacheMiss func(key string)
}

// ParseSettings parses "bucket[/prefix]".
func ParseSettings(settings string) (bucket, prefix string, err error) {
	s := strings.Trim(strings.TrimSpace(settings), "/")
	bucket, prefix, _ = strings.Cut(s, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3: settings %q have no bucket", settings)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// Provider resolves paths against object keys.
type Provider struct {
	bucket string
	prefix string // empty or ending in "/"

	client    API
	presigner Presigner
	opener    *rangecache.HTTPOpener
	ttls      mountkit.TTLTiers
	logger    *zap.Logger

	items    *mountkit.TTLCache[mountkit.FileNode]
	listings *mountkit.TTLCache[mountkit.DirectoryListing]
	urls     *mountkit.TTLCache[string]
}

// New creates a provider for cfg.
func New(cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("s3: client is required")
	}
	if cfg.TTLs == (mountkit.TTLTiers{}) {
		cfg.TTLs = mountkit.DefaultTTLs()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	presigner := cfg.Presigner
	if presigner == nil {
		client, ok := cfg.Client.(*s3.Client)
		if !ok {
			return nil, fmt.Errorf("s3: presigner is required for a custom client")
		}
		presigner = s3.NewPresignClient(client)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	p := &Provider{
		bucket:    cfg.Bucket,
		prefix:    prefix,
		client:    cfg.Client,
		presigner: presigner,
		ttls:      cfg.TTLs,
		logger:    cfg.Logger,
	}

	ns := fmt.Sprintf("s3:%s/%s:", cfg.Bucket, prefix)
	ttlOpts := []mountkit.TTLCacheOption{
		mountkit.WithCacheHitCallback(cfg.OnCacheHit),
		mountkit.WithCacheMissCallback(cfg.OnCacheMiss),
	}
	p.items = mountkit.NewTTLCache[mountkit.FileNode](cfg.Cache, ns+"item:", ttlOpts...)
	p.listings = mountkit.NewTTLCache[mountkit.DirectoryListing](cfg.Cache, ns+"list:", ttlOpts...)
	p.urls = mountkit.NewTTLCache[string](cfg.Cache, ns+"url:", ttlOpts...)

	p.opener = &rangecache.HTTPOpener{
		Client:   cfg.HTTPClient,
		Backend:  "s3",
		PageSize: cfg.PageSize,
		Sink:     cfg.Sink,
		TempDir:  cfg.TempDir,
		URLFunc: func(ctx context.Context, node mountkit.FileNode) (string, error) {
			return p.SignedURL(ctx, node.Source.URL)
		},
	}
	return p, nil
}

// Bucket returns the bucket name.
func (p *Provider) Bucket() string {
	return p.bucket
}

// ResolveFile implements mountkit.Provider. Objects are looked up with
// HeadObject; a path with no object but with keys below it is a directory.
func (p *Provider) ResolveFile(ctx context.Context, relPath string) (mountkit.FileNode, error) {
	relPath = mountkit.NormalizePath(relPath)
	if relPath == "/" {
		return mountkit.DirectoryNode("/", time.Time{}), nil
	}
	return p.items.GetOrFetch(ctx, relPath, p.ttls.Item, func(ctx context.Context) (mountkit.FileNode, error) {
		return p.stat(ctx, relPath)
	})
}

func (p *Provider) stat(ctx context.Context, relPath string) (mountkit.FileNode, error) {
	key := p.key(relPath)
	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return p.objectNode(relPath, key, aws.ToInt64(head.ContentLength), aws.ToTime(head.LastModified),
			aws.ToString(head.ETag), aws.ToString(head.ContentType)), nil
	}
	if err = mapS3Error("resolve", relPath, p.bucket, key, err); !mountkit.IsNotFound(err) {
		return mountkit.FileNode{}, err
	}

	// No object; it may still be a directory.
	resp, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return mountkit.FileNode{}, mapS3Error("resolve", relPath, p.bucket, key, err)
	}
	if len(resp.Contents) == 0 && len(resp.CommonPrefixes) == 0 {
		return mountkit.FileNode{}, &mountkit.PathError{Op: "resolve", Path: relPath, Err: mountkit.ErrNotFound}
	}
	return mountkit.DirectoryNode(relPath, time.Time{}), nil
}

// ResolveDirectory implements mountkit.Provider. Listings use the "/"
// delimiter so only immediate children are returned.
func (p *Provider) ResolveDirectory(ctx context.Context, relPath string) (mountkit.DirectoryListing, error) {
	relPath = mountkit.NormalizePath(relPath)
	listing, err := p.listings.GetOrFetch(ctx, relPath, p.ttls.Listing, func(ctx context.Context) (mountkit.DirectoryListing, error) {
		return p.list(ctx, relPath)
	})
	if err != nil {
		return mountkit.DirectoryListing{}, err
	}
	entries := make([]mountkit.FileNode, len(listing.Entries))
	copy(entries, listing.Entries)
	listing.Entries = entries
	return listing, nil
}

func (p *Provider) list(ctx context.Context, relPath string) (mountkit.DirectoryListing, error) {
	listPrefix := p.prefix
	if relPath != "/" {
		listPrefix = p.key(relPath) + "/"
	}

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(listPrefix),
		Delimiter: aws.String("/"),
	})

	var entries []mountkit.FileNode
	seen := make(map[string]bool)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return mountkit.DirectoryListing{}, mapS3Error("list", relPath, p.bucket, listPrefix, err)
		}

		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), listPrefix), "/")
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			entries = append(entries, mountkit.DirectoryNode(mountkit.JoinPath(relPath, name), time.Time{}))
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, listPrefix)
			// Skip the directory marker itself
			if name == "" || strings.Contains(name, "/") || seen[name] {
				continue
			}
			seen[name] = true
			entries = append(entries, p.objectNode(mountkit.JoinPath(relPath, name), key,
				aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified), aws.ToString(obj.ETag), ""))
		}
	}

	if len(entries) == 0 && relPath != "/" {
		node, err := p.ResolveFile(ctx, relPath)
		if err != nil {
			return mountkit.DirectoryListing{}, err
		}
		if !node.IsDirectory {
			return mountkit.DirectoryListing{}, &mountkit.PathError{Op: "list", Path: relPath, Err: mountkit.ErrNotDir}
		}
	}
	return mountkit.DirectoryListing{Path: relPath, Exists: true, Entries: entries}, nil
}

func (p *Provider) objectNode(relPath, key string, size int64, modTime time.Time, etag, contentType string) mountkit.FileNode {
	if contentType == "" {
		contentType = mountkit.GuessContentType(key, nil)
	}
	return mountkit.FileNode{
		Name:         mountkit.BaseName(relPath),
		Path:         relPath,
		Exists:       true,
		Size:         size,
		LastModified: modTime.UTC(),
		ETag:         etag,
		ContentType:  contentType,
		Source:       mountkit.Remote(p.objectURL(key), p.opener),
	}
}

// SignedURL returns a presigned GET URL for the object behind an s3:// URL
// produced by this provider. URLs are cached on the signed URL tier and
// signed to outlive it.
func (p *Provider) SignedURL(ctx context.Context, objectURL string) (string, error) {
	key, ok := strings.CutPrefix(objectURL, "s3://"+p.bucket+"/")
	if !ok {
		return "", fmt.Errorf("s3: %s is not an object of bucket %s", objectURL, p.bucket)
	}
	return p.urls.GetOrFetch(ctx, key, p.ttls.SignedURL, func(ctx context.Context) (string, error) {
		req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		}, func(opts *s3.PresignOptions) {
			opts.Expires = p.presignLifetime()
		})
		if err != nil {
			return "", mapS3Error("presign", key, p.bucket, key, err)
		}
		p.logger.Debug("presigned object url", zap.String("bucket", p.bucket), zap.String("key", key))
		return req.URL, nil
	})
}

func (p *Provider) presignLifetime() time.Duration {
	if p.ttls.SignedURL >= time.Hour {
		return 2 * p.ttls.SignedURL
	}
	return time.Hour
}

func (p *Provider) key(relPath string) string {
	return p.prefix + strings.TrimPrefix(relPath, "/")
}

func (p *Provider) objectURL(key string) string {
	return "s3://" + p.bucket + "/" + key
}

// mapS3Error converts SDK errors to the mountkit taxonomy.
func mapS3Error(op, relPath, bucket, key string, err error) error {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &notFound) {
		return &mountkit.PathError{Op: op, Path: relPath, Err: mountkit.ErrNotFound}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return &mountkit.PathError{Op: op, Path: relPath, Err: mountkit.ErrNotFound}
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return &mountkit.AuthError{Backend: "s3", Err: err}
		}
	}

	te := &mountkit.TransportError{Op: op, URL: "s3://" + bucket + "/" + key, Err: err}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			return &mountkit.AuthError{Backend: "s3", StatusCode: code, Err: err}
		}
		te.StatusCode = code
		te.Reason = http.StatusText(code)
	}
	return te
}

var _ mountkit.Provider = (*Provider)(nil)
