// Package mountkit composes read-only storage backends into one virtual
// namespace of files and directories.
//
// A [Registry] binds [Provider] implementations to mount prefixes such as
// "/mirror" or "/archive/2024". Every lookup is routed to the provider with
// the longest matching prefix; the ancestors of each prefix exist as
// synthetic directories, so the root of the namespace always lists the
// mount points below it.
//
// # Providers
//
// Providers live in their own packages and are usually built from source
// strings by package provider:
//
//   - Local directories (fs:/srv/files)
//   - Declarative trees (virtual:<yaml or json>)
//   - GitHub repositories (github:owner/repo@ref)
//   - S3 buckets (s3:bucket/prefix)
//   - SFTP servers (sftp:user@host/path)
//
// # Basic Usage
//
//	reg := mountkit.NewRegistry(mountkit.WithLogger(logger))
//
//	p, err := provider.New(ctx, "fs:/srv/files", provider.Deps{Config: cfg})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	reg.RegisterProvider("/files", p)
//
//	node := reg.Resolve(ctx, "/files/report.pdf")
//	if !node.Exists {
//	    // NotFound sentinel
//	}
//
//	rc, err := mountkit.OpenRange(ctx, node, 0, 1023)
//
// Resolve and ListDirectory never fail. A provider that errors or panics is
// logged and reported as NotFound, so one broken backend cannot hide the rest
// of the namespace.
//
// # Content
//
// A [FileNode] carries a [ContentSource]: embedded bytes, a host path, or a
// remote handle read through a [ContentOpener]. Remote content is served by
// package rangecache, which fetches fixed-size pages on demand and keeps
// them for the lifetime of the stream.
//
// # Metadata Cache
//
// Remote providers cache resolved nodes, listings and signed URLs in a
// [Cache] with absolute expiry. The tiers default to [TTLPathID], [TTLItem],
// [TTLListing] and [TTLSignedURL]. Any provider can be wrapped with
// [NewCachingProvider]:
//
//	cached := mountkit.NewCachingProvider(p, "sftp:host:",
//	    mountkit.WithItemTTL(10*time.Minute),
//	)
//
// # Finding Files
//
//	isos, err := mountkit.Find(ctx, reg, "/mirror", mountkit.Glob("*.iso"), true)
//
// # Watching
//
// Providers implementing [CanWatch] signal changes through a [ChangeToken]:
//
//	err := mountkit.OnChange(ctx,
//	    func() (mountkit.ChangeToken, error) { return reg.Watch(ctx, "/files") },
//	    func() { log.Println("changed") },
//	)
//
// # Configuration
//
// Provider defaults are read from MOUNTKIT_* environment variables by
// [GetConfig].
package mountkit
