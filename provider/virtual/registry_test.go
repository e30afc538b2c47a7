package virtual

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/mountkit"
)

const mirrorYAML = `
- name: os
  children:
    - name: linux
      children:
        - name: debian
          children:
            - name: debian-9.5.0-amd64-netinst.iso
              url: https://cdimage.debian.org/cdimage/archive/9.5.0/amd64/iso-cd/debian-9.5.0-amd64-netinst.iso
            - name: SHA256SUMS
              url: https://cdimage.debian.org/cdimage/archive/9.5.0/amd64/iso-cd/SHA256SUMS
        - name: ubuntu
          children:
            - name: ubuntu-18.04.1-desktop-amd64.iso
              url: http://releases.ubuntu.com/18.04.1/ubuntu-18.04.1-desktop-amd64.iso
            - name: ubuntu-18.04.1-live-server-amd64.iso
              url: http://releases.ubuntu.com/18.04.1/ubuntu-18.04.1-live-server-amd64.iso
            - name: SHA256SUMS
              url: http://releases.ubuntu.com/18.04.1/SHA256SUMS
            - name: README.txt
              content: "Ubuntu 18.04.1 LTS (Bionic Beaver)"
`

func mirrorRegistry(t *testing.T) *mountkit.Registry {
	t.Helper()
	p, err := FromSettings(mirrorYAML)
	require.NoError(t, err)

	reg := mountkit.NewRegistry()
	require.NoError(t, reg.RegisterProvider("/test1", p))
	return reg
}

func TestMountedTreeListings(t *testing.T) {
	ctx := context.Background()
	reg := mirrorRegistry(t)

	tests := []struct {
		path  string
		count int
	}{
		{"/test1", 1},
		{"/test1/os", 1},
		{"/test1/os/linux", 2},
		{"/test1/os/linux/debian", 2},
		{"/test1/os/linux/ubuntu", 4},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			listing := reg.ListDirectory(ctx, tt.path)
			require.True(t, listing.Exists)
			assert.Len(t, listing.Entries, tt.count)
			for _, e := range listing.Entries {
				assert.Equal(t, mountkit.JoinPath(tt.path, e.Name), e.Path)
			}
		})
	}

	os := reg.ListDirectory(ctx, "/test1/os")
	require.Len(t, os.Entries, 1)
	assert.Equal(t, "linux", os.Entries[0].Name)
	assert.True(t, os.Entries[0].IsDirectory)
}

func TestMountedTreeResolvesRemoteLeaf(t *testing.T) {
	reg := mirrorRegistry(t)

	const p = "/test1/os/linux/ubuntu/ubuntu-18.04.1-desktop-amd64.iso"
	node := reg.Resolve(context.Background(), p)

	require.True(t, node.Exists)
	assert.False(t, node.IsDirectory)
	assert.Equal(t, p, node.Path)
	assert.Equal(t, "ubuntu-18.04.1-desktop-amd64.iso", node.Name)
	assert.Equal(t, mountkit.SourceRemote, node.Source.Kind)
	assert.Equal(t, "http://releases.ubuntu.com/18.04.1/ubuntu-18.04.1-desktop-amd64.iso", node.Source.URL)
}

func TestMountedTreeMissingPath(t *testing.T) {
	ctx := context.Background()
	reg := mirrorRegistry(t)

	node := reg.Resolve(ctx, "/test1/os/notfound")
	assert.False(t, node.Exists)
	assert.Equal(t, "/test1/os/notfound", node.Path)

	listing := reg.ListDirectory(ctx, "/test1/os/notfound")
	assert.False(t, listing.Exists)
	assert.Empty(t, listing.Entries)

	file := reg.ListDirectory(ctx, "/test1/os/linux/ubuntu/README.txt")
	assert.False(t, file.Exists, "a file has no listing")
}

func TestResolveIsStable(t *testing.T) {
	ctx := context.Background()
	reg := mirrorRegistry(t)

	const p = "/test1/os/linux/ubuntu/README.txt"
	first := reg.Resolve(ctx, p)
	second := reg.Resolve(ctx, p)
	assert.Equal(t, first, second)
}

func TestEmbeddedContentThroughRegistry(t *testing.T) {
	ctx := context.Background()
	reg := mirrorRegistry(t)

	node := reg.Resolve(ctx, "/test1/os/linux/ubuntu/README.txt")
	require.True(t, node.Exists)

	rc, err := mountkit.OpenRange(ctx, node, 7, 13)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "18.04.1", string(got))
}

func TestRemoteContentThroughRegistry(t *testing.T) {
	const body = "checksums for the mirror"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "SHA256SUMS", buildTime, strings.NewReader(body))
	}))
	t.Cleanup(srv.Close)

	p := New([]NodeSpec{{Name: "SHA256SUMS", URL: srv.URL + "/SHA256SUMS"}})
	reg := mountkit.NewRegistry()
	require.NoError(t, reg.RegisterProvider("/remote", p))

	ctx := context.Background()
	node := reg.Resolve(ctx, "/remote/SHA256SUMS")
	require.True(t, node.Exists)

	rc, err := mountkit.OpenRead(ctx, node)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestFindAcrossTree(t *testing.T) {
	reg := mirrorRegistry(t)

	isos, err := mountkit.Find(context.Background(), reg, "/test1", mountkit.Glob("*.iso"), true)
	require.NoError(t, err)
	assert.Len(t, isos, 3)

	sums, err := mountkit.Find(context.Background(), reg, "/", mountkit.Glob("/test1/**/SHA256SUMS"), true)
	require.NoError(t, err)
	assert.Len(t, sums, 2)
}
