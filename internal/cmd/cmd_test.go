package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gobeaver/mountkit/internal/config"
)

const treeMount = `/t=virtual:[{"name":"a.txt","content":"hello world"},{"name":"d","children":[{"name":"b.md","content":"bee"}]}]`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "ls", "stat", "cat", "watch", "protocols"} {
		assert.Contains(t, names, want)
	}
}

func TestProtocols(t *testing.T) {
	out, err := run(t, "protocols")
	require.NoError(t, err)
	assert.Equal(t, "fs\ngithub\ns3\nsftp\nvirtual\n", out)
}

func TestLs(t *testing.T) {
	out, err := run(t, "ls", "--mount", treeMount, "/t")
	require.NoError(t, err)
	assert.Contains(t, out, "/t/a.txt")
	assert.Contains(t, out, "/t/d/")

	out, err = run(t, "ls", "-m", treeMount, "-r", "-g", "*.md", "--json", "/")
	require.NoError(t, err)
	var nodes []nodeJSON
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "/t/d/b.md", nodes[0].Path)
	assert.Equal(t, "embedded", nodes[0].Source)

	_, err = run(t, "ls", "-m", treeMount, "/nope")
	assert.Error(t, err)
}

func TestStat(t *testing.T) {
	out, err := run(t, "stat", "-m", treeMount, "/t/a.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "/t/a.txt")
	assert.Contains(t, out, "file")
	assert.Contains(t, out, "11")

	_, err = run(t, "stat", "-m", treeMount, "/t/zzz")
	assert.Error(t, err)
}

func TestCat(t *testing.T) {
	out, err := run(t, "cat", "-m", treeMount, "/t/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	out, err = run(t, "cat", "-m", treeMount, "--offset", "6", "--length", "3", "/t/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "wor", out)

	_, err = run(t, "cat", "-m", treeMount, "/t/d")
	assert.Error(t, err)
}

func TestBadMountFlag(t *testing.T) {
	_, err := run(t, "ls", "-m", "no-equals-sign")
	assert.Error(t, err)
	_, err = run(t, "ls", "-m", "/x=ftp:host")
	assert.Error(t, err)
}

func TestRuntimeSkipsBrokenMounts(t *testing.T) {
	cfg := &config.Config{Mounts: []config.Mount{
		{Prefix: "/ok", Source: "virtual:[]"},
		{Prefix: "/bad", Source: "fs:" + filepath.Join(t.TempDir(), "missing")},
	}}
	rt, err := newRuntime(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer rt.Close()

	mounts := rt.reg.Mounts()
	require.Len(t, mounts, 1)
	assert.Equal(t, "/ok", mounts[0].Prefix)
}

func TestRuntimeReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644))

	rt, err := newRuntime(context.Background(), &config.Config{Mounts: []config.Mount{
		{Prefix: "/a", Source: "virtual:[]"},
	}}, zap.NewNop())
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.reload(context.Background(), &config.Config{Mounts: []config.Mount{
		{Prefix: "/b", Source: "fs:" + dir},
	}}))
	assert.False(t, rt.reg.Resolve(context.Background(), "/a").Exists)
	assert.True(t, rt.reg.Resolve(context.Background(), "/b/f.txt").Exists)
}

func TestRuntimeReloadAppliesLibrarySettings(t *testing.T) {
	rt, err := newRuntime(context.Background(), &config.Config{
		Cache:  config.CacheConfig{PageSize: 64 << 10, Sink: "memory"},
		GitHub: config.GitHubConfig{Token: "old-token"},
		Mounts: []config.Mount{{Prefix: "/a", Source: "virtual:[]"}},
	}, zap.NewNop())
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.reload(context.Background(), &config.Config{
		Cache:  config.CacheConfig{PageSize: 16 << 10, Sink: "file", ListingTTL: 3 * time.Minute},
		GitHub: config.GitHubConfig{Token: "new-token"},
		Mounts: []config.Mount{{Prefix: "/a", Source: "virtual:[]"}},
	}))

	lib := rt.deps.Config
	assert.Equal(t, int64(16<<10), lib.PageSize)
	assert.Equal(t, "file", lib.CacheSink)
	assert.Equal(t, "new-token", lib.GitHubToken)
	assert.Equal(t, 3*time.Minute, lib.TTLs().Listing)
}

func TestServeHandler(t *testing.T) {
	cfg, err := loadConfig("", []string{treeMount})
	require.NoError(t, err)
	rt, err := newRuntime(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer rt.Close()

	srv := httptest.NewServer(newHandler(cfg, rt.reg, zap.NewNop()))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/t/a.txt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, err := http.NewRequest("PROPFIND", srv.URL+"/dav/t/", nil)
	require.NoError(t, err)
	req.Header.Set("Depth", "1")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(body.String(), "mountkit_http_requests_total"))
}
