package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mountkitd.log")
	logger, level, warning := New(Config{Level: "debug", Format: "json", FilePath: path, MaxSizeMB: 1})
	require.NoError(t, warning)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	logger.Info("mounted", zap.String("prefix", "/test1"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"mounted"`)
	assert.Contains(t, string(data), `"prefix":"/test1"`)
}

func TestNewFallsBackToStdout(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	logger, _, warning := New(Config{FilePath: filepath.Join(blocker, "sub", "x.log")})
	assert.Error(t, warning)
	assert.NotNil(t, logger)
}

func TestNewUnknownLevel(t *testing.T) {
	_, level, _ := New(Config{Level: "chatty"})
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, Init(Config{Level: "info", Format: "console"}))
	assert.False(t, L().Core().Enabled(zapcore.DebugLevel))

	SetLevel("debug")
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))

	SetLevel("nonsense")
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel), "invalid levels are ignored")
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Empty(t, GetRequestID(context.Background()))
	assert.NotNil(t, WithContext(ctx))
}

func TestMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	mu.Lock()
	globalLogger = zap.New(core)
	mu.Unlock()

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test1/a.txt", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	fields := completed[0].ContextMap()
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, int64(len("short and stout")), fields["size"])
	assert.Equal(t, seen, fields["request_id"])

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", seen)
	assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
}
