package mountkit

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestETags(t *testing.T) {
	a := ContentETag([]byte("hello"))
	if a != ContentETag([]byte("hello")) {
		t.Error("ContentETag is not deterministic")
	}
	if a == ContentETag([]byte("hellp")) {
		t.Error("different content produced the same tag")
	}
	if !strings.HasPrefix(a, `"`) || !strings.HasSuffix(a, `"`) {
		t.Errorf("ContentETag %s is not quoted", a)
	}

	r, err := ReaderETag(strings.NewReader("hello"))
	if err != nil || r != a {
		t.Errorf("ReaderETag = %s, %v, want %s", r, err, a)
	}

	mod := time.Unix(1700000000, 0)
	w := StatETag("/x", 10, mod)
	if !strings.HasPrefix(w, `W/"`) {
		t.Errorf("StatETag %s is not weak", w)
	}
	if w == StatETag("/x", 11, mod) || w == StatETag("/x", 10, mod.Add(time.Second)) || w == StatETag("/y", 10, mod) {
		t.Error("StatETag ignores one of its inputs")
	}
}

func TestGuessContentType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"notes.txt", nil, MIMETypeTextPlain},
		{"README.MD", nil, "text/markdown; charset=utf-8"},
		{"debian-12.iso", nil, MIMETypeISO9660},
		{"app.tar", nil, "application/x-tar"},
		{"page.html", nil, "text/html; charset=utf-8"},
		{"SHA256SUMS", nil, MIMETypeOctetStream},
		{"blob", []byte("%PDF-1.7\n"), "application/pdf"},
		{"blob", []byte("plain words"), MIMETypeTextPlain},
	}
	for _, tt := range tests {
		if got := GuessContentType(tt.name, tt.data); got != tt.want {
			t.Errorf("GuessContentType(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	resp := &http.Response{StatusCode: 404, Status: "404 Not Found"}
	err := StatusError("github", "GET", "https://api.example/x", resp)
	var te *TransportError
	if !errors.As(err, &te) || te.Reason != "Not Found" {
		t.Fatalf("StatusError(404) = %#v", err)
	}
	if ErrorClass(err) != "transport" {
		t.Errorf("class = %s", ErrorClass(err))
	}
	if !strings.Contains(err.Error(), "404 Not Found") {
		t.Errorf("message = %q", err.Error())
	}

	err = StatusError("s3", "GET", "u", &http.Response{StatusCode: 403})
	if !IsAuth(err) || IsTransport(err) {
		t.Errorf("StatusError(403) = %v", err)
	}

	wrapped := &PathError{Op: "resolve", Path: "/a", Err: ErrNotFound}
	if !IsNotFound(wrapped) || ErrorClass(wrapped) != "not_found" {
		t.Errorf("PathError does not unwrap: %v", wrapped)
	}
	if ErrorClass(nil) != "none" || ErrorClass(ErrCacheCorruption) != "cache_corruption" || ErrorClass(errors.New("x")) != "other" {
		t.Error("ErrorClass buckets are wrong")
	}

	noResp := &TransportError{Op: "GET", URL: "u", Err: errors.New("connection refused")}
	if !strings.Contains(noResp.Error(), "connection refused") {
		t.Errorf("message = %q", noResp.Error())
	}
}

func TestFileNodeHelpers(t *testing.T) {
	nf := NotFound("a/b")
	if nf.Exists || nf.Path != "/a/b" || nf.Name != "b" || nf.SizeKnown() {
		t.Errorf("NotFound = %+v", nf)
	}

	dir := DirectoryNode("/d", time.Time{})
	if !dir.Exists || !dir.IsDirectory || dir.SizeKnown() || dir.Source.Kind != SourceSynthetic {
		t.Errorf("DirectoryNode = %+v", dir)
	}

	file := FileNode{Exists: true, Size: 0, Source: Embedded(nil)}
	if !file.SizeKnown() {
		t.Error("a zero size is known")
	}

	for kind, want := range map[SourceKind]string{
		SourceSynthetic: "synthetic",
		SourceEmbedded:  "embedded",
		SourcePhysical:  "physical",
		SourceRemote:    "remote",
		SourceKind(99):  "unknown",
	} {
		if kind.String() != want {
			t.Errorf("SourceKind(%d) = %s, want %s", kind, kind.String(), want)
		}
	}

	if l := MissingDirectory("x"); l.Exists || l.Path != "/x" {
		t.Errorf("MissingDirectory = %+v", l)
	}
}
