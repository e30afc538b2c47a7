package mountkit

import (
	"reflect"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a/b", "/a/b"},
		{"/a/b/", "/a/b"},
		{"//a//b", "/a/b"},
		{`\a\b`, "/a/b"},
		{"/a/./b/../c", "/a/c"},
		{"/../..", "/"},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	if got := JoinPath("/a", "b/c"); got != "/a/b/c" {
		t.Errorf("JoinPath = %q", got)
	}
	if got := JoinPath("/", "x"); got != "/x" {
		t.Errorf("JoinPath root = %q", got)
	}
	if got := ParentPath("/a/b"); got != "/a" {
		t.Errorf("ParentPath = %q", got)
	}
	if got := ParentPath("/"); got != "/" {
		t.Errorf("ParentPath(/) = %q", got)
	}
	if got := BaseName("/a/b.txt"); got != "b.txt" {
		t.Errorf("BaseName = %q", got)
	}
	if got := BaseName("/"); got != "" {
		t.Errorf("BaseName(/) = %q", got)
	}
	if got := SplitPath("/a/b"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("SplitPath = %v", got)
	}
	if got := SplitPath("/"); got != nil {
		t.Errorf("SplitPath(/) = %v", got)
	}
}

func TestIsAncestorPath(t *testing.T) {
	tests := []struct {
		ancestor, p string
		want        bool
	}{
		{"/", "/anything", true},
		{"/a", "/a", true},
		{"/a", "/a/b", true},
		{"/a", "/ab", false},
		{"/a/b", "/a", false},
	}
	for _, tt := range tests {
		if got := IsAncestorPath(tt.ancestor, tt.p); got != tt.want {
			t.Errorf("IsAncestorPath(%q, %q) = %v, want %v", tt.ancestor, tt.p, got, tt.want)
		}
	}
}

func TestTrimPrefixPath(t *testing.T) {
	tests := []struct {
		prefix, p, want string
	}{
		{"/test1", "/test1", "/"},
		{"/test1", "/test1/a/b", "/a/b"},
		{"/", "/a", "/a"},
	}
	for _, tt := range tests {
		if got := TrimPrefixPath(tt.prefix, tt.p); got != tt.want {
			t.Errorf("TrimPrefixPath(%q, %q) = %q, want %q", tt.prefix, tt.p, got, tt.want)
		}
	}
}

func TestAncestorsOf(t *testing.T) {
	if got, want := ancestorsOf("/a/b/c"), []string{"/", "/a", "/a/b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestorsOf = %v, want %v", got, want)
	}
	if got := ancestorsOf("/"); got != nil {
		t.Errorf("ancestorsOf(/) = %v", got)
	}
}
