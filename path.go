package mountkit

import (
	"path"
	"strings"
)

// NormalizePath converts p into a VirtualPath: "/"-separated, absolute,
// cleaned, and without a trailing slash except for the root itself.
// Backslashes are treated as separators so host path syntax never leaks
// into the namespace.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// JoinPath joins a VirtualPath with a child name or relative path.
func JoinPath(parent, name string) string {
	return NormalizePath(NormalizePath(parent) + "/" + name)
}

// ParentPath returns the parent directory of p. The parent of "/" is "/".
func ParentPath(p string) string {
	return path.Dir(NormalizePath(p))
}

// BaseName returns the last element of p, or "" for the root.
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "/" {
		return ""
	}
	return path.Base(p)
}

// IsAncestorPath reports whether ancestor equals p or contains it.
func IsAncestorPath(ancestor, p string) bool {
	ancestor = NormalizePath(ancestor)
	p = NormalizePath(p)
	if ancestor == "/" || ancestor == p {
		return true
	}
	return strings.HasPrefix(p, ancestor+"/")
}

// TrimPrefixPath returns the remainder of p below prefix as a VirtualPath
// rooted at "/". The caller must ensure IsAncestorPath(prefix, p).
func TrimPrefixPath(prefix, p string) string {
	prefix = NormalizePath(prefix)
	p = NormalizePath(p)
	if prefix == "/" {
		return p
	}
	return NormalizePath(strings.TrimPrefix(p, prefix))
}

// SplitPath returns the elements of p, excluding the root.
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// ancestorsOf returns every proper ancestor of p, root first.
func ancestorsOf(p string) []string {
	parts := SplitPath(p)
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	cur := "/"
	out = append(out, cur)
	for _, part := range parts[:len(parts)-1] {
		cur = JoinPath(cur, part)
		out = append(out, cur)
	}
	return out
}
