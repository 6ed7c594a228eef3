// Package tarpath normalizes paths found inside layer tar archives so that
// later passes of the squash engine can compare and key on them reliably.
package tarpath

import (
	"path"
	"strings"
)

// Normalize cleans a tar entry name into a canonical, slash-separated,
// root-relative form: no leading "./" or "/", no trailing slash (directories
// are compared without one), and "." collapses to "". Every comparison,
// skip-list membership test, or map key use in the squash engine goes
// through this one normalization point first.
func Normalize(name string) string {
	n := path.Clean(strings.TrimPrefix(name, "./"))
	n = strings.TrimPrefix(n, "/")
	if n == "." {
		return ""
	}
	return strings.TrimSuffix(n, "/")
}

// Dir returns the normalized parent directory of a normalized path, or ""
// if name is already at the archive root.
func Dir(name string) string {
	d := path.Dir(name)
	if d == "." || d == "/" {
		return ""
	}
	return Normalize(d)
}

// Base returns the final path element of name.
func Base(name string) string {
	return path.Base(name)
}

// HasPathPrefix reports whether name is equal to prefix or is nested under
// it (prefix is itself treated as a directory boundary, so "foobar" is not
// considered nested under "foo").
func HasPathPrefix(name, prefix string) bool {
	if prefix == "" {
		return true
	}
	if name == prefix {
		return true
	}
	return strings.HasPrefix(name, prefix+"/")
}
