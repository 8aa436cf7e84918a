package gate

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchPath reports whether name matches a slash separated glob pattern.
//
//   - "*", "?", "[...]" and "{a,b}" match within a single segment.
//   - "**" matches zero or more whole segments.
//   - A trailing "/" matches everything below the directory.
//   - A pattern without "/" matches the base name at any depth.
//
// Malformed patterns never match.
func MatchPath(pattern, name string) bool {
	pattern = normalizePath(pattern)
	name = normalizePath(name)
	if pattern == "" || name == "" {
		return false
	}
	if strings.HasSuffix(pattern, "/") {
		pattern += "**"
	}
	if !strings.Contains(pattern, "/") && pattern != "**" {
		pattern = "**/" + pattern
	}
	name = strings.TrimSuffix(name, "/")
	if ok, err := doublestar.Match(pattern, name); err == nil && ok {
		return true
	}
	// "dir/**" also covers dir itself.
	if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
		matched, err := doublestar.Match(dir, name)
		return err == nil && matched
	}
	return false
}

// MatchAny reports whether name matches at least one pattern and returns it.
func MatchAny(patterns []string, name string) (string, bool) {
	for _, p := range patterns {
		if MatchPath(p, name) {
			return p, true
		}
	}
	return "", false
}

func normalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	trailing := strings.HasSuffix(p, "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if trailing {
		p += "/"
	}
	return p
}
