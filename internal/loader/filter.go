package loader

import (
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

var defaultExcludes = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/*.lock",
	"**/package-lock.json",
}

// FileFilter selects the repository files worth embedding.
type FileFilter struct {
	// Branch is read when the link does not name one. Default: "main"
	Branch string
	// Recursive descends into subdirectories; by default only top-level
	// files are read.
	Recursive bool
	// MaxFileSize skips larger files. Default: 1MB
	MaxFileSize int64
	// Include, when non-empty, keeps only paths matching one of the
	// doublestar patterns.
	Include []string
	// Exclude drops matching paths. Defaults to VCS metadata, dependency
	// directories and lock files.
	Exclude []string
}

func (f *FileFilter) applyDefaults() {
	if f.Branch == "" {
		f.Branch = "main"
	}
	if f.MaxFileSize <= 0 {
		f.MaxFileSize = 1 << 20
	}
	if len(f.Exclude) == 0 {
		f.Exclude = defaultExcludes
	}
}

// skip returns a non-empty reason when the file at p must not be loaded.
func (f FileFilter) skip(p string, size int64) string {
	if !f.Recursive && strings.Contains(p, "/") {
		return "nested"
	}
	if size > f.MaxFileSize {
		return "too large"
	}
	if f.excluded(p) {
		return "excluded"
	}
	if len(f.Include) > 0 && !matchAny(f.Include, p) {
		return "not included"
	}
	return ""
}

func (f FileFilter) excluded(p string) bool {
	return matchAny(f.Exclude, p) || matchAny(f.Exclude, p+"/")
}

func matchAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

// isText rejects content that is not UTF-8 or contains NUL bytes.
func isText(content string) bool {
	return utf8.ValidString(content) && !strings.ContainsRune(content, 0)
}
