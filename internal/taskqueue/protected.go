package taskqueue

import (
	"path"
	"path/filepath"
	"strings"
)

// DefaultProtectedPatterns lists files the automated path may never modify. Entries ending
// in "/" protect a directory tree; other entries are path.Match globs, matched against the
// full relative path and, when they contain no "/", against the base name.
func DefaultProtectedPatterns() []string {
	return []string{
		".warden/",
		".github/workflows/",
		"internal/gate/",
		"internal/risk/",
		"internal/budget/",
		"internal/confirm/",
		"internal/pathsafe/",
		"internal/cmdmatch/",
		"internal/golden/",
		"internal/audit/",
		"warden.yaml",
		"policy.toml",
	}
}

// Protector decides whether a file is protected.
type Protector struct {
	patterns []string
}

// NewProtector builds a Protector from patterns.
func NewProtector(patterns []string) *Protector {
	p := &Protector{}
	for _, pat := range patterns {
		pat = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(pat)), "./")
		if pat != "" {
			p.patterns = append(p.patterns, pat)
		}
	}
	return p
}

var defaultProtector = NewProtector(DefaultProtectedPatterns())

// IsProtected reports whether file matches the default protected patterns.
func IsProtected(file string) bool {
	return defaultProtector.IsProtected(file)
}

// IsProtected reports whether file matches any pattern.
func (p *Protector) IsProtected(file string) bool {
	if p == nil {
		return false
	}
	f := strings.TrimPrefix(path.Clean(filepath.ToSlash(strings.TrimSpace(file))), "./")
	if f == "" || f == "." {
		return false
	}
	base := path.Base(f)
	for _, pat := range p.patterns {
		if strings.HasSuffix(pat, "/") {
			if strings.HasPrefix(f+"/", pat) || strings.Contains("/"+f+"/", "/"+pat) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pat, f); ok {
			return true
		}
		if !strings.Contains(pat, "/") {
			if ok, _ := path.Match(pat, base); ok {
				return true
			}
		}
	}
	return false
}

// ProtectedFiles returns the protected files a task targets.
func (p *Protector) ProtectedFiles(t Task) []string {
	var out []string
	for _, f := range t.Files {
		if p.IsProtected(f) {
			out = append(out, f)
		}
	}
	return out
}
