package pathsafe

import (
	"path"
	"path/filepath"
	"strings"
)

// CriticalSet matches dependency manifests, lockfiles, env files, build configuration and
// other files whose modification needs an explicit confirmation step.
//
// Matching is case-insensitive and works on the slash form of the path, so both
// absolute and project-relative paths can be tested.
type CriticalSet struct {
	basenames        map[string]struct{}
	basenamePrefixes []string
	paths            []string
}

// CriticalRules is the serializable form of a CriticalSet.
type CriticalRules struct {
	// Basenames match the final path element exactly (e.g. "go.mod").
	Basenames []string `toml:"basenames" json:"basenames" koanf:"basenames"`
	// BasenamePrefixes match a final element equal to the prefix or starting with
	// "<prefix>." (".env" matches ".env.local").
	BasenamePrefixes []string `toml:"basename_prefixes" json:"basename_prefixes" koanf:"basename_prefixes"`
	// Paths match relative path suffixes. Entries ending in "/" match everything below.
	Paths []string `toml:"paths" json:"paths" koanf:"paths"`
}

// DefaultCriticalRules returns the built-in critical file table.
func DefaultCriticalRules() CriticalRules {
	return CriticalRules{
		Basenames: []string{
			"package.json", "package-lock.json", "yarn.lock", "pnpm-lock.yaml", "bun.lockb",
			"go.mod", "go.sum",
			"cargo.toml", "cargo.lock",
			"requirements.txt", "pyproject.toml", "poetry.lock", "pipfile", "pipfile.lock", "setup.py", "setup.cfg",
			"gemfile", "gemfile.lock",
			"composer.json", "composer.lock",
			"build.gradle", "build.gradle.kts", "settings.gradle", "pom.xml",
			"makefile", "dockerfile", "docker-compose.yml", "docker-compose.yaml",
			"tsconfig.json", "webpack.config.js", "vite.config.ts", "babel.config.js",
			".npmrc", ".gitmodules",
		},
		BasenamePrefixes: []string{".env"},
		Paths: []string{
			".github/workflows/",
			".gitlab-ci.yml",
			".git/config",
			".git/hooks/",
			".warden/",
		},
	}
}

// NewCriticalSet builds a matcher from rules.
func NewCriticalSet(rules CriticalRules) *CriticalSet {
	cs := &CriticalSet{basenames: make(map[string]struct{}, len(rules.Basenames))}
	for _, b := range rules.Basenames {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			cs.basenames[b] = struct{}{}
		}
	}
	for _, p := range rules.BasenamePrefixes {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			cs.basenamePrefixes = append(cs.basenamePrefixes, p)
		}
	}
	for _, p := range rules.Paths {
		if p = strings.ToLower(strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(p)), "./")); p != "" {
			cs.paths = append(cs.paths, p)
		}
	}
	return cs
}

// DefaultCriticalSet returns a CriticalSet built from DefaultCriticalRules.
func DefaultCriticalSet() *CriticalSet {
	return NewCriticalSet(DefaultCriticalRules())
}

// Match reports whether p is critical and which entry matched it.
func (c *CriticalSet) Match(p string) (string, bool) {
	if c == nil || strings.TrimSpace(p) == "" {
		return "", false
	}
	slash := strings.ToLower(path.Clean(filepath.ToSlash(p)))
	base := path.Base(slash)

	if _, ok := c.basenames[base]; ok {
		return base, true
	}
	for _, pre := range c.basenamePrefixes {
		if base == pre || strings.HasPrefix(base, pre+".") {
			return pre, true
		}
	}
	for _, cp := range c.paths {
		if strings.HasSuffix(cp, "/") {
			dir := strings.TrimSuffix(cp, "/")
			if strings.HasPrefix(slash, cp) || strings.Contains(slash, "/"+cp) ||
				slash == dir || strings.HasSuffix(slash, "/"+dir) {
				return cp, true
			}
			continue
		}
		if slash == cp || strings.HasSuffix(slash, "/"+cp) {
			return cp, true
		}
	}
	return "", false
}
