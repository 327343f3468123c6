// Package pathsafe resolves tool-supplied filesystem paths against a project root.
//
// Resolution is lexical first (clean, absolutize, containment via filepath.Rel) and then
// physical: the target, or its nearest existing ancestor, is symlink-resolved and the
// containment and protected-path checks run again on the resolved location.
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolution errors. Their text is used verbatim as admission evidence.
var (
	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrOutsideRoot indicates the path resolves outside the project root.
	ErrOutsideRoot = errors.New("outside root")

	// ErrProtectedPath indicates the path is under a protected system location.
	ErrProtectedPath = errors.New("protected system path")

	// ErrInvalidRoot indicates the project root cannot be used.
	ErrInvalidRoot = errors.New("invalid project root")
)

// DefaultProtectedPaths returns the built-in protected system locations.
// A leading "~" is expanded to the current user's home directory.
func DefaultProtectedPaths() []string {
	return []string{
		"/etc", "/usr", "/bin", "/sbin", "/boot", "/dev", "/proc", "/sys", "/lib", "/lib64",
		"/var/log", "/root/.ssh",
		"~/.ssh", "~/.aws", "~/.gnupg", "~/.kube", "~/.config/gcloud",
	}
}

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	Input string `json:"input"`
	// Abs is the cleaned absolute path.
	Abs string `json:"abs"`
	// Real is Abs with symlinks of its existing prefix resolved.
	Real string `json:"real"`
	// Rel is Abs relative to the project root, in slash form.
	Rel          string `json:"rel"`
	Exists       bool   `json:"exists"`
	Critical     bool   `json:"critical"`
	CriticalRule string `json:"critical_rule,omitempty"`
}

// Resolver validates paths against one project root.
type Resolver struct {
	root      string
	realRoot  string
	protected []string
	critical  *CriticalSet
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithProtectedPaths replaces the protected system path list.
func WithProtectedPaths(paths []string) Option {
	return func(r *Resolver) {
		r.protected = expandProtected(paths)
	}
}

// WithCriticalSet replaces the critical file set.
func WithCriticalSet(cs *CriticalSet) Option {
	return func(r *Resolver) {
		if cs != nil {
			r.critical = cs
		}
	}
}

// NewResolver creates a resolver rooted at root. The root itself is symlink-resolved.
func NewResolver(root string, opts ...Option) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, ErrEmptyPath)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	r := &Resolver{
		root:      abs,
		realRoot:  resolved,
		protected: expandProtected(DefaultProtectedPaths()),
		critical:  DefaultCriticalSet(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Root returns the absolute project root.
func (r *Resolver) Root() string {
	return r.root
}

// Critical returns the resolver's critical file set.
func (r *Resolver) Critical() *CriticalSet {
	return r.critical
}

// Resolve normalizes path and checks it. Relative paths are taken relative to the root.
//
// A path under a protected system location fails with ErrProtectedPath even when it is
// nominally inside the root. Any other path escaping the root fails with ErrOutsideRoot.
func (r *Resolver) Resolve(path string) (Resolution, error) {
	if strings.TrimSpace(path) == "" {
		return Resolution{}, ErrEmptyPath
	}

	abs := expandHome(path)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.root, abs)
	}
	abs = filepath.Clean(abs)

	if p, ok := r.protectedPrefix(abs); ok {
		return Resolution{}, fmt.Errorf("%w: %s is under %s", ErrProtectedPath, abs, p)
	}

	rel, inRoot := within(r.root, abs)
	if !inRoot {
		rel, inRoot = within(r.realRoot, abs)
	}
	if !inRoot {
		return Resolution{}, fmt.Errorf("%w: %s escapes %s", ErrOutsideRoot, abs, r.root)
	}

	resolved, exists, err := realPath(abs)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: resolving %s: %v", ErrOutsideRoot, abs, err)
	}
	if resolved != abs {
		if p, ok := r.protectedPrefix(resolved); ok {
			return Resolution{}, fmt.Errorf("%w: symlink %s points under %s", ErrProtectedPath, abs, p)
		}
		if _, ok := within(r.realRoot, resolved); !ok {
			return Resolution{}, fmt.Errorf("%w: symlink %s points to %s", ErrOutsideRoot, abs, resolved)
		}
	}

	res := Resolution{
		Input:  path,
		Abs:    abs,
		Real:   resolved,
		Rel:    filepath.ToSlash(rel),
		Exists: exists,
	}
	if rule, ok := r.critical.Match(res.Rel); ok {
		res.Critical = true
		res.CriticalRule = rule
	} else if resolved != abs {
		// A symlink inherits the criticality of its target.
		if realRel, ok := within(r.realRoot, resolved); ok {
			if rule, ok := r.critical.Match(filepath.ToSlash(realRel)); ok {
				res.Critical = true
				res.CriticalRule = rule
			}
		}
	}
	return res, nil
}

func (r *Resolver) protectedPrefix(p string) (string, bool) {
	for _, prot := range r.protected {
		if _, ok := within(prot, p); ok {
			return prot, true
		}
	}
	return "", false
}

// within reports whether p is root or below it, returning the relative path.
func within(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// realPath resolves symlinks of the longest existing prefix of abs and re-appends the
// missing suffix.
func realPath(abs string) (string, bool, error) {
	if _, err := os.Lstat(abs); err == nil {
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return "", true, err
		}
		return resolved, true, nil
	}

	existing := abs
	var missing []string
	for {
		parent := filepath.Dir(existing)
		missing = append([]string{filepath.Base(existing)}, missing...)
		existing = parent
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		if parent == filepath.Dir(parent) {
			return abs, false, nil
		}
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", false, err
	}
	return filepath.Join(append([]string{resolved}, missing...)...), false, nil
}

func expandProtected(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = expandHome(p)
		if strings.HasPrefix(p, "~") {
			continue
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
