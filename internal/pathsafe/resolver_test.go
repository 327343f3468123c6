package pathsafe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, opts ...Option) (*Resolver, string) {
	t.Helper()
	root := t.TempDir()
	r, err := NewResolver(root, opts...)
	require.NoError(t, err)
	return r, root
}

func TestResolve_InsideRoot(t *testing.T) {
	r, root := newTestResolver(t)

	res, err := r.Resolve("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src", "main.go"), res.Abs)
	assert.Equal(t, "src/main.go", res.Rel)
	assert.False(t, res.Exists)
	assert.False(t, res.Critical)
}

func TestResolve_OutsideRoot(t *testing.T) {
	r, root := newTestResolver(t)

	tests := []struct {
		name string
		path string
	}{
		{"relative traversal", "../../elsewhere/file.txt"},
		{"absolute sibling", filepath.Join(filepath.Dir(root), "sibling", "x.txt")},
		{"traversal inside then out", "a/b/../../../x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrOutsideRoot)
			assert.Contains(t, err.Error(), "outside root")
		})
	}
}

func TestResolve_ProtectedSystemPath(t *testing.T) {
	r, _ := newTestResolver(t)

	for _, p := range []string{"/etc/passwd", "/usr/bin/env", "/proc/self/environ"} {
		t.Run(p, func(t *testing.T) {
			_, err := r.Resolve(p)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtectedPath)
			assert.Contains(t, err.Error(), "protected system path")
		})
	}
}

func TestResolve_ProtectedWinsInsideRoot(t *testing.T) {
	root := t.TempDir()
	protected := filepath.Join(root, "vault")
	r, err := NewResolver(root, WithProtectedPaths([]string{protected}))
	require.NoError(t, err)

	_, err = r.Resolve("vault/key.pem")
	assert.ErrorIs(t, err, ErrProtectedPath)

	_, err = r.Resolve("src/ok.go")
	assert.NoError(t, err)
}

func TestResolve_SymlinkEscape(t *testing.T) {
	r, root := newTestResolver(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o600))

	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := r.Resolve("escape/secret.txt")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	// Non-existent target below the link is still caught via the nearest existing ancestor.
	_, err = r.Resolve("escape/new/file.txt")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestResolve_SymlinkInsideRoot(t *testing.T) {
	r, root := newTestResolver(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "real"), 0o755))
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	res, err := r.Resolve("alias/file.go")
	require.NoError(t, err)
	assert.Equal(t, "alias/file.go", res.Rel)
}

func TestResolve_CriticalFlagged(t *testing.T) {
	r, root := newTestResolver(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o600))

	res, err := r.Resolve("go.mod")
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.True(t, res.Critical)
	assert.Equal(t, "go.mod", res.CriticalRule)
}

func TestResolve_SymlinkToCriticalFlagged(t *testing.T) {
	r, root := newTestResolver(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".github", "workflows"), 0o755))
	if err := os.Symlink("go.mod", filepath.Join(root, "notes.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	require.NoError(t, os.Symlink(filepath.Join(root, ".github", "workflows"), filepath.Join(root, "ci")))

	res, err := r.Resolve("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", res.Rel)
	assert.True(t, res.Critical)
	assert.Equal(t, "go.mod", res.CriticalRule)

	res, err = r.Resolve("ci/release.yml")
	require.NoError(t, err)
	assert.True(t, res.Critical, "a new file behind a symlinked directory is matched by its real location")
}

func TestResolve_Empty(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve("  ")
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestNewResolver_InvalidRoot(t *testing.T) {
	_, err := NewResolver("")
	assert.ErrorIs(t, err, ErrInvalidRoot)

	_, err = NewResolver(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrInvalidRoot)
}

func TestCriticalSet_Match(t *testing.T) {
	cs := DefaultCriticalSet()

	tests := []struct {
		path     string
		critical bool
	}{
		{"package.json", true},
		{"web/Package-Lock.json", true},
		{"GO.MOD", true},
		{".env", true},
		{"config/.env.production", true},
		{".envrc", false},
		{".github/workflows/ci.yml", true},
		{"/abs/project/.github/workflows/release.yaml", true},
		{".git/config", true},
		{"Dockerfile", true},
		{"src/main.go", false},
		{"docs/package.md", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, ok := cs.Match(tt.path)
			assert.Equal(t, tt.critical, ok)
		})
	}
}

func TestCriticalSet_Custom(t *testing.T) {
	cs := NewCriticalSet(CriticalRules{
		Basenames: []string{"Schema.sql"},
		Paths:     []string{"./deploy/"},
	})

	rule, ok := cs.Match("db/schema.sql")
	assert.True(t, ok)
	assert.Equal(t, "schema.sql", rule)

	rule, ok = cs.Match("deploy/prod/values.yaml")
	assert.True(t, ok)
	assert.Equal(t, "deploy/", rule)

	_, ok = cs.Match("package.json")
	assert.False(t, ok)
}
