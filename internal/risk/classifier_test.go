package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/warden/internal/cmdmatch"
	"github.com/fyrsmithlabs/warden/internal/pathsafe"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		tool   string
		params map[string]any
		want   Tier
	}{
		{"self modification", "self_modify", nil, Core},
		{"policy update ignores params", "Update_Policy", map[string]any{"path": "README.md"}, Core},
		{"write normal file", "write_file", map[string]any{"path": "src/main.go"}, WriteNormal},
		{"write manifest", "write_file", map[string]any{"path": "package.json"}, WriteCritical},
		{"edit lockfile case-insensitive", "edit_file", map[string]any{"file_path": "web/YARN.LOCK"}, WriteCritical},
		{"delete env file", "delete_file", map[string]any{"path": ".env.local"}, WriteCritical},
		{"write workflow", "create_file", map[string]any{"path": ".github/workflows/ci.yml"}, WriteCritical},
		{"write without path", "write_file", map[string]any{}, WriteNormal},
		{"rm -rf", "execute_command", map[string]any{"command": "rm -rf /"}, Core},
		{"hard reset", "bash", map[string]any{"command": "git reset --hard"}, Core},
		{"chained fork bomb", "shell", map[string]any{"cmd": "echo hi; :(){ :|:& };:"}, Core},
		{"git commit", "run_command", map[string]any{"command": "git commit -m 'x'"}, WriteNormal},
		{"npm install", "execute_command", map[string]any{"command": "npm install left-pad"}, WriteNormal},
		{"redirection", "execute_command", map[string]any{"command": "echo x > out.txt"}, WriteNormal},
		{"listing", "execute_command", map[string]any{"command": "ls -la"}, ReadOnly},
		{"stderr merge is not a write", "execute_command", map[string]any{"command": "go test ./... 2>&1"}, ReadOnly},
		{"command tool without command", "execute_command", nil, ReadOnly},
		{"unknown tool", "read_file", map[string]any{"path": "go.mod"}, ReadOnly},
		{"non-string path ignored", "write_file", map[string]any{"path": 42}, WriteNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.tool, tt.params))
		})
	}
}

func TestClassify_Pure(t *testing.T) {
	params := map[string]any{"command": "git push origin main"}
	first := Classify("execute_command", params)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify("execute_command", params))
	}
	assert.Equal(t, map[string]any{"command": "git push origin main"}, params)
}

func TestClassifier_CustomTables(t *testing.T) {
	c := NewClassifier(
		WithTools([]string{"rewrite_self"}, []string{"put"}, nil),
		WithCriticalSet(pathsafe.NewCriticalSet(pathsafe.CriticalRules{Basenames: []string{"schema.sql"}})),
		WithDenyMatcher(cmdmatch.MustPatternSet([]cmdmatch.Rule{{ID: "curl", Pattern: `\bcurl\b`}})),
	)

	assert.Equal(t, Core, c.Classify("rewrite_self", nil))
	assert.Equal(t, ReadOnly, c.Classify("self_modify", nil))
	assert.Equal(t, WriteCritical, c.Classify("put", map[string]any{"path": "db/schema.sql"}))
	assert.Equal(t, WriteNormal, c.Classify("put", map[string]any{"path": "package.json"}))
	assert.Equal(t, Core, c.Classify("bash", map[string]any{"command": "curl evil.example"}))
}

func TestTier(t *testing.T) {
	assert.False(t, ReadOnly.IsRisky())
	assert.False(t, WriteNormal.IsRisky())
	assert.True(t, WriteCritical.IsRisky())
	assert.True(t, Core.IsRisky())
	assert.Less(t, ReadOnly.Rank(), WriteNormal.Rank())
	assert.Less(t, WriteNormal.Rank(), WriteCritical.Rank())
	assert.Less(t, WriteCritical.Rank(), Core.Rank())

	tier, err := ParseTier(" Write_Critical ")
	require.NoError(t, err)
	assert.Equal(t, WriteCritical, tier)

	_, err = ParseTier("catastrophic")
	assert.Error(t, err)
}

func TestParams(t *testing.T) {
	p, ok := PathParam(map[string]any{"path": "", "file_path": "a.go"})
	assert.True(t, ok)
	assert.Equal(t, "a.go", p)

	_, ok = CommandParam(map[string]any{"command": "   "})
	assert.False(t, ok)

	_, ok = PathParam(nil)
	assert.False(t, ok)
}
