package taskqueue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleQueue = `
tasks:
  - id: low
    title: Low priority
    intent: do the low thing
    priority: 1
  - id: high-a
    title: First high
    intent: do the first high thing
    priority: 9
    files: [internal/http/server.go]
  - id: high-b
    title: Second high
    intent: do the second high thing
    priority: 9
    max_sub_iterations: 4
`

func writeQueue(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	q, err := Load(writeQueue(t, sampleQueue))
	require.NoError(t, err)
	require.Equal(t, 3, q.Len())

	assert.Equal(t, []string{"internal/http/server.go"}, q.Tasks[1].Files)
	assert.Equal(t, 4, q.Tasks[2].MaxSubIterations)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrQueueNotFound)

	_, err = Load(writeQueue(t, "tasks: [\n"))
	assert.ErrorIs(t, err, ErrInvalidQueue)

	_, err = Load(writeQueue(t, "tasks:\n  - title: no id\n"))
	assert.ErrorIs(t, err, ErrInvalidQueue)

	_, err = Load(writeQueue(t, "tasks:\n  - id: a\n  - id: a\n"))
	require.ErrorIs(t, err, ErrInvalidQueue)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = Load(writeQueue(t, "tasks: []\n# "+strings.Repeat("x", maxQueueFileSize)))
	assert.ErrorIs(t, err, ErrInvalidQueue)
}

func TestQueue_NextIsStableByPriority(t *testing.T) {
	q, err := Parse([]byte(sampleQueue))
	require.NoError(t, err)

	var order []string
	for q.Len() > 0 {
		task, ok := q.Next()
		require.True(t, ok)
		order = append(order, task.ID)
		q = q.Remove(task.ID)
	}
	assert.Equal(t, []string{"high-a", "high-b", "low"}, order)

	_, ok := q.Next()
	assert.False(t, ok)
}

func TestQueue_RemoveDoesNotMutate(t *testing.T) {
	q := DefaultTasks()
	before := q.Len()
	next := q.Remove("lint-cleanup")

	assert.Equal(t, before, q.Len())
	assert.Equal(t, before-1, next.Len())
	assert.Equal(t, before, q.Remove("unknown").Len())
}

func TestQueue_NilSafe(t *testing.T) {
	var q *Queue
	assert.Equal(t, 0, q.Len())
	_, ok := q.Next()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Remove("x").Len())
	assert.Nil(t, q.Ordered())
}

func TestQueue_OrderedAndClone(t *testing.T) {
	q := DefaultTasks()
	ordered := q.Ordered()
	for i := 1; i < len(ordered); i++ {
		assert.GreaterOrEqual(t, ordered[i-1].Priority, ordered[i].Priority)
	}

	q.Tasks[0].Files = []string{"a.go"}
	clone := q.Clone()
	clone.Tasks[0].Files[0] = "b.go"
	assert.Equal(t, "a.go", q.Tasks[0].Files[0])
}

func TestDefaultTasks_Valid(t *testing.T) {
	q := DefaultTasks()
	require.NoError(t, q.Validate())
	assert.NotZero(t, q.Len())
	for _, task := range q.Tasks {
		assert.Empty(t, NewProtector(DefaultProtectedPatterns()).ProtectedFiles(task))
	}
}

func TestIsProtected(t *testing.T) {
	tests := []struct {
		file string
		want bool
	}{
		{"internal/gate/gate.go", true},
		{"./internal/budget/ledger.go", true},
		{".warden/config.yaml", true},
		{"warden.yaml", true},
		{"configs/policy.toml", true},
		{".github/workflows/ci.yml", true},
		{"internal/gate", true},
		{"internal/gateway/x.go", false},
		{"cmd/warden/main.go", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			assert.Equal(t, tt.want, IsProtected(tt.file))
		})
	}
}

func TestProtector_Globs(t *testing.T) {
	p := NewProtector([]string{"*.pem", "deploy/*.yaml", "secrets/"})

	assert.True(t, p.IsProtected("certs/server.pem"))
	assert.True(t, p.IsProtected("deploy/prod.yaml"))
	assert.False(t, p.IsProtected("deploy/nested/prod.yaml"))
	assert.True(t, p.IsProtected("app/secrets/token"))
	assert.False(t, p.IsProtected("README.md"))

	task := Task{ID: "t", Files: []string{"README.md", "certs/ca.pem"}}
	assert.Equal(t, []string{"certs/ca.pem"}, p.ProtectedFiles(task))
}
