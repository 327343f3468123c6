// Package taskqueue loads and orders the work items an unattended cycle consumes.
//
// Queues are YAML files:
//
//	tasks:
//	  - id: fix-flaky-test
//	    title: Stabilize TestServer_Shutdown
//	    intent: Find and fix the race that makes TestServer_Shutdown flaky.
//	    priority: 10
//	    files: [internal/http/server_test.go]
//
// Higher priority runs first; equal priorities keep file order. Queue values are treated
// as immutable: Remove returns a new Queue.
package taskqueue

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// maxQueueFileSize bounds queue files.
const maxQueueFileSize = 1024 * 1024

// Queue errors.
var (
	// ErrQueueNotFound indicates the queue file does not exist.
	ErrQueueNotFound = errors.New("task queue not found")

	// ErrInvalidQueue indicates the queue file could not be parsed or validated.
	ErrInvalidQueue = errors.New("invalid task queue")
)

// Task is one unit of delegated work.
type Task struct {
	ID       string   `koanf:"id" json:"id"`
	Title    string   `koanf:"title" json:"title"`
	Intent   string   `koanf:"intent" json:"intent"`
	Priority int      `koanf:"priority" json:"priority"`
	Files    []string `koanf:"files" json:"files,omitempty"`
	// MaxSubIterations overrides the cycle default when positive.
	MaxSubIterations int `koanf:"max_sub_iterations" json:"maxSubIterations,omitempty"`
}

// Queue is an ordered set of tasks.
type Queue struct {
	Tasks []Task `koanf:"tasks" json:"tasks"`
}

// Load reads a YAML queue file.
func Load(path string) (*Queue, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied queue path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, path)
		}
		return nil, fmt.Errorf("open task queue: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxQueueFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read task queue: %w", err)
	}
	if len(content) > maxQueueFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidQueue, path, maxQueueFileSize)
	}
	return Parse(content)
}

// Parse decodes YAML queue content.
func Parse(content []byte) (*Queue, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueue, err)
	}

	var q Queue
	if err := k.Unmarshal("", &q); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueue, err)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

// Validate checks task IDs are present and unique.
func (q *Queue) Validate() error {
	seen := make(map[string]struct{}, len(q.Tasks))
	for i, t := range q.Tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("%w: task %d has no id", ErrInvalidQueue, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidQueue, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Len returns the number of tasks. A nil queue is empty.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.Tasks)
}

// Next returns the highest-priority task without removing it.
func (q *Queue) Next() (Task, bool) {
	if q.Len() == 0 {
		return Task{}, false
	}
	best := 0
	for i := 1; i < len(q.Tasks); i++ {
		if q.Tasks[i].Priority > q.Tasks[best].Priority {
			best = i
		}
	}
	return q.Tasks[best], true
}

// Remove returns a copy of q without the task id.
func (q *Queue) Remove(id string) *Queue {
	out := &Queue{}
	if q == nil {
		return out
	}
	out.Tasks = make([]Task, 0, len(q.Tasks))
	for _, t := range q.Tasks {
		if t.ID != id {
			out.Tasks = append(out.Tasks, t)
		}
	}
	return out
}

// Ordered returns the tasks in execution order.
func (q *Queue) Ordered() []Task {
	if q.Len() == 0 {
		return nil
	}
	out := append([]Task(nil), q.Tasks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Clone returns a deep copy.
func (q *Queue) Clone() *Queue {
	out := &Queue{}
	if q == nil {
		return out
	}
	out.Tasks = make([]Task, len(q.Tasks))
	for i, t := range q.Tasks {
		t.Files = append([]string(nil), t.Files...)
		out.Tasks[i] = t
	}
	return out
}

// DefaultTasks returns the built-in maintenance queue used when no queue file is given.
func DefaultTasks() *Queue {
	return &Queue{Tasks: []Task{
		{
			ID:       "triage-failing-tests",
			Title:    "Triage failing tests",
			Intent:   "Run the test suite, pick one failing test, and open a pull request that fixes it.",
			Priority: 30,
		},
		{
			ID:       "lint-cleanup",
			Title:    "Resolve linter findings",
			Intent:   "Run the linter and fix the findings in a single small pull request.",
			Priority: 20,
		},
		{
			ID:       "todo-sweep",
			Title:    "Resolve one TODO",
			Intent:   "Find a TODO comment with a concrete follow-up and implement it, or file an issue describing it.",
			Priority: 10,
		},
		{
			ID:       "docs-drift",
			Title:    "Fix documentation drift",
			Intent:   "Compare README usage examples with the CLI and correct anything out of date.",
			Priority: 5,
		},
	}}
}
