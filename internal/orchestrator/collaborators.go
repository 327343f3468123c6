package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/warden/internal/budget"
	"github.com/fyrsmithlabs/warden/internal/events"
	"github.com/fyrsmithlabs/warden/internal/gate"
	"github.com/fyrsmithlabs/warden/internal/golden"
	"github.com/fyrsmithlabs/warden/internal/taskqueue"
)

// Admitter is the per-tool-call admission check handed to the delegate.
type Admitter interface {
	CheckAdmission(ctx context.Context, tool string, params map[string]any, token string) gate.Decision
}

// ExecuteRequest is one delegated task.
type ExecuteRequest struct {
	Intent           string
	MaxSubIterations int
	History          []string
	Timeout          time.Duration
	Task             taskqueue.Task
	BaselineMode     bool
	Admission        Admitter
}

// ExecuteResult is what the delegate reports back. Outcomes are not taken from it
// unless the quality gate has no session counters.
type ExecuteResult struct {
	Success  bool   `json:"success"`
	Answer   string `json:"answer"`
	PRURL    string `json:"prUrl,omitempty"`
	IssueURL string `json:"issueUrl,omitempty"`
}

// Agent executes a task.
type Agent interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)

// Execute calls f.
func (f AgentFunc) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	return f(ctx, req)
}

// QualityGate exposes the delegate's session counters. SessionStats may return nil when
// no session is active.
type QualityGate interface {
	InitSession(ctx context.Context) error
	SessionStats(ctx context.Context) (*SessionStats, error)
}

// Golden is the regression benchmark run before any iteration.
type Golden interface {
	Run(ctx context.Context) (golden.Result, error)
}

// EventLog records critical events and answers the quiet-period precondition.
type EventLog interface {
	events.Recorder
	HasRecentSeverity(window time.Duration, sev events.Severity) (bool, error)
}

// Admission is the gate state summarized into the report.
type Admission interface {
	Admitter
	Stats() gate.Stats
	Budget() budget.Status
}

// Protector flags tasks that target protected files.
type Protector interface {
	ProtectedFiles(t taskqueue.Task) []string
}
