package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/fyrsmithlabs/warden/internal/fsutil"
	"github.com/fyrsmithlabs/warden/internal/orchestrator"
)

// CounterSession implements orchestrator.QualityGate over a JSON counter file written
// by the agent after each PR, review request or reject.
type CounterSession struct {
	path string
}

// NewCounterSession creates a session reading path.
func NewCounterSession(path string) *CounterSession {
	return &CounterSession{path: path}
}

// Path returns the counter file location.
func (s *CounterSession) Path() string {
	return s.path
}

// InitSession resets the counters to zero.
func (s *CounterSession) InitSession(_ context.Context) error {
	if err := fsutil.WriteJSON(s.path, orchestrator.SessionStats{}, 0o600); err != nil {
		return fmt.Errorf("init session counters: %w", err)
	}
	return nil
}

// SessionStats reads the counters. A missing file means no active session and returns nil.
func (s *CounterSession) SessionStats(_ context.Context) (*orchestrator.SessionStats, error) {
	var st orchestrator.SessionStats
	if err := fsutil.ReadJSON(s.path, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session counters: %w", err)
	}
	return &st, nil
}
