// Package events implements the critical event log: an append-only JSON Lines file of
// safety-relevant events.
//
// Records are hash-chained: each carries the SHA-256 of its predecessor, so truncation or
// in-place edits are detectable with Verify. The file is never rewritten.
//
// Appends hold an exclusive advisory lock on the file and re-read the chain tail when
// another writer has grown the file, so several processes may share one log.
package events

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Type identifies a critical event category.
type Type string

// Event types.
const (
	ProtectedFileAttempt         Type = "protected_file_attempt"
	GoldenSetRegression          Type = "golden_set_regression"
	GateBypassAttempt            Type = "gate_bypass_attempt"
	UnauthorizedCoreModification Type = "unauthorized_core_modification"
	SafetyViolation              Type = "safety_violation"
)

// Severity of a critical event.
type Severity string

// Severities.
const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
)

// ErrChainBroken indicates a record's previous-hash does not match its predecessor.
var ErrChainBroken = errors.New("event log hash chain broken")

// Event is one critical event record.
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	Type        Type           `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	CycleID     string         `json:"cycleId,omitempty"`
	TaskID      string         `json:"taskId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	TraceID     string         `json:"traceId,omitempty"`
	PrevHash    string         `json:"prevHash,omitempty"`
	Hash        string         `json:"hash"`
}

// Recorder appends critical events.
type Recorder interface {
	Append(ctx context.Context, ev Event) (Event, error)
}

// Observer is notified after an event is durably appended.
type Observer func(Event)

// Log is a file-backed critical event log. It is safe for concurrent use, including
// by other processes appending to the same file.
type Log struct {
	path      string
	logger    *zap.Logger
	now       func() time.Time
	observers []Observer

	mu       sync.Mutex
	lastHash string
	// size is the file size after the last append through this Log, or -1.
	size int64
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the zap logger. Nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Log) {
		if l != nil {
			g.logger = l.Named("events")
		}
	}
}

// WithClock injects a time source for timestamps and recency queries.
func WithClock(now func() time.Time) Option {
	return func(g *Log) {
		if now != nil {
			g.now = now
		}
	}
}

// WithObserver registers a post-append observer.
func WithObserver(o Observer) Option {
	return func(g *Log) {
		if o != nil {
			g.observers = append(g.observers, o)
		}
	}
}

// NewLog creates a log at path. The file is created lazily on first append.
func NewLog(path string, opts ...Option) *Log {
	g := &Log{path: path, logger: zap.NewNop(), now: time.Now, size: -1}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Path returns the log file path.
func (g *Log) Path() string {
	return g.path
}

// Append writes ev as one line and fsyncs. Timestamp and severity are filled in when
// zero. The stored record is returned.
func (g *Log) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityCritical
	}
	if ev.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ev.TraceID = sc.TraceID().String()
		}
	}

	stored, err := g.appendLocked(ev)
	if err != nil {
		g.logger.Error("critical event append failed",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return Event{}, err
	}

	g.logger.Warn("critical event",
		zap.String("type", string(stored.Type)),
		zap.String("severity", string(stored.Severity)),
		zap.String("description", stored.Description),
		zap.String("cycle.id", stored.CycleID),
		zap.String("task.id", stored.TaskID))

	for _, o := range g.observers {
		o(stored)
	}
	return stored, nil
}

func (g *Log) appendLocked(ev Event) (Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(g.path), 0o750); err != nil {
		return Event{}, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- configured log path
	if err != nil {
		return Event{}, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return Event{}, fmt.Errorf("lock event log: %w", err)
	}
	defer func() { _ = unlockFile(f) }()

	info, err := f.Stat()
	if err != nil {
		return Event{}, fmt.Errorf("stat event log: %w", err)
	}
	if info.Size() != g.size {
		last, err := g.lastRecordHash()
		if err != nil {
			return Event{}, err
		}
		g.lastHash = last
	}

	ev.PrevHash = g.lastHash
	hash, err := recordHash(ev)
	if err != nil {
		return Event{}, err
	}
	ev.Hash = hash

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal critical event: %w", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		g.size = -1
		return Event{}, fmt.Errorf("write critical event: %w", err)
	}
	if err := f.Sync(); err != nil {
		g.size = -1
		return Event{}, fmt.Errorf("sync event log: %w", err)
	}

	g.lastHash = ev.Hash
	g.size = info.Size() + int64(len(line))
	return ev, nil
}

func (g *Log) lastRecordHash() (string, error) {
	var last string
	err := g.scan(func(ev Event) bool {
		last = ev.Hash
		return true
	})
	return last, err
}

// scan calls fn for each well-formed record in file order until fn returns false.
// A missing file is an empty log.
func (g *Log) scan(fn func(Event) bool) error {
	f, err := os.Open(g.path) // #nosec G304 -- configured log path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if !fn(ev) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan event log: %w", err)
	}
	return nil
}

// Tail returns the last n events, oldest first.
func (g *Log) Tail(n int) ([]Event, error) {
	if n <= 0 {
		return []Event{}, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ring := make([]Event, 0, n)
	err := g.scan(func(ev Event) bool {
		if len(ring) == n {
			ring = append(ring[1:], ev)
		} else {
			ring = append(ring, ev)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return ring, nil
}

// Recent returns events newer than window that satisfy match (nil matches all).
func (g *Log) Recent(window time.Duration, match func(Event) bool) ([]Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-window)
	var out []Event
	err := g.scan(func(ev Event) bool {
		if ev.Timestamp.After(cutoff) && (match == nil || match(ev)) {
			out = append(out, ev)
		}
		return true
	})
	return out, err
}

// HasRecent reports whether any event of the given types (any type if none given)
// occurred within window.
func (g *Log) HasRecent(window time.Duration, types ...Type) (bool, error) {
	evs, err := g.Recent(window, func(ev Event) bool {
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
		return false
	})
	return len(evs) > 0, err
}

// HasRecentSeverity reports whether any event of severity sev occurred within window.
func (g *Log) HasRecentSeverity(window time.Duration, sev Severity) (bool, error) {
	evs, err := g.Recent(window, func(ev Event) bool { return ev.Severity == sev })
	return len(evs) > 0, err
}

// Verify walks the file and checks the hash chain. It returns the number of verified
// records.
func (g *Log) Verify() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var (
		count   int
		prev    string
		outcome error
	)
	err := g.scan(func(ev Event) bool {
		if ev.PrevHash != prev {
			outcome = fmt.Errorf("%w at record %d: prevHash %q, want %q", ErrChainBroken, count+1, ev.PrevHash, prev)
			return false
		}
		want, err := recordHash(ev)
		if err != nil {
			outcome = err
			return false
		}
		if want != ev.Hash {
			outcome = fmt.Errorf("%w at record %d: content hash mismatch", ErrChainBroken, count+1)
			return false
		}
		prev = ev.Hash
		count++
		return true
	})
	if err != nil {
		return count, err
	}
	return count, outcome
}

func recordHash(ev Event) (string, error) {
	ev.Hash = ""
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal for hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
