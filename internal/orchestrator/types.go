package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/warden/internal/budget"
	"github.com/fyrsmithlabs/warden/internal/gate"
	"github.com/fyrsmithlabs/warden/internal/golden"
)

// State is a cycle lifecycle state.
type State string

const (
	StateInit        State = "INIT"
	StateGoldenCheck State = "GOLDEN_CHECK"
	StateRunning     State = "RUNNING"
	StateStopped     State = "STOPPED"
)

// Outcome is the result of a single task.
type Outcome string

const (
	OutcomePass   Outcome = "PASS"
	OutcomeReview Outcome = "REVIEW"
	OutcomeReject Outcome = "REJECT"
	OutcomeSkip   Outcome = "SKIP"
	OutcomeError  Outcome = "ERROR"
)

// StopReason explains why a cycle ended.
type StopReason string

const (
	StopGoldenSetFailed       StopReason = "golden_set_failed"
	StopCriticalEventsPending StopReason = "critical_events_pending"
	StopProtectedFile         StopReason = "protected_file_violation"
	StopMaxPRs                StopReason = "max_prs_reached"
	StopMaxReviews            StopReason = "max_reviews_reached"
	StopMaxConsecutiveReviews StopReason = "max_consecutive_reviews_reached"
	StopMaxConsecutiveErrors  StopReason = "max_consecutive_errors_reached"
	StopMaxIterations         StopReason = "max_iterations_reached"
	StopMaxDuration           StopReason = "max_duration_reached"
	StopQueueExhausted        StopReason = "queue_exhausted"
	StopFatalError            StopReason = "fatal_error"
	StopCancelled             StopReason = "cancelled"
)

// StopReasons returns the complete stop-reason vocabulary.
func StopReasons() []StopReason {
	return []StopReason{
		StopGoldenSetFailed,
		StopCriticalEventsPending,
		StopProtectedFile,
		StopMaxPRs,
		StopMaxReviews,
		StopMaxConsecutiveReviews,
		StopMaxConsecutiveErrors,
		StopMaxIterations,
		StopMaxDuration,
		StopQueueExhausted,
		StopFatalError,
		StopCancelled,
	}
}

// Known reports whether r is part of the vocabulary.
func (r StopReason) Known() bool {
	for _, known := range StopReasons() {
		if r == known {
			return true
		}
	}
	return false
}

// Partial reports whether the cycle ended abnormally.
func (r StopReason) Partial() bool {
	switch r {
	case StopGoldenSetFailed, StopCriticalEventsPending, StopFatalError, StopCancelled, StopProtectedFile:
		return true
	}
	return false
}

// FatalMarker is the reserved prefix that turns a delegate error into a cycle stop.
const FatalMarker = "FATAL:"

// ErrFatal can be wrapped by delegates to stop the cycle.
var ErrFatal = errors.New(FatalMarker + " delegate cannot continue")

// IsFatal reports whether err carries the fatal marker.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrFatal) || strings.Contains(err.Error(), FatalMarker)
}

// Caps are the hard per-cycle limits. A zero value disables a cap, except MaxIterations
// which must be positive.
type Caps struct {
	MaxPRs                int           `koanf:"max_prs" json:"maxPRs"`
	MaxReviews            int           `koanf:"max_reviews" json:"maxReviews"`
	MaxConsecutiveReviews int           `koanf:"max_consecutive_reviews" json:"maxConsecutiveReviews"`
	MaxConsecutiveErrors  int           `koanf:"max_consecutive_errors" json:"maxConsecutiveErrors"`
	MaxIterations         int           `koanf:"max_iterations" json:"maxIterations"`
	MaxDuration           time.Duration `koanf:"max_duration" json:"maxDuration"`
}

// DefaultCaps returns conservative defaults for an unattended cycle.
func DefaultCaps() Caps {
	return Caps{
		MaxPRs:                5,
		MaxReviews:            10,
		MaxConsecutiveReviews: 3,
		MaxConsecutiveErrors:  3,
		MaxIterations:         40,
		MaxDuration:           2 * time.Hour,
	}
}

// Validate checks the caps.
func (c Caps) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: max_iterations must be positive, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.MaxPRs < 0 || c.MaxReviews < 0 || c.MaxConsecutiveReviews < 0 || c.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("%w: caps must not be negative", ErrInvalidConfig)
	}
	if c.MaxDuration < 0 {
		return fmt.Errorf("%w: max_duration must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Results tallies task outcomes.
type Results struct {
	Pass   int `json:"pass"`
	Review int `json:"review"`
	Reject int `json:"reject"`
	Skip   int `json:"skip"`
	Error  int `json:"error"`
}

// Add counts one outcome.
func (r *Results) Add(o Outcome) {
	switch o {
	case OutcomePass:
		r.Pass++
	case OutcomeReview:
		r.Review++
	case OutcomeReject:
		r.Reject++
	case OutcomeSkip:
		r.Skip++
	case OutcomeError:
		r.Error++
	}
}

// Total returns the number of counted outcomes.
func (r Results) Total() int {
	return r.Pass + r.Review + r.Reject + r.Skip + r.Error
}

// Tally derives Results from task results.
func Tally(tasks []TaskResult) Results {
	var r Results
	for _, t := range tasks {
		r.Add(t.Outcome)
	}
	return r
}

// TaskResult records one iteration.
type TaskResult struct {
	TaskID         string    `json:"taskId"`
	Title          string    `json:"title,omitempty"`
	Iteration      int       `json:"iteration"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	ProtectedFiles []string  `json:"protectedFiles,omitempty"`
	PRURL          string    `json:"prUrl,omitempty"`
	IssueURL       string    `json:"issueUrl,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	DurationMs     int64     `json:"durationMs"`
}

// SessionStats is an opaque snapshot of the quality-gate session counters.
type SessionStats struct {
	PRsCreated         int `json:"prsCreated"`
	ReviewsCreated     int `json:"reviewsCreated"`
	RejectsLogged      int `json:"rejectsLogged"`
	ConsecutiveReviews int `json:"consecutiveReviews"`
}

// delta returns s minus prev, treating nil as zero.
func (s *SessionStats) delta(prev *SessionStats) SessionStats {
	var cur, base SessionStats
	if s != nil {
		cur = *s
	}
	if prev != nil {
		base = *prev
	}
	return SessionStats{
		PRsCreated:     cur.PRsCreated - base.PRsCreated,
		ReviewsCreated: cur.ReviewsCreated - base.ReviewsCreated,
		RejectsLogged:  cur.RejectsLogged - base.RejectsLogged,
	}
}

// CycleReport is the persisted record of one cycle.
type CycleReport struct {
	CycleID           string         `json:"cycleId"`
	StartTime         time.Time      `json:"startTime"`
	EndTime           time.Time      `json:"endTime"`
	Iterations        int            `json:"iterations"`
	MaxIterations     int            `json:"maxIterations"`
	StopReason        StopReason     `json:"stopReason"`
	Results           Results        `json:"results"`
	TaskResults       []TaskResult   `json:"taskResults"`
	PRsCreated        []string       `json:"prsCreated"`
	IssuesCreated     []string       `json:"issuesCreated"`
	QualityGateStats  *SessionStats  `json:"qualityGateStats,omitempty"`
	ExplorationBudget *budget.Status `json:"explorationBudget,omitempty"`
	AdmissionStats    *gate.Stats    `json:"admissionStats,omitempty"`
	GoldenSet         *golden.Result `json:"goldenSet,omitempty"`
	Caps              *Caps          `json:"caps,omitempty"`
	BaselineMode      bool           `json:"baselineMode,omitempty"`
	HeadCommit        string         `json:"headCommit,omitempty"`
	Partial           bool           `json:"partial"`
}

// FileName returns the report file name for the stop reason.
func (r *CycleReport) FileName() string {
	if r.StopReason.Partial() {
		return fmt.Sprintf("cycle-%s-partial.json", r.CycleID)
	}
	return fmt.Sprintf("cycle-%s.json", r.CycleID)
}

// Duration returns the wall-clock length of the cycle.
func (r *CycleReport) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
