// Package audit replays persisted cycle reports against the cycle safety invariants.
//
// AuditCycle is pure: it reads nothing but the report it is given, never executes code
// and never contacts the agent or the network. Two audits of the same report differ only
// in AuditedAt.
package audit

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/warden/internal/fsutil"
	"github.com/fyrsmithlabs/warden/internal/orchestrator"
)

// Verdict is the audit outcome.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Severity ranks a violation. Only CRITICAL affects the verdict.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMajor    Severity = "MAJOR"
	SeverityMinor    Severity = "MINOR"
)

// Category groups violations by invariant family.
type Category string

const (
	CategoryGoldenSet      Category = "GOLDEN_SET"
	CategoryCaps           Category = "CAPS"
	CategoryProtectedFiles Category = "PROTECTED_FILES"
	CategoryStopReason     Category = "STOP_REASON"
	CategoryDataIntegrity  Category = "DATA_INTEGRITY"
)

// Violation is one failed check.
type Violation struct {
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	TaskID   string   `json:"taskId,omitempty"`
}

// Invariant records whether a named check held.
type Invariant struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Holds    bool     `json:"holds"`
	Detail   string   `json:"detail"`
}

// Summary condenses the audited report.
type Summary struct {
	StopReason    orchestrator.StopReason `json:"stopReason"`
	Iterations    int                     `json:"iterations"`
	MaxIterations int                     `json:"maxIterations"`
	Tasks         int                     `json:"tasks"`
	Critical      int                     `json:"critical"`
	Major         int                     `json:"major"`
	Minor         int                     `json:"minor"`
}

// Report is the audit result.
type Report struct {
	CycleID    string      `json:"cycleId"`
	AuditedAt  time.Time   `json:"auditedAt"`
	Verdict    Verdict     `json:"verdict"`
	Violations []Violation `json:"violations"`
	Invariants []Invariant `json:"invariants"`
	Summary    Summary     `json:"summary"`
}

type options struct {
	caps *orchestrator.Caps
	now  func() time.Time
}

// Option configures AuditCycle.
type Option func(*options)

// WithCaps audits against configured caps instead of the caps recorded in the report.
func WithCaps(c orchestrator.Caps) Option {
	return func(o *options) { o.caps = &c }
}

// WithClock sets the AuditedAt source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// auditor accumulates findings for one report.
type auditor struct {
	r          *orchestrator.CycleReport
	caps       orchestrator.Caps
	configured bool
	violations []Violation
	invariants []Invariant
}

func (a *auditor) violate(cat Category, sev Severity, taskID, format string, args ...any) {
	a.violations = append(a.violations, Violation{
		Category: cat,
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
		TaskID:   taskID,
	})
}

func (a *auditor) invariant(name string, cat Category, holds bool, detail string) {
	a.invariants = append(a.invariants, Invariant{Name: name, Category: cat, Holds: holds, Detail: detail})
}

// AuditCycle checks a cycle report. Caps come from WithCaps, then from the report, then
// from orchestrator.DefaultCaps.
func AuditCycle(r *orchestrator.CycleReport, opts ...Option) Report {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	a := &auditor{r: r, caps: orchestrator.DefaultCaps()}
	switch {
	case o.caps != nil:
		a.caps, a.configured = *o.caps, true
	case r.Caps != nil:
		a.caps = *r.Caps
	}

	a.checkGoldenSet()
	a.checkCaps()
	a.checkProtectedFiles()
	a.checkStopReason()
	a.checkIntegrity()

	out := Report{
		CycleID:    r.CycleID,
		AuditedAt:  o.now().UTC(),
		Verdict:    VerdictPass,
		Violations: a.violations,
		Invariants: a.invariants,
		Summary: Summary{
			StopReason:    r.StopReason,
			Iterations:    r.Iterations,
			MaxIterations: r.MaxIterations,
			Tasks:         len(r.TaskResults),
		},
	}
	if out.Violations == nil {
		out.Violations = []Violation{}
	}
	for _, v := range out.Violations {
		switch v.Severity {
		case SeverityCritical:
			out.Summary.Critical++
			out.Verdict = VerdictFail
		case SeverityMajor:
			out.Summary.Major++
		case SeverityMinor:
			out.Summary.Minor++
		}
	}
	return out
}

// checkGoldenSet infers bypass from the stop reason, iteration count and the recorded
// benchmark result. It is a process signal, not proof.
func (a *auditor) checkGoldenSet() {
	r := a.r
	before := len(a.violations)

	if r.StopReason == orchestrator.StopGoldenSetFailed && r.Iterations > 0 {
		a.violate(CategoryGoldenSet, SeverityCritical, "",
			"Golden set failed but %d iterations ran", r.Iterations)
	}
	if g := r.GoldenSet; g != nil && !g.Passed() && r.StopReason != orchestrator.StopGoldenSetFailed {
		a.violate(CategoryGoldenSet, SeverityCritical, "",
			"Golden set regressed (%d/%d on %s) but cycle stopped with %s", g.Correct, g.Total, g.Version, r.StopReason)
	}

	detail := "no golden-set result recorded"
	if r.GoldenSet != nil {
		detail = fmt.Sprintf("golden set %s: %d/%d", r.GoldenSet.Version, r.GoldenSet.Correct, r.GoldenSet.Total)
	}
	a.invariant("golden_set_not_bypassed", CategoryGoldenSet, len(a.violations) == before, detail)
}

func (a *auditor) checkCaps() {
	r := a.r
	c := a.caps
	derived := orchestrator.Tally(r.TaskResults)

	prs := len(r.PRsCreated)
	reviews := max(r.Results.Review, derived.Review)
	if q := r.QualityGateStats; q != nil {
		prs = max(prs, q.PRsCreated)
		reviews = max(reviews, q.ReviewsCreated)
	}
	consecutiveReviews, consecutiveErrors := longestRuns(r.TaskResults)

	maxIterations := r.MaxIterations
	if maxIterations <= 0 {
		maxIterations = c.MaxIterations
	}

	checks := []struct {
		name  string
		label string
		got   int
		limit int
	}{
		{"prs_within_cap", "PRs", prs, c.MaxPRs},
		{"reviews_within_cap", "Reviews", reviews, c.MaxReviews},
		{"consecutive_reviews_within_cap", "Consecutive reviews", consecutiveReviews, c.MaxConsecutiveReviews},
		{"consecutive_errors_within_cap", "Consecutive errors", consecutiveErrors, c.MaxConsecutiveErrors},
		{"iterations_within_cap", "Iterations", r.Iterations, maxIterations},
	}
	for _, chk := range checks {
		if chk.limit <= 0 {
			a.invariant(chk.name, CategoryCaps, true, fmt.Sprintf("%d (cap disabled)", chk.got))
			continue
		}
		holds := chk.got <= chk.limit
		if !holds {
			a.violate(CategoryCaps, SeverityCritical, "", "%s exceeded max: %d/%d", chk.label, chk.got, chk.limit)
		}
		a.invariant(chk.name, CategoryCaps, holds, fmt.Sprintf("%d/%d", chk.got, chk.limit))
	}

	if a.configured && r.MaxIterations > c.MaxIterations {
		a.violate(CategoryCaps, SeverityCritical, "",
			"Iteration cap raised above configured max: %d/%d", r.MaxIterations, c.MaxIterations)
		a.invariant("iteration_cap_matches_config", CategoryCaps, false,
			fmt.Sprintf("%d/%d", r.MaxIterations, c.MaxIterations))
	}
}

func (a *auditor) checkProtectedFiles() {
	r := a.r
	terminated := r.StopReason == orchestrator.StopProtectedFile
	if terminated {
		a.violate(CategoryProtectedFiles, SeverityCritical, "", "Cycle terminated by protected-file violation")
	}
	a.invariant("no_protected_file_termination", CategoryProtectedFiles, !terminated, string(r.StopReason))

	executed := 0
	attempts := 0
	for _, t := range r.TaskResults {
		if len(t.ProtectedFiles) == 0 {
			continue
		}
		attempts++
		if t.Outcome == orchestrator.OutcomeSkip {
			a.violate(CategoryProtectedFiles, SeverityMajor, t.TaskID,
				"Protected file attempt blocked: task %s targeted %v", t.TaskID, t.ProtectedFiles)
			continue
		}
		executed++
		a.violate(CategoryProtectedFiles, SeverityCritical, t.TaskID,
			"Protected file task executed: task %s (%s) targeted %v", t.TaskID, t.Outcome, t.ProtectedFiles)
	}
	a.invariant("protected_tasks_skipped", CategoryProtectedFiles, executed == 0,
		fmt.Sprintf("%d attempts, %d executed", attempts, executed))
}

func (a *auditor) checkStopReason() {
	reason := a.r.StopReason
	known := reason.Known()
	if !known {
		a.violate(CategoryStopReason, SeverityMajor, "", "Unknown stop reason: %q", string(reason))
	}
	a.invariant("stop_reason_known", CategoryStopReason, known, string(reason))
}

func (a *auditor) checkIntegrity() {
	r := a.r
	derived := orchestrator.Tally(r.TaskResults)
	before := len(a.violations)

	fields := []struct {
		name              string
		reported, derived int
	}{
		{"pass", r.Results.Pass, derived.Pass},
		{"review", r.Results.Review, derived.Review},
		{"reject", r.Results.Reject, derived.Reject},
		{"skip", r.Results.Skip, derived.Skip},
		{"error", r.Results.Error, derived.Error},
	}
	for _, f := range fields {
		if f.reported != f.derived {
			a.violate(CategoryDataIntegrity, SeverityMinor, "",
				"Result tally mismatch for %s: reported %d, derived %d from task results", f.name, f.reported, f.derived)
		}
	}
	if len(r.TaskResults) > r.Iterations {
		a.violate(CategoryDataIntegrity, SeverityMinor, "",
			"Task results exceed iterations: %d/%d", len(r.TaskResults), r.Iterations)
	}
	a.invariant("results_match_task_tally", CategoryDataIntegrity, len(a.violations) == before,
		fmt.Sprintf("%d task results", len(r.TaskResults)))
}

// longestRuns returns the longest streaks of consecutive REVIEW and ERROR outcomes.
func longestRuns(tasks []orchestrator.TaskResult) (reviews, errs int) {
	var curReviews, curErrs int
	for _, t := range tasks {
		if t.Outcome == orchestrator.OutcomeReview {
			curReviews++
		} else {
			curReviews = 0
		}
		if t.Outcome == orchestrator.OutcomeError {
			curErrs++
		} else {
			curErrs = 0
		}
		reviews = max(reviews, curReviews)
		errs = max(errs, curErrs)
	}
	return reviews, errs
}

// LoadReport reads a persisted cycle report.
func LoadReport(path string) (*orchestrator.CycleReport, error) {
	return orchestrator.LoadReport(path)
}

// FileName returns the audit report file name for a cycle.
func FileName(cycleID string) string {
	return fmt.Sprintf("audit-%s.json", cycleID)
}

// WriteReport persists rep atomically into dir and returns the path.
func WriteReport(dir string, rep Report) (string, error) {
	path := filepath.Join(dir, FileName(rep.CycleID))
	if err := fsutil.WriteJSON(path, rep, 0o600); err != nil {
		return "", fmt.Errorf("write audit report: %w", err)
	}
	return path, nil
}
