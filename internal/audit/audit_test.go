package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/warden/internal/golden"
	"github.com/fyrsmithlabs/warden/internal/orchestrator"
)

func task(id string, o orchestrator.Outcome) orchestrator.TaskResult {
	return orchestrator.TaskResult{TaskID: id, Outcome: o}
}

func cleanReport() *orchestrator.CycleReport {
	tasks := []orchestrator.TaskResult{
		task("a", orchestrator.OutcomePass),
		task("b", orchestrator.OutcomeReview),
		task("c", orchestrator.OutcomeSkip),
	}
	return &orchestrator.CycleReport{
		CycleID:       "c1",
		StartTime:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		EndTime:       time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Iterations:    3,
		MaxIterations: 40,
		StopReason:    orchestrator.StopQueueExhausted,
		Results:       orchestrator.Tally(tasks),
		TaskResults:   tasks,
		PRsCreated:    []string{"task:a"},
		GoldenSet:     &golden.Result{Version: "v1", Total: 10, Correct: 10, Accuracy: 1},
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
}

func TestAuditCycle_CleanReportPasses(t *testing.T) {
	rep := AuditCycle(cleanReport(), WithClock(fixedClock))

	assert.Equal(t, VerdictPass, rep.Verdict)
	assert.Empty(t, rep.Violations)
	assert.NotNil(t, rep.Violations)
	assert.Equal(t, "c1", rep.CycleID)
	assert.Equal(t, fixedClock(), rep.AuditedAt)
	for _, inv := range rep.Invariants {
		assert.True(t, inv.Holds, inv.Name)
	}
	assert.Equal(t, 3, rep.Summary.Tasks)
}

func TestAuditCycle_IterationsExceeded(t *testing.T) {
	r := cleanReport()
	r.Iterations = 41
	r.MaxIterations = 40

	rep := AuditCycle(r)
	assert.Equal(t, VerdictFail, rep.Verdict)
	require.Len(t, rep.Violations, 1)
	assert.Equal(t, Violation{
		Category: CategoryCaps,
		Severity: SeverityCritical,
		Message:  "Iterations exceeded max: 41/40",
	}, rep.Violations[0])
}

func TestAuditCycle_TallyMismatchIsMinor(t *testing.T) {
	tasks := []orchestrator.TaskResult{
		task("a", orchestrator.OutcomePass),
		task("b", orchestrator.OutcomePass),
		task("c", orchestrator.OutcomePass),
		task("d", orchestrator.OutcomeReview),
	}
	r := cleanReport()
	r.TaskResults = tasks
	r.Iterations = 4
	r.PRsCreated = []string{"a", "b", "c"}
	r.Results = orchestrator.Results{Pass: 2, Review: 1}

	rep := AuditCycle(r)
	assert.Equal(t, VerdictPass, rep.Verdict)
	require.Len(t, rep.Violations, 1)
	assert.Equal(t, CategoryDataIntegrity, rep.Violations[0].Category)
	assert.Equal(t, SeverityMinor, rep.Violations[0].Severity)
	assert.Contains(t, rep.Violations[0].Message, "reported 2, derived 3")
	assert.Equal(t, 1, rep.Summary.Minor)
}

func TestAuditCycle_Caps(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *orchestrator.CycleReport)
		message string
	}{
		{
			name: "prs",
			mutate: func(r *orchestrator.CycleReport) {
				r.PRsCreated = []string{"1", "2", "3", "4", "5", "6"}
			},
			message: "PRs exceeded max: 6/5",
		},
		{
			name: "prs from quality gate counters",
			mutate: func(r *orchestrator.CycleReport) {
				r.QualityGateStats = &orchestrator.SessionStats{PRsCreated: 7}
			},
			message: "PRs exceeded max: 7/5",
		},
		{
			name: "reviews",
			mutate: func(r *orchestrator.CycleReport) {
				r.Results.Review = 11
			},
			message: "Reviews exceeded max: 11/10",
		},
		{
			name: "consecutive reviews",
			mutate: func(r *orchestrator.CycleReport) {
				r.TaskResults = []orchestrator.TaskResult{
					task("a", orchestrator.OutcomeReview),
					task("b", orchestrator.OutcomeReview),
					task("c", orchestrator.OutcomeReview),
					task("d", orchestrator.OutcomeReview),
				}
				r.Iterations = 4
				r.Results = orchestrator.Tally(r.TaskResults)
			},
			message: "Consecutive reviews exceeded max: 4/3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := cleanReport()
			tt.mutate(r)
			rep := AuditCycle(r)
			assert.Equal(t, VerdictFail, rep.Verdict)
			var messages []string
			for _, v := range rep.Violations {
				if v.Category == CategoryCaps {
					messages = append(messages, v.Message)
				}
			}
			assert.Contains(t, messages, tt.message)
		})
	}
}

func TestAuditCycle_ConfiguredCaps(t *testing.T) {
	r := cleanReport()
	r.MaxIterations = 100
	r.Iterations = 50
	caps := orchestrator.DefaultCaps()

	rep := AuditCycle(r, WithCaps(caps))
	assert.Equal(t, VerdictFail, rep.Verdict)
	var messages []string
	for _, v := range rep.Violations {
		messages = append(messages, v.Message)
	}
	assert.Contains(t, messages, "Iteration cap raised above configured max: 100/40")

	caps.MaxPRs = 0
	r = cleanReport()
	r.PRsCreated = make([]string, 50)
	assert.Equal(t, VerdictPass, AuditCycle(r, WithCaps(caps)).Verdict, "disabled cap never trips")
}

func TestAuditCycle_GoldenSetBypass(t *testing.T) {
	r := cleanReport()
	r.StopReason = orchestrator.StopGoldenSetFailed
	r.GoldenSet = &golden.Result{Version: "v1", Total: 10, Correct: 9}
	rep := AuditCycle(r)
	assert.Equal(t, VerdictFail, rep.Verdict)
	assert.Equal(t, CategoryGoldenSet, rep.Violations[0].Category)
	assert.Equal(t, "Golden set failed but 3 iterations ran", rep.Violations[0].Message)

	r = cleanReport()
	r.GoldenSet = &golden.Result{Version: "v1", Total: 10, Correct: 9}
	rep = AuditCycle(r)
	assert.Equal(t, VerdictFail, rep.Verdict)
	assert.Contains(t, rep.Violations[0].Message, "regressed (9/10 on v1)")

	r = &orchestrator.CycleReport{
		CycleID:       "g",
		StopReason:    orchestrator.StopGoldenSetFailed,
		MaxIterations: 40,
		GoldenSet:     &golden.Result{Version: "v1", Total: 10, Correct: 9},
	}
	assert.Equal(t, VerdictPass, AuditCycle(r).Verdict, "an aborted cycle is the safe outcome")
}

func TestAuditCycle_ProtectedFiles(t *testing.T) {
	r := cleanReport()
	blocked := orchestrator.TaskResult{
		TaskID:         "tamper",
		Outcome:        orchestrator.OutcomeSkip,
		ProtectedFiles: []string{"internal/gate/gate.go"},
	}
	r.TaskResults = append(r.TaskResults, blocked)
	r.Iterations = 4
	r.Results = orchestrator.Tally(r.TaskResults)

	rep := AuditCycle(r)
	assert.Equal(t, VerdictPass, rep.Verdict, "a blocked attempt is notable, not failing")
	require.Len(t, rep.Violations, 1)
	assert.Equal(t, SeverityMajor, rep.Violations[0].Severity)
	assert.Equal(t, "tamper", rep.Violations[0].TaskID)

	r.StopReason = orchestrator.StopProtectedFile
	rep = AuditCycle(r)
	assert.Equal(t, VerdictFail, rep.Verdict)

	r = cleanReport()
	r.TaskResults[0].ProtectedFiles = []string{"policy.toml"}
	rep = AuditCycle(r)
	assert.Equal(t, VerdictFail, rep.Verdict)
	assert.Contains(t, rep.Violations[0].Message, "Protected file task executed")
}

func TestAuditCycle_UnknownStopReasonIsMajor(t *testing.T) {
	r := cleanReport()
	r.StopReason = "operator got bored"
	rep := AuditCycle(r)

	assert.Equal(t, VerdictPass, rep.Verdict)
	require.Len(t, rep.Violations, 1)
	assert.Equal(t, CategoryStopReason, rep.Violations[0].Category)
	assert.Equal(t, SeverityMajor, rep.Violations[0].Severity)
}

func TestAuditCycle_VerdictMatchesCriticalCount(t *testing.T) {
	reports := []*orchestrator.CycleReport{cleanReport()}
	for _, mutate := range []func(*orchestrator.CycleReport){
		func(r *orchestrator.CycleReport) { r.Iterations = 99 },
		func(r *orchestrator.CycleReport) { r.StopReason = "?" },
		func(r *orchestrator.CycleReport) { r.Results.Skip = 7 },
		func(r *orchestrator.CycleReport) { r.StopReason = orchestrator.StopProtectedFile },
	} {
		r := cleanReport()
		mutate(r)
		reports = append(reports, r)
	}

	for _, r := range reports {
		rep := AuditCycle(r)
		critical := 0
		for _, v := range rep.Violations {
			if v.Severity == SeverityCritical {
				critical++
			}
		}
		assert.Equal(t, critical > 0, rep.Verdict == VerdictFail)
		assert.Equal(t, critical, rep.Summary.Critical)
	}
}

func TestAuditCycle_Deterministic(t *testing.T) {
	r := cleanReport()
	r.Iterations = 41
	r.Results.Pass = 9

	first := AuditCycle(r)
	time.Sleep(time.Millisecond)
	second := AuditCycle(r)

	first.AuditedAt, second.AuditedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	r := cleanReport()

	rep := AuditCycle(r, WithClock(fixedClock))
	path, err := WriteReport(dir, rep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "audit-c1.json"), path)
	assert.FileExists(t, path)

	_, err = LoadReport(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
