package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/warden/internal/fsutil"
)

// reportPerm is the file mode of persisted reports.
const reportPerm = 0o600

// persist writes the report atomically. Failures are logged and returned; they never
// change the cycle outcome.
func (o *Orchestrator) persist(r *CycleReport, logger *zap.Logger) error {
	if o.cfg.ReportDir == "" {
		return nil
	}
	path := filepath.Join(o.cfg.ReportDir, r.FileName())
	if err := fsutil.WriteJSON(path, r, reportPerm); err != nil {
		logger.Error("persist cycle report failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("persist cycle report: %w", err)
	}
	logger.Info("cycle report written", zap.String("path", path))
	return nil
}

// LoadReport reads a persisted cycle report.
func LoadReport(path string) (*CycleReport, error) {
	var r CycleReport
	if err := fsutil.ReadJSON(path, &r); err != nil {
		return nil, fmt.Errorf("load cycle report: %w", err)
	}
	return &r, nil
}

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	badStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// RenderSummary formats a report for the terminal.
func RenderSummary(r *CycleReport) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("cycle " + r.CycleID))
	b.WriteString("\n")

	stop := okStyle.Render(string(r.StopReason))
	if r.StopReason.Partial() {
		stop = badStyle.Render(string(r.StopReason))
	}
	line := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-12s", label)))
		b.WriteString(value)
		b.WriteString("\n")
	}

	line("stop", stop)
	line("iterations", valueStyle.Render(fmt.Sprintf("%d/%d", r.Iterations, r.MaxIterations)))
	line("duration", valueStyle.Render(r.Duration().Round(time.Millisecond).String()))
	line("results", valueStyle.Render(fmt.Sprintf("pass %d  review %d  reject %d  skip %d  error %d",
		r.Results.Pass, r.Results.Review, r.Results.Reject, r.Results.Skip, r.Results.Error)))
	if len(r.PRsCreated) > 0 {
		line("prs", valueStyle.Render(strings.Join(r.PRsCreated, ", ")))
	}
	if r.ExplorationBudget != nil {
		line("budget", valueStyle.Render(fmt.Sprintf("%.4f (floor %.2f)", r.ExplorationBudget.Current, r.ExplorationBudget.Floor)))
	}
	if r.AdmissionStats != nil {
		line("admissions", valueStyle.Render(fmt.Sprintf("%d total, %d blocked", r.AdmissionStats.Total, r.AdmissionStats.Blocked)))
	}
	if r.GoldenSet != nil {
		g := okStyle.Render(fmt.Sprintf("%d/%d (%s)", r.GoldenSet.Correct, r.GoldenSet.Total, r.GoldenSet.Version))
		if !r.GoldenSet.Passed() {
			g = badStyle.Render(fmt.Sprintf("%d/%d (%s)", r.GoldenSet.Correct, r.GoldenSet.Total, r.GoldenSet.Version))
		}
		line("golden", g)
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
