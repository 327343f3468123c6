package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/warden/internal/abtest"
	"github.com/fyrsmithlabs/warden/internal/audit"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func severityStyle(s audit.Severity) lipgloss.Style {
	switch s {
	case audit.SeverityCritical:
		return failStyle
	case audit.SeverityMajor:
		return warnStyle
	default:
		return mutedStyle
	}
}

func renderAudit(rep audit.Report, path string) string {
	var b strings.Builder

	verdict := passStyle.Render(string(rep.Verdict))
	if rep.Verdict == audit.VerdictFail {
		verdict = failStyle.Render(string(rep.Verdict))
	}
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("audit "+rep.CycleID), verdict)
	fmt.Fprintf(&b, "stop %s · iterations %d/%d · tasks %d\n",
		rep.Summary.StopReason, rep.Summary.Iterations, rep.Summary.MaxIterations, rep.Summary.Tasks)
	fmt.Fprintf(&b, "critical %d · major %d · minor %d\n",
		rep.Summary.Critical, rep.Summary.Major, rep.Summary.Minor)

	for _, v := range rep.Violations {
		fmt.Fprintf(&b, "  %s %s %s\n",
			severityStyle(v.Severity).Render(fmt.Sprintf("%-8s", v.Severity)),
			mutedStyle.Render(string(v.Category)),
			v.Message)
	}
	if path != "" {
		b.WriteString(mutedStyle.Render("written to "+path) + "\n")
	}
	return panelStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func renderComparison(c *abtest.Comparison, path string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("a/b "+c.RunID), mutedStyle.Render(fmt.Sprintf("%d tasks", c.Tasks)))

	row := func(label, gated, baseline, diff string) {
		fmt.Fprintf(&b, "%-14s %12s %12s %10s\n", label, gated, baseline, diff)
	}
	row("", "gated", "baseline", "diff")
	row("stop", string(c.Gated.StopReason), string(c.Baseline.StopReason), "")
	row("pass rate", pct(c.Gated.PassRate), pct(c.Baseline.PassRate), signedPct(c.Diff.PassRate))
	row("error rate", pct(c.Gated.ErrorRate), pct(c.Baseline.ErrorRate), signedPct(c.Diff.ErrorRate))
	row("block rate", pct(c.Gated.BlockRate), pct(c.Baseline.BlockRate), signedPct(c.Diff.BlockRate))
	row("PRs", itoa(c.Gated.PRs), itoa(c.Baseline.PRs), fmt.Sprintf("%+d", c.Diff.PRs))
	row("blocked", itoa(c.Gated.Blocked), itoa(c.Baseline.Blocked), fmt.Sprintf("%+d", c.Diff.Blocked))
	row("budget", fmt.Sprintf("%.3f", c.Gated.BudgetFinal), fmt.Sprintf("%.3f", c.Baseline.BudgetFinal),
		fmt.Sprintf("%+.3f", c.Diff.BudgetFinal))

	if path != "" {
		b.WriteString(mutedStyle.Render("written to "+path) + "\n")
	}
	return panelStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func pct(f float64) string       { return fmt.Sprintf("%.1f%%", f*100) }
func signedPct(f float64) string { return fmt.Sprintf("%+.1f%%", f*100) }
func itoa(n int) string          { return fmt.Sprintf("%d", n) }
