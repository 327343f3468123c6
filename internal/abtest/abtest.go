// Package abtest runs the same task queue under a gated and a baseline configuration and
// compares the aggregate results.
//
// Each condition gets its own admission gate, exploration ledger and token issuer. The
// arms run one after the other, gated first, so agents that edit a shared work tree do
// not interfere. The critical-event quiet period is checked once for the whole run.
package abtest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/warden/internal/budget"
	"github.com/fyrsmithlabs/warden/internal/cmdmatch"
	"github.com/fyrsmithlabs/warden/internal/confirm"
	"github.com/fyrsmithlabs/warden/internal/events"
	"github.com/fyrsmithlabs/warden/internal/fsutil"
	"github.com/fyrsmithlabs/warden/internal/gate"
	"github.com/fyrsmithlabs/warden/internal/orchestrator"
	"github.com/fyrsmithlabs/warden/internal/pathsafe"
	"github.com/fyrsmithlabs/warden/internal/risk"
	"github.com/fyrsmithlabs/warden/internal/taskqueue"
)

// Condition names one arm of the comparison.
type Condition string

const (
	ConditionGated    Condition = "gated"
	ConditionBaseline Condition = "baseline"
)

var (
	// ErrNoAgentFactory indicates New was called without an agent factory.
	ErrNoAgentFactory = errors.New("ab harness requires an agent factory")

	// ErrCriticalEventsPending indicates CRITICAL events inside the quiet period.
	ErrCriticalEventsPending = errors.New("critical events within quiet period")
)

// Context is one isolated set of governance state.
type Context struct {
	Gate   *gate.Gate
	Ledger *budget.Ledger
	Issuer *confirm.Issuer
}

// ContextConfig configures NewContext.
type ContextConfig struct {
	Root      string
	Budget    budget.Config
	Policy    *cmdmatch.Policy
	Critical  *pathsafe.CriticalSet
	Protected []string
	TokenTTL  time.Duration
}

// NewContext builds a fresh gate, ledger and issuer.
func NewContext(name string, cfg ContextConfig, logger *zap.Logger) (*Context, error) {
	ledger, err := budget.NewLedger(cfg.Budget)
	if err != nil {
		return nil, err
	}

	var ropts []pathsafe.Option
	if cfg.Critical != nil {
		ropts = append(ropts, pathsafe.WithCriticalSet(cfg.Critical))
	}
	if cfg.Protected != nil {
		ropts = append(ropts, pathsafe.WithProtectedPaths(cfg.Protected))
	}
	resolver, err := pathsafe.NewResolver(cfg.Root, ropts...)
	if err != nil {
		return nil, err
	}

	var iopts []confirm.Option
	if cfg.TokenTTL > 0 {
		iopts = append(iopts, confirm.WithTTL(cfg.TokenTTL))
	}
	issuer := confirm.NewIssuer(iopts...)

	gopts := []gate.Option{gate.WithName(name), gate.WithLogger(logger)}
	if cfg.Policy != nil {
		gopts = append(gopts, gate.WithCommandPolicy(cfg.Policy))
	}
	if cfg.Critical != nil {
		gopts = append(gopts, gate.WithClassifier(risk.NewClassifier(risk.WithCriticalSet(cfg.Critical))))
	}

	return &Context{
		Gate:   gate.New(resolver, issuer, ledger, gopts...),
		Ledger: ledger,
		Issuer: issuer,
	}, nil
}

// AgentFactory returns the delegate for one condition.
type AgentFactory func(cond Condition, gc *Context) orchestrator.Agent

// QualityFactory returns the quality-gate session for one condition, or nil.
type QualityFactory func(cond Condition) orchestrator.QualityGate

// Metrics aggregates one cycle.
type Metrics struct {
	Condition    Condition               `json:"condition"`
	CycleID      string                  `json:"cycleId"`
	StopReason   orchestrator.StopReason `json:"stopReason"`
	Iterations   int                     `json:"iterations"`
	Results      orchestrator.Results    `json:"results"`
	PassRate     float64                 `json:"passRate"`
	ErrorRate    float64                 `json:"errorRate"`
	PRs          int                     `json:"prs"`
	Admissions   int                     `json:"admissions"`
	Blocked      int                     `json:"blocked"`
	BlockRate    float64                 `json:"blockRate"`
	BudgetFinal  float64                 `json:"budgetFinal"`
	RiskyActions int64                   `json:"riskyActions"`
	DurationMs   int64                   `json:"durationMs"`
}

// Diff is gated minus baseline.
type Diff struct {
	PassRate     float64 `json:"passRate"`
	ErrorRate    float64 `json:"errorRate"`
	BlockRate    float64 `json:"blockRate"`
	BudgetFinal  float64 `json:"budgetFinal"`
	Iterations   int     `json:"iterations"`
	PRs          int     `json:"prs"`
	Blocked      int     `json:"blocked"`
	RiskyActions int64   `json:"riskyActions"`
}

// Comparison is the persisted A/B result.
type Comparison struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	Tasks     int       `json:"tasks"`
	Gated     Metrics   `json:"gated"`
	Baseline  Metrics   `json:"baseline"`
	Diff      Diff      `json:"diff"`
}

// Harness runs comparisons.
type Harness struct {
	queue   *taskqueue.Queue
	cycle   orchestrator.Config
	ctxCfg  ContextConfig
	agents  AgentFactory
	quality QualityFactory
	golden  orchestrator.Golden
	logger  *zap.Logger
	now     func() time.Time
	protect orchestrator.Protector
	events  orchestrator.EventLog
	outDir  string
}

// Option configures a Harness.
type Option func(*Harness)

// WithQuality sets the per-condition quality-gate sessions.
func WithQuality(q QualityFactory) Option {
	return func(h *Harness) { h.quality = q }
}

// WithGolden replaces the embedded golden suite for both arms.
func WithGolden(g orchestrator.Golden) Option {
	return func(h *Harness) { h.golden = g }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock overrides time.Now for the comparison timestamp.
func WithClock(now func() time.Time) Option {
	return func(h *Harness) {
		if now != nil {
			h.now = now
		}
	}
}

// WithProtector replaces the protected-file patterns for both arms.
func WithProtector(p orchestrator.Protector) Option {
	return func(h *Harness) { h.protect = p }
}

// WithEventLog records both arms' critical events in l.
func WithEventLog(l orchestrator.EventLog) Option {
	return func(h *Harness) { h.events = l }
}

// WithOutputDir writes ab_comparison-<timestamp>.json into dir after each run.
func WithOutputDir(dir string) Option {
	return func(h *Harness) { h.outDir = dir }
}

// New creates a harness. Each arm gets a clone of queue.
func New(queue *taskqueue.Queue, cycle orchestrator.Config, ctxCfg ContextConfig, agents AgentFactory, opts ...Option) (*Harness, error) {
	if agents == nil {
		return nil, ErrNoAgentFactory
	}
	if err := cycle.Validate(); err != nil {
		return nil, err
	}
	h := &Harness{
		queue:  queue,
		cycle:  cycle,
		ctxCfg: ctxCfg,
		agents: agents,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("abtest")
	return h, nil
}

type armResult struct {
	report *orchestrator.CycleReport
	gc     *Context
	err    error
}

// Run executes both arms and compares them.
func (h *Harness) Run(ctx context.Context) (*Comparison, error) {
	if err := h.checkQuietPeriod(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	conds := []Condition{ConditionGated, ConditionBaseline}
	results := make([]armResult, len(conds))
	for i, cond := range conds {
		results[i] = h.runArm(ctx, runID, cond)
	}

	for i, r := range results {
		if r.report == nil {
			return nil, fmt.Errorf("%s arm: %w", conds[i], r.err)
		}
		if r.err != nil {
			h.logger.Warn("arm report not persisted", zap.String("condition", string(conds[i])), zap.Error(r.err))
		}
	}

	gated := collect(ConditionGated, results[0])
	baseline := collect(ConditionBaseline, results[1])
	c := &Comparison{
		RunID:     runID,
		Timestamp: h.now().UTC(),
		Tasks:     h.queue.Len(),
		Gated:     gated,
		Baseline:  baseline,
		Diff:      diff(gated, baseline),
	}

	h.logger.Info("ab comparison complete",
		zap.String("run_id", runID),
		zap.Float64("pass_rate_diff", c.Diff.PassRate),
		zap.Int("blocked_diff", c.Diff.Blocked))

	if h.outDir != "" {
		if _, err := WriteComparison(h.outDir, c); err != nil {
			return c, err
		}
	}
	return c, nil
}

// checkQuietPeriod applies the cycle precondition once so events logged by the first arm
// cannot stop the second. An unreadable log counts as pending.
func (h *Harness) checkQuietPeriod() error {
	if h.cycle.QuietPeriod <= 0 || h.events == nil {
		return nil
	}
	pending, err := h.events.HasRecentSeverity(h.cycle.QuietPeriod, events.SeverityCritical)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCriticalEventsPending, err)
	}
	if pending {
		return fmt.Errorf("%w (%s)", ErrCriticalEventsPending, h.cycle.QuietPeriod)
	}
	return nil
}

func (h *Harness) runArm(ctx context.Context, runID string, cond Condition) armResult {
	logger := h.logger.With(zap.String("condition", string(cond)))
	gc, err := NewContext(string(cond), h.ctxCfg, logger)
	if err != nil {
		return armResult{err: err}
	}

	admission := AdmissionFor(cond, gc.Gate)

	opts := []orchestrator.Option{
		orchestrator.WithAdmission(admission),
		orchestrator.WithBaselineMode(cond == ConditionBaseline),
		orchestrator.WithLogger(logger),
		orchestrator.WithIDGenerator(func() string { return fmt.Sprintf("%s-%s", runID, cond) }),
	}
	if h.golden != nil {
		opts = append(opts, orchestrator.WithGolden(h.golden))
	}
	if h.quality != nil {
		if q := h.quality(cond); q != nil {
			opts = append(opts, orchestrator.WithQualityGate(q))
		}
	}
	if h.protect != nil {
		opts = append(opts, orchestrator.WithProtector(h.protect))
	}
	if h.events != nil {
		opts = append(opts, orchestrator.WithEventLog(h.events))
	}

	cfg := h.cycle
	cfg.QuietPeriod = 0
	o, err := orchestrator.New(h.agents(cond, gc), h.queue.Clone(), cfg, opts...)
	if err != nil {
		return armResult{err: err}
	}
	report, err := o.Run(ctx)
	return armResult{report: report, gc: gc, err: err}
}

// AdmissionFor returns g for the gated arm and a recording passthrough for the
// baseline arm.
func AdmissionFor(cond Condition, g *gate.Gate) orchestrator.Admission {
	if cond == ConditionBaseline {
		return passthrough{g}
	}
	return g
}

// passthrough admits everything while the wrapped gate still records what it would have
// decided.
type passthrough struct {
	*gate.Gate
}

func (p passthrough) CheckAdmission(ctx context.Context, tool string, params map[string]any, token string) gate.Decision {
	d := p.Gate.CheckAdmission(ctx, tool, params, token)
	if d.Allowed {
		return d
	}
	return gate.Decision{
		Allowed:  true,
		Reason:   "ungated baseline",
		Severity: gate.SeverityWarn,
		Evidence: append([]string{"would block: " + d.Reason}, d.Evidence...),
		Tier:     d.Tier,
		Check:    d.Check,
	}
}

func collect(cond Condition, r armResult) Metrics {
	rep := r.report
	m := Metrics{
		Condition:  cond,
		CycleID:    rep.CycleID,
		StopReason: rep.StopReason,
		Iterations: rep.Iterations,
		Results:    rep.Results,
		PRs:        len(rep.PRsCreated),
		DurationMs: rep.Duration().Milliseconds(),
	}
	if rep.Iterations > 0 {
		m.PassRate = float64(rep.Results.Pass) / float64(rep.Iterations)
		m.ErrorRate = float64(rep.Results.Error) / float64(rep.Iterations)
	}
	stats := r.gc.Gate.Stats()
	m.Admissions = stats.Total
	m.Blocked = stats.Blocked
	m.BlockRate = stats.BlockRate
	status := r.gc.Ledger.Status()
	m.BudgetFinal = status.Current
	m.RiskyActions = status.TotalRiskyActions
	return m
}

func diff(g, b Metrics) Diff {
	return Diff{
		PassRate:     g.PassRate - b.PassRate,
		ErrorRate:    g.ErrorRate - b.ErrorRate,
		BlockRate:    g.BlockRate - b.BlockRate,
		BudgetFinal:  g.BudgetFinal - b.BudgetFinal,
		Iterations:   g.Iterations - b.Iterations,
		PRs:          g.PRs - b.PRs,
		Blocked:      g.Blocked - b.Blocked,
		RiskyActions: g.RiskyActions - b.RiskyActions,
	}
}

// FileName returns the comparison file name for a timestamp.
func FileName(ts time.Time) string {
	return fmt.Sprintf("ab_comparison-%s.json", ts.UTC().Format("20060102T150405Z"))
}

// WriteComparison persists c atomically into dir and returns the path.
func WriteComparison(dir string, c *Comparison) (string, error) {
	path := filepath.Join(dir, FileName(c.Timestamp))
	if err := fsutil.WriteJSON(path, c, 0o600); err != nil {
		return "", fmt.Errorf("write ab comparison: %w", err)
	}
	return path, nil
}
