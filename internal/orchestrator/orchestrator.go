package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/warden/internal/events"
	"github.com/fyrsmithlabs/warden/internal/golden"
	"github.com/fyrsmithlabs/warden/internal/hooks"
	"github.com/fyrsmithlabs/warden/internal/logging"
	"github.com/fyrsmithlabs/warden/internal/taskqueue"
)

// Errors returned by the orchestrator.
var (
	// ErrInvalidConfig indicates the cycle configuration failed validation.
	ErrInvalidConfig = errors.New("invalid cycle config")

	// ErrNoAgent indicates New was called without an agent.
	ErrNoAgent = errors.New("cycle requires an agent")

	// ErrTaskTimeout indicates the delegate exceeded the per-task wall-clock bound.
	ErrTaskTimeout = errors.New("task timed out")
)

// Config holds the cycle settings.
type Config struct {
	Caps Caps `koanf:"caps" json:"caps"`

	// TaskTimeout bounds a single delegated task.
	TaskTimeout time.Duration `koanf:"task_timeout" json:"taskTimeout"`

	// MaxSubIterations is passed to the delegate unless the task overrides it.
	MaxSubIterations int `koanf:"max_sub_iterations" json:"maxSubIterations"`

	// QuietPeriod refuses to start when CRITICAL events were logged this recently.
	// Zero disables the check.
	QuietPeriod time.Duration `koanf:"quiet_period" json:"quietPeriod"`

	// ReportDir receives cycle-<id>.json. Empty disables persistence.
	ReportDir string `koanf:"report_dir" json:"reportDir"`

	// HistorySize is the number of prior task summaries handed to the delegate.
	HistorySize int `koanf:"history_size" json:"historySize"`
}

// DefaultConfig returns the default cycle configuration.
func DefaultConfig() Config {
	return Config{
		Caps:             DefaultCaps(),
		TaskTimeout:      15 * time.Minute,
		MaxSubIterations: 10,
		HistorySize:      5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Caps.Validate(); err != nil {
		return err
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("%w: task_timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxSubIterations <= 0 {
		return fmt.Errorf("%w: max_sub_iterations must be positive", ErrInvalidConfig)
	}
	if c.QuietPeriod < 0 || c.HistorySize < 0 {
		return fmt.Errorf("%w: quiet_period and history_size must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Orchestrator runs cycles. One Orchestrator may run several cycles, but never two at
// once against the same queue.
type Orchestrator struct {
	cfg       Config
	agent     Agent
	queue     *taskqueue.Queue
	quality   QualityGate
	golden    Golden
	events    EventLog
	admission Admission
	protector Protector
	hooks     *hooks.HookManager
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
	summary   io.Writer
	head      func(ctx context.Context) (string, error)
	now       func() time.Time
	newID     func() string
	baseline  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQualityGate sets the session counter source used for outcome inference.
func WithQualityGate(q QualityGate) Option {
	return func(o *Orchestrator) { o.quality = q }
}

// WithGolden replaces the embedded golden suite.
func WithGolden(g Golden) Option {
	return func(o *Orchestrator) { o.golden = g }
}

// WithEventLog sets the critical event log.
func WithEventLog(l EventLog) Option {
	return func(o *Orchestrator) { o.events = l }
}

// WithAdmission sets the gate handed to the delegate and summarized in the report.
func WithAdmission(a Admission) Option {
	return func(o *Orchestrator) { o.admission = a }
}

// WithProtector replaces the default protected-file patterns.
func WithProtector(p Protector) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.protector = p
		}
	}
}

// WithHooks sets the lifecycle hook manager.
func WithHooks(h *hooks.HookManager) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSummary prints a human-readable summary to w after each cycle.
func WithSummary(w io.Writer) Option {
	return func(o *Orchestrator) { o.summary = w }
}

// WithHeadCommit records the repository HEAD in the report.
func WithHeadCommit(fn func(ctx context.Context) (string, error)) Option {
	return func(o *Orchestrator) { o.head = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides cycle ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithBaselineMode asks the delegate to bypass its quality gate.
func WithBaselineMode(enabled bool) Option {
	return func(o *Orchestrator) { o.baseline = enabled }
}

// New creates an orchestrator over queue. A nil queue uses taskqueue.DefaultTasks.
func New(agent Agent, queue *taskqueue.Queue, cfg Config, opts ...Option) (*Orchestrator, error) {
	if agent == nil {
		return nil, ErrNoAgent
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if queue == nil {
		queue = taskqueue.DefaultTasks()
	}

	o := &Orchestrator{
		cfg:       cfg,
		agent:     agent,
		queue:     queue.Clone(),
		protector: taskqueue.NewProtector(taskqueue.DefaultProtectedPatterns()),
		tracer:    Tracer(),
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("cycle")

	if o.golden == nil {
		suite, err := golden.Default(o.logger)
		if err != nil {
			return nil, fmt.Errorf("load golden set: %w", err)
		}
		o.golden = suite
	}
	return o, nil
}

// cycle is the mutable state of one run.
type cycle struct {
	report  *CycleReport
	queue   *taskqueue.Queue
	state   State
	prev    *SessionStats
	last    *SessionStats
	history []string

	prs                int
	reviews            int
	consecutiveReviews int
	consecutiveErrors  int
}

// Run executes one cycle and returns its report. The report is always returned; the
// error is non-nil only when the report could not be persisted.
func (o *Orchestrator) Run(ctx context.Context) (*CycleReport, error) {
	caps := o.cfg.Caps
	c := &cycle{
		report: &CycleReport{
			CycleID:       o.newID(),
			StartTime:     o.now(),
			MaxIterations: caps.MaxIterations,
			TaskResults:   []TaskResult{},
			PRsCreated:    []string{},
			IssuesCreated: []string{},
			Caps:          &caps,
			BaselineMode:  o.baseline,
		},
		queue: o.queue.Clone(),
		state: StateInit,
	}

	ctx = logging.WithCycleID(ctx, c.report.CycleID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.cycle",
		trace.WithAttributes(attribute.String("warden.cycle_id", c.report.CycleID)))
	defer span.End()

	logger := o.logger.With(zap.String("cycle.id", c.report.CycleID))
	logger.Info("cycle starting",
		zap.Int("tasks", c.queue.Len()),
		zap.Int("max_iterations", caps.MaxIterations),
		zap.Bool("baseline", o.baseline))

	reason := o.execute(ctx, c, logger)
	c.state = StateStopped
	o.finalize(ctx, c, reason)

	span.SetAttributes(
		attribute.String("warden.stop_reason", string(reason)),
		attribute.Int("warden.iterations", c.report.Iterations))
	if reason.Partial() {
		span.SetStatus(codes.Error, string(reason))
	}

	logger.Info("cycle stopped",
		zap.String("stop_reason", string(reason)),
		zap.Int("iterations", c.report.Iterations),
		zap.Int("pass", c.report.Results.Pass),
		zap.Int("review", c.report.Results.Review),
		zap.Int("reject", c.report.Results.Reject),
		zap.Int("skip", c.report.Results.Skip),
		zap.Int("error", c.report.Results.Error))

	o.metrics.RecordCycle(ctx, c.report)

	persistErr := o.persist(c.report, logger)

	if err := o.hooks.Execute(ctx, hooks.HookCycleStop, map[string]interface{}{
		"cycle_id":    c.report.CycleID,
		"stop_reason": string(reason),
		"iterations":  c.report.Iterations,
	}); err != nil {
		logger.Warn("cycle_stop hook failed", zap.Error(err))
	}

	if o.summary != nil {
		fmt.Fprintln(o.summary, RenderSummary(c.report))
	}
	return c.report, persistErr
}

func (o *Orchestrator) execute(ctx context.Context, c *cycle, logger *zap.Logger) StopReason {
	if o.criticalEventsPending(logger) {
		return StopCriticalEventsPending
	}

	c.state = StateGoldenCheck
	if reason, ok := o.checkGolden(ctx, c, logger); !ok {
		return reason
	}
	if ctx.Err() != nil {
		return StopCancelled
	}

	if o.quality != nil {
		if err := o.quality.InitSession(ctx); err != nil {
			logger.Error("quality gate session init failed", zap.Error(err))
			return StopFatalError
		}
		c.prev = o.sessionStats(ctx, logger)
		c.last = c.prev
	}

	if err := o.hooks.Execute(ctx, hooks.HookCycleStart, map[string]interface{}{
		"cycle_id": c.report.CycleID,
		"tasks":    c.queue.Len(),
	}); err != nil {
		logger.Warn("cycle_start hook failed", zap.Error(err))
		if o.hooks.Config().FailCycleOnError {
			return StopFatalError
		}
	}

	c.state = StateRunning
	caps := o.cfg.Caps
	for {
		if ctx.Err() != nil {
			return StopCancelled
		}
		if c.queue.Len() == 0 {
			return StopQueueExhausted
		}
		if caps.MaxDuration > 0 && o.now().Sub(c.report.StartTime) >= caps.MaxDuration {
			return StopMaxDuration
		}

		task, _ := c.queue.Next()
		c.queue = c.queue.Remove(task.ID)
		c.report.Iterations++

		if files := o.protector.ProtectedFiles(task); len(files) > 0 {
			o.blockTask(ctx, c, task, files, logger)
			return StopProtectedFile
		}

		err := o.runTask(ctx, c, task, logger)
		if IsFatal(err) {
			logger.Error("fatal delegate error", zap.String("task.id", task.ID), zap.Error(err))
			return StopFatalError
		}
		if reason, stop := o.checkCaps(c); stop {
			return reason
		}
	}
}

// criticalEventsPending fails closed: an unreadable log counts as pending.
func (o *Orchestrator) criticalEventsPending(logger *zap.Logger) bool {
	if o.cfg.QuietPeriod <= 0 || o.events == nil {
		return false
	}
	pending, err := o.events.HasRecentSeverity(o.cfg.QuietPeriod, events.SeverityCritical)
	if err != nil {
		logger.Error("critical event log unreadable", zap.Error(err))
		return true
	}
	if pending {
		logger.Warn("critical events within quiet period; refusing to start",
			zap.Duration("quiet_period", o.cfg.QuietPeriod))
	}
	return pending
}

func (o *Orchestrator) checkGolden(ctx context.Context, c *cycle, logger *zap.Logger) (StopReason, bool) {
	res, err := o.golden.Run(ctx)
	c.report.GoldenSet = &res
	if err == nil {
		return "", true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StopCancelled, false
	}

	logger.Error("golden set failed; aborting cycle", zap.Error(err))
	o.recordEvent(ctx, events.Event{
		Type:        events.GoldenSetRegression,
		Severity:    events.SeverityCritical,
		Description: err.Error(),
		Context: map[string]any{
			"version":  res.Version,
			"accuracy": res.Accuracy,
			"failures": len(res.Failures),
		},
		CycleID: c.report.CycleID,
	}, logger)
	if herr := o.hooks.Execute(ctx, hooks.HookGoldenFailed, map[string]interface{}{
		"cycle_id": c.report.CycleID,
		"version":  res.Version,
		"accuracy": res.Accuracy,
	}); herr != nil {
		logger.Warn("golden_failed hook failed", zap.Error(herr))
	}
	return StopGoldenSetFailed, false
}

func (o *Orchestrator) blockTask(ctx context.Context, c *cycle, task taskqueue.Task, files []string, logger *zap.Logger) {
	result := TaskResult{
		TaskID:         task.ID,
		Title:          task.Title,
		Iteration:      c.report.Iterations,
		Outcome:        OutcomeSkip,
		Reason:         "targets protected file",
		ProtectedFiles: files,
		StartedAt:      o.now(),
	}
	o.record(ctx, c, result)

	logger.Error("task targets protected files",
		zap.String("task.id", task.ID),
		zap.Strings("files", files))
	o.recordEvent(ctx, events.Event{
		Type:        events.ProtectedFileAttempt,
		Severity:    events.SeverityCritical,
		Description: fmt.Sprintf("task %s targets protected files: %s", task.ID, strings.Join(files, ", ")),
		Context:     map[string]any{"files": files, "title": task.Title},
		CycleID:     c.report.CycleID,
		TaskID:      task.ID,
	}, logger)
	if err := o.hooks.Execute(ctx, hooks.HookTaskBlocked, map[string]interface{}{
		"cycle_id": c.report.CycleID,
		"task_id":  task.ID,
		"files":    files,
	}); err != nil {
		logger.Warn("task_blocked hook failed", zap.Error(err))
	}
}

// runTask delegates one task and records its result. The returned error is the
// delegate's error, if any.
func (o *Orchestrator) runTask(ctx context.Context, c *cycle, task taskqueue.Task, logger *zap.Logger) error {
	ctx = logging.WithTaskID(ctx, task.ID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.task",
		trace.WithAttributes(taskAttributes(c.report.CycleID, task.ID, c.report.Iterations)...))
	defer span.End()

	maxSub := task.MaxSubIterations
	if maxSub <= 0 {
		maxSub = o.cfg.MaxSubIterations
	}

	var admission Admitter
	if o.admission != nil {
		admission = o.admission
	}

	started := o.now()
	tctx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	res, err := o.agent.Execute(tctx, ExecuteRequest{
		Intent:           task.Intent,
		MaxSubIterations: maxSub,
		History:          c.historyTail(o.cfg.HistorySize),
		Timeout:          o.cfg.TaskTimeout,
		Task:             task,
		BaselineMode:     o.baseline,
		Admission:        admission,
	})
	timedOut := errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if timedOut && !IsFatal(err) {
		if err == nil {
			err = fmt.Errorf("%w after %s", ErrTaskTimeout, o.cfg.TaskTimeout)
		} else {
			err = fmt.Errorf("%w after %s: %v", ErrTaskTimeout, o.cfg.TaskTimeout, err)
		}
	}

	stats := o.sessionStats(ctx, logger)
	outcome, reason := inferOutcome(c.last, stats, res, err)

	result := TaskResult{
		TaskID:     task.ID,
		Title:      task.Title,
		Iteration:  c.report.Iterations,
		Outcome:    outcome,
		Reason:     reason,
		PRURL:      res.PRURL,
		IssueURL:   res.IssueURL,
		StartedAt:  started,
		DurationMs: o.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
	}
	span.SetAttributes(attribute.String("warden.outcome", string(outcome)))

	c.count(result, c.last, stats)
	if stats != nil {
		c.last = stats
	}
	o.record(ctx, c, result)

	logger.Info("task finished",
		zap.String("task.id", task.ID),
		zap.Int("iteration", result.Iteration),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
		zap.Int64("duration_ms", result.DurationMs))
	return err
}

// inferOutcome derives the task outcome from counter movement. Without session
// counters the delegate's own PR and issue links are used.
func inferOutcome(prev, cur *SessionStats, res ExecuteResult, err error) (Outcome, string) {
	if cur != nil {
		d := cur.delta(prev)
		switch {
		case d.PRsCreated > 0:
			return OutcomePass, "pull request created"
		case d.ReviewsCreated > 0:
			return OutcomeReview, "queued for human review"
		case d.RejectsLogged > 0:
			return OutcomeReject, "rejected by quality gate"
		}
	} else if err == nil {
		switch {
		case res.PRURL != "":
			return OutcomePass, "pull request created"
		case res.IssueURL != "":
			return OutcomeReview, "issue filed for review"
		}
	}

	if err != nil {
		if errors.Is(err, ErrTaskTimeout) {
			return OutcomeError, "timeout"
		}
		return OutcomeError, "delegate error"
	}
	if !res.Success {
		return OutcomeSkip, "delegate reported no success"
	}
	return OutcomeSkip, "no quality-gate activity"
}

// count updates the cap counters for one delegated task.
func (c *cycle) count(r TaskResult, prev, cur *SessionStats) {
	if cur != nil {
		d := cur.delta(prev)
		c.prs += max(d.PRsCreated, 0)
		c.reviews += max(d.ReviewsCreated, 0)
	} else {
		switch r.Outcome {
		case OutcomePass:
			c.prs++
		case OutcomeReview:
			c.reviews++
		}
	}

	if r.Outcome == OutcomeReview {
		c.consecutiveReviews++
	} else {
		c.consecutiveReviews = 0
	}
	if cur != nil && cur.ConsecutiveReviews > c.consecutiveReviews {
		c.consecutiveReviews = cur.ConsecutiveReviews
	}

	if r.Outcome == OutcomeError {
		c.consecutiveErrors++
	} else {
		c.consecutiveErrors = 0
	}
}

func (o *Orchestrator) record(ctx context.Context, c *cycle, r TaskResult) {
	c.report.TaskResults = append(c.report.TaskResults, r)
	c.report.Results.Add(r.Outcome)
	if r.Outcome == OutcomePass {
		pr := r.PRURL
		if pr == "" {
			pr = "task:" + r.TaskID
		}
		c.report.PRsCreated = append(c.report.PRsCreated, pr)
	}
	if r.IssueURL != "" {
		c.report.IssuesCreated = append(c.report.IssuesCreated, r.IssueURL)
	}
	c.history = append(c.history, fmt.Sprintf("%s: %s (%s)", r.TaskID, r.Outcome, r.Reason))
	o.metrics.RecordTask(ctx, r)
}

func (c *cycle) historyTail(n int) []string {
	if n <= 0 || len(c.history) == 0 {
		return nil
	}
	if len(c.history) > n {
		return append([]string(nil), c.history[len(c.history)-n:]...)
	}
	return append([]string(nil), c.history...)
}

func (o *Orchestrator) checkCaps(c *cycle) (StopReason, bool) {
	caps := o.cfg.Caps
	switch {
	case caps.MaxPRs > 0 && c.prs >= caps.MaxPRs:
		return StopMaxPRs, true
	case caps.MaxReviews > 0 && c.reviews >= caps.MaxReviews:
		return StopMaxReviews, true
	case caps.MaxConsecutiveReviews > 0 && c.consecutiveReviews >= caps.MaxConsecutiveReviews:
		return StopMaxConsecutiveReviews, true
	case caps.MaxConsecutiveErrors > 0 && c.consecutiveErrors >= caps.MaxConsecutiveErrors:
		return StopMaxConsecutiveErrors, true
	case c.report.Iterations >= caps.MaxIterations:
		return StopMaxIterations, true
	}
	return "", false
}

func (o *Orchestrator) sessionStats(ctx context.Context, logger *zap.Logger) *SessionStats {
	if o.quality == nil {
		return nil
	}
	stats, err := o.quality.SessionStats(ctx)
	if err != nil {
		logger.Warn("quality gate stats unavailable", zap.Error(err))
		return nil
	}
	return stats
}

func (o *Orchestrator) recordEvent(ctx context.Context, ev events.Event, logger *zap.Logger) {
	if o.events == nil {
		return
	}
	if _, err := o.events.Append(ctx, ev); err != nil {
		logger.Error("append critical event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// finalize fills the report summary fields.
func (o *Orchestrator) finalize(ctx context.Context, c *cycle, reason StopReason) {
	r := c.report
	r.StopReason = reason
	r.Partial = reason.Partial()
	r.EndTime = o.now()
	r.Results = Tally(r.TaskResults)
	if c.last != nil {
		stats := *c.last
		r.QualityGateStats = &stats
	}
	if o.admission != nil {
		b := o.admission.Budget()
		s := o.admission.Stats()
		r.ExplorationBudget = &b
		r.AdmissionStats = &s
	}
	if o.head != nil {
		head, err := o.head(ctx)
		if err != nil {
			o.logger.Debug("head commit unavailable", zap.Error(err))
		}
		r.HeadCommit = head
	}
}
