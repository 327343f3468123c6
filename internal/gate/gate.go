// Package gate implements the admission gate consulted before every side-effecting tool
// call.
//
// A Gate composes the risk classifier, path resolver, command policy, confirmation token
// issuer and exploration budget ledger into one decision with ordered evidence. Checks
// run sequentially and short-circuit on the first block:
//
//  1. command policy (denylist wins, default-deny)
//  2. path resolution (protected system paths, project-root containment, symlink escape)
//  3. two-step confirmation for writes to critical files
//  4. exploration budget for risky tiers
//
// CheckAdmission never returns an error and never panics: any internal failure becomes a
// block decision. A Gate is a self-contained context: two Gates share no state.
package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/warden/internal/budget"
	"github.com/fyrsmithlabs/warden/internal/cmdmatch"
	"github.com/fyrsmithlabs/warden/internal/logging"
	"github.com/fyrsmithlabs/warden/internal/pathsafe"
	"github.com/fyrsmithlabs/warden/internal/risk"
)

// Severity grades a decision.
type Severity string

// Severities. Block iff not allowed; warn iff allowed with evidence.
const (
	SeveritySafe  Severity = "safe"
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// Check names used in metrics and decisions.
const (
	CheckCommand      = "command"
	CheckPath         = "path"
	CheckConfirmation = "confirmation"
	CheckBudget       = "budget"
	CheckInternal     = "internal"
)

// Decision is an immutable admission outcome.
type Decision struct {
	Allowed  bool      `json:"allowed"`
	Reason   string    `json:"reason"`
	Severity Severity  `json:"severity"`
	Evidence []string  `json:"evidence"`
	Tier     risk.Tier `json:"tier"`
	// Check names the check that blocked, empty when allowed.
	Check string `json:"check,omitempty"`
}

// Classifier assigns risk tiers and recognizes tool families.
type Classifier interface {
	Classify(tool string, params map[string]any) risk.Tier
	IsWriteTool(tool string) bool
	IsCommandTool(tool string) bool
}

// PathResolver validates filesystem paths.
type PathResolver interface {
	Resolve(path string) (pathsafe.Resolution, error)
}

// CommandPolicy evaluates shell commands.
type CommandPolicy interface {
	Evaluate(command string) cmdmatch.Verdict
}

// Tokens consumes one-shot confirmation tokens.
type Tokens interface {
	Consume(value string) error
}

// Ledger is the exploration budget capability the gate depends on.
type Ledger interface {
	CanTakeRisk() budget.Check
	RecordAction(tier risk.Tier)
	Status() budget.Status
}

// Gate is the admission gate. It is safe for concurrent use; decisions are serialized so
// that a budget check and its ledger update are atomic.
type Gate struct {
	name       string
	classifier Classifier
	resolver   PathResolver
	commands   CommandPolicy
	tokens     Tokens
	ledger     Ledger
	sink       Sink
	logger     *zap.Logger
	redact     func(string) string
	now        func() time.Time
	capacity   int

	mu  sync.Mutex
	log *auditLog
}

// Option configures a Gate.
type Option func(*Gate)

// WithName labels the gate in metrics and logs.
func WithName(name string) Option {
	return func(g *Gate) {
		if name != "" {
			g.name = name
		}
	}
}

// WithClassifier overrides the default risk classifier.
func WithClassifier(c Classifier) Option {
	return func(g *Gate) {
		if c != nil {
			g.classifier = c
		}
	}
}

// WithCommandPolicy overrides the default command policy.
func WithCommandPolicy(p CommandPolicy) Option {
	return func(g *Gate) {
		if p != nil {
			g.commands = p
		}
	}
}

// WithSink sets the sink for blocked decisions.
func WithSink(s Sink) Option {
	return func(g *Gate) {
		g.sink = s
	}
}

// WithLogger sets the zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l.Named("gate")
		}
	}
}

// WithRedactor sets the function applied to string parameters before they are retained
// in the audit buffer or sent to sinks.
func WithRedactor(fn func(string) string) Option {
	return func(g *Gate) {
		if fn != nil {
			g.redact = fn
		}
	}
}

// WithClock injects a time source for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogCapacity sets the audit ring buffer size.
func WithLogCapacity(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.capacity = n
		}
	}
}

// New creates a gate bound to a path resolver, token issuer and ledger.
func New(resolver PathResolver, tokens Tokens, ledger Ledger, opts ...Option) *Gate {
	g := &Gate{
		name:       "default",
		classifier: risk.NewClassifier(),
		resolver:   resolver,
		commands:   cmdmatch.DefaultPolicy(),
		tokens:     tokens,
		ledger:     ledger,
		logger:     zap.NewNop(),
		redact:     func(s string) string { return s },
		now:        time.Now,
		capacity:   DefaultLogCapacity,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = newAuditLog(g.capacity)
	return g
}

// Name returns the gate label.
func (g *Gate) Name() string {
	return g.name
}

// SetCommandPolicy swaps the command policy, e.g. after a policy file reload.
func (g *Gate) SetCommandPolicy(p CommandPolicy) {
	if p == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commands = p
}

// SetResolver swaps the path resolver.
func (g *Gate) SetResolver(r PathResolver) {
	if r == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolver = r
}

// SetClassifier swaps the risk classifier.
func (g *Gate) SetClassifier(c Classifier) {
	if c == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.classifier = c
}

// CheckAdmission decides whether tool may run with params. token is the confirmation
// token presented for critical-file writes; it may be empty.
func (g *Gate) CheckAdmission(ctx context.Context, tool string, params map[string]any, token string) Decision {
	var (
		d     Decision
		check string
		entry Entry
	)

	func() {
		g.mu.Lock()
		defer g.mu.Unlock()

		d, check = g.decideSafely(tool, params, token)
		if d.Allowed {
			g.ledger.RecordAction(d.Tier)
		}

		entry = Entry{
			Timestamp: g.now().UTC(),
			Tool:      tool,
			Params:    g.snapshot(params),
			Decision:  d,
		}
		g.log.add(entry)
	}()

	observeDecision(g.name, d, check)
	if g.ledger != nil {
		BudgetCurrent.WithLabelValues(g.name).Set(g.ledger.Status().Current)
	}

	fields := append(traceFields(ctx),
		zap.String("gate", g.name),
		zap.String("tool", tool),
		zap.String("severity", string(d.Severity)),
		zap.String("tier", string(d.Tier)),
		zap.String("reason", d.Reason),
	)
	if d.Allowed {
		g.logger.Debug("admission decided", fields...)
	} else {
		g.logger.Info("admission blocked", append(fields, zap.String("check", check))...)
		if g.sink != nil {
			g.sink.Blocked(ctx, entry)
		}
	}

	return d.clone()
}

// decideSafely converts panics into a block decision.
func (g *Gate) decideSafely(tool string, params map[string]any, token string) (d Decision, check string) {
	defer func() {
		if r := recover(); r != nil {
			d = block(risk.Core, CheckInternal,
				fmt.Sprintf("internal gate error: %v", r),
				"fail-closed: admission check panicked")
			check = CheckInternal
		}
	}()
	return g.decide(tool, params, token)
}

func (g *Gate) decide(tool string, params map[string]any, token string) (Decision, string) {
	if strings.TrimSpace(tool) == "" {
		return block(risk.Core, CheckInternal, "missing tool name", "fail-closed: tool name is required"), CheckInternal
	}
	if g.resolver == nil || g.tokens == nil || g.ledger == nil {
		return block(risk.Core, CheckInternal, "gate not configured", "fail-closed: resolver, token issuer and ledger are required"), CheckInternal
	}

	tier := g.classifier.Classify(tool, params)
	var evidence []string

	// 1. Commands.
	if g.classifier.IsCommandTool(tool) {
		cmd, ok := risk.CommandParam(params)
		if !ok {
			return block(tier, CheckCommand, "missing command parameter", "fail-closed: command tools require a command"), CheckCommand
		}
		v := g.commands.Evaluate(cmd)
		if !v.Allowed {
			ev := []string{v.Reason}
			if v.Segment != "" && v.Segment != strings.TrimSpace(cmd) {
				ev = append(ev, fmt.Sprintf("segment: %s", v.Segment))
			}
			return block(tier, CheckCommand, fmt.Sprintf("command blocked: %s", v.Reason), ev...), CheckCommand
		}
	}

	// 2. Paths.
	var res *pathsafe.Resolution
	if p, ok := risk.PathParam(params); ok {
		r, err := g.resolver.Resolve(p)
		if err != nil {
			return block(tier, CheckPath, fmt.Sprintf("path blocked: %v", err), err.Error()), CheckPath
		}
		res = &r
		if r.Critical {
			evidence = append(evidence, fmt.Sprintf("critical file: %s", r.Rel))
		}
	}

	// 3. Two-step confirmation for critical writes.
	if res != nil && res.Critical && g.classifier.IsWriteTool(tool) {
		if tier != risk.Core {
			tier = risk.WriteCritical
		}
		if strings.TrimSpace(token) == "" {
			return block(tier, CheckConfirmation,
				fmt.Sprintf("critical file %s requires confirmation", res.Rel),
				append(evidence,
					"confirmation token required",
					remediation)...), CheckConfirmation
		}
		if err := g.tokens.Consume(token); err != nil {
			return block(tier, CheckConfirmation,
				fmt.Sprintf("critical file %s: %v", res.Rel, err),
				append(evidence, err.Error(), remediation)...), CheckConfirmation
		}
		evidence = append(evidence, fmt.Sprintf("confirmation token accepted for %s", res.Rel))
	}

	// 4. Budget.
	if tier.IsRisky() {
		c := g.ledger.CanTakeRisk()
		if !c.Allowed {
			return block(tier, CheckBudget, c.Reason, append(evidence, c.Reason)...), CheckBudget
		}
		evidence = append(evidence, fmt.Sprintf("risky action, budget ok (%s)", c.Reason))
	}

	return allow(tier, evidence), ""
}

const remediation = "remediation: issue a confirmation token (warden token issue or POST /v1/tokens) and retry with it within its TTL"

func block(tier risk.Tier, check, reason string, evidence ...string) Decision {
	if len(evidence) == 0 {
		evidence = []string{reason}
	}
	return Decision{
		Allowed:  false,
		Reason:   reason,
		Severity: SeverityBlock,
		Evidence: evidence,
		Tier:     tier,
		Check:    check,
	}
}

func allow(tier risk.Tier, evidence []string) Decision {
	d := Decision{Allowed: true, Reason: "allowed", Severity: SeveritySafe, Tier: tier, Evidence: []string{}}
	if len(evidence) > 0 {
		d.Severity = SeverityWarn
		d.Evidence = evidence
		d.Reason = "allowed with evidence"
	}
	return d
}

func (d Decision) clone() Decision {
	out := d
	out.Evidence = append([]string(nil), d.Evidence...)
	if out.Evidence == nil {
		out.Evidence = []string{}
	}
	return out
}

// snapshotValueLimit truncates long string parameters (file contents, patches).
const snapshotValueLimit = 512

func (g *Gate) snapshot(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(params))
	for _, k := range keys {
		switch v := params[k].(type) {
		case string:
			s := g.redact(v)
			if len(s) > snapshotValueLimit {
				s = s[:snapshotValueLimit] + "...[truncated]"
			}
			out[k] = s
		case bool, int, int64, float64, nil:
			out[k] = v
		default:
			out[k] = fmt.Sprintf("<%T>", v)
		}
	}
	return out
}

// Stats returns statistics over the retained audit entries.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.log.stats()
}

// Entries returns the retained audit entries, oldest first.
func (g *Gate) Entries() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.log.entries()
}

// ResetLog clears the audit buffer.
func (g *Gate) ResetLog() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.reset()
}

// Budget returns the ledger snapshot.
func (g *Gate) Budget() budget.Status {
	if g.ledger == nil {
		return budget.Status{}
	}
	return g.ledger.Status()
}

func traceFields(ctx context.Context) []zap.Field {
	return logging.ContextFields(ctx)
}
