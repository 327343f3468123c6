package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/warden/internal/agent"
	"github.com/fyrsmithlabs/warden/internal/audit"
	"github.com/fyrsmithlabs/warden/internal/hooks"
	"github.com/fyrsmithlabs/warden/internal/orchestrator"
	"github.com/fyrsmithlabs/warden/internal/project"
	"github.com/fyrsmithlabs/warden/internal/taskqueue"
)

// ErrMainBranch is returned when a cycle would run on the default branch.
var ErrMainBranch = errors.New("refusing to run a cycle on the main branch")

type cycleOptions struct {
	tasksFile     string
	allowMain     bool
	skipAudit     bool
	maxIterations int
}

func newCycleCmd(opts *globalOptions) *cobra.Command {
	co := &cycleOptions{}
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one unattended work cycle",
		Long: `Run one work cycle: check the golden set, then delegate queued tasks to the
configured agent until a cap or stop condition is reached. The agent reaches
the cycle's admission gate at the URL in WARDEN_ADMISSION_URL.

The cycle report is written to cycle.report_dir and audited immediately.

Examples:
  warden cycle --tasks .warden/tasks.yaml
  WARDEN_AGENT_COMMAND=my-agent,--json warden cycle --max-iterations 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCycle(cmd.Context(), opts, co, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&co.tasksFile, "tasks", "", "task queue file (overrides tasks.file)")
	cmd.Flags().BoolVar(&co.allowMain, "allow-main-branch", false, "allow running on main or master")
	cmd.Flags().BoolVar(&co.skipAudit, "no-audit", false, "skip the post-cycle audit")
	cmd.Flags().IntVar(&co.maxIterations, "max-iterations", 0, "lower the iteration cap for this run")
	return cmd
}

func runCycle(ctx context.Context, opts *globalOptions, co *cycleOptions, out io.Writer) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	proj, err := project.Detect(a.cfg.Project.Root)
	if err != nil {
		return err
	}
	if err := checkBranch(proj, co.allowMain); err != nil {
		return err
	}

	queue, err := loadQueue(a.cfg.Tasks.File, co.tasksFile)
	if err != nil {
		return err
	}

	cycleCfg := a.cfg.Cycle
	if co.maxIterations > 0 && co.maxIterations < cycleCfg.Caps.MaxIterations {
		cycleCfg.Caps.MaxIterations = co.maxIterations
	}

	srv, err := startAdmissionServer(a.gate, a.issuer, a.zl, a.cfg.Server.Host, a.serverOptions()...)
	if err != nil {
		return err
	}
	defer srv.Stop()

	agentCfg := a.cfg.Agent
	agentCfg.AdmissionURL = srv.url
	delegate, err := agent.NewSubprocess(agentCfg, agent.WithLogger(a.zl), agent.WithRedactor(a.redactor))
	if err != nil {
		return err
	}

	suite, err := a.golden()
	if err != nil {
		return err
	}
	metrics, err := orchestrator.NewMetrics(a.tel.Meter(orchestrator.InstrumentationName))
	if err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithQualityGate(agent.NewCounterSession(agentCfg.CounterFile)),
		orchestrator.WithGolden(suite),
		orchestrator.WithEventLog(a.events),
		orchestrator.WithAdmission(a.gate),
		orchestrator.WithHooks(cycleHooks(a)),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(a.tel.Tracer(orchestrator.InstrumentationName)),
		orchestrator.WithLogger(a.zl),
		orchestrator.WithSummary(out),
	}
	if proj.IsRepo {
		orchOpts = append(orchOpts, orchestrator.WithHeadCommit(proj.HeadCommit))
	}

	o, err := orchestrator.New(delegate, queue, cycleCfg, orchOpts...)
	if err != nil {
		return err
	}

	report, runErr := o.Run(ctx)
	if report == nil {
		return runErr
	}
	if runErr != nil {
		a.zl.Error("cycle report not persisted", zap.Error(runErr))
	}

	if co.skipAudit {
		return runErr
	}
	rep := audit.AuditCycle(report, audit.WithCaps(a.cfg.Cycle.Caps))
	path, err := audit.WriteReport(a.cfg.Cycle.ReportDir, rep)
	if err != nil {
		return errors.Join(runErr, err)
	}
	fmt.Fprint(out, renderAudit(rep, path))
	if rep.Verdict == audit.VerdictFail {
		return errors.Join(runErr, fmt.Errorf("%w: cycle %s", errAuditFailed, rep.CycleID))
	}
	return runErr
}

func checkBranch(p *project.Project, allowMain bool) error {
	if !p.IsRepo || allowMain {
		return nil
	}
	branch, err := p.Branch()
	if err != nil {
		return err
	}
	if project.IsMainBranch(branch) {
		return fmt.Errorf("%w (%s); use a work branch or --allow-main-branch", ErrMainBranch, branch)
	}
	return nil
}

// loadQueue prefers the flag, then the configured file. Neither yields the
// built-in queue.
func loadQueue(configured, flag string) (*taskqueue.Queue, error) {
	path := flag
	if path == "" {
		path = configured
	}
	if path == "" {
		return nil, nil
	}
	return taskqueue.Load(path)
}

// cycleHooks logs every lifecycle hook.
func cycleHooks(a *app) *hooks.HookManager {
	hm := hooks.NewHookManager(&a.cfg.Hooks)
	logger := a.zl.Named("hooks")

	for _, h := range []hooks.HookType{hooks.HookCycleStart, hooks.HookCycleStop, hooks.HookTaskBlocked, hooks.HookGoldenFailed} {
		level := zap.InfoLevel
		if h == hooks.HookGoldenFailed || h == hooks.HookTaskBlocked {
			level = zap.WarnLevel
		}
		hm.RegisterHandler(h, func(_ context.Context, data map[string]interface{}) error {
			logger.Log(level, string(h), zap.Any("data", data))
			return nil
		})
	}
	return hm
}
