package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/warden/internal/abtest"
	"github.com/fyrsmithlabs/warden/internal/agent"
	"github.com/fyrsmithlabs/warden/internal/orchestrator"
)

func newABCmd(opts *globalOptions) *cobra.Command {
	var (
		tasksFile string
		workDirs  = map[abtest.Condition]*string{
			abtest.ConditionGated:    new(string),
			abtest.ConditionBaseline: new(string),
		}
	)
	cmd := &cobra.Command{
		Use:   "ab",
		Short: "Compare a gated cycle against an ungated baseline",
		Long: `Run the task queue twice, one arm after the other: once with admission
enforced and once with a baseline gate that records but never blocks. Each arm
gets its own gate, budget ledger, token issuer, admission API and session
counter file. Give each arm its own checkout with --gated-workdir and
--baseline-workdir so the second arm does not start from the first arm's edits.

The comparison is written to cycle.report_dir as ab_comparison-<timestamp>.json.

Examples:
  warden ab --tasks .warden/tasks.yaml
  warden ab --gated-workdir ../wt-gated --baseline-workdir ../wt-baseline`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dirs := map[abtest.Condition]string{}
			for cond, dir := range workDirs {
				if *dir != "" {
					dirs[cond] = *dir
				}
			}
			return runAB(cmd.Context(), opts, tasksFile, dirs, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&tasksFile, "tasks", "", "task queue file (overrides tasks.file)")
	cmd.Flags().StringVar(workDirs[abtest.ConditionGated], "gated-workdir", "", "agent work dir for the gated arm (default agent.work_dir)")
	cmd.Flags().StringVar(workDirs[abtest.ConditionBaseline], "baseline-workdir", "", "agent work dir for the baseline arm (default agent.work_dir)")
	return cmd
}

func runAB(ctx context.Context, opts *globalOptions, tasksFile string, workDirs map[abtest.Condition]string, out io.Writer) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	queue, err := loadQueue(a.cfg.Tasks.File, tasksFile)
	if err != nil {
		return err
	}
	suite, err := a.golden()
	if err != nil {
		return err
	}

	servers := &serverSet{}
	defer servers.stopAll()

	factory := func(cond abtest.Condition, gc *abtest.Context) orchestrator.Agent {
		srv, err := startAdmissionServer(abtest.AdmissionFor(cond, gc.Gate), gc.Issuer, a.zl.With(zap.String("condition", string(cond))), a.cfg.Server.Host)
		if err != nil {
			return failingAgent(err)
		}
		servers.add(srv)

		cfg := a.cfg.Agent
		cfg.AdmissionURL = srv.url
		cfg.CounterFile = armCounterFile(cfg.CounterFile, cond)
		if dir, ok := workDirs[cond]; ok {
			cfg.WorkDir = dir
		}
		delegate, err := agent.NewSubprocess(cfg, agent.WithLogger(a.zl), agent.WithRedactor(a.redactor))
		if err != nil {
			return failingAgent(err)
		}
		return delegate
	}
	quality := func(cond abtest.Condition) orchestrator.QualityGate {
		return agent.NewCounterSession(armCounterFile(a.cfg.Agent.CounterFile, cond))
	}

	ctxCfg := abtest.ContextConfig{
		Root:      a.cfg.Project.Root,
		Budget:    a.cfg.Budget,
		Policy:    a.compiled.Commands,
		Critical:  a.compiled.Critical,
		Protected: a.compiled.Protected,
		TokenTTL:  a.cfg.Gate.TokenTTL,
	}
	h, err := abtest.New(queue, a.cfg.Cycle, ctxCfg, factory,
		abtest.WithQuality(quality),
		abtest.WithGolden(suite),
		abtest.WithEventLog(a.events),
		abtest.WithLogger(a.zl),
		abtest.WithOutputDir(a.cfg.Cycle.ReportDir))
	if err != nil {
		return err
	}

	c, err := h.Run(ctx)
	if c != nil {
		fmt.Fprint(out, renderComparison(c, a.cfg.Cycle.ReportDir))
	}
	return err
}

// armCounterFile gives each arm its own session counters.
func armCounterFile(path string, cond abtest.Condition) string {
	if ext := ".json"; strings.HasSuffix(path, ext) {
		return strings.TrimSuffix(path, ext) + "." + string(cond) + ext
	}
	return path + "." + string(cond)
}

// failingAgent stops the arm on its first task.
func failingAgent(err error) orchestrator.Agent {
	return orchestrator.AgentFunc(func(context.Context, orchestrator.ExecuteRequest) (orchestrator.ExecuteResult, error) {
		return orchestrator.ExecuteResult{}, fmt.Errorf("%w: %v", orchestrator.ErrFatal, err)
	})
}

type serverSet struct {
	mu      sync.Mutex
	servers []*admissionServer
}

func (s *serverSet) add(srv *admissionServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = append(s.servers, srv)
}

func (s *serverSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, srv := range s.servers {
		srv.Stop()
	}
	s.servers = nil
}
