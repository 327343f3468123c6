package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/warden/internal/budget"
	"github.com/fyrsmithlabs/warden/internal/config"
	"github.com/fyrsmithlabs/warden/internal/confirm"
	"github.com/fyrsmithlabs/warden/internal/events"
	"github.com/fyrsmithlabs/warden/internal/gate"
	"github.com/fyrsmithlabs/warden/internal/golden"
	"github.com/fyrsmithlabs/warden/internal/logging"
	"github.com/fyrsmithlabs/warden/internal/notify"
	"github.com/fyrsmithlabs/warden/internal/policy"
	"github.com/fyrsmithlabs/warden/internal/risk"
	"github.com/fyrsmithlabs/warden/internal/secrets"
	"github.com/fyrsmithlabs/warden/internal/telemetry"
)

// app holds the governance state shared by the long-running commands.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	zl       *zap.Logger
	tel      *telemetry.Telemetry
	redactor *secrets.Redactor
	notifier *notify.Publisher
	events   *events.Log
	compiled *policy.Compiled
	ledger   *budget.Ledger
	issuer   *confirm.Issuer
	gate     *gate.Gate
}

// newApp loads configuration and builds the gate with its collaborators.
func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	cfg, err := config.Load(opts.root, opts.configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(&cfg.Logging, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := logger.Underlying()

	a := &app{cfg: cfg, logger: logger, zl: zl}

	a.tel, err = telemetry.New(ctx, &cfg.Telemetry, telemetry.WithLogger(zl))
	if err != nil {
		return nil, err
	}

	a.redactor, err = secrets.New(cfg.Secrets)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("secrets: %w", err)
	}

	a.notifier, err = notify.Connect(cfg.Notify, notify.WithLogger(zl))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.events = events.NewLog(cfg.Events.Path,
		events.WithLogger(zl),
		events.WithObserver(a.notifier.Observer()))

	file := policy.Default()
	if cfg.Gate.PolicyFile != "" {
		if file, err = policy.Load(cfg.Gate.PolicyFile); err != nil {
			a.Close()
			return nil, err
		}
	}
	if a.compiled, err = file.Compile(cfg.Project.Root); err != nil {
		a.Close()
		return nil, err
	}

	if a.ledger, err = budget.NewLedger(cfg.Budget); err != nil {
		a.Close()
		return nil, err
	}
	a.issuer = confirm.NewIssuer(confirm.WithTTL(cfg.Gate.TokenTTL))

	a.gate = gate.New(a.compiled.Resolver, a.issuer, a.ledger,
		gate.WithName("warden"),
		gate.WithLogger(zl),
		gate.WithCommandPolicy(a.compiled.Commands),
		gate.WithClassifier(a.compiled.Classifier),
		gate.WithLogCapacity(cfg.Gate.LogCapacity),
		gate.WithRedactor(a.redactor.Redact),
		gate.WithSink(gate.MultiSink{gate.NewLogSink(zl), a.notifier, coreBlockSink(a.events, zl)}),
	)

	logger.Info(ctx, "warden initialized",
		zap.String("root", cfg.Project.Root),
		zap.String("policy", cfg.Gate.PolicyFile),
		zap.Bool("nats", cfg.Notify.URL != ""),
		zap.Bool("telemetry", cfg.Telemetry.Enabled))
	return a, nil
}

// watchPolicy hot-reloads the policy file into the gate until ctx is done.
// It returns nil when no policy file is configured or watching is off.
func (a *app) watchPolicy(ctx context.Context) (*policy.Watcher, error) {
	if a.cfg.Gate.PolicyFile == "" || !a.cfg.Gate.WatchPolicy {
		return nil, nil
	}
	w, err := policy.NewWatcher(a.cfg.Gate.PolicyFile, a.cfg.Project.Root, a.gate, policy.WithLogger(a.zl))
	if err != nil {
		return nil, err
	}
	w.Start(ctx)
	return w, nil
}

// golden builds the regression suite against the active policy.
func (a *app) golden() (*golden.Suite, error) {
	set, err := golden.LoadCaseSet(golden.DefaultCaseFile)
	if err != nil {
		return nil, err
	}
	return golden.NewSuite(set, golden.GovernanceSubject(a.compiled.Classifier, a.compiled.Commands), a.zl), nil
}

// Close releases connections and flushes telemetry.
func (a *app) Close() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tel.Shutdown(ctx); err != nil {
			a.zl.Warn("telemetry shutdown", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// coreBlockSink records a critical event for every blocked core-tier action so
// the next cycle's quiet-period check sees it.
func coreBlockSink(log *events.Log, logger *zap.Logger) gate.Sink {
	return gate.SinkFunc(func(ctx context.Context, e gate.Entry) {
		if e.Decision.Tier != risk.Core {
			return
		}
		_, err := log.Append(ctx, events.Event{
			Type:        events.SafetyViolation,
			Severity:    events.SeverityHigh,
			Description: "core-tier action blocked: " + e.Decision.Reason,
			Context: map[string]any{
				"tool":     e.Tool,
				"evidence": e.Decision.Evidence,
			},
		})
		if err != nil {
			logger.Error("failed to record critical event", zap.Error(err))
		}
	})
}
