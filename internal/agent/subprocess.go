package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/warden/internal/orchestrator"
	"github.com/fyrsmithlabs/warden/internal/secrets"
	"github.com/fyrsmithlabs/warden/internal/taskqueue"
)

// Environment variables set for every agent process.
const (
	EnvAdmissionURL = "WARDEN_ADMISSION_URL"
	EnvTaskID       = "WARDEN_TASK_ID"
	EnvBaseline     = "WARDEN_BASELINE"
	EnvCounterFile  = "WARDEN_COUNTER_FILE"
)

const (
	defaultMaxOutput = 1 << 20

	// waitDelay bounds how long Run waits on pipes held by orphaned grandchildren.
	waitDelay = 2 * time.Second
)

var (
	// ErrNoCommand indicates an empty agent command line.
	ErrNoCommand = errors.New("agent command not configured")

	// ErrAgentFailed indicates the agent process exited unsuccessfully.
	ErrAgentFailed = errors.New("agent process failed")

	// ErrBadResult indicates stdout did not end with a JSON result.
	ErrBadResult = errors.New("agent result malformed")
)

// Config configures the subprocess agent.
type Config struct {
	Command        []string `koanf:"command"`
	WorkDir        string   `koanf:"work_dir"`
	Env            []string `koanf:"env"`
	AdmissionURL   string   `koanf:"admission_url"`
	CounterFile    string   `koanf:"counter_file"`
	RatePerMinute  float64  `koanf:"rate_per_minute"`
	Burst          int      `koanf:"burst"`
	MaxOutputBytes int      `koanf:"max_output_bytes"`
}

// DefaultConfig returns a config allowing six invocations per minute.
func DefaultConfig() Config {
	return Config{
		RatePerMinute:  6,
		Burst:          1,
		CounterFile:    ".warden/session.json",
		MaxOutputBytes: defaultMaxOutput,
	}
}

// Request is the JSON document written to the agent's stdin.
type Request struct {
	Intent           string         `json:"intent"`
	MaxSubIterations int            `json:"maxSubIterations"`
	History          []string       `json:"history"`
	TimeoutMs        int64          `json:"timeoutMs"`
	Task             taskqueue.Task `json:"task"`
	BaselineMode     bool           `json:"baselineMode"`
	AdmissionURL     string         `json:"admissionUrl,omitempty"`
}

// Subprocess runs the agent as a child process.
type Subprocess struct {
	cfg      Config
	limiter  *rate.Limiter
	redactor *secrets.Redactor
	logger   *zap.Logger
}

// Option configures a Subprocess.
type Option func(*Subprocess)

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Subprocess) {
		if l != nil {
			s.logger = l.Named("agent")
		}
	}
}

// WithRedactor sets the redactor applied to answers and stderr. Nil keeps the default rules.
func WithRedactor(r *secrets.Redactor) Option {
	return func(s *Subprocess) {
		if r != nil {
			s.redactor = r
		}
	}
}

// NewSubprocess creates a subprocess agent.
func NewSubprocess(cfg Config, opts ...Option) (*Subprocess, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, ErrNoCommand
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}

	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
	}
	burst := max(cfg.Burst, 1)

	s := &Subprocess{
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		redactor: secrets.Default(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Execute implements orchestrator.Agent. A stderr line carrying the FATAL: marker is
// returned as an error wrapping orchestrator.ErrFatal regardless of the exit status.
func (s *Subprocess) Execute(ctx context.Context, req orchestrator.ExecuteRequest) (orchestrator.ExecuteResult, error) {
	var res orchestrator.ExecuteResult

	if err := s.limiter.Wait(ctx); err != nil {
		return res, fmt.Errorf("rate limiter: %w", err)
	}

	payload, err := json.Marshal(Request{
		Intent:           req.Intent,
		MaxSubIterations: req.MaxSubIterations,
		History:          req.History,
		TimeoutMs:        req.Timeout.Milliseconds(),
		Task:             req.Task,
		BaselineMode:     req.BaselineMode,
		AdmissionURL:     s.cfg.AdmissionURL,
	})
	if err != nil {
		return res, fmt.Errorf("encode agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command[0], s.cfg.Command[1:]...) // #nosec G204 -- operator-configured agent command
	cmd.Dir = s.cfg.WorkDir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvAdmissionURL+"="+s.cfg.AdmissionURL,
		EnvTaskID+"="+req.Task.ID,
		EnvCounterFile+"="+s.cfg.CounterFile,
	)
	if req.BaselineMode {
		cmd.Env = append(cmd.Env, EnvBaseline+"=1")
	}
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &cappedBuffer{limit: s.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: s.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	s.logger.Debug("agent process exited",
		zap.String("task.id", req.Task.ID),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("failed", runErr != nil),
		zap.Bool("truncated", stdout.truncated || stderr.truncated),
	)

	if line := fatalLine(stderr.String()); line != "" {
		return res, fmt.Errorf("%w: %s", orchestrator.ErrFatal, s.redactor.Redact(line))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("agent interrupted: %w", ctxErr)
	}
	if runErr != nil {
		return res, fmt.Errorf("%w: %v: %s", ErrAgentFailed, runErr, s.redactor.Redact(lastLine(stderr.String())))
	}

	line := lastLine(stdout.String())
	if line == "" {
		return res, fmt.Errorf("%w: empty stdout", ErrBadResult)
	}
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		return orchestrator.ExecuteResult{}, fmt.Errorf("%w: %v", ErrBadResult, err)
	}
	res.Answer = s.redactor.Redact(res.Answer)
	return res, nil
}

func fatalLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.Contains(line, orchestrator.FatalMarker) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// cappedBuffer keeps the first limit bytes and discards the rest so a chatty agent
// cannot exhaust memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
