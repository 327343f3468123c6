// Package config loads warden configuration.
//
// Precedence, highest first:
//  1. Environment variables prefixed WARDEN_
//  2. YAML config file
//  3. Defaults from Default()
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/warden/internal/agent"
	"github.com/fyrsmithlabs/warden/internal/budget"
	"github.com/fyrsmithlabs/warden/internal/hooks"
	"github.com/fyrsmithlabs/warden/internal/http"
	"github.com/fyrsmithlabs/warden/internal/logging"
	"github.com/fyrsmithlabs/warden/internal/notify"
	"github.com/fyrsmithlabs/warden/internal/orchestrator"
	"github.com/fyrsmithlabs/warden/internal/secrets"
	"github.com/fyrsmithlabs/warden/internal/telemetry"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// StateDirName is the per-project state directory.
const StateDirName = ".warden"

// Config is the root configuration.
type Config struct {
	Project   ProjectConfig       `koanf:"project"`
	Gate      GateConfig          `koanf:"gate"`
	Secrets   secrets.Config      `koanf:"secrets"`
	Budget    budget.Config       `koanf:"budget"`
	Cycle     orchestrator.Config `koanf:"cycle"`
	Tasks     TasksConfig         `koanf:"tasks"`
	Events    EventsConfig        `koanf:"events"`
	Server    http.Config         `koanf:"server"`
	Notify    notify.Config       `koanf:"notify"`
	Agent     agent.Config        `koanf:"agent"`
	Hooks     hooks.Config        `koanf:"hooks"`
	Logging   logging.Config      `koanf:"logging"`
	Telemetry telemetry.Config    `koanf:"telemetry"`
}

// ProjectConfig locates the governed project.
type ProjectConfig struct {
	// Root is the project root every gated path must stay inside.
	Root     string `koanf:"root"`
	StateDir string `koanf:"state_dir"`
}

// GateConfig configures the admission gate.
type GateConfig struct {
	TokenTTL    time.Duration `koanf:"token_ttl"`
	LogCapacity int           `koanf:"log_capacity"`
	// PolicyFile is an optional TOML policy. Empty uses the built-in tables.
	PolicyFile  string `koanf:"policy_file"`
	WatchPolicy bool   `koanf:"watch_policy"`
}

// TasksConfig locates the task queue.
type TasksConfig struct {
	// File is a YAML task queue. Empty uses the built-in maintenance tasks.
	File string `koanf:"file"`
}

// EventsConfig locates the critical event log.
type EventsConfig struct {
	Path string `koanf:"path"`
}

// Default returns the full default configuration rooted at the working directory.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{Root: ".", StateDir: StateDirName},
		Gate: GateConfig{
			TokenTTL:    60 * time.Second,
			LogCapacity: 10000,
			WatchPolicy: true,
		},
		Secrets: secrets.DefaultConfig(),
		Budget:  budget.DefaultConfig(),
		Cycle:   cycleDefaults(),
		Events:  EventsConfig{Path: filepath.Join(StateDirName, "critical_events.jsonl")},
		Server:  http.DefaultConfig(),
		Notify:  notify.DefaultConfig(),
		Agent:   agent.DefaultConfig(),
		Hooks:   *hooks.DefaultConfig(),
		Logging: *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

func cycleDefaults() orchestrator.Config {
	c := orchestrator.DefaultConfig()
	c.ReportDir = filepath.Join(StateDirName, "cycles")
	return c
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Project.Root == "" {
		return fmt.Errorf("%w: project.root is required", ErrInvalidConfig)
	}
	if c.Gate.TokenTTL <= 0 {
		return fmt.Errorf("%w: gate.token_ttl must be positive", ErrInvalidConfig)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Events.Path == "" {
		return fmt.Errorf("%w: events.path is required", ErrInvalidConfig)
	}

	checks := []struct {
		section string
		err     error
	}{
		{"budget", c.Budget.Validate()},
		{"cycle", c.Cycle.Validate()},
		{"hooks", c.Hooks.Validate()},
		{"logging", c.Logging.Validate()},
		{"telemetry", c.Telemetry.Validate()},
	}
	for _, chk := range checks {
		if chk.err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, chk.section, chk.err)
		}
	}
	return nil
}

// ResolvePaths makes the project root absolute and anchors every relative
// state path under it.
func (c *Config) ResolvePaths() error {
	root, err := filepath.Abs(c.Project.Root)
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}
	c.Project.Root = root

	anchor := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
	anchor(&c.Project.StateDir)
	anchor(&c.Events.Path)
	anchor(&c.Cycle.ReportDir)
	anchor(&c.Agent.CounterFile)
	anchor(&c.Gate.PolicyFile)
	anchor(&c.Tasks.File)
	if c.Agent.WorkDir == "" {
		c.Agent.WorkDir = root
	}
	return nil
}
