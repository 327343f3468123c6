package risk

import (
	"strings"

	"github.com/fyrsmithlabs/warden/internal/cmdmatch"
	"github.com/fyrsmithlabs/warden/internal/pathsafe"
)

// Default tool name tables. Names are compared lowercased.
var (
	DefaultCoreTools    = []string{"self_modify", "update_policy", "update_config", "modify_gate", "reset_budget"}
	DefaultWriteTools   = []string{"write_file", "edit_file", "create_file", "delete_file", "remove_file", "move_file", "append_file", "patch_file"}
	DefaultCommandTools = []string{"execute_command", "run_command", "bash", "shell"}
)

// Classifier maps (tool, params) to a Tier.
type Classifier struct {
	core     map[string]struct{}
	write    map[string]struct{}
	command  map[string]struct{}
	critical *pathsafe.CriticalSet
	deny     cmdmatch.Matcher
	mutation cmdmatch.Matcher
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithCriticalSet sets the critical file set used for write tools.
func WithCriticalSet(cs *pathsafe.CriticalSet) Option {
	return func(c *Classifier) {
		if cs != nil {
			c.critical = cs
		}
	}
}

// WithDenyMatcher sets the destructive command matcher.
func WithDenyMatcher(m cmdmatch.Matcher) Option {
	return func(c *Classifier) {
		if m != nil {
			c.deny = m
		}
	}
}

// WithMutationMatcher sets the state-changing command matcher.
func WithMutationMatcher(m cmdmatch.Matcher) Option {
	return func(c *Classifier) {
		if m != nil {
			c.mutation = m
		}
	}
}

// WithTools replaces the tool name tables. Nil slices keep the defaults.
func WithTools(core, write, command []string) Option {
	return func(c *Classifier) {
		if core != nil {
			c.core = toolSet(core)
		}
		if write != nil {
			c.write = toolSet(write)
		}
		if command != nil {
			c.command = toolSet(command)
		}
	}
}

// NewClassifier builds a classifier from the built-in tables and opts.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		core:     toolSet(DefaultCoreTools),
		write:    toolSet(DefaultWriteTools),
		command:  toolSet(DefaultCommandTools),
		critical: pathsafe.DefaultCriticalSet(),
		deny:     cmdmatch.MustPatternSet(cmdmatch.DefaultDenyRules()),
		mutation: cmdmatch.MustPatternSet(cmdmatch.DefaultMutationRules()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultClassifier = NewClassifier()

// Classify uses the built-in tables.
func Classify(tool string, params map[string]any) Tier {
	return defaultClassifier.Classify(tool, params)
}

// Classify returns the tier for a tool invocation. Rules apply in priority order:
// self-configuration tools, file writes, command execution, then readonly.
func (c *Classifier) Classify(tool string, params map[string]any) Tier {
	name := strings.ToLower(strings.TrimSpace(tool))

	if c.IsCoreTool(name) {
		return Core
	}

	if c.IsWriteTool(name) {
		if p, ok := PathParam(params); ok {
			if _, critical := c.critical.Match(p); critical {
				return WriteCritical
			}
		}
		return WriteNormal
	}

	if c.IsCommandTool(name) {
		cmd, ok := CommandParam(params)
		if !ok {
			return ReadOnly
		}
		if _, ok := c.deny.Match(cmd); ok {
			return Core
		}
		for _, seg := range cmdmatch.Segments(cmd) {
			if _, ok := c.deny.Match(seg); ok {
				return Core
			}
		}
		if _, ok := c.mutation.Match(cmd); ok {
			return WriteNormal
		}
		return ReadOnly
	}

	return ReadOnly
}

// IsCoreTool reports whether tool modifies the agent's own configuration.
func (c *Classifier) IsCoreTool(tool string) bool {
	_, ok := c.core[strings.ToLower(tool)]
	return ok
}

// IsWriteTool reports whether tool writes or deletes files.
func (c *Classifier) IsWriteTool(tool string) bool {
	_, ok := c.write[strings.ToLower(tool)]
	return ok
}

// IsCommandTool reports whether tool executes shell commands.
func (c *Classifier) IsCommandTool(tool string) bool {
	_, ok := c.command[strings.ToLower(tool)]
	return ok
}

func toolSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return set
}
