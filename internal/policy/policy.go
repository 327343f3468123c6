// Package policy loads the admission policy file and hot-reloads it into a running gate.
//
// The file is TOML:
//
//	[commands]
//	extend_defaults = true
//
//	[[commands.deny]]
//	id = "kubectl-delete"
//	pattern = '^kubectl\s+delete\b'
//	description = "cluster deletes"
//
//	[critical]
//	basenames = ["schema.sql"]
//
//	[protected]
//	paths = ["/opt/secrets"]
//
// With extend_defaults the file's tables are appended to the built-in ones; otherwise
// they replace them.
package policy

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/warden/internal/cmdmatch"
	"github.com/fyrsmithlabs/warden/internal/gate"
	"github.com/fyrsmithlabs/warden/internal/pathsafe"
	"github.com/fyrsmithlabs/warden/internal/risk"
)

// ErrInvalidPolicy indicates the policy file could not be decoded or compiled.
var ErrInvalidPolicy = errors.New("invalid policy file")

// maxFileSize caps the policy file read.
const maxFileSize = 1 << 20

// File is the decoded policy file.
type File struct {
	Commands  Commands  `toml:"commands"`
	Critical  Critical  `toml:"critical"`
	Protected Protected `toml:"protected"`
}

// Commands are the command pattern tables.
type Commands struct {
	ExtendDefaults bool            `toml:"extend_defaults"`
	Deny           []cmdmatch.Rule `toml:"deny"`
	Allow          []cmdmatch.Rule `toml:"allow"`
	Mutation       []cmdmatch.Rule `toml:"mutation"`
}

// Critical extends or replaces the critical file set.
type Critical struct {
	ExtendDefaults bool `toml:"extend_defaults"`
	pathsafe.CriticalRules
}

// Protected extends or replaces the protected system paths.
type Protected struct {
	ExtendDefaults bool     `toml:"extend_defaults"`
	Paths          []string `toml:"paths"`
}

// Default returns a File that keeps every built-in table.
func Default() *File {
	return &File{
		Commands:  Commands{ExtendDefaults: true},
		Critical:  Critical{ExtendDefaults: true},
		Protected: Protected{ExtendDefaults: true},
	}
}

// Load decodes path. Sections missing from the file keep extend_defaults = true.
func Load(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat policy file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidPolicy, path, maxFileSize)
	}

	f := Default()
	if _, err := toml.DecodeFile(path, f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, path, err)
	}
	return f, nil
}

// Compiled is a policy ready to install into a gate.
type Compiled struct {
	Commands   *cmdmatch.Policy
	Critical   *pathsafe.CriticalSet
	Resolver   *pathsafe.Resolver
	Classifier *risk.Classifier
	// Protected is the effective protected system path list.
	Protected []string
}

// Compile builds matchers, the resolver for root and a classifier sharing the same
// critical set and command tables.
func (f *File) Compile(root string) (*Compiled, error) {
	deny, err := patternSet(f.Commands.ExtendDefaults, cmdmatch.DefaultDenyRules(), f.Commands.Deny)
	if err != nil {
		return nil, fmt.Errorf("%w: deny: %v", ErrInvalidPolicy, err)
	}
	allow, err := patternSet(f.Commands.ExtendDefaults, cmdmatch.DefaultAllowRules(), f.Commands.Allow)
	if err != nil {
		return nil, fmt.Errorf("%w: allow: %v", ErrInvalidPolicy, err)
	}
	mutation, err := patternSet(f.Commands.ExtendDefaults, cmdmatch.DefaultMutationRules(), f.Commands.Mutation)
	if err != nil {
		return nil, fmt.Errorf("%w: mutation: %v", ErrInvalidPolicy, err)
	}

	rules := f.Critical.CriticalRules
	if f.Critical.ExtendDefaults {
		def := pathsafe.DefaultCriticalRules()
		rules = pathsafe.CriticalRules{
			Basenames:        append(def.Basenames, rules.Basenames...),
			BasenamePrefixes: append(def.BasenamePrefixes, rules.BasenamePrefixes...),
			Paths:            append(def.Paths, rules.Paths...),
		}
	}
	critical := pathsafe.NewCriticalSet(rules)

	protected := f.Protected.Paths
	if f.Protected.ExtendDefaults {
		protected = append(pathsafe.DefaultProtectedPaths(), protected...)
	}

	resolver, err := pathsafe.NewResolver(root,
		pathsafe.WithCriticalSet(critical),
		pathsafe.WithProtectedPaths(protected))
	if err != nil {
		return nil, err
	}

	return &Compiled{
		Commands: cmdmatch.NewPolicy(deny, allow),
		Critical: critical,
		Resolver: resolver,
		Classifier: risk.NewClassifier(
			risk.WithCriticalSet(critical),
			risk.WithDenyMatcher(deny),
			risk.WithMutationMatcher(mutation),
		),
		Protected: protected,
	}, nil
}

func patternSet(extend bool, defaults, extra []cmdmatch.Rule) (*cmdmatch.PatternSet, error) {
	rules := extra
	if extend {
		rules = append(defaults, extra...)
	}
	return cmdmatch.NewPatternSet(rules)
}

// Target receives a compiled policy. *gate.Gate satisfies it.
type Target interface {
	SetCommandPolicy(p gate.CommandPolicy)
	SetResolver(r gate.PathResolver)
	SetClassifier(c gate.Classifier)
}

// Apply installs c into t.
func (c *Compiled) Apply(t Target) {
	t.SetCommandPolicy(c.Commands)
	t.SetResolver(c.Resolver)
	t.SetClassifier(c.Classifier)
}
