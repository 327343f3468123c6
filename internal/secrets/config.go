package secrets

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidRule indicates a rule could not be compiled.
var ErrInvalidRule = errors.New("invalid secret rule")

// Config configures a Redactor.
type Config struct {
	Enabled     bool     `koanf:"enabled" json:"enabled"`
	Replacement string   `koanf:"replacement" json:"replacement"`
	Rules       []Rule   `koanf:"rules" json:"rules,omitempty"`
	AllowList   []string `koanf:"allow_list" json:"allowList,omitempty"`
}

// Rule is one detection pattern. When Keywords are set, at least one must appear
// (case-insensitively) in the input for the rule to run.
type Rule struct {
	ID       string   `koanf:"id" json:"id"`
	Pattern  string   `koanf:"pattern" json:"pattern"`
	Keywords []string `koanf:"keywords" json:"keywords,omitempty"`
}

// DefaultConfig returns the built-in rules with "[REDACTED]" as replacement.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Replacement: "[REDACTED]",
		Rules:       DefaultRules(),
	}
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

func compile(cfg Config) ([]compiledRule, []*regexp.Regexp, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.ID == "" || r.Pattern == "" {
			return nil, nil, fmt.Errorf("%w: rule %d needs id and pattern", ErrInvalidRule, i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
		}
		cr := compiledRule{id: r.ID, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		rules = append(rules, cr)
	}

	allow := make([]*regexp.Regexp, 0, len(cfg.AllowList))
	for i, p := range cfg.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: allow_list %d: %v", ErrInvalidRule, i, err)
		}
		allow = append(allow, re)
	}
	return rules, allow, nil
}
