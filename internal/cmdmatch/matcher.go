// Package cmdmatch provides ordered allow/deny pattern tables for shell-like commands.
package cmdmatch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validation errors for pattern tables.
var (
	// ErrEmptyRuleID indicates a rule was declared without an identifier.
	ErrEmptyRuleID = errors.New("rule id is required")

	// ErrInvalidPattern indicates a rule pattern failed to compile.
	ErrInvalidPattern = errors.New("invalid rule pattern")

	// ErrPatternTooLong indicates a rule pattern exceeds the length limit.
	ErrPatternTooLong = errors.New("rule pattern too long")
)

// maxPatternLen bounds user-supplied patterns (basic ReDoS protection).
const maxPatternLen = 500

// Rule is a single named command pattern.
type Rule struct {
	ID          string `toml:"id" json:"id"`
	Pattern     string `toml:"pattern" json:"pattern"`
	Description string `toml:"description" json:"description"`
}

// Matcher reports the first rule matching a command.
type Matcher interface {
	Match(command string) (Rule, bool)
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// PatternSet is an ordered table of compiled rules. The first matching rule wins.
type PatternSet struct {
	rules []compiledRule
}

// NewPatternSet compiles rules in order. Patterns are case-insensitive.
func NewPatternSet(rules []Rule) (*PatternSet, error) {
	set := &PatternSet{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.ID == "" {
			return nil, ErrEmptyRuleID
		}
		if len(r.Pattern) > maxPatternLen {
			return nil, fmt.Errorf("%w: %s", ErrPatternTooLong, r.ID)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPattern, r.ID, err)
		}
		set.rules = append(set.rules, compiledRule{rule: r, re: re})
	}
	return set, nil
}

// MustPatternSet is like NewPatternSet but panics on error.
// Only used for the built-in tables.
func MustPatternSet(rules []Rule) *PatternSet {
	set, err := NewPatternSet(rules)
	if err != nil {
		panic(err)
	}
	return set
}

// Match returns the first rule whose pattern matches command.
func (p *PatternSet) Match(command string) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	for _, cr := range p.rules {
		if cr.re.MatchString(command) {
			return cr.rule, true
		}
	}
	return Rule{}, false
}

// Rules returns a copy of the rule table in evaluation order.
func (p *PatternSet) Rules() []Rule {
	if p == nil {
		return nil
	}
	out := make([]Rule, len(p.rules))
	for i, cr := range p.rules {
		out[i] = cr.rule
	}
	return out
}

// Len returns the number of rules.
func (p *PatternSet) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}

// Segments splits a command line on shell control operators (`;`, `&`, `&&`, `|`, `||`,
// `|&` and newlines) and trims each part. `&` inside a redirection such as `2>&1` or
// `&>file` does not split. Empty segments are dropped.
func Segments(command string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(command); i++ {
		c := command[i]
		var next byte
		if i+1 < len(command) {
			next = command[i+1]
		}
		switch c {
		case ';', '\n':
			flush()
		case '|':
			if next == '|' || next == '&' {
				i++
			}
			flush()
		case '&':
			switch {
			case next == '&':
				i++
				flush()
			case i > 0 && (command[i-1] == '>' || command[i-1] == '<'), next == '>':
				cur.WriteByte(c)
			default:
				flush()
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// substitutionMarkers open a nested command whose program the allowlist never sees.
var substitutionMarkers = []string{"$(", "`", "<(", ">("}

// HasSubstitution reports whether command contains command or process substitution.
func HasSubstitution(command string) bool {
	for _, m := range substitutionMarkers {
		if strings.Contains(command, m) {
			return true
		}
	}
	return false
}
