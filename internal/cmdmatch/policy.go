package cmdmatch

import (
	"fmt"
	"strings"
)

// Verdict is the outcome of evaluating a command against a Policy.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	// Rule is the deny or allow rule responsible for the verdict, if any.
	Rule    Rule   `json:"rule"`
	Segment string `json:"segment,omitempty"`
}

// Policy composes a denylist and an allowlist.
//
// The denylist always wins: it is matched against the whole command and every chained
// segment. Anything not explicitly allowlisted is denied, and every segment of a chained
// command must be allowlisted on its own.
type Policy struct {
	Deny  Matcher
	Allow Matcher
}

// NewPolicy builds a policy from two matchers. Nil matchers match nothing.
func NewPolicy(deny, allow Matcher) *Policy {
	return &Policy{Deny: deny, Allow: allow}
}

// DefaultPolicy returns the built-in deny and allow tables.
func DefaultPolicy() *Policy {
	return NewPolicy(MustPatternSet(DefaultDenyRules()), MustPatternSet(DefaultAllowRules()))
}

// Evaluate returns the verdict for command.
func (p *Policy) Evaluate(command string) Verdict {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Verdict{Allowed: false, Reason: "empty command"}
	}

	segments := Segments(cmd)

	if p.Deny != nil {
		if rule, ok := p.Deny.Match(cmd); ok {
			return Verdict{
				Allowed: false,
				Reason:  fmt.Sprintf("denylist rule %s: %s", rule.ID, rule.Description),
				Rule:    rule,
				Segment: cmd,
			}
		}
		for _, seg := range segments {
			if rule, ok := p.Deny.Match(seg); ok {
				return Verdict{
					Allowed: false,
					Reason:  fmt.Sprintf("denylist rule %s: %s", rule.ID, rule.Description),
					Rule:    rule,
					Segment: seg,
				}
			}
		}
	}

	if HasSubstitution(cmd) {
		return Verdict{Allowed: false, Reason: "command substitution is not allowed", Segment: cmd}
	}

	if p.Allow == nil {
		return Verdict{Allowed: false, Reason: "not in allowlist", Segment: cmd}
	}

	var last Rule
	for _, seg := range segments {
		rule, ok := p.Allow.Match(seg)
		if !ok {
			return Verdict{
				Allowed: false,
				Reason:  "not in allowlist",
				Segment: seg,
			}
		}
		last = rule
	}

	return Verdict{Allowed: true, Reason: "allowlisted", Rule: last}
}
