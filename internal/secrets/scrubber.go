package secrets

import (
	"regexp"
	"sort"
	"strings"
)

// Finding locates one redacted credential. The value itself is never kept.
type Finding struct {
	RuleID string `json:"ruleId"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Line   int    `json:"line"`
}

// Result is the outcome of Scan.
type Result struct {
	Redacted string         `json:"-"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"byRule,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// Redactor replaces credentials with a fixed marker. It is immutable after New and
// safe for concurrent use.
type Redactor struct {
	enabled     bool
	replacement string
	rules       []compiledRule
	allow       []*regexp.Regexp
}

// New compiles cfg.
func New(cfg Config) (*Redactor, error) {
	rules, allow, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	return &Redactor{enabled: cfg.Enabled, replacement: replacement, rules: rules, allow: allow}, nil
}

// MustNew is New that panics on error.
func MustNew(cfg Config) *Redactor {
	r, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns a Redactor with the built-in rules.
func Default() *Redactor {
	return MustNew(DefaultConfig())
}

// Redact returns s with every finding replaced. A nil Redactor returns s unchanged.
func (r *Redactor) Redact(s string) string {
	return r.Scan(s).Redacted
}

// Scan finds and redacts credentials in s.
func (r *Redactor) Scan(s string) Result {
	res := Result{Redacted: s}
	if r == nil || !r.enabled || s == "" {
		return res
	}

	type span struct{ start, end int }
	var spans []span
	for _, rule := range r.rules {
		if !rule.applies(s) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(s, -1) {
			if r.allowed(s[m[0]:m[1]]) {
				continue
			}
			res.Findings = append(res.Findings, Finding{
				RuleID: rule.id,
				Start:  m[0],
				End:    m[1],
				Line:   strings.Count(s[:m[0]], "\n") + 1,
			})
			if res.ByRule == nil {
				res.ByRule = make(map[string]int)
			}
			res.ByRule[rule.id]++
			spans = append(spans, span{m[0], m[1]})
		}
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			last.end = max(last.end, sp.end)
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	prev := 0
	for _, sp := range merged {
		b.WriteString(s[prev:sp.start])
		b.WriteString(r.replacement)
		prev = sp.end
	}
	b.WriteString(s[prev:])
	res.Redacted = b.String()
	return res
}

func (c compiledRule) applies(s string) bool {
	if len(c.keywords) == 0 {
		return true
	}
	for _, kw := range c.keywords {
		if kw.MatchString(s) {
			return true
		}
	}
	return false
}

func (r *Redactor) allowed(match string) bool {
	for _, re := range r.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
