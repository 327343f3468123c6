// Package risk classifies tool invocations into risk tiers.
//
// Classification is a pure function of the tool name and its parameters: no filesystem
// access, no clock, no shared state. The same input always yields the same tier.
package risk

import (
	"fmt"
	"strings"
)

// Tier is an ordered sensitivity level.
type Tier string

// Tiers in increasing order of sensitivity.
const (
	ReadOnly      Tier = "readonly"
	WriteNormal   Tier = "write_normal"
	WriteCritical Tier = "write_critical"
	Core          Tier = "core"
)

// Rank returns the ordinal of t. Unknown tiers rank highest.
func (t Tier) Rank() int {
	switch t {
	case ReadOnly:
		return 0
	case WriteNormal:
		return 1
	case WriteCritical:
		return 2
	default:
		return 3
	}
}

// IsRisky reports whether actions of this tier consume exploration budget.
func (t Tier) IsRisky() bool {
	return t.Rank() >= WriteCritical.Rank()
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case ReadOnly, WriteNormal, WriteCritical, Core:
		return t, nil
	default:
		return "", fmt.Errorf("unknown risk tier %q", s)
	}
}

// Parameter keys understood by the classifier and the admission gate.
var (
	PathKeys    = []string{"path", "file_path", "filepath", "target"}
	CommandKeys = []string{"command", "cmd"}
)

// PathParam returns the first non-empty path parameter.
func PathParam(params map[string]any) (string, bool) {
	return stringParam(params, PathKeys)
}

// CommandParam returns the first non-empty command parameter.
func CommandParam(params map[string]any) (string, bool) {
	return stringParam(params, CommandKeys)
}

func stringParam(params map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		v, ok := params[k]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}
