// Package golden runs the versioned golden-set benchmark: a fixed list of known-correct
// classifications that must all still hold before a cycle may run unattended.
//
// There is no tolerance. Any miss is a regression.
package golden

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/warden/internal/cmdmatch"
	"github.com/fyrsmithlabs/warden/internal/risk"
)

//go:embed cases/*.json
var caseFS embed.FS

// DefaultCaseFile is the embedded case set used by Default.
const DefaultCaseFile = "cases/v1.json"

// Errors returned by Run.
var (
	// ErrRegression indicates accuracy fell below 100%.
	ErrRegression = errors.New("golden set regression")

	// ErrEmptySuite indicates the suite has no cases.
	ErrEmptySuite = errors.New("golden set has no cases")
)

// Case kinds.
const (
	KindTier    = "tier"
	KindCommand = "command"
)

// Case is one expected classification.
type Case struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Tool     string         `json:"tool,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Expected string         `json:"expected"`
}

// CaseSet is a versioned list of cases.
type CaseSet struct {
	Version string `json:"version"`
	Cases   []Case `json:"cases"`
}

// Failure records a missed case.
type Failure struct {
	ID       string `json:"id"`
	Expected string `json:"expected"`
	Got      string `json:"got"`
}

// Result is the benchmark outcome.
type Result struct {
	Version  string        `json:"version"`
	Total    int           `json:"total"`
	Correct  int           `json:"correct"`
	Accuracy float64       `json:"accuracy"`
	Failures []Failure     `json:"failures,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Passed reports whether every case held.
func (r Result) Passed() bool {
	return r.Total > 0 && r.Correct == r.Total
}

// Subject produces the label for a case.
type Subject func(c Case) (string, error)

// Suite binds a case set to a subject.
type Suite struct {
	set     CaseSet
	subject Subject
	logger  *zap.Logger
}

// NewSuite creates a suite. A nil logger is replaced by a no-op logger.
func NewSuite(set CaseSet, subject Subject, logger *zap.Logger) *Suite {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suite{set: set, subject: subject, logger: logger.Named("golden")}
}

// LoadCaseSet reads a case set from the embedded files.
func LoadCaseSet(name string) (CaseSet, error) {
	data, err := caseFS.ReadFile(name)
	if err != nil {
		return CaseSet{}, fmt.Errorf("read golden cases %s: %w", name, err)
	}
	var set CaseSet
	if err := json.Unmarshal(data, &set); err != nil {
		return CaseSet{}, fmt.Errorf("decode golden cases %s: %w", name, err)
	}
	return set, nil
}

// GovernanceSubject labels tier cases with the classifier and command cases with the
// command policy ("allow" or "deny").
func GovernanceSubject(c *risk.Classifier, p *cmdmatch.Policy) Subject {
	return func(tc Case) (string, error) {
		switch tc.Kind {
		case KindTier:
			return string(c.Classify(tc.Tool, tc.Params)), nil
		case KindCommand:
			cmd, _ := risk.CommandParam(tc.Params)
			if p.Evaluate(cmd).Allowed {
				return "allow", nil
			}
			return "deny", nil
		default:
			return "", fmt.Errorf("unknown case kind %q", tc.Kind)
		}
	}
}

// Default returns the embedded suite benchmarking the built-in classifier and command
// policy.
func Default(logger *zap.Logger) (*Suite, error) {
	set, err := LoadCaseSet(DefaultCaseFile)
	if err != nil {
		return nil, err
	}
	return NewSuite(set, GovernanceSubject(risk.NewClassifier(), cmdmatch.DefaultPolicy()), logger), nil
}

// Version returns the case set version.
func (s *Suite) Version() string {
	return s.set.Version
}

// Run evaluates every case. It returns ErrRegression when accuracy is below 100%.
func (s *Suite) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{Version: s.set.Version, Total: len(s.set.Cases)}
	if res.Total == 0 {
		return res, ErrEmptySuite
	}

	for _, c := range s.set.Cases {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		got, err := s.subject(c)
		if err != nil {
			got = "error: " + err.Error()
		}
		if err == nil && got == c.Expected {
			res.Correct++
			continue
		}
		res.Failures = append(res.Failures, Failure{ID: c.ID, Expected: c.Expected, Got: got})
	}

	res.Accuracy = float64(res.Correct) / float64(res.Total)
	res.Duration = time.Since(start)

	if !res.Passed() {
		s.logger.Error("golden set regression",
			zap.String("version", res.Version),
			zap.Int("correct", res.Correct),
			zap.Int("total", res.Total),
			zap.Float64("accuracy", res.Accuracy))
		return res, fmt.Errorf("%w: accuracy %.4f (%d/%d) on set %s", ErrRegression, res.Accuracy, res.Correct, res.Total, res.Version)
	}

	s.logger.Info("golden set passed",
		zap.String("version", res.Version),
		zap.Int("total", res.Total),
		zap.Duration("duration", res.Duration))
	return res, nil
}
