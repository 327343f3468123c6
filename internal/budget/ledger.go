// Package budget implements the exploration budget ledger: a bounded, windowed allowance
// for risky actions.
//
// The budget is a scalar in [Floor, Ceiling] that starts at Target. Non-risky actions
// pull it back toward Target; risky actions (write_critical, core) push it down by a fixed
// step plus a penalty proportional to how far the window's risky ratio overshoots Target.
// Window counters reset every Window actions; the budget level carries over.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/fyrsmithlabs/warden/internal/risk"
)

// ErrInvalidConfig indicates the ledger bounds are inconsistent.
var ErrInvalidConfig = errors.New("invalid budget configuration")

// Config holds the ledger bounds and curve parameters.
type Config struct {
	Floor   float64 `koanf:"floor" json:"floor"`
	Target  float64 `koanf:"target" json:"target"`
	Ceiling float64 `koanf:"ceiling" json:"ceiling"`
	// Window is the number of actions after which window counters reset.
	Window int `koanf:"window" json:"window"`
	// RecoveryRate is the fraction of the gap to Target recovered per non-risky action.
	RecoveryRate float64 `koanf:"recovery_rate" json:"recovery_rate"`
	// DepletionStep is the fixed cost of one risky action.
	DepletionStep float64 `koanf:"depletion_step" json:"depletion_step"`
	// OvershootWeight scales the extra cost when the risky ratio exceeds Target.
	OvershootWeight float64 `koanf:"overshoot_weight" json:"overshoot_weight"`
}

// DefaultConfig returns the standard ledger parameters.
func DefaultConfig() Config {
	return Config{
		Floor:           0.05,
		Target:          0.07,
		Ceiling:         0.12,
		Window:          100,
		RecoveryRate:    0.1,
		DepletionStep:   0.0025,
		OvershootWeight: 0.05,
	}
}

// Validate checks 0 <= floor <= target <= ceiling <= 1 and positive curve parameters.
func (c Config) Validate() error {
	if c.Floor < 0 || c.Ceiling > 1 || c.Floor > c.Target || c.Target > c.Ceiling {
		return fmt.Errorf("%w: require 0 <= floor(%.4f) <= target(%.4f) <= ceiling(%.4f) <= 1",
			ErrInvalidConfig, c.Floor, c.Target, c.Ceiling)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %d", ErrInvalidConfig, c.Window)
	}
	if c.RecoveryRate <= 0 || c.RecoveryRate > 1 {
		return fmt.Errorf("%w: recovery_rate must be in (0,1], got %.4f", ErrInvalidConfig, c.RecoveryRate)
	}
	if c.DepletionStep <= 0 || c.OvershootWeight < 0 {
		return fmt.Errorf("%w: depletion_step must be positive and overshoot_weight non-negative", ErrInvalidConfig)
	}
	return nil
}

// Check is the answer to CanTakeRisk.
type Check struct {
	Allowed bool    `json:"allowed"`
	Budget  float64 `json:"budget"`
	Reason  string  `json:"reason"`
}

// Status is a read-only snapshot of the ledger.
type Status struct {
	Current              float64 `json:"current"`
	Floor                float64 `json:"floor"`
	Target               float64 `json:"target"`
	Ceiling              float64 `json:"ceiling"`
	Window               int     `json:"window"`
	ActionsInWindow      int     `json:"actionsInWindow"`
	RiskyActionsInWindow int     `json:"riskyActionsInWindow"`
	RiskyRatio           float64 `json:"riskyRatio"`
	TotalActions         int64   `json:"totalActions"`
	TotalRiskyActions    int64   `json:"totalRiskyActions"`
	Exhausted            bool    `json:"exhausted"`
}

// ExhaustedListener is notified when the budget falls to the floor.
type ExhaustedListener func(Status)

// Ledger tracks the budget. It is safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	cfg         Config
	current     float64
	actions     int
	risky       int
	totalActs   int64
	totalRisky  int64
	onExhausted []ExhaustedListener
}

// NewLedger creates a ledger at Target.
func NewLedger(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{cfg: cfg, current: cfg.Target}, nil
}

// MustLedger is like NewLedger with DefaultConfig and cannot fail.
func MustLedger() *Ledger {
	l, err := NewLedger(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return l
}

// OnExhausted registers a listener. Listeners run after the ledger lock is released.
func (l *Ledger) OnExhausted(fn ExhaustedListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onExhausted = append(l.onExhausted, fn)
}

// CanTakeRisk reports whether one more risky action fits the budget.
//
// Allowed iff the budget is above the floor and granting the action would keep the
// window's risky ratio at or below the current budget. The ratio denominator is at least
// Window so a fresh window is not dominated by its first few actions.
func (l *Ledger) CanTakeRisk() Check {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current <= l.cfg.Floor {
		return Check{
			Allowed: false,
			Budget:  l.current,
			Reason:  fmt.Sprintf("exploration budget exhausted: %.4f at floor %.4f", l.current, l.cfg.Floor),
		}
	}

	projected := float64(l.risky+1) / float64(maxInt(l.actions+1, l.cfg.Window))
	if projected > l.current {
		return Check{
			Allowed: false,
			Budget:  l.current,
			Reason: fmt.Sprintf("exploration budget exhausted: risky ratio %.4f would exceed budget %.4f (%d/%d risky in window)",
				projected, l.current, l.risky, l.actions),
		}
	}

	return Check{
		Allowed: true,
		Budget:  l.current,
		Reason:  fmt.Sprintf("budget %.4f, %d/%d risky in window", l.current, l.risky, l.actions),
	}
}

// RecordAction accounts for one action of the given tier.
func (l *Ledger) RecordAction(tier risk.Tier) {
	var (
		notify    bool
		snapshot  Status
		listeners []ExhaustedListener
	)

	func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		wasAboveFloor := l.current > l.cfg.Floor

		l.actions++
		l.totalActs++
		if tier.IsRisky() {
			l.risky++
			l.totalRisky++
			ratio := float64(l.risky) / float64(maxInt(l.actions, l.cfg.Window))
			l.current -= l.cfg.DepletionStep + l.cfg.OvershootWeight*math.Max(0, ratio-l.cfg.Target)
		} else if l.current < l.cfg.Target {
			l.current += l.cfg.RecoveryRate * (l.cfg.Target - l.current)
		}
		l.current = clamp(l.current, l.cfg.Floor, l.cfg.Ceiling)

		if l.actions >= l.cfg.Window {
			l.actions = 0
			l.risky = 0
		}

		if wasAboveFloor && l.current <= l.cfg.Floor && len(l.onExhausted) > 0 {
			notify = true
			snapshot = l.statusLocked()
			listeners = append([]ExhaustedListener(nil), l.onExhausted...)
		}
	}()

	if notify {
		for _, fn := range listeners {
			fn(snapshot)
		}
	}
}

// Status returns a snapshot.
func (l *Ledger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

// Reset restores the initial state. Intended for test isolation; the control loop never
// calls it.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = l.cfg.Target
	l.actions = 0
	l.risky = 0
	l.totalActs = 0
	l.totalRisky = 0
}

// Config returns the ledger configuration.
func (l *Ledger) Config() Config {
	return l.cfg
}

func (l *Ledger) statusLocked() Status {
	var ratio float64
	if l.actions > 0 {
		ratio = float64(l.risky) / float64(l.actions)
	}
	return Status{
		Current:              l.current,
		Floor:                l.cfg.Floor,
		Target:               l.cfg.Target,
		Ceiling:              l.cfg.Ceiling,
		Window:               l.cfg.Window,
		ActionsInWindow:      l.actions,
		RiskyActionsInWindow: l.risky,
		RiskyRatio:           ratio,
		TotalActions:         l.totalActs,
		TotalRiskyActions:    l.totalRisky,
		Exhausted:            l.current <= l.cfg.Floor,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
