package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/warden/internal/risk"
)

func TestLedger_Initial(t *testing.T) {
	l := MustLedger()
	st := l.Status()

	assert.InDelta(t, 0.07, st.Current, 1e-12)
	assert.Equal(t, 0, st.ActionsInWindow)
	assert.Equal(t, 0, st.RiskyActionsInWindow)
	assert.False(t, st.Exhausted)
	assert.True(t, l.CanTakeRisk().Allowed)
}

func TestLedger_RiskyRunIsBounded(t *testing.T) {
	l := MustLedger()

	granted := 0
	for i := 0; i < 20; i++ {
		check := l.CanTakeRisk()
		if !check.Allowed {
			assert.Contains(t, check.Reason, "exhausted")
			break
		}
		l.RecordAction(risk.Core)
		granted++
	}

	assert.Equal(t, 5, granted)
	assert.InDelta(t, 0.0575, l.Status().Current, 1e-9)
}

func TestLedger_RecoveryTowardTarget(t *testing.T) {
	l := MustLedger()
	for i := 0; i < 4; i++ {
		l.RecordAction(risk.WriteCritical)
	}
	depleted := l.Status().Current
	require.Less(t, depleted, 0.07)

	l.RecordAction(risk.ReadOnly)
	recovered := l.Status().Current
	assert.Greater(t, recovered, depleted)
	assert.InDelta(t, depleted+0.1*(0.07-depleted), recovered, 1e-12)

	for i := 0; i < 1000; i++ {
		l.RecordAction(risk.WriteNormal)
		require.LessOrEqual(t, l.Status().Current, 0.07+1e-12)
	}
	assert.InDelta(t, 0.07, l.Status().Current, 1e-9)
}

func TestLedger_StaysWithinBounds(t *testing.T) {
	l := MustLedger()
	for i := 0; i < 1000; i++ {
		l.RecordAction(risk.Core)
		st := l.Status()
		require.GreaterOrEqual(t, st.Current, st.Floor)
		require.LessOrEqual(t, st.Current, st.Ceiling)
	}

	st := l.Status()
	assert.True(t, st.Exhausted)
	assert.Equal(t, st.Floor, st.Current)

	check := l.CanTakeRisk()
	assert.False(t, check.Allowed)
	assert.Contains(t, check.Reason, "floor")
}

func TestLedger_ExhaustedListenerFiresOnCrossing(t *testing.T) {
	l := MustLedger()
	calls := 0
	var last Status
	l.OnExhausted(func(st Status) {
		calls++
		last = st
		// Listeners run without the lock held.
		_ = l.Status()
	})

	for i := 0; i < 30; i++ {
		l.RecordAction(risk.Core)
	}

	assert.Equal(t, 1, calls)
	assert.True(t, last.Exhausted)
}

func TestLedger_WindowReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 10
	l, err := NewLedger(cfg)
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		l.RecordAction(risk.ReadOnly)
	}
	l.RecordAction(risk.Core)
	st := l.Status()
	assert.Equal(t, 0, st.ActionsInWindow)
	assert.Equal(t, 0, st.RiskyActionsInWindow)
	assert.Equal(t, int64(10), st.TotalActions)
	assert.Equal(t, int64(1), st.TotalRiskyActions)
	assert.Less(t, st.Current, cfg.Target, "budget level carries over the window reset")
}

func TestLedger_Reset(t *testing.T) {
	l := MustLedger()
	for i := 0; i < 50; i++ {
		l.RecordAction(risk.Core)
	}
	l.Reset()

	st := l.Status()
	assert.InDelta(t, 0.07, st.Current, 1e-12)
	assert.Zero(t, st.TotalActions)
	assert.False(t, st.Exhausted)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"floor above target", func(c *Config) { c.Floor = 0.08 }},
		{"target above ceiling", func(c *Config) { c.Target = 0.2 }},
		{"ceiling above one", func(c *Config) { c.Ceiling = 1.5 }},
		{"negative floor", func(c *Config) { c.Floor = -0.1 }},
		{"zero window", func(c *Config) { c.Window = 0 }},
		{"zero recovery", func(c *Config) { c.RecoveryRate = 0 }},
		{"zero step", func(c *Config) { c.DepletionStep = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewLedger(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLedger_Concurrent(t *testing.T) {
	l := MustLedger()
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				l.RecordAction(risk.Core)
				return
			}
			_ = l.CanTakeRisk()
			l.RecordAction(risk.ReadOnly)
		}(i)
	}
	wg.Wait()

	st := l.Status()
	assert.Equal(t, int64(200), st.TotalActions)
	assert.Equal(t, int64(50), st.TotalRiskyActions)
}
