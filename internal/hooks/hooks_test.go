package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHookManager(t *testing.T) {
	hm := NewHookManager(nil)
	require.NotNil(t, hm)
	assert.Equal(t, DefaultConfig(), hm.Config())
}

func TestExecuteHook_NoHandler(t *testing.T) {
	hm := NewHookManager(nil)
	assert.NoError(t, hm.Execute(context.Background(), HookCycleStart, nil))

	var nilManager *HookManager
	assert.NoError(t, nilManager.Execute(context.Background(), HookCycleStart, nil))
}

func TestRegisterHandler_RunsInOrder(t *testing.T) {
	hm := NewHookManager(nil)
	var order []string
	hm.RegisterHandler(HookCycleStop, func(ctx context.Context, data map[string]interface{}) error {
		order = append(order, "first:"+data["stop_reason"].(string))
		return nil
	})
	hm.RegisterHandler(HookCycleStop, func(ctx context.Context, data map[string]interface{}) error {
		order = append(order, "second")
		return nil
	})

	err := hm.Execute(context.Background(), HookCycleStop, map[string]interface{}{"stop_reason": "queue_exhausted"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:queue_exhausted", "second"}, order)
}

func TestExecuteHook_ErrorStopsChain(t *testing.T) {
	hm := NewHookManager(nil)
	boom := errors.New("boom")
	called := false
	hm.RegisterHandler(HookTaskBlocked, func(context.Context, map[string]interface{}) error { return boom })
	hm.RegisterHandler(HookTaskBlocked, func(context.Context, map[string]interface{}) error {
		called = true
		return nil
	})

	err := hm.Execute(context.Background(), HookTaskBlocked, nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "hook task_blocked failed")
	assert.False(t, called)
}

func TestExecuteHook_Timeout(t *testing.T) {
	hm := NewHookManager(&Config{Timeout: 10 * time.Millisecond})
	hm.RegisterHandler(HookGoldenFailed, func(ctx context.Context, _ map[string]interface{}) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := hm.Execute(context.Background(), HookGoldenFailed, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"zero timeout", &Config{}, true},
		{"negative timeout", &Config{Timeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
