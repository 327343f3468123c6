package hooks

import (
	"context"
	"fmt"
	"sync"
)

// HookType represents different lifecycle hooks
type HookType string

const (
	// HookCycleStart is called after the golden check passes, before the first iteration
	HookCycleStart HookType = "cycle_start"

	// HookCycleStop is called once the cycle report has been built
	HookCycleStop HookType = "cycle_stop"

	// HookTaskBlocked is called when a task targets a protected file
	HookTaskBlocked HookType = "task_blocked"

	// HookGoldenFailed is called when the golden set regresses
	HookGoldenFailed HookType = "golden_failed"
)

// HookHandler is a function that handles a hook event
type HookHandler func(ctx context.Context, data map[string]interface{}) error

// HookManager manages lifecycle hooks
type HookManager struct {
	config *Config

	mu       sync.RWMutex
	handlers map[HookType][]HookHandler
}

// NewHookManager creates a new hook manager. A nil config uses DefaultConfig.
func NewHookManager(config *Config) *HookManager {
	if config == nil {
		config = DefaultConfig()
	}
	return &HookManager{
		config:   config,
		handlers: make(map[HookType][]HookHandler),
	}
}

// RegisterHandler registers a handler for a hook type
func (h *HookManager) RegisterHandler(hookType HookType, handler HookHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[hookType] = append(h.handlers[hookType], handler)
}

// Execute executes all handlers for the given hook type. Each handler runs under the
// configured timeout.
func (h *HookManager) Execute(ctx context.Context, hookType HookType, data map[string]interface{}) error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	handlers := append([]HookHandler(nil), h.handlers[hookType]...)
	h.mu.RUnlock()

	for _, handler := range handlers {
		hctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
		err := handler(hctx, data)
		cancel()
		if err != nil {
			return fmt.Errorf("hook %s failed: %w", hookType, err)
		}
	}

	return nil
}

// Config returns the hook configuration
func (h *HookManager) Config() *Config {
	return h.config
}
