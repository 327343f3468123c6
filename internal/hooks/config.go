package hooks

import (
	"fmt"
	"time"
)

// Config holds hook configuration
type Config struct {
	// Timeout bounds a single handler invocation.
	Timeout time.Duration `koanf:"timeout" json:"timeout"`

	// FailCycleOnError stops the cycle when a cycle_start handler fails. Errors from
	// other hooks are only logged.
	FailCycleOnError bool `koanf:"fail_cycle_on_error" json:"fail_cycle_on_error"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:          10 * time.Second,
		FailCycleOnError: false,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("hooks timeout must be positive, got %s", c.Timeout)
	}
	return nil
}
