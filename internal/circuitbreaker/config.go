package circuitbreaker

import "time"

// Default configuration values.
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 30 * time.Second
)

// StateChangeFunc is invoked after every state transition.
type StateChangeFunc func(name string, from, to State)

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures while closed
	// that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a single
	// probe is admitted.
	RecoveryTimeout time.Duration

	// OnStateChange is called asynchronously on every transition.
	OnStateChange StateChangeFunc
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
	}
}

// Validate replaces out of range values with defaults.
func (c *Config) Validate() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
}

// WithFailureThreshold sets the failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithRecoveryTimeout sets the recovery timeout.
func (c *Config) WithRecoveryTimeout(d time.Duration) *Config {
	c.RecoveryTimeout = d
	return c
}

// WithOnStateChange sets the transition callback.
func (c *Config) WithOnStateChange(fn StateChangeFunc) *Config {
	c.OnStateChange = fn
	return c
}
