// Package config loads the client's runtime configuration from YAML and
// turns it into router, retry and breaker settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/machineapi/machine-client-go/backoff"
	"github.com/machineapi/machine-client-go/circuitbreaker"
	"github.com/machineapi/machine-client-go/pool"
	"github.com/machineapi/machine-client-go/retry"
)

// Duration is a time.Duration that unmarshals from YAML strings like "250ms"
// or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full client configuration.
type Config struct {
	Endpoints           []string      `yaml:"endpoints"`
	Strategy            string        `yaml:"strategy"`
	CallTimeout         Duration      `yaml:"call_timeout"`
	HealthCheckInterval Duration      `yaml:"health_check_interval"`
	Retry               RetryConfig   `yaml:"retry"`
	Breaker             BreakerConfig `yaml:"breaker"`
}

// RetryConfig mirrors retry.Config. MaxRetries is a pointer so an explicit
// zero (no retries) is distinguishable from an absent field.
type RetryConfig struct {
	MaxRetries        *int          `yaml:"max_retries"`
	PerAttemptTimeout Duration      `yaml:"per_attempt_timeout"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

// BackoffConfig selects and parameterizes a backoff policy. Kind is one of
// "none", "fixed", "linear" or "exponential". Jitter, when nonzero, scales
// each delay by a random factor drawn between the jitter value and 1.
type BackoffConfig struct {
	Kind       string   `yaml:"kind"`
	Base       Duration `yaml:"base"`
	Step       Duration `yaml:"step"`
	Multiplier float64  `yaml:"multiplier"`
	Max        Duration `yaml:"max"`
	Jitter     float64  `yaml:"jitter"`
}

// BreakerConfig mirrors the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
	HalfOpenMax      int      `yaml:"half_open_max"`
}

// Default returns the production defaults. Parse applies them before
// unmarshaling, so a config file only states what it changes.
func Default() Config {
	three := 3
	return Config{
		Strategy: "round-robin",
		Retry: RetryConfig{
			MaxRetries: &three,
			Backoff: BackoffConfig{
				Kind:       "exponential",
				Base:       Duration(100 * time.Millisecond),
				Multiplier: 2,
				Max:        Duration(30 * time.Second),
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			RecoveryTimeout:  Duration(30 * time.Second),
			HalfOpenMax:      3,
		},
	}
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse unmarshals YAML over the defaults and validates the result.
func Parse(b []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks field ranges, naming the offending field in errors.
func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("endpoints: at least one endpoint address is required")
	}
	if _, err := pool.ParseStrategy(c.Strategy); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout: must not be negative")
	}
	if c.HealthCheckInterval < 0 {
		return fmt.Errorf("health_check_interval: must not be negative")
	}
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries: must not be negative")
	}
	if c.Retry.PerAttemptTimeout < 0 {
		return fmt.Errorf("retry.per_attempt_timeout: must not be negative")
	}
	switch c.Retry.Backoff.Kind {
	case "", "none", "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("retry.backoff.kind: unknown kind %q", c.Retry.Backoff.Kind)
	}
	if j := c.Retry.Backoff.Jitter; j < 0 || j >= 1 {
		return fmt.Errorf("retry.backoff.jitter: must be in [0, 1)")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold: must be at least 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold: must be at least 1")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout: must be positive")
	}
	if c.Breaker.HalfOpenMax < 1 {
		return fmt.Errorf("breaker.half_open_max: must be at least 1")
	}
	return nil
}

// BackoffPolicy builds the configured backoff policy.
func (c Config) BackoffPolicy() backoff.Policy {
	b := c.Retry.Backoff
	var p backoff.Policy
	switch b.Kind {
	case "none":
		p = backoff.None{}
	case "fixed":
		p = backoff.Fixed(b.Base)
	case "linear":
		p = backoff.Linear{
			Base: time.Duration(b.Base),
			Step: time.Duration(b.Step),
			Max:  time.Duration(b.Max),
		}
	default: // exponential
		p = backoff.Exponential{
			Base:       time.Duration(b.Base),
			Multiplier: b.Multiplier,
			Max:        time.Duration(b.Max),
		}
	}
	if b.Jitter > 0 {
		p = backoff.Jitter(p, b.Jitter, nil)
	}
	return p
}

// RetryPolicy builds the configured retry settings.
func (c Config) RetryPolicy() retry.Config {
	max := 3
	if c.Retry.MaxRetries != nil {
		max = *c.Retry.MaxRetries
	}
	return retry.Config{
		MaxRetries:        max,
		Backoff:           c.BackoffPolicy(),
		PerAttemptTimeout: time.Duration(c.Retry.PerAttemptTimeout),
	}
}

// BreakerOptions builds the configured per-endpoint breaker options.
func (c Config) BreakerOptions() []circuitbreaker.BreakerOption {
	return []circuitbreaker.BreakerOption{
		circuitbreaker.WithFailureThreshold(c.Breaker.FailureThreshold),
		circuitbreaker.WithSuccessThreshold(c.Breaker.SuccessThreshold),
		circuitbreaker.WithRecoveryTimeout(time.Duration(c.Breaker.RecoveryTimeout)),
		circuitbreaker.WithHalfOpenMax(c.Breaker.HalfOpenMax),
	}
}

// RouterOptions assembles the pool options this configuration describes.
// Health checking needs a probe function, so it stays with the caller.
func (c Config) RouterOptions() ([]pool.Option, error) {
	strategy, err := pool.ParseStrategy(c.Strategy)
	if err != nil {
		return nil, fmt.Errorf("strategy: %w", err)
	}
	options := []pool.Option{
		pool.WithStrategy(strategy),
		pool.WithRetry(c.RetryPolicy()),
		pool.WithBreaker(c.BreakerOptions()...),
	}
	if c.CallTimeout > 0 {
		options = append(options, pool.WithTimeout(time.Duration(c.CallTimeout)))
	}
	return options, nil
}
